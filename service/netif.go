package service

import (
	"errors"
	"fmt"
	"net"

	"gowarp/config"
)

var errNoInterface = errors.New("service: no usable IPv4 interface")

// localAddress resolves the interface named in settings to its IPv4 address and network.
// An empty name or config.NetworkInterfaceAuto picks the first active non-loopback interface.
func localAddress(name string) (net.IP, *net.IPNet, *net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if name != "" && name != config.NetworkInterfaceAuto {
			if iface.Name != name {
				continue
			}
		} else if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip, ipNet := firstIPv4Net(iface); ip != nil {
			return ip, ipNet, iface, nil
		}
	}
	if name != "" && name != config.NetworkInterfaceAuto {
		return nil, nil, nil, fmt.Errorf("interface %q: %w", name, errNoInterface)
	}
	return nil, nil, nil, errNoInterface
}

// subnetOf finds the local network that ip is configured on.
func subnetOf(ip net.IP) *net.IPNet {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return &net.IPNet{IP: ipNet.IP.Mask(ipNet.Mask), Mask: ipNet.Mask}
			}
		}
	}
	return nil
}

func firstIPv4Net(iface *net.Interface) (net.IP, *net.IPNet) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, &net.IPNet{IP: ip4.Mask(ipNet.Mask), Mask: ipNet.Mask}
		}
	}
	return nil, nil
}

// ResolveLocalIP returns the IPv4 address a Service built with the same interface setting will use.
func ResolveLocalIP(name string) (net.IP, error) {
	ip, _, _, err := localAddress(name)
	return ip, err
}
