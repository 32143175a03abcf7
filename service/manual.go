package service

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"gowarp/models"
	"gowarp/network"
)

// ManualResult is the outcome of a manual connection attempt.
type ManualResult uint8

const (
	ManualSuccess ManualResult = iota
	ManualAlreadyConnected
	ManualNotOnSameSubnet
	ManualUnsupported
	ManualError
)

func (r ManualResult) String() string {
	switch r {
	case ManualSuccess:
		return "success"
	case ManualAlreadyConnected:
		return "already_connected"
	case ManualNotOnSameSubnet:
		return "not_on_same_subnet"
	case ManualUnsupported:
		return "unsupported"
	case ManualError:
		return "error"
	default:
		return fmt.Sprintf("manual_result(%d)", uint8(r))
	}
}

// ConnectManual registers with a remote at "ip:authPort" that mDNS cannot see,
// then starts a regular handshake with it. The remote's service ID is returned once known.
func (s *Service) ConnectManual(ctx context.Context, address string) (string, ManualResult, error) {
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return "", ManualError, fmt.Errorf("parse address %q: %w", address, err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return "", ManualError, fmt.Errorf("address %q is not IPv4", host)
	}
	if port, err := strconv.Atoi(portText); err != nil || port <= 0 || port > 65535 {
		return "", ManualError, fmt.Errorf("invalid port %q", portText)
	}
	if s.subnet != nil && !s.subnet.Contains(ip) {
		return "", ManualNotOnSameSubnet, nil
	}

	conn, err := s.dialRegistrationFn(net.JoinHostPort(ip.String(), portText))
	if err != nil {
		return "", ManualError, fmt.Errorf("dial registration service: %w", err)
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, network.DefaultRegistrationTimeout)
	defer cancel()
	reply, err := network.NewRegistrationClient(conn).RegisterService(callCtx, s.selfRegistration())
	if err != nil {
		if network.IsUnimplemented(err) {
			return "", ManualUnsupported, nil
		}
		return "", ManualError, fmt.Errorf("register service: %w", err)
	}
	if reply.ServiceID == "" {
		return "", ManualError, fmt.Errorf("remote at %s sent an empty registration", address)
	}

	if r, ok := s.repo.Remote(reply.ServiceID); ok && r.Status.Is(models.StateConnected) {
		return reply.ServiceID, ManualAlreadyConnected, nil
	}

	replyIP := net.ParseIP(reply.IP).To4()
	if replyIP == nil {
		replyIP = ip
	}
	s.logger.Info("manual registration accepted",
		zap.String("remote", reply.ServiceID),
		zap.Stringer("ip", replyIP))
	s.registerStatic(reply, replyIP)
	s.connect(reply.ServiceID)
	return reply.ServiceID, ManualSuccess, nil
}
