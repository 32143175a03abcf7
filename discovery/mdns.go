package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_warpinator._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultAPIVersion is the protocol version announced when the registration service is up.
	DefaultAPIVersion = 2
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultSettleDelay separates withdrawing an old record from registering a new one.
	DefaultSettleDelay = 250 * time.Millisecond
	// DefaultFlushDelay is how long the "flush" record stays up before the real TXT replaces it.
	DefaultFlushDelay = 500 * time.Millisecond
	// DefaultRescanDebounce is the minimum time the refreshing flag stays set after a manual rescan.
	DefaultRescanDebounce = time.Second

	txtHostname   = "hostname"
	txtType       = "type"
	txtAPIVersion = "api-version"
	txtAuthPort   = "auth-port"

	recordTypeFlush = "flush"
	recordTypeReal  = "real"
)

// ErrInitFailed means mDNS could not be started on the selected interfaces.
var ErrInitFailed = errors.New("discovery: mdns initialization failed")

// registration is the part of *zeroconf.Server the announcer drives.
type registration interface {
	SetText(text []string)
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls announcer and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// StaleAfter removes a record that has not been seen in any browse for this long.
	StaleAfter     time.Duration
	SettleDelay    time.Duration
	FlushDelay     time.Duration
	RescanDebounce time.Duration

	// SelfID is the local service identifier, announced as the instance name.
	SelfID     string
	Hostname   string
	Port       int
	AuthPort   int
	APIVersion int
	// Interfaces restricts mDNS to these interfaces; empty means all.
	Interfaces []net.Interface

	Logger *zap.Logger
	// OnRefreshing is told when a manual rescan starts and when its flag may be cleared.
	OnRefreshing func(refreshing bool)

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.APIVersion == 0 {
		out.APIVersion = DefaultAPIVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 3 * out.RefreshInterval
	}
	if out.SettleDelay <= 0 {
		out.SettleDelay = DefaultSettleDelay
	}
	if out.FlushDelay <= 0 {
		out.FlushDelay = DefaultFlushDelay
	}
	if out.RescanDebounce <= 0 {
		out.RescanDebounce = DefaultRescanDebounce
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconfRegister
	}
	if out.browseFn == nil {
		out.browseFn = zeroconfBrowse(out.Interfaces)
	}
	return out
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.SelfID) == "" {
		return errors.New("self service ID is required")
	}
	if strings.TrimSpace(c.Hostname) == "" {
		return errors.New("hostname is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfID) == "" {
		return errors.New("self service ID is required")
	}
	return nil
}

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, ifaces)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// zeroconfBrowse uses a fresh resolver per browse; a resolver does not survive the end of its browse context.
func zeroconfBrowse(ifaces []net.Interface) browseFunc {
	return func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		opts := []zeroconf.ClientOption{zeroconf.SelectIPTraffic(zeroconf.IPv4)}
		if len(ifaces) > 0 {
			opts = append(opts, zeroconf.SelectIfaces(ifaces))
		}
		resolver, err := zeroconf.NewResolver(opts...)
		if err != nil {
			return fmt.Errorf("%w: create resolver: %v", ErrInitFailed, err)
		}
		return resolver.Browse(ctx, service, domain, entries)
	}
}

// Announcer advertises the local node via mDNS.
type Announcer struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	server registration
}

// NewAnnouncer validates config and returns an idle Announcer.
func NewAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}
	return &Announcer{cfg: cfg, logger: cfg.Logger}, nil
}

// Announce withdraws any previous record, registers a "flush" record and then swaps in the
// real TXT. Peers that saw the old record treat the new one as a fresh service and reconnect.
func (a *Announcer) Announce(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		if err := sleepContext(ctx, a.cfg.SettleDelay); err != nil {
			return err
		}
	}

	server, err := a.cfg.registerFn(a.cfg.SelfID, a.cfg.Service, a.cfg.Domain, a.cfg.Port, a.text(recordTypeFlush), a.cfg.Interfaces)
	if err != nil {
		return fmt.Errorf("%w: register mDNS service: %v", ErrInitFailed, err)
	}
	a.server = server
	a.logger.Debug("registered flush record", zap.String("instance", a.cfg.SelfID))

	if err := sleepContext(ctx, a.cfg.FlushDelay); err != nil {
		return err
	}

	server.SetText(a.text(recordTypeReal))
	a.logger.Info("announced",
		zap.String("instance", a.cfg.SelfID),
		zap.Int("port", a.cfg.Port),
		zap.Int("api_version", a.cfg.APIVersion),
	)
	return nil
}

// Withdraw removes the announcement. Safe to call when nothing is registered.
func (a *Announcer) Withdraw() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
}

func (a *Announcer) text(recordType string) []string {
	return []string{
		txtHostname + "=" + a.cfg.Hostname,
		txtType + "=" + recordType,
		txtAPIVersion + "=" + strconv.Itoa(a.cfg.APIVersion),
		txtAuthPort + "=" + strconv.Itoa(a.cfg.AuthPort),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
