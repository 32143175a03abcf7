package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"gowarp/config"
	"gowarp/crypto"
	"gowarp/discovery"
	"gowarp/logging"
	"gowarp/models"
	"gowarp/network"
	"gowarp/remote"
	"gowarp/repository"
	"gowarp/storage"
	"gowarp/transfer"
)

const (
	// DefaultPingInterval is how often connected API v1 remotes are probed.
	DefaultPingInterval = 10 * time.Second
	// DefaultReconnectInterval is how often dropped but advertised remotes are reconnected.
	DefaultReconnectInterval = 40 * time.Second
	// DefaultDuplexPollInterval and DefaultDuplexPollAttempts bound an inbound WaitingForDuplex.
	DefaultDuplexPollInterval = 250 * time.Millisecond
	DefaultDuplexPollAttempts = 32
)

var (
	ErrAlreadyStarted    = errors.New("service: already started")
	ErrNotStarted        = errors.New("service: not started")
	ErrDiscoveryDisabled = errors.New("service: discovery is disabled")
)

// Options wires a Service to its settings, identity and state store.
type Options struct {
	Settings    config.Settings
	Certificate *crypto.Certificate
	// Store persists pinned certificates and security events. Optional.
	Store      *storage.Store
	Repository *repository.Repository
	Logger     *logging.ColoredLogger

	// LocalIP overrides interface detection; BindAddress restricts the listeners.
	LocalIP          net.IP
	BindAddress      string
	DisableDiscovery bool

	PingInterval       time.Duration
	ReconnectInterval  time.Duration
	DuplexPollInterval time.Duration
	DuplexPollAttempts int

	tuneRemote func(*remote.Options)
	tuneAuth   func(*network.AuthenticatorOptions)
}

func (o Options) withDefaults() Options {
	out := o
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.ReconnectInterval <= 0 {
		out.ReconnectInterval = DefaultReconnectInterval
	}
	if out.DuplexPollInterval <= 0 {
		out.DuplexPollInterval = DefaultDuplexPollInterval
	}
	if out.DuplexPollAttempts <= 0 {
		out.DuplexPollAttempts = DefaultDuplexPollAttempts
	}
	return out
}

func (o Options) validate() error {
	if o.Certificate == nil {
		return errors.New("certificate is required")
	}
	if o.Repository == nil {
		return errors.New("repository is required")
	}
	if o.Settings.ServiceID == "" {
		return errors.New("service id is required")
	}
	return nil
}

func (o Options) loggerFor(component logging.Component) *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger.For(component)
}

// Service is one local node: listeners, discovery, the remote and transfer registries,
// and the background loops that keep sessions alive.
type Service struct {
	options  Options
	settings config.Settings
	logger   *zap.Logger

	localIP  net.IP
	subnet   *net.IPNet
	ifaces   []net.Interface
	userName string
	avatar   []byte

	repo      *repository.Repository
	auth      *network.Authenticator
	remotes   *remote.Manager
	transfers *transfer.Manager

	server    *network.Server
	announcer *discovery.Announcer
	scanner   *discovery.Scanner
	mainPort  int
	authPort  int

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool

	connects sync.WaitGroup
	errs     chan error
	stopOnce sync.Once

	dialRegistrationFn func(address string) (*grpc.ClientConn, error)
}

// New builds a stopped Service.
func New(options Options) (*Service, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Service{
		options:            opts,
		settings:           opts.Settings,
		logger:             opts.loggerFor(logging.ComponentGeneral),
		repo:               opts.Repository,
		errs:               make(chan error, 64),
		dialRegistrationFn: network.DialRegistration,
	}

	if opts.LocalIP != nil {
		s.localIP = opts.LocalIP
		s.subnet = subnetOf(opts.LocalIP)
	} else {
		ip, subnet, iface, err := localAddress(opts.Settings.NetworkInterface)
		if err != nil {
			return nil, fmt.Errorf("resolve local address: %w", err)
		}
		s.localIP, s.subnet = ip, subnet
		s.ifaces = []net.Interface{*iface}
	}
	s.userName = currentUserName()
	s.avatar = loadAvatar(opts.Settings.ProfilePicture, s.logger)

	authOptions := network.AuthenticatorOptions{
		GroupCode:   opts.Settings.GroupCode,
		Certificate: opts.Certificate,
		Hostname:    config.Hostname(),
		LocalIP:     s.localIP.String(),
		Logger:      opts.loggerFor(logging.ComponentAuth),
	}
	if opts.Store != nil {
		authOptions.Store = opts.Store
	}
	if opts.tuneAuth != nil {
		opts.tuneAuth(&authOptions)
	}
	auth, err := network.NewAuthenticator(authOptions)
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}
	s.auth = auth

	remoteOptions := remote.Options{
		LocalID:     opts.Settings.ServiceID,
		DisplayName: opts.Settings.DisplayName,
		Auth:        auth,
		Sink:        s.repo,
		Logger:      opts.loggerFor(logging.ComponentRemote),
	}
	if opts.tuneRemote != nil {
		opts.tuneRemote(&remoteOptions)
	}
	s.remotes, err = remote.NewManager(remoteOptions)
	if err != nil {
		return nil, fmt.Errorf("create remote manager: %w", err)
	}

	s.transfers, err = transfer.NewManager(transfer.Options{
		Peers:       s.peer,
		Sink:        s.repo,
		Preferences: s.preferences,
		Logger:      opts.loggerFor(logging.ComponentTransfer),
	})
	if err != nil {
		return nil, fmt.Errorf("create transfer manager: %w", err)
	}
	return s, nil
}

// Start binds the listeners, announces the node and launches the background loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	locked, err := s.auth.LockedCertificate()
	if err != nil {
		return fmt.Errorf("lock certificate: %w", err)
	}
	server, err := network.Listen(network.ServerOptions{
		BindAddress:       s.options.BindAddress,
		Port:              s.settings.Port,
		AuthPort:          s.settings.AuthPort,
		Certificate:       s.options.Certificate,
		LockedCertificate: locked,
		Warp:              &warpHandler{s: s},
		Registration:      &registrationHandler{s: s},
		Logger:            s.options.loggerFor(logging.ComponentServer),
	})
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	s.server = server
	s.mainPort = server.MainAddr().(*net.TCPAddr).Port
	if addr := server.AuthAddr(); addr != nil {
		s.authPort = addr.(*net.TCPAddr).Port
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	s.ctx, s.cancel, s.group = runCtx, cancel, group
	s.started = true

	group.Go(func() error {
		for err := range server.Errors() {
			s.reportError(err)
		}
		return nil
	})

	if !s.options.DisableDiscovery {
		if err := s.startDiscovery(ctx, groupCtx); err != nil {
			// The node is still reachable by manual connection.
			s.logger.Warn("discovery unavailable", zap.Error(err))
			s.reportError(err)
		}
	}

	group.Go(func() error { return s.pingLoop(groupCtx) })
	group.Go(func() error { return s.reconnectLoop(groupCtx) })

	s.logger.Info("service started",
		zap.String("service_id", s.settings.ServiceID),
		zap.Stringer("ip", s.localIP),
		zap.Int("port", s.mainPort),
		zap.Int("auth_port", s.authPort),
		zap.Int("api_version", server.APIVersion()))
	return nil
}

func (s *Service) startDiscovery(ctx, groupCtx context.Context) error {
	cfg := discovery.Config{
		SelfID:       s.settings.ServiceID,
		Hostname:     config.Hostname(),
		Port:         s.mainPort,
		AuthPort:     s.authPort,
		APIVersion:   s.server.APIVersion(),
		Interfaces:   s.ifaces,
		Logger:       s.options.loggerFor(logging.ComponentDiscovery),
		OnRefreshing: s.repo.SetRefreshing,
	}

	announcer, err := discovery.NewAnnouncer(cfg)
	if err != nil {
		return err
	}
	if err := announcer.Announce(ctx); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	s.announcer = announcer

	scanner, err := discovery.NewScanner(cfg)
	if err != nil {
		return err
	}
	scanner.Start()
	s.scanner = scanner

	s.group.Go(func() error { return s.consumeDiscovery(groupCtx, scanner.Events()) })
	s.group.Go(func() error {
		for err := range scanner.Errors() {
			s.reportError(err)
		}
		return nil
	})
	return nil
}

// Stop withdraws the announcement, closes every session and listener and waits for the loops.
func (s *Service) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	var stopErr error
	s.stopOnce.Do(func() {
		s.cancel()
		if s.scanner != nil {
			s.scanner.Stop()
		}
		if s.announcer != nil {
			s.announcer.Withdraw()
		}
		s.transfers.Close()
		s.remotes.Close()
		if err := s.server.Close(); err != nil {
			stopErr = err
		}
		s.connects.Wait()
		if err := s.group.Wait(); err != nil && stopErr == nil {
			stopErr = err
		}
		close(s.errs)
		s.logger.Info("service stopped")
	})
	return stopErr
}

// Errors returns asynchronous failures of listeners and discovery. It is closed by Stop.
func (s *Service) Errors() <-chan error {
	return s.errs
}

func (s *Service) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
		s.logger.Debug("service error dropped", zap.Error(err))
	}
}

// Repository is the observable state of this node.
func (s *Service) Repository() *repository.Repository {
	return s.repo
}

// Transfers is the live transfer registry.
func (s *Service) Transfers() *transfer.Manager {
	return s.transfers
}

// ServiceID is the identifier this node announces.
func (s *Service) ServiceID() string {
	return s.settings.ServiceID
}

// MainAddr and AuthAddr are the bound listener addresses, valid after Start.
func (s *Service) MainAddr() net.Addr {
	return s.server.MainAddr()
}

func (s *Service) AuthAddr() net.Addr {
	return s.server.AuthAddr()
}

// Send offers paths to a connected remote.
func (s *Service) Send(ctx context.Context, remoteUUID string, paths []string) (models.Transfer, error) {
	if _, ok := s.repo.Remote(remoteUUID); !ok {
		return models.Transfer{}, repository.ErrUnknownRemote
	}
	return s.transfers.InitiateSend(ctx, remoteUUID, paths)
}

// ClearTransfer removes a finished transfer from the live registry and the repository.
func (s *Service) ClearTransfer(key string) error {
	if err := s.transfers.Clear(key); err != nil {
		return err
	}
	s.repo.ClearTransfer(key)
	return nil
}

// Connect starts a handshake with a known remote unless one is running or it is already up.
func (s *Service) Connect(remoteUUID string) error {
	if _, ok := s.repo.Remote(remoteUUID); !ok {
		return repository.ErrUnknownRemote
	}
	s.connect(remoteUUID)
	return nil
}

// Reannounce re-runs the two-phase mDNS announcement.
func (s *Service) Reannounce(ctx context.Context) error {
	if s.announcer == nil {
		return ErrDiscoveryDisabled
	}
	return s.announcer.Announce(ctx)
}

// Rescan forces a discovery browse and raises the refreshing flag while it runs.
func (s *Service) Rescan(ctx context.Context) error {
	if s.scanner == nil {
		return ErrDiscoveryDisabled
	}
	return s.scanner.Rescan(ctx)
}

func (s *Service) connect(remoteUUID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	r, ok := s.repo.Remote(remoteUUID)
	if !ok || r.Address == nil {
		return
	}
	worker, _ := s.remotes.GetOrCreate(remoteUUID)
	if !worker.Status().Reconnectable() {
		return
	}

	s.connects.Add(1)
	go func() {
		defer s.connects.Done()
		if worker.Connect(ctx, r.Endpoint()) {
			s.repo.PostStatusMessage("Connected to " + r.Name())
		}
	}()
}

func (s *Service) consumeDiscovery(ctx context.Context, events <-chan discovery.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			s.handleDiscovery(event)
		}
	}
}

func (s *Service) handleDiscovery(event discovery.Event) {
	record := event.Service
	switch event.Type {
	case discovery.EventResolved:
		existing, known := s.repo.Remote(record.UUID)
		if !known {
			if record.Address == nil {
				s.logger.Debug("ignoring remote without ipv4 address", zap.String("remote", record.UUID))
				return
			}
			s.repo.AddRemote(models.Remote{
				UUID:             record.UUID,
				Address:          record.Address,
				Port:             record.Port,
				AuthPort:         record.AuthPort,
				API:              record.API,
				Hostname:         record.Hostname,
				ServiceName:      record.UUID,
				ServiceAvailable: true,
			})
		} else {
			if record.Address == nil && existing.Address == nil {
				return
			}
			s.repo.UpdateRemote(record.UUID, func(r *models.Remote) {
				if record.Address != nil {
					r.Address = record.Address
				}
				r.Port = record.Port
				r.AuthPort = record.AuthPort
				r.API = record.API
				r.Hostname = record.Hostname
				r.ServiceName = record.UUID
				r.ServiceAvailable = true
			})
		}
		s.connect(record.UUID)
	case discovery.EventRemoved:
		s.repo.UpdateRemote(record.UUID, func(r *models.Remote) {
			r.ServiceAvailable = false
		})
	}
}

// pingLoop keeps API v1 sessions honest; v2 channels watch their own connectivity.
func (s *Service) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.options.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, r := range s.repo.Remotes() {
			if r.API >= 2 || !r.Status.Is(models.StateConnected) {
				continue
			}
			worker, ok := s.remotes.Get(r.UUID)
			if !ok {
				continue
			}
			if err := worker.Ping(ctx); err != nil {
				s.logger.Info("remote stopped answering pings", zap.String("remote", r.UUID), zap.Error(err))
			}
		}
	}
}

// reconnectLoop retries advertised remotes that dropped, except those rejected for a group code mismatch.
func (s *Service) reconnectLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.options.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, r := range s.repo.Remotes() {
			if r.Status.Reconnectable() && r.ServiceAvailable && !r.HasErrorGroupCode {
				s.connect(r.UUID)
			}
		}
	}
}

func (s *Service) peer(remoteUUID string) (transfer.Peer, bool) {
	worker, ok := s.remotes.Get(remoteUUID)
	if !ok {
		return nil, false
	}
	return worker, true
}

func (s *Service) preferences() transfer.Preferences {
	return transfer.Preferences{
		DownloadDir:    s.settings.DownloadDir,
		AllowOverwrite: s.settings.AllowOverwrite,
		AutoAccept:     s.settings.AutoAccept,
		UseCompression: s.settings.UseCompression,
	}
}

// selfRegistration describes this node for RegisterService exchanges.
func (s *Service) selfRegistration() *network.ServiceRegistration {
	apiVersion := 2
	if s.server != nil {
		apiVersion = s.server.APIVersion()
	}
	return &network.ServiceRegistration{
		ServiceID:  s.settings.ServiceID,
		IP:         s.localIP.String(),
		Port:       uint32(s.mainPort),
		Hostname:   config.Hostname(),
		APIVersion: uint32(apiVersion),
		AuthPort:   uint32(s.authPort),
	}
}

// registerStatic records a remote learned through RegisterService rather than mDNS.
func (s *Service) registerStatic(reg *network.ServiceRegistration, ip net.IP) {
	if _, known := s.repo.Remote(reg.ServiceID); !known {
		s.repo.AddRemote(models.Remote{UUID: reg.ServiceID, ServiceName: reg.ServiceID})
	}
	s.repo.UpdateRemote(reg.ServiceID, func(r *models.Remote) {
		r.Address = ip
		r.Port = int(reg.Port)
		r.AuthPort = int(reg.AuthPort)
		r.API = int(reg.APIVersion)
		r.Hostname = reg.Hostname
		r.StaticService = true
		r.ServiceAvailable = true
	})
}

func currentUserName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		name := u.Username
		// Windows reports DOMAIN\user.
		if i := strings.LastIndex(name, `\`); i >= 0 {
			name = name[i+1:]
		}
		return name
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return config.Hostname()
}

func loadAvatar(path string, logger *zap.Logger) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("profile picture unavailable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return data
}
