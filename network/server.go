package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"gowarp/crypto"
)

// DefaultKeepaliveMinTime is the most frequent client keepalive the server tolerates.
const DefaultKeepaliveMinTime = 5 * time.Second

// ServerOptions configures the listeners of the local node.
type ServerOptions struct {
	// BindAddress is the local IP to listen on; empty means all interfaces.
	BindAddress string
	Port        int
	AuthPort    int

	Certificate *crypto.Certificate
	// LockedCertificate is base64(boxed certificate), answered on the v1 UDP socket.
	LockedCertificate string

	Warp         WarpServer
	Registration RegistrationServer
	Logger       *zap.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (o ServerOptions) validate() error {
	if o.Certificate == nil {
		return errors.New("server certificate is required")
	}
	if o.Warp == nil {
		return errors.New("warp service handler is required")
	}
	if o.Registration == nil {
		return errors.New("registration service handler is required")
	}
	if o.LockedCertificate == "" {
		return errors.New("locked certificate is required")
	}
	return nil
}

// Server runs the TLS Warp service, the plaintext registration service and the v1 certificate socket.
type Server struct {
	options ServerOptions
	logger  *zap.Logger

	warpServer *grpc.Server
	regServer  *grpc.Server
	certServer *CertServer

	mainListener net.Listener
	authListener net.Listener

	apiVersion int
	group      *errgroup.Group
	errs       chan error

	closeOnce sync.Once
}

// Listen binds all listeners and starts serving. A registration listener failure downgrades
// the advertised API version to 1 instead of failing.
func Listen(options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	tlsCert, err := opts.Certificate.TLSCertificate()
	if err != nil {
		return nil, err
	}

	mainAddress := net.JoinHostPort(opts.BindAddress, strconv.Itoa(opts.Port))
	mainListener, err := net.Listen("tcp4", mainAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", mainAddress, err)
	}

	s := &Server{
		options:      opts,
		logger:       opts.Logger,
		mainListener: mainListener,
		apiVersion:   2,
		group:        &errgroup.Group{},
		errs:         make(chan error, 16),
	}

	s.warpServer = grpc.NewServer(
		grpc.Creds(credentials.NewServerTLSFromCert(&tlsCert)),
		grpc.ForceServerCodec(wireCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             DefaultKeepaliveMinTime,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	)
	RegisterWarpServer(s.warpServer, opts.Warp)

	actualPort := mainListener.Addr().(*net.TCPAddr).Port
	certAddress := net.JoinHostPort(opts.BindAddress, strconv.Itoa(actualPort))
	s.certServer, err = ListenCertServer(certAddress, []byte(opts.LockedCertificate), opts.Logger)
	if err != nil {
		s.logger.Warn("certificate server unavailable", zap.Error(err))
		s.reportError(err)
	}

	authAddress := net.JoinHostPort(opts.BindAddress, strconv.Itoa(opts.AuthPort))
	authListener, err := net.Listen("tcp4", authAddress)
	if err != nil {
		s.apiVersion = 1
		s.logger.Warn("registration service unavailable, only api v1 will be offered", zap.Error(err))
	} else {
		s.authListener = authListener
		s.regServer = grpc.NewServer(grpc.ForceServerCodec(wireCodec{}))
		RegisterRegistrationServer(s.regServer, opts.Registration)
	}

	s.group.Go(func() error {
		if err := s.warpServer.Serve(mainListener); err != nil {
			return fmt.Errorf("serve warp: %w", err)
		}
		return nil
	})
	if s.regServer != nil {
		s.group.Go(func() error {
			if err := s.regServer.Serve(s.authListener); err != nil {
				return fmt.Errorf("serve registration: %w", err)
			}
			return nil
		})
	}
	if s.certServer != nil {
		s.group.Go(func() error {
			for err := range s.certServer.Errors() {
				s.logger.Debug("certificate server error", zap.Error(err))
				s.reportError(err)
			}
			return nil
		})
	}

	s.logger.Info("listening",
		zap.Stringer("main", mainListener.Addr()),
		zap.Int("api_version", s.apiVersion),
	)
	return s, nil
}

// APIVersion is the highest protocol version this node can serve.
func (s *Server) APIVersion() int {
	return s.apiVersion
}

// MainAddr returns the TLS listener address.
func (s *Server) MainAddr() net.Addr {
	return s.mainListener.Addr()
}

// AuthAddr returns the registration listener address, or nil when running v1 only.
func (s *Server) AuthAddr() net.Addr {
	if s.authListener == nil {
		return nil
	}
	return s.authListener.Addr()
}

// Errors returns asynchronous listener errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops all listeners and waits for serving goroutines.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.warpServer.Stop()
		if s.regServer != nil {
			s.regServer.Stop()
		}
		if s.certServer != nil {
			_ = s.certServer.Close()
		}
		closeErr = s.group.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
