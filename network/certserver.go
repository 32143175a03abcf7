package network

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// CertRequest is the only datagram the certificate server answers.
const CertRequest = "REQUEST"

// CertServer answers v1 certificate requests over UDP on the main port.
type CertServer struct {
	conn   *net.UDPConn
	reply  []byte
	logger *zap.Logger

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenCertServer binds address and answers every "REQUEST" datagram with reply.
func ListenCertServer(address string, reply []byte, logger *zap.Logger) (*CertServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("resolve cert server address %q: %w", address, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen cert server on %q: %w", address, err)
	}

	server := &CertServer{
		conn:   conn,
		reply:  append([]byte(nil), reply...),
		logger: logger,
		errs:   make(chan error, 16),
		closed: make(chan struct{}),
	}

	server.wg.Add(1)
	go server.serveLoop()
	return server, nil
}

// Addr returns the bound UDP address.
func (s *CertServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Errors returns asynchronous read and write errors.
func (s *CertServer) Errors() <-chan error {
	return s.errs
}

// Close stops the listener.
func (s *CertServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.conn.Close()
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *CertServer) serveLoop() {
	defer s.wg.Done()

	buf := make([]byte, 1024)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("read certificate request: %w", err))
			continue
		}

		if string(buf[:n]) != CertRequest {
			continue
		}
		if _, err := s.conn.WriteToUDP(s.reply, addr); err != nil {
			s.reportError(fmt.Errorf("send certificate to %s: %w", addr, err))
			continue
		}
		s.logger.Debug("certificate sent", zap.Stringer("addr", addr))
	}
}

func (s *CertServer) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
