package network

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"gowarp/crypto"
	"gowarp/storage"
)

const (
	// DefaultV1Attempts is how many UDP certificate requests are sent before giving up.
	DefaultV1Attempts = 3
	// DefaultV1Timeout bounds the wait for each UDP reply.
	DefaultV1Timeout = 1500 * time.Millisecond

	securityEventCertificatePinned  = "certificate_pinned"
	securityEventGroupCodeMismatch  = "group_code_mismatch"
	securityEventCertificateChanged = "certificate_changed"
)

var (
	// ErrGroupCode means the remote's boxed certificate could not be opened with our group code.
	ErrGroupCode = errors.New("network: group code mismatch")
	// ErrCertificateUnreceived means no certificate arrived from the remote.
	ErrCertificateUnreceived = errors.New("network: certificate not received")
	// ErrNoPinnedCertificate means no certificate has been pinned for a remote yet.
	ErrNoPinnedCertificate = errors.New("network: no pinned certificate")
)

// CertificateStore persists pinned certificates and security events.
type CertificateStore interface {
	PinCertificate(cert storage.PinnedCertificate) (bool, error)
	GetPinnedCertificate(remoteUUID string) (*storage.PinnedCertificate, error)
	LogSecurityEvent(event storage.SecurityEvent) error
}

// AuthenticatorOptions configures certificate exchange.
type AuthenticatorOptions struct {
	GroupCode   string
	Certificate *crypto.Certificate
	// Hostname and LocalIP are sent in v2 registration requests.
	Hostname string
	LocalIP  string
	Store    CertificateStore
	Logger   *zap.Logger

	V1Attempts          int
	V1Timeout           time.Duration
	RegistrationTimeout time.Duration
}

func (o AuthenticatorOptions) withDefaults() AuthenticatorOptions {
	out := o
	if out.V1Attempts <= 0 {
		out.V1Attempts = DefaultV1Attempts
	}
	if out.V1Timeout <= 0 {
		out.V1Timeout = DefaultV1Timeout
	}
	if out.RegistrationTimeout <= 0 {
		out.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Authenticator boxes the local certificate and fetches, unboxes and pins remote ones.
type Authenticator struct {
	options AuthenticatorOptions

	mu     sync.RWMutex
	pinned map[string][]byte

	dialRegistrationFn func(address string) (*grpc.ClientConn, error)
}

// NewAuthenticator validates options and returns an Authenticator.
func NewAuthenticator(options AuthenticatorOptions) (*Authenticator, error) {
	opts := options.withDefaults()
	if opts.GroupCode == "" {
		return nil, crypto.ErrEmptyGroupCode
	}
	if opts.Certificate == nil || len(opts.Certificate.CertPEM) == 0 {
		return nil, errors.New("local certificate is required")
	}

	return &Authenticator{
		options:            opts,
		pinned:             make(map[string][]byte),
		dialRegistrationFn: DialRegistration,
	}, nil
}

// GroupCode returns the shared secret in use.
func (a *Authenticator) GroupCode() string {
	return a.options.GroupCode
}

// BoxedCertificate returns the local certificate PEM boxed with the group code.
func (a *Authenticator) BoxedCertificate() ([]byte, error) {
	boxed, err := crypto.Box(a.options.Certificate.CertPEM, a.options.GroupCode)
	if err != nil {
		return nil, fmt.Errorf("box local certificate: %w", err)
	}
	return boxed, nil
}

// LockedCertificate returns base64(BoxedCertificate()), the form sent on the wire.
func (a *Authenticator) LockedCertificate() (string, error) {
	boxed, err := a.BoxedCertificate()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(boxed), nil
}

// FetchCertificateV1 requests the boxed certificate over UDP from ip:port and pins it for remoteUUID.
func (a *Authenticator) FetchCertificateV1(ctx context.Context, remoteUUID string, ip net.IP, port int) ([]byte, error) {
	target := &net.UDPAddr{IP: ip, Port: port}
	logger := a.options.Logger.With(zap.String("remote", remoteUUID), zap.Stringer("addr", target))

	var reply []byte
	for attempt := 1; attempt <= a.options.V1Attempts && reply == nil; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertificateUnreceived, err)
		}
		data, err := requestCertificateUDP(ctx, target, a.options.V1Timeout)
		if err != nil {
			logger.Debug("certificate request attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		reply = data
	}
	if reply == nil {
		return nil, fmt.Errorf("%w: no reply from %s after %d attempts", ErrCertificateUnreceived, target, a.options.V1Attempts)
	}

	return a.acceptLockedCertificate(remoteUUID, string(reply))
}

// FetchCertificateV2 requests the boxed certificate over the registration service at ip:authPort.
func (a *Authenticator) FetchCertificateV2(ctx context.Context, remoteUUID string, ip net.IP, authPort int) ([]byte, error) {
	address := net.JoinHostPort(ip.String(), strconv.Itoa(authPort))
	conn, err := a.dialRegistrationFn(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateUnreceived, err)
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, a.options.RegistrationTimeout)
	defer cancel()

	resp, err := NewRegistrationClient(conn).RequestCertificate(callCtx, &RegRequest{
		IP:       a.options.LocalIP,
		Hostname: a.options.Hostname,
	}, grpc.WaitForReady(true))
	if err != nil {
		return nil, fmt.Errorf("%w: request certificate from %s: %v", ErrCertificateUnreceived, address, err)
	}

	return a.acceptLockedCertificate(remoteUUID, resp.LockedCert)
}

// PinnedCertificate returns the PEM pinned for remoteUUID.
func (a *Authenticator) PinnedCertificate(remoteUUID string) ([]byte, error) {
	a.mu.RLock()
	certPEM, ok := a.pinned[remoteUUID]
	a.mu.RUnlock()
	if ok {
		return certPEM, nil
	}

	if a.options.Store == nil {
		return nil, ErrNoPinnedCertificate
	}
	stored, err := a.options.Store.GetPinnedCertificate(remoteUUID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoPinnedCertificate
		}
		return nil, err
	}

	a.mu.Lock()
	a.pinned[remoteUUID] = stored.CertificatePEM
	a.mu.Unlock()
	return stored.CertificatePEM, nil
}

func (a *Authenticator) acceptLockedCertificate(remoteUUID, locked string) ([]byte, error) {
	boxed, err := decodeLockedCertificate(locked)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateUnreceived, err)
	}

	opened, err := crypto.Unbox(boxed, a.options.GroupCode)
	if err != nil {
		a.logSecurityEvent(remoteUUID, securityEventGroupCodeMismatch, storage.SecuritySeverityWarning, nil)
		return nil, fmt.Errorf("%w: %v", ErrGroupCode, err)
	}

	certPEM, err := normalizeCertificate(opened)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateUnreceived, err)
	}

	if err := a.pin(remoteUUID, certPEM); err != nil {
		a.options.Logger.Warn("persist pinned certificate failed", zap.String("remote", remoteUUID), zap.Error(err))
	}
	return certPEM, nil
}

func (a *Authenticator) pin(remoteUUID string, certPEM []byte) error {
	a.mu.Lock()
	previous, hadPrevious := a.pinned[remoteUUID]
	a.pinned[remoteUUID] = certPEM
	a.mu.Unlock()

	leaf, err := crypto.ParseCertificatePEM(certPEM)
	if err != nil {
		return err
	}
	fingerprint := crypto.Fingerprint(leaf.Raw)

	if a.options.Store == nil {
		return nil
	}
	changed, err := a.options.Store.PinCertificate(storage.PinnedCertificate{
		RemoteUUID:     remoteUUID,
		CertificatePEM: certPEM,
		Fingerprint:    fingerprint,
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	details := map[string]string{"fingerprint": fingerprint}
	if hadPrevious && !crypto.SameCertificate(previous, certPEM) {
		a.logSecurityEvent(remoteUUID, securityEventCertificateChanged, storage.SecuritySeverityInfo, details)
		return nil
	}
	a.logSecurityEvent(remoteUUID, securityEventCertificatePinned, storage.SecuritySeverityInfo, details)
	return nil
}

func (a *Authenticator) logSecurityEvent(remoteUUID, eventType, severity string, details map[string]string) {
	if a.options.Store == nil {
		return
	}
	if err := a.options.Store.LogSecurityEvent(storage.SecurityEvent{
		Type:       eventType,
		RemoteUUID: remoteUUID,
		Severity:   severity,
		Details:    details,
	}); err != nil {
		a.options.Logger.Warn("log security event failed", zap.String("event", eventType), zap.Error(err))
	}
}

func requestCertificateUDP(ctx context.Context, target *net.UDPAddr, timeout time.Duration) ([]byte, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set udp deadline: %w", err)
	}

	if _, err := conn.WriteToUDP([]byte(CertRequest), target); err != nil {
		return nil, fmt.Errorf("send certificate request: %w", err)
	}

	buf := make([]byte, 4096)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("read certificate reply: %w", err)
		}
		// Replies from any other address are not ours.
		if from.IP.Equal(target.IP) && from.Port == target.Port {
			return append([]byte(nil), buf[:n]...), nil
		}
	}
}

func decodeLockedCertificate(locked string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, locked)
	if clean == "" {
		return nil, errors.New("empty certificate payload")
	}
	boxed, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode certificate payload: %w", err)
	}
	return boxed, nil
}

// normalizeCertificate accepts a PEM or raw DER certificate and returns PEM.
func normalizeCertificate(data []byte) ([]byte, error) {
	if _, err := crypto.ParseCertificatePEM(data); err == nil {
		return data, nil
	}
	block := &pem.Block{Type: "CERTIFICATE", Bytes: data}
	encoded := pem.EncodeToMemory(block)
	if _, err := crypto.ParseCertificatePEM(encoded); err != nil {
		return nil, fmt.Errorf("remote certificate is neither PEM nor DER: %w", err)
	}
	return encoded, nil
}
