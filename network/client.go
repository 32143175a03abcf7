package network

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"gowarp/crypto"
)

const (
	// DefaultKeepaliveTime is the idle ping interval of API v2 channels.
	DefaultKeepaliveTime = 11 * time.Second
	// DefaultKeepaliveTimeout waits this long for a keepalive ack.
	DefaultKeepaliveTimeout = 5 * time.Second
)

// ErrCertificateMismatch means the remote presented a certificate other than the pinned one.
var ErrCertificateMismatch = errors.New("network: remote certificate does not match pinned certificate")

// DialOptions configures the authenticated channel to a remote.
type DialOptions struct {
	// Keepalive enables transport keepalive pings (API v2 remotes).
	Keepalive        bool
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

func (o DialOptions) withDefaults() DialOptions {
	out := o
	if out.KeepaliveTime <= 0 {
		out.KeepaliveTime = DefaultKeepaliveTime
	}
	if out.KeepaliveTimeout <= 0 {
		out.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	return out
}

// PinnedCredentials returns TLS credentials accepting exactly the certificate in pinnedPEM.
// No chain or hostname validation happens; the pin is the trust anchor.
func PinnedCredentials(pinnedPEM []byte) (credentials.TransportCredentials, error) {
	leaf, err := crypto.ParseCertificatePEM(pinnedPEM)
	if err != nil {
		return nil, fmt.Errorf("parse pinned certificate: %w", err)
	}
	pinned := leaf.Raw

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], pinned) {
				return ErrCertificateMismatch
			}
			return nil
		},
	}
	return credentials.NewTLS(cfg), nil
}

// DialPinned creates a lazily connecting TLS channel to address that trusts only pinnedPEM.
func DialPinned(address string, pinnedPEM []byte, options DialOptions) (*grpc.ClientConn, error) {
	opts := options.withDefaults()

	creds, err := PinnedCredentials(pinnedPEM)
	if err != nil {
		return nil, err
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		// An idle channel would read as a lost session.
		grpc.WithIdleTimeout(0),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(wireCodec{}),
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}
	if opts.Keepalive {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                opts.KeepaliveTime,
			Timeout:             opts.KeepaliveTimeout,
			PermitWithoutStream: true,
		}))
	}

	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return conn, nil
}

// DialRegistration creates a plaintext channel to a remote's registration service.
func DialRegistration(address string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial registration %q: %w", address, err)
	}
	return conn, nil
}

// IsTLSFailure reports whether an RPC error was caused by the TLS handshake.
func IsTLSFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCertificateMismatch) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unavailable {
		return false
	}
	msg := st.Message()
	return strings.Contains(msg, "authentication handshake failed") ||
		strings.Contains(msg, "tls:") ||
		strings.Contains(msg, ErrCertificateMismatch.Error())
}

// IsUnimplemented reports whether the remote does not implement the called method.
func IsUnimplemented(err error) bool {
	return status.Code(err) == codes.Unimplemented
}
