package remote

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"gowarp/models"
	"gowarp/network"
)

// protocol is the part of the handshake that differs between API versions.
type protocol interface {
	version() int
	fetchCertificate(ctx context.Context, auth CertificateSource, uuid string, ep models.Endpoint) ([]byte, error)
	dialOptions() network.DialOptions
	// watchesConnectivity reports whether channel state changes end the session.
	watchesConnectivity() bool
	awaitDuplex(ctx context.Context, client *network.WarpClient, self *network.LookupName) bool
}

func protocolFor(api int, opts Options, logger *zap.Logger) protocol {
	if api >= 2 {
		return protocolV2{timeout: opts.DuplexTimeoutV2, logger: logger, fallback: protocolV1{
			attempts: opts.DuplexAttemptsV1,
			interval: opts.DuplexIntervalV1,
			logger:   logger,
		}}
	}
	return protocolV1{attempts: opts.DuplexAttemptsV1, interval: opts.DuplexIntervalV1, logger: logger}
}

// protocolV1 fetches the certificate over UDP and polls for duplex.
type protocolV1 struct {
	attempts int
	interval time.Duration
	logger   *zap.Logger
}

func (protocolV1) version() int { return 1 }

func (p protocolV1) fetchCertificate(ctx context.Context, auth CertificateSource, uuid string, ep models.Endpoint) ([]byte, error) {
	return auth.FetchCertificateV1(ctx, uuid, ep.Address, ep.Port)
}

func (protocolV1) dialOptions() network.DialOptions {
	return network.DialOptions{}
}

func (protocolV1) watchesConnectivity() bool { return false }

func (p protocolV1) awaitDuplex(ctx context.Context, client *network.WarpClient, self *network.LookupName) bool {
	for attempt := 1; attempt <= p.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, network.DefaultPingTimeout)
		resp, err := client.CheckDuplexConnection(callCtx, self)
		cancel()
		if err == nil && resp.Response {
			return true
		}
		if err != nil {
			p.logger.Debug("duplex check failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		if attempt == p.attempts {
			break
		}
		select {
		case <-time.After(p.interval):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// protocolV2 fetches the certificate from the registration service, falling
// back to UDP unless the group code was wrong, and blocks once for duplex.
type protocolV2 struct {
	timeout  time.Duration
	logger   *zap.Logger
	fallback protocolV1
}

func (protocolV2) version() int { return 2 }

func (p protocolV2) fetchCertificate(ctx context.Context, auth CertificateSource, uuid string, ep models.Endpoint) ([]byte, error) {
	certPEM, err := auth.FetchCertificateV2(ctx, uuid, ep.Address, ep.AuthPort)
	if err == nil {
		return certPEM, nil
	}
	if errors.Is(err, network.ErrGroupCode) {
		return nil, err
	}
	p.logger.Debug("registration service failed, falling back to udp", zap.Error(err))
	return p.fallback.fetchCertificate(ctx, auth, uuid, ep)
}

func (protocolV2) dialOptions() network.DialOptions {
	return network.DialOptions{Keepalive: true}
}

func (protocolV2) watchesConnectivity() bool { return true }

func (p protocolV2) awaitDuplex(ctx context.Context, client *network.WarpClient, self *network.LookupName) bool {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := client.WaitingForDuplex(callCtx, self)
	if err != nil {
		p.logger.Debug("waiting for duplex failed", zap.Error(err))
		return false
	}
	return resp.Response
}
