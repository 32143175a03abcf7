package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"gowarp/models"
	"gowarp/network"
)

const (
	// DefaultDuplexAttemptsV1 is how many CheckDuplexConnection polls an API v1 handshake makes.
	DefaultDuplexAttemptsV1 = 10
	// DefaultDuplexIntervalV1 separates API v1 duplex polls.
	DefaultDuplexIntervalV1 = 3 * time.Second
	// DefaultDuplexTimeoutV2 is the client deadline of the single WaitingForDuplex call.
	DefaultDuplexTimeoutV2 = 10 * time.Second
	// DefaultRPCTimeout bounds control RPCs.
	DefaultRPCTimeout = 10 * time.Second
	// DefaultAvatarTimeout bounds the avatar stream.
	DefaultAvatarTimeout = 10 * time.Second
)

// ErrNotConnected means no channel to the remote is open.
var ErrNotConnected = errors.New("remote: not connected")

// CertificateSource fetches and pins a remote's certificate.
type CertificateSource interface {
	FetchCertificateV1(ctx context.Context, remoteUUID string, ip net.IP, port int) ([]byte, error)
	FetchCertificateV2(ctx context.Context, remoteUUID string, ip net.IP, authPort int) ([]byte, error)
}

// StatusSink receives every state change of a remote.
type StatusSink interface {
	SetRemoteStatus(uuid string, status models.RemoteStatus)
	UpdateRemote(uuid string, update func(*models.Remote))
}

type dialFunc func(address string, pinnedPEM []byte, options network.DialOptions) (*grpc.ClientConn, error)

// Options configures workers.
type Options struct {
	// LocalID is our own service identifier, sent in every LookupName and OpInfo.
	LocalID string
	// DisplayName is our readable name.
	DisplayName string

	Auth   CertificateSource
	Sink   StatusSink
	Logger *zap.Logger

	PingTimeout      time.Duration
	RPCTimeout       time.Duration
	AvatarTimeout    time.Duration
	DuplexAttemptsV1 int
	DuplexIntervalV1 time.Duration
	DuplexTimeoutV2  time.Duration

	dialFn dialFunc
}

func (o Options) withDefaults() Options {
	out := o
	if out.PingTimeout <= 0 {
		out.PingTimeout = network.DefaultPingTimeout
	}
	if out.RPCTimeout <= 0 {
		out.RPCTimeout = DefaultRPCTimeout
	}
	if out.AvatarTimeout <= 0 {
		out.AvatarTimeout = DefaultAvatarTimeout
	}
	if out.DuplexAttemptsV1 <= 0 {
		out.DuplexAttemptsV1 = DefaultDuplexAttemptsV1
	}
	if out.DuplexIntervalV1 <= 0 {
		out.DuplexIntervalV1 = DefaultDuplexIntervalV1
	}
	if out.DuplexTimeoutV2 <= 0 {
		out.DuplexTimeoutV2 = DefaultDuplexTimeoutV2
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.dialFn == nil {
		out.dialFn = network.DialPinned
	}
	return out
}

func (o Options) validate() error {
	if o.LocalID == "" {
		return errors.New("local service ID is required")
	}
	if o.Auth == nil {
		return errors.New("certificate source is required")
	}
	if o.Sink == nil {
		return errors.New("status sink is required")
	}
	return nil
}

// Worker owns the session with one remote: handshake, channel and outbound RPCs.
type Worker struct {
	uuid    string
	options Options
	logger  *zap.Logger

	// connectMu serializes handshakes.
	connectMu sync.Mutex

	mu          sync.Mutex
	status      models.RemoteStatus
	conn        *grpc.ClientConn
	client      *network.WarpClient
	watchCancel context.CancelFunc
}

func newWorker(uuid string, options Options) *Worker {
	return &Worker{
		uuid:    uuid,
		options: options,
		logger:  options.Logger.With(zap.String("remote", uuid)),
		status:  models.Disconnected,
	}
}

// UUID returns the remote's identifier.
func (w *Worker) UUID() string {
	return w.uuid
}

// Status returns the last published status.
func (w *Worker) Status() models.RemoteStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Connect runs the full handshake against ep and reports whether the remote ended Connected.
// It returns false immediately when another handshake for this remote is in flight.
func (w *Worker) Connect(ctx context.Context, ep models.Endpoint) bool {
	if !w.connectMu.TryLock() {
		w.logger.Debug("handshake already in progress")
		return false
	}
	defer w.connectMu.Unlock()

	proto := protocolFor(ep.API, w.options, w.logger)
	w.logger.Info("connecting", zap.String("hostname", ep.Hostname), zap.Int("api", proto.version()))
	w.setStatus(models.Connecting)

	if ep.Address == nil {
		w.setStatus(models.RemoteError(models.ReasonGeneric, "remote address is unknown"))
		return false
	}

	certPEM, err := proto.fetchCertificate(ctx, w.options.Auth, w.uuid, ep)
	if err != nil {
		groupCode := errors.Is(err, network.ErrGroupCode)
		w.options.Sink.UpdateRemote(w.uuid, func(r *models.Remote) {
			r.HasErrorGroupCode = groupCode
			r.HasErrorReceiveCert = !groupCode
		})
		if groupCode {
			w.logger.Warn("group code mismatch", zap.Error(err))
			w.setStatus(models.RemoteError(models.ReasonGroupCode, err.Error()))
		} else {
			w.logger.Warn("certificate not received", zap.Error(err))
			w.setStatus(models.RemoteError(models.ReasonCertificateUnreceived, err.Error()))
		}
		return false
	}
	w.options.Sink.UpdateRemote(w.uuid, func(r *models.Remote) {
		r.HasErrorGroupCode = false
		r.HasErrorReceiveCert = false
	})

	address := net.JoinHostPort(ep.Address.String(), strconv.Itoa(ep.Port))
	conn, err := w.options.dialFn(address, certPEM, proto.dialOptions())
	if err != nil {
		w.setStatus(models.RemoteError(models.ReasonGeneric, err.Error()))
		return false
	}
	client := w.replaceConn(conn)

	pingCtx, cancel := context.WithTimeout(ctx, w.options.PingTimeout)
	_, err = client.Ping(pingCtx, w.self())
	cancel()
	if err != nil {
		reason := models.ReasonGeneric
		if network.IsTLSFailure(err) {
			reason = models.ReasonSSL
		}
		w.logger.Warn("ping failed", zap.Stringer("reason", reason), zap.Error(err))
		w.fail(conn, models.RemoteError(reason, err.Error()))
		return false
	}

	if proto.watchesConnectivity() {
		w.watch(conn)
	}

	w.setStatus(models.AwaitingDuplex)
	if !proto.awaitDuplex(ctx, client, w.self()) {
		w.logger.Warn("duplex not established")
		w.fail(conn, models.RemoteError(models.ReasonDuplexFailed, "duplex not established"))
		return false
	}

	w.setStatus(models.Connected)

	infoCtx, cancel := context.WithTimeout(ctx, w.options.RPCTimeout)
	info, err := client.GetRemoteMachineInfo(infoCtx, &network.LookupName{})
	cancel()
	if err != nil {
		w.logger.Warn("get remote machine info failed", zap.Error(err))
		w.fail(conn, models.RemoteError(models.ReasonUsername, err.Error()))
		return false
	}
	w.options.Sink.UpdateRemote(w.uuid, func(r *models.Remote) {
		r.DisplayName = info.DisplayName
		r.UserName = info.UserName
	})

	picture := w.fetchAvatar(ctx, client)
	w.options.Sink.UpdateRemote(w.uuid, func(r *models.Remote) {
		r.Picture = picture
	})

	w.logger.Info("connected", zap.String("display_name", info.DisplayName))
	return true
}

// Disconnect closes the channel and marks the remote Disconnected.
func (w *Worker) Disconnect() {
	w.mu.Lock()
	conn := w.detachLocked()
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	w.logger.Info("disconnected")
	w.setStatus(models.Disconnected)
}

// Ping checks liveness. A failure marks the remote Disconnected and closes the channel.
func (w *Worker) Ping(ctx context.Context) error {
	conn, client := w.current()
	if client == nil {
		return ErrNotConnected
	}

	pingCtx, cancel := context.WithTimeout(ctx, w.options.PingTimeout)
	defer cancel()
	if _, err := client.Ping(pingCtx, w.self()); err != nil {
		w.logger.Debug("keepalive ping failed", zap.Error(err))
		w.fail(conn, models.Disconnected)
		return fmt.Errorf("ping remote: %w", err)
	}
	return nil
}

// OfferTransfer sends the transfer request describing an outgoing transfer.
func (w *Worker) OfferTransfer(ctx context.Context, t models.Transfer) error {
	_, client := w.current()
	if client == nil {
		return ErrNotConnected
	}

	req := &network.TransferOpRequest{
		Info:            w.opInfo(t.StartTime, t.UseCompression),
		SenderName:      w.options.DisplayName,
		Receiver:        w.uuid,
		Size:            uint64(t.TotalSize),
		Count:           uint64(t.FileCount),
		NameIfSingle:    t.SingleFileName,
		MimeIfSingle:    t.SingleMimeType,
		TopDirBasenames: append([]string(nil), t.TopDirBaseNames...),
	}

	callCtx, cancel := context.WithTimeout(ctx, w.options.RPCTimeout)
	defer cancel()
	if _, err := client.ProcessTransferOpRequest(callCtx, req); err != nil {
		return fmt.Errorf("offer transfer: %w", err)
	}
	return nil
}

// StartReceive asks the remote to start streaming an accepted transfer. The stream lives as long as ctx.
func (w *Worker) StartReceive(ctx context.Context, t models.Transfer) (grpc.ServerStreamingClient[network.FileChunk], error) {
	_, client := w.current()
	if client == nil {
		return nil, ErrNotConnected
	}
	stream, err := client.StartTransfer(ctx, w.opInfo(t.StartTime, t.UseCompression))
	if err != nil {
		return nil, fmt.Errorf("start transfer: %w", err)
	}
	return stream, nil
}

// DeclineTransfer tells the remote that an offer is declined or withdrawn.
func (w *Worker) DeclineTransfer(ctx context.Context, t models.Transfer) error {
	_, client := w.current()
	if client == nil {
		return ErrNotConnected
	}
	callCtx, cancel := context.WithTimeout(ctx, w.options.RPCTimeout)
	defer cancel()
	if _, err := client.CancelTransferOpRequest(callCtx, w.opInfo(t.StartTime, false)); err != nil {
		return fmt.Errorf("decline transfer: %w", err)
	}
	return nil
}

// StopTransfer tells the remote that a running transfer stopped, withError marking a failure.
func (w *Worker) StopTransfer(ctx context.Context, t models.Transfer, withError bool) error {
	_, client := w.current()
	if client == nil {
		return ErrNotConnected
	}
	callCtx, cancel := context.WithTimeout(ctx, w.options.RPCTimeout)
	defer cancel()
	if _, err := client.StopTransfer(callCtx, &network.StopInfo{Info: w.opInfo(t.StartTime, false), Error: withError}); err != nil {
		return fmt.Errorf("stop transfer: %w", err)
	}
	return nil
}

// close tears the channel down without publishing a status. Used on shutdown.
func (w *Worker) close() {
	w.mu.Lock()
	conn := w.detachLocked()
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (w *Worker) self() *network.LookupName {
	return &network.LookupName{ID: w.options.LocalID, ReadableName: w.options.DisplayName}
}

func (w *Worker) opInfo(startTime int64, useCompression bool) *network.OpInfo {
	return &network.OpInfo{
		Ident:          w.options.LocalID,
		Timestamp:      uint64(startTime),
		ReadableName:   w.options.DisplayName,
		UseCompression: useCompression,
	}
}

func (w *Worker) setStatus(status models.RemoteStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
	w.options.Sink.SetRemoteStatus(w.uuid, status)
}

func (w *Worker) current() (*grpc.ClientConn, *network.WarpClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn, w.client
}

// replaceConn installs conn as the live channel, closing any previous one.
func (w *Worker) replaceConn(conn *grpc.ClientConn) *network.WarpClient {
	client := network.NewWarpClient(conn)

	w.mu.Lock()
	old := w.detachLocked()
	w.conn = conn
	w.client = client
	w.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return client
}

func (w *Worker) detachLocked() *grpc.ClientConn {
	if w.watchCancel != nil {
		w.watchCancel()
		w.watchCancel = nil
	}
	conn := w.conn
	w.conn = nil
	w.client = nil
	return conn
}

// fail publishes status and closes conn if it is still the live channel.
func (w *Worker) fail(conn *grpc.ClientConn, status models.RemoteStatus) {
	w.mu.Lock()
	var stale *grpc.ClientConn
	if w.conn == conn {
		stale = w.detachLocked()
	}
	w.mu.Unlock()
	if stale != nil {
		_ = stale.Close()
	}
	w.setStatus(status)
}

// watch marks the remote Disconnected when the channel drops to TRANSIENT_FAILURE or IDLE.
func (w *Worker) watch(conn *grpc.ClientConn) {
	ctx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		cancel()
		return
	}
	w.watchCancel = cancel
	w.mu.Unlock()

	go func() {
		state := conn.GetState()
		for conn.WaitForStateChange(ctx, state) {
			state = conn.GetState()
			w.logger.Debug("channel state changed", zap.Stringer("state", state))
			switch state {
			case connectivity.TransientFailure, connectivity.Idle:
				w.mu.Lock()
				current := w.conn == conn
				w.mu.Unlock()
				if current {
					w.fail(conn, models.Disconnected)
				}
				return
			case connectivity.Shutdown:
				return
			}
		}
	}()
}

func (w *Worker) fetchAvatar(ctx context.Context, client *network.WarpClient) []byte {
	avatarCtx, cancel := context.WithTimeout(ctx, w.options.AvatarTimeout)
	defer cancel()

	stream, err := client.GetRemoteMachineAvatar(avatarCtx, &network.LookupName{})
	if err != nil {
		return nil
	}
	var buf bytes.Buffer
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.logger.Debug("avatar stream failed", zap.Error(err))
			return nil
		}
		buf.Write(chunk.AvatarChunk)
	}
	if buf.Len() == 0 {
		return nil
	}
	return buf.Bytes()
}
