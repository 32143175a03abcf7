package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"gowarp/models"
	"gowarp/network"
)

// DefaultPublishInterval rate-limits progress updates while a transfer is running.
const DefaultPublishInterval = 250 * time.Millisecond

var (
	ErrNotFound     = errors.New("transfer: not found")
	ErrInvalidState = errors.New("transfer: operation not valid in current state")
	ErrNotRetryable = errors.New("transfer: only finished outgoing transfers can be retried")
	ErrNoPeer       = errors.New("transfer: remote session unavailable")
	// ErrCancelled ends a send that was stopped locally or whose stream went away.
	ErrCancelled = errors.New("transfer: cancelled")
)

// Peer is the control channel to the remote side of a transfer.
type Peer interface {
	OfferTransfer(ctx context.Context, t models.Transfer) error
	StartReceive(ctx context.Context, t models.Transfer) (grpc.ServerStreamingClient[network.FileChunk], error)
	DeclineTransfer(ctx context.Context, t models.Transfer) error
	StopTransfer(ctx context.Context, t models.Transfer, withError bool) error
}

// Sink receives a snapshot every time a transfer changes.
type Sink interface {
	UpsertTransfer(t models.Transfer)
}

// ChunkSender is the outbound half of a StartTransfer stream.
type ChunkSender interface {
	Send(*network.FileChunk) error
}

type chunkSource interface {
	Recv() (*network.FileChunk, error)
}

// Preferences are the user settings read at the moment a transfer needs them.
type Preferences struct {
	DownloadDir    string
	AllowOverwrite bool
	AutoAccept     bool
	UseCompression bool
}

// Options are shared by every worker of a Manager.
type Options struct {
	Peers           func(remoteUUID string) (Peer, bool)
	Sink            Sink
	Preferences     func() Preferences
	Logger          *zap.Logger
	PublishInterval time.Duration

	now func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.PublishInterval <= 0 {
		out.PublishInterval = DefaultPublishInterval
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

func (o Options) validate() error {
	if o.Peers == nil {
		return errors.New("peer lookup is required")
	}
	if o.Sink == nil {
		return errors.New("transfer sink is required")
	}
	if o.Preferences == nil {
		return errors.New("preferences source is required")
	}
	return nil
}

// Worker drives a single transfer in either direction.
type Worker struct {
	options Options
	logger  *zap.Logger
	root    context.Context
	wg      *sync.WaitGroup

	publishMu sync.Mutex

	mu          sync.Mutex
	transfer    models.Transfer
	manifest    *manifest
	speed       speedTracker
	lastPublish time.Time
	stopped     bool
	cancel      context.CancelFunc
}

func newWorker(root context.Context, wg *sync.WaitGroup, t models.Transfer, options Options) *Worker {
	return &Worker{
		options:  options,
		logger:   options.Logger.With(zap.String("transfer", t.Key()), zap.Stringer("direction", t.Direction)),
		root:     root,
		wg:       wg,
		transfer: t,
	}
}

// Snapshot returns a copy of the current transfer state.
func (w *Worker) Snapshot() models.Transfer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transfer.Clone()
}

// Key returns the registry key of the transfer.
func (w *Worker) Key() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transfer.Key()
}

// PrepareSend walks the sources, fills in size and count and moves to WaitingPermission.
func (w *Worker) PrepareSend() error {
	w.mu.Lock()
	if w.transfer.Direction != models.DirectionSend {
		w.mu.Unlock()
		return ErrInvalidState
	}
	sources := append([]string(nil), w.transfer.Sources...)
	w.mu.Unlock()

	m, err := buildManifest(sources)
	if err != nil {
		kind := models.ErrGeneric
		if errors.Is(err, fs.ErrNotExist) {
			kind = models.ErrFileNotFound
		}
		w.setStatus(models.Failed(models.NewTransferError(kind, err.Error()), false))
		return fmt.Errorf("prepare send: %w", err)
	}

	name, mimeType := m.single()
	w.mu.Lock()
	w.manifest = m
	w.transfer.TotalSize = m.total
	w.transfer.FileCount = m.count()
	w.transfer.TopDirBaseNames = append([]string(nil), m.topNames...)
	w.transfer.SingleFileName = name
	w.transfer.SingleMimeType = mimeType
	w.transfer.Status = models.Status(models.TransferWaitingPermission)
	w.mu.Unlock()

	w.publish(true)
	return nil
}

// Offer sends the transfer request to the remote. A failed offer can be retried.
func (w *Worker) Offer(ctx context.Context) error {
	peer, err := w.peer()
	if err == nil {
		err = peer.OfferTransfer(ctx, w.Snapshot())
	}
	if err != nil {
		w.logger.Warn("failed to offer transfer", zap.Error(err))
		w.transitionFrom(models.TransferWaitingPermission,
			models.Failed(models.NewTransferError(models.ErrConnectionLost, err.Error()), true))
		return fmt.Errorf("offer transfer: %w", err)
	}
	return nil
}

// StreamTo sends every manifest entry to sender. It blocks until the stream ends, fails or is stopped.
// Chunks are compressed only if both the offer and the receiver's request asked for it.
func (w *Worker) StreamTo(ctx context.Context, sender ChunkSender, requestCompression bool) error {
	w.mu.Lock()
	if w.transfer.Direction != models.DirectionSend || w.manifest == nil || w.transfer.Status.State.Terminal() {
		w.mu.Unlock()
		return ErrInvalidState
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancel = cancel
	w.stopped = false
	w.transfer.Status = models.Status(models.TransferTransferring)
	w.transfer.BytesTransferred = 0
	w.transfer.BytesPerSecond = 0
	w.speed.reset()
	w.transfer.UseCompression = w.transfer.UseCompression && requestCompression
	m := w.manifest
	compress := w.transfer.UseCompression
	w.mu.Unlock()

	w.publish(true)
	w.logger.Info("sending transfer",
		zap.Int64("bytes", m.total),
		zap.Int64("entries", m.count()),
		zap.Bool("compression", compress))

	err := w.send(ctx, m, compress, sender)
	switch {
	case err == nil:
		w.transitionFrom(models.TransferTransferring, models.Status(models.TransferFinished))
		return nil
	case errors.Is(err, ErrCancelled):
		w.transitionFrom(models.TransferTransferring,
			models.Failed(models.NewTransferError(models.ErrConnectionLost, "stream closed by receiver"), false))
	case errors.Is(err, fs.ErrNotExist):
		w.transitionFrom(models.TransferTransferring,
			models.Failed(models.NewTransferError(models.ErrFileNotFound, err.Error()), false))
	default:
		w.transitionFrom(models.TransferTransferring,
			models.Failed(models.NewTransferError(models.ErrGeneric, err.Error()), false))
	}
	w.logger.Warn("send ended early", zap.Error(err))
	return err
}

func (w *Worker) send(ctx context.Context, m *manifest, compress bool, sender ChunkSender) error {
	for _, dir := range m.dirs {
		if err := w.checkCancelled(ctx); err != nil {
			return err
		}
		chunk := &network.FileChunk{
			RelativePath: dir.relPath,
			FileType:     int32(models.FileTypeDirectory),
			FileMode:     dirMode,
		}
		if err := sender.Send(chunk); err != nil {
			return fmt.Errorf("send directory %s: %w", dir.relPath, err)
		}
	}

	buf := make([]byte, network.ChunkSize)
	for _, item := range m.files {
		if err := w.checkCancelled(ctx); err != nil {
			return err
		}
		if item.fileType == models.FileTypeSymlink {
			chunk := &network.FileChunk{
				RelativePath:  item.relPath,
				FileType:      int32(models.FileTypeSymlink),
				SymlinkTarget: item.symlinkTarget,
				FileMode:      symlinkMode,
			}
			if err := sender.Send(chunk); err != nil {
				return fmt.Errorf("send symlink %s: %w", item.relPath, err)
			}
			continue
		}
		if err := w.sendFile(ctx, item, compress, buf, sender); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) sendFile(ctx context.Context, item entry, compress bool, buf []byte, sender ChunkSender) error {
	file, err := os.Open(item.source)
	if err != nil {
		return fmt.Errorf("open %s: %w", item.source, err)
	}
	defer file.Close()

	first := true
	for {
		if err := w.checkCancelled(ctx); err != nil {
			return err
		}
		n, readErr := io.ReadFull(file, buf)
		if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read %s: %w", item.source, readErr)
		}
		// Empty files still get one chunk so the receiver creates them.
		if n == 0 && !first {
			return nil
		}

		chunk := &network.FileChunk{
			RelativePath: item.relPath,
			FileType:     int32(models.FileTypeFile),
			FileMode:     fileMode,
		}
		if first {
			chunk.Time = fileTime(item.modTime)
			first = false
		}
		if compress {
			payload, err := compressChunk(buf[:n])
			if err != nil {
				return err
			}
			chunk.Chunk = payload
		} else {
			chunk.Chunk = append([]byte(nil), buf[:n]...)
		}

		if err := sender.Send(chunk); err != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return fmt.Errorf("send %s: %w", item.relPath, err)
		}
		w.progress(int64(n))
		if n < len(buf) {
			return nil
		}
	}
}

func fileTime(t time.Time) *network.FileTime {
	ms := t.UnixMilli()
	return &network.FileTime{
		Mtime:     uint64(t.Unix()),
		MtimeUsec: uint32(ms%1000) * 1000,
	}
}

// PrepareReceive moves an incoming offer to WaitingPermission and starts it right away when auto-accept is on.
func (w *Worker) PrepareReceive() {
	prefs := w.options.Preferences()

	w.mu.Lock()
	w.transfer.Status = models.Status(models.TransferWaitingPermission)
	w.transfer.OverwriteWarning = prefs.AllowOverwrite && prefs.DownloadDir != "" &&
		anyExists(prefs.DownloadDir, w.transfer.TopDirBaseNames)
	w.mu.Unlock()
	w.publish(true)

	if prefs.AutoAccept {
		if err := w.Accept(); err != nil {
			w.logger.Warn("auto-accept failed", zap.Error(err))
		}
	}
}

func anyExists(dir string, names []string) bool {
	for _, name := range names {
		if _, err := os.Lstat(filepath.Join(dir, sanitizePath(name))); err == nil {
			return true
		}
	}
	return false
}

// Accept starts receiving in the background.
func (w *Worker) Accept() error {
	prefs := w.options.Preferences()

	w.mu.Lock()
	if w.transfer.Direction != models.DirectionReceive || w.transfer.Status.State != models.TransferWaitingPermission {
		w.mu.Unlock()
		return ErrInvalidState
	}
	if prefs.DownloadDir == "" {
		w.transfer.Status = models.Failed(models.NewTransferError(models.ErrDownloadDirectoryNotSet, ""), false)
		w.mu.Unlock()
		w.publish(true)
		w.notifyStop(true)
		return nil
	}
	ctx, cancel := context.WithCancel(w.root)
	w.cancel = cancel
	w.stopped = false
	w.transfer.Status = models.Status(models.TransferTransferring)
	w.transfer.BytesTransferred = 0
	w.transfer.BytesPerSecond = 0
	w.speed.reset()
	w.mu.Unlock()
	w.publish(true)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		w.receive(ctx, prefs)
	}()
	return nil
}

func (w *Worker) receive(ctx context.Context, prefs Preferences) {
	peer, err := w.peer()
	if err != nil {
		w.failReceive(models.NewTransferError(models.ErrConnectionLost, err.Error()))
		return
	}
	stream, err := peer.StartReceive(ctx, w.Snapshot())
	if err != nil {
		w.failReceive(models.NewTransferError(models.ErrConnectionLost, err.Error()))
		return
	}
	w.consume(stream, prefs)
}

// consume writes the chunk stream to the download directory until it ends.
func (w *Worker) consume(src chunkSource, prefs Preferences) {
	w.mu.Lock()
	compressed := w.transfer.UseCompression
	w.mu.Unlock()

	rx, err := newReceiver(prefs.DownloadDir, prefs.AllowOverwrite, compressed, w.logger)
	if err != nil {
		w.failReceive(asTransferError(err))
		return
	}
	defer rx.abort()

	for {
		chunk, err := src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if w.isStopped() {
			return
		}
		if err != nil {
			w.failReceive(models.NewTransferError(models.ErrConnectionLost, err.Error()))
			return
		}
		n, err := rx.handle(chunk)
		if err != nil {
			w.failReceive(asTransferError(err))
			return
		}
		if n > 0 {
			w.progress(n)
		}
	}

	errs := rx.finish()
	if len(errs) > 0 {
		w.transitionFrom(models.TransferTransferring, models.FinishedWithErrors(errs))
		w.logger.Warn("transfer finished with errors", zap.Int("errors", len(errs)))
		return
	}
	w.transitionFrom(models.TransferTransferring, models.Status(models.TransferFinished))
	w.logger.Info("transfer finished")
}

func asTransferError(err error) models.TransferError {
	var terr models.TransferError
	if errors.As(err, &terr) {
		return terr
	}
	return models.NewTransferError(models.ErrGeneric, err.Error())
}

// failReceive fails a running receive and tells the sender. The incomplete file is removed by the receive loop.
func (w *Worker) failReceive(terr models.TransferError) {
	if !w.transitionFrom(models.TransferTransferring, models.Failed(terr, false)) {
		return
	}
	w.logger.Warn("receive failed", zap.Stringer("kind", terr.Kind), zap.String("detail", terr.Detail))
	w.notifyStop(true)
}

// Decline refuses an incoming offer.
func (w *Worker) Decline(ctx context.Context) error {
	w.mu.Lock()
	if w.transfer.Direction != models.DirectionReceive || w.transfer.Status.State != models.TransferWaitingPermission {
		w.mu.Unlock()
		return ErrInvalidState
	}
	w.transfer.Status = models.Status(models.TransferDeclined)
	snapshot := w.transfer.Clone()
	w.mu.Unlock()
	w.publish(true)

	peer, err := w.peer()
	if err == nil {
		err = peer.DeclineTransfer(ctx, snapshot)
	}
	if err != nil {
		return fmt.Errorf("decline transfer: %w", err)
	}
	return nil
}

// CancelOffer withdraws an outgoing offer the remote has not answered yet.
func (w *Worker) CancelOffer(ctx context.Context) error {
	w.mu.Lock()
	if w.transfer.Direction != models.DirectionSend || w.transfer.Status.State != models.TransferWaitingPermission {
		w.mu.Unlock()
		return ErrInvalidState
	}
	w.transfer.Status = models.Status(models.TransferStopped)
	snapshot := w.transfer.Clone()
	w.mu.Unlock()
	w.publish(true)

	peer, err := w.peer()
	if err == nil {
		err = peer.DeclineTransfer(ctx, snapshot)
	}
	if err != nil {
		return fmt.Errorf("cancel offer: %w", err)
	}
	return nil
}

// Stop ends a running transfer locally and tells the remote. withError marks it as failed on both ends.
// A transfer still waiting for permission is declined or withdrawn instead.
func (w *Worker) Stop(ctx context.Context, withError bool) error {
	w.mu.Lock()
	state := w.transfer.Status.State
	direction := w.transfer.Direction
	if state == models.TransferWaitingPermission {
		w.mu.Unlock()
		if direction == models.DirectionSend {
			return w.CancelOffer(ctx)
		}
		return w.Decline(ctx)
	}
	if state.Terminal() {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if withError {
		w.transfer.Status = models.Failed(models.NewTransferError(models.ErrGeneric, "stopped"), false)
	} else {
		w.transfer.Status = models.Status(models.TransferStopped)
	}
	cancel := w.cancel
	snapshot := w.transfer.Clone()
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.publish(true)

	peer, err := w.peer()
	if err == nil {
		err = peer.StopTransfer(ctx, snapshot, withError)
	}
	if err != nil {
		return fmt.Errorf("stop transfer: %w", err)
	}
	return nil
}

// OnStopped applies a StopTransfer from the remote.
func (w *Worker) OnStopped(withError bool) {
	w.mu.Lock()
	state := w.transfer.Status.State
	switch {
	case withError && !state.Terminal():
		w.transfer.Status = models.Failed(models.NewTransferError(models.ErrGeneric, "stopped by remote"), false)
	case !withError && state != models.TransferStopped && state != models.TransferFinished &&
		state != models.TransferFinishedWithErrors && state != models.TransferDeclined:
		w.transfer.Status = models.Status(models.TransferStopped)
	default:
		w.mu.Unlock()
		return
	}
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.publish(true)
	w.logger.Info("transfer stopped by remote", zap.Bool("error", withError))
}

// OnDeclined applies a CancelTransferOpRequest from the remote.
func (w *Worker) OnDeclined() {
	w.mu.Lock()
	state := w.transfer.Status.State
	if state != models.TransferInitializing && state != models.TransferWaitingPermission {
		w.mu.Unlock()
		return
	}
	w.transfer.Status = models.Status(models.TransferDeclined)
	w.mu.Unlock()
	w.publish(true)
}

func (w *Worker) notifyStop(withError bool) {
	peer, err := w.peer()
	if err == nil {
		err = peer.StopTransfer(w.root, w.Snapshot(), withError)
	}
	if err != nil {
		w.logger.Debug("could not notify remote of stop", zap.Error(err))
	}
}

func (w *Worker) peer() (Peer, error) {
	w.mu.Lock()
	remoteUUID := w.transfer.RemoteUUID
	w.mu.Unlock()
	peer, ok := w.options.Peers(remoteUUID)
	if !ok || peer == nil {
		return nil, ErrNoPeer
	}
	return peer, nil
}

func (w *Worker) checkCancelled(ctx context.Context) error {
	if w.isStopped() || ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

func (w *Worker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *Worker) progress(n int64) {
	w.mu.Lock()
	w.transfer.BytesTransferred += n
	w.transfer.BytesPerSecond = w.speed.observe(n, w.options.now())
	w.mu.Unlock()
	w.publish(false)
}

func (w *Worker) setStatus(status models.TransferStatus) {
	w.mu.Lock()
	w.transfer.Status = status
	w.mu.Unlock()
	w.publish(true)
}

// transitionFrom applies status only while the transfer is still in state from.
func (w *Worker) transitionFrom(from models.TransferState, status models.TransferStatus) bool {
	w.mu.Lock()
	if w.transfer.Status.State != from {
		w.mu.Unlock()
		return false
	}
	w.transfer.Status = status
	w.mu.Unlock()
	w.publish(true)
	return true
}

// publish pushes a snapshot to the sink. Unforced updates during a transfer are rate-limited.
func (w *Worker) publish(force bool) {
	w.publishMu.Lock()
	defer w.publishMu.Unlock()

	w.mu.Lock()
	now := w.options.now()
	if !force && w.transfer.Status.State == models.TransferTransferring &&
		now.Sub(w.lastPublish) < w.options.PublishInterval {
		w.mu.Unlock()
		return
	}
	w.lastPublish = now
	snapshot := w.transfer.Clone()
	w.mu.Unlock()

	w.options.Sink.UpsertTransfer(snapshot)
}
