package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"gowarp/models"
	"gowarp/network"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []models.Transfer
}

func (s *recordingSink) UpsertTransfer(t models.Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, t)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *recordingSink) states() []models.TransferState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TransferState
	for _, update := range s.updates {
		if len(out) == 0 || out[len(out)-1] != update.Status.State {
			out = append(out, update.Status.State)
		}
	}
	return out
}

type chunkRecorder struct {
	chunks  []*network.FileChunk
	sendErr error
}

func (r *chunkRecorder) Send(chunk *network.FileChunk) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.chunks = append(r.chunks, chunk)
	return nil
}

// replayStream serves recorded chunks, then err (io.EOF when nil).
type replayStream struct {
	grpc.ClientStream
	chunks []*network.FileChunk
	err    error
}

func (s *replayStream) Recv() (*network.FileChunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

type fakePeer struct {
	mu       sync.Mutex
	offers   []models.Transfer
	offerErr error
	stops    []bool
	declines int
	stream   *replayStream
}

func (p *fakePeer) OfferTransfer(_ context.Context, t models.Transfer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerErr != nil {
		return p.offerErr
	}
	p.offers = append(p.offers, t)
	return nil
}

func (p *fakePeer) StartReceive(context.Context, models.Transfer) (grpc.ServerStreamingClient[network.FileChunk], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil, errors.New("no stream")
	}
	return p.stream, nil
}

func (p *fakePeer) DeclineTransfer(context.Context, models.Transfer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declines++
	return nil
}

func (p *fakePeer) StopTransfer(_ context.Context, _ models.Transfer, withError bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops = append(p.stops, withError)
	return nil
}

func (p *fakePeer) stopCalls() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.stops...)
}

func newTestManager(t *testing.T, peer *fakePeer, prefs Preferences) (*Manager, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	manager, err := NewManager(Options{
		Peers: func(remoteUUID string) (Peer, bool) {
			if remoteUUID != "peer" {
				return nil, false
			}
			return peer, true
		},
		Sink:        sink,
		Preferences: func() Preferences { return prefs },
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager, sink
}

func waitForState(t *testing.T, w *Worker, state models.TransferState) models.Transfer {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.Snapshot().Status.State == state
	}, 5*time.Second, 10*time.Millisecond, "transfer never reached %s (now %s)", state, w.Snapshot().Status)
	return w.Snapshot()
}

func writeFile(t *testing.T, path string, data []byte, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func offerFor(t models.Transfer) *network.TransferOpRequest {
	return &network.TransferOpRequest{
		Info: &network.OpInfo{
			Ident:          "sender",
			Timestamp:      uint64(t.StartTime),
			UseCompression: t.UseCompression,
		},
		SenderName:      "Sender",
		Size:            uint64(t.TotalSize),
		Count:           uint64(t.FileCount),
		NameIfSingle:    t.SingleFileName,
		MimeIfSingle:    t.SingleMimeType,
		TopDirBasenames: t.TopDirBaseNames,
	}
}

func TestCompressedTransferEndToEnd(t *testing.T) {
	src := t.TempDir()
	mtimeA := time.Unix(1_600_000_000, 0)
	mtimeB := time.Unix(1_650_000_000, 0)
	mtimeC := time.Unix(1_700_000_000, 0)
	big := bytes.Repeat([]byte("0123456789abcdef"), network.ChunkSize/8)
	writeFile(t, filepath.Join(src, "album", "a.txt"), []byte("alpha"), mtimeA)
	writeFile(t, filepath.Join(src, "album", "b.txt"), []byte{}, mtimeB)
	writeFile(t, filepath.Join(src, "c.bin"), big, mtimeC)

	senderPeer := &fakePeer{}
	sender, senderSink := newTestManager(t, senderPeer, Preferences{UseCompression: true})

	offered, err := sender.InitiateSend(context.Background(), "peer",
		[]string{filepath.Join(src, "album"), filepath.Join(src, "c.bin")})
	require.NoError(t, err)
	require.Equal(t, models.TransferWaitingPermission, offered.Status.State)
	require.Equal(t, int64(4), offered.FileCount)
	require.Equal(t, int64(5+len(big)), offered.TotalSize)
	require.Equal(t, []string{"album", "c.bin"}, offered.TopDirBaseNames)
	require.Empty(t, offered.SingleFileName)
	require.Len(t, senderPeer.offers, 1)

	outbound, ok := sender.Get(offered.Key())
	require.True(t, ok)
	recorder := &chunkRecorder{}
	require.NoError(t, outbound.StreamTo(context.Background(), recorder, true))
	sent := waitForState(t, outbound, models.TransferFinished)
	require.Equal(t, sent.TotalSize, sent.BytesTransferred)

	require.Equal(t, int32(models.FileTypeDirectory), recorder.chunks[0].FileType)
	require.Equal(t, "album", recorder.chunks[0].RelativePath)
	require.Equal(t, uint32(dirMode), recorder.chunks[0].FileMode)

	downloads := t.TempDir()
	receiverPeer := &fakePeer{stream: &replayStream{chunks: recorder.chunks}}
	receiver, receiverSink := newTestManager(t, receiverPeer, Preferences{
		DownloadDir:    downloads,
		UseCompression: true,
	})
	inbound, created := receiver.OnIncoming("peer", offerFor(sent))
	require.True(t, created)
	require.True(t, inbound.Snapshot().UseCompression)
	require.Equal(t, models.TransferWaitingPermission, inbound.Snapshot().Status.State)

	require.NoError(t, inbound.Accept())
	received := waitForState(t, inbound, models.TransferFinished)
	require.Equal(t, sent.TotalSize, received.BytesTransferred)

	for rel, want := range map[string]struct {
		data  []byte
		mtime time.Time
	}{
		"album/a.txt": {[]byte("alpha"), mtimeA},
		"album/b.txt": {[]byte{}, mtimeB},
		"c.bin":       {big, mtimeC},
	} {
		path := filepath.Join(downloads, filepath.FromSlash(rel))
		data, err := os.ReadFile(path)
		require.NoError(t, err, rel)
		require.True(t, bytes.Equal(want.data, data), rel)
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.True(t, want.mtime.Equal(info.ModTime()), "%s mtime %s", rel, info.ModTime())
	}

	require.Equal(t, []models.TransferState{
		models.TransferInitializing,
		models.TransferWaitingPermission,
		models.TransferTransferring,
		models.TransferFinished,
	}, senderSink.states())
	require.Equal(t, []models.TransferState{
		models.TransferWaitingPermission,
		models.TransferTransferring,
		models.TransferFinished,
	}, receiverSink.states())
}

func TestSingleFileOfferCarriesNameAndMime(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "notes.txt"), []byte("hi"), time.Now())

	manager, _ := newTestManager(t, &fakePeer{}, Preferences{})
	offered, err := manager.InitiateSend(context.Background(), "peer", []string{filepath.Join(src, "notes.txt")})
	require.NoError(t, err)
	require.Equal(t, "notes.txt", offered.SingleFileName)
	require.Contains(t, offered.SingleMimeType, "text/plain")
	require.Equal(t, int64(1), offered.FileCount)
}

func TestSendMissingFileFails(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "gone.txt")
	writeFile(t, path, []byte("soon gone"), time.Now())

	manager, _ := newTestManager(t, &fakePeer{}, Preferences{})
	offered, err := manager.InitiateSend(context.Background(), "peer", []string{path})
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	worker, _ := manager.Get(offered.Key())
	err = worker.StreamTo(context.Background(), &chunkRecorder{}, false)
	require.Error(t, err)

	status := worker.Snapshot().Status
	require.Equal(t, models.TransferFailed, status.State)
	require.Equal(t, models.ErrFileNotFound, status.Err.Kind)
	require.False(t, status.Recoverable)
}

func TestSendFailsWhenStreamBreaks(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "data.bin"), []byte("payload"), time.Now())

	manager, _ := newTestManager(t, &fakePeer{}, Preferences{})
	offered, err := manager.InitiateSend(context.Background(), "peer", []string{filepath.Join(src, "data.bin")})
	require.NoError(t, err)
	worker, _ := manager.Get(offered.Key())

	err = worker.StreamTo(context.Background(), &chunkRecorder{sendErr: errors.New("broken pipe")}, false)
	require.Error(t, err)
	status := worker.Snapshot().Status
	require.Equal(t, models.TransferFailed, status.State)
	require.Equal(t, models.ErrGeneric, status.Err.Kind)

	// A failed send cannot be streamed again without a retry.
	require.ErrorIs(t, worker.StreamTo(context.Background(), &chunkRecorder{}, false), ErrInvalidState)
}

func TestSendStopsBeforeNextChunk(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "one.txt"), []byte("1"), time.Now())
	writeFile(t, filepath.Join(src, "two.txt"), []byte("2"), time.Now())

	peer := &fakePeer{}
	manager, _ := newTestManager(t, peer, Preferences{})
	offered, err := manager.InitiateSend(context.Background(), "peer",
		[]string{filepath.Join(src, "one.txt"), filepath.Join(src, "two.txt")})
	require.NoError(t, err)
	worker, _ := manager.Get(offered.Key())

	stopping := &stopOnSend{worker: worker}
	err = worker.StreamTo(context.Background(), stopping, false)
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, 1, stopping.sent)
	require.Equal(t, models.TransferStopped, worker.Snapshot().Status.State)
	require.Equal(t, []bool{false}, peer.stopCalls())
}

// stopOnSend stops the transfer locally right after the first chunk goes out.
type stopOnSend struct {
	worker *Worker
	sent   int
}

func (s *stopOnSend) Send(*network.FileChunk) error {
	s.sent++
	return s.worker.Stop(context.Background(), false)
}

func TestReceiveConnectionLostRemovesPartialFile(t *testing.T) {
	downloads := t.TempDir()
	peer := &fakePeer{stream: &replayStream{
		chunks: []*network.FileChunk{fileChunk("partial.bin", "first half")},
		err:    errors.New("connection reset"),
	}}
	manager, _ := newTestManager(t, peer, Preferences{DownloadDir: downloads})

	worker, created := manager.OnIncoming("peer", &network.TransferOpRequest{
		Info:  &network.OpInfo{Ident: "peer", Timestamp: 42},
		Size:  20,
		Count: 1,
	})
	require.True(t, created)
	require.NoError(t, worker.Accept())

	failed := waitForState(t, worker, models.TransferFailed)
	require.Equal(t, models.ErrConnectionLost, failed.Status.Err.Kind)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(downloads, "partial.bin"))
		return errors.Is(err, os.ErrNotExist)
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []bool{true}, peer.stopCalls())
}

func TestReceivePathEscapeFailsTransfer(t *testing.T) {
	downloads := filepath.Join(t.TempDir(), "downloads")
	peer := &fakePeer{stream: &replayStream{
		chunks: []*network.FileChunk{fileChunk("../../etc/evil", "x")},
	}}
	manager, _ := newTestManager(t, peer, Preferences{DownloadDir: downloads, AutoAccept: true})

	worker, _ := manager.OnIncoming("peer", &network.TransferOpRequest{
		Info:  &network.OpInfo{Ident: "peer", Timestamp: 7},
		Count: 1,
	})
	failed := waitForState(t, worker, models.TransferFailed)
	require.Equal(t, models.ErrPermissionDenied, failed.Status.Err.Kind)
	require.Eventually(t, func() bool {
		return len(peer.stopCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAcceptWithoutDownloadDirFails(t *testing.T) {
	peer := &fakePeer{}
	manager, _ := newTestManager(t, peer, Preferences{})

	worker, _ := manager.OnIncoming("peer", &network.TransferOpRequest{
		Info: &network.OpInfo{Ident: "peer", Timestamp: 9},
	})
	require.NoError(t, worker.Accept())

	status := worker.Snapshot().Status
	require.Equal(t, models.TransferFailed, status.State)
	require.Equal(t, models.ErrDownloadDirectoryNotSet, status.Err.Kind)
	require.Equal(t, []bool{true}, peer.stopCalls())
}

func TestIncomingOfferFlagsOverwrite(t *testing.T) {
	downloads := t.TempDir()
	writeFile(t, filepath.Join(downloads, "existing.txt"), []byte("x"), time.Now())

	manager, _ := newTestManager(t, &fakePeer{}, Preferences{DownloadDir: downloads, AllowOverwrite: true})
	worker, _ := manager.OnIncoming("peer", &network.TransferOpRequest{
		Info:            &network.OpInfo{Ident: "peer", Timestamp: 11, UseCompression: true},
		TopDirBasenames: []string{"existing.txt"},
	})
	snapshot := worker.Snapshot()
	require.True(t, snapshot.OverwriteWarning)
	require.False(t, snapshot.UseCompression, "compression needs both sides")
}

func TestDuplicateOfferIsIgnored(t *testing.T) {
	manager, _ := newTestManager(t, &fakePeer{}, Preferences{})
	req := &network.TransferOpRequest{Info: &network.OpInfo{Ident: "peer", Timestamp: 5}}

	first, created := manager.OnIncoming("peer", req)
	require.True(t, created)
	second, created := manager.OnIncoming("peer", req)
	require.False(t, created)
	require.Same(t, first, second)
}

func TestReofferReplacesFinishedTransfer(t *testing.T) {
	manager, _ := newTestManager(t, &fakePeer{}, Preferences{})
	req := &network.TransferOpRequest{Info: &network.OpInfo{Ident: "peer", Timestamp: 77}}

	first, created := manager.OnIncoming("peer", req)
	require.True(t, created)
	require.NoError(t, first.Decline(context.Background()))
	require.Equal(t, models.TransferDeclined, first.Snapshot().Status.State)

	second, created := manager.OnIncoming("peer", req)
	require.True(t, created)
	require.NotSame(t, first, second)
	require.Equal(t, models.TransferWaitingPermission, second.Snapshot().Status.State)

	current, ok := manager.Lookup("peer", 77)
	require.True(t, ok)
	require.Same(t, second, current)
}

func TestDeclineAndRemoteCancellation(t *testing.T) {
	peer := &fakePeer{}
	manager, _ := newTestManager(t, peer, Preferences{})

	declined, _ := manager.OnIncoming("peer", &network.TransferOpRequest{Info: &network.OpInfo{Timestamp: 1}})
	require.NoError(t, declined.Decline(context.Background()))
	require.Equal(t, models.TransferDeclined, declined.Snapshot().Status.State)
	require.Equal(t, 1, peer.declines)
	require.ErrorIs(t, declined.Accept(), ErrInvalidState)

	withdrawn, _ := manager.OnIncoming("peer", &network.TransferOpRequest{Info: &network.OpInfo{Timestamp: 2}})
	withdrawn.OnDeclined()
	require.Equal(t, models.TransferDeclined, withdrawn.Snapshot().Status.State)
}

func TestRemoteStopKeepsFailure(t *testing.T) {
	manager, _ := newTestManager(t, &fakePeer{}, Preferences{})
	worker, _ := manager.Add(models.Transfer{
		RemoteUUID: "peer",
		Direction:  models.DirectionSend,
		StartTime:  3,
		Status:     models.Failed(models.NewTransferError(models.ErrFileNotFound, "x"), false),
	})

	worker.OnStopped(true)
	require.Equal(t, models.ErrFileNotFound, worker.Snapshot().Status.Err.Kind)

	worker.OnStopped(false)
	require.Equal(t, models.TransferStopped, worker.Snapshot().Status.State)
}

func TestRetrySendKeepsIdentity(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "doc.pdf"), []byte("%PDF"), time.Now())

	peer := &fakePeer{offerErr: errors.New("unreachable")}
	prefs := Preferences{UseCompression: false}
	sink := &recordingSink{}
	manager, err := NewManager(Options{
		Peers:       func(string) (Peer, bool) { return peer, true },
		Sink:        sink,
		Preferences: func() Preferences { return prefs },
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	first, err := manager.InitiateSend(context.Background(), "peer", []string{filepath.Join(src, "doc.pdf")})
	require.Error(t, err)
	require.Equal(t, models.TransferFailed, first.Status.State)
	require.True(t, first.Status.Recoverable)

	peer.mu.Lock()
	peer.offerErr = nil
	peer.mu.Unlock()
	prefs.UseCompression = true

	retried, err := manager.RetrySend(context.Background(), first.Key())
	require.NoError(t, err)
	require.Equal(t, first.UID, retried.UID)
	require.Equal(t, first.StartTime, retried.StartTime)
	require.Equal(t, first.Sources, retried.Sources)
	require.Equal(t, models.TransferWaitingPermission, retried.Status.State)
	require.Zero(t, retried.BytesTransferred)
	require.True(t, retried.UseCompression)

	_, err = manager.RetrySend(context.Background(), "peer_0")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetryRejectsIncomingTransfers(t *testing.T) {
	manager, _ := newTestManager(t, &fakePeer{}, Preferences{})
	worker, _ := manager.Add(models.Transfer{
		RemoteUUID: "peer",
		Direction:  models.DirectionReceive,
		StartTime:  4,
		Status:     models.Status(models.TransferFinished),
	})
	_, err := manager.RetrySend(context.Background(), worker.Key())
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestSameMillisecondSendsGetDistinctKeys(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("f"), time.Now())

	peer := &fakePeer{}
	sink := &recordingSink{}
	manager, err := NewManager(Options{
		Peers:       func(string) (Peer, bool) { return peer, true },
		Sink:        sink,
		Preferences: func() Preferences { return Preferences{} },
		now:         func() time.Time { return time.UnixMilli(1000) },
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	a, err := manager.InitiateSend(context.Background(), "peer", []string{filepath.Join(src, "f")})
	require.NoError(t, err)
	b, err := manager.InitiateSend(context.Background(), "peer", []string{filepath.Join(src, "f")})
	require.NoError(t, err)
	require.NotEqual(t, a.Key(), b.Key())

	keys := []string{}
	for _, tr := range manager.Transfers("peer") {
		keys = append(keys, tr.Key())
	}
	require.True(t, sort.StringsAreSorted(keys))
	require.Len(t, keys, 2)
}

func TestClearOnlyRemovesTerminalTransfers(t *testing.T) {
	manager, _ := newTestManager(t, &fakePeer{}, Preferences{})
	running, _ := manager.Add(models.Transfer{
		RemoteUUID: "peer", StartTime: 1,
		Status: models.Status(models.TransferTransferring),
	})
	done, _ := manager.Add(models.Transfer{
		RemoteUUID: "peer", StartTime: 2,
		Status: models.Status(models.TransferFinished),
	})

	require.ErrorIs(t, manager.Clear(running.Key()), ErrInvalidState)
	require.NoError(t, manager.Clear(done.Key()))
	_, ok := manager.Get(done.Key())
	require.False(t, ok)
	require.ErrorIs(t, manager.Clear(done.Key()), ErrNotFound)
}

func TestProgressIsRateLimited(t *testing.T) {
	clock := time.Unix(0, 0)
	sink := &recordingSink{}
	manager, err := NewManager(Options{
		Peers:       func(string) (Peer, bool) { return nil, false },
		Sink:        sink,
		Preferences: func() Preferences { return Preferences{} },
		now:         func() time.Time { return clock },
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	worker, _ := manager.Add(models.Transfer{RemoteUUID: "peer", StartTime: 1})
	worker.setStatus(models.Status(models.TransferTransferring))
	before := sink.count()

	for i := 0; i < 10; i++ {
		worker.progress(100)
	}
	require.Equal(t, before, sink.count())
	require.Equal(t, int64(1000), worker.Snapshot().BytesTransferred)
}
