package transfer

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"gowarp/models"
	"gowarp/network"
)

// Manager is the registry of live transfers, keyed by "<remote uuid>_<start time>".
type Manager struct {
	options Options
	root    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewManager validates options and returns an empty registry.
func NewManager(options Options) (*Manager, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		options: opts,
		root:    root,
		cancel:  cancel,
		workers: make(map[string]*Worker),
	}, nil
}

// InitiateSend registers an outgoing transfer of sources, prepares its manifest and offers it to the remote.
// The returned snapshot reflects the transfer even when an error is returned.
func (m *Manager) InitiateSend(ctx context.Context, remoteUUID string, sources []string) (models.Transfer, error) {
	prefs := m.options.Preferences()
	t := models.Transfer{
		UID:            uuid.NewString(),
		RemoteUUID:     remoteUUID,
		Direction:      models.DirectionSend,
		Status:         models.Status(models.TransferInitializing),
		StartTime:      m.options.now().UnixMilli(),
		UseCompression: prefs.UseCompression,
		Sources:        append([]string(nil), sources...),
	}

	m.mu.Lock()
	// Two sends to one remote in the same millisecond must not share a key.
	for {
		if _, taken := m.workers[t.Key()]; !taken {
			break
		}
		t.StartTime++
	}
	worker := newWorker(m.root, &m.wg, t, m.options)
	m.workers[t.Key()] = worker
	m.mu.Unlock()

	worker.publish(true)
	if err := worker.PrepareSend(); err != nil {
		return worker.Snapshot(), err
	}
	if err := worker.Offer(ctx); err != nil {
		return worker.Snapshot(), err
	}
	return worker.Snapshot(), nil
}

// RetrySend re-offers a finished outgoing transfer under the same identity.
func (m *Manager) RetrySend(ctx context.Context, key string) (models.Transfer, error) {
	old, ok := m.Get(key)
	if !ok {
		return models.Transfer{}, ErrNotFound
	}
	t := old.Snapshot()
	if t.Direction != models.DirectionSend || !t.Status.State.Terminal() {
		return t, ErrNotRetryable
	}

	t.Status = models.Status(models.TransferInitializing)
	t.BytesTransferred = 0
	t.BytesPerSecond = 0
	t.UseCompression = m.options.Preferences().UseCompression

	worker := newWorker(m.root, &m.wg, t, m.options)
	m.mu.Lock()
	m.workers[key] = worker
	m.mu.Unlock()

	worker.publish(true)
	if err := worker.PrepareSend(); err != nil {
		return worker.Snapshot(), err
	}
	if err := worker.Offer(ctx); err != nil {
		return worker.Snapshot(), err
	}
	return worker.Snapshot(), nil
}

// OnIncoming registers the offer in req from remoteUUID. A repeated offer returns the existing worker
// while it is still live and replaces it once it has finished.
func (m *Manager) OnIncoming(remoteUUID string, req *network.TransferOpRequest) (*Worker, bool) {
	if req == nil || req.Info == nil {
		return nil, false
	}
	prefs := m.options.Preferences()
	t := models.Transfer{
		UID:             uuid.NewString(),
		RemoteUUID:      remoteUUID,
		Direction:       models.DirectionReceive,
		Status:          models.Status(models.TransferInitializing),
		StartTime:       int64(req.Info.Timestamp),
		TotalSize:       int64(req.Size),
		FileCount:       int64(req.Count),
		SingleFileName:  req.NameIfSingle,
		SingleMimeType:  req.MimeIfSingle,
		TopDirBaseNames: append([]string(nil), req.TopDirBasenames...),
		UseCompression:  req.Info.UseCompression && prefs.UseCompression,
	}

	key := t.Key()
	m.mu.Lock()
	if existing, ok := m.workers[key]; ok && !existing.Snapshot().Status.State.Terminal() {
		m.mu.Unlock()
		return existing, false
	}
	// A finished transfer under the same key is a re-offer from the sender.
	worker := newWorker(m.root, &m.wg, t, m.options)
	m.workers[key] = worker
	m.mu.Unlock()

	worker.PrepareReceive()
	return worker, true
}

// Add registers a worker for t unless its key is already taken.
func (m *Manager) Add(t models.Transfer) (*Worker, bool) {
	key := t.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	if worker, ok := m.workers[key]; ok {
		return worker, false
	}
	worker := newWorker(m.root, &m.wg, t, m.options)
	m.workers[key] = worker
	return worker, true
}

// Get returns the worker registered under key.
func (m *Manager) Get(key string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	worker, ok := m.workers[key]
	return worker, ok
}

// Lookup finds a transfer by the identity both peers share.
func (m *Manager) Lookup(remoteUUID string, startTime int64) (*Worker, bool) {
	return m.Get(models.TransferKey(remoteUUID, startTime))
}

// Remove drops the worker under key regardless of its state.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	delete(m.workers, key)
	m.mu.Unlock()
}

// Clear drops a finished transfer from the live registry. Persisted history is not touched.
func (m *Manager) Clear(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[key]
	if !ok {
		return ErrNotFound
	}
	if !worker.Snapshot().Status.State.Terminal() {
		return ErrInvalidState
	}
	delete(m.workers, key)
	return nil
}

// Transfers returns snapshots of every live transfer with remoteUUID, oldest first. An empty uuid matches all.
func (m *Manager) Transfers(remoteUUID string) []models.Transfer {
	m.mu.RLock()
	out := make([]models.Transfer, 0, len(m.workers))
	for _, worker := range m.workers {
		t := worker.Snapshot()
		if remoteUUID == "" || t.RemoteUUID == remoteUUID {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].RemoteUUID < out[j].RemoteUUID
	})
	return out
}

// Close cancels running receives and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
