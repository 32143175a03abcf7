package repository

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"gowarp/models"
	"gowarp/storage"
)

// DefaultSubscriberBuffer is the per-subscriber event backlog before events are dropped.
const DefaultSubscriberBuffer = 64

var ErrUnknownRemote = errors.New("repository: unknown remote")

// EventKind tags what changed in an Event.
type EventKind uint8

const (
	EventRemoteUpdated EventKind = iota
	EventTransferUpdated
	EventTransferCleared
	EventStatusMessage
	EventRefreshing
)

func (k EventKind) String() string {
	switch k {
	case EventRemoteUpdated:
		return "remote_updated"
	case EventTransferUpdated:
		return "transfer_updated"
	case EventTransferCleared:
		return "transfer_cleared"
	case EventStatusMessage:
		return "status_message"
	case EventRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("event_kind(%d)", uint8(k))
	}
}

// Event is one change notification. Only the field matching Kind is set.
type Event struct {
	Kind       EventKind
	Remote     *models.Remote
	Transfer   *models.Transfer
	Key        string
	Message    string
	Refreshing bool
}

// Options configures a Repository.
type Options struct {
	// Store persists remotes and transfer history. Nil keeps everything in memory.
	Store            *storage.Store
	Logger           *zap.Logger
	SubscriberBuffer int
}

// Repository is the observable state of the engine: known remotes, live transfers
// and transient status. Every mutation is fanned out to subscribers.
type Repository struct {
	store  *storage.Store
	logger *zap.Logger
	buffer int

	mu         sync.RWMutex
	remotes    map[string]*models.Remote
	transfers  map[string]models.Transfer
	refreshing bool

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

// New builds a repository and loads persisted remotes, all of them starting Disconnected.
func New(options Options) (*Repository, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := options.SubscriberBuffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	r := &Repository{
		store:     options.Store,
		logger:    logger,
		buffer:    buffer,
		remotes:   make(map[string]*models.Remote),
		transfers: make(map[string]models.Transfer),
		subs:      make(map[int]chan Event),
	}

	if r.store != nil {
		records, err := r.store.ListRemotes()
		if err != nil {
			return nil, fmt.Errorf("load remotes: %w", err)
		}
		for _, record := range records {
			remote := remoteFromRecord(record)
			r.remotes[remote.UUID] = &remote
		}
	}
	return r, nil
}

// Subscribe returns a channel of future events and a function that ends the subscription.
// A subscriber that falls more than the buffer behind loses events.
func (r *Repository) Subscribe() (<-chan Event, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	ch := make(chan Event, r.buffer)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			defer r.subMu.Unlock()
			if sub, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub)
			}
		})
	}
}

// Close ends every subscription.
func (r *Repository) Close() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}

func (r *Repository) publish(event Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- event:
		default:
			r.logger.Debug("dropping repository event for slow subscriber",
				zap.Int("subscriber", id),
				zap.Stringer("kind", event.Kind))
		}
	}
}

// AddRemote inserts or replaces a remote, keeping its favorite flag and live status.
func (r *Repository) AddRemote(remote models.Remote) {
	r.mu.Lock()
	if existing, ok := r.remotes[remote.UUID]; ok {
		remote.Favorite = existing.Favorite
		remote.Status = existing.Status
		if remote.Picture == nil {
			remote.Picture = existing.Picture
		}
	}
	stored := remote.Clone()
	r.remotes[remote.UUID] = &stored
	snapshot := stored.Clone()
	r.mu.Unlock()

	r.persistRemote(snapshot)
	r.publish(Event{Kind: EventRemoteUpdated, Remote: &snapshot})
}

// UpdateRemote applies update to the remote with uuid. Unknown remotes are ignored.
func (r *Repository) UpdateRemote(uuid string, update func(*models.Remote)) {
	r.mu.Lock()
	remote, ok := r.remotes[uuid]
	if !ok {
		r.mu.Unlock()
		return
	}
	update(remote)
	remote.UUID = uuid
	snapshot := remote.Clone()
	r.mu.Unlock()

	r.persistRemote(snapshot)
	r.publish(Event{Kind: EventRemoteUpdated, Remote: &snapshot})
}

// SetRemoteStatus publishes a handshake state change.
func (r *Repository) SetRemoteStatus(uuid string, status models.RemoteStatus) {
	r.mu.Lock()
	remote, ok := r.remotes[uuid]
	if !ok || remote.Status == status {
		r.mu.Unlock()
		return
	}
	remote.Status = status
	snapshot := remote.Clone()
	r.mu.Unlock()

	r.publish(Event{Kind: EventRemoteUpdated, Remote: &snapshot})
}

// SetFavorite marks a remote as favorite and persists the flag.
func (r *Repository) SetFavorite(uuid string, favorite bool) error {
	r.mu.Lock()
	remote, ok := r.remotes[uuid]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownRemote
	}
	remote.Favorite = favorite
	snapshot := remote.Clone()
	r.mu.Unlock()

	if r.store != nil {
		r.persistRemote(snapshot)
		if err := r.store.SetRemoteFavorite(uuid, favorite); err != nil {
			return fmt.Errorf("persist favorite: %w", err)
		}
	}
	r.publish(Event{Kind: EventRemoteUpdated, Remote: &snapshot})
	return nil
}

// Remote returns a snapshot of one remote.
func (r *Repository) Remote(uuid string) (models.Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	remote, ok := r.remotes[uuid]
	if !ok {
		return models.Remote{}, false
	}
	return remote.Clone(), true
}

// Remotes returns all remotes, favorites first, then by name.
func (r *Repository) Remotes() []models.Remote {
	r.mu.RLock()
	out := make([]models.Remote, 0, len(r.remotes))
	for _, remote := range r.remotes {
		out = append(out, remote.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Favorite != out[j].Favorite {
			return out[i].Favorite
		}
		ni, nj := strings.ToLower(out[i].Name()), strings.ToLower(out[j].Name())
		if ni != nj {
			return ni < nj
		}
		return out[i].UUID < out[j].UUID
	})
	return out
}

// UpsertTransfer records a transfer snapshot. Terminal states are written to history.
func (r *Repository) UpsertTransfer(t models.Transfer) {
	snapshot := t.Clone()
	r.mu.Lock()
	r.transfers[t.Key()] = snapshot
	r.mu.Unlock()

	if t.Status.State.Terminal() {
		r.persistTransfer(snapshot)
	}
	published := snapshot.Clone()
	r.publish(Event{Kind: EventTransferUpdated, Transfer: &published})
}

// ClearTransfer drops a transfer from the live list. History is kept.
func (r *Repository) ClearTransfer(key string) {
	r.mu.Lock()
	_, ok := r.transfers[key]
	delete(r.transfers, key)
	r.mu.Unlock()
	if ok {
		r.publish(Event{Kind: EventTransferCleared, Key: key})
	}
}

// Transfer returns the live transfer under key.
func (r *Repository) Transfer(key string) (models.Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transfers[key]
	if !ok {
		return models.Transfer{}, false
	}
	return t.Clone(), true
}

// Transfers returns the live transfers of one remote, newest first.
func (r *Repository) Transfers(remoteUUID string) []models.Transfer {
	r.mu.RLock()
	out := make([]models.Transfer, 0)
	for _, t := range r.transfers {
		if t.RemoteUUID == remoteUUID {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime > out[j].StartTime
	})
	return out
}

// History returns persisted transfers of one remote, newest first.
func (r *Repository) History(remoteUUID string, limit int) ([]storage.TransferRecord, error) {
	if r.store == nil {
		return nil, nil
	}
	records, err := r.store.ListTransfers(remoteUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return records, nil
}

// SecurityEvents returns the pairing audit trail of one remote, newest first.
func (r *Repository) SecurityEvents(remoteUUID string, limit int) ([]storage.SecurityEvent, error) {
	if r.store == nil {
		return nil, nil
	}
	events, err := r.store.ListSecurityEvents(remoteUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("load security events: %w", err)
	}
	return events, nil
}

// PostStatusMessage broadcasts a short human-readable notice.
func (r *Repository) PostStatusMessage(message string) {
	r.publish(Event{Kind: EventStatusMessage, Message: message})
}

// SetRefreshing raises or clears the discovery refresh indicator.
func (r *Repository) SetRefreshing(refreshing bool) {
	r.mu.Lock()
	if r.refreshing == refreshing {
		r.mu.Unlock()
		return
	}
	r.refreshing = refreshing
	r.mu.Unlock()
	r.publish(Event{Kind: EventRefreshing, Refreshing: refreshing})
}

// Refreshing reports whether a user-requested rescan is in progress.
func (r *Repository) Refreshing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshing
}

func (r *Repository) persistRemote(remote models.Remote) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertRemote(recordFromRemote(remote)); err != nil {
		r.logger.Warn("failed to persist remote", zap.String("remote", remote.UUID), zap.Error(err))
	}
}

func (r *Repository) persistTransfer(t models.Transfer) {
	if r.store == nil || t.UID == "" {
		return
	}
	if err := r.store.SaveTransfer(recordFromTransfer(t)); err != nil {
		r.logger.Warn("failed to persist transfer", zap.String("transfer", t.Key()), zap.Error(err))
	}
}
