package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// EventResolved is emitted when a service appears or its record changes.
	EventResolved EventType = "resolved"
	// EventRemoved is emitted when a previously seen service goes stale.
	EventRemoved EventType = "removed"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type    EventType
	Service ServiceRecord
}

// ServiceRecord is a resolved announcement of a remote node.
type ServiceRecord struct {
	// UUID is the announced instance name.
	UUID     string
	Hostname string
	// Address is the first IPv4 address of the record, nil if it carried none.
	Address  net.IP
	Port     int
	AuthPort int
	API      int
	LastSeen time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner discovers remotes with periodic and on-demand browse windows.
type Scanner struct {
	cfg    Config
	logger *zap.Logger

	browse browseFunc
	now    func() time.Time

	mu       sync.RWMutex
	services map[string]ServiceRecord
	// flushed holds instances whose flush record was seen since their last resolve.
	flushed map[string]bool

	events chan Event
	errs   chan error

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	return &Scanner{
		cfg:             cfg,
		logger:          cfg.Logger,
		browse:          cfg.browseFn,
		now:             time.Now,
		services:        make(map[string]ServiceRecord),
		flushed:         make(map[string]bool),
		events:          make(chan Event, 128),
		errs:            make(chan error, 8),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background browsing.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background browsing and closes Events and Errors.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
		close(s.errs)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Errors reports browse failures; ErrInitFailed marks a resolver that could not start.
func (s *Scanner) Errors() <-chan error {
	return s.errs
}

// Refresh triggers an immediate browse and waits for it to finish.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// Rescan is a user-requested Refresh. The refreshing flag is raised for its
// duration and cleared no sooner than RescanDebounce after it was raised.
func (s *Scanner) Rescan(ctx context.Context) error {
	started := s.now()
	s.setRefreshing(true)

	err := s.Refresh(ctx)

	remaining := s.cfg.RescanDebounce - s.now().Sub(started)
	if remaining <= 0 {
		s.setRefreshing(false)
	} else {
		time.AfterFunc(remaining, func() { s.setRefreshing(false) })
	}
	return err
}

// Services returns the current snapshot of resolved services.
func (s *Scanner) Services() []ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ServiceRecord, 0, len(s.services))
	for _, record := range s.services {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UUID < out[j].UUID
	})
	return out
}

func (s *Scanner) setRefreshing(refreshing bool) {
	if s.cfg.OnRefreshing != nil {
		s.cfg.OnRefreshing(refreshing)
	}
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the list immediately.
	s.reportError(s.runScan(context.Background()))

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportError(s.runScan(context.Background()))
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	stopWatch := context.AfterFunc(requestCtx, cancel)
	defer stopWatch()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]ServiceRecord)
	flushes := make(map[string]bool)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				// The zeroconf resolver closes entries when its browse ends.
				if !ok {
					return
				}
				if id, ok := flushedInstance(entry, s.cfg.SelfID); ok {
					collectedMu.Lock()
					flushes[id] = true
					collectedMu.Unlock()
					continue
				}
				record, ok := parseEntry(entry, s.cfg.SelfID)
				if !ok {
					continue
				}
				record.LastSeen = s.now()
				collectedMu.Lock()
				collected[record.UUID] = record
				collectedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next, flushes)

	// A timeout just means this browse window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// applySnapshot merges one browse window. Records absent from the window are
// kept until they have not been seen for StaleAfter. A real record following a
// flush record of the same instance is always resolved again, since the remote
// restarted and expects a fresh connection.
func (s *Scanner) applySnapshot(seen map[string]ServiceRecord, flushes map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range flushes {
		s.flushed[id] = true
	}

	now := s.now()
	for id, record := range seen {
		old, exists := s.services[id]
		s.services[id] = record
		if !exists || !recordsEqual(old, record) || s.flushed[id] {
			delete(s.flushed, id)
			s.emitEvent(Event{Type: EventResolved, Service: record})
		}
	}

	for id, record := range s.services {
		if _, fresh := seen[id]; fresh {
			continue
		}
		if now.Sub(record.LastSeen) < s.cfg.StaleAfter {
			continue
		}
		delete(s.services, id)
		delete(s.flushed, id)
		s.emitEvent(Event{Type: EventRemoved, Service: record})
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Warn("discovery event dropped", zap.String("type", string(event.Type)), zap.String("remote", event.Service.UUID))
	}
}

func (s *Scanner) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

// parseEntry turns a browse result into a record. Our own announcement, "flush"
// records and records without a hostname are dropped.
func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (ServiceRecord, bool) {
	if entry == nil {
		return ServiceRecord{}, false
	}
	name := strings.TrimSpace(entry.Instance)
	if name == "" || name == selfID {
		return ServiceRecord{}, false
	}

	txt := txtToMap(entry.Text)
	if txt[txtType] == recordTypeFlush {
		return ServiceRecord{}, false
	}
	hostname, ok := txt[txtHostname]
	if !ok {
		return ServiceRecord{}, false
	}

	return ServiceRecord{
		UUID:     name,
		Hostname: hostname,
		Address:  firstIPv4(entry.AddrIPv4),
		Port:     entry.Port,
		AuthPort: txtInt(txt, txtAuthPort, 0),
		API:      txtInt(txt, txtAPIVersion, 1),
	}, true
}

// flushedInstance reports the instance name of a remote's flush record.
func flushedInstance(entry *zeroconf.ServiceEntry, selfID string) (string, bool) {
	if entry == nil {
		return "", false
	}
	name := strings.TrimSpace(entry.Instance)
	if name == "" || name == selfID {
		return "", false
	}
	return name, txtToMap(entry.Text)[txtType] == recordTypeFlush
}

func firstIPv4(addrs []net.IP) net.IP {
	for _, ip := range addrs {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

func txtInt(txt map[string]string, key string, fallback int) int {
	raw, ok := txt[key]
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func recordsEqual(a, b ServiceRecord) bool {
	return a.UUID == b.UUID &&
		a.Hostname == b.Hostname &&
		a.Address.Equal(b.Address) &&
		a.Port == b.Port &&
		a.AuthPort == b.AuthPort &&
		a.API == b.API
}
