package remote

import (
	"sort"
	"sync"
)

// Manager owns one Worker per remote UUID for the life of the process.
type Manager struct {
	options Options

	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewManager validates options and returns an empty registry.
func NewManager(options Options) (*Manager, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		options: opts,
		workers: make(map[string]*Worker),
	}, nil
}

// GetOrCreate returns the worker for uuid, creating it on first use. Workers are never replaced.
func (m *Manager) GetOrCreate(uuid string) (*Worker, bool) {
	m.mu.RLock()
	worker, ok := m.workers[uuid]
	m.mu.RUnlock()
	if ok {
		return worker, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if worker, ok := m.workers[uuid]; ok {
		return worker, false
	}
	worker = newWorker(uuid, m.options)
	m.workers[uuid] = worker
	return worker, true
}

// Get returns the worker for uuid if one exists.
func (m *Manager) Get(uuid string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	worker, ok := m.workers[uuid]
	return worker, ok
}

// Workers returns all workers ordered by UUID.
func (m *Manager) Workers() []*Worker {
	m.mu.RLock()
	out := make([]*Worker, 0, len(m.workers))
	for _, worker := range m.workers {
		out = append(out, worker)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].uuid < out[j].uuid
	})
	return out
}

// Close tears down every channel without publishing status changes.
func (m *Manager) Close() {
	for _, worker := range m.Workers() {
		worker.close()
	}
}
