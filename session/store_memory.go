package session

import (
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store.
// Sessions are lost on server restart.
type MemoryStore struct {
	mu          sync.RWMutex
	data        map[string]State
	idleTimeout time.Duration
	opts        storeOptions
	stopOnce    sync.Once
	stopCh      chan struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory session store.
// idleTimeout of 0 disables idle timeout checking.
func NewMemoryStore(idleTimeout time.Duration, opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		data:        make(map[string]State),
		idleTimeout: idleTimeout,
		opts:        newStoreOptions(opts),
		stopCh:      make(chan struct{}),
	}
	go sweeper(s.opts.sweepInterval, s.stopCh, s.sweepExpired)
	return s
}

// Close stops the background sweep.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) Get(id string) (State, bool) {
	s.mu.RLock()
	state, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return State{}, false
	}
	if !state.live(s.opts.now(), s.idleTimeout) {
		s.Delete(id)
		return State{}, false
	}
	return state, true
}

func (s *MemoryStore) Put(id string, state State) {
	s.mu.Lock()
	s.data[id] = state
	s.mu.Unlock()
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
}

// Len returns the number of stored sessions, live or not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemoryStore) sweepExpired() {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.data {
		if !state.live(now, s.idleTimeout) {
			delete(s.data, id)
		}
	}
}
