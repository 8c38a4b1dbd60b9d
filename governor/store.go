package governor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// KeyState is the mutable per-fingerprint governor state.
type KeyState struct {
	limiter  *rate.Limiter
	breaker  breakerState
	failures []time.Time
	openedAt time.Time
}

// StateStore serializes access to keyed governor state. Update runs fn
// under the key's lock; slot accounting is global.
type StateStore interface {
	Update(key string, fn func(*KeyState))
	AcquireSlot(max int) bool
	SlotAvailable(max int) bool
	ReleaseSlot()
}

// MemoryStore is the default in-process StateStore.
type MemoryStore struct {
	mu     sync.Mutex
	keys   map[string]*KeyState
	active int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*KeyState)}
}

func (m *MemoryStore) Update(key string, fn func(*KeyState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks := m.keys[key]
	if ks == nil {
		ks = &KeyState{}
		m.keys[key] = ks
	}
	fn(ks)
}

func (m *MemoryStore) AcquireSlot(max int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active >= max {
		return false
	}
	m.active++
	return true
}

func (m *MemoryStore) SlotAvailable(max int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active < max
}

func (m *MemoryStore) ReleaseSlot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active > 0 {
		m.active--
	}
}
