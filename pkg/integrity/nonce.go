package integrity

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultNonceCapacity bounds the in-memory replay cache.
const DefaultNonceCapacity = 100_000

// NonceStore records consumed nonces. CheckAndRecord must be atomic: two
// concurrent calls with the same fresh nonce must not both report it fresh.
type NonceStore interface {
	// CheckAndRecord reports whether nonce was fresh, consuming it if so.
	// On a replay it also returns when the nonce was first recorded, so the
	// verdict can carry the original consumption time as evidence.
	CheckAndRecord(ctx context.Context, nonce string) (bool, time.Time, error)
	// Reset clears all recorded nonces.
	Reset(ctx context.Context) error
}

type nonceEntry struct {
	nonce string
	seen  time.Time
}

// MemoryNonceStore is a bounded in-memory NonceStore. When the store is full,
// the oldest recorded nonce is evicted; the rest of the cache stays intact, so
// a full store never opens a replay window wider than one entry.
type MemoryNonceStore struct {
	mu       sync.Mutex
	seen     map[string]*list.Element
	order    *list.List
	capacity int
	now      func() time.Time
}

// NewMemoryNonceStore creates a store holding at most capacity nonces.
// Non-positive capacities select the default.
func NewMemoryNonceStore(capacity int) *MemoryNonceStore {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	return &MemoryNonceStore{
		seen:     make(map[string]*list.Element, capacity),
		order:    list.New(),
		capacity: capacity,
		now:      time.Now,
	}
}

// CheckAndRecord implements NonceStore. It never returns an error.
func (s *MemoryNonceStore) CheckAndRecord(_ context.Context, nonce string) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, replayed := s.seen[nonce]; replayed {
		return false, elem.Value.(nonceEntry).seen, nil
	}

	if s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.seen, oldest.Value.(nonceEntry).nonce)
	}

	s.seen[nonce] = s.order.PushBack(nonceEntry{nonce: nonce, seen: s.now()})
	return true, time.Time{}, nil
}

// Reset implements NonceStore.
func (s *MemoryNonceStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]*list.Element, s.capacity)
	s.order.Init()
	return nil
}

// Len reports how many nonces are currently recorded.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
