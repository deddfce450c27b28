package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/clarifier/internal/metrics"
	"github.com/Kocoro-lab/clarifier/internal/state"
)

// MemoryStore keeps conversations in process memory
type MemoryStore struct {
	logger *zap.Logger
	clock  func() time.Time

	mu     sync.RWMutex
	items  map[string]*state.ConversationState
	locked map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		logger: logger,
		clock:  time.Now,
		items:  make(map[string]*state.ConversationState),
		locked: make(map[string]struct{}),
	}
}

// Put stores a copy of st
func (m *MemoryStore) Put(ctx context.Context, st *state.ConversationState) error {
	if st == nil {
		return fmt.Errorf("conversation state is nil")
	}
	if st.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidState)
	}

	m.mu.Lock()
	m.items[st.ID] = st.Clone()
	metrics.StoreSize.WithLabelValues("memory").Set(float64(len(m.items)))
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the stored state for id
func (m *MemoryStore) Get(ctx context.Context, id string) (*state.ConversationState, error) {
	m.mu.RLock()
	st, ok := m.items[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	now := m.clock()
	if !st.IsExpired(now) {
		return st.Clone(), nil
	}

	// A Put may have replaced the entry after the read lock was released
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !current.IsExpired(now) {
		return current.Clone(), nil
	}
	delete(m.items, id)
	metrics.StoreSize.WithLabelValues("memory").Set(float64(len(m.items)))
	metrics.StoreEvictions.WithLabelValues("memory").Inc()
	return nil, ErrNotFound
}

// Delete removes id; deleting an unknown id is not an error
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.items, id)
	metrics.StoreSize.WithLabelValues("memory").Set(float64(len(m.items)))
	m.mu.Unlock()
	return nil
}

// Lock marks id as held until the returned function is called
func (m *MemoryStore) Lock(ctx context.Context, id string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locked[id]; held {
		return nil, ErrBusy
	}
	m.locked[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locked, id)
			m.mu.Unlock()
		})
	}, nil
}

// Len returns the number of stored conversations, expired ones included
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// CleanupExpired evicts every expired conversation that is not locked
func (m *MemoryStore) CleanupExpired(ctx context.Context) int {
	now := m.clock()

	m.mu.Lock()
	cleaned := 0
	for id, st := range m.items {
		if _, held := m.locked[id]; held {
			continue
		}
		if st.IsExpired(now) {
			delete(m.items, id)
			cleaned++
		}
	}
	size := len(m.items)
	m.mu.Unlock()

	metrics.StoreSize.WithLabelValues("memory").Set(float64(size))
	if cleaned > 0 {
		metrics.StoreEvictions.WithLabelValues("memory").Add(float64(cleaned))
		m.logger.Info("Evicted expired conversations", zap.Int("count", cleaned))
	}
	return cleaned
}

// StartJanitor evicts expired conversations every interval until ctx is done
func (m *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupExpired(ctx)
			}
		}
	}()
}
