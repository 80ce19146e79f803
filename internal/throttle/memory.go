package throttle

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps attempt windows in a process-local map.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]Window
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]Window)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Window, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	return w, ok, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, w Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[key] = w
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, key)
	return nil
}

func (m *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.windows {
		if w.WindowStart.Before(cutoff) {
			delete(m.windows, key)
		}
	}
	return nil
}
