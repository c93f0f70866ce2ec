package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory checkpoint store for testing.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]storedCheckpoint // flowID -> checkpoint
	closed bool
}

// storedCheckpoint holds checkpoint data with metadata for List().
type storedCheckpoint struct {
	data      []byte
	revision  int
	updatedAt time.Time
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]storedCheckpoint),
	}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, flowID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	// Copy data to avoid retaining caller's slice
	stored := make([]byte, len(data))
	copy(stored, data)

	m.data[flowID] = storedCheckpoint{
		data:      stored,
		revision:  m.data[flowID].revision + 1,
		updatedAt: time.Now().UTC(),
	}
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, flowID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	cp, ok := m.data[flowID]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy to prevent modification
	result := make([]byte, len(cp.data))
	copy(result, cp.data)
	return result, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	infos := make([]Info, 0, len(m.data))
	for flowID, cp := range m.data {
		infos = append(infos, Info{
			FlowID:    flowID,
			Revision:  cp.revision,
			UpdatedAt: cp.updatedAt,
			Size:      int64(len(cp.data)),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].FlowID < infos[j].FlowID
	})
	return infos, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.data, flowID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Len returns the number of stored checkpoints.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
