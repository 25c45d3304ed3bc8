package messagelog

import (
	"context"
	"sync"

	"wa-gateway-lite/internal/model"
)

const defaultMemoryCapacity = 1000

// Memory keeps the most recent entries in process memory. Once capacity is
// reached the oldest entries are discarded.
type Memory struct {
	mu       sync.RWMutex
	entries  []model.MessageEntry
	capacity int
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &Memory{capacity: capacity}
}

func (m *Memory) Append(_ context.Context, entry model.MessageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, entry)
	if over := len(m.entries) - m.capacity; over > 0 {
		m.entries = append([]model.MessageEntry(nil), m.entries[over:]...)
	}
	return nil
}

func (m *Memory) List(_ context.Context, limit int) ([]model.MessageEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	result := make([]model.MessageEntry, 0, min(limit, len(m.entries)))
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, m.entries[i])
	}
	return result, nil
}

func (m *Memory) Close() error { return nil }
