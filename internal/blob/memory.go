package blob

import (
	"context"
	"fmt"
	"sync"
)

// Memory keeps payloads in a map guarded by an RWMutex. Data is copied
// on save and retrieval so callers cannot mutate stored buffers.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, runID, key string, data []byte) (string, error) {
	uri := fmt.Sprintf("mem://%s/%s", runID, key)
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.data[uri] = cp
	m.mu.Unlock()
	return uri, nil
}

func (m *Memory) Get(_ context.Context, uri string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.data[uri]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
