package identity

import (
	"context"
	"sync"
	"time"
)

type record struct {
	Value     string `json:"v"`
	WrittenAt int64  `json:"t"` // unix milliseconds
}

// MemoryBackend is a synchronous in-process store. One instance scoped to a
// session models per-session storage (it survives a corrective reload because
// the session keeps holding it); a fresh instance per page models the
// ephemeral last-resort backup.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]record)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return "", false, nil
	}
	return rec.Value, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, value string, writtenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := writtenAt.UnixMilli()
	// Written-at timestamps are monotonic per key.
	if prev, ok := m.records[key]; ok && prev.WrittenAt > ts {
		ts = prev.WrittenAt
	}
	m.records[key] = record{Value: value, WrittenAt: ts}
	return nil
}
