package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CanonicalStore wraps the single storage channel the server also reads.
// Only the reconciliation engine (on mismatch correction) and the
// cross-context broadcaster (on foreign-update adoption) may write to it.
type CanonicalStore interface {
	Get() (string, bool)
	Set(value string, ttl time.Duration) error
}

type cookieRecord struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Path    string    `json:"path"`
	Expires time.Time `json:"expires"`
}

// CookieStore is the client-side cookie jar entry carrying the device
// identifier: path-scoped to the whole origin and written with a long expiry
// so the identifier persists across ordinary sessions.
type CookieStore struct {
	path string
	name string
	mu   sync.Mutex
	now  func() time.Time
}

func NewCookieStore(path, cookieName string) *CookieStore {
	return &CookieStore{path: path, name: cookieName, now: time.Now}
}

func (c *CookieStore) Get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(c.path)
	if err != nil {
		return "", false
	}
	var rec cookieRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", false
	}
	if rec.Name != c.name || rec.Value == "" {
		return "", false
	}
	if !rec.Expires.IsZero() && !c.now().Before(rec.Expires) {
		return "", false
	}
	return rec.Value, true
}

func (c *CookieStore) Set(value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := cookieRecord{
		Name:    c.name,
		Value:   value,
		Path:    "/",
		Expires: c.now().Add(ttl),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal cookie: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// MemoryCanonicalStore keeps the canonical value in memory only. Used when
// the host application manages cookie persistence itself.
type MemoryCanonicalStore struct {
	mu      sync.Mutex
	value   string
	ok      bool
	expires time.Time
	now     func() time.Time
}

func NewMemoryCanonicalStore() *MemoryCanonicalStore {
	return &MemoryCanonicalStore{now: time.Now}
}

func (m *MemoryCanonicalStore) Get() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ok || (!m.expires.IsZero() && !m.now().Before(m.expires)) {
		return "", false
	}
	return m.value, true
}

func (m *MemoryCanonicalStore) Set(value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
	m.ok = true
	m.expires = m.now().Add(ttl)
	return nil
}
