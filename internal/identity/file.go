package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileBackend is the persistent origin-scoped store: a JSON state file shared
// by every execution context on the device that uses the same state
// directory. Writes are atomic (temp file + rename) so a concurrent reader
// never observes a torn file.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (f *FileBackend) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, err := f.load()
	if err != nil {
		return "", false, err
	}
	rec, ok := records[key]
	if !ok {
		return "", false, nil
	}
	return rec.Value, true, nil
}

func (f *FileBackend) Set(_ context.Context, key, value string, writtenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, err := f.load()
	if err != nil {
		// A corrupt or unreadable state file must not block new writes.
		records = make(map[string]record)
	}
	ts := writtenAt.UnixMilli()
	if prev, ok := records[key]; ok && prev.WrittenAt > ts {
		ts = prev.WrittenAt
	}
	records[key] = record{Value: value, WrittenAt: ts}
	return f.store(records)
}

func (f *FileBackend) load() (map[string]record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]record), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	records := make(map[string]record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: parse state file: %v", ErrUnavailable, err)
	}
	return records, nil
}

func (f *FileBackend) store(records map[string]record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal state file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Watch registers a filesystem watcher on the state file and reports every
// change to the given key, including the new stored (still encoded) value.
func (f *FileBackend) Watch(key string) (ChangeSubscription, error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare state dir %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create state watcher: %w", err)
	}
	// Watch the directory, not the file: atomic renames replace the inode.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch state dir %q: %w", dir, err)
	}
	sub := &fileSubscription{
		backend: f,
		key:     key,
		file:    filepath.Base(f.path),
		watcher: watcher,
		changes: make(chan Change, 1),
		stop:    make(chan struct{}),
	}
	if rec, ok := sub.current(); ok {
		sub.last = rec
	}
	go sub.run()
	return sub, nil
}

type fileSubscription struct {
	backend *FileBackend
	key     string
	file    string
	watcher *fsnotify.Watcher
	changes chan Change
	stop    chan struct{}
	last    string
	once    sync.Once
}

func (s *fileSubscription) Changes() <-chan Change {
	return s.changes
}

func (s *fileSubscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.watcher.Close()
	})
	return nil
}

func (s *fileSubscription) run() {
	defer close(s.changes)
	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != s.file {
				continue
			}
			s.emit()
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *fileSubscription) emit() {
	value, ok := s.current()
	if !ok || value == s.last {
		return
	}
	s.last = value
	select {
	case s.changes <- Change{Key: s.key, Raw: value}:
	case <-s.stop:
	}
}

func (s *fileSubscription) current() (string, bool) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	records, err := s.backend.load()
	if err != nil {
		return "", false
	}
	rec, ok := records[s.key]
	if !ok {
		return "", false
	}
	return rec.Value, true
}
