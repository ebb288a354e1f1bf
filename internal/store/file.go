package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// FileStore persists one JSON file per key inside a directory and derives
// its change-notification feed from filesystem events, so several processes
// sharing the directory see each other's writes, the writer's own included.
// Writes go through a temp file + rename, the same atomicity discipline the
// rest of the codebase uses for on-disk state.
type FileStore struct {
	dir      string
	maxBytes uint64

	mu       sync.Mutex
	lastSeen map[string][]byte
	watchers map[int]chan Event
	nextID   int
	watcher  *fsnotify.Watcher
	closed   bool
	wg       sync.WaitGroup
}

const fileStoreSuffix = ".json"

func NewFileStore(dir string, maxBytes uint64) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s := &FileStore{
		dir:      dir,
		maxBytes: maxBytes,
		lastSeen: map[string][]byte{},
		watchers: map[int]chan Event{},
		watcher:  watcher,
	}
	s.seedLastSeen()
	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

func (s *FileStore) seedLastSeen() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileStoreSuffix) {
			continue
		}
		key, ok := decodeKey(entry.Name())
		if !ok {
			continue
		}
		if data, err := os.ReadFile(filepath.Join(s.dir, entry.Name())); err == nil {
			s.lastSeen[key] = data
		}
	}
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidInput
	}
	data, err := os.ReadFile(s.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if key == "" || len(value) == 0 {
		return ErrInvalidInput
	}
	path := s.keyPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidInput
	}
	err := os.Remove(s.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) Watch(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++
	ch := make(chan Event, 64)
	s.watchers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if existing, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(existing)
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *FileStore) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, fileStoreSuffix) {
				continue
			}
			key, ok := decodeKey(name)
			if !ok {
				continue
			}
			s.emitChange(key)
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *FileStore) emitChange(key string) {
	data, err := os.ReadFile(s.keyPath(key))
	removed := errors.Is(err, os.ErrNotExist)
	if err != nil && !removed {
		return
	}
	s.mu.Lock()
	old := s.lastSeen[key]
	if !removed && bytes.Equal(old, data) {
		// Rename after an identical rewrite; nothing changed.
		s.mu.Unlock()
		return
	}
	if removed {
		delete(s.lastSeen, key)
	} else {
		s.lastSeen[key] = data
	}
	watchers := make([]chan Event, 0, len(s.watchers))
	for _, ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()
	event := Event{Key: key, OldValue: old, NewValue: data}
	for _, ch := range watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Estimate reports filesystem headroom via statfs, capped by the configured
// per-store budget when one is set.
func (s *FileStore) Estimate() (uint64, uint64, error) {
	var used uint64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			used += uint64(info.Size())
		}
	}
	if s.maxBytes > 0 {
		return used, s.maxBytes, nil
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(s.dir, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total - free, total, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	s.mu.Unlock()
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *FileStore) keyPath(key string) string {
	return filepath.Join(s.dir, encodeKey(key)+fileStoreSuffix)
}

// Keys are hex-encoded in file names so arbitrary key strings cannot escape
// the store directory.
func encodeKey(key string) string {
	return hex.EncodeToString([]byte(key))
}

func decodeKey(fileName string) (string, bool) {
	name := strings.TrimSuffix(fileName, fileStoreSuffix)
	raw, err := hex.DecodeString(name)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
