package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteOperationTimeout   = 5 * time.Second
	defaultSQLitePollPeriod  = 150 * time.Millisecond
	sqliteCreateTableColumns = `
		CREATE TABLE IF NOT EXISTS tabsync_state (
			state_key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)`
)

// SQLiteStore keeps one row per key with a monotonically increasing version
// column. SQLite has no cross-process notification primitive, so the change
// feed polls the version column; the default period keeps observed delivery
// delay inside the 50-250ms envelope the engine is designed for.
type SQLiteStore struct {
	path       string
	pollPeriod time.Duration
	maxBytes   uint64

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu       sync.Mutex
	lastSeen map[string]sqliteRow
}

type sqliteRow struct {
	value   []byte
	version int64
}

func NewSQLiteStore(path string, pollPeriod time.Duration, maxBytes uint64) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if pollPeriod <= 0 {
		pollPeriod = defaultSQLitePollPeriod
	}
	return &SQLiteStore{
		path:       path,
		pollPeriod: pollPeriod,
		maxBytes:   maxBytes,
		lastSeen:   map[string]sqliteRow{},
	}, nil
}

func (s *SQLiteStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, sqliteCreateTableColumns); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM tabsync_state WHERE state_key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if key == "" || len(value) == 0 {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tabsync_state (state_key, value, version, updated_at)
		VALUES (?, ?, 1, datetime('now'))
		ON CONFLICT (state_key)
		DO UPDATE SET value = excluded.value, version = tabsync_state.version + 1, updated_at = excluded.updated_at`,
		key, string(value))
	return err
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM tabsync_state WHERE state_key = ?", key)
	return err
}

func (s *SQLiteStore) Watch(ctx context.Context) (<-chan Event, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.pollPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, event := range s.poll(ctx) {
					select {
					case ch <- event:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

func (s *SQLiteStore) poll(ctx context.Context) []Event {
	rows, err := s.db.QueryContext(ctx,
		"SELECT state_key, value, version FROM tabsync_state")
	if err != nil {
		return nil
	}
	defer rows.Close()

	current := map[string]sqliteRow{}
	for rows.Next() {
		var key, value string
		var version int64
		if err := rows.Scan(&key, &value, &version); err != nil {
			continue
		}
		current[key] = sqliteRow{value: []byte(value), version: version}
	}

	var events []Event
	s.mu.Lock()
	for key, row := range current {
		old, seen := s.lastSeen[key]
		if seen && old.version == row.version && bytes.Equal(old.value, row.value) {
			continue
		}
		events = append(events, Event{Key: key, OldValue: old.value, NewValue: row.value})
		s.lastSeen[key] = row
	}
	for key, old := range s.lastSeen {
		if _, stillThere := current[key]; !stillThere {
			events = append(events, Event{Key: key, OldValue: old.value})
			delete(s.lastSeen, key)
		}
	}
	s.mu.Unlock()
	return events
}

func (s *SQLiteStore) Estimate() (uint64, uint64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	var pageCount, pageSize uint64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, 0, err
	}
	total := s.maxBytes
	if total == 0 {
		total = 64 << 20
	}
	return pageCount * pageSize, total, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
