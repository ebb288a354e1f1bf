package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTableName        = "tabsync_state"
	postgresNotifyChannel    = "tabsync_changes"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one row per key and uses LISTEN/NOTIFY as the
// change-notification feed, so every connected instance (the writer
// included) learns about a write within the notification round-trip. The
// notification payload carries only the key; watchers re-read the row, which
// keeps payloads under the NOTIFY size limit.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu       sync.Mutex
	lastSeen map[string][]byte
	maxBytes uint64
}

func NewPostgresStore(dsn string, maxBytes uint64) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
		lastSeen:  map[string][]byte{},
		maxBytes:  maxBytes,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, pq.QuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT value FROM %s WHERE state_key = $1", pq.QuoteIdentifier(s.tableName))
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	if key == "" || len(value) == 0 {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, pq.QuoteIdentifier(s.tableName))
	if _, err := tx.ExecContext(ctx, query, key, string(value)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresNotifyChannel, key); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE state_key = $1", pq.QuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresNotifyChannel, key)
	return err
}

func (s *PostgresStore) Watch(ctx context.Context) (<-chan Event, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	listener := pq.NewListener(s.dsn, 100*time.Millisecond, 10*time.Second, nil)
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer func() { _ = listener.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case notification, ok := <-listener.Notify:
				if !ok {
					return
				}
				if notification == nil {
					// Reconnect marker from the listener; re-read below
					// would need a key, so skip it.
					continue
				}
				key := notification.Extra
				event, ok := s.buildEvent(ctx, key)
				if !ok {
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (s *PostgresStore) buildEvent(ctx context.Context, key string) (Event, bool) {
	value, err := s.Get(ctx, key)
	removed := errors.Is(err, ErrNotFound)
	if err != nil && !removed {
		return Event{}, false
	}
	s.mu.Lock()
	old := s.lastSeen[key]
	if !removed && bytes.Equal(old, value) {
		s.mu.Unlock()
		return Event{}, false
	}
	if removed {
		delete(s.lastSeen, key)
	} else {
		s.lastSeen[key] = value
	}
	s.mu.Unlock()
	return Event{Key: key, OldValue: old, NewValue: value}, true
}

func (s *PostgresStore) Estimate() (uint64, uint64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var used uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(pg_total_relation_size($1::regclass), 0)", s.tableName).Scan(&used)
	if err != nil {
		return 0, 0, err
	}
	total := s.maxBytes
	if total == 0 {
		total = 64 << 20
	}
	return used, total, nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
