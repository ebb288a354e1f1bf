package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStoreRoundtrip(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"), 0, 0)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	value, err := s.Get(ctx, "k")
	if err != nil || string(value) != "v2" {
		t.Fatalf("roundtrip failed: %q %v", value, err)
	}
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestSQLiteStoreWatchPollsChanges(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"), 20*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	if err := s.Set(context.Background(), "k", []byte("v1")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	select {
	case event := <-events:
		if event.Key != "k" || string(event.NewValue) != "v1" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("version poll never surfaced the write")
	}

	if err := s.Remove(context.Background(), "k"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	select {
	case event := <-events:
		if event.Key != "k" || len(event.NewValue) != 0 {
			t.Fatalf("expected deletion event, got %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("deletion never surfaced")
	}
}
