package tabsync

import (
	"context"
	"testing"
	"time"
)

func TestIdentityStartsInitializing(t *testing.T) {
	r := NewIdentityResolver(testLog())
	id := r.Identity()
	if id.State != IdentityInitializing {
		t.Fatalf("expected INITIALIZING, got %s", id.State)
	}
	if id.Ready() {
		t.Fatalf("unresolved identity must not report ready")
	}
	if id.InstanceID == "" {
		t.Fatalf("instance id must be assigned at construction")
	}
}

func TestSetIdentityResolvesReady(t *testing.T) {
	r := NewIdentityResolver(testLog())
	r.SetIdentity(7, strPtr("w1"))
	id := r.Identity()
	if id.State != IdentityReady {
		t.Fatalf("expected READY, got %s", id.State)
	}
	if id.OwnerID == nil || *id.OwnerID != 7 {
		t.Fatalf("expected owner 7, got %v", id.OwnerID)
	}
	if id.ScopeID == nil || *id.ScopeID != "w1" {
		t.Fatalf("expected scope w1, got %v", id.ScopeID)
	}
}

func TestSetIdentityWithoutScopeIsLegacyFallback(t *testing.T) {
	r := NewIdentityResolver(testLog())
	r.SetIdentity(7, nil)
	id := r.Identity()
	if id.State != IdentityLegacyFallback {
		t.Fatalf("expected LEGACY_FALLBACK, got %s", id.State)
	}
	if !id.Ready() {
		t.Fatalf("legacy fallback still counts as resolved")
	}
}

func TestFirstResolutionWins(t *testing.T) {
	r := NewIdentityResolver(testLog())
	r.SetIdentity(7, strPtr("w1"))
	r.SetIdentity(99, strPtr("w2"))
	id := r.Identity()
	if *id.OwnerID != 7 || *id.ScopeID != "w1" {
		t.Fatalf("repeat resolution must be ignored, got owner=%d scope=%s", *id.OwnerID, *id.ScopeID)
	}
}

func TestWaitForIdentityTimesOut(t *testing.T) {
	r := NewIdentityResolver(testLog())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	id, ok := r.WaitForIdentity(ctx)
	if ok {
		t.Fatalf("expected timeout, got resolved identity %+v", id)
	}
	if id.State != IdentityInitializing {
		t.Fatalf("partial identity should still be INITIALIZING, got %s", id.State)
	}
}

func TestWaitForIdentityUnblocksOnResolution(t *testing.T) {
	r := NewIdentityResolver(testLog())
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.SetIdentity(7, strPtr("w1"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, ok := r.WaitForIdentity(ctx)
	if !ok {
		t.Fatalf("expected resolution before deadline")
	}
	if *id.OwnerID != 7 {
		t.Fatalf("expected owner 7, got %d", *id.OwnerID)
	}
}

func TestMarkLegacyFallbackResolvesWithoutOwner(t *testing.T) {
	r := NewIdentityResolver(testLog())
	r.MarkLegacyFallback()
	id := r.Identity()
	if id.State != IdentityLegacyFallback {
		t.Fatalf("expected LEGACY_FALLBACK, got %s", id.State)
	}
	if id.OwnerID != nil {
		t.Fatalf("fallback must not invent an owner id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := r.WaitForIdentity(ctx); !ok {
		t.Fatalf("fallback must release waiters")
	}
}
