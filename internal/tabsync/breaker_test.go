package tabsync

import (
	"testing"
	"time"
)

func TestBreakerTripsAtOpenThreshold(t *testing.T) {
	b := NewCircuitBreaker(testLog(), "test", 5, 2, 0)
	if !b.Observe(4) {
		t.Fatalf("load below the open threshold must pass")
	}
	if b.Observe(5) {
		t.Fatalf("load at the open threshold must be rejected")
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}
	if b.TripTotal() != 1 {
		t.Fatalf("expected 1 trip, got %d", b.TripTotal())
	}
}

func TestBreakerHysteresis(t *testing.T) {
	b := NewCircuitBreaker(testLog(), "test", 5, 2, 0)
	b.Observe(5)
	// Load between the two thresholds keeps the breaker open; only a drain
	// to the reset threshold closes it again.
	if b.Observe(4) {
		t.Fatalf("load between thresholds must stay rejected")
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected OPEN between thresholds, got %s", b.State())
	}
	if !b.Observe(2) {
		t.Fatalf("load at the reset threshold must reclose the breaker")
	}
	if b.State() != BreakerClosed {
		t.Fatalf("expected CLOSED after drain, got %s", b.State())
	}
}

func TestBreakerCooldownRecloses(t *testing.T) {
	b := NewCircuitBreaker(testLog(), "test", 5, 2, 10*time.Millisecond)
	b.Observe(5)
	if b.State() != BreakerOpen {
		t.Fatalf("expected OPEN after trip")
	}
	time.Sleep(30 * time.Millisecond)
	if !b.Observe(3) {
		t.Fatalf("breaker must reclose after the cooldown elapses")
	}
}

func TestBreakerTripHandler(t *testing.T) {
	b := NewCircuitBreaker(testLog(), "test", 5, 2, 0)
	var tripped []int
	b.SetTripHandler(func(load int) { tripped = append(tripped, load) })
	b.Observe(7)
	if len(tripped) != 1 || tripped[0] != 7 {
		t.Fatalf("expected trip handler with load 7, got %v", tripped)
	}
	b.Observe(6)
	if len(tripped) != 1 {
		t.Fatalf("handler must fire only on the open transition, got %v", tripped)
	}
	if b.RejectTotal() != 2 {
		t.Fatalf("expected 2 rejects, got %d", b.RejectTotal())
	}
}

func TestBreakerDefaultThresholds(t *testing.T) {
	b := NewCircuitBreaker(testLog(), "test", 0, 0, 0)
	if !b.Observe(9) {
		t.Fatalf("default open threshold is 10; load 9 must pass")
	}
	if b.Observe(10) {
		t.Fatalf("default open threshold is 10; load 10 must trip")
	}
	if !b.Observe(3) {
		t.Fatalf("default reset threshold is a third of open; load 3 must reclose")
	}
}
