package tabsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState is the circuit breaker's position.
type BreakerState string

const (
	BreakerClosed BreakerState = "CLOSED"
	BreakerOpen   BreakerState = "OPEN"
)

// CircuitBreaker blocks an operation stream once load crosses a high
// threshold and re-admits it after load drains below a lower one. The gap
// between the two thresholds is deliberate hysteresis so the breaker does
// not flap around a single boundary value. The same state machine guards
// both the write queue and the ephemeral transport.
type CircuitBreaker struct {
	mu             sync.Mutex
	state          BreakerState
	openThreshold  int
	resetThreshold int
	cooldown       time.Duration
	openedAt       time.Time
	tripTotal      uint64
	rejectTotal    uint64
	onTrip         func(load int)
	log            zerolog.Logger
}

// NewCircuitBreaker builds a breaker with the given thresholds. cooldown of
// zero disables time-based reset; the breaker then closes only by drain.
func NewCircuitBreaker(log zerolog.Logger, name string, openThreshold, resetThreshold int, cooldown time.Duration) *CircuitBreaker {
	if openThreshold <= 0 {
		openThreshold = 10
	}
	if resetThreshold <= 0 || resetThreshold >= openThreshold {
		resetThreshold = openThreshold / 3
		if resetThreshold < 1 {
			resetThreshold = 1
		}
	}
	return &CircuitBreaker{
		state:          BreakerClosed,
		openThreshold:  openThreshold,
		resetThreshold: resetThreshold,
		cooldown:       cooldown,
		log:            log.With().Str("component", "breaker").Str("breaker", name).Logger(),
	}
}

// SetTripHandler installs a callback invoked (outside the lock) each time the
// breaker opens, with the load that tripped it.
func (b *CircuitBreaker) SetTripHandler(fn func(load int)) {
	b.mu.Lock()
	b.onTrip = fn
	b.mu.Unlock()
}

// Observe feeds the current load into the state machine and reports whether
// the guarded operation may proceed.
func (b *CircuitBreaker) Observe(load int) bool {
	b.mu.Lock()
	var tripped func(int)
	switch b.state {
	case BreakerClosed:
		if load >= b.openThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			b.tripTotal++
			tripped = b.onTrip
			b.log.Error().
				Int("load", load).
				Int("openThreshold", b.openThreshold).
				Msg("circuit breaker tripped open")
		}
	case BreakerOpen:
		if load <= b.resetThreshold {
			b.reclose("drained", load)
		} else if b.cooldown > 0 && time.Since(b.openedAt) >= b.cooldown {
			b.reclose("cooldown elapsed", load)
		}
	}
	allowed := b.state == BreakerClosed
	if !allowed {
		b.rejectTotal++
	}
	b.mu.Unlock()
	if tripped != nil {
		tripped(load)
	}
	return allowed
}

func (b *CircuitBreaker) reclose(reason string, load int) {
	b.state = BreakerClosed
	b.log.Info().
		Int("load", load).
		Int("resetThreshold", b.resetThreshold).
		Str("reason", reason).
		Msg("circuit breaker closed")
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) TripTotal() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripTotal
}

func (b *CircuitBreaker) RejectTotal() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejectTotal
}
