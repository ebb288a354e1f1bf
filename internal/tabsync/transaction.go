package tabsync

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TransactionState is the lifecycle of one tracked write.
type TransactionState string

const (
	TransactionPending   TransactionState = "PENDING"
	TransactionConfirmed TransactionState = "CONFIRMED"
	TransactionTimedOut  TransactionState = "TIMED_OUT"
)

const (
	defaultEscalationAfter = 5 * time.Second
	defaultFallbackAfter   = 15 * time.Second
)

type trackedTransaction struct {
	id         string
	state      TransactionState
	startedAt  time.Time
	escalation *time.Timer
	fallback   *time.Timer
}

// TransactionTracker follows in-flight writes from enqueue to confirmation.
// Each transaction is a small state machine, PENDING then either CONFIRMED
// (change notification observed) or TIMED_OUT (fallback timer fired first).
// A single owning entry per transaction holds both timers, so the event path
// and the timer path cannot race on shared cleanup.
type TransactionTracker struct {
	mu              sync.Mutex
	inflight        map[string]*trackedTransaction
	counter         uint64
	lastConfirmed   string
	timedOutTotal   uint64
	escalationAfter time.Duration
	fallbackAfter   time.Duration
	queueDepth      func() int
	log             zerolog.Logger
}

func NewTransactionTracker(log zerolog.Logger, escalationAfter, fallbackAfter time.Duration) *TransactionTracker {
	if escalationAfter <= 0 {
		escalationAfter = defaultEscalationAfter
	}
	if fallbackAfter <= 0 {
		fallbackAfter = defaultFallbackAfter
	}
	return &TransactionTracker{
		inflight:        map[string]*trackedTransaction{},
		escalationAfter: escalationAfter,
		fallbackAfter:   fallbackAfter,
		queueDepth:      func() int { return 0 },
		log:             log.With().Str("component", "transactions").Logger(),
	}
}

// SetQueueDepthFunc wires the write queue's depth into loop diagnostics.
func (t *TransactionTracker) SetQueueDepthFunc(fn func() int) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.queueDepth = fn
	t.mu.Unlock()
}

// Generate produces a unique transaction id:
// timestamp + owner-or-"unknown" + monotonic counter + random suffix.
// Generating before identity is ready is allowed but logged, since it means
// a write is racing identity resolution.
func (t *TransactionTracker) Generate(identity Identity) string {
	t.mu.Lock()
	t.counter++
	counter := t.counter
	t.mu.Unlock()

	ownerLabel := "unknown"
	if identity.OwnerID != nil {
		ownerLabel = fmt.Sprintf("%d", *identity.OwnerID)
	} else {
		t.log.Warn().
			Str("instanceId", identity.InstanceID).
			Msg("generating transaction before identity is ready")
	}
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%d-%s-%d-%s", nowMillis(), ownerLabel, counter, suffix)
}

// Track registers a pending transaction and schedules its two timers: an
// escalation warning (diagnostic only) and the hard fallback cleanup.
func (t *TransactionTracker) Track(transactionID string) {
	if transactionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.inflight[transactionID]; exists {
		return
	}
	txn := &trackedTransaction{
		id:        transactionID,
		state:     TransactionPending,
		startedAt: time.Now(),
	}
	txn.escalation = time.AfterFunc(t.escalationAfter, func() { t.escalate(transactionID) })
	txn.fallback = time.AfterFunc(t.fallbackAfter, func() { t.expire(transactionID) })
	t.inflight[transactionID] = txn
}

// Confirm transitions a pending transaction to CONFIRMED and cancels both
// timers. Returns false when the transaction is unknown (already expired or
// never tracked).
func (t *TransactionTracker) Confirm(transactionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	txn, ok := t.inflight[transactionID]
	if !ok || txn.state != TransactionPending {
		return false
	}
	txn.state = TransactionConfirmed
	txn.escalation.Stop()
	txn.fallback.Stop()
	delete(t.inflight, transactionID)
	t.lastConfirmed = transactionID
	t.log.Debug().
		Str("transactionId", transactionID).
		Dur("elapsed", time.Since(txn.startedAt)).
		Msg("transaction confirmed")
	return true
}

func (t *TransactionTracker) escalate(transactionID string) {
	t.mu.Lock()
	txn, ok := t.inflight[transactionID]
	if !ok || txn.state != TransactionPending {
		t.mu.Unlock()
		return
	}
	elapsed := time.Since(txn.startedAt)
	depthFn := t.queueDepth
	t.mu.Unlock()
	// The depth callback reaches into the write queue; call it unlocked so
	// the tracker and queue mutexes never nest in both directions.
	depth := depthFn()
	t.log.Warn().
		Str("transactionId", transactionID).
		Dur("pendingFor", elapsed).
		Int("queueDepth", depth).
		Msg("transaction still unconfirmed")
}

func (t *TransactionTracker) expire(transactionID string) {
	t.mu.Lock()
	txn, ok := t.inflight[transactionID]
	if !ok || txn.state != TransactionPending {
		t.mu.Unlock()
		return
	}
	txn.state = TransactionTimedOut
	txn.escalation.Stop()
	delete(t.inflight, transactionID)
	t.timedOutTotal++
	depthFn := t.queueDepth
	lastConfirmed := t.lastConfirmed
	inflight := len(t.inflight)
	t.mu.Unlock()
	depth := depthFn()
	t.log.Error().
		Str("transactionId", transactionID).
		Int("queueDepth", depth).
		Int("inflight", inflight).
		Str("lastConfirmedTransaction", lastConfirmed).
		Msg("transaction never confirmed; possible notification loss or infinite write loop")
}

// LastConfirmed is the most recently confirmed transaction id, used by loop
// diagnostics and the write breaker.
func (t *TransactionTracker) LastConfirmed() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastConfirmed
}

func (t *TransactionTracker) InflightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

func (t *TransactionTracker) TimedOutTotal() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timedOutTotal
}

// Close cancels every pending timer. Remaining transactions are abandoned.
func (t *TransactionTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, txn := range t.inflight {
		txn.escalation.Stop()
		txn.fallback.Stop()
		delete(t.inflight, id)
	}
}
