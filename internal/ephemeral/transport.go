// Package ephemeral is the non-durable broadcast path between live
// instances sharing a scope. It carries values that need sub-100ms
// propagation and no durability: live drag and resize coordinates,
// focus-order signals, liveness heartbeats. Nothing sent here ever touches
// the durable store.
package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message kinds the engine sends. The transport itself is kind-agnostic.
const (
	KindDragPosition = "drag-position"
	KindResize       = "resize"
	KindFocusOrder   = "focus-order"
	KindHeartbeat    = "heartbeat"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrBreakerOpen     = errors.New("transport circuit breaker open")
)

// Message is one fire-and-forget broadcast. Every message carries its
// sender id (for echo suppression) and a random message id (for dedup
// against delivery duplication).
type Message struct {
	Scope     string          `json:"scope"`
	Kind      string          `json:"kind"`
	RecordID  string          `json:"recordId,omitempty"`
	SenderID  string          `json:"senderId"`
	MessageID string          `json:"messageId"`
	SentAt    int64           `json:"sentAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Medium is the raw delivery path: in-process loopback or the websocket
// relay bridge. Delivery is best-effort, unordered, not persisted.
type Medium interface {
	Send(ctx context.Context, msg Message) error
	SetReceiver(fn func(Message))
	Close() error
}

// Handler consumes inbound messages. A returned error counts toward the
// endpoint's circuit breaker.
type Handler func(Message) error

// EndpointOptions tune one endpoint; zero values select defaults.
type EndpointOptions struct {
	// MinSendInterval is the per-(kind, recordId) rate floor.
	MinSendInterval time.Duration
	// DedupRetention is how long received message ids are remembered.
	DedupRetention time.Duration
	// RateThreshold is the inbound messages-per-second ceiling that trips
	// the breaker.
	RateThreshold int
	// FailureThreshold is how many consecutive handler failures trip the
	// breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before auto-reset.
	Cooldown time.Duration
}

const (
	defaultMinSendInterval  = 50 * time.Millisecond
	defaultDedupRetention   = 30 * time.Second
	defaultRateThreshold    = 200
	defaultFailureThreshold = 5
	defaultCooldown         = 5 * time.Second
)

// Stats snapshots an endpoint's counters.
type Stats struct {
	SentTotal          uint64 `json:"sentTotal"`
	ReceivedTotal      uint64 `json:"receivedTotal"`
	DroppedRateLimited uint64 `json:"droppedRateLimited"`
	DroppedEcho        uint64 `json:"droppedEcho"`
	DroppedDuplicate   uint64 `json:"droppedDuplicate"`
	DroppedPaused      uint64 `json:"droppedPaused"`
	DroppedBreaker     uint64 `json:"droppedBreaker"`
	HandlerFailures    uint64 `json:"handlerFailures"`
	BreakerState       string `json:"breakerState"`
	Paused             bool   `json:"paused"`
}

// Endpoint wraps a medium with the transport protocol: send-side rate
// limiting, receive-side echo suppression and dedup, and a circuit breaker
// tripped by excessive message rate or repeated handler failures.
type Endpoint struct {
	scope    string
	senderID string
	medium   Medium
	opts     EndpointOptions
	log      zerolog.Logger

	mu          sync.Mutex
	handler     Handler
	lastSent    map[string]time.Time
	seen        map[string]time.Time
	paused      bool
	closed      bool
	breaker     breakerState
	rateWindow  time.Time
	rateCount   int
	consecFails int
	stats       Stats
	now         func() time.Time
}

type breakerState struct {
	open     bool
	openedAt time.Time
}

func NewEndpoint(log zerolog.Logger, scope, senderID string, medium Medium, opts EndpointOptions) *Endpoint {
	if opts.MinSendInterval <= 0 {
		opts.MinSendInterval = defaultMinSendInterval
	}
	if opts.DedupRetention <= 0 {
		opts.DedupRetention = defaultDedupRetention
	}
	if opts.RateThreshold <= 0 {
		opts.RateThreshold = defaultRateThreshold
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	e := &Endpoint{
		scope:    scope,
		senderID: senderID,
		medium:   medium,
		opts:     opts,
		log:      log.With().Str("component", "ephemeral").Str("scope", scope).Logger(),
		lastSent: map[string]time.Time{},
		seen:     map[string]time.Time{},
		now:      time.Now,
	}
	medium.SetReceiver(e.receive)
	return e
}

// SetHandler installs the inbound message consumer.
func (e *Endpoint) SetHandler(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// Send broadcasts one message. While paused (instance not visible) sends
// are dropped, not queued; while the breaker is open they are rejected.
// Per (kind, recordId) pair, sends faster than the rate floor are dropped.
func (e *Endpoint) Send(kind, recordID string, payload any) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrTransportClosed
	}
	if e.paused {
		e.stats.DroppedPaused++
		e.mu.Unlock()
		return nil
	}
	if e.breakerOpenLocked() {
		e.stats.DroppedBreaker++
		e.mu.Unlock()
		return ErrBreakerOpen
	}
	rateKey := kind + "\x00" + recordID
	now := e.now()
	if last, ok := e.lastSent[rateKey]; ok && now.Sub(last) < e.opts.MinSendInterval {
		e.stats.DroppedRateLimited++
		e.mu.Unlock()
		return nil
	}
	e.lastSent[rateKey] = now
	e.stats.SentTotal++
	e.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := Message{
		Scope:     e.scope,
		Kind:      kind,
		RecordID:  recordID,
		SenderID:  e.senderID,
		MessageID: uuid.NewString(),
		SentAt:    time.Now().UnixMilli(),
		Payload:   raw,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return e.medium.Send(ctx, msg)
}

func (e *Endpoint) receive(msg Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if msg.SenderID == e.senderID {
		e.stats.DroppedEcho++
		e.mu.Unlock()
		return
	}
	now := e.now()
	e.pruneSeenLocked(now)
	if _, dup := e.seen[msg.MessageID]; dup {
		e.stats.DroppedDuplicate++
		e.mu.Unlock()
		return
	}
	e.seen[msg.MessageID] = now
	if e.breakerOpenLocked() {
		e.stats.DroppedBreaker++
		e.mu.Unlock()
		return
	}
	if e.observeRateLocked(now) {
		e.mu.Unlock()
		return
	}
	handler := e.handler
	e.stats.ReceivedTotal++
	e.mu.Unlock()

	if handler == nil {
		return
	}
	if err := handler(msg); err != nil {
		e.mu.Lock()
		e.stats.HandlerFailures++
		e.consecFails++
		if e.consecFails >= e.opts.FailureThreshold && !e.breaker.open {
			e.tripLocked("handler failures", e.consecFails)
		}
		e.mu.Unlock()
		e.log.Warn().Err(err).Str("kind", msg.Kind).Msg("ephemeral handler failed")
		return
	}
	e.mu.Lock()
	e.consecFails = 0
	e.mu.Unlock()
}

// observeRateLocked counts inbound messages per second and trips the
// breaker on a flood. Returns true when the message should be dropped.
func (e *Endpoint) observeRateLocked(now time.Time) bool {
	if now.Sub(e.rateWindow) >= time.Second {
		e.rateWindow = now
		e.rateCount = 0
	}
	e.rateCount++
	if e.rateCount > e.opts.RateThreshold {
		if !e.breaker.open {
			e.tripLocked("message rate", e.rateCount)
		}
		e.stats.DroppedBreaker++
		return true
	}
	return false
}

func (e *Endpoint) tripLocked(reason string, load int) {
	e.breaker.open = true
	e.breaker.openedAt = e.now()
	e.log.Error().
		Str("reason", reason).
		Int("load", load).
		Dur("cooldown", e.opts.Cooldown).
		Msg("ephemeral circuit breaker tripped open")
}

// breakerOpenLocked reports the breaker state, auto-resetting after the
// cooldown.
func (e *Endpoint) breakerOpenLocked() bool {
	if !e.breaker.open {
		return false
	}
	if e.now().Sub(e.breaker.openedAt) >= e.opts.Cooldown {
		e.breaker.open = false
		e.consecFails = 0
		e.rateCount = 0
		e.log.Info().Msg("ephemeral circuit breaker closed after cooldown")
		return false
	}
	return true
}

func (e *Endpoint) pruneSeenLocked(now time.Time) {
	if len(e.seen) < 1024 {
		return
	}
	cutoff := now.Add(-e.opts.DedupRetention)
	for id, at := range e.seen {
		if at.Before(cutoff) {
			delete(e.seen, id)
		}
	}
}

// Pause stops sending while the instance is not visible. The channel stays
// open and inbound messages keep flowing.
func (e *Endpoint) Pause() {
	e.mu.Lock()
	if !e.paused {
		e.paused = true
		e.stats.Paused = true
		e.log.Debug().Msg("ephemeral sending paused")
	}
	e.mu.Unlock()
}

func (e *Endpoint) Resume() {
	e.mu.Lock()
	if e.paused {
		e.paused = false
		e.stats.Paused = false
		e.log.Debug().Msg("ephemeral sending resumed")
	}
	e.mu.Unlock()
}

func (e *Endpoint) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats
	if e.breaker.open {
		stats.BreakerState = "OPEN"
	} else {
		stats.BreakerState = "CLOSED"
	}
	stats.Paused = e.paused
	return stats
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.medium.Close()
}
