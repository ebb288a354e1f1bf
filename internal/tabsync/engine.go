// Package tabsync is the synchronization and ownership engine behind the
// shared Quick Tab collection. Several independent instances read and
// mutate one durably persisted document without a central coordinator;
// ownership partitioning decides who may write, self-write suppression
// keeps instances from reacting to their own echoes, and a queue plus
// circuit breaker keeps a misbehaving instance from write-storming the
// store.
package tabsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/ephemeral"
	"github.com/agentworkforce/tabsync/internal/store"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultSweepInterval     = time.Hour
)

// Transport is the engine-facing surface of the ephemeral broadcast path.
// *ephemeral.Endpoint implements it.
type Transport interface {
	Send(kind, recordID string, payload any) error
	SetHandler(h ephemeral.Handler)
	Pause()
	Resume()
	Stats() ephemeral.Stats
	Close() error
}

// Options configure one engine. Durable is required; everything else has a
// working default. Zero-valued numbers and durations select defaults.
type Options struct {
	Logger  zerolog.Logger
	Durable store.Store
	// Session holds non-permanent records; nil routes everything durable.
	Session store.Store
	// Quota overrides the durable store's own estimator.
	Quota     store.QuotaEstimator
	Transport Transport

	StateKey        string
	SessionStateKey string

	MaxCachedRecords int
	StaleWindow      time.Duration
	SweepInterval    time.Duration

	QueueOpenThreshold  int
	QueueResetThreshold int

	EscalationAfter time.Duration
	FallbackAfter   time.Duration

	EmptyWriteCooldown time.Duration
	WriteTimeout       time.Duration
	RetryBudget        int
	RetryBaseDelay     time.Duration
	QuotaSafetyMargin  float64

	HeartbeatInterval time.Duration

	// DisableWatch skips the store subscription; tests drive
	// HandleStoreEvent directly.
	DisableWatch bool
}

// Status is a read-only snapshot of the engine for diagnostics.
type Status struct {
	InstanceID           string           `json:"instanceId"`
	IdentityState        IdentityState    `json:"identityState"`
	OwnerID              *int64           `json:"ownerId"`
	ScopeID              *string          `json:"scopeId"`
	CachedRecords        int              `json:"cachedRecords"`
	QueueDepth           int              `json:"queueDepth"`
	QueueBreaker         BreakerState     `json:"queueBreaker"`
	InflightTransactions int              `json:"inflightTransactions"`
	LastConfirmed        string           `json:"lastConfirmedTransaction"`
	SuppressedEchoes     uint64           `json:"suppressedEchoes"`
	OutOfOrderArrivals   uint64           `json:"outOfOrderArrivals"`
	OwnershipRejections  uint64           `json:"ownershipRejections"`
	RemoteApplied        uint64           `json:"remoteApplied"`
	Writer               WriterCounters   `json:"writer"`
	Transport            *ephemeral.Stats `json:"transport,omitempty"`
	Peers                map[string]int64 `json:"peers,omitempty"`
}

// Engine is the per-process synchronization context. All shared state lives
// here and is passed by injection; there are no package-level singletons.
type Engine struct {
	opts       Options
	log        zerolog.Logger
	resolver   *IdentityResolver
	filter     *OwnershipFilter
	suppressor *SelfWriteSuppressor
	tracker    *TransactionTracker
	queue      *WriteQueue
	writer     *StoreWriter
	cache      *RecordCache
	transport  Transport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                  sync.Mutex
	lastRemoteTimestamp int64
	outOfOrderTotal     uint64
	ownershipRejections uint64
	remoteApplied       uint64
	peersLastSeen       map[string]int64
	visible             bool
	closed              bool
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Durable == nil {
		return nil, ErrInvalidInput
	}
	if opts.StateKey == "" {
		opts.StateKey = defaultStateKey
	}
	if opts.SessionStateKey == "" {
		opts.SessionStateKey = defaultSessionStateKey
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	log := opts.Logger.With().Str("component", "engine").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:          opts,
		log:           log,
		resolver:      NewIdentityResolver(opts.Logger),
		filter:        NewOwnershipFilter(opts.Logger),
		suppressor:    NewSelfWriteSuppressor(opts.Logger),
		cache:         NewRecordCache(opts.Logger, opts.MaxCachedRecords, opts.StaleWindow),
		transport:     opts.Transport,
		ctx:           ctx,
		cancel:        cancel,
		peersLastSeen: map[string]int64{},
		visible:       true,
	}
	e.tracker = NewTransactionTracker(opts.Logger, opts.EscalationAfter, opts.FallbackAfter)
	breaker := NewCircuitBreaker(opts.Logger, "writequeue", opts.QueueOpenThreshold, opts.QueueResetThreshold, 0)
	e.queue = NewWriteQueue(opts.Logger, breaker)
	e.tracker.SetQueueDepthFunc(e.queue.Depth)
	e.writer = NewStoreWriter(
		opts.Logger,
		opts.Durable,
		opts.Session,
		opts.Quota,
		e.filter,
		e.resolver.Identity,
		e.cache.Snapshot,
		e.suppressor,
		e.tracker,
		WriterOptions{
			StateKey:           opts.StateKey,
			SessionStateKey:    opts.SessionStateKey,
			EmptyWriteCooldown: opts.EmptyWriteCooldown,
			WriteTimeout:       opts.WriteTimeout,
			RetryBudget:        opts.RetryBudget,
			RetryBaseDelay:     opts.RetryBaseDelay,
			QuotaSafetyMargin:  opts.QuotaSafetyMargin,
		},
	)
	e.queue.SetLastTransactionFunc(e.tracker.LastConfirmed)
	breaker.SetTripHandler(func(load int) {
		e.log.Error().
			Int("queueDepth", load).
			Str("lastConfirmedTransaction", e.tracker.LastConfirmed()).
			Uint64("duplicateSaveIds", e.writer.Counters().DuplicateSaveIDs).
			Msg("write queue circuit breaker tripped; possible infinite write loop")
	})
	if e.transport != nil {
		e.transport.SetHandler(e.handleTransportMessage)
		e.wg.Add(1)
		go e.heartbeatLoop()
	}
	if err := e.loadInitial(opts.Durable, opts.StateKey); err != nil {
		cancel()
		e.queue.Close()
		e.tracker.Close()
		return nil, err
	}
	if opts.Session != nil {
		if err := e.loadInitial(opts.Session, opts.SessionStateKey); err != nil {
			cancel()
			e.queue.Close()
			e.tracker.Close()
			return nil, err
		}
	}
	if !opts.DisableWatch {
		if err := e.startWatch(opts.Durable, opts.StateKey); err != nil {
			cancel()
			e.queue.Close()
			e.tracker.Close()
			return nil, err
		}
		if opts.Session != nil {
			if err := e.startWatch(opts.Session, opts.SessionStateKey); err != nil {
				cancel()
				e.queue.Close()
				e.tracker.Close()
				return nil, err
			}
		}
	}
	e.wg.Add(1)
	go e.sweepLoop()
	return e, nil
}

// SetIdentity resolves this instance's owner and scope out-of-band.
func (e *Engine) SetIdentity(ownerID int64, scopeID *string) {
	e.resolver.SetIdentity(ownerID, scopeID)
}

// WaitForIdentity suspends until identity resolution or ctx expiry.
func (e *Engine) WaitForIdentity(ctx context.Context) (Identity, bool) {
	return e.resolver.WaitForIdentity(ctx)
}

func (e *Engine) Identity() Identity {
	return e.resolver.Identity()
}

// Tabs returns the live record collection in display order.
func (e *Engine) Tabs() []QuickTabRecord {
	return e.cache.Snapshot()
}

// UpsertTab creates or mutates a record and persists the batch. Creating
// stamps the record with this instance's identity; mutating a foreign
// record is an ownership rejection, silently skipped and counted. The
// record's (ownerId, scopeId) pair, once set, is preserved verbatim.
func (e *Engine) UpsertTab(ctx context.Context, record QuickTabRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	identity := e.resolver.Identity()
	if !identity.Ready() {
		return ErrNotReady
	}
	existing, exists := e.cache.Get(record.ID)
	if exists {
		if !e.mayMutate(existing, identity, "upsert") {
			return nil
		}
		// Preserve the ownership pair; coercion to nil is a defect.
		record.OwnerID = existing.OwnerID
		record.ScopeID = existing.ScopeID
	} else if record.OwnerID == nil && identity.OwnerID != nil {
		owner := *identity.OwnerID
		record.OwnerID = &owner
		record.ScopeID = identity.ScopeID
	}
	e.cache.Put(record)
	return e.Flush(ctx, false)
}

// RemoveTab closes a record. Removing the last record produces an empty
// batch, which only the forced path may persist.
func (e *Engine) RemoveTab(ctx context.Context, id RecordID) error {
	identity := e.resolver.Identity()
	if !identity.Ready() {
		return ErrNotReady
	}
	existing, exists := e.cache.Get(id)
	if !exists {
		return nil
	}
	if !e.mayMutate(existing, identity, "remove") {
		return nil
	}
	// Closure is logical first: the record drops out of snapshots (and so
	// out of the next persisted batch) immediately, and the sweep reaps the
	// entry itself.
	e.cache.MarkClosed(id)
	force := len(e.cache.Snapshot()) == 0
	return e.Flush(ctx, force)
}

// MoveTab commits a final position durably. Use DragTo for the live,
// ephemeral stream while a drag is in progress.
func (e *Engine) MoveTab(ctx context.Context, id RecordID, position Point) error {
	return e.mutateTab(ctx, id, "move", func(record *QuickTabRecord) {
		record.Position = position
	})
}

func (e *Engine) ResizeTab(ctx context.Context, id RecordID, size Size) error {
	if size.Width <= 0 || size.Height <= 0 {
		return &StructuralError{Field: "size", Reason: "non-positive size"}
	}
	return e.mutateTab(ctx, id, "resize", func(record *QuickTabRecord) {
		record.Size = size
	})
}

func (e *Engine) mutateTab(ctx context.Context, id RecordID, action string, mutate func(*QuickTabRecord)) error {
	identity := e.resolver.Identity()
	if !identity.Ready() {
		return ErrNotReady
	}
	existing, exists := e.cache.Get(id)
	if !exists {
		return nil
	}
	if !e.mayMutate(existing, identity, action) {
		return nil
	}
	mutate(&existing)
	if err := existing.Validate(); err != nil {
		return err
	}
	e.cache.Put(existing)
	return e.Flush(ctx, false)
}

// BeginDrag admits a drag gesture: the record must exist and be writable
// by this instance. Nothing is sent or persisted until the first DragTo.
func (e *Engine) BeginDrag(id RecordID) error {
	identity := e.resolver.Identity()
	if !identity.Ready() {
		return ErrNotReady
	}
	existing, exists := e.cache.Get(id)
	if !exists {
		return nil
	}
	e.mayMutate(existing, identity, "begin-drag")
	return nil
}

// DragTo streams a live drag position over the ephemeral transport and
// updates the local cache without touching the durable store.
func (e *Engine) DragTo(id RecordID, position Point) error {
	identity := e.resolver.Identity()
	if !identity.Ready() {
		return ErrNotReady
	}
	existing, exists := e.cache.Get(id)
	if !exists || !e.mayMutate(existing, identity, "drag") {
		return nil
	}
	existing.Position = position
	e.cache.Put(existing)
	if e.transport == nil {
		return nil
	}
	return e.transport.Send(ephemeral.KindDragPosition, string(id), position)
}

// EndDrag commits the final drag position durably.
func (e *Engine) EndDrag(ctx context.Context, id RecordID, position Point) error {
	return e.MoveTab(ctx, id, position)
}

func (e *Engine) mayMutate(record QuickTabRecord, identity Identity, action string) bool {
	partition := e.filter.FilterOwned([]QuickTabRecord{record}, identity)
	if len(partition.Owned) == 1 {
		return true
	}
	e.mu.Lock()
	e.ownershipRejections++
	e.mu.Unlock()
	e.log.Info().
		Str("action", action).
		Str("recordId", string(record.ID)).
		Msg("mutation of foreign record skipped")
	return false
}

// Flush builds a fresh document from the live collection and queues it for
// writing. force permits an empty batch, subject to the writer's guard.
func (e *Engine) Flush(ctx context.Context, force bool) error {
	identity := e.resolver.Identity()
	doc := &StateDocument{
		Tabs:             e.cache.Snapshot(),
		Timestamp:        nowMillis(),
		SaveID:           uuid.NewString(),
		TransactionID:    e.tracker.Generate(identity),
		WriterInstanceID: identity.InstanceID,
		WriterOwnerID:    identity.OwnerID,
	}
	return e.queue.Enqueue(ctx, func(opCtx context.Context) error {
		return e.writer.Write(opCtx, doc, force)
	})
}

// loadInitial seeds the cache from the document already persisted under key,
// so a restarted or late-joining instance converges on the shared state
// before its first write instead of replacing it with an empty batch. A
// missing document is a fresh deployment; a malformed one is logged and the
// engine starts empty rather than refusing to run.
func (e *Engine) loadInitial(target store.Store, key string) error {
	opCtx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	value, err := target.Get(opCtx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := ValidateDocumentBytes(value); err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("persisted state fails the document schema; starting empty")
		return nil
	}
	doc, err := DecodeStateDocument(value)
	if err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("persisted state is malformed; starting empty")
		return nil
	}
	// The initial snapshot is by definition not an echo of this process, so
	// it bypasses self-write suppression and goes straight to the apply path.
	e.applyRemote(doc, e.resolver.Identity())
	e.log.Info().Int("tabs", len(doc.Tabs)).Str("key", key).Msg("loaded persisted state")
	return nil
}

func (e *Engine) startWatch(target store.Store, key string) error {
	events, err := target.Watch(e.ctx)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.Key != key {
					continue
				}
				e.HandleStoreEvent(event)
			}
		}
	}()
	return nil
}

// HandleStoreEvent processes one change notification from a store. It is
// exported so tests (and stores without a watch feed) can drive the engine
// directly.
func (e *Engine) HandleStoreEvent(event store.Event) {
	if len(event.NewValue) == 0 {
		// A remote wipe never propagates into local state; the engine
		// keeps the last known good collection.
		e.log.Warn().Str("key", event.Key).Msg("ignoring change notification with empty value")
		return
	}
	if err := ValidateDocumentBytes(event.NewValue); err != nil {
		e.log.Error().Err(err).Str("key", event.Key).Msg("dropping change notification that fails the document schema")
		return
	}
	doc, err := DecodeStateDocument(event.NewValue)
	if err != nil {
		e.log.Error().Err(err).Str("key", event.Key).Msg("dropping malformed change notification")
		return
	}
	identity := e.resolver.Identity()
	if e.suppressor.IsSelfWrite(doc, identity) {
		e.tracker.Confirm(doc.TransactionID)
		return
	}
	e.applyRemote(doc, identity)
}

func (e *Engine) applyRemote(doc *StateDocument, identity Identity) {
	e.mu.Lock()
	if doc.Timestamp < e.lastRemoteTimestamp {
		e.outOfOrderTotal++
		e.log.Warn().
			Int64("documentTimestamp", doc.Timestamp).
			Int64("lastSeenTimestamp", e.lastRemoteTimestamp).
			Str("transactionId", doc.TransactionID).
			Msg("change notification arrived out of order")
	} else {
		e.lastRemoteTimestamp = doc.Timestamp
	}
	e.remoteApplied++
	e.mu.Unlock()

	incoming := map[RecordID]struct{}{}
	for _, record := range doc.Tabs {
		incoming[record.ID] = struct{}{}
		// Re-run the ownership filter on read: a record this instance owns
		// is authoritative locally, and a foreign writer's carry-through
		// copy of it must not roll the cache back. Legacy records (nil
		// owner) stay writable by everyone and are always applied.
		if record.OwnerID != nil {
			partition := e.filter.FilterOwned([]QuickTabRecord{record}, identity)
			if len(partition.Owned) == 1 {
				if _, exists := e.cache.Get(record.ID); exists {
					continue
				}
			}
		}
		e.cache.Put(record)
	}
	// Records that disappeared from the document and are not ours were
	// closed by their owner; drop them. Locally owned records absent from
	// a foreign write are kept: this instance is authoritative for its
	// own partition.
	for _, local := range e.cache.Snapshot() {
		if _, present := incoming[local.ID]; present {
			continue
		}
		partition := e.filter.FilterOwned([]QuickTabRecord{local}, identity)
		if len(partition.Foreign) == 1 {
			e.cache.Remove(local.ID)
		}
	}
	e.log.Debug().
		Int("tabs", len(doc.Tabs)).
		Str("writerInstanceId", doc.WriterInstanceID).
		Msg("applied remote document")
}

func (e *Engine) handleTransportMessage(msg ephemeral.Message) error {
	switch msg.Kind {
	case ephemeral.KindDragPosition:
		var position Point
		if err := json.Unmarshal(msg.Payload, &position); err != nil {
			return err
		}
		e.applyEphemeral(RecordID(msg.RecordID), func(record *QuickTabRecord) {
			record.Position = position
		})
	case ephemeral.KindResize:
		var size Size
		if err := json.Unmarshal(msg.Payload, &size); err != nil {
			return err
		}
		if size.Width <= 0 || size.Height <= 0 {
			return nil
		}
		e.applyEphemeral(RecordID(msg.RecordID), func(record *QuickTabRecord) {
			record.Size = size
		})
	case ephemeral.KindFocusOrder:
		var zIndex int
		if err := json.Unmarshal(msg.Payload, &zIndex); err != nil {
			return err
		}
		e.applyEphemeral(RecordID(msg.RecordID), func(record *QuickTabRecord) {
			record.ZIndex = zIndex
		})
	case ephemeral.KindHeartbeat:
		e.mu.Lock()
		e.peersLastSeen[msg.SenderID] = msg.SentAt
		e.mu.Unlock()
	}
	return nil
}

// applyEphemeral updates a record from a peer's ephemeral stream. The
// update is foreign by definition (echoes are dropped upstream), so it only
// touches the cache, never the durable path.
func (e *Engine) applyEphemeral(id RecordID, mutate func(*QuickTabRecord)) {
	record, ok := e.cache.Get(id)
	if !ok {
		return
	}
	mutate(&record)
	e.cache.Put(record)
}

func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			identity := e.resolver.Identity()
			err := e.transport.Send(ephemeral.KindHeartbeat, "", map[string]string{
				"instanceId": identity.InstanceID,
			})
			if err != nil && !errors.Is(err, ephemeral.ErrBreakerOpen) {
				e.log.Debug().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.cache.Sweep()
		}
	}
}

// OnVisibilityChange pauses ephemeral sending while the instance is hidden
// and sweeps the cache on return to visibility.
func (e *Engine) OnVisibilityChange(visible bool) {
	e.mu.Lock()
	e.visible = visible
	e.mu.Unlock()
	if e.transport != nil {
		if visible {
			e.transport.Resume()
		} else {
			e.transport.Pause()
		}
	}
	if visible {
		e.cache.Sweep()
	}
}

// Status snapshots the engine for the diagnostics surface.
func (e *Engine) Status() Status {
	identity := e.resolver.Identity()
	e.mu.Lock()
	outOfOrder := e.outOfOrderTotal
	rejections := e.ownershipRejections
	applied := e.remoteApplied
	peers := make(map[string]int64, len(e.peersLastSeen))
	for id, at := range e.peersLastSeen {
		peers[id] = at
	}
	e.mu.Unlock()
	status := Status{
		InstanceID:           identity.InstanceID,
		IdentityState:        identity.State,
		OwnerID:              identity.OwnerID,
		ScopeID:              identity.ScopeID,
		CachedRecords:        e.cache.Len(),
		QueueDepth:           e.queue.Depth(),
		QueueBreaker:         e.queue.Breaker().State(),
		InflightTransactions: e.tracker.InflightCount(),
		LastConfirmed:        e.tracker.LastConfirmed(),
		SuppressedEchoes:     e.suppressor.SuppressedCount(),
		OutOfOrderArrivals:   outOfOrder,
		OwnershipRejections:  rejections + e.writer.Counters().OwnershipRejections,
		RemoteApplied:        applied,
		Writer:               e.writer.Counters(),
		Peers:                peers,
	}
	if e.transport != nil {
		stats := e.transport.Stats()
		status.Transport = &stats
	}
	return status
}

// Close tears the engine down: watch loops stop, the queue drains its
// pending writes as failures, timers are cancelled, and the transport
// channel is closed. The stores are owned by the caller and stay open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.queue.Close()
	e.tracker.Close()
	if e.transport != nil {
		_ = e.transport.Close()
	}
	e.wg.Wait()
	return nil
}
