package tabsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/store"
)

const (
	defaultStateKey           = "quickTabsState"
	defaultSessionStateKey    = "quickTabsSessionState"
	defaultEmptyWriteCooldown = 10 * time.Second
	defaultWriteTimeout       = 2 * time.Second
	defaultRetryBudget        = 3
	defaultRetryBaseDelay     = 100 * time.Millisecond
	defaultQuotaSafetyMargin  = 0.05
)

// WriterOptions tune the durable store writer. Zero values select defaults.
type WriterOptions struct {
	StateKey           string
	SessionStateKey    string
	EmptyWriteCooldown time.Duration
	WriteTimeout       time.Duration
	RetryBudget        int
	RetryBaseDelay     time.Duration
	QuotaSafetyMargin  float64
}

// WriterCounters snapshots the writer's bookkeeping for diagnostics.
type WriterCounters struct {
	PhysicalWrites      uint64 `json:"physicalWrites"`
	DedupSkips          uint64 `json:"dedupSkips"`
	OwnershipRejections uint64 `json:"ownershipRejections"`
	EmptyRejections     uint64 `json:"emptyRejections"`
	QuotaRejections     uint64 `json:"quotaRejections"`
	DuplicateSaveIDs    uint64 `json:"duplicateSaveIds"`
}

// StoreWriter performs the actual durable write behind a series of hard
// gates: structural validation, the empty-batch guard, an ownership
// re-check, content-hash dedup, quota preflight, then the physical write
// with a bounded timeout and a small exponential-backoff retry budget.
// Permanent records go to the durable store; non-permanent ones go to the
// session store when one is configured.
type StoreWriter struct {
	durable    store.Store
	session    store.Store
	quota      store.QuotaEstimator
	filter     *OwnershipFilter
	identityFn func() Identity
	liveFn     func() []QuickTabRecord
	suppressor *SelfWriteSuppressor
	tracker    *TransactionTracker
	opts       WriterOptions
	log        zerolog.Logger

	// sleep is swapped in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error

	// mu guards the bookkeeping below. Writes are serialized by the queue's
	// worker goroutine, so the lock is taken only around the bookkeeping
	// reads and writes, never across a physical write or a backoff sleep;
	// Counters() stays responsive during a slow write.
	mu             sync.Mutex
	lastHash       map[string]string
	lastSaveID     string
	maxOwnedTabs   int
	lastEmptyWrite time.Time
	counters       WriterCounters
}

func NewStoreWriter(
	log zerolog.Logger,
	durable store.Store,
	session store.Store,
	quota store.QuotaEstimator,
	filter *OwnershipFilter,
	identityFn func() Identity,
	liveFn func() []QuickTabRecord,
	suppressor *SelfWriteSuppressor,
	tracker *TransactionTracker,
	opts WriterOptions,
) *StoreWriter {
	if opts.StateKey == "" {
		opts.StateKey = defaultStateKey
	}
	if opts.SessionStateKey == "" {
		opts.SessionStateKey = defaultSessionStateKey
	}
	if opts.EmptyWriteCooldown <= 0 {
		opts.EmptyWriteCooldown = defaultEmptyWriteCooldown
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = defaultRetryBudget
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaultRetryBaseDelay
	}
	if opts.QuotaSafetyMargin <= 0 {
		opts.QuotaSafetyMargin = defaultQuotaSafetyMargin
	}
	if quota == nil {
		if estimator, ok := durable.(store.QuotaEstimator); ok {
			quota = estimator
		}
	}
	return &StoreWriter{
		durable:    durable,
		session:    session,
		quota:      quota,
		filter:     filter,
		identityFn: identityFn,
		liveFn:     liveFn,
		suppressor: suppressor,
		tracker:    tracker,
		opts:       opts,
		log:        log.With().Str("component", "writer").Logger(),
		sleep:      sleepWithContext,
		lastHash:   map[string]string{},
	}
}

// Write runs the full gate sequence for one document. The document was
// constructed fresh from the live record collection and is consumed here
// exactly once. The writer runs only on the write queue's worker goroutine.
func (w *StoreWriter) Write(ctx context.Context, doc *StateDocument, force bool) error {
	if doc == nil {
		return ErrInvalidInput
	}
	if err := doc.Validate(); err != nil {
		w.log.Error().Err(err).Str("transactionId", doc.TransactionID).Msg("document failed validation")
		return err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return &StructuralError{Reason: err.Error()}
	}
	if err := ValidateDocumentBytes(payload); err != nil {
		w.log.Error().Err(err).Str("transactionId", doc.TransactionID).Msg("document failed schema validation")
		return err
	}
	if err := w.guardEmpty(doc, force); err != nil {
		return err
	}
	skip, err := w.recheckOwnership(doc)
	if err != nil {
		return err
	}
	if skip {
		// Ownership rejection is a policy decision, not a failure: the
		// write is skipped, counted, and the queue keeps flowing.
		return nil
	}
	w.mu.Lock()
	duplicateSaveID := doc.SaveID == w.lastSaveID
	if duplicateSaveID {
		w.counters.DuplicateSaveIDs++
	}
	w.mu.Unlock()
	if duplicateSaveID {
		w.log.Warn().Str("saveId", doc.SaveID).Msg("saveId repeated across write attempts")
	}

	durableDoc, sessionDoc := w.split(doc)
	wrote := false
	if len(durableDoc.Tabs) > 0 || len(doc.Tabs) == 0 {
		written, err := w.writeTarget(ctx, w.durable, w.opts.StateKey, durableDoc, true)
		if err != nil {
			return err
		}
		wrote = wrote || written
	}
	if w.session != nil && (len(sessionDoc.Tabs) > 0 || len(doc.Tabs) == 0) {
		written, err := w.writeTarget(ctx, w.session, w.opts.SessionStateKey, sessionDoc, false)
		if err != nil {
			return err
		}
		wrote = wrote || written
	}

	w.recordSuccess(doc, wrote)
	return nil
}

// guardEmpty is the defense against accidental full-state wipes: zero-record
// batches are rejected outright unless forced, and even a forced empty write
// requires that this instance has previously owned at least one record and
// that the last empty write is outside the cooldown. A freshly loaded,
// ownerless instance can therefore never erase valid state.
func (w *StoreWriter) guardEmpty(doc *StateDocument, force bool) error {
	if len(doc.Tabs) > 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !force {
		w.counters.EmptyRejections++
		w.log.Warn().Str("transactionId", doc.TransactionID).Msg("rejecting empty batch without force")
		return ErrEmptyWriteRejected
	}
	if w.maxOwnedTabs == 0 {
		w.counters.EmptyRejections++
		w.log.Warn().Str("transactionId", doc.TransactionID).Msg("rejecting forced empty batch: no ownership history")
		return ErrEmptyWriteRejected
	}
	if since := time.Since(w.lastEmptyWrite); !w.lastEmptyWrite.IsZero() && since < w.opts.EmptyWriteCooldown {
		w.counters.EmptyRejections++
		w.log.Warn().
			Dur("sinceLastEmptyWrite", since).
			Dur("cooldown", w.opts.EmptyWriteCooldown).
			Msg("rejecting forced empty batch inside cooldown")
		return ErrEmptyWriteRejected
	}
	w.lastEmptyWrite = time.Now()
	return nil
}

// recheckOwnership re-runs the ownership filter immediately before the
// physical write. Identity must be ready by now (fail closed otherwise) and
// any foreign record in the batch must be carried through byte-identical to
// the live set; a locally mutated foreign record means the caller bypassed
// the mutation-level ownership check, and the write is skipped as a policy
// decision, not an error worth retrying.
func (w *StoreWriter) recheckOwnership(doc *StateDocument) (skip bool, err error) {
	identity := w.identityFn()
	if !identity.Ready() {
		w.log.Warn().Str("transactionId", doc.TransactionID).Msg("refusing write before identity resolution")
		return false, ErrNotReady
	}
	partition := w.filter.FilterOwned(doc.Tabs, identity)
	if len(partition.Foreign) == 0 {
		return false, nil
	}
	live := map[RecordID]QuickTabRecord{}
	for _, record := range w.liveFn() {
		live[record.ID] = record
	}
	for _, foreign := range partition.Foreign {
		known, ok := live[foreign.ID]
		if !ok {
			continue
		}
		if !recordsEqual(foreign, known) {
			w.mu.Lock()
			w.counters.OwnershipRejections++
			w.mu.Unlock()
			w.log.Info().
				Str("recordId", string(foreign.ID)).
				Str("transactionId", doc.TransactionID).
				Msg("skipping write that mutates a foreign record")
			return true, nil
		}
	}
	return false, nil
}

func (w *StoreWriter) split(doc *StateDocument) (durable, session *StateDocument) {
	durableCopy := *doc
	sessionCopy := *doc
	durableCopy.Tabs = make([]QuickTabRecord, 0, len(doc.Tabs))
	sessionCopy.Tabs = make([]QuickTabRecord, 0)
	for _, tab := range doc.Tabs {
		if !tab.Permanent && w.session != nil {
			sessionCopy.Tabs = append(sessionCopy.Tabs, tab)
		} else {
			durableCopy.Tabs = append(durableCopy.Tabs, tab)
		}
	}
	return &durableCopy, &sessionCopy
}

// writeTarget performs gates 4-6 for one store target: hash dedup, quota
// preflight, then the bounded-timeout write with exponential backoff. It
// reports whether a physical write happened.
func (w *StoreWriter) writeTarget(ctx context.Context, target store.Store, key string, doc *StateDocument, checkQuota bool) (bool, error) {
	contentHash, err := hashTabs(doc.Tabs)
	if err != nil {
		return false, &StructuralError{Reason: err.Error()}
	}
	w.mu.Lock()
	unchanged := w.lastHash[key] == contentHash
	if unchanged {
		w.counters.DedupSkips++
	}
	w.mu.Unlock()
	if unchanged {
		w.log.Debug().
			Str("key", key).
			Str("transactionId", doc.TransactionID).
			Msg("skipping physical write: content identical to last written")
		return false, nil
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return false, &StructuralError{Reason: err.Error()}
	}
	if checkQuota {
		if err := w.preflightQuota(len(payload)); err != nil {
			return false, err
		}
	}
	if err := w.physicalWrite(ctx, target, key, payload); err != nil {
		return false, err
	}
	w.mu.Lock()
	w.lastHash[key] = contentHash
	w.counters.PhysicalWrites++
	w.mu.Unlock()
	return true, nil
}

func (w *StoreWriter) preflightQuota(payloadSize int) error {
	if w.quota == nil {
		return nil
	}
	used, total, err := w.quota.Estimate()
	if err != nil {
		// The estimator is advisory; estimation failure never blocks a
		// write on its own.
		w.log.Debug().Err(err).Msg("quota estimate unavailable")
		return nil
	}
	if total == 0 {
		return nil
	}
	margin := uint64(float64(total) * w.opts.QuotaSafetyMargin)
	if used+uint64(payloadSize)+margin > total {
		w.mu.Lock()
		w.counters.QuotaRejections++
		w.mu.Unlock()
		w.log.Warn().
			Uint64("usedBytes", used).
			Uint64("totalBytes", total).
			Int("payloadBytes", payloadSize).
			Msg("refusing write: quota headroom under safety margin")
		return ErrQuotaExceeded
	}
	return nil
}

func (w *StoreWriter) physicalWrite(ctx context.Context, target store.Store, key string, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= w.opts.RetryBudget; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, w.opts.WriteTimeout)
		err := target.Set(attemptCtx, key, payload)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			break
		}
		if attempt < w.opts.RetryBudget {
			delay := w.opts.RetryBaseDelay << (attempt - 1)
			w.log.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("retryIn", delay).
				Msg("store write failed; backing off")
			if sleepErr := w.sleep(ctx, delay); sleepErr != nil {
				return fmt.Errorf("%w: %v", ErrTransientWrite, sleepErr)
			}
		}
	}
	w.log.Error().Err(lastErr).Str("key", key).Int("attempts", w.opts.RetryBudget).Msg("store write exhausted retry budget")
	return fmt.Errorf("%w: %v", ErrTransientWrite, lastErr)
}

func (w *StoreWriter) recordSuccess(doc *StateDocument, wrote bool) {
	w.mu.Lock()
	w.lastSaveID = doc.SaveID
	w.mu.Unlock()
	if !wrote {
		return
	}
	w.suppressor.RecordCompleted(doc.TransactionID)
	w.tracker.Track(doc.TransactionID)
	identity := w.identityFn()
	owned := len(w.filter.FilterOwned(doc.Tabs, identity).Owned)
	w.mu.Lock()
	if owned > w.maxOwnedTabs {
		w.maxOwnedTabs = owned
	}
	w.mu.Unlock()
	w.log.Debug().
		Str("transactionId", doc.TransactionID).
		Str("saveId", doc.SaveID).
		Int("tabs", len(doc.Tabs)).
		Msg("document written")
}

// Counters returns a copy of the writer's bookkeeping.
func (w *StoreWriter) Counters() WriterCounters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counters
}

// hashTabs fingerprints the logical content of a batch. Envelope fields
// (timestamp, saveId, transactionId) are deliberately excluded so rewriting
// identical content is detected regardless of envelope churn.
func hashTabs(tabs []QuickTabRecord) (string, error) {
	payload, err := json.Marshal(tabs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func recordsEqual(a, b QuickTabRecord) bool {
	aJSON, errA := json.Marshal(a)
	bJSON, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aJSON) == string(bJSON)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
