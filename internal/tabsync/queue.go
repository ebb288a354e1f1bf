package tabsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// WriteOp is one unit of serialized work, normally a single document write.
type WriteOp func(ctx context.Context) error

type queuedWrite struct {
	op   WriteOp
	done chan error
}

// WriteQueue serializes all writes from one process so the durable store
// never receives overlapping writes from the same instance. A circuit
// breaker sits in front of it: when the pending count crosses the open
// threshold every further write is rejected immediately, which is the
// system's defense against runaway write loops (an instance reacting to its
// own echoed write by writing again). One failing write empties the queue
// instead of poisoning the operations behind it; the failure still reaches
// its own caller.
type WriteQueue struct {
	mu      sync.Mutex
	pending []*queuedWrite
	wake    chan struct{}
	breaker *CircuitBreaker

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	lastTxnFn   func() string
	resetTotal  uint64
	failedTotal uint64
	log         zerolog.Logger
}

func NewWriteQueue(log zerolog.Logger, breaker *CircuitBreaker) *WriteQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &WriteQueue{
		wake:    make(chan struct{}, 1),
		breaker: breaker,
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With().Str("component", "writequeue").Logger(),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// SetLastTransactionFunc wires the transaction tracker's last confirmed id
// into the loop error returned while the breaker is open.
func (q *WriteQueue) SetLastTransactionFunc(fn func() string) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.lastTxnFn = fn
	q.mu.Unlock()
}

// Enqueue appends op to the queue and blocks until op has run or been
// cancelled. Writes attempted while the breaker is open resolve to failure
// immediately rather than queueing.
func (q *WriteQueue) Enqueue(ctx context.Context, op WriteOp) error {
	if op == nil {
		return ErrInvalidInput
	}
	select {
	case <-q.ctx.Done():
		return ErrClosed
	default:
	}

	q.mu.Lock()
	load := len(q.pending) + 1
	if !q.breaker.Observe(load) {
		lastTxnFn := q.lastTxnFn
		q.mu.Unlock()
		lastTxn := ""
		if lastTxnFn != nil {
			lastTxn = lastTxnFn()
		}
		q.log.Warn().
			Int("pending", load-1).
			Str("lastConfirmedTransaction", lastTxn).
			Msg("write rejected: circuit breaker open")
		return &LoopError{PendingWrites: load - 1, LastTransaction: lastTxn}
	}
	item := &queuedWrite{op: op, done: make(chan error, 1)}
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	q.signal()

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		// The op stays queued; its slot resolves when the worker reaches
		// it. The caller just stops waiting.
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrClosed
	}
}

func (q *WriteQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *WriteQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			q.drain(ErrClosed)
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			item := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			err := q.run(item.op)
			item.done <- err
			if err != nil {
				q.mu.Lock()
				q.failedTotal++
				q.mu.Unlock()
				dropped := q.drain(ErrQueueReset)
				if dropped > 0 {
					q.mu.Lock()
					q.resetTotal++
					q.mu.Unlock()
					q.log.Warn().
						Err(err).
						Int("droppedWrites", dropped).
						Msg("write failed; queue reset to empty")
				}
			}
			// Let drained load close the breaker again.
			q.breaker.Observe(q.Depth())
		}
	}
}

func (q *WriteQueue) run(op WriteOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Msg("queued write panicked")
			err = ErrQueueReset
		}
	}()
	return op(q.ctx)
}

// drain completes every queued write with cause and returns how many were
// dropped.
func (q *WriteQueue) drain(cause error) int {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, item := range dropped {
		item.done <- cause
	}
	return len(dropped)
}

// Depth is the number of writes waiting for their turn.
func (q *WriteQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *WriteQueue) ResetTotal() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resetTotal
}

func (q *WriteQueue) FailedTotal() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failedTotal
}

func (q *WriteQueue) Breaker() *CircuitBreaker {
	return q.breaker
}

func (q *WriteQueue) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}
