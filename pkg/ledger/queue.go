package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/retry"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

// Submission results reported to the Observer.
const (
	ResultOK         = "ok"
	ResultRetry      = "retry"
	ResultSyncFailed = "sync_failed"
)

// Observer receives one call per submission attempt.
type Observer interface {
	LedgerSubmission(ctx context.Context, op, result string)
}

type nopObserver struct{}

func (nopObserver) LedgerSubmission(context.Context, string, string) {}

// Queue is the single serialized outbound submission queue of one signer.
type Queue struct {
	outbox   store.OutboxStore
	client   Client
	policy   retry.Policy
	clock    clockwork.Clock
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer
	sweep    time.Duration

	wake chan struct{}
	mu   sync.Mutex
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithPolicy sets the retry policy for critical operations.
func WithPolicy(p retry.Policy) QueueOption { return func(q *Queue) { q.policy = p } }

// WithClock sets the clock used for backoff and sweeps.
func WithClock(c clockwork.Clock) QueueOption { return func(q *Queue) { q.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) QueueOption { return func(q *Queue) { q.logger = l } }

// WithObserver sets the submission observer.
func WithObserver(o Observer) QueueOption { return func(q *Queue) { q.observer = o } }

// WithSweepInterval sets how often Run rescans the outbox without a wake-up.
func WithSweepInterval(d time.Duration) QueueOption { return func(q *Queue) { q.sweep = d } }

// NewQueue creates a queue draining outbox into client.
func NewQueue(outbox store.OutboxStore, client Client, opts ...QueueOption) *Queue {
	q := &Queue{
		outbox:   outbox,
		client:   client,
		policy:   retry.DefaultPolicy(),
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		observer: nopObserver{},
		tracer:   otel.Tracer("quorum/ledger"),
		sweep:    30 * time.Second,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "ledger")
	return q
}

// Enqueue persists op and wakes the worker. Enqueueing an operation whose
// key is already in the outbox is a no-op.
func (q *Queue) Enqueue(ctx context.Context, op contracts.LedgerOperation) error {
	if op.Key == "" {
		return errors.New("ledger: operation has no key")
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.clock.Now()
	}
	inserted, err := q.outbox.PutOperation(ctx, op)
	if err != nil {
		return err
	}
	if !inserted {
		q.logger.DebugContext(ctx, "duplicate ledger operation skipped", "op", op.Name, "key", op.Key)
		return nil
	}
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled, waking on Enqueue and on
// every sweep interval.
func (q *Queue) Run(ctx context.Context) error {
	ticker := q.clock.NewTicker(q.sweep)
	defer ticker.Stop()

	for {
		if _, err := q.Drain(ctx); err != nil && ctx.Err() == nil {
			q.logger.ErrorContext(ctx, "ledger drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-ticker.Chan():
		}
	}
}

// Drain submits every PENDING operation in enqueue order and returns how
// many left the PENDING state. Only one drain runs at a time.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	processed := 0
	for {
		pending, err := q.outbox.ListOperations(ctx, contracts.OutboxPending)
		if err != nil {
			return processed, err
		}
		if len(pending) == 0 {
			return processed, nil
		}
		for _, rec := range pending {
			if err := q.process(ctx, rec); err != nil {
				return processed, err
			}
			processed++
		}
	}
}

// process submits one record until it is DONE or SYNC_FAILED. Backoff
// waits block the queue so later operations never overtake earlier ones.
func (q *Queue) process(ctx context.Context, rec *contracts.OutboxRecord) error {
	op := rec.Operation
	attempt := rec.Attempts
	for {
		receipt, err := q.submit(ctx, op, attempt+1)
		attempt++
		if err == nil {
			q.observer.LedgerSubmission(ctx, op.Name, ResultOK)
			q.logger.InfoContext(ctx, "ledger operation committed",
				"op", op.Name, "key", op.Key, "tx", receipt.TxHash, "attempts", attempt)
			return q.outbox.UpdateOperation(ctx, op.Key, contracts.OutboxDone, attempt, "")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !op.Critical || IsPermanent(err) || q.policy.Exhausted(attempt-1) {
			q.observer.LedgerSubmission(ctx, op.Name, ResultSyncFailed)
			q.logger.ErrorContext(ctx, "ledger operation sync failed",
				"op", op.Name, "key", op.Key, "attempts", attempt, "error", err)
			return q.outbox.UpdateOperation(ctx, op.Key, contracts.OutboxSyncFailed, attempt, err.Error())
		}

		q.observer.LedgerSubmission(ctx, op.Name, ResultRetry)
		if uerr := q.outbox.UpdateOperation(ctx, op.Key, contracts.OutboxPending, attempt, err.Error()); uerr != nil {
			return uerr
		}
		delay := q.policy.Delay(op.Key, attempt-1)
		q.logger.WarnContext(ctx, "ledger submission failed, retrying",
			"op", op.Name, "key", op.Key, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.clock.After(delay):
		}
	}
}

func (q *Queue) submit(ctx context.Context, op contracts.LedgerOperation, attempt int) (contracts.LedgerReceipt, error) {
	ctx, span := q.tracer.Start(ctx, "ledger.submit", trace.WithAttributes(
		attribute.String("ledger.op", op.Name),
		attribute.String("ledger.key", op.Key),
		attribute.Int("ledger.attempt", attempt),
	))
	defer span.End()

	receipt, err := q.client.Submit(ctx, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return receipt, err
}

// Reconcile moves every SYNC_FAILED operation back to PENDING with a fresh
// attempt budget and wakes the worker. It returns the number requeued.
func (q *Queue) Reconcile(ctx context.Context) (int, error) {
	failed, err := q.outbox.ListOperations(ctx, contracts.OutboxSyncFailed)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range failed {
		if err := q.outbox.RequeueOperation(ctx, rec.Operation.Key); err != nil {
			if contracts.IsValidation(err) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		q.logger.InfoContext(ctx, "ledger operations requeued", "count", n)
		q.signal()
	}
	return n, nil
}

// Records lists outbox records in status.
func (q *Queue) Records(ctx context.Context, status contracts.OutboxStatus) ([]*contracts.OutboxRecord, error) {
	return q.outbox.ListOperations(ctx, status)
}
