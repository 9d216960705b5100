// Package lifecycle is the engine that drives proposals, loans and
// sanctions through their timed transitions.
//
// Every instance is persisted first and then armed on the timer service
// under a key derived from its identity. When the deadline fires the engine
// performs the transition through one atomic store call, submits the ledger
// side effects through the serialized queue and notifies subscribers.
// Ledger failures never block a transition. Store failures on a timer path
// re-arm the instance after a backoff instead of dropping it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/notify"
	"github.com/Mindburn-Labs/quorum/pkg/store"
	"github.com/Mindburn-Labs/quorum/pkg/tally"
	"github.com/Mindburn-Labs/quorum/pkg/timer"
)

// Durations are the fixed lifetimes of each track.
type Durations struct {
	Proposal time.Duration
	Loan     time.Duration
	Sanction time.Duration
}

// DefaultDurations returns 1h proposals, 1m loans and 10m sanctions.
func DefaultDurations() Durations {
	return Durations{
		Proposal: time.Hour,
		Loan:     time.Minute,
		Sanction: 10 * time.Minute,
	}
}

// Deadline computes when an instance of kind created at createdAt
// transitions. It depends on nothing but its arguments, so deadlines
// recomputed after a restart match the original ones.
func Deadline(kind contracts.InstanceKind, createdAt time.Time, d Durations) time.Time {
	switch kind {
	case contracts.KindProposal:
		return createdAt.Add(d.Proposal)
	case contracts.KindLoan:
		return createdAt.Add(d.Loan)
	case contracts.KindSanction:
		return createdAt.Add(d.Sanction)
	default:
		return createdAt
	}
}

// Ledger accepts operations for asynchronous submission.
type Ledger interface {
	Enqueue(ctx context.Context, op contracts.LedgerOperation) error
}

// Metrics records transitions and requeues.
type Metrics interface {
	Transition(ctx context.Context, kind, outcome string)
	TimerRequeued(ctx context.Context, kind string)
}

type nopMetrics struct{}

func (nopMetrics) Transition(context.Context, string, string) {}
func (nopMetrics) TimerRequeued(context.Context, string) {}

// Config wires an Engine.
type Config struct {
	Store    store.Store
	Ledger   Ledger
	Notifier notify.Notifier
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  Metrics

	Durations Durations

	// StoreRetryInterval is the delay before a timer whose transition hit
	// a store error fires again.
	StoreRetryInterval time.Duration
}

// Engine is the lifecycle state machine.
type Engine struct {
	store      store.Store
	ledger     Ledger
	notifier   notify.Notifier
	clock      clockwork.Clock
	timers     *timer.Service
	recorder   *tally.Recorder
	durations  Durations
	storeRetry time.Duration
	logger     *slog.Logger
	metrics    Metrics
	tracer     trace.Tracer
	newID      func() string
}

// New creates an engine. Store, Ledger and Notifier are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Notifier == nil {
		return nil, errors.New("lifecycle: store, ledger and notifier are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Durations == (Durations{}) {
		cfg.Durations = DefaultDurations()
	}
	if cfg.StoreRetryInterval <= 0 {
		cfg.StoreRetryInterval = 5 * time.Second
	}

	e := &Engine{
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		notifier:   cfg.Notifier,
		clock:      cfg.Clock,
		timers:     timer.New(cfg.Clock, cfg.Logger),
		durations:  cfg.Durations,
		storeRetry: cfg.StoreRetryInterval,
		logger:     cfg.Logger.With("component", "lifecycle"),
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer("quorum/lifecycle"),
		newID:      uuid.NewString,
	}
	e.recorder = tally.NewRecorder(cfg.Store).WithClock(e.now)
	return e, nil
}

// Close cancels all timers and waits for running transitions.
func (e *Engine) Close() {
	e.timers.Close()
}

// Pending reports whether a timer is armed for the instance key.
func (e *Engine) Pending(key string) bool {
	return e.timers.Pending(key)
}

// now is truncated to the millisecond precision the stores keep.
func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Millisecond)
}

// ProposalKey is the timer key of a proposal.
func ProposalKey(ref string) string { return "proposal:" + ref }

// LoanKey is the timer key of one loan. A re-borrow of the same item by
// the same borrower gets a new loan ID and so a key of its own.
func LoanKey(itemID, borrower, loanID string) string {
	return "loan:" + url.PathEscape(itemID) + "/" + url.PathEscape(borrower) + "/" + url.PathEscape(loanID)
}

// SanctionKey is the timer key of a sanction.
func SanctionKey(identity string) string { return "sanction:" + identity }

// BlacklistKey is the timer key of a blacklist operation the ledger queue
// has not accepted yet.
func BlacklistKey(identity string) string { return "blacklist:" + identity }

// arm schedules cb under key, logging when the timer service is closed.
func (e *Engine) arm(key string, at time.Time, cb timer.Callback) {
	if _, err := e.timers.Arm(key, at, cb); err != nil {
		e.logger.Warn("timer not armed", "key", key, "error", err)
	}
}

// requeue re-arms a timer whose transition failed on the store.
func (e *Engine) requeue(ctx context.Context, kind contracts.InstanceKind, key string, err error, cb timer.Callback) {
	retryAt := e.clock.Now().Add(e.storeRetry)
	e.metrics.TimerRequeued(ctx, string(kind))
	e.logger.ErrorContext(ctx, "transition failed, requeued",
		"kind", kind, "key", key, "retry_at", retryAt, "error", err)
	e.arm(key, retryAt, cb)
}

// enqueue hands op to the ledger queue. A build error is permanent and
// only logged; an enqueue error is returned so timer paths can retry.
func (e *Engine) enqueue(ctx context.Context, op contracts.LedgerOperation, buildErr error) error {
	if buildErr != nil {
		e.logger.ErrorContext(ctx, "ledger operation rejected", "error", buildErr)
		return nil
	}
	if err := e.ledger.Enqueue(ctx, op); err != nil {
		e.logger.ErrorContext(ctx, "ledger enqueue failed", "op", op.Name, "key", op.Key, "error", err)
		return fmt.Errorf("enqueue %s: %w", op.Name, err)
	}
	return nil
}

// enqueueFire retries op under key until the ledger queue accepts it.
func (e *Engine) enqueueFire(kind contracts.InstanceKind, key string, op contracts.LedgerOperation) timer.Callback {
	var cb timer.Callback
	cb = func(ctx context.Context) {
		if err := e.enqueue(ctx, op, nil); err != nil {
			e.requeue(ctx, kind, key, err, cb)
			return
		}
		e.logger.InfoContext(ctx, "ledger operation enqueued on retry", "op", op.Name, "key", op.Key)
	}
	return cb
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required: %w", field, contracts.ErrInvalidArgument)
	}
	return nil
}
