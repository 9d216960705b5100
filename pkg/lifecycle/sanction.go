package lifecycle

import (
	"context"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/timer"
)

// startSanction blacklists identity on the ledger and arms the reversal.
// The sanction record only exists so a restart can re-arm the reversal;
// failing to write it does not stop the sanction.
func (e *Engine) startSanction(ctx context.Context, identity, reason string) {
	now := e.now()
	s := contracts.Sanction{
		Identity:  identity,
		ImposedAt: now,
		LiftsAt:   Deadline(contracts.KindSanction, now, e.durations),
		Reason:    reason,
	}
	if err := e.store.PutSanction(ctx, s); err != nil {
		e.logger.ErrorContext(ctx, "sanction not persisted", "identity", identity, "error", err)
	}

	// The proposal has already expired, so a failed outbox write is retried
	// on its own timer instead of failing the expiry.
	op, buildErr := ledger.BlacklistStudent(identity, reason)
	if err := e.enqueue(ctx, op, buildErr); err != nil {
		e.requeue(ctx, contracts.KindSanction, BlacklistKey(identity), err,
			e.enqueueFire(contracts.KindSanction, BlacklistKey(identity), op))
	}

	e.armSanction(s)
	e.logger.InfoContext(ctx, "sanction imposed", "identity", identity, "reason", reason, "lifts_at", s.LiftsAt)
}

func (e *Engine) armSanction(s contracts.Sanction) {
	e.arm(SanctionKey(s.Identity), s.LiftsAt, e.sanctionFire(s.Identity, s.Reason))
}

// sanctionFire lifts the sanction once the whitelist operation is in the
// outbox; the ledger enforces the flag on its own. A blacklist still
// waiting for the outbox is dropped together with its whitelist.
func (e *Engine) sanctionFire(identity, reason string) timer.Callback {
	var cb timer.Callback
	cb = func(ctx context.Context) {
		ctx, span := e.tracer.Start(ctx, "lifecycle.lift_sanction")
		defer span.End()

		if e.timers.CancelKey(BlacklistKey(identity)) {
			e.logger.WarnContext(ctx, "blacklist never reached the outbox", "identity", identity)
		} else {
			op, buildErr := ledger.WhitelistStudent(identity, reason)
			if err := e.enqueue(ctx, op, buildErr); err != nil {
				span.RecordError(err)
				e.requeue(ctx, contracts.KindSanction, SanctionKey(identity), err, cb)
				return
			}
		}

		if _, err := e.store.DeleteSanction(ctx, identity); err != nil {
			span.RecordError(err)
			e.requeue(ctx, contracts.KindSanction, SanctionKey(identity), err, cb)
			return
		}
		e.notifier.Notify(ctx, identity, contracts.EventSanctionLifted,
			contracts.SanctionNotice{Identity: identity, Reason: reason})
		e.metrics.Transition(ctx, string(contracts.KindSanction), "lifted")
		e.logger.InfoContext(ctx, "sanction lifted", "identity", identity)
	}
	return cb
}
