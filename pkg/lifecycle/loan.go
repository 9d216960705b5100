package lifecycle

import (
	"context"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/timer"
)

// CreateLoan appends an unexpired loan to the item and arms its deadline.
func (e *Engine) CreateLoan(ctx context.Context, itemID, borrower string) (contracts.Loan, error) {
	if err := required("item_id", itemID); err != nil {
		return contracts.Loan{}, err
	}
	if err := required("borrower", borrower); err != nil {
		return contracts.Loan{}, err
	}

	now := e.now()
	l := contracts.Loan{
		ID:        e.newID(),
		ItemID:    itemID,
		Borrower:  borrower,
		StartedAt: now,
		Deadline:  Deadline(contracts.KindLoan, now, e.durations),
	}
	if err := e.store.PushLoan(ctx, l); err != nil {
		return contracts.Loan{}, err
	}
	e.arm(LoanKey(itemID, borrower, l.ID), l.Deadline, e.loanFire(itemID, borrower, l.ID))
	e.logger.InfoContext(ctx, "loan started", "item", itemID, "borrower", borrower, "loan_id", l.ID, "deadline", l.Deadline)
	return l, nil
}

// ReturnLoan removes the loan and cancels the deadline of the removed
// record only, so a concurrent re-borrow keeps its own timer. Returning a
// loan that no longer exists is not an error. A return after the deadline
// fired deletes the expired record as well; the loan is not kept around
// marked expired.
func (e *Engine) ReturnLoan(ctx context.Context, itemID, borrower string) error {
	removed, err := e.store.PullLoan(ctx, itemID, borrower)
	if err != nil {
		return err
	}
	if removed == nil {
		e.logger.InfoContext(ctx, "loan already returned", "item", itemID, "borrower", borrower)
		return nil
	}
	cancelled := e.timers.CancelKey(LoanKey(itemID, borrower, removed.ID))
	e.logger.InfoContext(ctx, "loan returned",
		"item", itemID, "borrower", borrower, "was_expired", removed.IsExpired, "timer_cancelled", cancelled)
	return nil
}

// ListLoans lists the loans of an item.
func (e *Engine) ListLoans(ctx context.Context, itemID string) ([]contracts.Loan, error) {
	return e.store.ListLoans(ctx, itemID)
}

func (e *Engine) loanFire(itemID, borrower, loanID string) timer.Callback {
	var cb timer.Callback
	cb = func(ctx context.Context) {
		ctx, span := e.tracer.Start(ctx, "lifecycle.expire_loan")
		defer span.End()

		expired, err := e.store.ExpireLoan(ctx, itemID, borrower, loanID)
		if err != nil {
			span.RecordError(err)
			e.requeue(ctx, contracts.KindLoan, LoanKey(itemID, borrower, loanID), err, cb)
			return
		}
		if !expired {
			e.logger.DebugContext(ctx, "loan gone before expiry", "item", itemID, "borrower", borrower)
			return
		}
		e.notifier.Notify(ctx, borrower, contracts.EventLoanExpired, contracts.LoanNotice{ItemID: itemID, Borrower: borrower})
		e.metrics.Transition(ctx, string(contracts.KindLoan), "expired")
		e.logger.InfoContext(ctx, "loan expired", "item", itemID, "borrower", borrower)
	}
	return cb
}
