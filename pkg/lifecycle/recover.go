package lifecycle

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

// RecoveryReport counts the timers re-armed at startup.
type RecoveryReport struct {
	Proposals int `json:"proposals"`
	Loans     int `json:"loans"`
	Sanctions int `json:"sanctions"`
}

// Recover re-arms a timer for every ACTIVE proposal, unexpired loan and
// live sanction in the store. Deadlines are recomputed from the stored
// start time, so an instance whose deadline passed while the process was
// down fires at once.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	proposals, err := e.store.ListActiveProposals(ctx)
	if err != nil {
		return report, fmt.Errorf("recover proposals: %w", err)
	}
	for _, p := range proposals {
		p.Deadline = Deadline(contracts.KindProposal, p.CreatedAt, e.durations)
		e.armProposal(p)
		report.Proposals++
	}

	loans, err := e.store.ListActiveLoans(ctx)
	if err != nil {
		return report, fmt.Errorf("recover loans: %w", err)
	}
	for _, l := range loans {
		deadline := Deadline(contracts.KindLoan, l.StartedAt, e.durations)
		e.arm(LoanKey(l.ItemID, l.Borrower, l.ID), deadline, e.loanFire(l.ItemID, l.Borrower, l.ID))
		report.Loans++
	}

	sanctions, err := e.store.ListSanctions(ctx)
	if err != nil {
		return report, fmt.Errorf("recover sanctions: %w", err)
	}
	for _, s := range sanctions {
		s.LiftsAt = Deadline(contracts.KindSanction, s.ImposedAt, e.durations)
		e.armSanction(s)
		report.Sanctions++
	}

	e.logger.InfoContext(ctx, "timers recovered",
		"proposals", report.Proposals, "loans", report.Loans, "sanctions", report.Sanctions)
	return report, nil
}
