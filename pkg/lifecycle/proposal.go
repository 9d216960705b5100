package lifecycle

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/tally"
	"github.com/Mindburn-Labs/quorum/pkg/timer"
)

// CreateProposal persists an ACTIVE proposal with an empty tally, arms its
// deadline and tells every subscriber the proposal list changed.
func (e *Engine) CreateProposal(ctx context.Context, req contracts.NewProposal) (*contracts.Proposal, error) {
	for _, f := range [][2]string{
		{"ledger_ref", req.LedgerRef},
		{"group", req.Group},
		{"proposer", req.Proposer},
	} {
		if err := required(f[0], f[1]); err != nil {
			return nil, err
		}
	}

	now := e.now()
	p := &contracts.Proposal{
		Instance: contracts.Instance{
			ID:        e.newID(),
			LedgerRef: req.LedgerRef,
			Group:     req.Group,
			Status:    contracts.StatusActive,
			CreatedAt: now,
			Deadline:  Deadline(contracts.KindProposal, now, e.durations),
		},
		Proposer:    req.Proposer,
		Title:       req.Title,
		Description: req.Description,
	}
	if err := e.store.CreateProposal(ctx, p); err != nil {
		return nil, err
	}

	e.armProposal(p)
	e.logger.InfoContext(ctx, "proposal created", "ref", p.LedgerRef, "group", p.Group, "deadline", p.Deadline)
	e.notifier.Broadcast(ctx, contracts.EventProposalsChanged, nil)
	return p, nil
}

// CastVote records a ballot and queues its ledger record. The ledger
// submission never affects the result returned to the voter.
func (e *Engine) CastVote(ctx context.Context, ledgerRef, voter, option string) (*contracts.Proposal, error) {
	p, opt, err := e.recorder.RecordVote(ctx, ledgerRef, voter, option)
	if err != nil {
		return nil, err
	}
	code, err := tally.LedgerCode(opt)
	if err != nil {
		return nil, err
	}
	// Votes are best effort on the ledger; the store tally already counts it.
	op, buildErr := ledger.VoteProposal(p.Group, p.LedgerRef, voter, code)
	_ = e.enqueue(ctx, op, buildErr)
	return p, nil
}

// GetProposal loads one proposal with its ballots.
func (e *Engine) GetProposal(ctx context.Context, ledgerRef string) (*contracts.Proposal, error) {
	return e.store.GetProposal(ctx, ledgerRef)
}

// ListProposals lists proposals of a group.
func (e *Engine) ListProposals(ctx context.Context, f contracts.ProposalFilter) ([]*contracts.Proposal, error) {
	if err := required("group", f.Group); err != nil {
		return nil, err
	}
	return e.store.ListProposals(ctx, f)
}

func (e *Engine) armProposal(p *contracts.Proposal) {
	e.arm(ProposalKey(p.LedgerRef), p.Deadline, e.proposalFire(p.LedgerRef, p.Group, p.Proposer))
}

func (e *Engine) proposalFire(ref, group, proposer string) timer.Callback {
	var cb timer.Callback
	cb = func(ctx context.Context) {
		ctx, span := e.tracer.Start(ctx, "lifecycle.expire_proposal",
			trace.WithAttributes(attribute.String("proposal.ref", ref)))
		defer span.End()

		if err := e.expireProposal(ctx, ref, group, proposer); err != nil {
			span.RecordError(err)
			e.requeue(ctx, contracts.KindProposal, ProposalKey(ref), err, cb)
		}
	}
	return cb
}

// expireProposal runs the deadline transition. It returns an error only
// when the transition must be retried.
func (e *Engine) expireProposal(ctx context.Context, ref, group, proposer string) error {
	// The outbox write comes first; a retry after a later failure is
	// deduplicated by the operation key.
	op, buildErr := ledger.ExpireProposal(group, ref)
	if err := e.enqueue(ctx, op, buildErr); err != nil {
		return err
	}

	p, err := e.store.ExpireProposal(ctx, ref, e.now(), tally.ResolveOutcome)
	switch {
	case errors.Is(err, contracts.ErrNotActive):
		e.logger.DebugContext(ctx, "proposal already expired", "ref", ref)
		return nil
	case errors.Is(err, contracts.ErrNotFound):
		e.logger.WarnContext(ctx, "expiring proposal vanished", "ref", ref)
		return nil
	case err != nil:
		return err
	}

	notice := contracts.ProposalNotice{
		LedgerRef: p.LedgerRef,
		Group:     p.Group,
		Proposer:  p.Proposer,
		Outcome:   p.Outcome,
		Tally:     p.Tally,
	}
	switch p.Outcome {
	case contracts.OutcomeApproved:
		e.notifier.Notify(ctx, proposer, contracts.EventProposalApproved, notice)
		e.notifier.Notify(ctx, group, contracts.EventProposalApproved, notice)
	case contracts.OutcomeRejectedWithVeto:
		e.startSanction(ctx, proposer, ref)
		e.notifier.Notify(ctx, proposer, contracts.EventProposalVetoed, notice)
	default:
		e.notifier.Notify(ctx, proposer, contracts.EventProposalRejected, notice)
	}
	e.notifier.Broadcast(ctx, contracts.EventProposalsChanged, nil)

	e.metrics.Transition(ctx, string(contracts.KindProposal), string(p.Outcome))
	e.logger.InfoContext(ctx, "proposal expired",
		"ref", ref, "outcome", p.Outcome, "yes", p.Tally.Yes, "no", p.Tally.No, "veto", p.Tally.NoWithVeto)
	return nil
}
