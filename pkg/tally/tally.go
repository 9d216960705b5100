// Package tally validates ballots and resolves vote counts into outcomes.
package tally

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

// ParseOption accepts the canonical option names plus the spaced
// "no with veto" spelling used by older clients.
func ParseOption(s string) (contracts.VoteOption, error) {
	switch strings.TrimSpace(s) {
	case "yes":
		return contracts.VoteYes, nil
	case "no":
		return contracts.VoteNo, nil
	case "noWithVeto", "no with veto":
		return contracts.VoteNoWithVeto, nil
	default:
		return "", fmt.Errorf("option %q: %w", s, contracts.ErrInvalidOption)
	}
}

// LedgerCode is the numeric encoding of option on the ledger.
func LedgerCode(option contracts.VoteOption) (int, error) {
	switch option {
	case contracts.VoteYes:
		return 0, nil
	case contracts.VoteNo:
		return 1, nil
	case contracts.VoteNoWithVeto:
		return 2, nil
	default:
		return 0, fmt.Errorf("option %q: %w", option, contracts.ErrInvalidOption)
	}
}

// ResolveOutcome is a pure function of the tally. Majority is checked
// before veto, so a majority approves even when the veto condition
// also holds.
func ResolveOutcome(t contracts.Tally) contracts.Outcome {
	total := t.Total()
	switch {
	case total == 0:
		return contracts.OutcomeRejected
	case t.Yes >= total/2+1:
		return contracts.OutcomeApproved
	case t.NoWithVeto >= t.No:
		return contracts.OutcomeRejectedWithVeto
	default:
		return contracts.OutcomeRejected
	}
}

// Recorder validates a ballot and hands it to the store as one atomic
// counter + voter mutation.
type Recorder struct {
	store store.ProposalStore
	clock func() time.Time
}

// NewRecorder creates a recorder over s.
func NewRecorder(s store.ProposalStore) *Recorder {
	return &Recorder{store: s, clock: time.Now}
}

// WithClock overrides clock for testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// RecordVote validates and records one ballot. Validation failures leave
// the proposal untouched.
func (r *Recorder) RecordVote(ctx context.Context, ledgerRef, voter, option string) (*contracts.Proposal, contracts.VoteOption, error) {
	if strings.TrimSpace(voter) == "" {
		return nil, "", fmt.Errorf("voter is required: %w", contracts.ErrInvalidArgument)
	}
	opt, err := ParseOption(option)
	if err != nil {
		return nil, "", err
	}
	p, err := r.store.RecordVote(ctx, ledgerRef, contracts.Ballot{
		Voter:  voter,
		Option: opt,
		CastAt: r.clock().UTC(),
	})
	if err != nil {
		return nil, "", err
	}
	return p, opt, nil
}
