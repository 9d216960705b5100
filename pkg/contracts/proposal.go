package contracts

import "time"

// VoteOption is a ballot choice.
type VoteOption string

const (
	VoteYes        VoteOption = "yes"
	VoteNo         VoteOption = "no"
	VoteNoWithVeto VoteOption = "noWithVeto"
)

// Outcome is the resolution of an expired proposal.
type Outcome string

const (
	OutcomePending          Outcome = ""
	OutcomeApproved         Outcome = "APPROVED"
	OutcomeRejected         Outcome = "REJECTED"
	OutcomeRejectedWithVeto Outcome = "REJECTED_WITH_VETO"
)

// Tally counts accepted votes per option.
type Tally struct {
	Yes        int `json:"yes"`
	No         int `json:"no"`
	NoWithVeto int `json:"no_with_veto"`
}

// Total is the number of votes cast.
func (t Tally) Total() int {
	return t.Yes + t.No + t.NoWithVeto
}

// Add returns the tally with one more vote for option.
func (t Tally) Add(option VoteOption) Tally {
	switch option {
	case VoteYes:
		t.Yes++
	case VoteNo:
		t.No++
	case VoteNoWithVeto:
		t.NoWithVeto++
	}
	return t
}

// Ballot is one voter's recorded choice.
type Ballot struct {
	Voter  string     `json:"voter"`
	Option VoteOption `json:"option"`
	CastAt time.Time  `json:"cast_at"`
}

// Proposal is a governance proposal voted on by the members of Group.
type Proposal struct {
	Instance
	Proposer    string `json:"proposer"`
	Title       string `json:"title"`
	Description string `json:"description"`

	// Approved stays nil until expiry resolution.
	Approved *bool    `json:"approved,omitempty"`
	Outcome  Outcome  `json:"outcome,omitempty"`
	Tally    Tally    `json:"tally"`
	Voters   []Ballot `json:"voters,omitempty"`
}

// HasVoted reports whether voter already has a ballot on the proposal.
func (p *Proposal) HasVoted(voter string) bool {
	for _, b := range p.Voters {
		if b.Voter == voter {
			return true
		}
	}
	return false
}

// NewProposal is the creation request for a proposal.
type NewProposal struct {
	LedgerRef   string `json:"ledger_ref"`
	Group       string `json:"group"`
	Proposer    string `json:"proposer"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ProposalFilter selects proposals of a group.
type ProposalFilter struct {
	Group string

	// Status filters by timer status when non-empty. ApprovedOnly keeps
	// only expired proposals that were approved.
	Status       Status
	ApprovedOnly bool
}
