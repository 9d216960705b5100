package contracts

import "time"

// Notification event names delivered to subscribers.
const (
	EventProposalsChanged    = "update-proposals"
	EventProposalApproved    = "proposal-approved"
	EventProposalVetoed      = "proposal-negateWithVeto"
	EventProposalRejected    = "proposal-negate"
	EventLoanExpired         = "loan-expired"
	EventSanctionLifted      = "sanction-lifted"
	EventGraduationReachable = "graduation-reachable"
	EventVoteReceived        = "vote-received"
)

// Event is what a subscriber receives.
type Event struct {
	Name    string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// ProposalNotice is the payload of proposal outcome events.
type ProposalNotice struct {
	LedgerRef string  `json:"ledger_ref"`
	Group     string  `json:"group"`
	Proposer  string  `json:"proposer"`
	Outcome   Outcome `json:"outcome,omitempty"`
	Tally     Tally   `json:"tally"`
}

// LoanNotice is the payload of loan-expired.
type LoanNotice struct {
	ItemID   string `json:"item_id"`
	Borrower string `json:"borrower"`
}

// SanctionNotice is the payload of sanction-lifted.
type SanctionNotice struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason,omitempty"`
}
