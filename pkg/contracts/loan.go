package contracts

import "time"

// Loan is a borrow of a lending item. Loans live inside their item; the
// pair (ItemID, Borrower) identifies one.
type Loan struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	Borrower  string    `json:"borrower"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
	IsExpired bool      `json:"is_expired"`
}

// Status mirrors IsExpired onto the lifecycle status.
func (l Loan) Status() Status {
	if l.IsExpired {
		return StatusExpired
	}
	return StatusActive
}

// Sanction is a temporary block placed on an identity after a vetoed proposal.
type Sanction struct {
	Identity  string    `json:"identity"`
	ImposedAt time.Time `json:"imposed_at"`
	LiftsAt   time.Time `json:"lifts_at"`

	// Reason is the ledger reference of the proposal that triggered it.
	Reason string `json:"reason,omitempty"`
}
