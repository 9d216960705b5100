// Package contracts holds the data types shared by the quorum packages:
// lifecycle instances (proposals, loans, sanctions), tallies, ledger
// operations and the error taxonomy.
package contracts

import "time"

// Status is the timer dimension of a lifecycle instance.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
)

// InstanceKind names the lifecycle tracks.
type InstanceKind string

const (
	KindProposal InstanceKind = "proposal"
	KindLoan     InstanceKind = "loan"
	KindSanction InstanceKind = "sanction"
)

// Instance is the part every lifecycle record shares.
type Instance struct {
	// ID is the store-local identity. LedgerRef is the external ledger
	// reference, stable across ledger and store.
	ID        string    `json:"id"`
	LedgerRef string    `json:"ledger_ref"`
	Group     string    `json:"group"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

// Active reports whether the instance has not yet transitioned.
func (i Instance) Active() bool {
	return i.Status == StatusActive
}
