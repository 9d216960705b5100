package contracts

import "time"

// Ledger operation names, as exposed by the governance contract.
const (
	OpVoteProposal     = "voteProposal"
	OpExpireProposal   = "expireProposal"
	OpBlacklistStudent = "blacklistStudent"
	OpWhitelistStudent = "whitelistStudent"
)

// LedgerOperation is one signed submission to the external ledger.
type LedgerOperation struct {
	// Key is the idempotency key; equal operations share a key.
	Key  string   `json:"key"`
	Name string   `json:"name"`
	Args []string `json:"args"`

	// Critical operations are retried with backoff before being abandoned.
	Critical  bool      `json:"critical"`
	CreatedAt time.Time `json:"created_at"`
}

// OutboxStatus tracks a ledger operation through the outbound queue.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxDone       OutboxStatus = "DONE"
	OutboxSyncFailed OutboxStatus = "SYNC_FAILED"
)

// OutboxRecord is the durable state of a queued ledger operation.
type OutboxRecord struct {
	Operation LedgerOperation `json:"operation"`
	Status    OutboxStatus    `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LedgerReceipt confirms the inclusion of an operation.
type LedgerReceipt struct {
	Key       string    `json:"key"`
	TxHash    string    `json:"tx_hash"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Block     uint64    `json:"block,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
