// Package store persists lifecycle instances.
//
// Every mutation that must be indivisible (vote counter + voter record,
// expire + tally snapshot + outcome, credit increment + graduation flag) is
// a single store call, so callers never need an in-process lock around I/O.
// Two implementations exist: MemoryStore for tests and embedding, and
// SQLStore for SQLite (lite mode) and PostgreSQL.
package store

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

// Resolver turns a tally snapshot into an outcome.
type Resolver func(contracts.Tally) contracts.Outcome

// ProposalStore persists proposals and their ballots.
type ProposalStore interface {
	// CreateProposal inserts p. ErrAlreadyExists when the ledger ref is taken.
	CreateProposal(ctx context.Context, p *contracts.Proposal) error

	// GetProposal loads a proposal with its ballots.
	GetProposal(ctx context.Context, ledgerRef string) (*contracts.Proposal, error)

	// ListProposals returns proposals matching f, oldest first, without ballots.
	ListProposals(ctx context.Context, f contracts.ProposalFilter) ([]*contracts.Proposal, error)

	// ListActiveProposals returns every ACTIVE proposal across groups.
	ListActiveProposals(ctx context.Context) ([]*contracts.Proposal, error)

	// RecordVote atomically increments the option counter and appends the
	// ballot. ErrNotFound, ErrNotActive or ErrDuplicateVote leave the
	// proposal unchanged.
	RecordVote(ctx context.Context, ledgerRef string, b contracts.Ballot) (*contracts.Proposal, error)

	// ExpireProposal atomically marks an ACTIVE proposal EXPIRED, snapshots
	// its tally and records resolve(snapshot). ErrNotActive when it already
	// expired.
	ExpireProposal(ctx context.Context, ledgerRef string, at time.Time, resolve Resolver) (*contracts.Proposal, error)
}

// LoanStore persists the loans embedded in lending items.
type LoanStore interface {
	// PushLoan appends a loan. ErrAlreadyBorrowed when the borrower already
	// holds the item.
	PushLoan(ctx context.Context, l contracts.Loan) error

	// PullLoan removes the loan and returns the removed record. Removing a
	// missing loan is not an error; the loan is nil then.
	PullLoan(ctx context.Context, itemID, borrower string) (*contracts.Loan, error)

	// ExpireLoan sets IsExpired on the loan loanID of item and borrower.
	// The bool reports whether an unexpired record matched; a re-borrow of
	// the same item carries a new ID and never matches an earlier one.
	ExpireLoan(ctx context.Context, itemID, borrower, loanID string) (bool, error)

	// ListLoans returns the loans of an item.
	ListLoans(ctx context.Context, itemID string) ([]contracts.Loan, error)

	// ListActiveLoans returns every unexpired loan.
	ListActiveLoans(ctx context.Context) ([]contracts.Loan, error)
}

// SanctionStore keeps live sanctions so their reversal survives restarts.
type SanctionStore interface {
	PutSanction(ctx context.Context, s contracts.Sanction) error
	DeleteSanction(ctx context.Context, identity string) (bool, error)
	ListSanctions(ctx context.Context) ([]contracts.Sanction, error)
}

// OutboxStore is the durable queue of ledger operations.
type OutboxStore interface {
	// PutOperation records op as PENDING. It reports false, without error,
	// when an operation with the same key is already known.
	PutOperation(ctx context.Context, op contracts.LedgerOperation) (bool, error)

	GetOperation(ctx context.Context, key string) (*contracts.OutboxRecord, error)

	// ListOperations returns records in status, oldest first.
	ListOperations(ctx context.Context, status contracts.OutboxStatus) ([]*contracts.OutboxRecord, error)

	UpdateOperation(ctx context.Context, key string, status contracts.OutboxStatus, attempts int, lastErr string) error

	// RequeueOperation moves a SYNC_FAILED record back to PENDING with a
	// fresh attempt budget.
	RequeueOperation(ctx context.Context, key string) error
}

// CreditStore keeps per-group graduation requirements and student credits.
type CreditStore interface {
	// AddRequiredCredits increments a group's requirement and returns the new total.
	AddRequiredCredits(ctx context.Context, group string, credits int) (int, error)

	// AcceptCredits increments a student's credits and recomputes
	// CanGraduate in one atomic operation.
	AcceptCredits(ctx context.Context, group, student string, credits int) (contracts.Standing, error)

	GetStanding(ctx context.Context, group, student string) (contracts.Standing, error)

	// Enroll registers student for an exam. ErrAlreadyExists when the
	// student is already enrolled.
	Enroll(ctx context.Context, group, exam, student string) error

	// RecordVerbalization stores v and drops the matching enrolment in one
	// atomic operation. The bool reports whether an enrolment was dropped.
	// ErrAlreadyExists when the exam already has a mark for the student.
	RecordVerbalization(ctx context.Context, v contracts.Verbalization) (contracts.Verbalization, bool, error)

	// ListVerbalizations returns a student's marks in a group, oldest first.
	ListVerbalizations(ctx context.Context, group, student string) ([]contracts.Verbalization, error)
}

// Store is everything the engine persists.
type Store interface {
	ProposalStore
	LoanStore
	SanctionStore
	OutboxStore
	CreditStore

	Close() error
}
