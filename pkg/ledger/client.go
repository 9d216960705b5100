// Package ledger submits lifecycle outcomes to the external append-only
// ledger.
//
// All submissions from one signing identity go through a single Queue.
// The queue persists every operation in the outbox before it is sent,
// submits strictly in enqueue order, retries outcome-critical operations
// with bounded backoff and parks exhausted ones as SYNC_FAILED until they
// are reconciled.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

// Client submits one signed operation and waits for its inclusion.
type Client interface {
	Submit(ctx context.Context, op contracts.LedgerOperation) (contracts.LedgerReceipt, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, op contracts.LedgerOperation) (contracts.LedgerReceipt, error)

func (f ClientFunc) Submit(ctx context.Context, op contracts.LedgerOperation) (contracts.LedgerReceipt, error) {
	return f(ctx, op)
}

// SubmitError is a failed submission. Permanent failures (malformed
// operation, reverted transaction) are never retried.
type SubmitError struct {
	Op        string
	Permanent bool
	Err       error
}

func (e *SubmitError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("ledger %s (%s): %v", e.Op, kind, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable submission failure.
func Permanent(op string, err error) error {
	return &SubmitError{Op: op, Permanent: true, Err: err}
}

// Transient wraps err as a retryable submission failure.
func Transient(op string, err error) error {
	return &SubmitError{Op: op, Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Permanent
}
