package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

// Vote codes as encoded on the ledger.
const (
	VoteCodeYes        = 0
	VoteCodeNo         = 1
	VoteCodeNoWithVeto = 2
)

var arity = map[string]int{
	contracts.OpVoteProposal:     3, // group, ref, code
	contracts.OpExpireProposal:   2, // group, ref
	contracts.OpBlacklistStudent: 1, // identity
	contracts.OpWhitelistStudent: 1, // identity
}

var critical = map[string]bool{
	contracts.OpExpireProposal:   true,
	contracts.OpBlacklistStudent: true,
	contracts.OpWhitelistStudent: true,
}

// IsCritical reports whether the operation is retried with backoff.
func IsCritical(name string) bool { return critical[name] }

// Validate checks the operation name and argument count.
func Validate(op contracts.LedgerOperation) error {
	n, ok := arity[op.Name]
	if !ok {
		return fmt.Errorf("unknown operation %q", op.Name)
	}
	if len(op.Args) != n {
		return fmt.Errorf("%s takes %d args, got %d", op.Name, n, len(op.Args))
	}
	return nil
}

// OperationKey derives the idempotency key of an operation. scope
// separates operations whose arguments coincide but which are distinct
// events, such as equal votes from two voters.
func OperationKey(name string, args []string, scope string) (string, error) {
	raw, err := json.Marshal(struct {
		Name  string   `json:"name"`
		Args  []string `json:"args"`
		Scope string   `json:"scope,omitempty"`
	}{name, args, scope})
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", name, err)
	}
	raw, err = jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", name, err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// NewOperation builds a keyed operation. CreatedAt is stamped by the queue.
func NewOperation(name, scope string, args ...string) (contracts.LedgerOperation, error) {
	op := contracts.LedgerOperation{
		Name:     name,
		Args:     args,
		Critical: IsCritical(name),
	}
	if err := Validate(op); err != nil {
		return contracts.LedgerOperation{}, err
	}
	key, err := OperationKey(name, args, scope)
	if err != nil {
		return contracts.LedgerOperation{}, err
	}
	op.Key = key
	return op, nil
}

// VoteProposal records one ballot.
func VoteProposal(group, ref, voter string, code int) (contracts.LedgerOperation, error) {
	return NewOperation(contracts.OpVoteProposal, voter, group, ref, fmt.Sprint(code))
}

// ExpireProposal commits the expiry of a proposal.
func ExpireProposal(group, ref string) (contracts.LedgerOperation, error) {
	return NewOperation(contracts.OpExpireProposal, "", group, ref)
}

// BlacklistStudent sanctions identity because of the proposal reason.
func BlacklistStudent(identity, reason string) (contracts.LedgerOperation, error) {
	return NewOperation(contracts.OpBlacklistStudent, reason, identity)
}

// WhitelistStudent lifts the sanction imposed because of reason.
func WhitelistStudent(identity, reason string) (contracts.LedgerOperation, error) {
	return NewOperation(contracts.OpWhitelistStudent, reason, identity)
}
