package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

const proposalColumns = `id, ledger_ref, group_id, proposer, title, description, status, outcome, approved,
	yes_count, no_count, veto_count, created_at, deadline`

func (s *SQLStore) CreateProposal(ctx context.Context, p *contracts.Proposal) error {
	query := `
		INSERT INTO proposals (id, ledger_ref, group_id, proposer, title, description, status, created_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		p.ID, p.LedgerRef, p.Group, p.Proposer, p.Title, p.Description, string(p.Status),
		toMillis(p.CreatedAt), toMillis(p.Deadline),
	)
	if err != nil {
		return contracts.WrapStore("create proposal", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return contracts.WrapStore("create proposal", err)
	}
	if n == 0 {
		return fmt.Errorf("proposal %s: %w", p.LedgerRef, contracts.ErrAlreadyExists)
	}
	return nil
}

func scanProposal(sc interface{ Scan(...any) error }) (*contracts.Proposal, error) {
	var (
		p                   contracts.Proposal
		status, outcome     string
		approved            sql.NullBool
		createdAt, deadline int64
	)
	err := sc.Scan(&p.ID, &p.LedgerRef, &p.Group, &p.Proposer, &p.Title, &p.Description, &status, &outcome, &approved,
		&p.Tally.Yes, &p.Tally.No, &p.Tally.NoWithVeto, &createdAt, &deadline)
	if err != nil {
		return nil, err
	}
	p.Status = contracts.Status(status)
	p.Outcome = contracts.Outcome(outcome)
	if approved.Valid {
		v := approved.Bool
		p.Approved = &v
	}
	p.CreatedAt = fromMillis(createdAt)
	p.Deadline = fromMillis(deadline)
	return &p, nil
}

func (s *SQLStore) GetProposal(ctx context.Context, ledgerRef string) (*contracts.Proposal, error) {
	p, err := getProposal(ctx, s.db, ledgerRef)
	return p, contracts.WrapStore("get proposal", err)
}

func getProposal(ctx context.Context, q queryer, ledgerRef string) (*contracts.Proposal, error) {
	row := q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE ledger_ref = $1`, ledgerRef)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("proposal %s: %w", ledgerRef, contracts.ErrNotFound)
		}
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT voter, vote, cast_at FROM proposal_voters WHERE proposal_ref = $1 ORDER BY cast_at, voter`, ledgerRef)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			b      contracts.Ballot
			option string
			castAt int64
		)
		if err := rows.Scan(&b.Voter, &option, &castAt); err != nil {
			return nil, err
		}
		b.Option = contracts.VoteOption(option)
		b.CastAt = fromMillis(castAt)
		p.Voters = append(p.Voters, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) ListProposals(ctx context.Context, f contracts.ProposalFilter) ([]*contracts.Proposal, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Group != "" {
		add("group_id = $%d", f.Group)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.ApprovedOnly {
		add("status = $%d", string(contracts.StatusExpired))
		where = append(where, "approved = TRUE")
	}

	query := `SELECT ` + proposalColumns + ` FROM proposals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, ledger_ref`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, contracts.WrapStore("list proposals", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, contracts.WrapStore("list proposals", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.WrapStore("list proposals", err)
	}
	return result, nil
}

func (s *SQLStore) ListActiveProposals(ctx context.Context) ([]*contracts.Proposal, error) {
	return s.ListProposals(ctx, contracts.ProposalFilter{Status: contracts.StatusActive})
}

// RecordVote increments the counter only while the proposal is ACTIVE and
// inserts the ballot under the (proposal, voter) key. A second ballot from
// the same voter rolls the increment back.
func (s *SQLStore) RecordVote(ctx context.Context, ledgerRef string, b contracts.Ballot) (*contracts.Proposal, error) {
	col, err := tallyColumn(b.Option)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, contracts.WrapStore("record vote", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE proposals SET %s = %s + 1 WHERE ledger_ref = $1 AND status = $2`, col, col),
		ledgerRef, string(contracts.StatusActive))
	if err != nil {
		return nil, contracts.WrapStore("record vote", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, contracts.WrapStore("record vote", err)
	}
	if n == 0 {
		return nil, contracts.WrapStore("record vote", notActiveOrMissing(ctx, tx, ledgerRef))
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO proposal_voters (proposal_ref, voter, vote, cast_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_ref, voter) DO NOTHING
	`, ledgerRef, b.Voter, string(b.Option), toMillis(b.CastAt))
	if err != nil {
		return nil, contracts.WrapStore("record vote", err)
	}
	if n, err = rowsAffected(res); err != nil {
		return nil, contracts.WrapStore("record vote", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("proposal %s voter %s: %w", ledgerRef, b.Voter, contracts.ErrDuplicateVote)
	}

	p, err := getProposal(ctx, tx, ledgerRef)
	if err != nil {
		return nil, contracts.WrapStore("record vote", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, contracts.WrapStore("record vote", err)
	}
	return p, nil
}

func notActiveOrMissing(ctx context.Context, q queryer, ledgerRef string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM proposals WHERE ledger_ref = $1`, ledgerRef).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("proposal %s: %w", ledgerRef, contracts.ErrNotFound)
	case err != nil:
		return err
	default:
		return fmt.Errorf("proposal %s is %s: %w", ledgerRef, status, contracts.ErrNotActive)
	}
}

// ExpireProposal flips status and captures the counters in the same
// statement, so no vote can land between the snapshot and the flip.
func (s *SQLStore) ExpireProposal(ctx context.Context, ledgerRef string, at time.Time, resolve Resolver) (*contracts.Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, contracts.WrapStore("expire proposal", err)
	}
	defer func() { _ = tx.Rollback() }()

	var snapshot contracts.Tally
	err = tx.QueryRowContext(ctx, `
		UPDATE proposals SET status = $1, expired_at = $2
		WHERE ledger_ref = $3 AND status = $4
		RETURNING yes_count, no_count, veto_count
	`, string(contracts.StatusExpired), toMillis(at), ledgerRef, string(contracts.StatusActive)).
		Scan(&snapshot.Yes, &snapshot.No, &snapshot.NoWithVeto)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.WrapStore("expire proposal", notActiveOrMissing(ctx, tx, ledgerRef))
	}
	if err != nil {
		return nil, contracts.WrapStore("expire proposal", err)
	}

	outcome := resolve(snapshot)
	if _, err := tx.ExecContext(ctx,
		`UPDATE proposals SET outcome = $1, approved = $2 WHERE ledger_ref = $3`,
		string(outcome), outcome == contracts.OutcomeApproved, ledgerRef); err != nil {
		return nil, contracts.WrapStore("expire proposal", err)
	}

	p, err := getProposal(ctx, tx, ledgerRef)
	if err != nil {
		return nil, contracts.WrapStore("expire proposal", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, contracts.WrapStore("expire proposal", err)
	}
	return p, nil
}
