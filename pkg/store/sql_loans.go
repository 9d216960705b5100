package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

func (s *SQLStore) PushLoan(ctx context.Context, l contracts.Loan) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO loans (loan_id, item_id, borrower, started_at, deadline, is_expired)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id, borrower) DO NOTHING
	`, l.ID, l.ItemID, l.Borrower, toMillis(l.StartedAt), toMillis(l.Deadline), l.IsExpired)
	if err != nil {
		return contracts.WrapStore("push loan", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return contracts.WrapStore("push loan", err)
	}
	if n == 0 {
		return fmt.Errorf("item %s borrower %s: %w", l.ItemID, l.Borrower, contracts.ErrAlreadyBorrowed)
	}
	return nil
}

func (s *SQLStore) PullLoan(ctx context.Context, itemID, borrower string) (*contracts.Loan, error) {
	l := contracts.Loan{ItemID: itemID, Borrower: borrower}
	var startedAt, deadline int64
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM loans WHERE item_id = $1 AND borrower = $2
		RETURNING loan_id, started_at, deadline, is_expired
	`, itemID, borrower).Scan(&l.ID, &startedAt, &deadline, &l.IsExpired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, contracts.WrapStore("pull loan", err)
	}
	l.StartedAt = fromMillis(startedAt)
	l.Deadline = fromMillis(deadline)
	return &l, nil
}

// ExpireLoan targets the one (item, borrower, loan_id) record; other loans
// of the item are untouched.
func (s *SQLStore) ExpireLoan(ctx context.Context, itemID, borrower, loanID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE loans SET is_expired = TRUE
		WHERE item_id = $1 AND borrower = $2 AND loan_id = $3 AND is_expired = FALSE
	`, itemID, borrower, loanID)
	if err != nil {
		return false, contracts.WrapStore("expire loan", err)
	}
	n, err := rowsAffected(res)
	return n > 0, contracts.WrapStore("expire loan", err)
}

func (s *SQLStore) ListLoans(ctx context.Context, itemID string) ([]contracts.Loan, error) {
	return s.listLoans(ctx, "list loans",
		`SELECT loan_id, item_id, borrower, started_at, deadline, is_expired FROM loans WHERE item_id = $1 ORDER BY started_at, borrower`,
		itemID)
}

func (s *SQLStore) ListActiveLoans(ctx context.Context) ([]contracts.Loan, error) {
	return s.listLoans(ctx, "list active loans",
		`SELECT loan_id, item_id, borrower, started_at, deadline, is_expired FROM loans WHERE is_expired = FALSE ORDER BY item_id, borrower`)
}

func (s *SQLStore) listLoans(ctx context.Context, op, query string, args ...any) ([]contracts.Loan, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, contracts.WrapStore(op, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Loan, 0)
	for rows.Next() {
		var (
			l                   contracts.Loan
			startedAt, deadline int64
		)
		if err := rows.Scan(&l.ID, &l.ItemID, &l.Borrower, &startedAt, &deadline, &l.IsExpired); err != nil {
			return nil, contracts.WrapStore(op, err)
		}
		l.StartedAt = fromMillis(startedAt)
		l.Deadline = fromMillis(deadline)
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.WrapStore(op, err)
	}
	return result, nil
}

func (s *SQLStore) PutSanction(ctx context.Context, sanction contracts.Sanction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sanctions (identity, imposed_at, lifts_at, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity) DO UPDATE SET imposed_at = EXCLUDED.imposed_at, lifts_at = EXCLUDED.lifts_at, reason = EXCLUDED.reason
	`, sanction.Identity, toMillis(sanction.ImposedAt), toMillis(sanction.LiftsAt), sanction.Reason)
	return contracts.WrapStore("put sanction", err)
}

func (s *SQLStore) DeleteSanction(ctx context.Context, identity string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sanctions WHERE identity = $1`, identity)
	if err != nil {
		return false, contracts.WrapStore("delete sanction", err)
	}
	n, err := rowsAffected(res)
	return n > 0, contracts.WrapStore("delete sanction", err)
}

func (s *SQLStore) ListSanctions(ctx context.Context) ([]contracts.Sanction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity, imposed_at, lifts_at, reason FROM sanctions ORDER BY identity`)
	if err != nil {
		return nil, contracts.WrapStore("list sanctions", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Sanction, 0)
	for rows.Next() {
		var (
			sanction         contracts.Sanction
			imposed, liftsAt int64
		)
		if err := rows.Scan(&sanction.Identity, &imposed, &liftsAt, &sanction.Reason); err != nil {
			return nil, contracts.WrapStore("list sanctions", err)
		}
		sanction.ImposedAt = fromMillis(imposed)
		sanction.LiftsAt = fromMillis(liftsAt)
		result = append(result, sanction)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.WrapStore("list sanctions", err)
	}
	return result, nil
}
