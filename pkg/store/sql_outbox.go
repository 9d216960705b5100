package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

const outboxColumns = `op_key, name, args, critical, status, attempts, last_error, created_at, updated_at`

// PutOperation is idempotent on the operation key.
func (s *SQLStore) PutOperation(ctx context.Context, op contracts.LedgerOperation) (bool, error) {
	args, err := json.Marshal(op.Args)
	if err != nil {
		return false, fmt.Errorf("marshal args: %w", err)
	}
	now := toMillis(s.clock())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_outbox (op_key, name, args, critical, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6, $7)
		ON CONFLICT (op_key) DO NOTHING
	`, op.Key, op.Name, string(args), op.Critical, string(contracts.OutboxPending), toMillis(op.CreatedAt), now)
	if err != nil {
		return false, contracts.WrapStore("put operation", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, contracts.WrapStore("put operation", err)
	}
	return n > 0, nil
}

func scanOutbox(sc interface{ Scan(...any) error }) (*contracts.OutboxRecord, error) {
	var (
		rec                  contracts.OutboxRecord
		args, status         string
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&rec.Operation.Key, &rec.Operation.Name, &args, &rec.Operation.Critical, &status,
		&rec.Attempts, &rec.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &rec.Operation.Args); err != nil {
		return nil, fmt.Errorf("corrupt args for %s: %w", rec.Operation.Key, err)
	}
	rec.Status = contracts.OutboxStatus(status)
	rec.Operation.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

func (s *SQLStore) GetOperation(ctx context.Context, key string) (*contracts.OutboxRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM ledger_outbox WHERE op_key = $1`, key)
	rec, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("operation %s: %w", key, contracts.ErrNotFound)
		}
		return nil, contracts.WrapStore("get operation", err)
	}
	return rec, nil
}

func (s *SQLStore) ListOperations(ctx context.Context, status contracts.OutboxStatus) ([]*contracts.OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM ledger_outbox WHERE status = $1 ORDER BY created_at, op_key`, string(status))
	if err != nil {
		return nil, contracts.WrapStore("list operations", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.OutboxRecord, 0)
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, contracts.WrapStore("list operations", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.WrapStore("list operations", err)
	}
	return result, nil
}

func (s *SQLStore) UpdateOperation(ctx context.Context, key string, status contracts.OutboxStatus, attempts int, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_outbox SET status = $1, attempts = $2, last_error = $3, updated_at = $4
		WHERE op_key = $5
	`, string(status), attempts, lastErr, toMillis(s.clock()), key)
	if err != nil {
		return contracts.WrapStore("update operation", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return contracts.WrapStore("update operation", err)
	}
	if n == 0 {
		return fmt.Errorf("operation %s: %w", key, contracts.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) RequeueOperation(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_outbox SET status = $1, attempts = 0, updated_at = $2
		WHERE op_key = $3 AND status = $4
	`, string(contracts.OutboxPending), toMillis(s.clock()), key, string(contracts.OutboxSyncFailed))
	if err != nil {
		return contracts.WrapStore("requeue operation", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return contracts.WrapStore("requeue operation", err)
	}
	if n > 0 {
		return nil
	}
	rec, err := s.GetOperation(ctx, key)
	if err != nil {
		return err
	}
	return fmt.Errorf("operation %s is %s: %w", key, rec.Status, contracts.ErrInvalidArgument)
}
