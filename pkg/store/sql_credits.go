package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

func (s *SQLStore) AddRequiredCredits(ctx context.Context, group string, credits int) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO member_groups (id, required_credits) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET required_credits = member_groups.required_credits + EXCLUDED.required_credits
		RETURNING required_credits
	`, group, credits).Scan(&total)
	if err != nil {
		return 0, contracts.WrapStore("add required credits", err)
	}
	return total, nil
}

// AcceptCredits computes can_graduate inside the upsert so the flag never
// disagrees with the credits it was derived from.
func (s *SQLStore) AcceptCredits(ctx context.Context, group, student string, credits int) (contracts.Standing, error) {
	st := contracts.Standing{Group: group, Student: student}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO standings (group_id, student, credits, can_graduate)
		VALUES ($1, $2, $3, $3 >= COALESCE((SELECT required_credits FROM member_groups WHERE id = $1), 0))
		ON CONFLICT (group_id, student) DO UPDATE SET
			credits = standings.credits + EXCLUDED.credits,
			can_graduate = standings.credits + EXCLUDED.credits >=
				COALESCE((SELECT required_credits FROM member_groups WHERE id = EXCLUDED.group_id), 0)
		RETURNING credits, can_graduate
	`, group, student, credits).Scan(&st.Credits, &st.CanGraduate)
	if err != nil {
		return contracts.Standing{}, contracts.WrapStore("accept credits", err)
	}
	required, err := s.requiredCredits(ctx, group)
	if err != nil {
		return contracts.Standing{}, contracts.WrapStore("accept credits", err)
	}
	st.Required = required
	return st, nil
}

func (s *SQLStore) requiredCredits(ctx context.Context, group string) (int, error) {
	var required int
	err := s.db.QueryRowContext(ctx, `SELECT required_credits FROM member_groups WHERE id = $1`, group).Scan(&required)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return required, err
}

func (s *SQLStore) GetStanding(ctx context.Context, group, student string) (contracts.Standing, error) {
	st := contracts.Standing{Group: group, Student: student}
	err := s.db.QueryRowContext(ctx, `
		SELECT s.credits, s.can_graduate, COALESCE(g.required_credits, 0)
		FROM standings s LEFT JOIN member_groups g ON g.id = s.group_id
		WHERE s.group_id = $1 AND s.student = $2
	`, group, student).Scan(&st.Credits, &st.CanGraduate, &st.Required)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Standing{}, fmt.Errorf("standing %s/%s: %w", group, student, contracts.ErrNotFound)
	}
	if err != nil {
		return contracts.Standing{}, contracts.WrapStore("get standing", err)
	}
	return st, nil
}

func (s *SQLStore) Enroll(ctx context.Context, group, exam, student string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO enrolments (group_id, exam, student) VALUES ($1, $2, $3)
		ON CONFLICT (group_id, exam, student) DO NOTHING
	`, group, exam, student)
	if err != nil {
		return contracts.WrapStore("enroll", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return contracts.WrapStore("enroll", err)
	}
	if n == 0 {
		return fmt.Errorf("enrolment %s/%s/%s: %w", group, exam, student, contracts.ErrAlreadyExists)
	}
	return nil
}

// RecordVerbalization inserts the mark and deletes the enrolment in one
// transaction, so a student is never both enrolled and marked.
func (s *SQLStore) RecordVerbalization(ctx context.Context, v contracts.Verbalization) (contracts.Verbalization, bool, error) {
	v.RecordedAt = s.clock().UTC().Truncate(time.Millisecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.Verbalization{}, false, contracts.WrapStore("record verbalization", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO verbalizations (group_id, exam, student, mark, settled, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (group_id, exam, student) DO NOTHING
	`, v.Group, v.Exam, v.Student, v.Mark, v.Settled, toMillis(v.RecordedAt))
	if err != nil {
		return contracts.Verbalization{}, false, contracts.WrapStore("record verbalization", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return contracts.Verbalization{}, false, contracts.WrapStore("record verbalization", err)
	}
	if n == 0 {
		return contracts.Verbalization{}, false,
			fmt.Errorf("verbalization %s/%s/%s: %w", v.Group, v.Exam, v.Student, contracts.ErrAlreadyExists)
	}

	res, err = tx.ExecContext(ctx,
		`DELETE FROM enrolments WHERE group_id = $1 AND exam = $2 AND student = $3`, v.Group, v.Exam, v.Student)
	if err != nil {
		return contracts.Verbalization{}, false, contracts.WrapStore("record verbalization", err)
	}
	dropped, err := rowsAffected(res)
	if err != nil {
		return contracts.Verbalization{}, false, contracts.WrapStore("record verbalization", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.Verbalization{}, false, contracts.WrapStore("record verbalization", err)
	}
	return v, dropped > 0, nil
}

func (s *SQLStore) ListVerbalizations(ctx context.Context, group, student string) ([]contracts.Verbalization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT exam, mark, settled, recorded_at FROM verbalizations
		WHERE group_id = $1 AND student = $2 ORDER BY recorded_at, exam
	`, group, student)
	if err != nil {
		return nil, contracts.WrapStore("list verbalizations", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Verbalization, 0)
	for rows.Next() {
		v := contracts.Verbalization{Group: group, Student: student}
		var recorded int64
		if err := rows.Scan(&v.Exam, &v.Mark, &v.Settled, &recorded); err != nil {
			return nil, contracts.WrapStore("list verbalizations", err)
		}
		v.RecordedAt = fromMillis(recorded)
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.WrapStore("list verbalizations", err)
	}
	return result, nil
}
