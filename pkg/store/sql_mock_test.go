package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

func TestRecordVote_DuplicateRollsBackIncrement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proposals SET veto_count = veto_count + 1 WHERE ledger_ref = $1 AND status = $2")).
		WithArgs("p1", "ACTIVE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO proposal_voters")).
		WithArgs("p1", "bob", "noWithVeto", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = s.RecordVote(context.Background(), "p1", contracts.Ballot{Voter: "bob", Option: contracts.VoteNoWithVeto})
	assert.ErrorIs(t, err, contracts.ErrDuplicateVote)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordVote_ExpiredProposal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proposals SET yes_count")).
		WithArgs("p1", "ACTIVE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM proposals WHERE ledger_ref = $1")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("EXPIRED"))
	mock.ExpectRollback()

	_, err = s.RecordVote(context.Background(), "p1", contracts.Ballot{Voter: "bob", Option: contracts.VoteYes})
	assert.ErrorIs(t, err, contracts.ErrNotActive)
	assert.True(t, contracts.IsValidation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireProposal_DatabaseFailureIsStoreError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE proposals SET status = $1, expired_at = $2")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	called := false
	_, err = s.ExpireProposal(context.Background(), "p1", t0, func(contracts.Tally) contracts.Outcome {
		called = true
		return contracts.OutcomeRejected
	})
	var se *contracts.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "expire proposal", se.Op)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcceptCredits_SingleStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO standings")).
		WithArgs("g1", "alice", 4).
		WillReturnRows(sqlmock.NewRows([]string{"credits", "can_graduate"}).AddRow(10, true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT required_credits FROM member_groups WHERE id = $1")).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"required_credits"}).AddRow(9))

	st, err := s.AcceptCredits(context.Background(), "g1", "alice", 4)
	require.NoError(t, err)
	assert.Equal(t, contracts.Standing{Group: "g1", Student: "alice", Credits: 10, Required: 9, CanGraduate: true}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireLoan_MatchesLoanID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	mock.ExpectExec(regexp.QuoteMeta("WHERE item_id = $1 AND borrower = $2 AND loan_id = $3 AND is_expired = FALSE")).
		WithArgs("book", "bob", "l-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ExpireLoan(context.Background(), "book", "bob", "l-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPullLoan_ReturnsRemovedRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM loans WHERE item_id = $1 AND borrower = $2")).
		WithArgs("book", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"loan_id", "started_at", "deadline", "is_expired"}).
			AddRow("l-1", t0.UnixMilli(), t0.Add(time.Minute).UnixMilli(), true))
	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM loans")).
		WithArgs("book", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"loan_id", "started_at", "deadline", "is_expired"}))

	l, err := s.PullLoan(context.Background(), "book", "bob")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "l-1", l.ID)
	assert.True(t, l.IsExpired)
	assert.True(t, t0.Equal(l.StartedAt))

	l, err = s.PullLoan(context.Background(), "book", "bob")
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordVerbalization_OneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db).WithClock(fixedClock)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO verbalizations")).
		WithArgs("g1", "algebra", "alice", 12, true, t0.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM enrolments")).
		WithArgs("g1", "algebra", "alice").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, _, err = s.RecordVerbalization(context.Background(), contracts.Verbalization{
		Group: "g1", Exam: "algebra", Student: "alice", Mark: 12, Settled: true,
	})
	var storeErr *contracts.StoreError
	assert.ErrorAs(t, err, &storeErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
