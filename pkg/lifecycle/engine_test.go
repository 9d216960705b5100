package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

const broadcast = "*"

type sent struct {
	identity string
	event    string
	payload  any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingNotifier) Notify(_ context.Context, identity, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{identity, event, payload})
}

func (r *recordingNotifier) Broadcast(_ context.Context, event string, payload any) {
	r.Notify(context.Background(), broadcast, event, payload)
}

func (r *recordingNotifier) count(identity, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.identity == identity && s.event == event {
			n++
		}
	}
	return n
}

type recordingLedger struct {
	mu  sync.Mutex
	ops []contracts.LedgerOperation
	err error
}

func (r *recordingLedger) Enqueue(_ context.Context, op contracts.LedgerOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ops = append(r.ops, op)
	return nil
}

func (r *recordingLedger) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingLedger) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op.Name)
	}
	return out
}

type countingMetrics struct {
	transitions atomic.Int32
	requeues    atomic.Int32
}

func (m *countingMetrics) Transition(context.Context, string, string) { m.transitions.Add(1) }
func (m *countingMetrics) TimerRequeued(context.Context, string) { m.requeues.Add(1) }

type harness struct {
	clock    clockwork.FakeClock
	store    store.Store
	ledger   *recordingLedger
	notifier *recordingNotifier
	metrics  *countingMetrics
	engine   *Engine
}

func newHarness(t *testing.T, s store.Store) *harness {
	t.Helper()
	if s == nil {
		s = store.NewMemoryStore()
	}
	h := &harness{
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		store:    s,
		ledger:   &recordingLedger{},
		notifier: &recordingNotifier{},
		metrics:  &countingMetrics{},
	}
	h.engine = h.newEngine(t)
	return h
}

func (h *harness) newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{
		Store:              h.store,
		Ledger:             h.ledger,
		Notifier:           h.notifier,
		Clock:              h.clock,
		Metrics:            h.metrics,
		StoreRetryInterval: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func (h *harness) eventually(t *testing.T, identity, event string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.notifier.count(identity, event) == n },
		time.Second, 5*time.Millisecond, "%s to %s", event, identity)
}

func (h *harness) propose(t *testing.T, ref string) *contracts.Proposal {
	t.Helper()
	p, err := h.engine.CreateProposal(context.Background(), contracts.NewProposal{
		LedgerRef: ref, Group: "uni", Proposer: "alice", Title: "Field trip",
	})
	require.NoError(t, err)
	return p
}

func (h *harness) vote(t *testing.T, ref string, ballots map[string]string) {
	t.Helper()
	for voter, option := range ballots {
		_, err := h.engine.CastVote(context.Background(), ref, voter, option)
		require.NoError(t, err)
	}
}

func TestDeadline_Pure(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := DefaultDurations()
	assert.Equal(t, created.Add(time.Hour), Deadline(contracts.KindProposal, created, d))
	assert.Equal(t, created.Add(time.Minute), Deadline(contracts.KindLoan, created, d))
	assert.Equal(t, created.Add(10*time.Minute), Deadline(contracts.KindSanction, created, d))
}

func TestProposal_ApprovedAtDeadline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	p := h.propose(t, "1")
	assert.Equal(t, contracts.StatusActive, p.Status)
	assert.True(t, h.engine.Pending(ProposalKey("1")))
	h.eventually(t, broadcast, contracts.EventProposalsChanged, 1)

	h.vote(t, "1", map[string]string{"bob": "yes", "carol": "yes", "dave": "no"})

	h.clock.Advance(59 * time.Minute)
	assert.Equal(t, 0, h.notifier.count("alice", contracts.EventProposalApproved))

	h.clock.Advance(time.Minute)
	h.eventually(t, "alice", contracts.EventProposalApproved, 1)
	h.eventually(t, "uni", contracts.EventProposalApproved, 1)
	h.eventually(t, broadcast, contracts.EventProposalsChanged, 2)

	got, err := h.engine.GetProposal(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExpired, got.Status)
	assert.Equal(t, contracts.OutcomeApproved, got.Outcome)
	require.NotNil(t, got.Approved)
	assert.True(t, *got.Approved)

	_, err = h.engine.CastVote(ctx, "1", "erin", "yes")
	assert.ErrorIs(t, err, contracts.ErrNotActive)

	assert.ElementsMatch(t, []string{
		contracts.OpVoteProposal, contracts.OpVoteProposal, contracts.OpVoteProposal, contracts.OpExpireProposal,
	}, h.ledger.names())
	assert.Equal(t, int32(1), h.metrics.transitions.Load())
}

func TestProposal_OutcomeNotifiedExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.propose(t, "2")

	h.clock.Advance(time.Hour)
	h.eventually(t, "alice", contracts.EventProposalRejected, 1)

	// A second fire, as after a restart race, finds the proposal expired.
	require.NoError(t, h.engine.expireProposal(context.Background(), "2", "uni", "alice"))
	h.clock.Advance(3 * time.Hour)
	assert.Never(t, func() bool {
		return h.notifier.count("alice", contracts.EventProposalRejected) > 1
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 2, h.notifier.count(broadcast, contracts.EventProposalsChanged))
}

func TestProposal_VetoSanctionsProposerThenLifts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.propose(t, "3")
	h.vote(t, "3", map[string]string{"bob": "yes", "carol": "no", "dave": "no with veto"})

	h.clock.Advance(time.Hour)
	h.eventually(t, "alice", contracts.EventProposalVetoed, 1)
	assert.Equal(t, 0, h.notifier.count("uni", contracts.EventProposalApproved))
	assert.True(t, h.engine.Pending(SanctionKey("alice")))

	sanctions, err := h.store.ListSanctions(ctx)
	require.NoError(t, err)
	require.Len(t, sanctions, 1)
	assert.Equal(t, "3", sanctions[0].Reason)
	assert.Contains(t, h.ledger.names(), contracts.OpBlacklistStudent)

	h.clock.Advance(10 * time.Minute)
	h.eventually(t, "alice", contracts.EventSanctionLifted, 1)
	assert.Contains(t, h.ledger.names(), contracts.OpWhitelistStudent)

	sanctions, err = h.store.ListSanctions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sanctions)
}

func TestProposal_LedgerFailureDoesNotBlockVoters(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.fail(errors.New("outbox unavailable"))
	h.propose(t, "4")

	_, err := h.engine.CastVote(context.Background(), "4", "bob", "yes")
	require.NoError(t, err, "ledger errors never reach the voter")

	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return h.metrics.requeues.Load() == 1 && h.engine.Pending(ProposalKey("4")) },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.notifier.count("alice", contracts.EventProposalApproved))

	h.ledger.fail(nil)
	h.clock.Advance(5 * time.Second)
	h.eventually(t, "alice", contracts.EventProposalApproved, 1)
	assert.Equal(t, []string{contracts.OpExpireProposal}, h.ledger.names())
}

func TestProposal_Validation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.CreateProposal(ctx, contracts.NewProposal{Group: "uni", Proposer: "alice"})
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)

	h.propose(t, "5")
	_, err = h.engine.CreateProposal(ctx, contracts.NewProposal{LedgerRef: "5", Group: "uni", Proposer: "alice"})
	assert.ErrorIs(t, err, contracts.ErrAlreadyExists)

	_, err = h.engine.CastVote(ctx, "5", "bob", "abstain")
	assert.ErrorIs(t, err, contracts.ErrInvalidOption)
	_, err = h.engine.CastVote(ctx, "5", "bob", "yes")
	require.NoError(t, err)
	_, err = h.engine.CastVote(ctx, "5", "bob", "no")
	assert.ErrorIs(t, err, contracts.ErrDuplicateVote)

	p, err := h.engine.GetProposal(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, contracts.Tally{Yes: 1}, p.Tally)

	_, err = h.engine.ListProposals(ctx, contracts.ProposalFilter{})
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
}

func TestLoan_ExpiresOnlyTargetedBorrower(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.CreateLoan(ctx, "book", "alice")
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)
	_, err = h.engine.CreateLoan(ctx, "book", "bob")
	require.NoError(t, err)

	_, err = h.engine.CreateLoan(ctx, "book", "bob")
	assert.ErrorIs(t, err, contracts.ErrAlreadyBorrowed)

	h.clock.Advance(30 * time.Second)
	h.eventually(t, "alice", contracts.EventLoanExpired, 1)
	assert.Equal(t, 0, h.notifier.count("bob", contracts.EventLoanExpired))

	loans, err := h.engine.ListLoans(ctx, "book")
	require.NoError(t, err)
	require.Len(t, loans, 2)
	for _, l := range loans {
		assert.Equal(t, l.Borrower == "alice", l.IsExpired)
	}
}

func TestLoan_ReturnBeforeDeadlineCancelsExpiry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	l, err := h.engine.CreateLoan(ctx, "laptop", "carol")
	require.NoError(t, err)
	assert.True(t, h.engine.Pending(LoanKey("laptop", "carol", l.ID)))
	require.NoError(t, h.engine.ReturnLoan(ctx, "laptop", "carol"))
	require.NoError(t, h.engine.ReturnLoan(ctx, "laptop", "carol"), "returning twice is not an error")
	assert.False(t, h.engine.Pending(LoanKey("laptop", "carol", l.ID)))

	h.clock.Advance(2 * time.Minute)
	assert.Never(t, func() bool {
		return h.notifier.count("carol", contracts.EventLoanExpired) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)

	loans, err := h.engine.ListLoans(ctx, "laptop")
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func TestLoan_ReturnAfterExpiryRemovesRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.CreateLoan(ctx, "globe", "erin")
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	h.eventually(t, "erin", contracts.EventLoanExpired, 1)

	require.NoError(t, h.engine.ReturnLoan(ctx, "globe", "erin"))
	loans, err := h.engine.ListLoans(ctx, "globe")
	require.NoError(t, err)
	assert.Empty(t, loans, "a late return deletes the expired record")
}

// pullHookStore runs afterPull between the loan removal and the return of
// PullLoan.
type pullHookStore struct {
	store.Store
	afterPull func()
}

func (s *pullHookStore) PullLoan(ctx context.Context, itemID, borrower string) (*contracts.Loan, error) {
	l, err := s.Store.PullLoan(ctx, itemID, borrower)
	if hook := s.afterPull; hook != nil {
		s.afterPull = nil
		hook()
	}
	return l, err
}

func TestLoan_ReturnKeepsTimerOfConcurrentReborrow(t *testing.T) {
	hs := &pullHookStore{Store: store.NewMemoryStore()}
	h := newHarness(t, hs)
	ctx := context.Background()

	first, err := h.engine.CreateLoan(ctx, "book", "bob")
	require.NoError(t, err)

	var again contracts.Loan
	hs.afterPull = func() {
		again, err = h.engine.CreateLoan(ctx, "book", "bob")
		require.NoError(t, err)
	}
	require.NoError(t, h.engine.ReturnLoan(ctx, "book", "bob"))
	require.NotEqual(t, first.ID, again.ID)
	assert.False(t, h.engine.Pending(LoanKey("book", "bob", first.ID)))
	assert.True(t, h.engine.Pending(LoanKey("book", "bob", again.ID)), "the re-borrow keeps its deadline")

	h.clock.Advance(time.Minute)
	h.eventually(t, "bob", contracts.EventLoanExpired, 1)
	loans, err := h.engine.ListLoans(ctx, "book")
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.True(t, loans[0].IsExpired)
}

func TestLoanKey_Unambiguous(t *testing.T) {
	assert.NotEqual(t, LoanKey("a/b", "c", "1"), LoanKey("a", "b/c", "1"))
	assert.NotEqual(t, LoanKey("a", "b", "1"), LoanKey("a", "b", "2"))
}

// flakyStore fails the first n expiry calls with a store error.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (f *flakyStore) ExpireProposal(ctx context.Context, ref string, at time.Time, resolve store.Resolver) (*contracts.Proposal, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, contracts.WrapStore("expire proposal", errors.New("connection reset"))
	}
	return f.Store.ExpireProposal(ctx, ref, at, resolve)
}

func (f *flakyStore) ExpireLoan(ctx context.Context, itemID, borrower, loanID string) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, contracts.WrapStore("expire loan", errors.New("connection reset"))
	}
	return f.Store.ExpireLoan(ctx, itemID, borrower, loanID)
}

func TestStoreErrorOnFireIsRequeued(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemoryStore()}
	h := newHarness(t, fs)
	h.propose(t, "6")
	fs.failures.Store(2)

	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return h.metrics.requeues.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.engine.Pending(ProposalKey("6")) }, time.Second, 5*time.Millisecond)

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return h.metrics.requeues.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.engine.Pending(ProposalKey("6")) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.notifier.count("alice", contracts.EventProposalRejected))

	h.clock.Advance(5 * time.Second)
	h.eventually(t, "alice", contracts.EventProposalRejected, 1)
}

func TestLoanStoreErrorIsRequeued(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemoryStore()}
	h := newHarness(t, fs)
	l, err := h.engine.CreateLoan(context.Background(), "camera", "dave")
	require.NoError(t, err)
	fs.failures.Store(1)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return h.engine.Pending(LoanKey("camera", "dave", l.ID)) && h.metrics.requeues.Load() == 1 },
		time.Second, 5*time.Millisecond)
	h.clock.Advance(5 * time.Second)
	h.eventually(t, "dave", contracts.EventLoanExpired, 1)
}
