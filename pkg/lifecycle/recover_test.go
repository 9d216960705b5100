package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

func TestRecover_RearmsAfterRestart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.propose(t, "10")
	h.vote(t, "10", map[string]string{"bob": "yes"})
	_, err := h.engine.CreateLoan(ctx, "projector", "erin")
	require.NoError(t, err)
	require.NoError(t, h.store.PutSanction(ctx, contracts.Sanction{
		Identity: "frank", ImposedAt: h.clock.Now().UTC(), Reason: "9",
	}))
	h.engine.Close()

	// The loan and the sanction deadlines pass while nothing is running.
	h.clock.Advance(20 * time.Minute)
	assert.Equal(t, 0, h.notifier.count("erin", contracts.EventLoanExpired))

	restarted := h.newEngine(t)
	report, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Proposals: 1, Loans: 1, Sanctions: 1}, report)

	h.clock.Advance(time.Millisecond)
	h.eventually(t, "erin", contracts.EventLoanExpired, 1)
	h.eventually(t, "frank", contracts.EventSanctionLifted, 1)
	assert.True(t, restarted.Pending(ProposalKey("10")))
	assert.Equal(t, 0, h.notifier.count("alice", contracts.EventProposalApproved))

	h.clock.Advance(40 * time.Minute)
	h.eventually(t, "alice", contracts.EventProposalApproved, 1)
	h.eventually(t, "uni", contracts.EventProposalApproved, 1)
}

func TestRecover_SkipsFinishedInstances(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.propose(t, "11")
	h.clock.Advance(time.Hour)
	h.eventually(t, "alice", contracts.EventProposalRejected, 1)

	report, err := h.newEngine(t).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{}, report)
}

// End to end over SQLite and the hash-chained ledger: a vetoed proposal
// leaves the proposer sanctioned on the ledger until the reversal fires.
func TestVetoFlow_SQLiteAndChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "quorum.db"))
	require.NoError(t, err)
	sqlStore := store.NewSQLStore(db)
	require.NoError(t, sqlStore.Init(ctx))
	t.Cleanup(func() { _ = sqlStore.Close() })

	h := newHarness(t, sqlStore)
	chain := ledger.NewChain().WithClock(h.clock.Now)
	queue := ledger.NewQueue(sqlStore, chain, ledger.WithClock(h.clock))
	done := make(chan error, 1)
	go func() { done <- queue.Run(ctx) }()

	e, err := New(Config{Store: sqlStore, Ledger: queue, Notifier: h.notifier, Clock: h.clock})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	_, err = e.CreateProposal(ctx, contracts.NewProposal{LedgerRef: "20", Group: "uni", Proposer: "gina"})
	require.NoError(t, err)
	for voter, option := range map[string]string{"v1": "noWithVeto", "v2": "noWithVeto", "v3": "yes"} {
		_, err := e.CastVote(ctx, "20", voter, option)
		require.NoError(t, err)
	}

	h.clock.Advance(time.Hour)
	h.eventually(t, "gina", contracts.EventProposalVetoed, 1)
	require.Eventually(t, func() bool { return chain.Sanctioned("gina") }, time.Second, 5*time.Millisecond)

	p, err := e.GetProposal(ctx, "20")
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeRejectedWithVeto, p.Outcome)
	assert.Equal(t, contracts.Tally{Yes: 1, NoWithVeto: 2}, p.Tally)

	h.clock.Advance(10 * time.Minute)
	h.eventually(t, "gina", contracts.EventSanctionLifted, 1)
	require.Eventually(t, func() bool { return !chain.Sanctioned("gina") }, time.Second, 5*time.Millisecond)

	// 3 votes, expire, blacklist, whitelist.
	assert.Equal(t, 6, chain.Length())
	require.NoError(t, chain.Verify())

	cancel()
	<-done
}
