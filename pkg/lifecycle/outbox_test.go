package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

// outboxFlakyStore fails the next n outbox writes of one operation name.
type outboxFlakyStore struct {
	store.Store
	name     string
	failures atomic.Int32
}

func (f *outboxFlakyStore) PutOperation(ctx context.Context, op contracts.LedgerOperation) (bool, error) {
	if op.Name == f.name && f.failures.Add(-1) >= 0 {
		return false, contracts.WrapStore("put operation", errors.New("disk I/O error"))
	}
	return f.Store.PutOperation(ctx, op)
}

// queuedEngine wires an engine to a real ledger queue over fs. The queue
// worker is not started, so accepted operations stay PENDING.
func queuedEngine(t *testing.T, h *harness, fs *outboxFlakyStore, retry time.Duration) *Engine {
	t.Helper()
	e, err := New(Config{
		Store:              fs,
		Ledger:             ledger.NewQueue(fs, ledger.NewChain(), ledger.WithClock(h.clock)),
		Notifier:           h.notifier,
		Clock:              h.clock,
		Metrics:            h.metrics,
		StoreRetryInterval: retry,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func pendingOps(t *testing.T, s store.Store) []string {
	t.Helper()
	records, err := s.ListOperations(context.Background(), contracts.OutboxPending)
	require.NoError(t, err)
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Operation.Name)
	}
	return names
}

func vetoed(t *testing.T, e *Engine, ref string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.CreateProposal(ctx, contracts.NewProposal{LedgerRef: ref, Group: "uni", Proposer: "alice"})
	require.NoError(t, err)
	for voter, option := range map[string]string{"bob": "noWithVeto", "carol": "noWithVeto", "dave": "yes"} {
		_, err := e.CastVote(ctx, ref, voter, option)
		require.NoError(t, err)
	}
}

func TestExpireOutboxFailureIsRequeued(t *testing.T) {
	fs := &outboxFlakyStore{Store: store.NewMemoryStore(), name: contracts.OpExpireProposal}
	h := newHarness(t, fs)
	e := queuedEngine(t, h, fs, 5*time.Second)

	_, err := e.CreateProposal(context.Background(), contracts.NewProposal{LedgerRef: "30", Group: "uni", Proposer: "alice"})
	require.NoError(t, err)
	fs.failures.Store(1)

	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return h.metrics.requeues.Load() == 1 && e.Pending(ProposalKey("30")) },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.notifier.count("alice", contracts.EventProposalRejected))
	assert.Empty(t, pendingOps(t, fs))

	p, err := e.GetProposal(context.Background(), "30")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusActive, p.Status, "the proposal stays active until the outbox holds its expiry")

	h.clock.Advance(5 * time.Second)
	h.eventually(t, "alice", contracts.EventProposalRejected, 1)
	assert.Equal(t, []string{contracts.OpExpireProposal}, pendingOps(t, fs))
}

func TestBlacklistOutboxFailureIsRetried(t *testing.T) {
	fs := &outboxFlakyStore{Store: store.NewMemoryStore(), name: contracts.OpBlacklistStudent}
	h := newHarness(t, fs)
	e := queuedEngine(t, h, fs, 5*time.Second)
	vetoed(t, e, "31")
	fs.failures.Store(1)

	h.clock.Advance(time.Hour)
	h.eventually(t, "alice", contracts.EventProposalVetoed, 1)
	assert.True(t, e.Pending(BlacklistKey("alice")))
	assert.NotContains(t, pendingOps(t, fs), contracts.OpBlacklistStudent)

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		for _, name := range pendingOps(t, fs) {
			if name == contracts.OpBlacklistStudent {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.False(t, e.Pending(BlacklistKey("alice")))
	assert.True(t, e.Pending(SanctionKey("alice")))
}

func TestSanctionLiftWithoutBlacklistSkipsWhitelist(t *testing.T) {
	fs := &outboxFlakyStore{Store: store.NewMemoryStore(), name: contracts.OpBlacklistStudent}
	h := newHarness(t, fs)
	// The blacklist retry is due after the sanction lifts.
	e := queuedEngine(t, h, fs, 20*time.Minute)
	vetoed(t, e, "32")
	fs.failures.Store(100)

	h.clock.Advance(time.Hour)
	h.eventually(t, "alice", contracts.EventProposalVetoed, 1)
	require.True(t, e.Pending(BlacklistKey("alice")))

	h.clock.Advance(10 * time.Minute)
	h.eventually(t, "alice", contracts.EventSanctionLifted, 1)
	assert.False(t, e.Pending(BlacklistKey("alice")))
	ops := pendingOps(t, fs)
	assert.NotContains(t, ops, contracts.OpBlacklistStudent)
	assert.NotContains(t, ops, contracts.OpWhitelistStudent)
}

func TestWhitelistOutboxFailureIsRequeued(t *testing.T) {
	fs := &outboxFlakyStore{Store: store.NewMemoryStore(), name: contracts.OpWhitelistStudent}
	h := newHarness(t, fs)
	e := queuedEngine(t, h, fs, 5*time.Second)
	vetoed(t, e, "33")

	h.clock.Advance(time.Hour)
	h.eventually(t, "alice", contracts.EventProposalVetoed, 1)
	fs.failures.Store(1)

	h.clock.Advance(10 * time.Minute)
	require.Eventually(t, func() bool { return h.metrics.requeues.Load() == 1 && e.Pending(SanctionKey("alice")) },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.notifier.count("alice", contracts.EventSanctionLifted))
	sanctions, err := fs.ListSanctions(context.Background())
	require.NoError(t, err)
	assert.Len(t, sanctions, 1, "the sanction record outlives a failed whitelist write")

	h.clock.Advance(5 * time.Second)
	h.eventually(t, "alice", contracts.EventSanctionLifted, 1)
	assert.Contains(t, pendingOps(t, fs), contracts.OpWhitelistStudent)
}
