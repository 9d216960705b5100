package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArm_FiresOnceAtDeadline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock, nil)
	defer svc.Close()

	var calls atomic.Int32
	h, err := svc.Arm("proposal:1", clock.Now().Add(time.Hour), func(context.Context) {
		calls.Add(1)
	})
	require.NoError(t, err)
	assert.True(t, svc.Pending("proposal:1"))

	clock.Advance(59 * time.Minute)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Minute)
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, h.Fired())
	assert.False(t, svc.Pending("proposal:1"))

	clock.Advance(time.Hour)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancel_BeforeFire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock, nil)
	defer svc.Close()

	var calls atomic.Int32
	h, err := svc.Arm("loan:book/alice", clock.Now().Add(time.Minute), func(context.Context) {
		calls.Add(1)
	})
	require.NoError(t, err)

	assert.True(t, svc.Cancel(h))
	assert.False(t, svc.Cancel(h), "second cancel is a no-op")

	clock.Advance(2 * time.Minute)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 0, svc.Len())
}

func TestCancel_AfterFireStartedIsNoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock, nil)
	defer svc.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	h, err := svc.Arm("loan:book/bob", clock.Now().Add(time.Minute), func(context.Context) {
		close(started)
		<-release
		finished.Store(true)
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	<-started

	assert.False(t, svc.Cancel(h), "fire wins")
	assert.False(t, svc.CancelKey("loan:book/bob"))
	close(release)
	<-h.Done()
	assert.True(t, finished.Load())
}

func TestArm_ReplacesExistingKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock, nil)
	defer svc.Close()

	var first, second atomic.Int32
	_, err := svc.Arm("sanction:carol", clock.Now().Add(time.Minute), func(context.Context) { first.Add(1) })
	require.NoError(t, err)
	h2, err := svc.Arm("sanction:carol", clock.Now().Add(2*time.Minute), func(context.Context) { second.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Len())

	clock.Advance(2 * time.Minute)
	<-h2.Done()
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestArm_PastDeadlineFiresPromptly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock, nil)
	defer svc.Close()

	h, err := svc.Arm("proposal:late", clock.Now().Add(-time.Hour), func(context.Context) {})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("past deadline did not fire")
	}
}

func TestUnrelatedTimersFireConcurrently(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock, nil)
	defer svc.Close()

	release := make(chan struct{})
	var running atomic.Int32
	var handles []*Handle
	for _, key := range []string{"a", "b", "c"} {
		h, err := svc.Arm(key, clock.Now().Add(time.Second), func(context.Context) {
			running.Add(1)
			<-release
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	for _, h := range handles {
		<-h.Done()
	}
}

func TestClose_StopsTimersAndRejectsArm(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock, nil)

	var calls atomic.Int32
	_, err := svc.Arm("x", clock.Now().Add(time.Minute), func(context.Context) { calls.Add(1) })
	require.NoError(t, err)

	svc.Close()
	clock.Advance(time.Hour)
	assert.Equal(t, int32(0), calls.Load())

	_, err = svc.Arm("y", clock.Now(), func(context.Context) {})
	assert.ErrorIs(t, err, ErrClosed)
}
