package credits

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/notify"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

func TestAcceptMark_NotifiesWhenGraduationBecomesReachable(t *testing.T) {
	ctx := context.Background()
	hub := notify.NewHub()
	defer hub.Close()
	sub := hub.Subscribe("ana")
	svc := NewService(store.NewMemoryStore(), hub, nil)

	required, err := svc.RegisterExam(ctx, "cs", 6)
	require.NoError(t, err)
	assert.Equal(t, 6, required)
	required, err = svc.RegisterExam(ctx, "cs", 4)
	require.NoError(t, err)
	assert.Equal(t, 10, required)

	st, err := svc.AcceptMark(ctx, "cs", "ana", 6)
	require.NoError(t, err)
	assert.False(t, st.CanGraduate)
	assert.Empty(t, sub.Events())

	st, err = svc.AcceptMark(ctx, "cs", "ana", 4)
	require.NoError(t, err)
	assert.True(t, st.CanGraduate)
	assert.Equal(t, contracts.Standing{Group: "cs", Student: "ana", Credits: 10, Required: 10, CanGraduate: true}, st)

	ev := <-sub.Events()
	assert.Equal(t, contracts.EventGraduationReachable, ev.Name)

	_, err = svc.AcceptMark(ctx, "cs", "ana", 2)
	require.NoError(t, err)
	assert.Empty(t, sub.Events(), "only the crossing mark notifies")

	got, err := svc.Standing(ctx, "cs", "ana")
	require.NoError(t, err)
	assert.Equal(t, 12, got.Credits)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemoryStore(), notify.NewHub(), nil)

	_, err := svc.RegisterExam(ctx, "", 3)
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	_, err = svc.RegisterExam(ctx, "cs", 0)
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	_, err = svc.AcceptMark(ctx, "cs", " ", 3)
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	_, err = svc.AcceptMark(ctx, "cs", "ana", -1)
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
}

func TestAcceptMark_ConcurrentMarksAllCounted(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemoryStore(), notify.NewHub(), nil)
	_, err := svc.RegisterExam(ctx, "cs", 50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AcceptMark(ctx, "cs", "ben", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := svc.Standing(ctx, "cs", "ben")
	require.NoError(t, err)
	assert.Equal(t, 50, st.Credits)
	assert.True(t, st.CanGraduate)
}

func TestRecordVerbalization_DropsEnrolmentAndNotifies(t *testing.T) {
	ctx := context.Background()
	hub := notify.NewHub()
	defer hub.Close()
	sub := hub.Subscribe("ana")
	svc := NewService(store.NewMemoryStore(), hub, nil)

	require.NoError(t, svc.Enroll(ctx, "cs", "algebra", "ana"))
	assert.ErrorIs(t, svc.Enroll(ctx, "cs", "algebra", "ana"), contracts.ErrAlreadyExists)

	v, err := svc.RecordVerbalization(ctx, "cs", "algebra", "ana", 27)
	require.NoError(t, err)
	assert.Equal(t, 27, v.Mark)
	assert.False(t, v.Settled, "a passing mark waits for the student")

	ev := <-sub.Events()
	assert.Equal(t, contracts.EventVoteReceived, ev.Name)

	// The enrolment is gone, so the student can enrol again.
	require.NoError(t, svc.Enroll(ctx, "cs", "algebra", "ana"))

	_, err = svc.RecordVerbalization(ctx, "cs", "algebra", "ana", 30)
	assert.ErrorIs(t, err, contracts.ErrAlreadyExists)
	assert.Empty(t, sub.Events())

	failed, err := svc.RecordVerbalization(ctx, "cs", "physics", "ana", 12)
	require.NoError(t, err)
	assert.True(t, failed.Settled)

	list, err := svc.Verbalizations(ctx, "cs", "ana")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "algebra", list[0].Exam)
	assert.Equal(t, "physics", list[1].Exam)
}

func TestRecordVerbalization_Validation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemoryStore(), notify.NewHub(), nil)

	_, err := svc.RecordVerbalization(ctx, "cs", "", "ana", 20)
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	_, err = svc.RecordVerbalization(ctx, "cs", "algebra", "ana", 32)
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	_, err = svc.RecordVerbalization(ctx, "cs", "algebra", "ana", -1)
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	assert.ErrorIs(t, svc.Enroll(ctx, "cs", "algebra", " "), contracts.ErrInvalidArgument)
	_, err = svc.Verbalizations(ctx, "", "ana")
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
}
