package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/handoff/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// openDB returns a private in-memory database and its close func.
func openDB(t require.TestingT) (*gorm.DB, func()) {
	gdb, err := db.Connect("sqlite", ":memory:", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&Session{}))
	return gdb, func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, closeDB := openDB(t)
	t.Cleanup(closeDB)
	return gdb
}

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestRepo_CreateRejectsSecondOpenSession(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	s, err := repo.Create(ctx, "u1", t0)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, s.State)
	assert.Len(t, s.ID, 26)

	_, err = repo.Create(ctx, "u1", t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrAlreadyWaitingOrActive)

	// other users are unaffected
	_, err = repo.Create(ctx, "u2", t0)
	require.NoError(t, err)
}

func TestRepo_Lifecycle(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	_, err := repo.Create(ctx, "u1", t0)
	require.NoError(t, err)

	s, err := repo.Transition(ctx, "u1", StateActive, TransitionFields{At: t0.Add(time.Minute), OperatorID: "op1"})
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, "op1", s.OperatorID)
	require.NotNil(t, s.AcceptedAt)
	assert.True(t, s.AcceptedAt.Equal(t0.Add(time.Minute)))

	got, err := repo.GetByOperator(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	n, err := repo.CountActiveByOperator(ctx, "op1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	s, err = repo.Transition(ctx, "u1", StateClosed, TransitionFields{At: t0.Add(2 * time.Minute), Reason: ReasonUserClosed})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, ReasonUserClosed, s.CloseReason)
	assert.Equal(t, "op1", s.OperatorID)
	require.NotNil(t, s.ClosedAt)
	assert.Nil(t, s.ActiveKey)

	// closed session is still visible through Get
	got, err = repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)

	_, err = repo.GetByOperator(ctx, "op1")
	assert.ErrorIs(t, err, ErrNotFound)

	// a new request is allowed once closed
	s2, err := repo.Create(ctx, "u1", t0.Add(3*time.Minute))
	require.NoError(t, err)
	got, err = repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, s2.ID, got.ID)
}

func TestRepo_ActivationRespectsOperatorCap(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := repo.Create(ctx, u, t0)
		require.NoError(t, err)
	}
	activate := func(user string, max int) error {
		_, err := repo.Transition(ctx, user, StateActive, TransitionFields{At: t0.Add(time.Minute), OperatorID: "op", MaxActive: max})
		return err
	}

	require.NoError(t, activate("u1", 1))
	assert.ErrorIs(t, activate("u2", 1), ErrOperatorBusy)

	// the rejected session is untouched
	s, err := repo.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, s.State)
	assert.Empty(t, s.OperatorID)
	assert.Nil(t, s.AcceptedAt)

	// a larger cap opens a second slot
	require.NoError(t, activate("u2", 2))
	assert.ErrorIs(t, activate("u3", 2), ErrOperatorBusy)

	n, err := repo.CountActiveByOperator(ctx, "op")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// closing frees its slot
	_, err = repo.Transition(ctx, "u1", StateClosed, TransitionFields{At: t0.Add(2 * time.Minute), Reason: ReasonUserClosed})
	require.NoError(t, err)
	require.NoError(t, activate("u3", 2))

	// other operators have their own slots
	_, err = repo.Create(ctx, "u4", t0)
	require.NoError(t, err)
	_, err = repo.Transition(ctx, "u4", StateActive, TransitionFields{At: t0.Add(time.Minute), OperatorID: "op2", MaxActive: 1})
	require.NoError(t, err)
}

func TestRepo_InvalidTransitions(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	_, err := repo.Transition(ctx, "nobody", StateClosed, TransitionFields{At: t0})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.Create(ctx, "u1", t0)
	require.NoError(t, err)

	_, err = repo.Transition(ctx, "u1", StateWaiting, TransitionFields{At: t0})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// accepting without an operator is not a valid activation
	_, err = repo.Transition(ctx, "u1", StateActive, TransitionFields{At: t0})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = repo.Transition(ctx, "u1", StateActive, TransitionFields{At: t0, OperatorID: "op"})
	require.NoError(t, err)
	_, err = repo.Transition(ctx, "u1", StateActive, TransitionFields{At: t0, OperatorID: "op2"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "op", s.OperatorID)
}

func TestRepo_TimestampsNeverGoBackwards(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	_, err := repo.Create(ctx, "u1", t0)
	require.NoError(t, err)

	s, err := repo.Transition(ctx, "u1", StateActive, TransitionFields{At: t0.Add(-time.Hour), OperatorID: "op"})
	require.NoError(t, err)
	assert.False(t, s.AcceptedAt.Before(s.CreatedAt))

	s, err = repo.Transition(ctx, "u1", StateClosed, TransitionFields{At: t0.Add(-time.Hour), Reason: ReasonOperatorClosed})
	require.NoError(t, err)
	assert.False(t, s.ClosedAt.Before(*s.AcceptedAt))
}

func TestRepo_ListWaitingDiscardPurge(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	old, err := repo.Create(ctx, "old", t0)
	require.NoError(t, err)
	_, err = repo.Create(ctx, "new", t0.Add(time.Hour))
	require.NoError(t, err)

	all, err := repo.ListWaiting(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "old", all[0].UserID)

	stale, err := repo.ListWaiting(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	require.NoError(t, repo.Discard(ctx, old.ID))
	_, err = repo.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.Transition(ctx, "new", StateClosed, TransitionFields{At: t0.Add(2 * time.Hour), Reason: ReasonUserCancelled})
	require.NoError(t, err)

	n, err := repo.PurgeClosed(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.PurgeClosed(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRepo_DiscardKeepsAcceptedSession(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	s, err := repo.Create(ctx, "u1", t0)
	require.NoError(t, err)
	_, err = repo.Transition(ctx, "u1", StateActive, TransitionFields{At: t0, OperatorID: "op"})
	require.NoError(t, err)

	require.NoError(t, repo.Discard(ctx, s.ID))
	got, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
}
