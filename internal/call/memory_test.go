package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink-backend/internal/domain"
)

func newDirectCall(caller, receiver uuid.UUID) *domain.Call {
	return &domain.Call{
		CallID:     uuid.New(),
		CallerID:   caller,
		ReceiverID: &receiver,
		Kind:       domain.CallKindAudio,
		Status:     domain.CallStatusRinging,
		StartedAt:  time.Now(),
	}
}

func newGroupCall(caller, group uuid.UUID) *domain.Call {
	return &domain.Call{
		CallID:    uuid.New(),
		CallerID:  caller,
		GroupID:   &group,
		Kind:      domain.CallKindVideo,
		Status:    domain.CallStatusRinging,
		StartedAt: time.Now(),
	}
}

// TestAccept tests the ringing -> accepted transition
func TestAccept(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newDirectCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	updated, err := store.Accept(ctx, c.CallID, *c.ReceiverID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, updated.Status)
}

// TestAccept_AlreadyResolved tests that a resolved call cannot be accepted
func TestAccept_AlreadyResolved(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newDirectCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	_, err := store.Decline(ctx, c.CallID)
	require.NoError(t, err)

	_, err = store.Accept(ctx, c.CallID, *c.ReceiverID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

// TestAccept_NotFound tests accepting an unknown call id
func TestAccept_NotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Accept(context.Background(), uuid.New(), uuid.New())

	assert.ErrorIs(t, err, ErrNotFound)
}

// TestAccept_Concurrent tests that exactly one of many racing responders wins
func TestAccept_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newDirectCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	const racers = 20
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Accept(ctx, c.CallID, *c.ReceiverID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyResolved)
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, losses)
}

// TestAccept_ConcurrentWithDecline tests an accept racing a decline: one
// wins, the other gets ErrAlreadyResolved, and the record is terminal
func TestAccept_ConcurrentWithDecline(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newDirectCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := store.Accept(ctx, c.CallID, *c.ReceiverID)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := store.Decline(ctx, c.CallID)
		errs <- err
	}()
	wg.Wait()
	close(errs)

	var failures int
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrAlreadyResolved)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

// TestDecline tests the ringing -> declined transition and its timestamp
func TestDecline(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newDirectCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	updated, err := store.Decline(ctx, c.CallID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, updated.Status)
	assert.NotNil(t, updated.EndedAt)
}

// TestCancel tests the ringing -> cancelled transition
func TestCancel(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newDirectCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	updated, err := store.Cancel(ctx, c.CallID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusCancelled, updated.Status)
}

// TestMarkMissed_AfterAccept tests that a watchdog-style miss loses to an
// earlier accept
func TestMarkMissed_AfterAccept(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newDirectCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	_, err := store.Accept(ctx, c.CallID, *c.ReceiverID)
	require.NoError(t, err)

	_, err = store.MarkMissed(ctx, c.CallID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

// TestEnd tests the accepted -> ended transition and duration computation
func TestEnd(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	started := time.Now().Add(-95 * time.Second)
	c := newDirectCall(uuid.New(), uuid.New())
	c.StartedAt = started
	require.NoError(t, store.Create(ctx, c))

	_, err := store.Accept(ctx, c.CallID, *c.ReceiverID)
	require.NoError(t, err)

	updated, err := store.End(ctx, c.CallID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, updated.Status)
	assert.NotNil(t, updated.EndedAt)
	assert.InDelta(t, 95, updated.Duration, 2)
}

// TestEnd_Ringing tests that a ringing call cannot jump straight to ended
func TestEnd_Ringing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newDirectCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	_, err := store.End(ctx, c.CallID)

	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// TestTerminalStatesImmutable tests that no transition leaves a terminal state
func TestTerminalStatesImmutable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newDirectCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	_, err := store.Cancel(ctx, c.CallID)
	require.NoError(t, err)

	_, err = store.Accept(ctx, c.CallID, *c.ReceiverID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = store.Decline(ctx, c.CallID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = store.MarkMissed(ctx, c.CallID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = store.End(ctx, c.CallID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	final, err := store.Get(ctx, c.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCancelled, final.Status)
}

// TestGroupAccept tests that each accepting member joins the participant set
func TestGroupAccept(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newGroupCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	memberA := uuid.New()
	memberB := uuid.New()

	first, err := store.Accept(ctx, c.CallID, memberA)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, first.Status)
	assert.Equal(t, []uuid.UUID{memberA}, first.Participants)

	second, err := store.Accept(ctx, c.CallID, memberB)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{memberA, memberB}, second.Participants)
}

// TestGroupLeave tests participant removal and the emptied signal
func TestGroupLeave(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newGroupCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	memberA := uuid.New()
	memberB := uuid.New()
	_, err := store.Accept(ctx, c.CallID, memberA)
	require.NoError(t, err)
	_, err = store.Accept(ctx, c.CallID, memberB)
	require.NoError(t, err)

	_, emptied, err := store.Leave(ctx, c.CallID, memberA)
	require.NoError(t, err)
	assert.False(t, emptied)

	_, emptied, err = store.Leave(ctx, c.CallID, memberB)
	require.NoError(t, err)
	assert.True(t, emptied)
}

// TestActiveBetween tests pairwise uniqueness lookups
func TestActiveBetween(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	alice := uuid.New()
	bob := uuid.New()
	carol := uuid.New()

	c := newDirectCall(alice, bob)
	require.NoError(t, store.Create(ctx, c))

	active, err := store.ActiveBetween(ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, active)

	// Order of arguments must not matter
	active, err = store.ActiveBetween(ctx, bob, alice)
	require.NoError(t, err)
	assert.True(t, active)

	// A different counterpart is not blocked
	active, err = store.ActiveBetween(ctx, alice, carol)
	require.NoError(t, err)
	assert.False(t, active)

	// Resolved calls no longer count
	_, err = store.Cancel(ctx, c.CallID)
	require.NoError(t, err)
	active, err = store.ActiveBetween(ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, active)
}

// TestRingingForReceiver tests mid-ring redelivery lookups
func TestRingingForReceiver(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	receiver := uuid.New()
	ringing := newDirectCall(uuid.New(), receiver)
	require.NoError(t, store.Create(ctx, ringing))

	resolved := newDirectCall(uuid.New(), receiver)
	require.NoError(t, store.Create(ctx, resolved))
	_, err := store.Decline(ctx, resolved.CallID)
	require.NoError(t, err)

	other := newDirectCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, other))

	calls, err := store.RingingForReceiver(ctx, receiver)

	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, ringing.CallID, calls[0].CallID)
}

// TestRingingForGroups tests group ring lookups
func TestRingingForGroups(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	groupA := uuid.New()
	groupB := uuid.New()
	c := newGroupCall(uuid.New(), groupA)
	require.NoError(t, store.Create(ctx, c))

	calls, err := store.RingingForGroups(ctx, []uuid.UUID{groupA, groupB})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, c.CallID, calls[0].CallID)

	calls, err = store.RingingForGroups(ctx, []uuid.UUID{groupB})
	require.NoError(t, err)
	assert.Empty(t, calls)
}

// TestListByParticipant tests history ordering, paging and the active filter
func TestListByParticipant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	alice := uuid.New()
	base := time.Now()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		c := newDirectCall(alice, uuid.New())
		c.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, c))
		ids = append(ids, c.CallID)
	}
	_, err := store.Cancel(ctx, ids[0])
	require.NoError(t, err)

	// Newest first
	all, err := store.ListByParticipant(ctx, alice, 10, 0, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].CallID)
	assert.Equal(t, ids[0], all[2].CallID)

	// Paging
	page, err := store.ListByParticipant(ctx, alice, 2, 2, false)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].CallID)

	// Active only
	active, err := store.ListByParticipant(ctx, alice, 10, 0, true)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// Uninvolved user sees nothing
	none, err := store.ListByParticipant(ctx, uuid.New(), 10, 0, false)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// TestGet_ReturnsCopy tests that mutating a returned record does not leak
// back into the store
func TestGet_ReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := newDirectCall(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, c))

	got, err := store.Get(ctx, c.CallID)
	require.NoError(t, err)
	got.Status = domain.CallStatusEnded

	again, err := store.Get(ctx, c.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, again.Status)
}
