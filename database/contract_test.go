package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract runs the behaviour every Store driver must share. The
// driver under test reads time from the returned clock.
func storeContract(t *testing.T, setup func(t *testing.T) (Store, *testClock)) {
	ctx := context.Background()

	newPoll := func(clk *testClock, id string) *Poll {
		return NewPoll(id, "Lunch", 2, "admin", clk.Now().Add(time.Hour))
	}

	t.Run("create and get round trip", func(t *testing.T) {
		s, clk := setup(t)
		poll := newPoll(clk, uniqueId(t, "R"))
		require.NoError(t, s.CreatePoll(ctx, poll))

		got, err := s.GetPoll(ctx, poll.Id)
		require.NoError(t, err)
		assert.Equal(t, poll.Id, got.Id)
		assert.Equal(t, "Lunch", got.Topic)
		assert.Equal(t, 2, got.VotesPerVoter)
		assert.Equal(t, "admin", got.AdminId)
		assert.False(t, got.HasStarted)
		assert.Empty(t, got.Participants)
		assert.Empty(t, got.Nominations)
		assert.Empty(t, got.Rankings)

		assert.ErrorIs(t, s.CreatePoll(ctx, poll), ErrAlreadyExists)
	})

	t.Run("missing poll", func(t *testing.T) {
		s, _ := setup(t)
		_, err := s.GetPoll(ctx, "ZZZZZZ")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateField(ctx, "ZZZZZZ", Set("participants.u1", "Ada")), ErrNotFound)
		_, err = s.RemainingLifetime(ctx, "ZZZZZZ")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set and remove map entries", func(t *testing.T) {
		s, clk := setup(t)
		poll := newPoll(clk, uniqueId(t, "M"))
		require.NoError(t, s.CreatePoll(ctx, poll))

		require.NoError(t, s.UpdateField(ctx, poll.Id, Set("participants.u1", "Ada")))
		require.NoError(t, s.UpdateField(ctx, poll.Id, Set("participants.u2", "Bob")))
		require.NoError(t, s.UpdateField(ctx, poll.Id, Set("nominations.n1", Nomination{UserId: "u1", Text: "Pizza", CreatedAt: 42})))
		require.NoError(t, s.UpdateField(ctx, poll.Id, Remove("participants", "u1")))

		got, err := s.GetPoll(ctx, poll.Id)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"u2": "Bob"}, got.Participants)
		assert.Equal(t, Nomination{UserId: "u1", Text: "Pizza", CreatedAt: 42}, got.Nominations["n1"])
	})

	t.Run("guards", func(t *testing.T) {
		s, clk := setup(t)
		poll := newPoll(clk, uniqueId(t, "G"))
		require.NoError(t, s.CreatePoll(ctx, poll))

		assert.ErrorIs(t, s.UpdateField(ctx, poll.Id, Set("rankings.u1", []string{"n1"}).When(GuardStarted)), ErrConditionFailed)
		require.NoError(t, s.UpdateField(ctx, poll.Id, Set(FieldHasStarted, true).When(GuardNotStarted)))
		assert.ErrorIs(t, s.UpdateField(ctx, poll.Id, Set("participants.u1", "Ada").When(GuardNotStarted)), ErrConditionFailed)
		require.NoError(t, s.UpdateField(ctx, poll.Id, Set("rankings.u1", []string{"n1"}).When(GuardStarted)))
		require.NoError(t, s.UpdateField(ctx, poll.Id, Set(FieldResults, []Result{{NominationId: "n1", NominationText: "Pizza", Score: 1}})))

		got, err := s.GetPoll(ctx, poll.Id)
		require.NoError(t, err)
		assert.True(t, got.HasStarted)
		assert.Empty(t, got.Participants)
		assert.Equal(t, []string{"n1"}, got.Rankings["u1"])
		assert.Equal(t, []Result{{NominationId: "n1", NominationText: "Pizza", Score: 1}}, got.Results)
	})

	t.Run("immutable fields and bad paths", func(t *testing.T) {
		s, clk := setup(t)
		poll := newPoll(clk, uniqueId(t, "P"))
		require.NoError(t, s.CreatePoll(ctx, poll))

		for _, u := range []FieldUpdate{
			Set("adminId", "mallory"),
			Set("expiresAt", time.Now()),
			Set("participants.a.b", "x"),
			Set("participants.$x", "x"),
			Set("participants.", "x"),
		} {
			assert.ErrorIs(t, s.UpdateField(ctx, poll.Id, u), ErrInvalidPath, u.Path)
		}
	})

	t.Run("lifetime is preserved across updates", func(t *testing.T) {
		s, clk := setup(t)
		poll := newPoll(clk, uniqueId(t, "L"))
		require.NoError(t, s.CreatePoll(ctx, poll))

		previous, err := s.RemainingLifetime(ctx, poll.Id)
		require.NoError(t, err)
		assert.LessOrEqual(t, previous, time.Hour)

		for i := 0; i < 5; i++ {
			clk.Advance(2 * time.Second)
			require.NoError(t, s.UpdateField(ctx, poll.Id, Set(fmt.Sprintf("participants.u%d", i), "x")))
			remaining, err := s.RemainingLifetime(ctx, poll.Id)
			require.NoError(t, err)
			assert.LessOrEqual(t, remaining, previous)
			previous = remaining
		}
	})

	t.Run("expired poll is not found", func(t *testing.T) {
		s, clk := setup(t)
		poll := newPoll(clk, uniqueId(t, "E"))
		poll.ExpiresAt = clk.Now().Add(time.Minute)
		require.NoError(t, s.CreatePoll(ctx, poll))

		clk.Advance(2 * time.Minute)
		_, err := s.GetPoll(ctx, poll.Id)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateField(ctx, poll.Id, Set("participants.u1", "Ada")), ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s, clk := setup(t)
		poll := newPoll(clk, uniqueId(t, "D"))
		require.NoError(t, s.CreatePoll(ctx, poll))
		require.NoError(t, s.DeletePoll(ctx, poll.Id))

		_, err := s.GetPoll(ctx, poll.Id)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, s.DeletePoll(ctx, poll.Id))
	})

	t.Run("concurrent entry edits are all kept", func(t *testing.T) {
		s, clk := setup(t)
		poll := newPoll(clk, uniqueId(t, "C"))
		require.NoError(t, s.CreatePoll(ctx, poll))

		const writers = 20
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("n%d", i)
				assert.NoError(t, s.UpdateField(ctx, poll.Id, Set("nominations."+id, Nomination{UserId: "u", Text: id})))
			}(i)
		}
		wg.Wait()

		got, err := s.GetPoll(ctx, poll.Id)
		require.NoError(t, err)
		assert.Len(t, got.Nominations, writers)
	})
}

func uniqueId(t *testing.T, prefix string) string {
	t.Helper()
	return fmt.Sprintf("%s%05d", prefix, time.Now().UnixNano()%100000)
}
