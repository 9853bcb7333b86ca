package kyrtizanka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVoteStore(t testing.TB) (*VoteStore, chan Vote) {
	t.Helper()
	scheduler := NewScheduler(nil)
	t.Cleanup(scheduler.Stop)

	closed := make(chan Vote, 100)
	store := NewVoteStore(
		scheduler,
		func(_ context.Context, v Vote) {
			closed <- v
		},
		nil,
	)
	return store, closed
}

func TestParseVoteChoices(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		input    string
		expected []string
		err      error
	}{
		{name: "plain", input: "A,B,C", expected: []string{"A", "B", "C"}},
		{name: "comma space", input: "A, B, C", expected: []string{"A", "B", "C"}},
		{name: "single", input: "yes", expected: []string{"yes"}},
		{name: "inner spaces kept", input: "go to bed, stay up", expected: []string{"go to bed", "stay up"}},
		{name: "empty", input: "", err: ErrEmptyChoice},
		{name: "trailing comma", input: "A,B,", err: ErrEmptyChoice},
		{
			name:     "23 choices",
			input:    numberedChoices(23),
			expected: strings.Split(numberedChoices(23), ","),
		},
		{name: "24 choices", input: numberedChoices(24), err: ErrTooManyChoices},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				choices, err := parseVoteChoices(tc.input)
				if tc.err != nil {
					assert.ErrorIs(t, err, tc.err)
					assert.Nil(t, choices)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, choices)
			},
		)
	}
}

func numberedChoices(n int) string {
	choices := make([]string, n)
	for i := range choices {
		choices[i] = fmt.Sprintf("c%d", i)
	}
	return strings.Join(choices, ",")
}

func TestVoteStore_Create(t *testing.T) {
	t.Parallel()
	store, _ := newTestVoteStore(t)

	v, err := store.Create("Lunch?", "A,B,C", "1d", "chan", LocaleEnglish)
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "Lunch?", v.Title)
	assert.Equal(t, "chan", v.ChannelID)
	assert.Equal(t, 24*time.Hour, v.Duration)
	assert.False(t, v.Closed)
	require.Len(t, v.Choices, 3)
	for i, name := range []string{"A", "B", "C"} {
		assert.Equal(t, name, v.Choices[i].Name)
		assert.Empty(t, v.Choices[i].Voters)
	}

	// not scheduled until started
	assert.Equal(t, 0, store.scheduler.Pending())
	assert.Equal(t, 1, store.Len())
}

func TestVoteStore_CreateDefaultDuration(t *testing.T) {
	t.Parallel()
	store, _ := newTestVoteStore(t)

	v, err := store.Create("t", "A,B", "", "chan", LocaleEnglish)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, v.Duration)
}

func TestVoteStore_CreateInvalid(t *testing.T) {
	t.Parallel()
	store, _ := newTestVoteStore(t)

	_, err := store.Create("t", numberedChoices(24), "1d", "chan", LocaleEnglish)
	assert.ErrorIs(t, err, ErrTooManyChoices)

	_, err = store.Create("t", "A,B", "forever", "chan", LocaleEnglish)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = store.Create("t", "A,,B", "1h", "chan", LocaleEnglish)
	assert.ErrorIs(t, err, ErrEmptyChoice)

	assert.Equal(t, 0, store.Len())
	assert.Empty(t, store.List())
}

func TestVoteStore_CastVote(t *testing.T) {
	t.Parallel()
	store, _ := newTestVoteStore(t)

	v, err := store.Create("t", "A,B,C", "1d", "chan", LocaleEnglish)
	require.NoError(t, err)
	_, err = store.Start(v.ID, "msg")
	require.NoError(t, err)

	_, err = store.CastVote(v.ID, "u1", 0)
	require.NoError(t, err)
	_, err = store.CastVote(v.ID, "u2", 0)
	require.NoError(t, err)
	got, err := store.CastVote(v.ID, "u1", 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"u2"}, got.Choices[0].Voters)
	assert.Equal(t, []string{"u1"}, got.Choices[1].Voters)
	assert.Empty(t, got.Choices[2].Voters)

	// voting for the same choice again doesn't duplicate
	got, err = store.CastVote(v.ID, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, got.Choices[1].Voters)

	got, err = store.CastVoteByName(v.ID, "u2", "C")
	require.NoError(t, err)
	assert.Empty(t, got.Choices[0].Voters)
	assert.Equal(t, []string{"u2"}, got.Choices[2].Voters)

	_, err = store.CastVote(v.ID, "u1", 3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.CastVoteByName(v.ID, "u1", "D")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.CastVote("nope", "u1", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVoteStore_CastVoteConcurrent(t *testing.T) {
	t.Parallel()
	store, _ := newTestVoteStore(t)

	v, err := store.Create("t", "A,B,C", "1d", "chan", LocaleEnglish)
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, castErr := store.CastVote(v.ID, "u1", n%3)
			assert.NoError(t, castErr)
		}(i)
	}
	wg.Wait()

	results, err := store.Results(v.ID)
	require.NoError(t, err)

	seen := 0
	for _, c := range results.Choices {
		for _, voter := range c.Voters {
			if voter == "u1" {
				seen++
			}
		}
	}
	assert.Equal(t, 1, seen, "user should be in exactly one choice")
}

func TestVoteStore_Close(t *testing.T) {
	t.Parallel()
	store, closed := newTestVoteStore(t)
	ctx := context.Background()

	v, err := store.Create("t", "A,B,C", "1d", "chan", LocaleEnglish)
	require.NoError(t, err)
	_, err = store.Start(v.ID, "msg")
	require.NoError(t, err)
	assert.Equal(t, 1, store.scheduler.Pending())

	_, err = store.CastVote(v.ID, "U1", 0)
	require.NoError(t, err)
	_, err = store.CastVote(v.ID, "U1", 1)
	require.NoError(t, err)

	final, didClose, err := store.Close(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, didClose)
	assert.True(t, final.Closed)
	require.NotNil(t, final.EndedAt)
	assert.Equal(t, 0, store.scheduler.Pending(), "close task should be cancelled")

	assert.Empty(t, final.Choices[0].Voters)
	assert.Equal(t, []string{"U1"}, final.Choices[1].Voters)
	assert.Empty(t, final.Choices[2].Voters)

	_, didClose, err = store.Close(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, didClose)

	require.Len(t, closed, 1)
	got := <-closed
	assert.Equal(t, v.ID, got.ID)
	assert.Equal(t, "msg", got.MessageID)

	_, err = store.CastVote(v.ID, "U2", 0)
	assert.ErrorIs(t, err, ErrVoteClosed)

	// results still work after closing
	results, err := store.Results(v.ID)
	require.NoError(t, err)
	assert.True(t, results.Closed)
}

func TestVoteStore_ClosesAfterDuration(t *testing.T) {
	t.Parallel()
	store, closed := newTestVoteStore(t)

	v, err := store.Create("t", "A,B", "1s", "chan", LocaleEnglish)
	require.NoError(t, err)
	_, err = store.Start(v.ID, "msg")
	require.NoError(t, err)

	select {
	case got := <-closed:
		assert.Equal(t, v.ID, got.ID)
		assert.True(t, got.Closed)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for vote to close")
	}
}

func TestVoteStore_Discard(t *testing.T) {
	t.Parallel()
	store, closed := newTestVoteStore(t)

	v, err := store.Create("t", "A,B", "1h", "chan", LocaleEnglish)
	require.NoError(t, err)
	store.Discard(v.ID)

	assert.Equal(t, 0, store.Len())
	_, err = store.Results(v.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Start(v.ID, "msg")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, closed)

	// no-op for unknown votes
	store.Discard("unknown")
}

func TestVoteStore_Prune(t *testing.T) {
	t.Parallel()
	store, _ := newTestVoteStore(t)
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	oldVote, err := store.Create("old", "A,B", "1h", "chan", LocaleEnglish)
	require.NoError(t, err)
	_, _, err = store.Close(ctx, oldVote.ID)
	require.NoError(t, err)

	openVote, err := store.Create("open", "A,B", "1h", "chan", LocaleEnglish)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	recentVote, err := store.Create("recent", "A,B", "1h", "chan", LocaleEnglish)
	require.NoError(t, err)
	_, _, err = store.Close(ctx, recentVote.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, store.Prune(time.Hour))

	remaining := store.List()
	require.Len(t, remaining, 2)
	assert.Equal(t, openVote.ID, remaining[0].ID)
	assert.Equal(t, recentVote.ID, remaining[1].ID)

	assert.Equal(t, 0, store.Prune(time.Hour))
}
