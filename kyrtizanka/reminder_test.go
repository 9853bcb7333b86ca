package kyrtizanka

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReminderStore(t testing.TB) (*ReminderStore, chan Reminder) {
	t.Helper()
	scheduler := NewScheduler(nil)
	t.Cleanup(scheduler.Stop)

	delivered := make(chan Reminder, 100)
	store := NewReminderStore(
		scheduler,
		func(_ context.Context, r Reminder) {
			delivered <- r
		},
		nil,
	)
	return store, delivered
}

func TestReminderStore_CreateAndFire(t *testing.T) {
	t.Parallel()
	store, delivered := newTestReminderStore(t)
	ctx := context.Background()

	r, err := store.Create(ctx, "u1", "c1", "drink water", "1s", LocaleEnglish)
	require.NoError(t, err)
	assert.Equal(t, uint(1), r.ID)
	assert.Equal(t, "u1", r.Owner)
	assert.Equal(t, "c1", r.ChannelID)
	assert.Equal(t, time.Second, r.FireAt.Sub(r.CreatedAt))
	assert.Equal(t, discordTimestamp(r.FireAt), r.DisplayTime)
	assert.Equal(t, 1, store.Len())

	select {
	case got := <-delivered:
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, "drink water", got.Text)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for reminder")
	}

	assert.Equal(t, 0, store.Len())
	assert.Empty(t, store.List("u1"))

	_, err = store.Remove("u1", r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReminderStore_CreateInvalid(t *testing.T) {
	t.Parallel()
	store, _ := newTestReminderStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "u1", "c1", "hi", "soon", LocaleEnglish)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = store.Create(ctx, "u1", "c1", "hi", "0s", LocaleEnglish)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = store.Create(ctx, "u1", "c1", "   ", "1h", LocaleEnglish)
	assert.ErrorIs(t, err, ErrEmptyText)

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, store.scheduler.Pending())

	r, err := store.Create(ctx, "u1", "c1", "hi", "1h", LocaleEnglish)
	require.NoError(t, err)
	assert.Equal(t, uint(1), r.ID, "failed creates shouldn't consume IDs")
}

func TestReminderStore_List(t *testing.T) {
	t.Parallel()
	store, _ := newTestReminderStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx, "u1", "c1", "first", "1h", LocaleEnglish)
	require.NoError(t, err)
	_, err = store.Create(ctx, "u2", "c1", "other user", "1h", LocaleEnglish)
	require.NoError(t, err)
	c, err := store.Create(ctx, "u1", "c2", "second", "2h", LocaleEnglish)
	require.NoError(t, err)

	list := store.List("u1")
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, c.ID, list[1].ID)

	assert.Len(t, store.List("u2"), 1)
	assert.Empty(t, store.List("u3"))

	_, err = store.Remove("u1", a.ID)
	require.NoError(t, err)

	list = store.List("u1")
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)
	assert.Len(t, store.All(), 2)
}

func TestReminderStore_Remove(t *testing.T) {
	t.Parallel()
	store, delivered := newTestReminderStore(t)
	ctx := context.Background()

	r, err := store.Create(ctx, "owner", "c1", "hello", "1h", LocaleEnglish)
	require.NoError(t, err)

	t.Run(
		"unknown id", func(t *testing.T) {
			for _, requester := range []string{"owner", "someone"} {
				_, err := store.Remove(requester, 999)
				assert.True(t, errors.Is(err, ErrNotFound))
			}
		},
	)

	t.Run(
		"not owner", func(t *testing.T) {
			_, err := store.Remove("someone", r.ID)
			assert.ErrorIs(t, err, ErrNotOwner)
			assert.Equal(t, 1, store.Len())
			assert.Equal(t, 1, store.scheduler.Pending(), "task should still be pending")
		},
	)

	t.Run(
		"owner", func(t *testing.T) {
			removed, err := store.Remove("owner", r.ID)
			require.NoError(t, err)
			assert.Equal(t, r.ID, removed.ID)
			assert.Equal(t, 0, store.Len())
			assert.Equal(t, 0, store.scheduler.Pending())

			_, err = store.Remove("owner", r.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		},
	)

	assert.Empty(t, delivered)
}

func TestReminderStore_RemoveBeforeFire(t *testing.T) {
	t.Parallel()
	store, delivered := newTestReminderStore(t)

	r, err := store.Create(context.Background(), "u1", "c1", "nope", "1s", LocaleEnglish)
	require.NoError(t, err)
	_, err = store.Remove("u1", r.ID)
	require.NoError(t, err)

	select {
	case got := <-delivered:
		t.Fatalf("removed reminder was delivered: %#v", got)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestReminderStore_StableIDs(t *testing.T) {
	t.Parallel()
	store, _ := newTestReminderStore(t)
	ctx := context.Background()

	var ids []uint
	for i := 0; i < 3; i++ {
		r, err := store.Create(ctx, "u1", "c1", "text", "1h", LocaleEnglish)
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	_, err := store.Remove("u1", ids[0])
	require.NoError(t, err)

	// removing the first reminder doesn't shift the others
	removed, err := store.Remove("u1", ids[2])
	require.NoError(t, err)
	assert.Equal(t, ids[2], removed.ID)

	r, err := store.Create(ctx, "u1", "c1", "text", "1h", LocaleEnglish)
	require.NoError(t, err)
	assert.Equal(t, uint(4), r.ID)
}

func TestTruncateReminderText(t *testing.T) {
	t.Parallel()
	base := strings.Repeat("a", 30)

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "short", input: "hello", expected: "hello"},
		{name: "exactly 30", input: base, expected: base},
		{name: "31", input: base + "b", expected: base + "."},
		{name: "32", input: base + "bc", expected: base + ".."},
		{name: "33", input: base + "bcd", expected: base + "..."},
		{name: "40", input: base + strings.Repeat("z", 10), expected: base + "..."},
		{
			name:     "multibyte",
			input:    strings.Repeat("я", 32),
			expected: strings.Repeat("я", 30) + "..",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.expected, truncateReminderText(tc.input))
			},
		)
	}
}

func TestRenderReminderList(t *testing.T) {
	t.Parallel()
	fireAt := time.Unix(1700000000, 0)
	reminders := []Reminder{
		{ID: 3, Text: "buy milk", DisplayTime: discordTimestamp(fireAt)},
		{ID: 7, Text: strings.Repeat("x", 35), DisplayTime: discordTimestamp(fireAt)},
	}
	expected := "#0 **<t:1700000000:f>** `buy milk` id: 3\n" +
		"#1 **<t:1700000000:f>** `" + strings.Repeat("x", 30) + "...` id: 7\n"
	assert.Equal(t, expected, renderReminderList(reminders))
	assert.Equal(t, "", renderReminderList(nil))
}
