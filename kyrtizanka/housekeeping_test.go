package kyrtizanka

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHousekeeping_AddVotePruning(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		schedule  string
		retention time.Duration
		wantErr   bool
		wantJobs  int
	}{
		{name: "hourly", schedule: DefaultVotePruneSchedule, retention: time.Hour, wantJobs: 1},
		{name: "cron expression", schedule: "*/5 * * * *", retention: time.Hour, wantJobs: 1},
		{name: "disabled", schedule: "not a schedule", retention: 0},
		{name: "invalid", schedule: "every tuesday", retention: time.Hour, wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				h := newHousekeeping(slog.Default())
				store := NewVoteStore(nil, nil, nil)
				err := h.addVotePruning(tc.schedule, store, tc.retention, nil)
				if tc.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Len(t, h.cron.Entries(), tc.wantJobs)
			},
		)
	}
}

func TestHousekeeping_PrunesClosedVotes(t *testing.T) {
	t.Parallel()
	scheduler := NewScheduler(nil)
	t.Cleanup(scheduler.Stop)
	store := NewVoteStore(scheduler, nil, nil)
	ctx := context.Background()

	closed, err := store.Create("closed", "a,b", "1h", "c1", LocaleEnglish)
	require.NoError(t, err)
	_, err = store.Start(closed.ID, "m1")
	require.NoError(t, err)
	_, ok, err := store.Close(ctx, closed.ID)
	require.NoError(t, err)
	require.True(t, ok)

	open, err := store.Create("open", "a,b", "1h", "c1", LocaleEnglish)
	require.NoError(t, err)
	_, err = store.Start(open.ID, "m2")
	require.NoError(t, err)

	pruned := make(chan int, 10)
	h := newHousekeeping(slog.Default())
	require.NoError(
		t,
		h.addVotePruning(
			"@every 1s", store, time.Millisecond, func(n int) {
				pruned <- n
			},
		),
	)
	h.start()
	t.Cleanup(
		func() {
			assert.NoError(t, h.stop(context.Background()))
		},
	)

	select {
	case n := <-pruned:
		assert.Equal(t, 1, n)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for pruning")
	}

	votes := store.List()
	require.Len(t, votes, 1)
	assert.Equal(t, open.ID, votes[0].ID)
}

func TestHousekeeping_StopCancelled(t *testing.T) {
	t.Parallel()
	h := newHousekeeping(slog.Default())
	started := make(chan struct{})
	release := make(chan struct{})
	_, err := h.cron.AddFunc(
		"@every 1s", func() {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		},
	)
	require.NoError(t, err)
	h.start()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for job")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.stop(ctx), context.Canceled)

	close(release)
	assert.NoError(t, h.stop(context.Background()))
}

func TestHousekeeping_AddLimiterPruning(t *testing.T) {
	t.Parallel()
	h := newHousekeeping(slog.Default())
	assert.Error(t, h.addLimiterPruning("whenever", func() int { return 0 }))

	pruned := make(chan struct{}, 10)
	require.NoError(
		t,
		h.addLimiterPruning(
			"@every 1s", func() int {
				pruned <- struct{}{}
				return 1
			},
		),
	)
	h.start()
	t.Cleanup(
		func() {
			assert.NoError(t, h.stop(context.Background()))
		},
	)

	select {
	case <-pruned:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for limiter pruning")
	}
}
