package kyrtizanka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const limiterPruneSchedule = "@every 10m"

// housekeeping runs recurring maintenance jobs
type housekeeping struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func newHousekeeping(logger *slog.Logger) *housekeeping {
	logger = logger.With(loggerNameKey, "housekeeping")
	cl := cronLogger{logger: logger}
	return &housekeeping{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// addVotePruning schedules pruning of votes closed longer than
// retention ago. A retention of zero disables pruning.
func (h *housekeeping) addVotePruning(
	schedule string,
	votes *VoteStore,
	retention time.Duration,
	onPrune func(n int),
) error {
	if retention <= 0 {
		h.logger.Info("vote pruning disabled")
		return nil
	}
	_, err := h.cron.AddFunc(
		schedule, func() {
			n := votes.Prune(retention)
			if onPrune != nil {
				onPrune(n)
			}
		},
	)
	if err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return nil
}

// addLimiterPruning schedules prune to drop idle rate limiters
func (h *housekeeping) addLimiterPruning(schedule string, prune func() int) error {
	_, err := h.cron.AddFunc(
		schedule, func() {
			if n := prune(); n > 0 {
				h.logger.Debug("pruned rate limiters", "count", n)
			}
		},
	)
	if err != nil {
		return fmt.Errorf("invalid limiter prune schedule %q: %w", schedule, err)
	}
	return nil
}

func (h *housekeeping) start() {
	h.cron.Start()
}

// stop stops scheduling jobs, and waits for running jobs to finish or
// ctx to be cancelled
func (h *housekeeping) stop(ctx context.Context) error {
	select {
	case <-h.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
