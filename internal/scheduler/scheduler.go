// Package scheduler re-runs allocation for open cycles on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coopcycle/internal/allocation"
	"coopcycle/internal/coop"
	"coopcycle/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Allocatable are the statuses in which a scheduled run may bind supply.
var Allocatable = []models.CycleStatus{models.CycleComposing, models.CycleDelivering, models.CycleWithdrawal}

type Allocator interface {
	ListCycles(ctx context.Context, statuses []models.CycleStatus, limit, offset int) ([]models.Cycle, error)
	RunAllocation(ctx context.Context, actor coop.Actor, cycleID int64) (*allocation.Result, error)
}

type Scheduler struct {
	svc     Allocator
	log     *zap.Logger
	cron    *cron.Cron
	timeout time.Duration
}

func New(svc Allocator, logger *zap.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	cl := cronLogger{logger.Named("cron")}
	return &Scheduler{
		svc:     svc,
		log:     logger,
		timeout: timeout,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
}

// Start registers the allocation job under schedule (standard 5-field cron
// syntax or descriptors like "@every 5m") and starts the cron loop.
func (s *Scheduler) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduled allocation finished with errors", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.log.Info("allocation scheduler started", zap.String("schedule", schedule))
	return nil
}

// Stop stops the cron loop and waits for a running job.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce re-allocates every allocatable cycle and returns how many runs
// succeeded. A failing cycle does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	cycles, err := s.svc.ListCycles(ctx, Allocatable, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("list cycles: %w", err)
	}
	var (
		ok   int
		errs []error
	)
	for _, c := range cycles {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := s.svc.RunAllocation(ctx, coop.System, c.ID)
		if err != nil {
			s.log.Error("scheduled allocation failed", zap.Int64("cycle", c.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("cycle %d: %w", c.ID, err))
			continue
		}
		ok++
		if res != nil && res.Changes != nil && !res.Changes.Empty() {
			s.log.Info("scheduled allocation changed bindings",
				zap.Int64("cycle", c.ID),
				zap.Int("created", res.Changes.Created),
				zap.Int("updated", res.Changes.Updated),
				zap.Int("deleted", res.Changes.Deleted))
		}
	}
	return ok, errors.Join(errs...)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
