/*
scheduler.go - Periodic balance seeding and accrual

PURPOSE:
  Runs the recalculation batch in accrue mode for every organization on a
  fixed interval. Employees assigned through channels that bypass seeding
  get a snapshot without waiting for their first request, and after_earning
  balances pick up every month completed since the last run.

DESIGN:
  - One background goroutine with a ticker
  - Runs once immediately on start
  - Accrue mode only: it never reduces a balance, and a second run on the
    same day writes nothing
  - An interval of zero disables the scheduler

USAGE:
  s := batch.NewScheduler(recalc, store, time.Hour, logger)
  s.Start(ctx)
  // ... later
  s.Stop()

SEE ALSO:
  - recalculate.go: Recalculator.Run
*/
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/warp/leave-engine/leave"
	"go.uber.org/zap"
)

// OrgLister is the slice of the store the scheduler needs.
type OrgLister interface {
	ListOrgs(ctx context.Context) ([]leave.OrgID, error)
}

type Scheduler struct {
	recalc   *Recalculator
	orgs     OrgLister
	interval time.Duration
	logger   *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(r *Recalculator, orgs OrgLister, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		recalc:   r,
		orgs:     orgs,
		interval: interval,
		logger:   logger.Named("scheduler"),
	}
}

// Start begins periodic runs. It is a no-op when the interval is zero or
// the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 {
		s.logger.Info("scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx, s.ticker, s.stop)

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the scheduler and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one accrue pass over every organization and returns the
// per-org summaries.
func (s *Scheduler) RunNow(ctx context.Context) []Summary {
	orgs, err := s.orgs.ListOrgs(ctx)
	if err != nil {
		s.logger.Error("listing organizations failed", zap.Error(err))
		return nil
	}
	var out []Summary
	for _, org := range orgs {
		if ctx.Err() != nil {
			break
		}
		sum, err := s.recalc.Run(ctx, org, ModeAccrue, 0)
		if err != nil {
			s.logger.Error("scheduled recalculation failed",
				zap.Int64("org_id", int64(org)),
				zap.Error(err))
			continue
		}
		out = append(out, sum)
	}
	return out
}
