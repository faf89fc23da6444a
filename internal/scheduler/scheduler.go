package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/internal/clock"
	earningsdomain "github.com/smallbiznis/creatorpay/internal/earnings/domain"
	obsmetrics "github.com/smallbiznis/creatorpay/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/creatorpay/internal/payout/domain"
	"github.com/smallbiznis/creatorpay/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	jobSettleWithdrawals = "settle_withdrawals"
	jobRefreshEarnings   = "refresh_earnings"

	settleTimeout  = 2 * time.Minute
	refreshTimeout = 30 * time.Second

	lockKeyPrefix = "scheduler:lock:"
	lockMargin    = 5 * time.Second
)

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config `optional:"true"`
	Payouts  payoutdomain.Service
	Earnings earningsdomain.Service
	Locker   *ratelimit.Locker `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	payouts  payoutdomain.Service
	earnings earningsdomain.Service
	locker   *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Payouts == nil || p.Earnings == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      cfg,
		genID:    p.GenID,
		clock:    p.Clock,
		payouts:  p.Payouts,
		earnings: p.Earnings,
		locker:   p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	schedMetrics := obsmetrics.Scheduler()

	release, acquired := s.acquireLeader(parent, name, timeout)
	if !acquired {
		schedMetrics.IncLockSkipped(name)
		return nil
	}
	defer release()

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx)
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; unfinished rows are picked up next tick
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// acquireLeader takes the per-job redis lease when leader locking is on and
// keeps it alive until the returned release runs. A redis failure lets the
// job run unguarded; row claims still keep instances apart.
func (s *Scheduler) acquireLeader(ctx context.Context, name string, timeout time.Duration) (func(), bool) {
	noop := func() {}
	if !s.cfg.LeaderLock || s.locker == nil {
		return noop, true
	}

	ttl := timeout + lockMargin
	lease, err := s.locker.Acquire(ctx, lockKeyPrefix+name, ttl)
	switch {
	case errors.Is(err, ratelimit.ErrLockHeld):
		s.log.Debug("scheduler job held by another instance", zap.String("job", name))
		return noop, false
	case err != nil:
		s.log.Warn("scheduler lock unavailable, running without it", zap.String("job", name), zap.Error(err))
		return noop, true
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.keepLease(lease, name, ttl, stop)
	}()

	return func() {
		close(stop)
		<-done
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			s.log.Warn("scheduler lock release failed", zap.String("job", name), zap.Error(err))
		}
	}, true
}

// keepLease extends the lease at half its ttl so a pass that overruns its
// soft deadline is not joined by a second instance.
func (s *Scheduler) keepLease(lease *ratelimit.Lease, name string, ttl time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err := lease.Extend(ctx, ttl)
			cancel()
			if errors.Is(err, ratelimit.ErrLockLost) {
				s.log.Warn("scheduler lock lost", zap.String("job", name))
				return
			}
			if err != nil {
				s.log.Warn("scheduler lock extend failed", zap.String("job", name), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{jobSettleWithdrawals, s.isJobEnabled(jobSettleWithdrawals), func(ctx context.Context) error {
			return s.runJob(ctx, jobSettleWithdrawals, s.cfg.BatchSize, settleTimeout, s.SettleWithdrawalsJob)
		}},
		{jobRefreshEarnings, s.isJobEnabled(jobRefreshEarnings), func(ctx context.Context) error {
			return s.runJob(ctx, jobRefreshEarnings, s.cfg.BatchSize, refreshTimeout, s.RefreshEarningsJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty list enables every job (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// SettleWithdrawalsJob disburses withdrawals whose payout date has passed.
func (s *Scheduler) SettleWithdrawalsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobSettleWithdrawals, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	report, err := s.payouts.SettleDue(ctx, s.cfg.BatchSize)
	if errors.Is(err, payoutdomain.ErrDisburserUnavailable) {
		s.logger(ctx).Debug("settlement skipped, no disburser configured")
		return nil
	}

	run.Record(outcomeClaimed, report.Claimed)
	run.Record(outcomeResent, report.Resent)
	run.Record(outcomePaid, report.Paid)
	run.Record(outcomeFailed, report.Failed)
	run.Record(outcomeInFlight, report.InFlight)
	obsmetrics.Scheduler().AddBatchProcessed(jobSettleWithdrawals, obsmetrics.BatchResourceWithdrawals, report.Paid+report.Failed+report.InFlight)

	if err != nil {
		s.logJobError(ctx, run, "scheduler.settlement.error", err)
		return err
	}
	return nil
}

// RefreshEarningsJob recomputes creator snapshots older than the max age.
func (s *Scheduler) RefreshEarningsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobRefreshEarnings, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	refreshed, err := s.earnings.RefreshStale(ctx, s.cfg.SnapshotMaxAge, s.cfg.BatchSize)
	run.Record(outcomeRefreshed, refreshed)
	obsmetrics.Scheduler().AddBatchProcessed(jobRefreshEarnings, obsmetrics.BatchResourceSnapshots, refreshed)
	if err != nil {
		s.logJobError(ctx, run, "scheduler.earnings.error", err)
		return err
	}
	return nil
}
