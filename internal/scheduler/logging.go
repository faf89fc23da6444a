package scheduler

import (
	"context"
	"sort"
	"time"

	obscontext "github.com/smallbiznis/creatorpay/internal/observability/context"
	obslogger "github.com/smallbiznis/creatorpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creatorpay/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun collects per-outcome counts for one pass of a job. The finish line
// carries them so one log entry describes the whole pass.
type jobRun struct {
	job        string
	runID      string
	batchSize  int
	startedAt  time.Time
	outcomes   map[string]int
	processed  int
	errorCount int
}

type jobRunKey struct{}

// Record adds n rows that ended in outcome. Outcomes in processedOutcomes
// also count toward processed_count.
func (r *jobRun) Record(outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[outcome] += n
	if _, ok := processedOutcomes[outcome]; ok {
		r.processed += n
	}
}

var processedOutcomes = map[string]struct{}{
	outcomePaid:      {},
	outcomeFailed:    {},
	outcomeInFlight:  {},
	outcomeRefreshed: {},
}

const (
	outcomeClaimed   = "claimed"
	outcomeResent    = "resent"
	outcomePaid      = "paid"
	outcomeFailed    = "failed"
	outcomeInFlight  = "in_flight"
	outcomeRefreshed = "refreshed"
)

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

// ensureJobRun attaches a run to ctx unless one already exists. The bool
// reports whether the caller owns the run and must log its lifecycle.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithJob(ctx, job, run.runID)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.errorCount),
	}
	outcomes := make([]string, 0, len(run.outcomes))
	for outcome := range run.outcomes {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		fields = append(fields, zap.Int(outcome, run.outcomes[outcome]))
	}

	log := s.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logJobError(ctx context.Context, run *jobRun, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	class := obsmetrics.ClassifyJobError(err)
	baseFields := []zap.Field{
		zap.String("error_reason", class.Reason),
		zap.String("error", err.Error()),
		zap.Bool("retryable", class.Retryable),
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}
