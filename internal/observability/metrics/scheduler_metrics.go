package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/creatorpay/pkg/db"
	"gorm.io/gorm"
)

const (
	BatchResourceWithdrawals = "withdrawals"
	BatchResourceSnapshots   = "earnings_snapshots"
)

// Low-cardinality reasons used as the "reason" label of job errors.
const (
	JobReasonDeadline        = "deadline_exceeded"
	JobReasonLockTimeout     = "db_lock_timeout"
	JobReasonTransientDB     = "db_transient"
	JobReasonUniqueViolation = "unique_violation"
	JobReasonDB              = "db"
	JobReasonBusinessRule    = "business_rule"
)

// JobErrorClass describes a job failure for logs and counters.
type JobErrorClass struct {
	Reason    string
	Retryable bool
}

// ClassifyJobError tells whether the next tick can expect a different
// result. Business rule failures repeat until data changes.
func ClassifyJobError(err error) JobErrorClass {
	switch {
	case err == nil:
		return JobErrorClass{Reason: JobReasonBusinessRule}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return JobErrorClass{Reason: JobReasonDeadline, Retryable: true}
	case db.IsLockTimeoutErr(err):
		return JobErrorClass{Reason: JobReasonLockTimeout, Retryable: true}
	case db.IsTransientErr(err):
		return JobErrorClass{Reason: JobReasonTransientDB, Retryable: true}
	case db.IsDuplicateKeyErr(err):
		return JobErrorClass{Reason: JobReasonUniqueViolation}
	case errors.Is(err, gorm.ErrInvalidDB), errors.Is(err, gorm.ErrInvalidTransaction):
		return JobErrorClass{Reason: JobReasonDB, Retryable: true}
	default:
		return JobErrorClass{Reason: JobReasonBusinessRule}
	}
}

// SchedulerMetrics is exported through the prometheus /metrics handler.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	lockSkipped    *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
}

var (
	schedulerMetricsMu sync.Mutex
	schedulerMetrics   *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics, registering them on
// first use.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig is Scheduler with service labels. Only the first call
// decides the labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsMu.Lock()
	defer schedulerMetricsMu.Unlock()
	if schedulerMetrics == nil {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	}
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest drops the registered metrics so the next
// call registers again on the current default registerer.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsMu.Lock()
	defer schedulerMetricsMu.Unlock()
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	labels := constLabelsFor(cfg)
	counter := func(name, help string, keys ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "creatorpay",
			Subsystem:   "scheduler",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, keys)
	}

	m := &SchedulerMetrics{
		jobRuns:        counter("job_runs_total", "Job runs started.", "job"),
		jobTimeouts:    counter("job_timeouts_total", "Job runs cut short by their deadline.", "job"),
		jobErrors:      counter("job_errors_total", "Job errors by reason.", "job", "reason"),
		batchProcessed: counter("batch_processed_total", "Items a job brought to a final or in-flight state.", "job", "resource"),
		lockSkipped:    counter("lock_skipped_total", "Runs skipped because another instance led.", "job"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "creatorpay",
			Subsystem:   "scheduler",
			Name:        "job_duration_seconds",
			Help:        "Job wall time.",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2.5, 10),
			ConstLabels: labels,
		}, []string{"job"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "creatorpay",
			Subsystem:   "scheduler",
			Name:        "runloop_lag_seconds",
			Help:        "Delay of a tick past its interval.",
			Buckets:     prometheus.ExponentialBuckets(0.01, 3, 9),
			ConstLabels: labels,
		}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.batchProcessed,
		m.lockSkipped,
		m.runLoopLag,
	)
	return m
}

func constLabelsFor(cfg Config) prometheus.Labels {
	labels := prometheus.Labels{"service": "creatorpay", "env": "unknown"}
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		labels["service"] = name
	}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		labels["env"] = env
	}
	return labels
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobError(err).Reason).Inc()
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *SchedulerMetrics) IncLockSkipped(job string) {
	if m != nil {
		m.lockSkipped.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(d, 0).Seconds())
}
