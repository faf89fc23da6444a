package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifyJobError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		reason    string
		retryable bool
	}{
		{"deadline", fmt.Errorf("settle: %w", context.DeadlineExceeded), JobReasonDeadline, true},
		{"lock_timeout", &pgconn.PgError{Code: "55P03"}, JobReasonLockTimeout, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, JobReasonTransientDB, true},
		{"connection", &pgconn.PgError{Code: "08006"}, JobReasonTransientDB, true},
		{"unique", gorm.ErrDuplicatedKey, JobReasonUniqueViolation, false},
		{"invalid_tx", gorm.ErrInvalidTransaction, JobReasonDB, true},
		{"business", errors.New("insufficient funds"), JobReasonBusinessRule, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyJobError(tc.err)
			assert.Equal(t, tc.reason, got.Reason)
			assert.Equal(t, tc.retryable, got.Retryable)
		})
	}
}

func TestJobErrorsCountedByReason(t *testing.T) {
	m := newSchedulerMetrics(prometheus.NewRegistry(), Config{ServiceName: "creatorpay", Environment: "test"})

	m.IncJobError("settle_withdrawals", &pgconn.PgError{Code: "55P03"})
	m.IncJobError("settle_withdrawals", &pgconn.PgError{Code: "55P03"})
	m.IncJobError("settle_withdrawals", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobErrors.WithLabelValues("settle_withdrawals", JobReasonLockTimeout)))
}

func TestAddBatchProcessed(t *testing.T) {
	m := newSchedulerMetrics(prometheus.NewRegistry(), Config{ServiceName: "creatorpay", Environment: "test"})

	m.AddBatchProcessed("settle_withdrawals", BatchResourceWithdrawals, 3)
	m.AddBatchProcessed("settle_withdrawals", BatchResourceWithdrawals, 0)
	m.IncLockSkipped("settle_withdrawals")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.batchProcessed.WithLabelValues("settle_withdrawals", BatchResourceWithdrawals)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockSkipped.WithLabelValues("settle_withdrawals")))
}

func TestNilSchedulerMetricsIsSafe(t *testing.T) {
	var m *SchedulerMetrics
	m.IncJobRun("job")
	m.ObserveJobDuration("job", 0)
	m.IncJobTimeout("job")
	m.IncJobError("job", errors.New("x"))
	m.AddBatchProcessed("job", "r", 1)
	m.IncLockSkipped("job")
	m.ObserveRunLoopLag(-1)
}
