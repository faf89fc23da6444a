package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/creatorpay/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithPrincipal(ctx, "42")
	ctx = obscontext.WithJob(ctx, "settle_withdrawals", "run-7")

	WithContext(ctx, base).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "42", fields["principal_id"])
	assert.Equal(t, "settle_withdrawals", fields["job"])
	assert.Equal(t, "run-7", fields["run_id"])
	_, hasTrace := fields["trace_id"]
	assert.False(t, hasTrace)
}

func TestWithContextOmitsMissingValues(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	WithContext(context.Background(), zap.New(core)).Info("hello")

	assert.Empty(t, logs.All()[0].Context)
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "console", normalizeFormat(" Console "))
	assert.Equal(t, "json", normalizeFormat("yaml"))
}

func TestSamplingNeverDropsWarnings(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sampled := zap.New(sampleBelowWarn(core, Config{SamplingInitial: 1, SamplingThereafter: 1000}))

	for i := 0; i < 5; i++ {
		sampled.Info("transfer applied")
		sampled.Warn("transfer rejected")
	}

	assert.Equal(t, 1, logs.FilterMessage("transfer applied").Len())
	assert.Equal(t, 5, logs.FilterMessage("transfer rejected").Len())
}

func TestBuildRejectsUnknownLevel(t *testing.T) {
	_, err := build(Config{Level: "loud"})
	assert.Error(t, err)
}
