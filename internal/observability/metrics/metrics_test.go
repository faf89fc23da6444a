package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("kind", "tip"),
		attribute.String("principal_id", "456"),
		attribute.String("outcome", "success"),
	)
	require.Len(t, attrs, 2)
	for _, attr := range attrs {
		assert.NotEqual(t, attribute.Key("principal_id"), attr.Key)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordTransfer(ctx, "tip", "success", 10)
	m.RecordWebhookEvent(ctx, "payment_intent.succeeded", "processed")
	m.RecordLedgerEntry(ctx, "tip")
	m.RecordWithdrawalTransition(ctx, "paid")
	m.RecordRefill(ctx, "charged")
}

func TestRecordTransferCountsTokensOnlyOnSuccess(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(Config{ServiceName: "creatorpay-test"}, provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordTransfer(ctx, " tip ", "success", 40)
	m.RecordTransfer(ctx, "tip", "insufficient_funds", 0)
	m.RecordTransfer(ctx, "tip", "success", 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, md := range scope.Metrics {
			data, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range data.DataPoints {
				outcome, _ := dp.Attributes.Value("outcome")
				kind, _ := dp.Attributes.Value("kind")
				assert.Equal(t, "tip", kind.AsString())
				sums[md.Name+"/"+outcome.AsString()] += dp.Value
			}
		}
	}

	assert.Equal(t, int64(2), sums["creatorpay_transfers_total/success"])
	assert.Equal(t, int64(1), sums["creatorpay_transfers_total/insufficient_funds"])
	assert.Equal(t, int64(42), sums["creatorpay_transfer_tokens_total/success"])
	_, hasRejectedTokens := sums["creatorpay_transfer_tokens_total/insufficient_funds"]
	assert.False(t, hasRejectedTokens)
}
