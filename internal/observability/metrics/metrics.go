package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const exportInterval = 10 * time.Second

type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the OTLP counters for money movement. A nil *Metrics records
// nothing, so services take it as an optional dependency.
type Metrics struct {
	transfers      metric.Int64Counter
	transferTokens metric.Int64Counter
	webhookEvents  metric.Int64Counter
	ledgerEntries  metric.Int64Counter
	withdrawals    metric.Int64Counter
	refills        metric.Int64Counter
}

// NewProvider installs the global meter provider. With export disabled the
// provider is a noop and nothing leaves the process.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, fmt.Errorf("metrics exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.StopHook(func(ctx context.Context) error {
			return provider.Shutdown(ctx)
		}))
	}
	if log != nil {
		log.Named("metrics").Info("otlp metrics enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
			zap.Duration("interval", exportInterval),
		)
	}

	return provider, nil
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creatorpay"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.transfers, "creatorpay_transfers_total", "Transfer attempts by kind and outcome."},
		{&m.transferTokens, "creatorpay_transfer_tokens_total", "Tokens moved by successful transfers."},
		{&m.webhookEvents, "creatorpay_webhook_events_total", "Gateway events by type and ack status."},
		{&m.ledgerEntries, "creatorpay_ledger_entries_total", "Ledger rows appended by type."},
		{&m.withdrawals, "creatorpay_withdrawal_transitions_total", "Withdrawal status changes."},
		{&m.refills, "creatorpay_refills_total", "Auto-refill attempts by outcome."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	return m, nil
}

func (m *Metrics) RecordTransfer(ctx context.Context, kind, outcome string, tokens int64) {
	if m == nil {
		return
	}
	opt := withLabels(attribute.String("kind", kind), attribute.String("outcome", outcome))
	m.transfers.Add(ctx, 1, opt)
	if outcome == "success" && tokens > 0 {
		m.transferTokens.Add(ctx, tokens, opt)
	}
}

func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, withLabels(attribute.String("event_type", eventType), attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordLedgerEntry(ctx context.Context, txnType string) {
	if m == nil {
		return
	}
	m.ledgerEntries.Add(ctx, 1, withLabels(attribute.String("type", txnType)))
}

func (m *Metrics) RecordWithdrawalTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.withdrawals.Add(ctx, 1, withLabels(attribute.String("status", status)))
}

func (m *Metrics) RecordRefill(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.refills.Add(ctx, 1, withLabels(attribute.String("outcome", outcome)))
}

func withLabels(attrs ...attribute.KeyValue) metric.MeasurementOption {
	for i, attr := range attrs {
		if attr.Value.Type() == attribute.STRING {
			attrs[i] = attribute.String(string(attr.Key), strings.TrimSpace(attr.Value.AsString()))
		}
	}
	return metric.WithAttributes(FilterAttributes(attrs...)...)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Label keys allowed on counters. Principal and withdrawal ids never become
// labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"kind":        {},
	"outcome":     {},
	"type":        {},
	"status":      {},
	"endpoint":    {},
	"status_code": {},
	"method":      {},
	"event_type":  {},
	"reason":      {},
}

func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; ok {
			filtered = append(filtered, attr)
		}
	}
	return filtered
}
