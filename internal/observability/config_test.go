package observability

import (
	"testing"

	"github.com/smallbiznis/creatorpay/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigMapsApplicationSettings(t *testing.T) {
	cfg := config.Config{
		AppName:      " ",
		AppVersion:   "1.4.0",
		Environment:  "production",
		OTLPEndpoint: "collector:4318",
		Observability: config.ObservabilityConfig{
			LogLevel:      "warn",
			LogFormat:     "json",
			OtelEnabled:   true,
			OtelProtocol:  "http/protobuf",
			SamplingRatio: 0.25,
		},
	}

	got := LoadConfig(cfg)

	assert.Equal(t, "creatorpay", got.ServiceName)
	assert.Equal(t, "1.4.0", got.Version)
	assert.True(t, got.OtelEnabled)
	assert.Equal(t, "http", got.OtelExporterProtocol)
	assert.Equal(t, 0.25, got.OtelSamplingRatio)
	assert.False(t, got.Debug())
}

func TestLoadConfigDisablesExportWithoutEndpoint(t *testing.T) {
	got := LoadConfig(config.Config{
		Observability: config.ObservabilityConfig{OtelEnabled: true, OtelProtocol: "grpc"},
	})

	assert.False(t, got.OtelEnabled)
	assert.Equal(t, "grpc", got.OtelExporterProtocol)
}

func TestDebugFollowsLevelOrEnvironment(t *testing.T) {
	assert.True(t, Config{LogLevel: "DEBUG", Environment: "production"}.Debug())
	assert.True(t, Config{LogLevel: "info", Environment: "local"}.Debug())
	assert.False(t, Config{LogLevel: "info", Environment: "staging"}.Debug())
}
