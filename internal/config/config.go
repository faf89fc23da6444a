package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	NodeID      int64
	HTTPAddr    string

	OTLPEndpoint  string
	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBLockWaitTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Webhook WebhookConfig
	Gateway GatewayConfig
	Tokens  TokenConfig
	Payout  PayoutPolicy

	PayoutConfigPath string
	EarningsCacheTTL time.Duration

	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
}

// ObservabilityConfig carries the standard OTEL_* and LOG_* settings.
type ObservabilityConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelProtocol  string
	SamplingRatio float64
}

// RateLimitConfig throttles outgoing peer transfers per sender. It needs
// redis and is skipped without it.
type RateLimitConfig struct {
	Enabled       bool
	TransferRate  float64
	TransferBurst int
}

type SchedulerConfig struct {
	Enabled            bool
	RunInterval        time.Duration
	BatchSize          int
	EnabledJobs        []string
	LeaderLock         bool
	PayoutStallTimeout time.Duration
	SnapshotMaxAge     time.Duration
}

type WebhookConfig struct {
	SigningSecret   string
	FreshnessWindow time.Duration
	EventCacheTTL   time.Duration
}

type GatewayConfig struct {
	BaseURL  string
	APIKey   string
	Currency string
	Timeout  time.Duration
}

type TokenConfig struct {
	// UnitCents is the currency value of one token in minor units.
	UnitCents           int64
	PlatformPrincipalID int64
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPayoutPolicyHolder),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "creatorpay"),
		AppVersion:        getenv("SERVICE_VERSION", getenv("APP_VERSION", "0.1.0")),
		Environment:       getenv("DEPLOYMENT_ENV", getenv("ENVIRONMENT", "development")),
		NodeID:            getenvInt64("NODE_ID", 1),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		Observability: ObservabilityConfig{
			LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OtelProtocol:  strings.ToLower(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat64("OTEL_SAMPLING_RATIO", 0.1),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creatorpay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBLockWaitTimeout: getenvDuration("DATABASE_LOCK_WAIT_TIMEOUT", 5*time.Second),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           int(getenvInt64("REDIS_DB", 0)),
		Webhook: WebhookConfig{
			SigningSecret:   strings.TrimSpace(getenv("WEBHOOK_SIGNING_SECRET", "")),
			FreshnessWindow: getenvDuration("WEBHOOK_FRESHNESS_WINDOW", 5*time.Minute),
			EventCacheTTL:   getenvDuration("WEBHOOK_EVENT_CACHE_TTL", 24*time.Hour),
		},
		Gateway: GatewayConfig{
			BaseURL:  strings.TrimRight(strings.TrimSpace(getenv("GATEWAY_BASE_URL", "")), "/"),
			APIKey:   strings.TrimSpace(getenv("GATEWAY_API_KEY", "")),
			Currency: strings.ToLower(getenv("GATEWAY_CURRENCY", "usd")),
			Timeout:  getenvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		},
		Tokens: TokenConfig{
			UnitCents:           getenvInt64("TOKEN_UNIT_CENTS", 5),
			PlatformPrincipalID: getenvInt64("PLATFORM_PRINCIPAL_ID", 0),
		},
		Payout: PayoutPolicy{
			CalendarDays:        getenvIntList("PAYOUT_CALENDAR_DAYS", []int{1, 15}),
			MinimumPayoutTokens: getenvInt64("PAYOUT_MINIMUM_TOKENS", 1000),
			BufferWindow:        getenvDuration("PAYOUT_BUFFER_WINDOW", 72*time.Hour),
			PlatformFeeBps:      getenvInt64("PLATFORM_FEE_BPS", 0),
		},
		PayoutConfigPath: strings.TrimSpace(getenv("PAYOUT_CONFIG_PATH", "")),
		EarningsCacheTTL: getenvDuration("EARNINGS_CACHE_TTL", 5*time.Second),
		Scheduler: SchedulerConfig{
			Enabled:            getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:        getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:          int(getenvInt64("SCHEDULER_BATCH_SIZE", 50)),
			EnabledJobs:        getenvList("SCHEDULER_ENABLED_JOBS"),
			LeaderLock:         getenvBool("SCHEDULER_LEADER_LOCK", true),
			PayoutStallTimeout: getenvDuration("PAYOUT_STALL_TIMEOUT", 15*time.Minute),
			SnapshotMaxAge:     getenvDuration("EARNINGS_SNAPSHOT_MAX_AGE", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			TransferRate:  getenvFloat64("RATE_LIMIT_TRANSFER_RATE", 5),
			TransferBurst: int(getenvInt64("RATE_LIMIT_TRANSFER_BURST", 20)),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat64(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvIntList(key string, def []int) []int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return def
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return def
	}
	return out
}
