package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	PublicURL   string

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

	PricingFile string

	PaymentProvider string
	Billplz         BillplzConfig
	Redis           RedisConfig
	AMQP            AMQPConfig
	Settlement      SettlementConfig
	RateLimit       RateLimitConfig
	Scheduler       SchedulerConfig
}

// BillplzConfig configures the Billplz gateway adapter.
type BillplzConfig struct {
	APIKey        string
	CollectionID  string
	XSignatureKey string
	Sandbox       bool
	BaseURL       string
	CallbackURL   string
	RedirectURL   string
	Timeout       time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

// SettlementConfig tunes the reconciler and the deferred side-effect queue.
type SettlementConfig struct {
	RedirectSettles bool
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMax        time.Duration
	// ReplayAfter is how long an unsettled webhook event waits before the
	// replay job retries it.
	ReplayAfter time.Duration
}

type RateLimitConfig struct {
	Enabled          bool
	PublicRate       float64
	PublicBurst      int
	SweeperLockTTL   time.Duration
	SweeperLockGuard bool
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
}

type ObservabilityConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelEndpoint  string
	OtelProtocol  string
	SamplingRatio float64
	SlowQuery     time.Duration
	SQLLogLevel   string
}

const (
	BillplzSandboxURL    = "https://www.billplz-sandbox.com/api"
	BillplzProductionURL = "https://www.billplz.com/api"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	publicURL := strings.TrimRight(getenv("PUBLIC_URL", "http://localhost:8080"), "/")

	sandbox := getenvBool("BILLPLZ_SANDBOX", environment != "production")
	baseURL := BillplzProductionURL
	if sandbox {
		baseURL = BillplzSandboxURL
	}

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "bookpay"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       environment,
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		PublicURL:         publicURL,
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "bookpay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		PricingFile:       strings.TrimSpace(getenv("PRICING_FILE", "")),
		PaymentProvider:   strings.ToLower(strings.TrimSpace(getenv("PAYMENT_PROVIDER", "billplz"))),
		Billplz: BillplzConfig{
			APIKey:        strings.TrimSpace(getenv("BILLPLZ_API_KEY", "")),
			CollectionID:  strings.TrimSpace(getenv("BILLPLZ_COLLECTION_ID", "")),
			XSignatureKey: strings.TrimSpace(getenv("BILLPLZ_X_SIGNATURE_KEY", "")),
			Sandbox:       sandbox,
			BaseURL:       strings.TrimRight(getenv("BILLPLZ_BASE_URL", baseURL), "/"),
			CallbackURL:   getenv("BILLPLZ_CALLBACK_URL", publicURL+"/webhooks/billplz"),
			RedirectURL:   getenv("BILLPLZ_REDIRECT_URL", publicURL+"/payments/billplz/redirect"),
			Timeout:       getenvDuration("BILLPLZ_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		AMQP: AMQPConfig{
			URL:      strings.TrimSpace(getenv("AMQP_URL", "")),
			Exchange: getenv("AMQP_EXCHANGE", "bookpay.events"),
		},
		Settlement: SettlementConfig{
			RedirectSettles: getenvBool("SETTLEMENT_REDIRECT_SETTLES", false),
			MaxAttempts:     getenvInt("SETTLEMENT_MAX_ATTEMPTS", 8),
			RetryBase:       getenvDuration("SETTLEMENT_RETRY_BASE", 30*time.Second),
			RetryMax:        getenvDuration("SETTLEMENT_RETRY_MAX", time.Hour),
			ReplayAfter:     getenvDuration("SETTLEMENT_EVENT_REPLAY_AFTER", 2*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:          getenvBool("RATE_LIMIT_ENABLED", false),
			PublicRate:       getenvFloat("RATE_LIMIT_PUBLIC_RATE", 5),
			PublicBurst:      getenvInt("RATE_LIMIT_PUBLIC_BURST", 20),
			SweeperLockTTL:   getenvDuration("SWEEPER_LOCK_TTL", 2*time.Minute),
			SweeperLockGuard: getenvBool("SWEEPER_LOCK_ENABLED", true),
		},
		Observability: ObservabilityConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OtelEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
			SlowQuery:     getenvDuration("DB_SLOW_QUERY", 200*time.Millisecond),
			SQLLogLevel:   strings.ToLower(strings.TrimSpace(getenv("DB_LOG_LEVEL", "warn"))),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_INTERVAL", 30*time.Second),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
			EnabledJobs: parseList(getenv("SCHEDULER_JOBS", "")),
		},
	}

	return cfg
}

// Debug reports whether verbose logging and stack traces should be enabled.
func (c Config) Debug() bool {
	if c.Observability.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
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

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
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
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
