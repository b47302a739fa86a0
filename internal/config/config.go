package config

import (
	"log"
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

	// OpsAPIToken guards /v1 operations routes with a bearer token. Empty
	// leaves them open.
	OpsAPIToken string

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
	DBSlowQuery       time.Duration

	Redis  RedisConfig
	Email  EmailConfig
	Twilio TwilioConfig
	Kafka  KafkaConfig
	Engine EngineConfig

	GuardrailConfigPath string
}

// ObservabilityConfig feeds logging, tracing and OTel metrics.
type ObservabilityConfig struct {
	DeploymentEnv string
	Version       string
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelEndpoint  string
	OtelProtocol  string
	SamplingRatio float64
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// WebhookSecret signs delivery callbacks (HMAC-SHA256, hex). Empty
	// disables verification.
	WebhookSecret string
}

type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	FromNumber        string
	VoiceURL          string
	StatusCallbackURL string
	ValidateSignature bool
}

func (c TwilioConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != ""
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// EngineConfig controls trigger evaluation and dispatch.
type EngineConfig struct {
	Timezone               string
	SendHour               int
	EvaluationCron         string
	RunInterval            time.Duration
	BatchSize              int
	DispatchBatchSize      int
	AdapterTimeout         time.Duration
	RecoveryThreshold      time.Duration
	GuardrailDispatchMode  string
	RetryPermanentFailures bool
	SendRatePerSecond      float64
	SendRateBurst          int
	PassLockTTL            time.Duration
	EnabledJobs            []string
}

const (
	GuardrailModeAdvisory = "advisory"
	GuardrailModeEnforce  = "enforce"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "dunning"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		OpsAPIToken: strings.TrimSpace(getenv("OPS_API_TOKEN", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "dunning"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBSlowQuery:       getenvDuration("DATABASE_SLOW_QUERY", 200*time.Millisecond),

		Observability: ObservabilityConfig{
			DeploymentEnv: strings.TrimSpace(getenv("DEPLOYMENT_ENV", "")),
			Version:       strings.TrimSpace(getenv("SERVICE_VERSION", "")),
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", strings.EqualFold(getenv("ENVIRONMENT", "development"), "production")),
			OtelEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:  otlpProtocol(),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     getenvInt("SMTP_PORT", 1025),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "cobranza@localhost"),

			WebhookSecret: strings.TrimSpace(getenv("EMAIL_WEBHOOK_SECRET", "")),
		},
		Twilio: TwilioConfig{
			AccountSID:        strings.TrimSpace(getenv("TWILIO_ACCOUNT_SID", "")),
			AuthToken:         strings.TrimSpace(getenv("TWILIO_AUTH_TOKEN", "")),
			FromNumber:        strings.TrimSpace(getenv("TWILIO_FROM_NUMBER", "")),
			VoiceURL:          strings.TrimSpace(getenv("TWILIO_VOICE_URL", "")),
			StatusCallbackURL: strings.TrimRight(strings.TrimSpace(getenv("TWILIO_STATUS_CALLBACK_URL", "")), "/"),
			ValidateSignature: getenvBool("TWILIO_VALIDATE_SIGNATURE", true),
		},
		Kafka: KafkaConfig{
			Brokers: parseList(getenv("KAFKA_BROKERS", "")),
			Topic:   getenv("KAFKA_TOPIC", "dunning.actions"),
		},
		Engine: EngineConfig{
			Timezone:               getenv("ENGINE_TIMEZONE", "America/Mexico_City"),
			SendHour:               getenvInt("ENGINE_SEND_HOUR", 9),
			EvaluationCron:         strings.TrimSpace(getenv("ENGINE_EVALUATION_CRON", "0 6 * * *")),
			RunInterval:            getenvDuration("ENGINE_RUN_INTERVAL", time.Minute),
			BatchSize:              getenvInt("ENGINE_BATCH_SIZE", 200),
			DispatchBatchSize:      getenvInt("ENGINE_DISPATCH_BATCH_SIZE", 50),
			AdapterTimeout:         getenvDuration("ENGINE_ADAPTER_TIMEOUT", 15*time.Second),
			RecoveryThreshold:      getenvDuration("ENGINE_RECOVERY_THRESHOLD", 15*time.Minute),
			GuardrailDispatchMode:  normalizeGuardrailMode(getenv("ENGINE_GUARDRAIL_MODE", GuardrailModeAdvisory)),
			RetryPermanentFailures: getenvBool("ENGINE_RETRY_PERMANENT_FAILURES", false),
			SendRatePerSecond:      getenvFloat("ENGINE_SEND_RATE_PER_SECOND", 0),
			SendRateBurst:          getenvInt("ENGINE_SEND_RATE_BURST", 10),
			PassLockTTL:            getenvDuration("ENGINE_PASS_LOCK_TTL", 10*time.Minute),
			EnabledJobs:            parseList(getenv("ENGINE_ENABLED_JOBS", "")),
		},
		GuardrailConfigPath: strings.TrimSpace(getenv("GUARDRAIL_CONFIG_PATH", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Location resolves the engine timezone, falling back to UTC.
func (c EngineConfig) Location() *time.Location {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("[config] unknown ENGINE_TIMEZONE %q, using UTC", name)
		return time.UTC
	}
	return loc
}

// otlpProtocol prefers the traces-specific override when set.
func otlpProtocol() string {
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); v != "" {
		return strings.ToLower(v)
	}
	return strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")))
}

func normalizeGuardrailMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case GuardrailModeEnforce:
		return GuardrailModeEnforce
	default:
		return GuardrailModeAdvisory
	}
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
