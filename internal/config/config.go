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

	OTLPEndpoint string

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

	Providers ProvidersConfig
	Alerts    AlertsConfig
	RateLimit RateLimitConfig
}

// ProvidersConfig carries credentials for the generation providers.
type ProvidersConfig struct {
	DefaultProvider string
	CallbackBaseURL string
	RequestTimeout  time.Duration

	NanoBananaAPIKey        string
	NanoBananaBaseURL       string
	NanoBananaWebhookSecret string

	KieAPIKey        string
	KieBaseURL       string
	KieWebhookSecret string
}

// AlertsConfig configures the operator alert channels.
type AlertsConfig struct {
	SlackWebhookURL string
	SlackChannel    string

	EmailEnabled bool
	EmailTo      string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

// RateLimitConfig configures the redis-backed dispatch limiter.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DispatchRate  float64
	DispatchBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "preset-credits"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: environment,
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "preset_credits"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		Providers: ProvidersConfig{
			DefaultProvider: strings.ToLower(getenv("GENERATION_DEFAULT_PROVIDER", "nanobanana")),
			CallbackBaseURL: strings.TrimRight(getenv("GENERATION_CALLBACK_BASE_URL", ""), "/"),
			RequestTimeout:  getenvDuration("GENERATION_REQUEST_TIMEOUT", 30*time.Second),

			NanoBananaAPIKey:        strings.TrimSpace(getenv("NANOBANANA_API_KEY", "")),
			NanoBananaBaseURL:       getenv("NANOBANANA_BASE_URL", "https://api.nanobananaapi.ai"),
			NanoBananaWebhookSecret: strings.TrimSpace(getenv("NANOBANANA_WEBHOOK_SECRET", "")),

			KieAPIKey:        strings.TrimSpace(getenv("KIE_API_KEY", "")),
			KieBaseURL:       getenv("KIE_BASE_URL", "https://api.kie.ai"),
			KieWebhookSecret: strings.TrimSpace(getenv("KIE_WEBHOOK_SECRET", "")),
		},

		Alerts: AlertsConfig{
			SlackWebhookURL: strings.TrimSpace(getenv("ALERT_SLACK_WEBHOOK_URL", "")),
			SlackChannel:    getenv("ALERT_SLACK_CHANNEL", "#credits-ops"),

			EmailEnabled: getenvBool("ALERT_EMAIL_ENABLED", false),
			EmailTo:      strings.TrimSpace(getenv("ALERT_EMAIL_TO", "")),
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "alerts@presetbase.com"),
		},

		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			DispatchRate:  getenvFloat("RATE_LIMIT_DISPATCH_RATE", 1),
			DispatchBurst: getenvInt("RATE_LIMIT_DISPATCH_BURST", 5),
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
