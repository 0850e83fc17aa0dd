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
	HTTPAddr    string

	LogLevel string

	DBType     string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Free tier and anonymous abuse heuristics.
	FreeCorrectionsLimit int
	AnonIPSoftLimit      int
	AnonIPWindow         time.Duration

	// Comma-separated allow-list of demo keys.
	DemoKeys string

	// Referral program.
	ReferralRewardCredits int
	ReferralCodeLength    int
	FrontendURL           string

	MercadoPago MercadoPagoConfig
	Grading     GradingConfig
	Email       EmailConfig
	Storage     StorageConfig
	OCR         OCRConfig
	RateLimit   RateLimitConfig
	Tracing     TracingConfig
}

type MercadoPagoConfig struct {
	AccessToken     string
	WebhookSecret   string
	APIBaseURL      string
	NotificationURL string
	BackURLSuccess  string
	BackURLFailure  string
	BackURLPending  string
	PackageTitle    string
	PackageCredits  int
	PackagePrice    float64
	PackageCurrency string
	RequestTimeout  time.Duration
}

type GradingConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

type OCRConfig struct {
	Endpoint       string
	RequestTimeout time.Duration
}

type RateLimitConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type TracingConfig struct {
	Enabled       bool
	Endpoint      string
	SamplingRatio float64
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "corrector"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		LogLevel: getenv("LOG_LEVEL", "info"),

		DBType:     getenv("DATABASE_TYPE", "postgres"),
		DBHost:     getenv("DATABASE_HOST", "localhost"),
		DBPort:     getenv("DATABASE_PORT", "5432"),
		DBName:     getenv("DATABASE_NAME", "corrector"),
		DBUser:     getenv("DATABASE_USER", "postgres"),
		DBPassword: getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:  getenv("DATABASE_SSLMODE", "disable"),

		FreeCorrectionsLimit: getenvInt("FREE_CORRECTIONS_LIMIT", 1),
		AnonIPSoftLimit:      getenvInt("ANON_IP_SOFT_LIMIT", 5),
		AnonIPWindow:         getenvDuration("ANON_IP_WINDOW", time.Hour),

		DemoKeys: getenv("DEMO_KEYS", ""),

		ReferralRewardCredits: getenvInt("REFERRAL_REWARD_CREDITS", 2),
		ReferralCodeLength:    clampReferralCodeLength(getenvInt("REFERRAL_CODE_LENGTH", 10)),
		FrontendURL:           strings.TrimRight(getenv("FRONTEND_URL", "https://mooose.com.br"), "/"),

		MercadoPago: MercadoPagoConfig{
			AccessToken:     strings.TrimSpace(getenv("MP_ACCESS_TOKEN", "")),
			WebhookSecret:   strings.TrimSpace(getenv("MP_WEBHOOK_SECRET", "")),
			APIBaseURL:      getenv("MP_API_BASE_URL", "https://api.mercadopago.com"),
			NotificationURL: strings.TrimSpace(getenv("MP_NOTIFICATION_URL", "")),
			BackURLSuccess:  strings.TrimSpace(getenv("MP_BACK_URL_SUCCESS", "")),
			BackURLFailure:  strings.TrimSpace(getenv("MP_BACK_URL_FAILURE", "")),
			BackURLPending:  strings.TrimSpace(getenv("MP_BACK_URL_PENDING", "")),
			PackageTitle:    getenv("MP_PACKAGE_TITLE", "10 créditos Mooose"),
			PackageCredits:  getenvInt("MP_PACKAGE_CREDITS", 10),
			PackagePrice:    getenvFloat("MP_PACKAGE_PRICE", 9.90),
			PackageCurrency: getenv("MP_PACKAGE_CURRENCY", "BRL"),
			RequestTimeout:  getenvDuration("MP_REQUEST_TIMEOUT", 10*time.Second),
		},

		Grading: GradingConfig{
			APIKey:         strings.TrimSpace(getenv("GRADING_API_KEY", "")),
			BaseURL:        getenv("GRADING_BASE_URL", "https://api.openai.com/v1"),
			Model:          getenv("GRADING_MODEL", "gpt-4o-mini"),
			RequestTimeout: getenvDuration("GRADING_REQUEST_TIMEOUT", 90*time.Second),
		},

		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", ""),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "no-reply@mooose.com.br"),
		},

		Storage: StorageConfig{
			Endpoint:  getenv("STORAGE_ENDPOINT", ""),
			AccessKey: getenv("STORAGE_ACCESS_KEY", ""),
			SecretKey: getenv("STORAGE_SECRET_KEY", ""),
			Bucket:    getenv("STORAGE_BUCKET", "corrector-uploads"),
			UseSSL:    getenvBool("STORAGE_USE_SSL", true),
			PublicURL: strings.TrimRight(getenv("STORAGE_PUBLIC_URL", ""), "/"),
		},

		OCR: OCRConfig{
			Endpoint:       getenv("OCR_ENDPOINT", ""),
			RequestTimeout: getenvDuration("OCR_REQUEST_TIMEOUT", 60*time.Second),
		},

		RateLimit: RateLimitConfig{
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
		},

		Tracing: TracingConfig{
			Enabled:       getenvBool("OTEL_ENABLED", false),
			Endpoint:      getenv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
	}
}

// Module wires configuration loading.
var Module = fx.Module("config",
	fx.Provide(Load),
)

// Referral codes shorter than 8 chars collide too easily and longer than 12
// stop fitting share links; the env value is clamped rather than rejected.
func clampReferralCodeLength(n int) int {
	if n < 8 {
		return 8
	}
	if n > 12 {
		return 12
	}
	return n
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
