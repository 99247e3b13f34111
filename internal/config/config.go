package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PushEndpoint string
	PushKey      string

	PGDSN string

	StripeAPIKey          string
	StripeWebhookSecret   string
	PaymentCurrency       string
	PaymentSuccessURL     string
	PaymentFailureURL     string
	PaymentPreferenceTTL  time.Duration
	PaymentGatewayTimeout time.Duration

	JWTSecret string
	JWTIssuer string

	RateLimitRPS   float64
	RateLimitBurst int

	BillingDueDay int
	CronCharges   string
	CronOverdue   string
	CronReconcile string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		LockTTL:               10 * time.Second,
		KafkaTopic:            "school-transport-events",
		KafkaGroup:            "driver-rating-cache",
		PaymentCurrency:       "clp",
		PaymentPreferenceTTL:  24 * time.Hour,
		PaymentGatewayTimeout: 10 * time.Second,
		JWTIssuer:             "transporte-escolar",
		RateLimitRPS:          10,
		RateLimitBurst:        20,
		BillingDueDay:         10,
		CronCharges:           "0 6 1 * *",
		CronOverdue:           "0 7 * * *",
		CronReconcile:         "*/15 * * * *",
		LogLevel:              "info",
	}
}

// LoadDotEnv loads an optional .env file from the working directory.
// Variables already set in the environment win.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := LoadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.LockTTL, "LOCK_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	cfg.StripeWebhookSecret = strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")
	setStringFromEnv(&cfg.PaymentSuccessURL, "PAYMENT_SUCCESS_URL")
	setStringFromEnv(&cfg.PaymentFailureURL, "PAYMENT_FAILURE_URL")
	setDurationFromEnv(&cfg.PaymentPreferenceTTL, "PAYMENT_PREFERENCE_TTL", &errs)
	setDurationFromEnv(&cfg.PaymentGatewayTimeout, "PAYMENT_GATEWAY_TIMEOUT", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	setFloatFromEnv(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &errs)
	setIntFromEnv(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &errs)

	setIntFromEnv(&cfg.BillingDueDay, "BILLING_DUE_DAY", &errs)
	setStringFromEnv(&cfg.CronCharges, "CRON_CHARGES")
	setStringFromEnv(&cfg.CronOverdue, "CRON_OVERDUE")
	setStringFromEnv(&cfg.CronReconcile, "CRON_RECONCILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0"))
	}
	if cfg.BillingDueDay < 1 || cfg.BillingDueDay > 28 {
		errs = append(errs, fmt.Errorf("BILLING_DUE_DAY must be between 1 and 28"))
	}
	// unsigned webhooks are only tolerated with test keys
	if strings.HasPrefix(cfg.StripeAPIKey, "sk_live_") && cfg.StripeWebhookSecret == "" {
		errs = append(errs, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required with a live STRIPE_API_KEY"))
	}
	if cfg.PaymentGatewayTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PAYMENT_GATEWAY_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the subset used by the rating cache consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	def := defaultServerConfig()
	cfg := ConsumerConfig{
		KafkaTopic:  def.KafkaTopic,
		KafkaGroup:  def.KafkaGroup,
		RedisAddr:   "localhost:6379",
		MetricsAddr: ":9102",
		LogLevel:    def.LogLevel,
	}
	var errs []error
	if err := LoadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	cfg.KafkaBrokers = splitAndTrim(os.Getenv("KAFKA_BROKERS"))
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
