package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the full runtime configuration, read from the environment
// (optionally seeded from a .env file).
type Config struct {
	App
	API
	Auth
	Poll
	Callback
	Kafka
	Receipts
	Minio
}

// App selects the environment and log level.
type App struct {
	Env      string `env:"APP_ENV" envDefault:"development" validate:"oneof=development staging production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// API locates the condo backend and bounds outgoing traffic.
type API struct {
	BaseURL   string        `env:"CONDO_API_BASE" envDefault:"http://localhost:8000" validate:"required,url"`
	Timeout   time.Duration `env:"CONDO_HTTP_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	RateLimit float64       `env:"CONDO_RATE_LIMIT" envDefault:"5" validate:"gte=0"`
	RateBurst int           `env:"CONDO_RATE_BURST" envDefault:"5" validate:"gte=1"`
}

// Auth holds login credentials and the CLI session file.
type Auth struct {
	Username  string `env:"CONDO_USERNAME"`
	Password  string `env:"CONDO_PASSWORD"`
	TokenFile string `env:"CONDO_TOKEN_FILE" envDefault:".condo-session.json"`
}

// Poll bounds the attempt status poll.
type Poll struct {
	Interval          time.Duration `env:"QRPAY_POLL_INTERVAL" envDefault:"2s" validate:"gt=0"`
	MaxInterval       time.Duration `env:"QRPAY_POLL_MAX_INTERVAL" envDefault:"30s" validate:"gtefield=Interval"`
	MaxAttempts       int           `env:"QRPAY_POLL_MAX_ATTEMPTS" envDefault:"0" validate:"gte=0"`
	Timeout           time.Duration `env:"QRPAY_POLL_TIMEOUT" envDefault:"15m" validate:"gte=0"`
	Jitter            bool          `env:"QRPAY_POLL_JITTER" envDefault:"true"`
	AllowForceApprove bool          `env:"QRPAY_ALLOW_FORCE_APPROVE" envDefault:"false"`
}

// Callback is the optional HTTPS outcome endpoint.
type Callback struct {
	URL    string `env:"QRPAY_CALLBACK_URL" validate:"omitempty,url"`
	Secret string `env:"QRPAY_CALLBACK_SECRET"`
}

// Kafka is the optional outcome topic.
type Kafka struct {
	Brokers          string        `env:"KAFKA_BROKERS"`
	Topic            string        `env:"KAFKA_QRPAY_TOPIC" envDefault:"payments.qr.outcome"`
	RetryMaxAttempts int           `env:"KAFKA_RETRY_MAX_ATTEMPTS" envDefault:"5" validate:"gte=1"`
	RetryBaseDelay   time.Duration `env:"KAFKA_RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay    time.Duration `env:"KAFKA_RETRY_MAX_DELAY" envDefault:"10s"`
}

// Receipts is the optional local receipt directory.
type Receipts struct {
	Dir string `env:"QRPAY_RECEIPT_DIR"`
}

// Minio is the optional receipt bucket.
type Minio struct {
	Endpoint  string `env:"MINIO_ENDPOINT"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	Bucket    string `env:"MINIO_RECEIPT_BUCKET" envDefault:"receipts"`
	UseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
}

// BrokerList splits the comma separated KAFKA_BROKERS value.
func (k Kafka) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// New loads .env (when present), parses the environment and validates the result.
func New() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		logrus.Debug("no .env file loaded, using process environment")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
