package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/pkg/retry"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr            string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL     string        `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Storage         string        `default:"postgres" usage:"Storage backend: postgres or memory"`
	Location        string        `default:"Asia/Tokyo" usage:"Time zone used for order number dates"`
	CheckoutTimeout time.Duration `default:"10s" usage:"Deadline for a single checkout" flag:"checkout-timeout"`
	SeedFile        string        `usage:"JSON fixture with products and coupons loaded at startup" flag:"seed-file"`
	Pricing         PricingConfig
	Retry           retry.Config
	Auth            AuthConfig
	Payment         PaymentConfig
	Kafka           KafkaConfig
	Notify          NotifyConfig
	RateLimit       RateLimitConfig
	Graceful        GracefulConfig
}

// PricingConfig holds the shop-wide pricing policy.
type PricingConfig struct {
	TaxRate               string `default:"0.10" usage:"Consumption tax rate applied after discount"`
	FreeShippingThreshold int64  `default:"10000" usage:"Subtotal in yen from which shipping is free"`
	FlatShippingFee       int64  `default:"800" usage:"Shipping fee in yen below the threshold"`
}

// Policy converts the configuration into a pricing.Policy.
func (c PricingConfig) Policy() (pricing.Policy, error) {
	rate, err := decimal.NewFromString(c.TaxRate)
	if err != nil {
		return pricing.Policy{}, errors.Wrap(err, "parse tax rate")
	}
	p := pricing.Policy{
		TaxRate:               rate,
		FreeShippingThreshold: c.FreeShippingThreshold,
		FlatShippingFee:       c.FlatShippingFee,
	}
	if err := p.Validate(); err != nil {
		return pricing.Policy{}, err
	}
	return p, nil
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET" usage:"HS256 secret for bearer tokens" flag:"jwt-secret"`
}

type PaymentConfig struct {
	WebhookSecret string `usage:"HMAC secret shared with the payment gateway" flag:"webhook-secret"`
}

// KafkaConfig enables Kafka order notifications when Brokers is set.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers"`
	Topic   string   `default:"order-events" usage:"Topic for order notifications"`
}

type NotifyConfig struct {
	QueueSize int `default:"1024" usage:"Buffered notifications before new ones are dropped" flag:"notify-queue-size"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that prevents startup.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q: use %s or %s", c.Storage, StoragePostgres, StorageMemory)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT secret is required: set KART_AUTH_JWT_SECRET")
	}
	if c.Payment.WebhookSecret == "" {
		return errors.New("webhook secret is required: set KART_PAYMENT_WEBHOOK_SECRET")
	}
	if _, err := time.LoadLocation(c.Location); err != nil {
		return errors.Wrapf(err, "load location %q", c.Location)
	}
	if _, err := c.Pricing.Policy(); err != nil {
		return errors.Wrap(err, "pricing")
	}
	if c.Notify.QueueSize <= 0 {
		return errors.New("notify queue size must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry max attempts must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
