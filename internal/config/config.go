package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fjod/go_cart/storefront-cart/internal/cart"
	"github.com/fjod/go_cart/storefront-cart/internal/storage"
	"github.com/shopspring/decimal"
)

const (
	ModeLocal  = "local"
	ModeRemote = "remote"

	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
	StorageMongo    = "mongo"
)

type Config struct {
	HTTPPort        string        `env:"HTTP_PORT" envDefault:"8080"`
	Mode            string        `env:"CART_MODE" envDefault:"local"`
	Storage         string        `env:"CART_STORAGE" envDefault:"sqlite"`
	StorageKey      string        `env:"CART_STORAGE_KEY" envDefault:"shop_cart"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	IdleTTL         time.Duration `env:"CART_IDLE_TTL" envDefault:"30m"`
	EvictInterval   time.Duration `env:"CART_EVICT_INTERVAL" envDefault:"1m"`

	SQLitePath    string `env:"SQLITE_PATH" envDefault:"cart.db"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDBName   string `env:"MONGO_DB_NAME" envDefault:"cartdb"`
	MongoMaxPool  uint64 `env:"MONGO_MAX_POOL_SIZE" envDefault:"50"`
	MongoMinPool  uint64 `env:"MONGO_MIN_POOL_SIZE" envDefault:"2"`

	BackendURL   string `env:"BACKEND_URL"`
	BackendToken string `env:"BACKEND_TOKEN"`

	FreeShippingThreshold decimal.Decimal `env:"FREE_SHIPPING_THRESHOLD" envDefault:"100"`
	FlatShippingFee       decimal.Decimal `env:"FLAT_SHIPPING_FEE" envDefault:"12"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"checkout-outbox"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"cart-service-consumer"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeLocal, ModeRemote:
	default:
		errs = append(errs, fmt.Errorf("unknown CART_MODE %q", c.Mode))
	}
	switch c.Storage {
	case StorageMemory, StorageSQLite, StorageRedis, StorageMongo:
	case StoragePostgres:
		if c.Mode == ModeLocal && c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CART_STORAGE %q", c.Storage))
	}
	if c.Mode == ModeRemote && c.BackendURL == "" {
		errs = append(errs, errors.New("BACKEND_URL is required in remote mode"))
	}
	if c.StorageKey == "" {
		errs = append(errs, errors.New("CART_STORAGE_KEY must not be empty"))
	}
	if c.FreeShippingThreshold.IsNegative() || c.FlatShippingFee.IsNegative() {
		errs = append(errs, errors.New("shipping threshold and fee must not be negative"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.IdleTTL < 0 {
		errs = append(errs, errors.New("CART_IDLE_TTL must not be negative"))
	}
	if c.IdleTTL > 0 && c.EvictInterval <= 0 {
		errs = append(errs, errors.New("CART_EVICT_INTERVAL must be positive when eviction is enabled"))
	}
	if c.MongoMinPool > c.MongoMaxPool {
		errs = append(errs, errors.New("MONGO_MIN_POOL_SIZE must not exceed MONGO_MAX_POOL_SIZE"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) ShippingPolicy() cart.FlatRate {
	return cart.FlatRate{Threshold: c.FreeShippingThreshold, Amount: c.FlatShippingFee}
}

// CheckoutEnabled reports whether a backend is configured to place orders.
func (c *Config) CheckoutEnabled() bool {
	return c.BackendURL != ""
}

func (c *Config) MongoPool() storage.MongoPool {
	return storage.MongoPool{MaxSize: c.MongoMaxPool, MinSize: c.MongoMinPool}
}

func (c *Config) PollerEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
