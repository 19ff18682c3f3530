package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// required: secrets and connection strings that differ per environment
// default: everything that is the same across environments
// -----------------------------------------------------------------------------

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Token     TokenConfig
	Discount  DiscountConfig
	Retry     RetryConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	Email     EmailConfig
	Mirror    MirrorConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:":8085"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"5s"`
}

type DatabaseConfig struct {
	Driver         string        `envconfig:"DB_DRIVER" default:"postgres"`
	DSN            string        `envconfig:"POSTGRES_DSN"`
	SQLitePath     string        `envconfig:"SQLITE_PATH" default:"data/redemption.db"`
	MaxOpenConns   int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns   int           `envconfig:"DB_MAX_IDLE_CONNS" default:"25"`
	MaxLifetime    time.Duration `envconfig:"DB_MAX_LIFETIME" default:"5m"`
	ConnectRetries int           `envconfig:"DB_CONNECT_RETRIES" default:"5"`
	AutoMigrate    bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	PoolSize int    `envconfig:"REDIS_POOL_SIZE" default:"10"`
}

type KafkaConfig struct {
	Enabled bool     `envconfig:"KAFKA_ENABLED" default:"true"`
	Brokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	GroupID string   `envconfig:"KAFKA_GROUP_ID" default:"redemption-notify"`
}

type TokenConfig struct {
	Secret string `envconfig:"BOOKING_TOKEN_SECRET" required:"true"`
	QRSize int    `envconfig:"QR_SIZE" default:"256"`
}

type DiscountConfig struct {
	PoolSize       int             `envconfig:"DISCOUNT_POOL_SIZE" default:"100"`
	CodeLength     int             `envconfig:"DISCOUNT_CODE_LENGTH" default:"6"`
	PoolPercent    decimal.Decimal `envconfig:"DISCOUNT_POOL_PERCENT" default:"10"`
	SharedCode     string          `envconfig:"SHARED_CODE" default:"EVENTLY100"`
	SharedMaxUsage int             `envconfig:"SHARED_CODE_MAX_USAGE" default:"100"`
	SharedPercent  decimal.Decimal `envconfig:"SHARED_CODE_PERCENT" default:"15"`
}

type RetryConfig struct {
	MaxAttempts     int           `envconfig:"STORE_RETRY_ATTEMPTS" default:"3"`
	InitialInterval time.Duration `envconfig:"STORE_RETRY_INTERVAL" default:"50ms"`
	MaxInterval     time.Duration `envconfig:"STORE_RETRY_MAX_INTERVAL" default:"500ms"`
}

type RateLimitConfig struct {
	Enabled        bool          `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	Capacity       int           `envconfig:"RATE_LIMIT_CAPACITY" default:"20"`
	RefillTokens   int           `envconfig:"RATE_LIMIT_REFILL_TOKENS" default:"1"`
	RefillInterval time.Duration `envconfig:"RATE_LIMIT_REFILL_INTERVAL" default:"3s"`
	TTL            time.Duration `envconfig:"RATE_LIMIT_TTL" default:"10m"`
	Prefix         string        `envconfig:"RATE_LIMIT_PREFIX" default:"rl"`
}

type AuthConfig struct {
	OIDCIssuer string `envconfig:"OIDC_ISSUER"`
	JWTSecret  string `envconfig:"STAFF_JWT_SECRET"`
}

type EmailConfig struct {
	Enabled      bool          `envconfig:"SMTP_ENABLED" default:"false"`
	SMTPHost     string        `envconfig:"SMTP_HOST" default:"smtp.gmail.com"`
	SMTPPort     string        `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string        `envconfig:"SMTP_USERNAME"`
	SMTPPassword string        `envconfig:"SMTP_PASSWORD"`
	From         string        `envconfig:"SMTP_FROM" default:"tickets@evently.local"`
	DedupeTTL    time.Duration `envconfig:"NOTIFY_DEDUPE_TTL" default:"24h"`
}

type MirrorConfig struct {
	Enabled bool   `envconfig:"MIRROR_ENABLED" default:"true"`
	Path    string `envconfig:"MIRROR_PATH" default:"data/redemption-mirror.json"`
}

type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	Dir   string `envconfig:"LOG_DIR" default:"logs"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("POSTGRES_DSN not set")
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if len(c.Token.Secret) < 16 {
		return fmt.Errorf("BOOKING_TOKEN_SECRET must be at least 16 bytes")
	}
	if c.Discount.PoolSize < 1 || c.Discount.CodeLength < 4 {
		return fmt.Errorf("discount pool size and code length must be positive (code length >= 4)")
	}
	if c.Discount.SharedMaxUsage < 0 {
		return fmt.Errorf("SHARED_CODE_MAX_USAGE must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 1
	}
	return nil
}
