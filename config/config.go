package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Payment   PaymentConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port         string `validate:"required,numeric"`
	Env          string `validate:"oneof=development production test"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Driver          string `validate:"oneof=mysql postgres sqlite"`
	DSN             string `validate:"required"`
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type JWTConfig struct {
	AccessSecret string `validate:"required"`
	AccessExpiry time.Duration
	Issuer       string
}

// PaymentConfig holds everything the payment flow needs. Amounts are in major
// currency units; MinorUnitMultiplier is the only place the conversion to the
// provider's unit is defined.
type PaymentConfig struct {
	Provider    string `validate:"oneof=notchpay stub"`
	PublicKey   string `validate:"required_if=Provider notchpay"`
	SecretKey   string
	BaseURL     string `validate:"required,url"`
	CallbackURL string
	// WebhookSecret enables X-Notch-Signature verification when set.
	WebhookSecret string

	Currency            string `validate:"required,len=3"`
	MinorUnitMultiplier int64  `validate:"min=1"`
	MinimumAmount       decimal.Decimal
	PremiumAmount       decimal.Decimal
	// AmountAuthority selects whose amount counts for the premium threshold:
	// "ledger" (what we asked for) or "provider" (what the provider reports).
	AmountAuthority string `validate:"oneof=ledger provider"`

	ProviderTimeout    time.Duration `validate:"gt=0"`
	ReferencePrefix    string        `validate:"required,max=16"`
	DefaultDescription string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Requests int `validate:"min=1"`
	Window   time.Duration
}

type LogConfig struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Pretty bool
}

// Load reads an optional .env file, then the process environment, and
// returns a validated Config. Call once at startup.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "4000"),
			Env:          getEnv("APP_ENV", "development"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "sqlite"),
			DSN:             getEnv("DB_DSN", "file:premiumpay.db?_busy_timeout=5000"),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		},
		JWT: JWTConfig{
			AccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
			AccessExpiry: getDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			Issuer:       getEnv("JWT_ISSUER", "premiumpay"),
		},
		Payment: PaymentConfig{
			Provider:            getEnv("PAYMENT_PROVIDER", "notchpay"),
			PublicKey:           getEnv("NOTCHPAY_PUBLIC_KEY", ""),
			SecretKey:           getEnv("NOTCHPAY_SECRET_KEY", ""),
			BaseURL:             getEnv("NOTCHPAY_BASE_URL", "https://api.notchpay.co"),
			CallbackURL:         getEnv("NOTCHPAY_CALLBACK_URL", ""),
			WebhookSecret:       getEnv("NOTCHPAY_WEBHOOK_SECRET", ""),
			Currency:            getEnv("PAYMENT_CURRENCY", "XAF"),
			MinorUnitMultiplier: int64(getInt("PAYMENT_MINOR_UNIT_MULTIPLIER", 1)),
			AmountAuthority:     getEnv("PAYMENT_AMOUNT_AUTHORITY", "ledger"),
			ProviderTimeout:     getDuration("PAYMENT_PROVIDER_TIMEOUT", 15*time.Second),
			ReferencePrefix:     getEnv("PAYMENT_REFERENCE_PREFIX", "REF"),
			DefaultDescription:  getEnv("PAYMENT_DESCRIPTION", "Premium subscription"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Requests: getInt("RATE_LIMIT_REQUESTS", 100),
			Window:   getDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getBool("LOG_PRETTY", false),
		},
	}

	var err error
	if cfg.Payment.MinimumAmount, err = getDecimal("PAYMENT_MINIMUM_AMOUNT", "100"); err != nil {
		return nil, err
	}
	if cfg.Payment.PremiumAmount, err = getDecimal("PAYMENT_PREMIUM_AMOUNT", "1000"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.IsProduction() && c.Payment.Provider == "notchpay" && c.Payment.WebhookSecret == "" {
		return errors.New("config: NOTCHPAY_WEBHOOK_SECRET is required in production")
	}
	if !c.Payment.MinimumAmount.IsPositive() {
		return errors.New("config: PAYMENT_MINIMUM_AMOUNT must be positive")
	}
	if c.Payment.PremiumAmount.IsNegative() {
		return errors.New("config: PAYMENT_PREMIUM_AMOUNT must not be negative")
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getDecimal(key, def string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, def))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
