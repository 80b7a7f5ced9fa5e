// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Kafka    KafkaConfig
	Refill   RefillConfig
	Session  SessionConfig
	Operator OperatorConfig
	logger   *zap.Logger
}

type ServerConfig struct {
	Port          string
	Env           string
	PublicBaseURL string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type GatewayConfig struct {
	Mode         string // live | mock
	BaseURL      string
	SecretKey    string
	Currency     string
	Timeout      time.Duration
	CallbackPath string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type RefillConfig struct {
	MaxAmount        decimal.Decimal
	AmountStep       decimal.Decimal
	PendingTTL       time.Duration
	AppliedMarkerTTL time.Duration
	PresetAmounts    []decimal.Decimal
}

type SessionConfig struct {
	TokenSecret string
	Issuer      string
	TokenTTL    time.Duration
}

// OperatorConfig guards the back-office endpoints. An empty key disables them.
type OperatorConfig struct {
	APIKey string
}

func Load(logger *zap.Logger) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:          getEnv("SERVER_PORT", "8031"),
			Env:           getEnv("ENVIRONMENT", "development"),
			PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8031"), "/"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "refill"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: int32(getEnvInt(logger, "DB_MAX_CONNS", 20)),
			MinConns: int32(getEnvInt(logger, "DB_MIN_CONNS", 2)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt(logger, "REDIS_DB", 0),
		},
		Gateway: GatewayConfig{
			Mode:         strings.ToLower(getEnv("GATEWAY_MODE", "mock")),
			BaseURL:      strings.TrimRight(getEnv("GATEWAY_BASE_URL", "https://api.paystack.co"), "/"),
			SecretKey:    getEnv("GATEWAY_SECRET_KEY", ""),
			Currency:     getEnv("GATEWAY_CURRENCY", "ZAR"),
			Timeout:      getEnvDuration(logger, "GATEWAY_TIMEOUT", 30*time.Second),
			CallbackPath: getEnv("GATEWAY_CALLBACK_PATH", "/refill/return"),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getEnv("KAFKA_TOPIC", "refill.events"),
		},
		Refill: RefillConfig{
			MaxAmount:        getEnvDecimal(logger, "REFILL_MAX_AMOUNT", decimal.NewFromInt(1000)),
			AmountStep:       getEnvDecimal(logger, "REFILL_AMOUNT_STEP", decimal.NewFromInt(1)),
			PendingTTL:       getEnvDuration(logger, "REFILL_PENDING_TTL", 5*time.Minute),
			AppliedMarkerTTL: getEnvDuration(logger, "REFILL_APPLIED_MARKER_TTL", 30*24*time.Hour),
		},
		Session: SessionConfig{
			TokenSecret: getEnv("SESSION_TOKEN_SECRET", ""),
			Issuer:      getEnv("SESSION_TOKEN_ISSUER", "refill-service"),
			TokenTTL:    getEnvDuration(logger, "SESSION_TOKEN_TTL", 12*time.Hour),
		},
		Operator: OperatorConfig{
			APIKey: getEnv("OPERATOR_API_KEY", ""),
		},
		logger: logger,
	}

	presets, err := parseDecimalList(getEnv("REFILL_PRESET_AMOUNTS", "20,50,100,200"))
	if err != nil {
		return nil, fmt.Errorf("invalid REFILL_PRESET_AMOUNTS: %w", err)
	}
	cfg.Refill.PresetAmounts = presets

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger.Info("configuration loaded",
		zap.String("env", cfg.Server.Env),
		zap.String("gateway_mode", cfg.Gateway.Mode),
		zap.Bool("kafka_enabled", cfg.Kafka.Enabled),
		zap.String("max_amount", cfg.Refill.MaxAmount.String()),
		zap.Duration("pending_ttl", cfg.Refill.PendingTTL),
	)
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Gateway.Mode {
	case "live":
		if c.Gateway.SecretKey == "" {
			return fmt.Errorf("GATEWAY_SECRET_KEY is required when GATEWAY_MODE=live")
		}
	case "mock":
		if c.Server.Env == "production" {
			return fmt.Errorf("GATEWAY_MODE=mock is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_MODE %q", c.Gateway.Mode)
	}
	if !c.Refill.MaxAmount.IsPositive() {
		return fmt.Errorf("REFILL_MAX_AMOUNT must be positive")
	}
	if !c.Refill.AmountStep.IsPositive() {
		return fmt.Errorf("REFILL_AMOUNT_STEP must be positive")
	}
	if c.Refill.PendingTTL <= 0 {
		return fmt.Errorf("REFILL_PENDING_TTL must be positive")
	}
	if c.Session.TokenSecret == "" {
		if c.Server.Env == "production" {
			return fmt.Errorf("SESSION_TOKEN_SECRET is required in production")
		}
		c.logger.Warn("SESSION_TOKEN_SECRET not set, using development secret")
		c.Session.TokenSecret = "dev-only-session-secret"
	}
	if c.Operator.APIKey == "" {
		c.logger.Warn("OPERATOR_API_KEY not set, operator endpoints are disabled")
	}
	for _, p := range c.Refill.PresetAmounts {
		if !p.IsPositive() || p.GreaterThan(c.Refill.MaxAmount) {
			return fmt.Errorf("preset amount %s outside (0, %s]", p, c.Refill.MaxAmount)
		}
	}
	return nil
}

// DatabaseURL builds the pgx connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.DBName, c.Database.SSLMode)
}

// CallbackURL is where the gateway sends the customer after checkout.
func (c *Config) CallbackURL() string {
	return c.Server.PublicBaseURL + c.Gateway.CallbackPath
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvInt(logger *zap.Logger, key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err == nil {
			return n
		}
		logger.Warn("invalid integer env, using default", zap.String("key", key), zap.String("value", value))
	}
	return defaultValue
}

func getEnvDuration(logger *zap.Logger, key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
		logger.Warn("invalid duration env, using default", zap.String("key", key), zap.String("value", value))
	}
	return defaultValue
}

func getEnvDecimal(logger *zap.Logger, key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err == nil {
			return d
		}
		logger.Warn("invalid decimal env, using default", zap.String("key", key), zap.String("value", value))
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDecimalList(raw string) ([]decimal.Decimal, error) {
	var out []decimal.Decimal
	for _, part := range splitList(raw) {
		d, err := decimal.NewFromString(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		out = append(out, d)
	}
	return out, nil
}
