package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// Booking rules
	Booking BookingConfig

	// Reconciliation worker configuration
	Reconcile ReconcileConfig

	// Payment gateway configuration
	Payment PaymentConfig

	// Redis cache configuration
	Redis RedisConfig

	// Kafka event configuration
	Kafka KafkaConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// CORS configuration
	CORS CORSConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// BookingConfig holds booking lifecycle rules
type BookingConfig struct {
	HoldTTL             time.Duration
	PriceToleranceMinor int64
	MaxPaymentAttempts  int
	MaxItems            int
	MaxQuantity         int
	GatewayTimeout      time.Duration
}

// ReconcileConfig holds reconciliation worker settings
type ReconcileConfig struct {
	SweepSchedule     string
	BatchSize         int
	StaleAttemptAfter time.Duration
	PollAfter         time.Duration
	LockTTL           time.Duration
}

// PaymentConfig holds gateway credentials
type PaymentConfig struct {
	BankTransfer BankTransferConfig
	Card         CardConfig
}

// BankTransferConfig holds the redirect gateway configuration
type BankTransferConfig struct {
	Environment   string // "sandbox" or "production"
	MerchantKey   string
	MerchantToken string // SECRET - only used for check values, never sent
	ReturnURL     string
	WebhookURL    string
	BaseURL       string
}

// CardConfig holds the card gateway configuration
type CardConfig struct {
	SecretKey     string
	WebhookSecret string
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	CatalogCacheTTL time.Duration
}

// KafkaConfig holds Kafka producer settings. No brokers disables publishing.
type KafkaConfig struct {
	Brokers        []string
	BookingTopic   string
	PublishTimeout time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Requests      int
	WindowSeconds int
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    getEnvAsSeconds("DATABASE_CONN_MAX_LIFETIME", 300),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: getEnvAsSeconds("JWT_ACCESS_TOKEN_EXPIRY", 3600),
		},
		Booking: BookingConfig{
			HoldTTL:             getEnvAsSeconds("BOOKING_HOLD_TTL_SECONDS", 900),
			PriceToleranceMinor: int64(getEnvAsInt("BOOKING_PRICE_TOLERANCE_MINOR", 0)),
			MaxPaymentAttempts:  getEnvAsInt("BOOKING_MAX_PAYMENT_ATTEMPTS", 3),
			MaxItems:            getEnvAsInt("BOOKING_MAX_ITEMS", 20),
			MaxQuantity:         getEnvAsInt("BOOKING_MAX_QUANTITY", 100),
			GatewayTimeout:      getEnvAsSeconds("GATEWAY_TIMEOUT_SECONDS", 15),
		},
		Reconcile: ReconcileConfig{
			SweepSchedule:     getEnv("RECONCILE_SWEEP_SCHEDULE", "@every 1m"),
			BatchSize:         getEnvAsInt("RECONCILE_BATCH_SIZE", 100),
			StaleAttemptAfter: getEnvAsSeconds("RECONCILE_STALE_ATTEMPT_SECONDS", 900),
			PollAfter:         getEnvAsSeconds("RECONCILE_POLL_AFTER_SECONDS", 300),
			LockTTL:           getEnvAsSeconds("RECONCILE_LOCK_TTL_SECONDS", 55),
		},
		Payment: PaymentConfig{
			BankTransfer: BankTransferConfig{
				Environment:   getEnv("BANK_TRANSFER_ENVIRONMENT", "sandbox"),
				MerchantKey:   getEnv("BANK_TRANSFER_MERCHANT_KEY", ""),
				MerchantToken: getEnv("BANK_TRANSFER_MERCHANT_TOKEN", ""),
				ReturnURL:     getEnv("BANK_TRANSFER_RETURN_URL", ""),
				WebhookURL:    getEnv("BANK_TRANSFER_WEBHOOK_URL", ""),
				BaseURL:       getEnv("BANK_TRANSFER_BASE_URL", ""),
			},
			Card: CardConfig{
				SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
				WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			},
		},
		Redis: RedisConfig{
			Addr:            getEnv("REDIS_ADDR", ""),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getEnvAsInt("REDIS_DB", 0),
			CatalogCacheTTL: getEnvAsSeconds("CATALOG_CACHE_TTL_SECONDS", 60),
		},
		Kafka: KafkaConfig{
			Brokers:      getEnvAsSlice("KAFKA_BROKERS", nil),
			BookingTopic:   getEnv("KAFKA_BOOKING_TOPIC", "booking-events"),
			PublishTimeout: getEnvAsSeconds("KAFKA_PUBLISH_TIMEOUT_SECONDS", 2),
		},
		RateLimit: RateLimitConfig{
			Requests:      getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
			WindowSeconds: getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Booking.HoldTTL <= 0 {
		return fmt.Errorf("BOOKING_HOLD_TTL_SECONDS must be positive")
	}

	if c.Booking.MaxPaymentAttempts < 1 {
		return fmt.Errorf("BOOKING_MAX_PAYMENT_ATTEMPTS must be at least 1")
	}

	if c.Booking.PriceToleranceMinor < 0 {
		return fmt.Errorf("BOOKING_PRICE_TOLERANCE_MINOR cannot be negative")
	}

	if c.Booking.MaxQuantity < 1 {
		return fmt.Errorf("BOOKING_MAX_QUANTITY must be at least 1")
	}

	if c.Booking.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT_SECONDS must be positive")
	}

	if c.Reconcile.BatchSize < 1 {
		return fmt.Errorf("RECONCILE_BATCH_SIZE must be at least 1")
	}

	// Production must verify webhooks for every configured gateway
	if c.Server.Environment == "production" {
		if c.Payment.BankTransfer.MerchantKey != "" && c.Payment.BankTransfer.MerchantToken == "" {
			return fmt.Errorf("BANK_TRANSFER_MERCHANT_TOKEN is required when the bank transfer gateway is enabled")
		}
		if c.Payment.Card.SecretKey != "" && c.Payment.Card.WebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when the card gateway is enabled")
		}
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
