package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds everything the service needs at startup.
type Config struct {
	ListenAddr string

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string
	DSN        string

	JWTSecretKey string

	// External payment gateway.
	GatewayBaseURL      string
	GatewayClientID     string
	GatewayClientSecret string

	RedisAddr     string
	RedisPassword string

	NATSURL string

	// Negotiation behaviour.
	NegotiationExpiryHours int
	OfferRateLimit         int // offers per user per window
	OfferRateWindowSeconds int
}

// LoadConfig reads the .env file at path and fills a Config. Missing optional
// keys fall back to defaults; the database and JWT settings are required.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := &Config{
		ListenAddr:          envOr("LISTEN_ADDR", ":8080"),
		DBUser:              os.Getenv("POSTGRES_USER"),
		DBPassword:          os.Getenv("POSTGRES_PASSWORD"),
		DBHost:              os.Getenv("POSTGRES_HOST"),
		DBPort:              os.Getenv("POSTGRES_PORT"),
		DBName:              os.Getenv("POSTGRES_DB"),
		JWTSecretKey:        os.Getenv("JWT_SECRET_KEY"),
		GatewayBaseURL:      envOr("GATEWAY_BASE_URL", "https://api.sandbox.paypal.com"),
		GatewayClientID:     os.Getenv("GATEWAY_CLIENT_ID"),
		GatewayClientSecret: os.Getenv("GATEWAY_CLIENT_SECRET"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		NATSURL:             os.Getenv("NATS_URL"),

		NegotiationExpiryHours: envIntOr("NEGOTIATION_EXPIRY_HOURS", 48),
		OfferRateLimit:         envIntOr("OFFER_RATE_LIMIT", 20),
		OfferRateWindowSeconds: envIntOr("OFFER_RATE_WINDOW_SECONDS", 3600),
	}

	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBPort == "" || cfg.DBName == "" {
		return nil, fmt.Errorf("database environment variables are not set correctly")
	}
	if cfg.JWTSecretKey == "" {
		return nil, fmt.Errorf("JWT_SECRET_KEY is not set")
	}

	cfg.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
