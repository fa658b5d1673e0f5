package config

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strconv"
	"time"

	"journal-billing/internal/signing"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string
	CacheTTL time.Duration

	// Auth configuration
	JWTSecret string

	// Plan catalog override (YAML), optional
	PlansFile string

	// Brevo email configuration
	BrevoAPIKey    string
	BrevoFromEmail string
	BrevoFromName  string

	// App backend activation callback, optional
	AppCallbackURL    string
	AppCallbackSecret string

	// How often stale subscriptions are marked inactive
	ExpirySweepInterval time.Duration

	Gateway *Gateway
}

// Gateway holds the merchant credentials for the payment gateway. Key
// material is parsed once here and shared by pointer with the client and
// the webhook receiver.
type Gateway struct {
	BaseURL        string
	AppID          string
	MchID          string
	SerialNo       string
	NotifyURL      string
	PlatformSerial string

	PrivateKey        *rsa.PrivateKey
	PlatformPublicKey *rsa.PublicKey
	APIv3Key          []byte
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// A missing .env file is fine; the environment is authoritative.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Mode:                getEnv("GIN_MODE", "debug"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CacheTTL:            getEnvDuration("CACHE_TTL", 5*time.Minute),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		PlansFile:           getEnv("PLANS_FILE", ""),
		BrevoAPIKey:         getEnv("BREVO_API_KEY", ""),
		BrevoFromEmail:      getEnv("BREVO_FROM_EMAIL", ""),
		BrevoFromName:       getEnv("BREVO_FROM_NAME", "Trading Journal"),
		AppCallbackURL:      getEnv("APP_CALLBACK_URL", ""),
		AppCallbackSecret:   getEnv("APP_CALLBACK_SECRET", ""),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", 10*time.Minute),
	}

	gw, err := loadGateway()
	if err != nil {
		return nil, err
	}
	cfg.Gateway = gw

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadGateway reads and validates only the gateway credentials. Tools that
// sign requests use it without needing the rest of the server settings.
func LoadGateway() (*Gateway, error) {
	_ = godotenv.Load()

	gw, err := loadGateway()
	if err != nil {
		return nil, err
	}
	if err := gw.Validate(); err != nil {
		return nil, err
	}
	return gw, nil
}

func loadGateway() (*Gateway, error) {
	gw := &Gateway{
		BaseURL:        getEnv("GATEWAY_BASE_URL", "https://api.mch.weixin.qq.com"),
		AppID:          getEnv("GATEWAY_APP_ID", ""),
		MchID:          getEnv("GATEWAY_MCH_ID", ""),
		SerialNo:       getEnv("GATEWAY_SERIAL_NO", ""),
		NotifyURL:      getEnv("GATEWAY_NOTIFY_URL", ""),
		PlatformSerial: getEnv("GATEWAY_PLATFORM_SERIAL", ""),
		APIv3Key:       []byte(getEnv("GATEWAY_API_V3_KEY", "")),
	}

	if pemText := getEnv("GATEWAY_PRIVATE_KEY", ""); pemText != "" {
		key, err := signing.ParsePrivateKey(pemText)
		if err != nil {
			return nil, fmt.Errorf("GATEWAY_PRIVATE_KEY: %w", err)
		}
		gw.PrivateKey = key
	}
	if pemText := getEnv("GATEWAY_PLATFORM_PUBLIC_KEY", ""); pemText != "" {
		key, err := signing.ParsePublicKey(pemText)
		if err != nil {
			return nil, fmt.Errorf("GATEWAY_PLATFORM_PUBLIC_KEY: %w", err)
		}
		gw.PlatformPublicKey = key
	}
	return gw, nil
}

// Validate reports the first missing or malformed setting.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Gateway == nil {
		return fmt.Errorf("gateway configuration is required")
	}
	return c.Gateway.Validate()
}

// Validate checks that every credential needed to sign requests and
// authenticate callbacks is present.
func (g *Gateway) Validate() error {
	switch {
	case g.AppID == "":
		return fmt.Errorf("GATEWAY_APP_ID is required")
	case g.MchID == "":
		return fmt.Errorf("GATEWAY_MCH_ID is required")
	case g.SerialNo == "":
		return fmt.Errorf("GATEWAY_SERIAL_NO is required")
	case g.NotifyURL == "":
		return fmt.Errorf("GATEWAY_NOTIFY_URL is required")
	case g.PrivateKey == nil:
		return fmt.Errorf("GATEWAY_PRIVATE_KEY is required")
	case g.PlatformPublicKey == nil:
		return fmt.Errorf("GATEWAY_PLATFORM_PUBLIC_KEY is required")
	case len(g.APIv3Key) != 32:
		return fmt.Errorf("GATEWAY_API_V3_KEY must be 32 bytes, got %d", len(g.APIv3Key))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs := getEnvInt(key, -1); secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
