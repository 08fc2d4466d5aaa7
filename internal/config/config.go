// Package config loads service configuration once at startup. Business code
// receives the resulting struct through constructors and never reads the
// environment itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Backend selects the credential store implementation.
const (
	BackendPostgres = "postgres"
	BackendRemote   = "remote"
	BackendMemory   = "memory"
)

const devSessionSecret = "dev-secret-change-in-production"

// Config holds everything cmd/api needs to compose the service.
type Config struct {
	Addr    string
	Env     string
	BaseURL string

	Backend      string
	PostgresDSN  string
	RemoteURL    string
	RemoteAPIKey string

	SessionSecret string
	SessionTTL    time.Duration
	ConfirmTTL    time.Duration

	SMTPHost  string
	SMTPPort  int
	SMTPUser  string
	SMTPPass  string
	FromEmail string

	TestEmailEnabled bool
	RateBurst        int
	RatePerSec       int
}

// Load reads configuration from the environment, consulting a .env file when
// one is present in the working directory.
func Load() (Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := Config{
		Addr:    getEnv("VERIMAIL_ADDR", ":8080"),
		Env:     getEnv("VERIMAIL_ENV", "development"),
		BaseURL: getEnv("VERIMAIL_BASE_URL", "http://localhost:8080"),

		Backend:      getEnv("VERIMAIL_BACKEND", BackendPostgres),
		PostgresDSN:  os.Getenv("VERIMAIL_PG_DSN"),
		RemoteURL:    os.Getenv("VERIMAIL_REMOTE_URL"),
		RemoteAPIKey: os.Getenv("VERIMAIL_REMOTE_KEY"),

		SessionSecret: getEnv("VERIMAIL_SESSION_SECRET", devSessionSecret),
		SessionTTL:    getDuration("VERIMAIL_SESSION_TTL", 60*time.Minute),
		ConfirmTTL:    getDuration("VERIMAIL_CONFIRM_TTL", 24*time.Hour),

		SMTPHost:  os.Getenv("VERIMAIL_SMTP_HOST"),
		SMTPPort:  getInt("VERIMAIL_SMTP_PORT", 587),
		SMTPUser:  os.Getenv("VERIMAIL_SMTP_USER"),
		SMTPPass:  os.Getenv("VERIMAIL_SMTP_PASS"),
		FromEmail: getEnv("VERIMAIL_FROM_EMAIL", "no-reply@verimail.org"),

		TestEmailEnabled: getBool("VERIMAIL_TEST_EMAIL", false),
		RateBurst:        getInt("VERIMAIL_RATE_BURST", 20),
		RatePerSec:       getInt("VERIMAIL_RATE_PER_SEC", 10),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Env == "production" && c.SessionSecret == devSessionSecret {
		return fmt.Errorf("VERIMAIL_SESSION_SECRET must be set in production")
	}
	switch c.Backend {
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("VERIMAIL_PG_DSN is required for the postgres backend")
		}
	case BackendRemote:
		if c.RemoteURL == "" || c.RemoteAPIKey == "" {
			return fmt.Errorf("VERIMAIL_REMOTE_URL and VERIMAIL_REMOTE_KEY are required for the remote backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
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

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
