package subscriptions

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/reconcile"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/revenuecat"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/store"
)

// Config holds all configuration for the entitlement service.
type Config struct {
	DataDir     string
	DBDriver    string
	DBDSN       string
	BindAddress string
	Port        int
	MetricsPort int // 0 disables the dedicated metrics listener
	AdminKey    string

	RevenueCatAPIKey        string
	RevenueCatWebhookSecret string
	RevenueCatBaseURL       string
	AuthorityTimeout        time.Duration

	CacheTTL      time.Duration
	RedisAddr     string // in-process cache when empty
	RedisPassword string
	RedisDB       int
	AMQPURL       string // in-process dispatch pool when empty

	GracePeriod             time.Duration
	ExpirationSweepInterval time.Duration
	GraceSweepInterval      time.Duration
	ResyncInterval          time.Duration
	ResyncRate              float64
	RedriveInterval         time.Duration
	WebhookBudget           time.Duration

	NotifyWebhookURL string // log-only when empty

	LogLevel  string
	LogFormat string
}

// StoreConfig returns the database settings.
func (c *Config) StoreConfig() store.Config {
	return store.Config{Driver: c.DBDriver, DSN: c.DBDSN, DataDir: c.DataDir}
}

// ReconcileConfig returns the scheduler settings.
func (c *Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		GracePeriod:        c.GracePeriod,
		ExpirationInterval: c.ExpirationSweepInterval,
		GraceInterval:      c.GraceSweepInterval,
		ResyncInterval:     c.ResyncInterval,
		RedriveInterval:    c.RedriveInterval,
		ResyncRate:         c.ResyncRate,
	}
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	cfg, err := configFromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate entitlement service config: %w", err)
	}
	return cfg, nil
}

func configFromEnv() (*Config, error) {
	var errs []string
	intVar := func(key string, fallback int) int {
		n, err := envOrDefaultInt(key, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return n
	}
	durVar := func(key string, fallback time.Duration) time.Duration {
		d, err := envOrDefaultDuration(key, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}

	resyncRate, err := envOrDefaultFloat("ENT_RESYNC_RATE", 5)
	if err != nil {
		errs = append(errs, err.Error())
	}

	cfg := &Config{
		DataDir:     envOrDefault("ENT_DATA_DIR", "/data"),
		DBDriver:    strings.ToLower(envOrDefault("ENT_DB_DRIVER", "sqlite")),
		DBDSN:       strings.TrimSpace(os.Getenv("ENT_DB_DSN")),
		BindAddress: envOrDefault("ENT_BIND_ADDRESS", "0.0.0.0"),
		Port:        intVar("ENT_PORT", 8080),
		MetricsPort: intVar("ENT_METRICS_PORT", 9091),
		AdminKey:    strings.TrimSpace(os.Getenv("ENT_ADMIN_KEY")),

		RevenueCatAPIKey:        strings.TrimSpace(os.Getenv("REVENUECAT_API_KEY")),
		RevenueCatWebhookSecret: strings.TrimSpace(os.Getenv("REVENUECAT_WEBHOOK_SECRET")),
		RevenueCatBaseURL:       envOrDefault("REVENUECAT_BASE_URL", revenuecat.DefaultBaseURL),
		AuthorityTimeout:        durVar("ENT_AUTHORITY_TIMEOUT", 20*time.Second),

		CacheTTL:      durVar("ENT_CACHE_TTL", 5*time.Minute),
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       intVar("REDIS_DB", 0),
		AMQPURL:       strings.TrimSpace(os.Getenv("AMQP_URL")),

		GracePeriod:             durVar("ENT_GRACE_PERIOD", reconcile.DefaultGracePeriod),
		ExpirationSweepInterval: durVar("ENT_EXPIRATION_SWEEP_INTERVAL", 15*time.Minute),
		GraceSweepInterval:      durVar("ENT_GRACE_SWEEP_INTERVAL", time.Hour),
		ResyncInterval:          durVar("ENT_RESYNC_INTERVAL", time.Hour),
		ResyncRate:              resyncRate,
		RedriveInterval:         durVar("ENT_REDRIVE_INTERVAL", time.Minute),
		WebhookBudget:           durVar("ENT_WEBHOOK_BUDGET", 10*time.Second),

		NotifyWebhookURL: strings.TrimSpace(os.Getenv("ENT_NOTIFY_WEBHOOK_URL")),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "auto"),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "ENT_ADMIN_KEY")
	}
	if c.RevenueCatAPIKey == "" {
		missing = append(missing, "REVENUECAT_API_KEY")
	}
	if c.RevenueCatWebhookSecret == "" {
		missing = append(missing, "REVENUECAT_WEBHOOK_SECRET")
	}
	if c.DBDriver == "mysql" && c.DBDSN == "" {
		missing = append(missing, "ENT_DB_DSN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.DBDriver != "sqlite" && c.DBDriver != "mysql" {
		return fmt.Errorf("ENT_DB_DRIVER must be sqlite or mysql, got %q", c.DBDriver)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ENT_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("ENT_METRICS_PORT must be between 0 and 65535, got %d", c.MetricsPort)
	}
	if c.MetricsPort != 0 && c.MetricsPort == c.Port {
		return fmt.Errorf("ENT_METRICS_PORT must differ from ENT_PORT")
	}
	if c.ResyncRate <= 0 {
		return fmt.Errorf("ENT_RESYNC_RATE must be greater than 0, got %g", c.ResyncRate)
	}

	for key, d := range map[string]time.Duration{
		"ENT_AUTHORITY_TIMEOUT":         c.AuthorityTimeout,
		"ENT_CACHE_TTL":                 c.CacheTTL,
		"ENT_GRACE_PERIOD":              c.GracePeriod,
		"ENT_EXPIRATION_SWEEP_INTERVAL": c.ExpirationSweepInterval,
		"ENT_GRACE_SWEEP_INTERVAL":      c.GraceSweepInterval,
		"ENT_RESYNC_INTERVAL":           c.ResyncInterval,
		"ENT_REDRIVE_INTERVAL":          c.RedriveInterval,
		"ENT_WEBHOOK_BUDGET":            c.WebhookBudget,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0, got %s", key, d)
		}
	}

	if err := validateHTTPURL("REVENUECAT_BASE_URL", c.RevenueCatBaseURL); err != nil {
		return err
	}
	if c.NotifyWebhookURL != "" {
		if err := validateHTTPURL("ENT_NOTIFY_WEBHOOK_URL", c.NotifyWebhookURL); err != nil {
			return err
		}
	}
	return nil
}

func validateHTTPURL(key, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", key)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultFloat(key string, fallback float64) (float64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
		}
		return f, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
