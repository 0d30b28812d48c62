package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Env      string
	HTTPAddr string
	BaseURL  string

	DBDSN     string
	JWTSecret string

	WebhookSecret    string
	PaymentAPIURL    string
	PaymentAPIKey    string
	PaymentTimeoutMS int

	MailRelayURL  string
	MailTimeoutMS int

	LogLevel string

	RateLimitRPM int
	SessionDays  int
	TrialDays    int

	// ExpiryWarnDays is the window before license expiry in which the daily
	// reminder email fires.
	ExpiryWarnDays int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Env = strings.TrimSpace(os.Getenv("SW_ENV"))
	if cfg.Env == "" {
		return nil, fmt.Errorf("SW_ENV is required")
	}
	if cfg.Env != "dev" && cfg.Env != "prod" {
		return nil, fmt.Errorf("SW_ENV must be one of: dev, prod (got: %s)", cfg.Env)
	}

	cfg.HTTPAddr = getEnvOrDefault("SW_HTTP_ADDR", ":8080")

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("SW_BASE_URL")), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("SW_BASE_URL is required")
	}

	cfg.DBDSN = strings.TrimSpace(os.Getenv("SW_DB_DSN"))
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("SW_DB_DSN is required")
	}

	cfg.JWTSecret = os.Getenv("SW_JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("SW_JWT_SECRET is required")
	}
	if cfg.Env == "prod" && len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("SW_JWT_SECRET must be at least 32 characters (currently %d)", len(cfg.JWTSecret))
	}

	cfg.WebhookSecret = os.Getenv("SW_WEBHOOK_SECRET")
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("SW_WEBHOOK_SECRET is required")
	}

	cfg.PaymentAPIURL = strings.TrimRight(strings.TrimSpace(os.Getenv("SW_PAYMENT_API_URL")), "/")
	if cfg.PaymentAPIURL == "" {
		return nil, fmt.Errorf("SW_PAYMENT_API_URL is required")
	}

	cfg.PaymentAPIKey = os.Getenv("SW_PAYMENT_API_KEY")
	if cfg.PaymentAPIKey == "" {
		return nil, fmt.Errorf("SW_PAYMENT_API_KEY is required")
	}

	cfg.MailRelayURL = strings.TrimSpace(os.Getenv("SW_MAIL_RELAY_URL"))

	cfg.LogLevel = getEnvOrDefault("SW_LOG_LEVEL", "info")
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("SW_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", cfg.LogLevel)
	}

	var err error
	cfg.RateLimitRPM, err = getEnvIntOrDefault("SW_RATE_LIMIT_RPM", 120)
	if err != nil {
		return nil, err
	}

	cfg.SessionDays, err = getEnvIntOrDefault("SW_SESSION_DAYS", 7)
	if err != nil {
		return nil, err
	}

	cfg.TrialDays, err = getEnvIntOrDefault("SW_TRIAL_DAYS", 14)
	if err != nil {
		return nil, err
	}
	if cfg.TrialDays <= 0 {
		return nil, fmt.Errorf("SW_TRIAL_DAYS must be positive (got: %d)", cfg.TrialDays)
	}

	cfg.ExpiryWarnDays, err = getEnvIntOrDefault("SW_EXPIRY_WARN_DAYS", 14)
	if err != nil {
		return nil, err
	}

	cfg.PaymentTimeoutMS, err = getEnvIntOrDefault("SW_PAYMENT_TIMEOUT_MS", 10000)
	if err != nil {
		return nil, err
	}
	if cfg.PaymentTimeoutMS <= 0 || cfg.PaymentTimeoutMS > 60000 {
		return nil, fmt.Errorf("SW_PAYMENT_TIMEOUT_MS must be between 1 and 60000 (got: %d)", cfg.PaymentTimeoutMS)
	}

	cfg.MailTimeoutMS, err = getEnvIntOrDefault("SW_MAIL_TIMEOUT_MS", 2000)
	if err != nil {
		return nil, err
	}
	if cfg.MailTimeoutMS <= 0 || cfg.MailTimeoutMS > 30000 {
		return nil, fmt.Errorf("SW_MAIL_TIMEOUT_MS must be between 1 and 30000 (got: %d)", cfg.MailTimeoutMS)
	}

	return cfg, nil
}

// IsDev returns true if running in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

// RedactedValues returns a map of config values with secrets redacted.
func (c *Config) RedactedValues() map[string]string {
	return map[string]string{
		"SW_ENV":                c.Env,
		"SW_HTTP_ADDR":          c.HTTPAddr,
		"SW_BASE_URL":           c.BaseURL,
		"SW_DB_DSN":             redactDSN(c.DBDSN),
		"SW_JWT_SECRET":         "[REDACTED]",
		"SW_WEBHOOK_SECRET":     "[REDACTED]",
		"SW_PAYMENT_API_URL":    c.PaymentAPIURL,
		"SW_PAYMENT_API_KEY":    "[REDACTED]",
		"SW_PAYMENT_TIMEOUT_MS": fmt.Sprintf("%d", c.PaymentTimeoutMS),
		"SW_MAIL_RELAY_URL":     c.MailRelayURL,
		"SW_MAIL_TIMEOUT_MS":    fmt.Sprintf("%d", c.MailTimeoutMS),
		"SW_LOG_LEVEL":          c.LogLevel,
		"SW_RATE_LIMIT_RPM":     fmt.Sprintf("%d", c.RateLimitRPM),
		"SW_SESSION_DAYS":       fmt.Sprintf("%d", c.SessionDays),
		"SW_TRIAL_DAYS":         fmt.Sprintf("%d", c.TrialDays),
		"SW_EXPIRY_WARN_DAYS":   fmt.Sprintf("%d", c.ExpiryWarnDays),
	}
}

func redactDSN(dsn string) string {
	if start := strings.Index(dsn, "://"); start != -1 {
		if end := strings.Index(dsn[start+3:], "@"); end != -1 {
			return dsn[:start+3] + "[REDACTED]" + dsn[start+3+end:]
		}
	}
	return dsn
}

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got: %q)", key, value)
	}
	return parsed, nil
}
