package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ledger modes.
const (
	LedgerModeChain = "chain"
	LedgerModeEVM   = "evm"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`
	RedisURL    string `yaml:"redis_url"`

	// AuthSecret is the HS256 key for bearer tokens. Empty disables auth.
	AuthSecret string `yaml:"auth_secret"`

	Ledger    LedgerConfig    `yaml:"ledger"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// LedgerConfig selects and configures the ledger client.
type LedgerConfig struct {
	Mode        string        `yaml:"mode"`
	RPCURL      string        `yaml:"rpc_url"`
	PrivateKey  string        `yaml:"private_key"`
	Contract    string        `yaml:"contract"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// LifecycleConfig holds the fixed instance lifetimes.
type LifecycleConfig struct {
	ProposalTTL        time.Duration `yaml:"proposal_ttl"`
	LoanTTL            time.Duration `yaml:"loan_ttl"`
	SanctionTTL        time.Duration `yaml:"sanction_ttl"`
	StoreRetryInterval time.Duration `yaml:"store_retry_interval"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:     "8080",
		LogLevel: "INFO",
		DataDir:  "data",
		Ledger: LedgerConfig{
			Mode:        LedgerModeChain,
			MaxAttempts: 6,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  30 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			ProposalTTL:        time.Hour,
			LoanTTL:            time.Minute,
			SanctionTTL:        10 * time.Minute,
			StoreRetryInterval: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{Endpoint: "localhost:4317"},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// QUORUM_CONFIG if any, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("QUORUM_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString("PORT", &c.Port)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("DATABASE_URL", &c.DatabaseURL)
	setString("DATA_DIR", &c.DataDir)
	setString("REDIS_URL", &c.RedisURL)
	setString("AUTH_JWT_SECRET", &c.AuthSecret)
	setString("LEDGER_MODE", &c.Ledger.Mode)
	setString("LEDGER_RPC_URL", &c.Ledger.RPCURL)
	setString("LEDGER_PRIVATE_KEY", &c.Ledger.PrivateKey)
	setString("LEDGER_CONTRACT", &c.Ledger.Contract)
	setString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	var errs []error
	errs = append(errs,
		setInt("LEDGER_MAX_ATTEMPTS", &c.Ledger.MaxAttempts),
		setDuration("LEDGER_BACKOFF_BASE", &c.Ledger.BackoffBase),
		setDuration("LEDGER_BACKOFF_MAX", &c.Ledger.BackoffMax),
		setDuration("PROPOSAL_TTL", &c.Lifecycle.ProposalTTL),
		setDuration("LOAN_TTL", &c.Lifecycle.LoanTTL),
		setDuration("SANCTION_TTL", &c.Lifecycle.SanctionTTL),
		setDuration("STORE_RETRY_INTERVAL", &c.Lifecycle.StoreRetryInterval),
		setBool("OTEL_ENABLED", &c.Telemetry.Enabled),
		setBool("OTEL_INSECURE", &c.Telemetry.Insecure),
		setInt("RATE_LIMIT_BURST", &c.RateLimit.Burst),
	)
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS: %w", err))
		} else {
			c.RateLimit.RPS = f
		}
	}
	return errors.Join(errs...)
}

// LiteMode reports whether the server runs on embedded SQLite.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"proposal_ttl":         c.Lifecycle.ProposalTTL,
		"loan_ttl":             c.Lifecycle.LoanTTL,
		"sanction_ttl":         c.Lifecycle.SanctionTTL,
		"store_retry_interval": c.Lifecycle.StoreRetryInterval,
		"ledger.backoff_base":  c.Ledger.BackoffBase,
		"ledger.backoff_max":   c.Ledger.BackoffMax,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Ledger.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ledger.max_attempts must be at least 1, got %d", c.Ledger.MaxAttempts))
	}
	switch c.Ledger.Mode {
	case LedgerModeChain:
	case LedgerModeEVM:
		if c.Ledger.RPCURL == "" || c.Ledger.PrivateKey == "" || c.Ledger.Contract == "" {
			errs = append(errs, errors.New("evm ledger needs LEDGER_RPC_URL, LEDGER_PRIVATE_KEY and LEDGER_CONTRACT"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger mode %q", c.Ledger.Mode))
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		errs = append(errs, errors.New("auth_secret must be at least 32 bytes"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
