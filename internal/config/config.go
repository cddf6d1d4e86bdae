package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database DatabaseConfig
	Secrets  SecretsConfig
	Log      LogConfig
	HTTP     HTTPConfig
	Plaid    PlaidConfig
	Finicity FinicityConfig
	Coinbase CoinbaseConfig
	Sync     SyncConfig
	Link     LinkConfig
	Metrics  MetricsConfig
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// SecretsConfig locates the encrypted credential file.
type SecretsConfig struct {
	Dir string
}

type LogConfig struct {
	Level  string
	Format string
}

// HTTPConfig applies to every live provider client.
type HTTPConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
}

// PlaidConfig holds application credentials for the cursor-sync aggregator.
type PlaidConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	Secret       string   `mapstructure:"secret"`
	Env          string   `mapstructure:"env"`
	BaseURL      string   `mapstructure:"base_url"`
	ClientName   string   `mapstructure:"client_name"`
	CountryCodes []string `mapstructure:"country_codes"`
	Products     []string `mapstructure:"products"`
}

// Configured reports whether application credentials are present.
func (p PlaidConfig) Configured() bool {
	return p.ClientID != "" && p.Secret != ""
}

// URL resolves the API host; BaseURL wins over Env.
func (p PlaidConfig) URL() string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	switch strings.ToLower(p.Env) {
	case "production":
		return "https://production.plaid.com"
	default:
		return "https://sandbox.plaid.com"
	}
}

type FinicityConfig struct {
	PartnerID string `mapstructure:"partner_id"`
	Secret    string `mapstructure:"secret"`
	AppKey    string `mapstructure:"app_key"`
	BaseURL   string `mapstructure:"base_url"`
}

func (f FinicityConfig) Configured() bool {
	return f.PartnerID != "" && f.Secret != "" && f.AppKey != ""
}

type CoinbaseConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// SyncConfig tunes the reconciliation engine.
type SyncConfig struct {
	LookbackDays int `mapstructure:"lookback_days"`
	Concurrency  int `mapstructure:"concurrency"`
	// Interval is the period of the background sync loop.
	Interval time.Duration `mapstructure:"interval"`
}

// LinkConfig tunes the link orchestrator.
type LinkConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	Preference   []string      `mapstructure:"preference"`
}

type MetricsConfig struct {
	Addr string
}

// Load reads configuration from file and env. Env var overrides use prefix
// MONEYSYNC_. A .env file in the working directory is loaded first and never
// overrides variables already set.
func Load() (Config, error) {
	return load(os.Getenv("MONEYSYNC_CONFIG"), ".env")
}

func load(cfgPath, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "moneysync"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("MONEYSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// an explicit path that is missing is a user error; the default location is optional
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	home := os.Getenv("HOME")
	v.SetDefault("database.path", filepath.Join(home, ".local", "share", "moneysync", "moneysync.db"))
	v.SetDefault("secrets.dir", filepath.Join(home, ".config", "moneysync"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.breaker_failures", 5)
	v.SetDefault("plaid.client_id", "")
	v.SetDefault("plaid.secret", "")
	v.SetDefault("plaid.env", "sandbox")
	v.SetDefault("plaid.base_url", "")
	v.SetDefault("plaid.client_name", "moneysync")
	v.SetDefault("plaid.country_codes", []string{"US"})
	v.SetDefault("plaid.products", []string{"transactions"})
	v.SetDefault("finicity.partner_id", "")
	v.SetDefault("finicity.secret", "")
	v.SetDefault("finicity.app_key", "")
	v.SetDefault("finicity.base_url", "https://api.finicity.com")
	v.SetDefault("coinbase.base_url", "https://api.coinbase.com")
	v.SetDefault("sync.lookback_days", 180)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.interval", 6*time.Hour)
	v.SetDefault("link.poll_interval", 2*time.Second)
	v.SetDefault("link.poll_timeout", 5*time.Minute)
	v.SetDefault("link.preference", []string{"plaid", "finicity"})
	v.SetDefault("metrics.addr", ":9464")
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Sync.LookbackDays <= 0 {
		return fmt.Errorf("sync.lookback_days must be positive, got %d", c.Sync.LookbackDays)
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency)
	}
	if c.Link.PollInterval <= 0 || c.Link.PollTimeout < c.Link.PollInterval {
		return fmt.Errorf("link.poll_timeout (%s) must be at least link.poll_interval (%s)", c.Link.PollTimeout, c.Link.PollInterval)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	return nil
}

// Save writes the non-secret settings to disk, creating the config directory
// if needed. Provider secrets stay in env vars or .env.
func Save(cfg Config) error {
	path := os.Getenv("MONEYSYNC_CONFIG")
	if path == "" {
		path = filepath.Join(os.Getenv("HOME"), ".config", "moneysync", "config.toml")
	}
	return saveTo(path, cfg)
}

func saveTo(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("database.path", cfg.Database.Path)
	v.Set("secrets.dir", cfg.Secrets.Dir)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)
	v.Set("http.timeout", cfg.HTTP.Timeout.String())
	v.Set("http.breaker_failures", cfg.HTTP.BreakerFailures)
	v.Set("plaid.env", cfg.Plaid.Env)
	v.Set("plaid.base_url", cfg.Plaid.BaseURL)
	v.Set("plaid.client_name", cfg.Plaid.ClientName)
	v.Set("plaid.country_codes", cfg.Plaid.CountryCodes)
	v.Set("plaid.products", cfg.Plaid.Products)
	v.Set("finicity.base_url", cfg.Finicity.BaseURL)
	v.Set("coinbase.base_url", cfg.Coinbase.BaseURL)
	v.Set("sync.lookback_days", cfg.Sync.LookbackDays)
	v.Set("sync.concurrency", cfg.Sync.Concurrency)
	v.Set("sync.interval", cfg.Sync.Interval.String())
	v.Set("link.poll_interval", cfg.Link.PollInterval.String())
	v.Set("link.poll_timeout", cfg.Link.PollTimeout.String())
	v.Set("link.preference", cfg.Link.Preference)
	v.Set("metrics.addr", cfg.Metrics.Addr)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
