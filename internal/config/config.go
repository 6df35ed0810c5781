// Package config loads the assistant configuration from an optional config
// file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the full assistant configuration.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	LiveArm   bool            `mapstructure:"live_arm"`
	Server    ServerConfig    `mapstructure:"server"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Entries   EntriesConfig   `mapstructure:"entries"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Settings  Settings        `mapstructure:"settings"`
	Limits    LimitsConfig    `mapstructure:"limits"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ExchangeConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	Quote             string        `mapstructure:"quote"`
	StableAssets      []string      `mapstructure:"stable_assets"`
	CashAssets        []string      `mapstructure:"cash_assets"`
}

// StorageConfig selects the entry stores. Postgres is used when
// DatabaseURL is set, JSON files under DataDir otherwise.
type StorageConfig struct {
	DataDir     string        `mapstructure:"data_dir"`
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	JournalPath string        `mapstructure:"journal_path"`
}

type EntriesConfig struct {
	LookbackDays int           `mapstructure:"lookback_days"`
	StepDays     int           `mapstructure:"step_days"`
	PageLimit    int           `mapstructure:"page_limit"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MinSplitSpan time.Duration `mapstructure:"min_split_span"`
	Workers      int           `mapstructure:"workers"`
}

type SchedulerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// Settings are the user-facing trading preferences.
type Settings struct {
	SignalScore   float64  `mapstructure:"signal_score"`
	DefaultBudget float64  `mapstructure:"default_budget"`
	Watchlist     []string `mapstructure:"watchlist"`
}

// LimitsConfig caps market buys in the quote currency. Zero disables a cap.
type LimitsConfig struct {
	MaxPerOrder float64 `mapstructure:"max_per_order"`
	MaxPerAsset float64 `mapstructure:"max_per_asset"`
	MaxTotal    float64 `mapstructure:"max_total"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            "8080",
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Exchange: ExchangeConfig{
			BaseURL:           "https://api.mexc.com",
			RequestsPerSecond: 10,
			Burst:             5,
			HTTPTimeout:       20 * time.Second,
			Quote:             "USDT",
			StableAssets:      []string{"USDT", "USD"},
			CashAssets:        []string{"USDT", "USDC"},
		},
		Storage: StorageConfig{
			DataDir:     "data",
			CacheTTL:    30 * time.Second,
			JournalPath: "data/journal.db",
		},
		Entries: EntriesConfig{
			LookbackDays: 365,
			StepDays:     30,
			PageLimit:    1000,
			FetchTimeout: 20 * time.Second,
			MinSplitSpan: time.Minute,
			Workers:      4,
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			Interval:   time.Hour,
			RunTimeout: 10 * time.Minute,
		},
		Settings: Settings{
			SignalScore:   0.68,
			DefaultBudget: 25,
		},
	}
}

// envAliases are the variable names the bot has always read, bound next to
// the ASSISTANT_* names.
var envAliases = map[string][]string{
	"exchange.api_key":     {"MEXC_API_KEY"},
	"exchange.api_secret":  {"MEXC_API_SECRET", "MEXC_SECRET_KEY"},
	"exchange.base_url":    {"MEXC_BASE_URL"},
	"live_arm":             {"LIVE_ARM"},
	"storage.database_url": {"DATABASE_URL"},
	"storage.redis_url":    {"REDIS_URL"},
	"server.port":          {"PORT"},
}

// Load reads envFile (if present) into the process environment, then the
// optional configFile, then environment overrides, and validates the result.
func Load(configFile, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix("ASSISTANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{"ASSISTANT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every leaf of def so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("live_arm", def.LiveArm)

	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.request_timeout", def.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)

	v.SetDefault("exchange.base_url", def.Exchange.BaseURL)
	v.SetDefault("exchange.api_key", def.Exchange.APIKey)
	v.SetDefault("exchange.api_secret", def.Exchange.APISecret)
	v.SetDefault("exchange.requests_per_second", def.Exchange.RequestsPerSecond)
	v.SetDefault("exchange.burst", def.Exchange.Burst)
	v.SetDefault("exchange.http_timeout", def.Exchange.HTTPTimeout)
	v.SetDefault("exchange.quote", def.Exchange.Quote)
	v.SetDefault("exchange.stable_assets", def.Exchange.StableAssets)
	v.SetDefault("exchange.cash_assets", def.Exchange.CashAssets)

	v.SetDefault("storage.data_dir", def.Storage.DataDir)
	v.SetDefault("storage.database_url", def.Storage.DatabaseURL)
	v.SetDefault("storage.redis_url", def.Storage.RedisURL)
	v.SetDefault("storage.cache_ttl", def.Storage.CacheTTL)
	v.SetDefault("storage.journal_path", def.Storage.JournalPath)

	v.SetDefault("entries.lookback_days", def.Entries.LookbackDays)
	v.SetDefault("entries.step_days", def.Entries.StepDays)
	v.SetDefault("entries.page_limit", def.Entries.PageLimit)
	v.SetDefault("entries.fetch_timeout", def.Entries.FetchTimeout)
	v.SetDefault("entries.min_split_span", def.Entries.MinSplitSpan)
	v.SetDefault("entries.workers", def.Entries.Workers)

	v.SetDefault("scheduler.enabled", def.Scheduler.Enabled)
	v.SetDefault("scheduler.interval", def.Scheduler.Interval)
	v.SetDefault("scheduler.run_timeout", def.Scheduler.RunTimeout)

	v.SetDefault("settings.signal_score", def.Settings.SignalScore)
	v.SetDefault("settings.default_budget", def.Settings.DefaultBudget)
	v.SetDefault("settings.watchlist", def.Settings.Watchlist)

	v.SetDefault("limits.max_per_order", def.Limits.MaxPerOrder)
	v.SetDefault("limits.max_per_asset", def.Limits.MaxPerAsset)
	v.SetDefault("limits.max_total", def.Limits.MaxTotal)
}

func (c *Config) normalize() {
	upper := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	c.Exchange.Quote = strings.ToUpper(strings.TrimSpace(c.Exchange.Quote))
	c.Exchange.StableAssets = upper(c.Exchange.StableAssets)
	c.Exchange.CashAssets = upper(c.Exchange.CashAssets)
	c.Settings.Watchlist = upper(c.Settings.Watchlist)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

// Validate checks the configuration for values the assistant cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, levelErr := c.SlogLevel()
	check(levelErr == nil, "log_level %q is not one of debug, info, warn, error", c.LogLevel)
	check(c.Server.Port != "", "server.port is required")
	check(c.Exchange.BaseURL != "", "exchange.base_url is required")
	check(c.Exchange.Quote != "", "exchange.quote is required")
	check(len(c.Exchange.StableAssets) > 0, "exchange.stable_assets must not be empty")
	check(c.Exchange.RequestsPerSecond > 0, "exchange.requests_per_second must be positive")
	check(c.Entries.LookbackDays > 0, "entries.lookback_days must be positive")
	check(c.Entries.StepDays > 0, "entries.step_days must be positive")
	check(c.Entries.PageLimit > 0 && c.Entries.PageLimit <= 1000, "entries.page_limit must be in 1..1000")
	check(c.Entries.Workers > 0, "entries.workers must be positive")
	check(c.Entries.MinSplitSpan >= 2*time.Millisecond, "entries.min_split_span must be at least 2ms")
	check(c.Scheduler.Interval >= time.Minute, "scheduler.interval must be at least 1m")
	check(c.Settings.SignalScore >= 0 && c.Settings.SignalScore <= 1, "settings.signal_score must be in [0, 1]")
	check(c.Settings.DefaultBudget > 0, "settings.default_budget must be positive")
	check(c.Limits.MaxPerOrder >= 0 && c.Limits.MaxPerAsset >= 0 && c.Limits.MaxTotal >= 0, "limits must not be negative")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return lvl, nil
}

// HasCredentials reports whether signed exchange calls can be made.
func (c Config) HasCredentials() bool {
	return c.Exchange.APIKey != "" && c.Exchange.APISecret != ""
}

// Budget returns the default order budget as a decimal.
func (s Settings) Budget() decimal.Decimal {
	return decimal.NewFromFloat(s.DefaultBudget)
}

// Decimals returns the caps as decimals.
func (l LimitsConfig) Decimals() (perOrder, perAsset, total decimal.Decimal) {
	return decimal.NewFromFloat(l.MaxPerOrder), decimal.NewFromFloat(l.MaxPerAsset), decimal.NewFromFloat(l.MaxTotal)
}

// EnsureDataDir creates the data directory.
func (c Config) EnsureDataDir() error {
	if c.Storage.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
