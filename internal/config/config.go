package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Sheets      SheetsConfig      `mapstructure:"sheets"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// MarketplaceConfig holds the scraped site's addresses, selectors, and timings
type MarketplaceConfig struct {
	MarketURL         string        `mapstructure:"market_url"`
	DetailURL         string        `mapstructure:"detail_url"`
	PriceSelectors    []string      `mapstructure:"price_selectors"` // price first, optional volume second
	MintRatioSelector string        `mapstructure:"mint_ratio_selector"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SelectorTimeout   time.Duration `mapstructure:"selector_timeout"`
	RequestDelayMin   time.Duration `mapstructure:"request_delay_min"`
	RequestDelayMax   time.Duration `mapstructure:"request_delay_max"`
	Headless          bool          `mapstructure:"headless"`
	ChromePath        string        `mapstructure:"chrome_path"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// SchedulerConfig holds the cycle interval and its jitter
type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Jitter   time.Duration `mapstructure:"jitter"` // each cycle waits interval ± jitter
}

// MonitorConfig holds movement detection configuration
type MonitorConfig struct {
	ThresholdPercent float64 `mapstructure:"threshold_percent"`
	WindowSize       int     `mapstructure:"window_size"`
}

// StorageConfig holds file locations for persisted state
type StorageConfig struct {
	PricesPath    string `mapstructure:"prices_path"`
	NicknamesPath string `mapstructure:"nicknames_path"`
	HistoryDBPath string `mapstructure:"history_db_path"`
	MaxHistory    int    `mapstructure:"max_history"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// SheetsConfig holds spreadsheet sync configuration
type SheetsConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	CredentialsFile string `mapstructure:"credentials_file"`
	SpreadsheetID   string `mapstructure:"spreadsheet_id"`
	SheetName       string `mapstructure:"sheet_name"`
	NameColumn      string `mapstructure:"name_column"`
	PriceColumn     string `mapstructure:"price_column"`
	Placeholder     string `mapstructure:"placeholder"`
}

// PricingConfig holds the BTC/USD spot price source
type PricingConfig struct {
	SpotURL  string        `mapstructure:"spot_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("RUNEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("marketplace.market_url", "https://unisat.io/runes/market")
	v.SetDefault("marketplace.detail_url", "https://unisat.io/runes/detail")
	v.SetDefault("marketplace.price_selectors", []string{
		"#rc-tabs-0-panel-1 > div > div.trade-list > div:nth-child(1) > div.content.display-domain.white > div.price-line > span.price",
		"div.rune-market-header div.volume-24h span.value",
	})
	v.SetDefault("marketplace.mint_ratio_selector", "div.rune-detail div.mint-amount span.value")
	v.SetDefault("marketplace.navigation_timeout", "30s")
	v.SetDefault("marketplace.selector_timeout", "15s")
	v.SetDefault("marketplace.request_delay_min", "2s")
	v.SetDefault("marketplace.request_delay_max", "5s")
	v.SetDefault("marketplace.headless", true)
	v.SetDefault("marketplace.chrome_path", "")
	v.SetDefault("marketplace.user_agent", "")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.jitter", "30s")

	v.SetDefault("monitor.threshold_percent", 7.5)
	v.SetDefault("monitor.window_size", 20)

	v.SetDefault("storage.prices_path", "./data/rune_prices.json")
	v.SetDefault("storage.nicknames_path", "./data/nicknames.json")
	v.SetDefault("storage.history_db_path", "./data/history.db")
	v.SetDefault("storage.max_history", 10000)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("sheets.enabled", false)
	v.SetDefault("sheets.credentials_file", "")
	v.SetDefault("sheets.spreadsheet_id", "")
	v.SetDefault("sheets.sheet_name", "Accounting")
	v.SetDefault("sheets.name_column", "A")
	v.SetDefault("sheets.price_column", "P")
	v.SetDefault("sheets.placeholder", "RUNE NOT FOUND IN DB")

	v.SetDefault("pricing.spot_url", "https://api.coinbase.com/v2/prices/BTC-USD/spot")
	v.SetDefault("pricing.timeout", "10s")
	v.SetDefault("pricing.cache_ttl", "1m")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Marketplace
	if c.Marketplace.MarketURL == "" {
		return fmt.Errorf("marketplace.market_url is required")
	}
	if c.Marketplace.DetailURL == "" {
		return fmt.Errorf("marketplace.detail_url is required")
	}
	if len(c.Marketplace.PriceSelectors) == 0 {
		return fmt.Errorf("marketplace.price_selectors must contain at least the price selector")
	}
	if c.Marketplace.NavigationTimeout <= 0 {
		return fmt.Errorf("marketplace.navigation_timeout must be positive")
	}
	if c.Marketplace.SelectorTimeout <= 0 {
		return fmt.Errorf("marketplace.selector_timeout must be positive")
	}
	if c.Marketplace.RequestDelayMin < 0 || c.Marketplace.RequestDelayMax < c.Marketplace.RequestDelayMin {
		return fmt.Errorf("marketplace.request_delay_min/max must satisfy 0 <= min <= max")
	}

	// Scheduler
	if c.Scheduler.Interval < 1*time.Minute {
		return fmt.Errorf("scheduler.interval must be at least 1 minute")
	}
	if c.Scheduler.Jitter < 0 || c.Scheduler.Jitter >= c.Scheduler.Interval {
		return fmt.Errorf("scheduler.jitter must be non-negative and smaller than the interval")
	}

	// Monitor
	if c.Monitor.ThresholdPercent <= 0 {
		return fmt.Errorf("monitor.threshold_percent must be positive")
	}
	if c.Monitor.WindowSize < 2 {
		return fmt.Errorf("monitor.window_size must be at least 2")
	}

	// Storage
	if c.Storage.PricesPath == "" {
		return fmt.Errorf("storage.prices_path is required")
	}
	if c.Storage.NicknamesPath == "" {
		return fmt.Errorf("storage.nicknames_path is required")
	}

	// Telegram
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Sheets
	if c.Sheets.Enabled {
		if c.Sheets.CredentialsFile == "" {
			return fmt.Errorf("sheets.credentials_file is required when sheets is enabled")
		}
		if c.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("sheets.spreadsheet_id is required when sheets is enabled")
		}
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
