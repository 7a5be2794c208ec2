package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Tasty       TastyConfig      `mapstructure:"tasty"`
	Collection  CollectionConfig `mapstructure:"collection"`
	Telegram    TelegramConfig   `mapstructure:"telegram"`
	Telemetry   TelemetryConfig  `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password" json:"-" yaml:"-"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// TastyConfig holds the brokerage API endpoints and OAuth credentials. The
// credentials are never read from the config file; they bind to the
// TT_OAUTH_CLIENT_SECRET and TT_OAUTH_REFRESH_TOKEN environment variables.
type TastyConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Timeout        int    `mapstructure:"timeout"`
	UpdateInterval int    `mapstructure:"update_interval"`
	ClientSecret   string `mapstructure:"client_secret" json:"-" yaml:"-"`
	RefreshToken   string `mapstructure:"refresh_token" json:"-" yaml:"-"`
}

type CollectionConfig struct {
	SymbolsPerBatch      int    `mapstructure:"symbols_per_batch"`
	DelayBetweenCalls    string `mapstructure:"delay_between_calls"`
	DelayBetweenBatches  string `mapstructure:"delay_between_batches"`
	NightlyCron          string `mapstructure:"nightly_cron"`
	PollInterval         string `mapstructure:"poll_interval"`
	StreamingSymbolsFile string `mapstructure:"streaming_symbols_file"`
	NightlySymbolsFile   string `mapstructure:"nightly_symbols_file"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token" json:"-" yaml:"-"`
	ChatID   string `mapstructure:"chat_id"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	// Enable environment variable support
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Credentials only ever come from the environment
	if err := viper.BindEnv("tasty.client_secret", "TT_OAUTH_CLIENT_SECRET"); err != nil {
		return nil, fmt.Errorf("failed to bind TT_OAUTH_CLIENT_SECRET environment variable: %w", err)
	}
	if err := viper.BindEnv("tasty.refresh_token", "TT_OAUTH_REFRESH_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind TT_OAUTH_REFRESH_TOKEN environment variable: %w", err)
	}
	if err := viper.BindEnv("telegram.bot_token", "TELEGRAM_BOT_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind TELEGRAM_BOT_TOKEN environment variable: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the fields every run needs regardless of which collectors
// are enabled. Brokerage credentials are checked later by the components that
// use them, so a partially-configured process can still run the pieces it has
// credentials for.
func (c *Config) Validate() error {
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Database.DBName == "" {
		return errors.New("database.dbname is required")
	}
	for name, value := range map[string]string{
		"collection.delay_between_calls":   c.Collection.DelayBetweenCalls,
		"collection.delay_between_batches": c.Collection.DelayBetweenBatches,
		"collection.poll_interval":         c.Collection.PollInterval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.Collection.SymbolsPerBatch <= 0 {
		return errors.New("collection.symbols_per_batch must be positive")
	}
	return nil
}

// Duration parses a config duration string, falling back when the value is
// empty or malformed. Validate catches malformed values at startup; the
// fallback keeps later callers total.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.dbname", "postgres")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_conns", 4)

	// Tasty API
	viper.SetDefault("tasty.base_url", "https://api.tastyworks.com")
	viper.SetDefault("tasty.timeout", 30)
	viper.SetDefault("tasty.update_interval", 60)

	// Collection throttling mirrors the nightly job defaults
	viper.SetDefault("collection.symbols_per_batch", 25)
	viper.SetDefault("collection.delay_between_calls", "500ms")
	viper.SetDefault("collection.delay_between_batches", "2s")
	viper.SetDefault("collection.nightly_cron", "0 3 * * *")
	viper.SetDefault("collection.poll_interval", "60s")
	viper.SetDefault("collection.streaming_symbols_file", "streaming-symbols.yaml")
	viper.SetDefault("collection.nightly_symbols_file", "nightly-symbols.yaml")

	// Telegram
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.chat_id", "")

	// Telemetry
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	viper.SetDefault("telemetry.service_name", "tastydata")
}
