package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"travel-price-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// Supported persistence drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs fetch cadence and the worker pool.
type SchedulerConfig struct {
	Tick            time.Duration `mapstructure:"tick"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	Jitter          float64       `mapstructure:"jitter"`
	Workers         int           `mapstructure:"workers"`
	ResyncInterval  time.Duration `mapstructure:"resync_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
}

// FetchConfig bounds retries against price sources.
type FetchConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig is a token bucket of Requests per Window.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// SourcesConfig lists the configured price sources.
type SourcesConfig struct {
	Default    string           `mapstructure:"default"`
	Skyscanner SkyscannerConfig `mapstructure:"skyscanner"`
	Static     StaticConfig     `mapstructure:"static"`
}

// SkyscannerConfig captures the browse-quotes API connectivity.
type SkyscannerConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	BaseURL   string          `mapstructure:"base_url"`
	APIKey    string          `mapstructure:"api_key"`
	Market    string          `mapstructure:"market"`
	Currency  string          `mapstructure:"currency"`
	Locale    string          `mapstructure:"locale"`
	Origin    string          `mapstructure:"origin"`
	UserAgent string          `mapstructure:"user_agent"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// StaticConfig serves fixed prices keyed by route.
type StaticConfig struct {
	Enabled   bool               `mapstructure:"enabled"`
	Currency  string             `mapstructure:"currency"`
	Prices    map[string]float64 `mapstructure:"prices"`
	RateLimit RateLimitConfig    `mapstructure:"rate_limit"`
}

// CacheConfig enables the Redis quote cache.
type CacheConfig struct {
	TTL   time.Duration `mapstructure:"ttl"`
	Redis RedisConfig   `mapstructure:"redis"`
}

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// EvaluationConfig selects the alert firing policy.
type EvaluationConfig struct {
	Policy string `mapstructure:"policy"`
}

// DispatchConfig bounds notification delivery.
type DispatchConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ChannelsConfig configures each notification channel.
type ChannelsConfig struct {
	Email    EmailConfig    `mapstructure:"email"`
	SMS      SMSConfig      `mapstructure:"sms"`
	Push     PushConfig     `mapstructure:"push"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// EmailConfig describes SMTP delivery.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// SMSConfig describes Twilio delivery.
type SMSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	From       string `mapstructure:"from"`
	APIBase    string `mapstructure:"api_base"`
}

// PushConfig describes Web Push delivery.
type PushConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key"`
	Subscriber      string `mapstructure:"subscriber"`
	TTL             int    `mapstructure:"ttl"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// HistoryConfig governs retention of price observations.
type HistoryConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	TrendSize int           `mapstructure:"trend_size"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "pricewatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.tick", "1s")
	v.SetDefault("scheduler.default_interval", "30m")
	v.SetDefault("scheduler.jitter", 0.1)
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.resync_interval", "5m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726963))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.drain_timeout", "30s")

	v.SetDefault("fetch.attempts", 3)
	v.SetDefault("fetch.base_delay", "500ms")
	v.SetDefault("fetch.max_delay", "5s")
	v.SetDefault("fetch.timeout", "10s")

	v.SetDefault("sources.default", "static")
	v.SetDefault("sources.skyscanner.enabled", false)
	v.SetDefault("sources.skyscanner.base_url", "https://partners.api.skyscanner.net")
	v.SetDefault("sources.skyscanner.market", "US")
	v.SetDefault("sources.skyscanner.currency", "USD")
	v.SetDefault("sources.skyscanner.locale", "en-US")
	v.SetDefault("sources.skyscanner.origin", "LAX-sky")
	v.SetDefault("sources.skyscanner.rate_limit.requests", 60)
	v.SetDefault("sources.skyscanner.rate_limit.window", "1m")
	v.SetDefault("sources.static.enabled", true)
	v.SetDefault("sources.static.currency", "USD")
	v.SetDefault("sources.static.rate_limit.requests", 600)
	v.SetDefault("sources.static.rate_limit.window", "1m")

	v.SetDefault("cache.ttl", "0s")
	v.SetDefault("cache.redis.prefix", "pricewatch:quote:")

	v.SetDefault("evaluation.policy", "crossing")

	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.base_delay", "2s")
	v.SetDefault("dispatch.max_delay", "1m")
	v.SetDefault("dispatch.send_timeout", "15s")
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.sweep_interval", "1m")

	v.SetDefault("channels.email.port", 587)
	v.SetDefault("channels.sms.api_base", "https://api.twilio.com")
	v.SetDefault("channels.push.subscriber", "mailto:alerts@example.com")
	v.SetDefault("channels.push.ttl", 3600)
	v.SetDefault("channels.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("history.retention", "2160h")
	v.SetDefault("history.trend_size", 20)

	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be greater than zero")
	}
	if c.Scheduler.DefaultInterval <= 0 {
		return fmt.Errorf("scheduler.default_interval must be greater than zero")
	}
	if c.Scheduler.Jitter < 0 || c.Scheduler.Jitter >= 1 {
		return fmt.Errorf("scheduler.jitter must be within [0, 1)")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if c.Fetch.Attempts <= 0 {
		return fmt.Errorf("fetch.attempts must be greater than zero")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be greater than zero")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be greater than zero")
	}
	switch c.Evaluation.Policy {
	case "crossing", "rearm", "breach":
	default:
		return fmt.Errorf("evaluation.policy must be one of crossing, rearm, breach")
	}
	switch c.Sources.Default {
	case "skyscanner":
		if !c.Sources.Skyscanner.Enabled {
			return fmt.Errorf("sources.default refers to disabled source skyscanner")
		}
	case "static":
		if !c.Sources.Static.Enabled {
			return fmt.Errorf("sources.default refers to disabled source static")
		}
	default:
		return fmt.Errorf("sources.default must be skyscanner or static, got %q", c.Sources.Default)
	}
	if c.Sources.Skyscanner.Enabled && c.Sources.Skyscanner.APIKey == "" {
		return fmt.Errorf("sources.skyscanner.api_key must be configured")
	}
	if c.Channels.Email.Enabled {
		if c.Channels.Email.Host == "" || c.Channels.Email.From == "" {
			return fmt.Errorf("channels.email.host and channels.email.from must be configured")
		}
	}
	if c.Channels.SMS.Enabled {
		if c.Channels.SMS.AccountSID == "" || c.Channels.SMS.AuthToken == "" || c.Channels.SMS.From == "" {
			return fmt.Errorf("channels.sms.account_sid, auth_token and from must be configured")
		}
	}
	if c.Channels.Push.Enabled {
		if c.Channels.Push.VAPIDPublicKey == "" || c.Channels.Push.VAPIDPrivateKey == "" {
			return fmt.Errorf("channels.push VAPID keys must be configured")
		}
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("channels.telegram.bot_token 必须配置")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveInterval returns the destination interval or the scheduler default.
func (c *Config) ResolveInterval(interval time.Duration) time.Duration {
	if interval > 0 {
		return interval
	}
	return c.Scheduler.DefaultInterval
}
