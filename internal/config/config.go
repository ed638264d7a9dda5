package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"balance-guard/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fincra    FincraConfig    `mapstructure:"fincra"`
	Kraken    KrakenConfig    `mapstructure:"kraken"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the monitoring sweep cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Cron            string        `mapstructure:"cron"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// FincraConfig covers the NGN banking API.
type FincraConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	BusinessID     string        `mapstructure:"business_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// KrakenConfig covers the crypto exchange API.
type KrakenConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	APISecret       string        `mapstructure:"api_secret"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RequestsPerSec  float64       `mapstructure:"requests_per_sec"`
	MonitoredAssets []string      `mapstructure:"monitored_assets"`
	RateCacheTTL    time.Duration `mapstructure:"rate_cache_ttl"`
}

// ThresholdConfig is the configured base amount and absolute operational floor.
type ThresholdConfig struct {
	Base        float64 `mapstructure:"base"`
	Operational float64 `mapstructure:"operational"`
}

// CooldownConfig maps alert levels to re-alert intervals.
type CooldownConfig struct {
	Warning           time.Duration `mapstructure:"warning"`
	Critical          time.Duration `mapstructure:"critical"`
	Emergency         time.Duration `mapstructure:"emergency"`
	OperationalDanger time.Duration `mapstructure:"operational_danger"`
	Default           time.Duration `mapstructure:"default"`
}

// GuardConfig drives threshold policy and cache behaviour.
type GuardConfig struct {
	Fincra              ThresholdConfig `mapstructure:"fincra"`
	Kraken              ThresholdConfig `mapstructure:"kraken"`
	WarningPct          float64         `mapstructure:"warning_pct"`
	CriticalPct         float64         `mapstructure:"critical_pct"`
	EmergencyPct        float64         `mapstructure:"emergency_pct"`
	Cooldowns           CooldownConfig  `mapstructure:"cooldowns"`
	CacheTTL            time.Duration   `mapstructure:"cache_ttl"`
	FetchTimeout        time.Duration   `mapstructure:"fetch_timeout"`
	NearThresholdMargin float64         `mapstructure:"near_threshold_margin"`
	ForceFreshAmount    float64         `mapstructure:"force_fresh_amount"`
	CriticalOperations  []string        `mapstructure:"critical_operations"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	QueueSize int            `mapstructure:"queue_size"`
	Email     EmailConfig    `mapstructure:"email"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// EmailConfig describes SMTP delivery of balance alerts.
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// TelegramConfig describes admin notifications over the bot API.
type TelegramConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	BotToken     string  `mapstructure:"bot_token"`
	AdminChatIDs []int64 `mapstructure:"admin_chat_ids"`
	APIEndpoint  string  `mapstructure:"api_endpoint"`
}

// APIConfig controls the admin HTTP surface.
type APIConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("BALANCEGUARD")
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
	v.SetDefault("app.name", "balanceguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x62616c67))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("fincra.base_url", "https://api.fincra.com")
	v.SetDefault("fincra.request_timeout", "10s")

	v.SetDefault("kraken.base_url", "https://api.kraken.com")
	v.SetDefault("kraken.request_timeout", "10s")
	v.SetDefault("kraken.requests_per_sec", 1.0)
	v.SetDefault("kraken.monitored_assets", []string{"BTC", "ETH", "LTC", "USDT", "USD"})
	v.SetDefault("kraken.rate_cache_ttl", "60s")

	v.SetDefault("guard.fincra.base", 200000.0)
	v.SetDefault("guard.fincra.operational", 20000.0)
	v.SetDefault("guard.kraken.base", 6000.0)
	v.SetDefault("guard.kraken.operational", 500.0)
	v.SetDefault("guard.warning_pct", 0.75)
	v.SetDefault("guard.critical_pct", 0.50)
	v.SetDefault("guard.emergency_pct", 0.25)
	v.SetDefault("guard.cooldowns.warning", "24h")
	v.SetDefault("guard.cooldowns.critical", "12h")
	v.SetDefault("guard.cooldowns.emergency", "4h")
	v.SetDefault("guard.cooldowns.operational_danger", "1h")
	v.SetDefault("guard.cooldowns.default", "24h")
	v.SetDefault("guard.cache_ttl", "45s")
	v.SetDefault("guard.fetch_timeout", "15s")
	v.SetDefault("guard.near_threshold_margin", 10.0)
	v.SetDefault("guard.force_fresh_amount", 100.0)
	v.SetDefault("guard.critical_operations", []string{"crypto_withdrawal", "large_cashout", "admin_funding"})

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.queue_size", 64)
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.telegram.enabled", false)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8085")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 && c.Scheduler.Cron == "" {
		return fmt.Errorf("scheduler.interval must be greater than zero when scheduler.cron is empty")
	}
	if c.Guard.CacheTTL <= 0 {
		return fmt.Errorf("guard.cache_ttl must be greater than zero")
	}
	if c.Guard.Fincra.Base <= 0 || c.Guard.Kraken.Base <= 0 {
		return fmt.Errorf("guard base thresholds must be greater than zero")
	}
	if !(c.Guard.EmergencyPct > 0 && c.Guard.EmergencyPct < c.Guard.CriticalPct &&
		c.Guard.CriticalPct < c.Guard.WarningPct && c.Guard.WarningPct <= 1) {
		return fmt.Errorf("guard percentages must satisfy 0 < emergency < critical < warning <= 1")
	}
	if c.Guard.NearThresholdMargin < 0 {
		return fmt.Errorf("guard.near_threshold_margin cannot be negative")
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Host == "" || c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.host and alerting.email.from must be configured")
		}
		if len(c.Alerting.Email.To) == 0 {
			return fmt.Errorf("alerting.email.to must list at least one recipient")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if len(c.Alerting.Telegram.AdminChatIDs) == 0 {
			return fmt.Errorf("alerting.telegram.admin_chat_ids must list at least one chat")
		}
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
