package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Updater    UpdaterConfig    `yaml:"updater" mapstructure:"updater"`
	Fetcher    FetcherConfig    `yaml:"fetcher" mapstructure:"fetcher"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Approval   ApprovalConfig   `yaml:"approval" mapstructure:"approval"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// UpdaterConfig configures an update pass.
type UpdaterConfig struct {
	Limit       int  `yaml:"limit" mapstructure:"limit"`
	CutoffHours int  `yaml:"cutoff_hours" mapstructure:"cutoff_hours"`
	DelayMs     int  `yaml:"delay_ms" mapstructure:"delay_ms"`
	MaxRunSecs  int  `yaml:"max_run_secs" mapstructure:"max_run_secs"`
	DryRun      bool `yaml:"dry_run" mapstructure:"dry_run"`
}

// Cutoff is how long a successful check stays fresh.
func (u UpdaterConfig) Cutoff() time.Duration {
	return time.Duration(u.CutoffHours) * time.Hour
}

// Delay is the pause between items.
func (u UpdaterConfig) Delay() time.Duration {
	return time.Duration(u.DelayMs) * time.Millisecond
}

// MaxRun bounds a single pass.
func (u UpdaterConfig) MaxRun() time.Duration {
	return time.Duration(u.MaxRunSecs) * time.Second
}

// FetcherConfig configures the Amazon product page client.
type FetcherConfig struct {
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent           string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs         int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond       float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BreakerThreshold    int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int     `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// ValidationConfig points at an optional YAML policy overriding the
// built-in price bands.
type ValidationConfig struct {
	PolicyFile string `yaml:"policy_file" mapstructure:"policy_file"`
}

// ApprovalConfig configures the review gate.
type ApprovalConfig struct {
	ThresholdPercent float64 `yaml:"threshold_percent" mapstructure:"threshold_percent"`
}

// NotifyConfig configures report and alert delivery.
type NotifyConfig struct {
	Email    EmailConfig    `yaml:"email" mapstructure:"email"`
	Telegram TelegramConfig `yaml:"telegram" mapstructure:"telegram"`
}

// EmailConfig holds Resend credentials and recipients.
type EmailConfig struct {
	APIKey  string   `yaml:"api_key" mapstructure:"api_key"`
	From    string   `yaml:"from" mapstructure:"from"`
	To      []string `yaml:"to" mapstructure:"to"`
	BaseURL string   `yaml:"base_url" mapstructure:"base_url"`
}

// Enabled reports whether email delivery is configured.
func (e EmailConfig) Enabled() bool {
	return e.APIKey != "" && len(e.To) > 0
}

// TelegramConfig holds the bot token and target chat.
type TelegramConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	ChatID int64  `yaml:"chat_id" mapstructure:"chat_id"`
}

// Enabled reports whether Telegram delivery is configured.
func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != 0
}

// MonitoringConfig configures alert thresholds and delivery.
type MonitoringConfig struct {
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	SuccessRateThreshold     float64 `yaml:"success_rate_threshold" mapstructure:"success_rate_threshold"`
	RejectionRateThreshold   float64 `yaml:"rejection_rate_threshold" mapstructure:"rejection_rate_threshold"`
	ApprovalBacklogThreshold int     `yaml:"approval_backlog_threshold" mapstructure:"approval_backlog_threshold"`
	PermanentSkipThreshold   int     `yaml:"permanent_skip_threshold" mapstructure:"permanent_skip_threshold"`
	MaxRunAgeHours           int     `yaml:"max_run_age_hours" mapstructure:"max_run_age_hours"`
	LookbackWindowHours      int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs        int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ServerConfig configures the HTTP API and in-process scheduler.
type ServerConfig struct {
	Port                 int      `yaml:"port" mapstructure:"port"`
	CronSecret           string   `yaml:"cron_secret" mapstructure:"cron_secret"`
	AllowedOrigins       []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ScheduleIntervalMins int      `yaml:"schedule_interval_mins" mapstructure:"schedule_interval_mins"`
}

// Load reads configuration from .env, config.yaml and the environment.
// Environment variables use the PRICEWATCH_ prefix with dots replaced by
// underscores, e.g. PRICEWATCH_STORE_DATABASE_URL.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Empty defaults register secrets so AutomaticEnv picks them up on Unmarshal.
	for _, key := range []string{
		"store.database_url",
		"fetcher.user_agent",
		"validation.policy_file",
		"notify.email.api_key",
		"notify.telegram.token",
		"monitoring.webhook_url",
		"server.cron_secret",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("notify.email.to", []string{})
	v.SetDefault("notify.telegram.chat_id", 0)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "pricewatch.db")
	v.SetDefault("store.max_conns", 5)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("updater.limit", 50)
	v.SetDefault("updater.cutoff_hours", 25)
	v.SetDefault("updater.delay_ms", 2000)
	v.SetDefault("updater.max_run_secs", 280)
	v.SetDefault("fetcher.base_url", "https://www.amazon.com")
	v.SetDefault("fetcher.timeout_secs", 15)
	v.SetDefault("fetcher.rate_per_second", 1.0)
	v.SetDefault("fetcher.max_attempts", 3)
	v.SetDefault("fetcher.breaker_threshold", 5)
	v.SetDefault("fetcher.breaker_cooldown_secs", 60)
	v.SetDefault("approval.threshold_percent", 50.0)
	v.SetDefault("notify.email.from", "admin@mybookshelf.shop")
	v.SetDefault("notify.email.base_url", "https://api.resend.com")
	v.SetDefault("monitoring.success_rate_threshold", 80.0)
	v.SetDefault("monitoring.rejection_rate_threshold", 25.0)
	v.SetDefault("monitoring.approval_backlog_threshold", 25)
	v.SetDefault("monitoring.permanent_skip_threshold", 0)
	v.SetDefault("monitoring.max_run_age_hours", 26)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 900)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"https://mybookshelf.shop"})
	v.SetDefault("server.schedule_interval_mins", 0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: update,
// serve, store (migrate, approvals, history, import).
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "update", "serve", "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	if mode == "update" || mode == "serve" {
		if c.Updater.Limit <= 0 {
			problems = append(problems, "updater.limit must be positive")
		}
		if c.Updater.DelayMs < 0 {
			problems = append(problems, "updater.delay_ms must not be negative")
		}
		if c.Approval.ThresholdPercent <= 0 {
			problems = append(problems, "approval.threshold_percent must be positive")
		}
		if c.Fetcher.RatePerSecond <= 0 {
			problems = append(problems, "fetcher.rate_per_second must be positive")
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
		if c.Server.ScheduleIntervalMins < 0 {
			problems = append(problems, "server.schedule_interval_mins must not be negative")
		}
	}

	if !isPercent(c.Monitoring.SuccessRateThreshold) {
		problems = append(problems, "monitoring.success_rate_threshold must be between 0 and 100")
	}
	if !isPercent(c.Monitoring.RejectionRateThreshold) {
		problems = append(problems, "monitoring.rejection_rate_threshold must be between 0 and 100")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

func isPercent(v float64) bool {
	return v >= 0 && v <= 100
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
