package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chdirTemp moves into an empty directory so no config.yaml or .env is found.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "pricewatch.db", cfg.Store.SQLitePath)
	assert.Equal(t, int32(5), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 50, cfg.Updater.Limit)
	assert.Equal(t, 25*time.Hour, cfg.Updater.Cutoff())
	assert.Equal(t, 2*time.Second, cfg.Updater.Delay())
	assert.Equal(t, 280*time.Second, cfg.Updater.MaxRun())
	assert.Equal(t, "https://www.amazon.com", cfg.Fetcher.BaseURL)
	assert.Equal(t, 15, cfg.Fetcher.TimeoutSecs)
	assert.Equal(t, 3, cfg.Fetcher.MaxAttempts)
	assert.InDelta(t, 50.0, cfg.Approval.ThresholdPercent, 0.001)
	assert.Equal(t, "https://api.resend.com", cfg.Notify.Email.BaseURL)
	assert.False(t, cfg.Notify.Email.Enabled())
	assert.False(t, cfg.Notify.Telegram.Enabled())
	assert.InDelta(t, 80.0, cfg.Monitoring.SuccessRateThreshold, 0.001)
	assert.Equal(t, 25, cfg.Monitoring.ApprovalBacklogThreshold)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"https://mybookshelf.shop"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 0, cfg.Server.ScheduleIntervalMins)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  sqlite_path: /tmp/shelf.db
log:
  level: debug
  format: console
updater:
  limit: 10
  dry_run: true
notify:
  email:
    api_key: re_123
    to:
      - ops@mybookshelf.shop
server:
  port: 9090
  schedule_interval_mins: 1440
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/shelf.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Updater.Limit)
	assert.True(t, cfg.Updater.DryRun)
	assert.True(t, cfg.Notify.Email.Enabled())
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 1440, cfg.Server.ScheduleIntervalMins)
	// Defaults still apply for unset values
	assert.Equal(t, 25, cfg.Updater.CutoffHours)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("PRICEWATCH_STORE_DRIVER", "postgres")
	t.Setenv("PRICEWATCH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	chdirTemp(t)

	t.Setenv("PRICEWATCH_STORE_DATABASE_URL", "postgres://localhost/shelf")
	t.Setenv("PRICEWATCH_SERVER_CRON_SECRET", "s3cret")
	t.Setenv("PRICEWATCH_NOTIFY_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("PRICEWATCH_NOTIFY_TELEGRAM_CHAT_ID", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/shelf", cfg.Store.DatabaseURL)
	assert.Equal(t, "s3cret", cfg.Server.CronSecret)
	assert.Equal(t, int64(42), cfg.Notify.Telegram.ChatID)
	assert.True(t, cfg.Notify.Telegram.Enabled())
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PRICEWATCH_SERVER_PORT=3000\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PRICEWATCH_SERVER_PORT") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with the defaults Validate cares about.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/test"
	cfg.Updater.Limit = 50
	cfg.Updater.DelayMs = 2000
	cfg.Fetcher.RatePerSecond = 1
	cfg.Approval.ThresholdPercent = 50
	cfg.Monitoring.SuccessRateThreshold = 80
	cfg.Monitoring.RejectionRateThreshold = 25
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"update", "serve", "store"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_StoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url")

	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "shelf.db"
	assert.NoError(t, cfg.Validate("store"))

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres or sqlite")
}

func TestValidate_Updater(t *testing.T) {
	cfg := validDefaults()
	cfg.Updater.Limit = 0
	cfg.Approval.ThresholdPercent = 0
	err := cfg.Validate("update")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "updater.limit")
	assert.Contains(t, err.Error(), "approval.threshold_percent")

	// Store-only commands do not care about updater settings.
	assert.NoError(t, cfg.Validate("store"))
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 70000
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.NoError(t, cfg.Validate("update"))
}

func TestValidate_MonitoringPercentages(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.SuccessRateThreshold = 120
	cfg.Monitoring.RejectionRateThreshold = -1
	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.success_rate_threshold")
	assert.Contains(t, err.Error(), "monitoring.rejection_rate_threshold")
}
