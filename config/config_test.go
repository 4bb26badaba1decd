package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	assert.Equal(t, uint32(5), cfg.Notify.BreakerMaxFailures)
	assert.Equal(t, 48*time.Hour, cfg.Policy().AutoUseAfterEventDelay)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: a YAML file and an environment override
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  url: postgres://localhost/bookings
booking:
  confirm_after_creation_delay: 240h
sweep:
  interval: 10m
expense:
  v2:
    digital: "150"
`), 0o600))
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("BOOKING_SWEEP__INTERVAL", "5m")
	t.Setenv("BOOKING_NOTIFY__DRIVER", "kafka")
	t.Setenv("BOOKING_NOTIFY__BROKERS", "kafka-1:9092, kafka-2:9092")

	// WHEN: loading
	cfg, err := Load()

	// THEN: env wins over the file, which wins over defaults
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 240*time.Hour, cfg.Booking.ConfirmAfterCreationDelay)
	assert.Equal(t, 48*time.Hour, cfg.Booking.ConfirmBeforeEventDelay)
	assert.Equal(t, 5*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Notify.Brokers)

	configs, err := cfg.ExpenseConfigurations()
	require.NoError(t, err)
	require.NotNil(t, configs[2].DigitalCap)
	assert.True(t, configs[2].DigitalCap.Equal(decimal.NewFromInt(150)))
	assert.True(t, configs[1].DigitalCap.Equal(decimal.NewFromInt(200)))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }},
		{"kafka without brokers", func(c *Config) { c.Notify.Driver = "kafka" }},
		{"zero auto-use delay", func(c *Config) { c.Booking.AutoUseAfterEventDelay = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad cap", func(c *Config) { c.Expense.V1.Total = "lots" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "sweep.interval", envKey("BOOKING_SWEEP__INTERVAL"))
	assert.Equal(t, "server.cors_origins", envKey("BOOKING_SERVER__CORS_ORIGINS"))
	assert.Equal(t, "booking.auto_use_after_event_delay", envKey("BOOKING_BOOKING__AUTO_USE_AFTER_EVENT_DELAY"))
}
