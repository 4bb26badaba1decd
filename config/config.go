/*
Package config loads the booking engine configuration.

PURPOSE:
  One explicit configuration object replaces the process-wide feature flags
  of the legacy system. Every delay the lifecycle uses and every expense
  cap the ledger enforces can be set here.

LAYERS (later wins):
  1. Defaults: Default()
  2. Config file: YAML at $CONFIG_PATH, else ./config.yaml if present
  3. Environment: BOOKING_ prefix, "__" separates sections

       BOOKING_SWEEP__INTERVAL=5m           -> sweep.interval
       BOOKING_DATABASE__DRIVER=postgres    -> database.driver
       BOOKING_SERVER__CORS_ORIGINS=a,b     -> server.cors_origins

SEE ALSO:
  - cmd/server/main.go: the only caller of Load
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/warp/booking-engine/expense"
	"github.com/warp/booking-engine/lifecycle"
	"github.com/warp/booking-engine/logging"
)

const (
	// ConfigPathEnvVar names the YAML file to load.
	ConfigPathEnvVar = "CONFIG_PATH"
	envPrefix        = "BOOKING_"
	defaultPath      = "config.yaml"
)

// Config is the full engine configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Booking  BookingConfig  `koanf:"booking"`
	Expense  ExpenseConfig  `koanf:"expense"`
	Sweep    SweepConfig    `koanf:"sweep"`
	Notify   NotifyConfig   `koanf:"notify"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Port        int      `koanf:"port" validate:"min=1,max=65535"`
	CORSOrigins []string `koanf:"cors_origins"`

	// Scenarios routes the demo catalog loader.
	Scenarios bool `koanf:"scenarios"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite postgres memory"`
	Path   string `koanf:"path" validate:"required_if=Driver sqlite"`
	URL    string `koanf:"url" validate:"required_if=Driver postgres"`
}

// BookingConfig holds the lifecycle delays.
type BookingConfig struct {
	ConfirmBeforeEventDelay     time.Duration `koanf:"confirm_before_event_delay" validate:"gte=0"`
	ConfirmAfterCreationDelay   time.Duration `koanf:"confirm_after_creation_delay" validate:"gte=0"`
	AutoUseAfterEventDelay      time.Duration `koanf:"auto_use_after_event_delay" validate:"gt=0"`
	PostponementRevertThreshold time.Duration `koanf:"postponement_revert_threshold" validate:"gte=0"`
}

// ExpenseConfig overrides the built-in caps per deposit version. Empty
// values keep the default; "none" removes a sub-cap.
type ExpenseConfig struct {
	V1 CapsConfig `koanf:"v1"`
	V2 CapsConfig `koanf:"v2"`
}

type CapsConfig struct {
	Total    string `koanf:"total"`
	Digital  string `koanf:"digital"`
	Physical string `koanf:"physical"`
}

type SweepConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval" validate:"required_if=Enabled true"`
}

type NotifyConfig struct {
	Driver             string        `koanf:"driver" validate:"oneof=log kafka"`
	Brokers            []string      `koanf:"brokers" validate:"required_if=Driver kafka"`
	Topic              string        `koanf:"topic" validate:"required_if=Driver kafka"`
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Default returns the built-in configuration.
func Default() Config {
	policy := lifecycle.DefaultPolicy()
	return Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./data/bookings.db",
		},
		Booking: BookingConfig{
			ConfirmBeforeEventDelay:     policy.ConfirmBeforeEventDelay,
			ConfirmAfterCreationDelay:   policy.ConfirmAfterCreationDelay,
			AutoUseAfterEventDelay:      policy.AutoUseAfterEventDelay,
			PostponementRevertThreshold: policy.PostponementRevertThreshold,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		Notify: NotifyConfig{
			Driver:             "log",
			Topic:              "booking-notifications",
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads defaults, the optional YAML file and the environment.
func Load() (Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		logging.Info().Str("path", path).Msg("configuration file loaded")
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := splitLists(k, "server.cors_origins", "notify.brokers"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps BOOKING_SWEEP__INTERVAL to sweep.interval.
func envKey(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}
	return ""
}

// splitLists turns comma-separated env values into slices.
func splitLists(k *koanf.Koanf, paths ...string) error {
	for _, path := range paths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var items []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		if err := k.Set(path, items); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks field constraints and the expense overrides.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if _, err := c.ExpenseConfigurations(); err != nil {
		return err
	}
	return nil
}

// Policy returns the lifecycle delays.
func (c Config) Policy() lifecycle.Policy {
	return lifecycle.Policy{
		ConfirmBeforeEventDelay:     c.Booking.ConfirmBeforeEventDelay,
		ConfirmAfterCreationDelay:   c.Booking.ConfirmAfterCreationDelay,
		AutoUseAfterEventDelay:      c.Booking.AutoUseAfterEventDelay,
		PostponementRevertThreshold: c.Booking.PostponementRevertThreshold,
	}
}

// ExpenseConfigurations applies the cap overrides to the built-in limits.
func (c Config) ExpenseConfigurations() (expense.Configurations, error) {
	configs := expense.DefaultConfigurations()
	var err error
	for version, caps := range map[int]CapsConfig{1: c.Expense.V1, 2: c.Expense.V2} {
		if caps == (CapsConfig{}) {
			continue
		}
		configs, err = configs.WithCaps(version, expense.Caps(caps))
		if err != nil {
			return nil, err
		}
	}
	return configs, nil
}

// LoggerConfig returns the logger configuration.
func (c Config) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}
