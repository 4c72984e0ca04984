package updatesengine

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// CheckOnLaunchPolicy governs whether the cold-start Loader runs at
// all, and under what network conditions.
type CheckOnLaunchPolicy string

const (
	CheckAlways            CheckOnLaunchPolicy = "Always"
	CheckErrorRecoveryOnly CheckOnLaunchPolicy = "ErrorRecoveryOnly"
	CheckNever             CheckOnLaunchPolicy = "Never"
	CheckWifiOnly          CheckOnLaunchPolicy = "WifiOnly"
)

// Configuration is the engine's recognized configuration map. UpdateURL
// and ScopeKey are required only when IsEnabled is true.
type Configuration struct {
	IsEnabled         bool                `mapstructure:"is_enabled" validate:"-"`
	UpdateURL         string              `mapstructure:"update_url" validate:"omitempty,url"`
	ScopeKey          string              `mapstructure:"scope_key"`
	RuntimeVersion    string              `mapstructure:"runtime_version"`
	LaunchWaitMs      int                 `mapstructure:"launch_wait_ms" validate:"gte=0"`
	CheckOnLaunch     CheckOnLaunchPolicy `mapstructure:"check_on_launch" validate:"oneof=Always ErrorRecoveryOnly Never WifiOnly"`
	RequestHeaders    map[string]string   `mapstructure:"request_headers"`
	HasEmbeddedUpdate bool                `mapstructure:"has_embedded_update"`

	UpdatesDir          string        `mapstructure:"updates_dir" validate:"required"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	SuccessTimeout      time.Duration `mapstructure:"success_timeout"`
	DownloadWorkers     int           `mapstructure:"download_workers" validate:"gte=1"`
	DownloadRatePerSec  float64       `mapstructure:"download_rate_per_sec" validate:"gte=0"`
	L1CacheCapacity     int           `mapstructure:"l1_cache_capacity" validate:"gte=0"`

	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	DevBridge DevBridgeConfig `mapstructure:"devbridge"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LogConfig configures the slog-based logger factory (internal/logging).
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=json text"`
	Output     string `mapstructure:"output" validate:"omitempty,oneof=stdout stderr file"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures the Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DevBridgeConfig configures the local developer-tools HTTP surface.
type DevBridgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TelemetryConfig configures the optional Redis snapshot fanout.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// ErrConfigInvalid is fatal during Start: it is the only configuration
// error class the engine surfaces by throwing rather than recovering.
type ErrConfigInvalid struct {
	Reason string
}

func (e *ErrConfigInvalid) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

var validate = validator.New()

// Validate applies struct-tag validation plus the cross-field rule that
// UpdateURL and ScopeKey are required whenever IsEnabled is true.
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &ErrConfigInvalid{Reason: err.Error()}
	}
	if c.IsEnabled {
		if c.UpdateURL == "" {
			return &ErrConfigInvalid{Reason: "update_url is required when is_enabled=true"}
		}
		if c.ScopeKey == "" {
			return &ErrConfigInvalid{Reason: "scope_key is required when is_enabled=true"}
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("is_enabled", true)
	v.SetDefault("launch_wait_ms", 0)
	v.SetDefault("check_on_launch", string(CheckAlways))
	v.SetDefault("has_embedded_update", true)
	v.SetDefault("updates_dir", "./updates")
	v.SetDefault("request_timeout", "60s")
	v.SetDefault("success_timeout", "5s")
	v.SetDefault("download_workers", 4)
	v.SetDefault("download_rate_per_sec", 0)
	v.SetDefault("l1_cache_capacity", 64)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("devbridge.enabled", false)
	v.SetDefault("devbridge.addr", "127.0.0.1:8090")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.channel", "expo-updates-engine:snapshots")
}

// LoadConfig reads configuration from built-in defaults, an optional
// file, and environment variables (EXPO_UPDATES_-prefixed, dots become
// underscores), in that order of increasing precedence.
func LoadConfig(configPath string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("expo_updates")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, &ErrConfigInvalid{Reason: fmt.Sprintf("failed to read config file: %v", err)}
			}
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ErrConfigInvalid{Reason: fmt.Sprintf("failed to unmarshal config: %v", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables and
// defaults only, skipping any file.
func LoadConfigFromEnv() (*Configuration, error) {
	return LoadConfig("")
}
