package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s"
// or "1h" (plain integers are taken as nanoseconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v))
	case float64:
		*d = Duration(time.Duration(v))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config is the full application configuration, loaded from YAML with
// sensible defaults so the CLI capture mode works without any config file.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Cache struct {
		RedisHost       string   `yaml:"redis_host"`
		RateLimitDB     int      `yaml:"redis_rate_db"`
		PNGCacheDB      int      `yaml:"redis_png_db"`
		PNGCacheEnabled bool     `yaml:"png_cache_enabled"`
		PNGCacheTTL     Duration `yaml:"png_cache_ttl"`
	} `yaml:"cache"`

	Limits struct {
		MaxPNGBytes int `yaml:"max_png_bytes"`
	} `yaml:"limits"`

	RateLimiter struct {
		Interval          Duration `yaml:"interval"`
		UserLimit         int      `yaml:"user_limit"`
		EnableUserLimiter bool     `yaml:"enable_user_limiter"`
	} `yaml:"rate_limiter"`

	Auth struct {
		Postgres PostgresConfig `yaml:"postgres"`
	} `yaml:"auth"`

	Capture CaptureConfig `yaml:"capture"`
}

// PostgresConfig describes the connection to the token control-plane database.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// CaptureConfig holds everything the capture runner needs: input/output
// locations, viewport, the in-page readiness contract and per-gate timeouts.
type CaptureConfig struct {
	InputPath  string  `yaml:"input_path"`
	OutputPath string  `yaml:"output_path"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	Scale      float64 `yaml:"scale"`

	// In-page contract of the generated map page.
	MapSelector    string `yaml:"map_selector"`
	MarkerSelector string `yaml:"marker_selector"`
	TileSelector   string `yaml:"tile_selector"`
	DBGlobal       string `yaml:"db_global"`
	ReadyExpr      string `yaml:"ready_expr"`

	NavTimeoutSecs   int `yaml:"nav_timeout_secs"`
	MountTimeoutSecs int `yaml:"mount_timeout_secs"`
	ReadyTimeoutSecs int `yaml:"ready_timeout_secs"`
	TileTimeoutSecs  int `yaml:"tile_timeout_secs"`
	SettleMS         int `yaml:"settle_ms"`
	ResizeSettleMS   int `yaml:"resize_settle_ms"`

	ChromePath      string `yaml:"chrome_path"`
	ChromeNoSandbox bool   `yaml:"chrome_no_sandbox"`
	ChromePoolSize  int    `yaml:"chrome_pool_size"`
	UserDataDir     string `yaml:"user_data_dir"`
	TimeoutSecs     int    `yaml:"timeout_secs"`
}

// AppConfig is the process-wide configuration, set by LoadConfig.
var AppConfig Config

// DefaultConfig returns the built-in configuration used when no config file
// is present. The capture defaults mirror the generated map page contract.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = ":8080"
	cfg.Logger.Level = "info"
	cfg.Cache.RedisHost = "127.0.0.1:6379"
	cfg.Cache.PNGCacheDB = 1
	cfg.Cache.PNGCacheTTL = Duration(time.Hour)
	cfg.Limits.MaxPNGBytes = 64 * 1024 * 1024
	cfg.RateLimiter.Interval = Duration(time.Minute)

	cfg.Capture.InputPath = "docs/index.html"
	cfg.Capture.OutputPath = "docs/aca_map.png"
	cfg.Capture.Width = 2400
	cfg.Capture.Height = 1600
	cfg.Capture.Scale = 2.0
	cfg.Capture.MapSelector = ".folium-map"
	cfg.Capture.MarkerSelector = ".leaflet-tooltip"
	cfg.Capture.TileSelector = "img.leaflet-tile"
	cfg.Capture.DBGlobal = "ACA_DB"
	cfg.Capture.NavTimeoutSecs = 120
	cfg.Capture.MountTimeoutSecs = 60
	cfg.Capture.ReadyTimeoutSecs = 60
	cfg.Capture.TileTimeoutSecs = 60
	cfg.Capture.SettleMS = 600
	cfg.Capture.ResizeSettleMS = 100
	cfg.Capture.ChromeNoSandbox = true
	cfg.Capture.TimeoutSecs = 300
	return cfg
}

// LoadConfig reads the YAML file at CONFIG_PATH (default "config.yaml") on
// top of the built-in defaults and stores the result in AppConfig. A missing
// file is not an error: the CLI must run with zero setup.
func LoadConfig() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}

	cfg := DefaultConfig()
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			Error("Invalid config file, using defaults", "path", path, "error", err)
			cfg = DefaultConfig()
		}
	}

	applyEnvOverrides(&cfg)
	AppConfig = cfg
	return cfg
}

// GetConfig returns the current process-wide configuration.
func GetConfig() Config {
	return AppConfig
}

// applyEnvOverrides applies the environment knobs used by the map build
// pipeline. Invalid numeric values fall back to the configured default.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PNG_W"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Capture.Width = n
		} else {
			Warn("Ignoring invalid PNG_W", "value", v)
		}
	}
	if v := os.Getenv("PNG_H"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Capture.Height = n
		} else {
			Warn("Ignoring invalid PNG_H", "value", v)
		}
	}
	if v := os.Getenv("PNG_SCALE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Capture.Scale = f
		} else {
			Warn("Ignoring invalid PNG_SCALE", "value", v)
		}
	}
	if cfg.Capture.ChromePath == "" {
		if v := os.Getenv("CHROME_BIN"); v != "" {
			cfg.Capture.ChromePath = v
		}
	}
}
