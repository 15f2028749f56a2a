// Package config provides environment-based configuration for the bot panel.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the bot panel. Values come from the
// defaults, then the optional YAML file named by PANEL_CONFIG, then
// environment variables.
type Config struct {
	// Server configuration
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`

	// Storage
	ProjectsDir string `yaml:"projects_dir"`
	// LogsDir is where the daemon writes workload output. Empty means the
	// daemon's default under PM2Home.
	LogsDir string `yaml:"logs_dir"`
	// DatabaseDSN enables the durable workload store. Empty keeps the
	// registry in memory only.
	DatabaseDSN string `yaml:"database_url"`
	// DatabaseDriver is "pgx" or "postgres" (lib/pq).
	DatabaseDriver string `yaml:"database_driver"`

	// Authentication. An empty secret disables auth.
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	PM2     PM2Config     `yaml:"pm2"`
	Monitor MonitorConfig `yaml:"monitor"`
	Limits  LimitsConfig  `yaml:"limits"`

	// Interpreters overrides the interpreter binary per runtime kind.
	Interpreters map[string]string `yaml:"interpreters"`
	// DefaultEnv is merged under every workload's environment.
	DefaultEnv map[string]string `yaml:"default_env"`
}

// PM2Config holds process daemon settings.
type PM2Config struct {
	Bin            string        `yaml:"bin"`
	Home           string        `yaml:"home"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxConnections int           `yaml:"max_connections"`
}

// MonitorConfig holds polling settings.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	ProcRoot string        `yaml:"proc_root"`
	DiskPath string        `yaml:"disk_path"`
}

// LimitsConfig bounds uploads, archives, installs and request rates.
type LimitsConfig struct {
	MaxUploadBytes     int64         `yaml:"max_upload_bytes"`
	MaxFileReadBytes   int64         `yaml:"max_file_read_bytes"`
	ArchiveMaxEntries  int           `yaml:"archive_max_entries"`
	ArchiveMaxBytes    int64         `yaml:"archive_max_bytes"`
	InstallTimeout     time.Duration `yaml:"install_timeout"`
	LogReplayLines     int           `yaml:"log_replay_lines"`
	RateLimitPerMinute float64       `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            3000,
		ShutdownTimeout: 30 * time.Second,
		RequestTimeout:  60 * time.Second,
		ProjectsDir:     "bots",
		DatabaseDriver:  "pgx",
		JWTExpiry:       24 * time.Hour,
		LogLevel:        "info",
		LogFormat:       "json",
		PM2: PM2Config{
			Bin:            "pm2",
			Timeout:        15 * time.Second,
			MaxConnections: 4,
		},
		Monitor: MonitorConfig{
			Interval: 2 * time.Second,
			ProcRoot: "/proc",
		},
		Limits: LimitsConfig{
			MaxUploadBytes:     200 << 20,
			MaxFileReadBytes:   2 << 20,
			ArchiveMaxEntries:  50000,
			ArchiveMaxBytes:    1 << 30,
			InstallTimeout:     10 * time.Minute,
			LogReplayLines:     500,
			RateLimitPerMinute: 30,
			RateLimitBurst:     10,
		},
	}
}

// Load reads configuration from the overlay file and environment variables
// and validates the result.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("PANEL_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c with any environment variables that are set.
func (c *Config) ApplyEnv() {
	c.Host = getEnv("PANEL_HOST", c.Host)
	c.Port = getIntEnv("PANEL_PORT", getIntEnv("PORT", c.Port))
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.RequestTimeout = getDurationEnv("PANEL_REQUEST_TIMEOUT", c.RequestTimeout)
	c.AllowedOrigins = getListEnv("PANEL_ALLOWED_ORIGINS", c.AllowedOrigins)

	c.ProjectsDir = getEnv("PANEL_PROJECTS_DIR", c.ProjectsDir)
	c.LogsDir = getEnv("PANEL_LOGS_DIR", c.LogsDir)
	c.DatabaseDSN = getEnv("DATABASE_URL", c.DatabaseDSN)
	c.DatabaseDriver = getEnv("DATABASE_DRIVER", c.DatabaseDriver)

	c.JWTSecret = getEnv("PANEL_JWT_SECRET", c.JWTSecret)
	c.JWTExpiry = getDurationEnv("PANEL_JWT_EXPIRY", c.JWTExpiry)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.PM2.Bin = getEnv("PM2_BIN", c.PM2.Bin)
	c.PM2.Home = getEnv("PM2_HOME", c.PM2.Home)
	c.PM2.Timeout = getDurationEnv("PM2_TIMEOUT", c.PM2.Timeout)
	c.PM2.MaxConnections = getIntEnv("PM2_MAX_CONNECTIONS", c.PM2.MaxConnections)

	c.Monitor.Interval = getDurationEnv("PANEL_MONITOR_INTERVAL", c.Monitor.Interval)
	c.Monitor.ProcRoot = getEnv("PANEL_PROC_ROOT", c.Monitor.ProcRoot)
	c.Monitor.DiskPath = getEnv("PANEL_DISK_PATH", c.Monitor.DiskPath)

	c.Limits.MaxUploadBytes = getInt64Env("PANEL_MAX_UPLOAD_BYTES", c.Limits.MaxUploadBytes)
	c.Limits.MaxFileReadBytes = getInt64Env("PANEL_MAX_FILE_READ_BYTES", c.Limits.MaxFileReadBytes)
	c.Limits.InstallTimeout = getDurationEnv("PANEL_INSTALL_TIMEOUT", c.Limits.InstallTimeout)
	c.Limits.LogReplayLines = getIntEnv("PANEL_LOG_REPLAY_LINES", c.Limits.LogReplayLines)
	c.Limits.RateLimitPerMinute = getFloatEnv("PANEL_RATE_LIMIT_PER_MINUTE", c.Limits.RateLimitPerMinute)
	c.Limits.RateLimitBurst = getIntEnv("PANEL_RATE_LIMIT_BURST", c.Limits.RateLimitBurst)
}

// resolvePaths fills derived paths.
func (c *Config) resolvePaths() {
	if c.Monitor.DiskPath == "" {
		c.Monitor.DiskPath = c.ProjectsDir
	}
	if c.LogsDir != "" {
		return
	}
	home := c.PM2.Home
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(h, ".pm2")
		}
	}
	if home != "" {
		c.LogsDir = filepath.Join(home, "logs")
	}
}

// AuthEnabled reports whether bearer authentication is configured.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", c.Port))
	}
	if c.ProjectsDir == "" {
		errs = append(errs, errors.New("PANEL_PROJECTS_DIR is required"))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("PANEL_JWT_SECRET must be at least 32 characters"))
	}
	if c.JWTExpiry <= 0 {
		errs = append(errs, errors.New("PANEL_JWT_EXPIRY must be positive"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("PANEL_MONITOR_INTERVAL must be positive"))
	}
	if c.PM2.Timeout <= 0 {
		errs = append(errs, errors.New("PM2_TIMEOUT must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.Limits.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("PANEL_MAX_UPLOAD_BYTES must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not a known level", c.LogLevel))
	}
	switch c.DatabaseDriver {
	case "pgx", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be pgx or postgres, got %q", c.DatabaseDriver))
	}
	for kind := range c.Interpreters {
		switch kind {
		case "node", "python", "other":
		default:
			errs = append(errs, fmt.Errorf("interpreters: unknown runtime %q", kind))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
