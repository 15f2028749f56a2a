package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PANEL_CONFIG", "")
	t.Setenv("PM2_HOME", "/srv/pm2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "bots", cfg.ProjectsDir)
	assert.Equal(t, filepath.Join("/srv/pm2", "logs"), cfg.LogsDir)
	assert.Equal(t, "bots", cfg.Monitor.DiskPath)
	assert.False(t, cfg.AuthEnabled())
	assert.Equal(t, "0.0.0.0:3000", cfg.Addr())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "panel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8081
projects_dir: /srv/bots
logs_dir: /srv/logs
monitor:
  interval: 5s
limits:
  install_timeout: 3m
interpreters:
  python: /usr/bin/python3.12
default_env:
  NODE_ENV: production
`), 0o644))
	t.Setenv("PANEL_CONFIG", path)
	t.Setenv("PANEL_PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port, "env wins over the file")
	assert.Equal(t, "/srv/bots", cfg.ProjectsDir)
	assert.Equal(t, "/srv/logs", cfg.LogsDir)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 3*time.Minute, cfg.Limits.InstallTimeout)
	assert.Equal(t, "/usr/bin/python3.12", cfg.Interpreters["python"])
	assert.Equal(t, "production", cfg.DefaultEnv["NODE_ENV"])
	assert.Equal(t, 2<<20, int(cfg.Limits.MaxFileReadBytes), "keys absent from the file keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("PANEL_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, "at least 32"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "out of range"},
		{"empty projects dir", func(c *Config) { c.ProjectsDir = "" }, "PANEL_PROJECTS_DIR"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"unknown interpreter kind", func(c *Config) { c.Interpreters = map[string]string{"ruby": "ruby"} }, "unknown runtime"},
		{"zero interval", func(c *Config) { c.Monitor.Interval = 0 }, "PANEL_MONITOR_INTERVAL"},
		{"lib/pq driver", func(c *Config) { c.DatabaseDriver = "postgres" }, ""},
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }, "DATABASE_DRIVER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestApplyEnvIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("PANEL_PORT", "not-a-number")
	t.Setenv("PANEL_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := Defaults()
	cfg.ApplyEnv()
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}
