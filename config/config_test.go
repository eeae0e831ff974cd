package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weirlabs/weir/errs"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, EnvProd, cfg.Environment)
	require.Positive(t, cfg.Bus.QueueCapacity)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, Default().Bus.QueueCapacity, cfg.Bus.QueueCapacity)
}

func TestLoadOrDefaultMergesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	body := `
environment: dev
bus:
  queueCapacity: 128
stream:
  enabled: true
  addr: ":9001"
  sendBuffer: 16
  ratePerSecond: 10
  rateBurst: 20
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, loaded, err := LoadOrDefault(path)
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, 128, cfg.Bus.QueueCapacity)
	require.True(t, cfg.Stream.Enabled)
	require.Equal(t, ":9001", cfg.Stream.Addr)
	// Untouched sections keep their defaults.
	require.Equal(t, Default().Engine.Workers, cfg.Engine.Workers)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEIR_ENV", "staging")
	t.Setenv("WEIR_BUS_QUEUE_CAPACITY", "42")
	t.Setenv("WEIR_HISTORY_DSN", "postgres://localhost/weir")

	cfg, _, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, 42, cfg.Bus.QueueCapacity)
	require.True(t, cfg.History.Enabled)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"environment":  func(c *AppConfig) { c.Environment = "lunar" },
		"bus capacity": func(c *AppConfig) { c.Bus.QueueCapacity = 0 },
		"history dsn":  func(c *AppConfig) { c.History.Enabled = true; c.History.DSN = " " },
		"hooks dir":    func(c *AppConfig) { c.Hooks.Enabled = true; c.Hooks.Dir = "" },
		"stream addr":  func(c *AppConfig) { c.Stream.Enabled = true; c.Stream.Addr = "" },
		"engine":       func(c *AppConfig) { c.Engine.Workers = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errs.HasCode(err, errs.CodeInvalid))
		})
	}
}
