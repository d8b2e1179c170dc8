package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults without any file", func(t *testing.T) {
		cfg, err := Load(afero.NewMemMapFs(), DefaultPath, DefaultDotEnv, noEnv)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())

		assert.Equal(t, DefaultBrokerURL, cfg.Broker.URL)
		assert.Equal(t, 1000, cfg.Harness.Count)
		assert.Equal(t, 40*time.Second, cfg.Harness.Window.Std())
		assert.Equal(t, "exchange_three", cfg.Fanout.Exchange)
		assert.Equal(t, []string{"tutorial-three-q1", "tutorial-three-q2"}, cfg.Fanout.Queues)
	})

	t.Run("explicit missing file is an error", func(t *testing.T) {
		_, err := Load(afero.NewMemMapFs(), "custom.toml", "", noEnv)
		assert.Error(t, err)
	})

	t.Run("TOML overrides defaults", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "harness.toml", []byte(`
[broker]
url = "amqp://app:pw@rabbit:5672/prod"
dial_timeout = "5s"

[harness]
count = 250
window = "2m"

[fanout]
exchange = "logs"
queues = ["a", "b", "c"]
`), 0o644))

		cfg, err := Load(fs, "harness.toml", "", noEnv)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())

		assert.Equal(t, "amqp://app:pw@rabbit:5672/prod", cfg.Broker.URL)
		assert.Equal(t, 5*time.Second, cfg.Broker.DialTimeout.Std())
		assert.Equal(t, 10*time.Second, cfg.Broker.Heartbeat.Std())
		assert.Equal(t, 250, cfg.Harness.Count)
		assert.Equal(t, 2*time.Minute, cfg.Harness.Window.Std())
		assert.Equal(t, []string{"a", "b", "c"}, cfg.Fanout.Queues)
	})

	t.Run("malformed TOML", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "harness.toml", []byte(`[harness]
window = "forever"`), 0o644))

		_, err := Load(fs, "harness.toml", "", noEnv)
		assert.Error(t, err)
	})

	t.Run("environment beats .env beats file", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "harness.toml", []byte(`[log]
level = "error"
format = "json"`), 0o644))
		require.NoError(t, afero.WriteFile(fs, ".env", []byte(
			"AMQP_ADDR=amqp://dotenv:pw@localhost:5672/\nHARNESS_LOG_LEVEL=warn\n"), 0o644))

		cfg, err := Load(fs, "harness.toml", ".env", envOf(map[string]string{
			EnvBrokerURL: "amqp://env:pw@localhost:5672/",
		}))
		require.NoError(t, err)

		assert.Equal(t, "amqp://env:pw@localhost:5672/", cfg.Broker.URL)
		assert.Equal(t, "warn", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("empty broker url in the environment is ignored", func(t *testing.T) {
		cfg, err := Load(afero.NewMemMapFs(), "", "", envOf(map[string]string{EnvBrokerURL: ""}))
		require.NoError(t, err)
		assert.Equal(t, DefaultBrokerURL, cfg.Broker.URL)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad url", func(c *Config) { c.Broker.URL = "http://localhost" }},
		{"negative heartbeat", func(c *Config) { c.Broker.Heartbeat = Duration(-time.Second) }},
		{"unknown level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }},
		{"metrics path", func(c *Config) { c.Metrics.Addr = ":9090"; c.Metrics.Path = "metrics" }},
		{"negative count", func(c *Config) { c.Harness.Count = -1 }},
		{"negative window", func(c *Config) { c.Harness.Window = Duration(-time.Second) }},
		{"no exchange", func(c *Config) { c.Fanout.Exchange = "" }},
		{"no queues", func(c *Config) { c.Fanout.Queues = nil }},
		{"empty queue", func(c *Config) { c.Fanout.Queues = []string{"a", ""} }},
		{"duplicate queue", func(c *Config) { c.Fanout.Queues = []string{"a", "a"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestWriteSample(t *testing.T) {
	fs := afero.NewMemMapFs()

	require.NoError(t, WriteSample(fs, "harness.toml", false))
	assert.Error(t, WriteSample(fs, "harness.toml", false))
	require.NoError(t, WriteSample(fs, "harness.toml", true))

	cfg, err := Load(fs, "harness.toml", "", noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestAMQPConfig(t *testing.T) {
	cfg := Default()
	amqpCfg := cfg.AMQPConfig()
	assert.Equal(t, 10*time.Second, amqpCfg.Heartbeat)
	assert.Equal(t, "rabbit-patterns", amqpCfg.Properties["connection_name"])
}
