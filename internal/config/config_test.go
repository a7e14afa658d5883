package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Credentials.Passphrase = "hunter2"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	bare := Defaults()
	assert.ErrorContains(t, bare.Validate(), "credentials: passphrase")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "trade" }, "unknown mode"},
		{"unknown transport", func(c *Config) { c.Feed.Transport = "kafka" }, "unknown transport"},
		{"nats without url", func(c *Config) { c.Feed.Transport = "nats"; c.NATS.URL = "" }, "nats: url"},
		{"worker index out of range", func(c *Config) { c.Feed.WorkerCount = 2; c.Feed.WorkerIndex = 2 }, "worker_index"},
		{"more workers than partitions", func(c *Config) { c.Feed.Partitions = 1; c.Feed.WorkerCount = 2 }, "worker_count"},
		{"relay without secret", func(c *Config) { c.Relay.URL = "https://relay" }, "relay: secret"},
		{"bad fee destination", func(c *Config) { c.Fees.Destination = "nope" }, "fees: destination"},
		{"bad exchange", func(c *Config) { c.Venue.Exchange = "0x12" }, "venue: exchange"},
		{"replay needs bucket", func(c *Config) { c.Mode = "replay"; c.S3.Bucket = "" }, "s3: bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestRelayClientSkipsVenueChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Relay.URL = "https://relay.example"
	cfg.Relay.Secret = "s"
	cfg.Venue.Exchange = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polychain.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "worker"

[feed]
transport = "nats"
partitions = 8

[fees]
confirm_delay = "45s"
`), 0o600))

	t.Setenv("POLYCHAIN_FEED_WORKER_COUNT", "4")
	t.Setenv("POLYCHAIN_FEED_WORKER_INDEX", "3")
	t.Setenv("POLYCHAIN_CREDENTIALS_PASSPHRASE", "from-env")
	t.Setenv("POLYCHAIN_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "worker", cfg.Mode)
	assert.Equal(t, "nats", cfg.Feed.Transport)
	assert.Equal(t, 8, cfg.Feed.Partitions)
	assert.Equal(t, 4, cfg.Feed.WorkerCount)
	assert.Equal(t, 3, cfg.Feed.WorkerIndex)
	assert.Equal(t, 45*time.Second, cfg.Fees.ConfirmDelay.Duration)
	assert.Equal(t, time.Minute, cfg.Fees.Interval.Duration)
	assert.Equal(t, "from-env", cfg.Credentials.Passphrase)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg"
	cfg.Relay.Secret = "relay"
	cfg.Notify.Events = []string{"leg_failed"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Relay.Secret)
	assert.Equal(t, "***", out.Credentials.Passphrase)
	assert.Empty(t, out.S3.SecretKey)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "leg_failed", cfg.Notify.Events[0])
	assert.Equal(t, "hunter2", cfg.Credentials.Passphrase)
}
