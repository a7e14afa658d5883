// Package config defines the top-level configuration for the chain engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYCHAIN_* environment variables.
type Config struct {
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	NATS        NATSConfig        `toml:"nats"`
	Feed        FeedConfig        `toml:"feed"`
	Router      RouterConfig      `toml:"router"`
	Executor    ExecutorConfig    `toml:"executor"`
	Venue       VenueConfig       `toml:"venue"`
	Relay       RelayConfig       `toml:"relay"`
	Credentials CredentialsConfig `toml:"credentials"`
	Fees        FeesConfig        `toml:"fees"`
	Polygon     PolygonConfig     `toml:"polygon"`
	Markets     MarketsConfig     `toml:"markets"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// PostgresConfig holds ledger database connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// ChainCacheTTL bounds how long chain templates are cached.
	ChainCacheTTL duration `toml:"chain_cache_ttl"`
	// VenueRequests per VenueWindow are allowed per wallet.
	VenueRequests int      `toml:"venue_requests"`
	VenueWindow   duration `toml:"venue_window"`
}

// S3Config holds the dead-letter archive bucket.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NATSConfig holds JetStream parameters, used when feed.transport is "nats".
type NATSConfig struct {
	URL     string   `toml:"url"`
	Stream  string   `toml:"stream"`
	MaxAge  duration `toml:"max_age"`
	AckWait duration `toml:"ack_wait"`
}

// FeedConfig describes the change feed layout and this instance's share of it.
type FeedConfig struct {
	// Transport is "redis" or "nats".
	Transport  string `toml:"transport"`
	Prefix     string `toml:"prefix"`
	Partitions int    `toml:"partitions"`
	Group      string `toml:"group"`
	Consumer   string `toml:"consumer"`
	// WorkerIndex of WorkerCount selects the partitions this instance owns.
	WorkerIndex  int      `toml:"worker_index"`
	WorkerCount  int      `toml:"worker_count"`
	BatchSize    int      `toml:"batch_size"`
	Wait         duration `toml:"wait"`
	ErrorBackoff duration `toml:"error_backoff"`
	// RelayBatch and RelayInterval tune the outbox relay.
	RelayBatch    int      `toml:"relay_batch"`
	RelayInterval duration `toml:"relay_interval"`
	// RelayKeep relayed outbox rows survive each prune, run every RelayPrune.
	RelayKeep  int64    `toml:"relay_keep"`
	RelayPrune duration `toml:"relay_prune"`
}

// RouterConfig tunes change-event delivery to consumers.
type RouterConfig struct {
	MaxRetries   int      `toml:"max_retries"`
	RetryBackoff duration `toml:"retry_backoff"`
	Bisect       bool     `toml:"bisect"`
}

// ExecutorConfig tunes leg placement.
type ExecutorConfig struct {
	VenueTimeout     duration `toml:"venue_timeout"`
	MaxAttempts      int      `toml:"max_attempts"`
	RetryBackoff     duration `toml:"retry_backoff"`
	FillPollInterval duration `toml:"fill_poll_interval"`
}

// VenueConfig holds order venue endpoints and signing parameters.
type VenueConfig struct {
	BaseURL   string   `toml:"base_url"`
	ChainID   int64    `toml:"chain_id"`
	Exchange  string   `toml:"exchange"`
	OrderType string   `toml:"order_type"`
	Timeout   duration `toml:"timeout"`
}

// RelayConfig configures the geo relay hop. When URL is set orders are sent
// through the relay instead of directly to the venue. Serve mounts the relay
// endpoint on this instance's server.
type RelayConfig struct {
	URL    string `toml:"url"`
	Secret string `toml:"secret"`
	Serve  bool   `toml:"serve"`
}

// CredentialsConfig holds the passphrase sealing stored wallet secrets.
type CredentialsConfig struct {
	Passphrase string `toml:"passphrase"`
	Iterations int    `toml:"iterations"`
}

// FeesConfig holds platform fee collection settings.
type FeesConfig struct {
	Destination    string   `toml:"destination"`
	Collect        bool     `toml:"collect"`
	Interval       duration `toml:"interval"`
	BatchSize      int      `toml:"batch_size"`
	MaxAttempts    int      `toml:"max_attempts"`
	BaseBackoff    duration `toml:"base_backoff"`
	MaxBackoff     duration `toml:"max_backoff"`
	ConfirmDelay   duration `toml:"confirm_delay"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
}

// PolygonConfig holds the RPC used for fee transfers.
type PolygonConfig struct {
	RPCURL   string `toml:"rpc_url"`
	ChainID  int64  `toml:"chain_id"`
	USDC     string `toml:"usdc"`
	GasLimit uint64 `toml:"gas_limit"`
}

// MarketsConfig controls market metadata sync from the Gamma API.
type MarketsConfig struct {
	Sync      bool     `toml:"sync"`
	GammaHost string   `toml:"gamma_host"`
	Interval  duration `toml:"interval"`
	PageSize  int      `toml:"page_size"`
	MaxPages  int      `toml:"max_pages"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// AdminAPIKey guards the admin live channel.
	AdminAPIKey string `toml:"admin_api_key"`
	// RateLimit requests per RateWindow per client on command endpoints.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Quiet             duration `toml:"quiet"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polychain",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      20,
			MaxRetries:    3,
			ChainCacheTTL: duration{10 * time.Minute},
			VenueRequests: 10,
			VenueWindow:   duration{time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polychain-dlq",
			ForcePathStyle: true,
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Stream:  "POLYCHAIN_CHANGES",
			MaxAge:  duration{7 * 24 * time.Hour},
			AckWait: duration{5 * time.Minute},
		},
		Feed: FeedConfig{
			Transport:     "redis",
			Prefix:        "polychain:changes",
			Partitions:    16,
			Group:         "polychain",
			WorkerCount:   1,
			BatchSize:     10,
			Wait:          duration{2 * time.Second},
			ErrorBackoff:  duration{time.Second},
			RelayBatch:    500,
			RelayInterval: duration{250 * time.Millisecond},
			RelayKeep:     100000,
			RelayPrune:    duration{time.Hour},
		},
		Router: RouterConfig{
			MaxRetries:   3,
			RetryBackoff: duration{200 * time.Millisecond},
			Bisect:       true,
		},
		Executor: ExecutorConfig{
			VenueTimeout:     duration{90 * time.Second},
			MaxAttempts:      3,
			RetryBackoff:     duration{time.Second},
			FillPollInterval: duration{30 * time.Second},
		},
		Venue: VenueConfig{
			BaseURL:   "https://clob.polymarket.com",
			ChainID:   137,
			Exchange:  "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
			OrderType: "GTC",
			Timeout:   duration{90 * time.Second},
		},
		Credentials: CredentialsConfig{
			Iterations: 480_000,
		},
		Fees: FeesConfig{
			Collect:        true,
			Interval:       duration{time.Minute},
			BatchSize:      50,
			MaxAttempts:    8,
			BaseBackoff:    duration{30 * time.Second},
			MaxBackoff:     duration{time.Hour},
			ConfirmDelay:   duration{15 * time.Second},
			ConfirmTimeout: duration{30 * time.Minute},
		},
		Polygon: PolygonConfig{
			RPCURL:   "https://polygon-rpc.com",
			ChainID:  137,
			USDC:     "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
			GasLimit: 100_000,
		},
		Markets: MarketsConfig{
			Sync:      true,
			GammaHost: "https://gamma-api.polymarket.com",
			Interval:  duration{5 * time.Minute},
			PageSize:  500,
			MaxPages:  20,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Quiet: duration{10 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"worker": true,
	"relay":  true,
	"server": true,
	"replay": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: worker, relay, server, replay, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled || mode == "replay" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Feed
	switch c.Feed.Transport {
	case "redis":
	case "nats":
		if c.NATS.URL == "" {
			errs = append(errs, "nats: url must not be empty when feed.transport is nats")
		}
		if c.NATS.Stream == "" {
			errs = append(errs, "nats: stream must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("feed: unknown transport %q (valid: redis, nats)", c.Feed.Transport))
	}
	if c.Feed.Partitions < 1 {
		errs = append(errs, "feed: partitions must be >= 1")
	}
	if c.Feed.WorkerCount < 1 || c.Feed.WorkerCount > c.Feed.Partitions {
		errs = append(errs, "feed: worker_count must be between 1 and partitions")
	}
	if c.Feed.WorkerIndex < 0 || c.Feed.WorkerIndex >= c.Feed.WorkerCount {
		errs = append(errs, "feed: worker_index must be in [0, worker_count)")
	}
	if c.Feed.Group == "" {
		errs = append(errs, "feed: group must not be empty")
	}

	// Router / executor
	if c.Router.MaxRetries < 0 {
		errs = append(errs, "router: max_retries must be >= 0")
	}
	if c.Executor.MaxAttempts < 1 {
		errs = append(errs, "executor: max_attempts must be >= 1")
	}

	// Venue
	if c.Relay.URL == "" || c.Relay.Serve {
		if c.Venue.BaseURL == "" {
			errs = append(errs, "venue: base_url must not be empty")
		}
		if !common.IsHexAddress(c.Venue.Exchange) {
			errs = append(errs, fmt.Sprintf("venue: exchange %q is not an address", c.Venue.Exchange))
		}
		if c.Venue.ChainID <= 0 {
			errs = append(errs, "venue: chain_id must be positive")
		}
	}
	if (c.Relay.URL != "" || c.Relay.Serve) && c.Relay.Secret == "" {
		errs = append(errs, "relay: secret is required when url or serve is set")
	}

	// Credentials
	if c.Credentials.Passphrase == "" && mode != "relay" && mode != "server" {
		errs = append(errs, "credentials: passphrase must be set")
	}

	// Fees
	if c.Fees.Destination != "" && !common.IsHexAddress(c.Fees.Destination) {
		errs = append(errs, fmt.Sprintf("fees: destination %q is not an address", c.Fees.Destination))
	}
	if c.Fees.Collect && c.Fees.Destination != "" {
		if c.Polygon.RPCURL == "" {
			errs = append(errs, "polygon: rpc_url is required to collect fees")
		}
		if !common.IsHexAddress(c.Polygon.USDC) {
			errs = append(errs, fmt.Sprintf("polygon: usdc %q is not an address", c.Polygon.USDC))
		}
	}

	// Markets
	if c.Markets.Sync && c.Markets.GammaHost == "" {
		errs = append(errs, "markets: gamma_host must not be empty when sync is enabled")
	}

	// Server
	if c.Server.Enabled || mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
