package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYCHAIN_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYCHAIN_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POLYCHAIN_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYCHAIN_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYCHAIN_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYCHAIN_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYCHAIN_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYCHAIN_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYCHAIN_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYCHAIN_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYCHAIN_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYCHAIN_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYCHAIN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYCHAIN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYCHAIN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYCHAIN_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYCHAIN_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYCHAIN_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.ChainCacheTTL, "POLYCHAIN_REDIS_CHAIN_CACHE_TTL")
	setInt(&cfg.Redis.VenueRequests, "POLYCHAIN_REDIS_VENUE_REQUESTS")
	setDuration(&cfg.Redis.VenueWindow, "POLYCHAIN_REDIS_VENUE_WINDOW")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYCHAIN_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYCHAIN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYCHAIN_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYCHAIN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYCHAIN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYCHAIN_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYCHAIN_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYCHAIN_S3_FORCE_PATH_STYLE")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "POLYCHAIN_NATS_URL")
	setStr(&cfg.NATS.Stream, "POLYCHAIN_NATS_STREAM")
	setDuration(&cfg.NATS.MaxAge, "POLYCHAIN_NATS_MAX_AGE")
	setDuration(&cfg.NATS.AckWait, "POLYCHAIN_NATS_ACK_WAIT")

	// ── Feed ──
	setStr(&cfg.Feed.Transport, "POLYCHAIN_FEED_TRANSPORT")
	setStr(&cfg.Feed.Prefix, "POLYCHAIN_FEED_PREFIX")
	setInt(&cfg.Feed.Partitions, "POLYCHAIN_FEED_PARTITIONS")
	setStr(&cfg.Feed.Group, "POLYCHAIN_FEED_GROUP")
	setStr(&cfg.Feed.Consumer, "POLYCHAIN_FEED_CONSUMER")
	setInt(&cfg.Feed.WorkerIndex, "POLYCHAIN_FEED_WORKER_INDEX")
	setInt(&cfg.Feed.WorkerCount, "POLYCHAIN_FEED_WORKER_COUNT")
	setInt(&cfg.Feed.BatchSize, "POLYCHAIN_FEED_BATCH_SIZE")
	setDuration(&cfg.Feed.Wait, "POLYCHAIN_FEED_WAIT")
	setInt(&cfg.Feed.RelayBatch, "POLYCHAIN_FEED_RELAY_BATCH")
	setDuration(&cfg.Feed.RelayInterval, "POLYCHAIN_FEED_RELAY_INTERVAL")
	setDuration(&cfg.Feed.RelayPrune, "POLYCHAIN_FEED_RELAY_PRUNE")

	// ── Router ──
	setInt(&cfg.Router.MaxRetries, "POLYCHAIN_ROUTER_MAX_RETRIES")
	setDuration(&cfg.Router.RetryBackoff, "POLYCHAIN_ROUTER_RETRY_BACKOFF")
	setBool(&cfg.Router.Bisect, "POLYCHAIN_ROUTER_BISECT")

	// ── Executor ──
	setDuration(&cfg.Executor.VenueTimeout, "POLYCHAIN_EXECUTOR_VENUE_TIMEOUT")
	setInt(&cfg.Executor.MaxAttempts, "POLYCHAIN_EXECUTOR_MAX_ATTEMPTS")
	setDuration(&cfg.Executor.RetryBackoff, "POLYCHAIN_EXECUTOR_RETRY_BACKOFF")
	setDuration(&cfg.Executor.FillPollInterval, "POLYCHAIN_EXECUTOR_FILL_POLL_INTERVAL")

	// ── Venue / relay ──
	setStr(&cfg.Venue.BaseURL, "POLYCHAIN_VENUE_BASE_URL")
	setInt64(&cfg.Venue.ChainID, "POLYCHAIN_VENUE_CHAIN_ID")
	setStr(&cfg.Venue.Exchange, "POLYCHAIN_VENUE_EXCHANGE")
	setStr(&cfg.Venue.OrderType, "POLYCHAIN_VENUE_ORDER_TYPE")
	setDuration(&cfg.Venue.Timeout, "POLYCHAIN_VENUE_TIMEOUT")
	setStr(&cfg.Relay.URL, "POLYCHAIN_RELAY_URL")
	setStr(&cfg.Relay.Secret, "POLYCHAIN_RELAY_SECRET")
	setBool(&cfg.Relay.Serve, "POLYCHAIN_RELAY_SERVE")

	// ── Credentials ──
	setStr(&cfg.Credentials.Passphrase, "POLYCHAIN_CREDENTIALS_PASSPHRASE")
	setInt(&cfg.Credentials.Iterations, "POLYCHAIN_CREDENTIALS_ITERATIONS")

	// ── Fees / polygon ──
	setStr(&cfg.Fees.Destination, "POLYCHAIN_FEES_DESTINATION")
	setBool(&cfg.Fees.Collect, "POLYCHAIN_FEES_COLLECT")
	setDuration(&cfg.Fees.Interval, "POLYCHAIN_FEES_INTERVAL")
	setInt(&cfg.Fees.MaxAttempts, "POLYCHAIN_FEES_MAX_ATTEMPTS")
	setStr(&cfg.Polygon.RPCURL, "POLYCHAIN_POLYGON_RPC_URL")
	setInt64(&cfg.Polygon.ChainID, "POLYCHAIN_POLYGON_CHAIN_ID")
	setStr(&cfg.Polygon.USDC, "POLYCHAIN_POLYGON_USDC")

	// ── Markets ──
	setBool(&cfg.Markets.Sync, "POLYCHAIN_MARKETS_SYNC")
	setStr(&cfg.Markets.GammaHost, "POLYCHAIN_MARKETS_GAMMA_HOST")
	setDuration(&cfg.Markets.Interval, "POLYCHAIN_MARKETS_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYCHAIN_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYCHAIN_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYCHAIN_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKey, "POLYCHAIN_SERVER_ADMIN_API_KEY")
	setInt(&cfg.Server.RateLimit, "POLYCHAIN_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POLYCHAIN_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYCHAIN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYCHAIN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYCHAIN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYCHAIN_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Quiet, "POLYCHAIN_NOTIFY_QUIET")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYCHAIN_MODE")
	setStr(&cfg.LogLevel, "POLYCHAIN_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
