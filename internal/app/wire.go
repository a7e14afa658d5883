package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	s3blob "github.com/alanyoungcy/polychain/internal/blob/s3"
	"github.com/alanyoungcy/polychain/internal/cache/redis"
	"github.com/alanyoungcy/polychain/internal/config"
	"github.com/alanyoungcy/polychain/internal/credentials"
	"github.com/alanyoungcy/polychain/internal/crypto"
	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/feed/natsfeed"
	"github.com/alanyoungcy/polychain/internal/notify"
	"github.com/alanyoungcy/polychain/internal/service"
	"github.com/alanyoungcy/polychain/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Ledger
	Postgres *postgres.Client
	Ledger   *postgres.Ledger
	Audit    domain.AuditStore

	// Redis
	Redis       *redis.Client
	ChainCache  domain.ChainCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// JetStream is set when the feed runs over NATS.
	JetStream jetstream.JetStream

	// S3 and DeadLetters are set when the dead-letter archive is enabled.
	S3          *s3blob.Client
	DeadLetters *s3blob.DeadLetterArchive

	// Credentials is nil when no passphrase is configured.
	Credentials *credentials.Vault

	Chains   *service.ChainService
	Markets  *service.MarketService
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that require the dead-letter archive.
func needsS3(cfg *config.Config) bool {
	return cfg.S3.Enabled || cfg.Mode == "replay"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}
	deps.Postgres = pgClient
	deps.Ledger = pgClient.Ledger()
	deps.Audit = postgres.NewAuditStore(pgClient.Pool())

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Redis = redisClient
	deps.ChainCache = redis.NewChainCache(redisClient, cfg.Redis.ChainCacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Redis.VenueRequests, cfg.Redis.VenueWindow.Duration)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- NATS JetStream ---
	if cfg.Feed.Transport == "nats" {
		nc, js, err := natsfeed.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return fail("nats", err)
		}
		closers = append(closers, func() { _ = nc.Drain() })
		if err := natsfeed.EnsureStream(ctx, js, natsConfig(cfg)); err != nil {
			return fail("nats stream", err)
		}
		deps.JetStream = js
	}

	// --- S3 dead-letter archive ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.S3 = s3Client
		deps.DeadLetters = s3blob.NewDeadLetterArchive(s3blob.NewStore(s3Client), deps.Audit, logger)
	}

	// --- Credentials ---
	if cfg.Credentials.Passphrase != "" {
		sealer, err := crypto.NewSealer(cfg.Credentials.Passphrase, cfg.Credentials.Iterations)
		if err != nil {
			return fail("credentials sealer", err)
		}
		deps.Credentials = credentials.NewVault(deps.Ledger, sealer)
	}

	// --- Services ---
	deps.Chains = service.NewChainService(deps.Ledger, deps.ChainCache, logger)
	deps.Markets = service.NewMarketService(deps.Ledger, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) == 0 {
		senders = append(senders, notify.NewLogSender(logger))
	}
	deps.Notifier = notify.NewNotifier(senders, notify.Options{
		Events: cfg.Notify.Events,
		Quiet:  cfg.Notify.Quiet.Duration,
		Audit:  deps.Audit,
	}, logger)

	return deps, cleanup, nil
}

func natsConfig(cfg *config.Config) natsfeed.Config {
	return natsfeed.Config{
		URL:        cfg.NATS.URL,
		Stream:     cfg.NATS.Stream,
		Prefix:     cfg.Feed.Prefix,
		Partitions: cfg.Feed.Partitions,
		MaxAge:     cfg.NATS.MaxAge.Duration,
		AckWait:    cfg.NATS.AckWait.Duration,
	}
}
