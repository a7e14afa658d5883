package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/executor"
	"github.com/alanyoungcy/polychain/internal/fanout"
	"github.com/alanyoungcy/polychain/internal/feed"
	"github.com/alanyoungcy/polychain/internal/feed/natsfeed"
	"github.com/alanyoungcy/polychain/internal/feed/redisfeed"
	"github.com/alanyoungcy/polychain/internal/payout"
	"github.com/alanyoungcy/polychain/internal/pipeline"
	"github.com/alanyoungcy/polychain/internal/platform/polygon"
	"github.com/alanyoungcy/polychain/internal/platform/polymarket"
	"github.com/alanyoungcy/polychain/internal/router"
	"github.com/alanyoungcy/polychain/internal/server"
	"github.com/alanyoungcy/polychain/internal/server/handler"
	"github.com/alanyoungcy/polychain/internal/server/ws"
	"github.com/alanyoungcy/polychain/internal/settlement"
	"github.com/alanyoungcy/polychain/internal/terminator"
)

// Route names. They also name the dead-letter folders.
const (
	RouteSettlement = "settlement"
	RouteExecutor   = "executor"
	RouteTerminator = "terminator"
	RouteFanout     = "fanout"
)

// liveBusPrefix is the SignalBus channel prefix fan-out publishes under and
// server hubs subscribe to.
const liveBusPrefix = "polychain:live:"

// WorkerMode consumes the change feed on the partitions this instance owns
// and runs the background loops that go with it.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startWorker(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// RelayMode drains the ledger outbox onto the feed.
func (a *App) RelayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting relay mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startRelay(ctx, g, deps)
	return g.Wait()
}

// ServerMode serves the command API, live channels, health and metrics.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, routeNames())
	return g.Wait()
}

// FullMode runs the relay, worker and server in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startRelay(ctx, g, deps)
	if err := a.startWorker(ctx, g, deps); err != nil {
		return err
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, routeNames())
	}
	return g.Wait()
}

// ReplayMode hands every archived dead letter back to its route's consumer.
// Letters that are delivered are removed from the archive; the rest stay for
// the next run. It returns once the archive has been walked.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replay mode")
	if deps.DeadLetters == nil {
		return errors.New("app: replay needs the dead-letter archive")
	}
	rt, err := a.buildRouter(deps)
	if err != nil {
		return err
	}

	var replayed, failed int
	var errs []error
	for _, route := range rt.Routes() {
		letters, err := deps.DeadLetters.List(ctx, route)
		if err != nil {
			return fmt.Errorf("app: list dead letters for %s: %w", route, err)
		}
		for _, sl := range letters {
			if err := rt.Redeliver(ctx, route, sl.Letter.Event); err != nil {
				failed++
				errs = append(errs, err)
				a.logger.WarnContext(ctx, "replay failed",
					slog.String("route", route),
					slog.String("path", sl.Path),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := deps.DeadLetters.Remove(ctx, sl.Path); err != nil {
				errs = append(errs, err)
				continue
			}
			replayed++
		}
	}
	a.logger.InfoContext(ctx, "replay finished",
		slog.Int("replayed", replayed),
		slog.Int("failed", failed),
	)
	return errors.Join(errs...)
}

func routeNames() []string {
	return []string{RouteSettlement, RouteExecutor, RouteTerminator, RouteFanout}
}

// buildVenue returns the order venue: a relay client when a relay is
// configured, the direct CLOB client otherwise.
func (a *App) buildVenue(deps *Dependencies) domain.OrderVenue {
	if a.cfg.Relay.URL != "" {
		return polymarket.NewRelayClient(a.cfg.Relay.URL, a.cfg.Relay.Secret, a.cfg.Venue.Timeout.Duration)
	}
	return a.directVenue(deps)
}

func (a *App) directVenue(deps *Dependencies) *polymarket.Venue {
	return polymarket.NewVenue(polymarket.VenueConfig{
		BaseURL:   a.cfg.Venue.BaseURL,
		ChainID:   a.cfg.Venue.ChainID,
		Exchange:  a.cfg.Venue.Exchange,
		OrderType: a.cfg.Venue.OrderType,
		Timeout:   a.cfg.Venue.Timeout.Duration,
	}, deps.Ledger, deps.RateLimiter, a.logger)
}

// buildRouter assembles the four consumer routes.
func (a *App) buildRouter(deps *Dependencies) (*router.Router, error) {
	if deps.Credentials == nil {
		return nil, errors.New("app: consumers need a credentials passphrase")
	}
	venue := a.buildVenue(deps)

	coordinator := settlement.NewCoordinator(deps.Ledger, deps.Chains, deps.Ledger, deps.Notifier,
		settlement.Config{FeeDestination: a.cfg.Fees.Destination}, a.logger)
	exec := executor.New(deps.Ledger, deps.Credentials, venue, deps.Notifier, executor.Config{
		VenueTimeout: a.cfg.Executor.VenueTimeout.Duration,
		MaxAttempts:  a.cfg.Executor.MaxAttempts,
		RetryBackoff: a.cfg.Executor.RetryBackoff.Duration,
	}, a.logger)
	term := terminator.New(deps.Ledger, deps.Credentials, venue, deps.Notifier,
		a.cfg.Executor.VenueTimeout.Duration, a.logger)
	pub := fanout.NewPublisher(fanout.NewBusBroadcaster(deps.SignalBus, liveBusPrefix), deps.Chains, a.logger)

	routes := []router.Route{
		{Name: RouteSettlement, Predicates: []router.Predicate{router.MarketResolved()}, Consumer: coordinator},
		{Name: RouteExecutor, Predicates: []router.Predicate{
			router.BetReady(domain.EventInsert),
			router.BetReady(domain.EventModify),
		}, Consumer: exec},
		{Name: RouteTerminator, Predicates: []router.Predicate{router.UserChainTerminated()}, Consumer: term},
		{Name: RouteFanout, Predicates: router.AnyOf(
			domain.EntityMarket, domain.EntityChain, domain.EntityUserChain, domain.EntityBet,
		), Consumer: pub},
	}

	var dlq domain.DeadLetterSink
	if deps.DeadLetters != nil {
		dlq = deps.DeadLetters
	}
	return router.New(routes, router.Options{
		MaxRetries:   a.cfg.Router.MaxRetries,
		RetryBackoff: a.cfg.Router.RetryBackoff.Duration,
		Bisect:       a.cfg.Router.Bisect,
	}, dlq, a.logger)
}

// startWorker launches the feed worker plus the fill tracker, fee collector
// and market sync loops.
func (a *App) startWorker(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	rt, err := a.buildRouter(deps)
	if err != nil {
		return err
	}
	owned, err := feed.Owned(a.cfg.Feed.Partitions, a.cfg.Feed.WorkerIndex, a.cfg.Feed.WorkerCount)
	if err != nil {
		return fmt.Errorf("app: partition ownership: %w", err)
	}
	sources, err := a.buildSources(ctx, deps, owned)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "consuming change feed",
		slog.Any("partitions", owned),
		slog.Any("routes", rt.Routes()),
	)

	worker := feed.NewWorker(sources, rt, feed.WorkerConfig{
		BatchSize:    a.cfg.Feed.BatchSize,
		Wait:         a.cfg.Feed.Wait.Duration,
		ErrorBackoff: a.cfg.Feed.ErrorBackoff.Duration,
	}, a.logger)
	g.Go(func() error {
		return worker.Run(ctx)
	})

	tracker := executor.NewFillTracker(deps.Ledger, deps.Credentials, a.buildVenue(deps), deps.Notifier,
		a.cfg.Executor.FillPollInterval.Duration, a.logger)
	g.Go(func() error {
		return tracker.Run(ctx)
	})

	if a.cfg.Fees.Collect {
		transfer, err := polygon.Dial(ctx, polygon.Config{
			RPCURL:   a.cfg.Polygon.RPCURL,
			ChainID:  a.cfg.Polygon.ChainID,
			Token:    a.cfg.Polygon.USDC,
			GasLimit: a.cfg.Polygon.GasLimit,
		})
		if err != nil {
			return fmt.Errorf("app: polygon: %w", err)
		}
		a.closers = append(a.closers, transfer.Close)
		collector := payout.NewCollector(deps.Ledger, deps.Credentials, transfer, deps.LockManager, deps.Notifier,
			payout.Config{
				Interval:       a.cfg.Fees.Interval.Duration,
				BatchSize:      a.cfg.Fees.BatchSize,
				MaxAttempts:    a.cfg.Fees.MaxAttempts,
				BaseBackoff:    a.cfg.Fees.BaseBackoff.Duration,
				MaxBackoff:     a.cfg.Fees.MaxBackoff.Duration,
				ConfirmDelay:   a.cfg.Fees.ConfirmDelay.Duration,
				ConfirmTimeout: a.cfg.Fees.ConfirmTimeout.Duration,
			}, a.logger)
		g.Go(func() error {
			return collector.Run(ctx)
		})
	}

	// Market sync runs on the first worker only.
	if a.cfg.Markets.Sync && a.cfg.Feed.WorkerIndex == 0 {
		gamma := polymarket.NewGammaClient(a.cfg.Markets.GammaHost, a.cfg.Venue.Timeout.Duration)
		sync := pipeline.NewMarketSync(gamma, deps.Markets, a.cfg.Markets.PageSize, a.cfg.Markets.MaxPages, a.logger)
		g.Go(func() error {
			return sync.RunLoop(ctx, a.cfg.Markets.Interval.Duration)
		})
	}
	return nil
}

func (a *App) buildSources(ctx context.Context, deps *Dependencies, owned []int) ([]feed.Source, error) {
	consumer := a.cfg.Feed.Consumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d", host, a.cfg.Feed.WorkerIndex)
	}
	if a.cfg.Feed.Transport == "nats" {
		sources := make([]feed.Source, 0, len(owned))
		for _, p := range owned {
			src, err := natsfeed.NewSource(ctx, deps.JetStream, natsConfig(a.cfg), a.cfg.Feed.Group, p, a.cfg.Feed.BatchSize, a.logger)
			if err != nil {
				return nil, fmt.Errorf("app: nats source %d: %w", p, err)
			}
			sources = append(sources, src)
		}
		return sources, nil
	}
	sources, err := redisfeed.Sources(ctx, deps.Redis.Underlying(), a.cfg.Feed.Prefix, owned, a.cfg.Feed.Group, consumer, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: redis sources: %w", err)
	}
	return sources, nil
}

// startRelay launches the outbox relay.
func (a *App) startRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var pub feed.Publisher
	if a.cfg.Feed.Transport == "nats" {
		pub = natsfeed.NewPublisher(deps.JetStream, natsConfig(a.cfg))
	} else {
		pub = redisfeed.NewPublisher(deps.Redis.Underlying(), a.cfg.Feed.Prefix, a.cfg.Feed.Partitions)
	}
	relay := feed.NewRelay(deps.Ledger, pub, feed.RelayConfig{
		BatchSize:    a.cfg.Feed.RelayBatch,
		PollInterval: a.cfg.Feed.RelayInterval.Duration,
		Keep:         a.cfg.Feed.RelayKeep,
		PruneEvery:   a.cfg.Feed.RelayPrune.Duration,
	}, a.logger)
	g.Go(func() error {
		return relay.Run(ctx)
	})
}

// startHTTPServer launches the hub and the HTTP server, and shuts the server
// down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, routes []string) {
	hub := ws.NewHub(ws.Config{
		Bus:       deps.SignalBus,
		BusPrefix: liveBusPrefix,
		Snapshots: deps.Ledger,
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	checks := map[string]handler.Check{
		"postgres": func(ctx context.Context) error { return deps.Postgres.Pool().Ping(ctx) },
		"redis":    deps.Redis.Ping,
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3.Health
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(checks, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, routes),
		Chains:  handler.NewChainHandler(deps.Chains, a.logger),
		Markets: handler.NewMarketHandler(deps.Markets, a.logger),
		Metrics: promhttp.Handler(),
	}
	if a.cfg.Relay.Serve {
		handlers.Relay = polymarket.NewRelayHandler(a.directVenue(deps), a.cfg.Relay.Secret, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.AdminAPIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}
