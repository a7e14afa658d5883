// Package pipeline mirrors venue market metadata and resolutions into the
// ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/metrics"
	"github.com/alanyoungcy/polychain/internal/platform/polymarket"
)

// MarketFetcher pages through venue markets.
type MarketFetcher interface {
	ListMarkets(ctx context.Context, closed bool, limit, offset int) ([]polymarket.MarketUpdate, error)
}

// MarketRecorder writes markets and resolutions to the ledger.
type MarketRecorder interface {
	SyncMarkets(ctx context.Context, markets []domain.Market) error
	Resolve(ctx context.Context, conditionID string, outcome domain.Side) (domain.Market, error)
}

// MarketSync upserts open markets and records final resolutions. Resolving
// a market is what starts settlement downstream.
type MarketSync struct {
	fetcher  MarketFetcher
	recorder MarketRecorder
	pageSize int
	maxPages int
	logger   *slog.Logger
}

// NewMarketSync creates a MarketSync. maxPages bounds each pass; zero means
// unbounded.
func NewMarketSync(fetcher MarketFetcher, recorder MarketRecorder, pageSize, maxPages int, logger *slog.Logger) *MarketSync {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &MarketSync{
		fetcher:  fetcher,
		recorder: recorder,
		pageSize: pageSize,
		maxPages: maxPages,
		logger:   logger.With(slog.String("component", "market_sync")),
	}
}

// Run executes one open pass and one closed pass.
func (s *MarketSync) Run(ctx context.Context) error {
	synced, err := s.pass(ctx, false)
	if err != nil {
		return err
	}
	resolved, err := s.pass(ctx, true)
	if err != nil {
		return err
	}
	s.logger.Info("market sync complete", slog.Int("synced", synced), slog.Int("resolved", resolved))
	return nil
}

func (s *MarketSync) pass(ctx context.Context, closed bool) (int, error) {
	count := 0
	for page := 0; s.maxPages == 0 || page < s.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		updates, err := s.fetcher.ListMarkets(ctx, closed, s.pageSize, page*s.pageSize)
		if err != nil {
			return count, fmt.Errorf("fetching markets at offset %d: %w", page*s.pageSize, err)
		}
		if len(updates) == 0 {
			break
		}

		var plain []domain.Market
		for _, u := range updates {
			if u.Outcome == "" {
				plain = append(plain, u.Market)
				continue
			}
			if err := s.resolve(ctx, u); err != nil {
				return count, err
			}
			count++
		}
		if err := s.recorder.SyncMarkets(ctx, plain); err != nil {
			return count, fmt.Errorf("syncing %d markets: %w", len(plain), err)
		}
		if !closed {
			count += len(plain)
		}
		if len(updates) < s.pageSize {
			break
		}
	}
	return count, nil
}

// resolve records u's outcome, first creating the market when the ledger
// has never seen it.
func (s *MarketSync) resolve(ctx context.Context, u polymarket.MarketUpdate) error {
	_, err := s.recorder.Resolve(ctx, u.Market.ConditionID, u.Outcome)
	if errors.Is(err, domain.ErrNotFound) {
		if err := s.recorder.SyncMarkets(ctx, []domain.Market{u.Market}); err != nil {
			return fmt.Errorf("creating resolved market %s: %w", u.Market.ConditionID, err)
		}
		_, err = s.recorder.Resolve(ctx, u.Market.ConditionID, u.Outcome)
	}
	if err != nil {
		return fmt.Errorf("resolving %s: %w", u.Market.ConditionID, err)
	}
	return nil
}

// RunLoop runs the sync immediately and then every interval until ctx is
// cancelled.
func (s *MarketSync) RunLoop(ctx context.Context, interval time.Duration) error {
	s.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("market sync loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *MarketSync) runOnce(ctx context.Context) {
	status := "success"
	if err := s.Run(ctx); err != nil {
		status = "error"
		if ctx.Err() == nil {
			s.logger.Error("market sync failed", slog.String("error", err.Error()))
		}
	}
	metrics.MarketSyncRuns.WithLabelValues(status).Inc()
}
