package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// MarketService mirrors external market state into the ledger and records
// resolutions.
type MarketService struct {
	markets domain.MarketStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(markets domain.MarketStore, logger *slog.Logger) *MarketService {
	return &MarketService{
		markets: markets,
		logger:  logger.With(slog.String("component", "market_service")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SyncMarkets upserts a batch of markets. Resolved markets must go through
// Resolve so that the outcome is written exactly once; markets the ledger
// already holds as resolved are skipped.
func (s *MarketService) SyncMarkets(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}
	for _, m := range markets {
		if m.Status == domain.MarketStatusResolved {
			return fmt.Errorf("market_service: sync %s: resolved markets must use Resolve", m.ConditionID)
		}
	}

	synced := 0
	for _, m := range markets {
		err := s.markets.UpsertMarket(ctx, m)
		switch {
		case err == nil:
			synced++
		case errors.Is(err, domain.ErrPreconditionFailed):
			s.logger.DebugContext(ctx, "skipping resolved market", slog.String("condition_id", m.ConditionID))
		default:
			return fmt.Errorf("market_service: upsert %s: %w", m.ConditionID, err)
		}
	}

	s.logger.InfoContext(ctx, "synced markets", slog.Int("count", synced))
	return nil
}

// Resolve records a market's outcome. Repeating a resolution with the same
// outcome is a no-op; a conflicting outcome is an error and leaves the
// stored one untouched.
func (s *MarketService) Resolve(ctx context.Context, conditionID string, outcome domain.Side) (domain.Market, error) {
	if !outcome.Valid() {
		return domain.Market{}, fmt.Errorf("market_service: resolve %s: invalid outcome %q", conditionID, outcome)
	}

	m, err := s.markets.ResolveMarket(ctx, conditionID, outcome, s.now())
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPreconditionFailed):
		if m.Outcome == outcome {
			return m, nil
		}
		return domain.Market{}, fmt.Errorf("market_service: resolve %s: already resolved %s, got %s",
			conditionID, m.Outcome, outcome)
	default:
		return domain.Market{}, fmt.Errorf("market_service: resolve %s: %w", conditionID, err)
	}

	s.logger.InfoContext(ctx, "market resolved",
		slog.String("condition_id", conditionID),
		slog.String("outcome", string(outcome)),
	)
	return m, nil
}
