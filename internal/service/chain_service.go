package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/shopspring/decimal"
)

// ChainStore is the slice of the ledger the chain service writes through.
type ChainStore interface {
	domain.ChainStore
	domain.UserChainStore
	ListBetsByUserChain(ctx context.Context, key domain.UserChainKey) ([]domain.Bet, error)
}

// ChainService manages chain templates and user commitments to them.
type ChainService struct {
	store  ChainStore
	cache  domain.ChainCache
	logger *slog.Logger
}

// NewChainService creates a ChainService. cache may be nil.
func NewChainService(store ChainStore, cache domain.ChainCache, logger *slog.Logger) *ChainService {
	return &ChainService{
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "chain_service")),
	}
}

// CreateChain validates and stores a new chain template.
func (s *ChainService) CreateChain(ctx context.Context, c domain.Chain) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.store.CreateChain(ctx, c); err != nil {
		return fmt.Errorf("chain_service: create %s: %w", c.ChainID, err)
	}
	s.logger.InfoContext(ctx, "chain created",
		slog.String("chain_id", c.ChainID),
		slog.Int("legs", len(c.Legs)),
	)
	return nil
}

// GetChain returns a chain template, checking the cache first and falling
// back to the store on a miss. Chains are immutable so a cached copy never
// goes stale.
func (s *ChainService) GetChain(ctx context.Context, chainID string) (domain.Chain, error) {
	if s.cache != nil {
		if c, err := s.cache.Get(ctx, chainID); err == nil {
			return c, nil
		}
	}

	c, err := s.store.GetChain(ctx, chainID)
	if err != nil {
		return domain.Chain{}, fmt.Errorf("chain_service: get %s: %w", chainID, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, c); err != nil {
			s.logger.WarnContext(ctx, "chain cache set failed",
				slog.String("chain_id", chainID),
				slog.String("error", err.Error()),
			)
		}
	}
	return c, nil
}

// CommitRequest is a user's stake on a chain.
type CommitRequest struct {
	ChainID string
	Wallet  string
	Stake   decimal.Decimal
}

// Commit opens a user's position on a chain. The first leg is written READY
// so the executor picks it up from the feed; the rest wait QUEUED with a
// projected stake at their target prices.
func (s *ChainService) Commit(ctx context.Context, req CommitRequest) (domain.UserChain, error) {
	if req.Wallet == "" {
		return domain.UserChain{}, fmt.Errorf("chain_service: commit: wallet is required")
	}
	if !req.Stake.IsPositive() || !req.Stake.Equal(req.Stake.Truncate(domain.USDCDecimals)) {
		return domain.UserChain{}, fmt.Errorf("chain_service: commit: %w: stake %s", domain.ErrInvalidAmount, req.Stake)
	}

	chain, err := s.GetChain(ctx, req.ChainID)
	if err != nil {
		return domain.UserChain{}, err
	}
	if err := chain.Validate(); err != nil {
		return domain.UserChain{}, err
	}

	uc := domain.UserChain{
		ChainID:       chain.ChainID,
		WalletAddress: req.Wallet,
		InitialStake:  req.Stake,
		CurrentValue:  req.Stake,
		Status:        domain.UserChainStatusActive,
	}

	bets := make([]domain.Bet, len(chain.Legs))
	stake := req.Stake
	for i, leg := range chain.Legs {
		payout, err := domain.PayoutAt(stake, leg.TargetPrice)
		if err != nil {
			return domain.UserChain{}, fmt.Errorf("chain_service: commit leg %d: %w", i, err)
		}
		status := domain.BetStatusQueued
		if i == 0 {
			status = domain.BetStatusReady
		}
		bets[i] = domain.Bet{
			ChainID:         chain.ChainID,
			WalletAddress:   req.Wallet,
			Sequence:        i,
			ConditionID:     leg.ConditionID,
			Side:            leg.Side,
			TargetPrice:     leg.TargetPrice,
			Stake:           stake,
			PotentialPayout: payout,
			Status:          status,
		}
		stake = payout
	}

	if err := s.store.CreateUserChain(ctx, uc, bets); err != nil {
		return domain.UserChain{}, fmt.Errorf("chain_service: commit %s: %w", uc.Key(), err)
	}

	s.logger.InfoContext(ctx, "user chain committed",
		slog.String("chain_id", uc.ChainID),
		slog.String("wallet", uc.WalletAddress),
		slog.String("stake", req.Stake.String()),
		slog.String("potential_payout", stake.String()),
	)
	return s.store.GetUserChain(ctx, uc.Key())
}

// Abandon cancels a user chain whose first leg has not been claimed by the
// executor. Once any leg reaches EXECUTING the position is committed and
// ErrNotAbandonable is returned. Abandoning an already cancelled chain is a
// no-op.
func (s *ChainService) Abandon(ctx context.Context, key domain.UserChainKey) (domain.UserChain, error) {
	bets, err := s.store.ListBetsByUserChain(ctx, key)
	if err != nil {
		return domain.UserChain{}, fmt.Errorf("chain_service: abandon %s: %w", key, err)
	}
	for _, b := range bets {
		if b.Status != domain.BetStatusQueued && b.Status != domain.BetStatusReady && b.Status != domain.BetStatusVoided {
			return domain.UserChain{}, fmt.Errorf("chain_service: abandon %s: leg %d is %s: %w",
				key, b.Sequence, b.Status, domain.ErrNotAbandonable)
		}
	}

	uc, err := s.store.UpdateUserChain(ctx, domain.UserChainUpdate{
		Key:                 key,
		From:                []domain.UserChainStatus{domain.UserChainStatusPending, domain.UserChainStatusActive},
		ExpectCompletedLegs: domain.Ptr(0),
		To:                  domain.UserChainStatusCancelled,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPreconditionFailed):
		if uc.Status == domain.UserChainStatusCancelled {
			return uc, nil
		}
		return domain.UserChain{}, fmt.Errorf("chain_service: abandon %s: chain is %s: %w", key, uc.Status, domain.ErrNotAbandonable)
	default:
		return domain.UserChain{}, fmt.Errorf("chain_service: abandon %s: %w", key, err)
	}

	s.logger.InfoContext(ctx, "user chain abandoned",
		slog.String("chain_id", key.ChainID),
		slog.String("wallet", key.WalletAddress),
	)
	return uc, nil
}
