// Package settlement settles legs when their market resolves and advances or
// terminates the owning user chains.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChainSource resolves chain templates. The ledger satisfies it directly; a
// cache may sit in front.
type ChainSource interface {
	GetChain(ctx context.Context, chainID string) (domain.Chain, error)
}

// Config holds settlement settings.
type Config struct {
	// FeeDestination is the commission wallet platform fees are sent to.
	FeeDestination string
}

// Coordinator consumes "market resolved" changes.
type Coordinator struct {
	ledger  domain.Ledger
	chains  ChainSource
	fees    domain.FeeStore
	alerter domain.Alerter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewCoordinator creates a Coordinator. chains may be nil to read templates
// straight from the ledger; alerter may be nil.
func NewCoordinator(ledger domain.Ledger, chains ChainSource, fees domain.FeeStore, alerter domain.Alerter, cfg Config, logger *slog.Logger) *Coordinator {
	if chains == nil {
		chains = ledger
	}
	return &Coordinator{
		ledger:  ledger,
		chains:  chains,
		fees:    fees,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "settlement")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements router.Consumer.
func (c *Coordinator) Handle(ctx context.Context, evt domain.ChangeEvent) error {
	var m domain.Market
	if err := evt.DecodeAfter(&m); err != nil {
		return err
	}
	if m.Status != domain.MarketStatusResolved {
		return nil
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("settlement: %w", err)
	}
	return c.SettleMarket(ctx, m)
}

// SettleMarket settles every leg awaiting the market's resolution. SETTLED
// legs are revisited so that a redelivery after a partial failure completes
// the chain advance without settling anything twice.
func (c *Coordinator) SettleMarket(ctx context.Context, m domain.Market) error {
	bets, err := c.ledger.ListBetsByCondition(ctx, m.ConditionID,
		domain.BetStatusPlaced, domain.BetStatusFilled, domain.BetStatusSettled)
	if err != nil {
		return fmt.Errorf("settlement: list bets for %s: %w", m.ConditionID, err)
	}
	c.logger.InfoContext(ctx, "settling market",
		slog.String("condition_id", m.ConditionID),
		slog.String("outcome", string(m.Outcome)),
		slog.Int("bets", len(bets)),
	)

	var errs []error
	for _, b := range bets {
		if err := c.settleBet(ctx, m, b); err != nil {
			c.logger.ErrorContext(ctx, "settle bet failed",
				slog.String("bet", b.Key().String()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) settleBet(ctx context.Context, m domain.Market, b domain.Bet) error {
	if domain.ContainsBetStatus(domain.AwaitingResolution, b.Status) {
		settled, err := c.writeSettlement(ctx, m, b)
		if err != nil {
			return err
		}
		b = settled
	}
	if b.Status != domain.BetStatusSettled {
		return nil
	}
	if b.Outcome == domain.BetOutcomeLoss {
		return c.markLost(ctx, b)
	}
	return c.advance(ctx, b)
}

// writeSettlement CASes the bet from PLACED/FILLED to SETTLED. A lost race
// returns the current image so the caller can continue from it.
func (c *Coordinator) writeSettlement(ctx context.Context, m domain.Market, b domain.Bet) (domain.Bet, error) {
	outcome := domain.BetOutcomeLoss
	payout := decimal.Zero
	if b.Side == m.Outcome {
		outcome = domain.BetOutcomeWin
		p, err := domain.PayoutAt(b.Stake, b.ExecutionPrice())
		if err != nil {
			return b, fmt.Errorf("settlement: payout for %s: %w", b.Key(), err)
		}
		payout = p
	}

	settled, err := c.ledger.UpdateBet(ctx, domain.BetUpdate{
		Key:          b.Key(),
		From:         domain.AwaitingResolution,
		To:           domain.BetStatusSettled,
		Outcome:      &outcome,
		ActualPayout: &payout,
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		metrics.CASConflicts.WithLabelValues("settlement").Inc()
		return c.ledger.GetBet(ctx, b.Key())
	}
	if err != nil {
		return b, fmt.Errorf("settlement: settle %s: %w", b.Key(), err)
	}
	metrics.BetTransitions.WithLabelValues(string(domain.BetStatusSettled)).Inc()
	c.logger.InfoContext(ctx, "bet settled",
		slog.String("bet", b.Key().String()),
		slog.String("outcome", string(outcome)),
		slog.String("payout", payout.String()),
	)
	return settled, nil
}

func (c *Coordinator) markLost(ctx context.Context, b domain.Bet) error {
	_, err := c.ledger.UpdateUserChain(ctx, domain.UserChainUpdate{
		Key:  b.Key().UserChainKey(),
		From: domain.LiveUserChainStatuses,
		To:   domain.UserChainStatusLost,
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: mark %s lost: %w", b.Key().UserChainKey(), err)
	}
	metrics.UserChainTransitions.WithLabelValues(string(domain.UserChainStatusLost)).Inc()
	c.logger.InfoContext(ctx, "user chain lost",
		slog.String("user_chain", b.Key().UserChainKey().String()),
		slog.Int("sequence", b.Sequence),
	)
	return nil
}

// advance moves the owning user chain past a won leg: WON on the last leg,
// otherwise the next leg becomes READY with the payout as its stake.
func (c *Coordinator) advance(ctx context.Context, b domain.Bet) error {
	chain, err := c.chains.GetChain(ctx, b.ChainID)
	if err != nil {
		return fmt.Errorf("settlement: chain %s: %w", b.ChainID, err)
	}
	if b.Sequence >= len(chain.Legs) {
		c.alert(ctx, domain.AlertMalformedChain, "Leg outside chain",
			fmt.Sprintf("bet %s has sequence %d but chain has %d legs", b.Key(), b.Sequence, len(chain.Legs)))
		return fmt.Errorf("settlement: bet %s: %w", b.Key(), domain.ErrMalformedChain)
	}

	ucKey := b.Key().UserChainKey()
	completed := b.Sequence + 1
	last := chain.IsLastLeg(b.Sequence)
	to := domain.UserChainStatusActive
	if last {
		to = domain.UserChainStatusWon
	}

	uc, err := c.ledger.UpdateUserChain(ctx, domain.UserChainUpdate{
		Key:                 ucKey,
		From:                domain.LiveUserChainStatuses,
		ExpectCompletedLegs: &b.Sequence,
		To:                  to,
		CurrentValue:        &b.ActualPayout,
		CompletedLegs:       &completed,
	})
	switch {
	case errors.Is(err, domain.ErrPreconditionFailed):
		metrics.CASConflicts.WithLabelValues("settlement").Inc()
		uc, err = c.ledger.GetUserChain(ctx, ucKey)
		if err != nil {
			return fmt.Errorf("settlement: reload %s: %w", ucKey, err)
		}
		// Only an earlier delivery of this same advance may be completed
		// here; any other state means the chain moved on or terminated.
		if uc.CompletedLegs != completed || uc.Status != to {
			return nil
		}
	case err != nil:
		return fmt.Errorf("settlement: advance %s: %w", ucKey, err)
	default:
		metrics.UserChainTransitions.WithLabelValues(string(to)).Inc()
		if last {
			c.alert(ctx, domain.AlertChainWon, "Chain won",
				fmt.Sprintf("%s paid %s on a stake of %s", ucKey, uc.CurrentValue, uc.InitialStake))
		}
	}

	if last {
		return c.scheduleFee(ctx, uc)
	}
	return c.promote(ctx, chain, b)
}

// promote makes leg sequence+1 READY, either by flipping a pre-materialized
// QUEUED bet or by creating it.
func (c *Coordinator) promote(ctx context.Context, chain domain.Chain, won domain.Bet) error {
	leg := chain.Legs[won.Sequence+1]
	stake := won.ActualPayout
	potential, err := domain.PayoutAt(stake, leg.TargetPrice)
	if err != nil {
		return fmt.Errorf("settlement: next leg of %s: %w", won.Key(), err)
	}
	nextKey := domain.BetKey{ChainID: won.ChainID, WalletAddress: won.WalletAddress, Sequence: won.Sequence + 1}

	_, err = c.ledger.GetBet(ctx, nextKey)
	if errors.Is(err, domain.ErrNotFound) {
		err = c.ledger.CreateBet(ctx, domain.Bet{
			ChainID:         nextKey.ChainID,
			WalletAddress:   nextKey.WalletAddress,
			Sequence:        nextKey.Sequence,
			ConditionID:     leg.ConditionID,
			Side:            leg.Side,
			TargetPrice:     leg.TargetPrice,
			Stake:           stake,
			PotentialPayout: potential,
			Status:          domain.BetStatusReady,
		})
		if err == nil {
			metrics.BetTransitions.WithLabelValues(string(domain.BetStatusReady)).Inc()
			c.logger.InfoContext(ctx, "next leg created",
				slog.String("bet", nextKey.String()),
				slog.String("stake", stake.String()),
			)
			return nil
		}
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return fmt.Errorf("settlement: create %s: %w", nextKey, err)
		}
	} else if err != nil {
		return fmt.Errorf("settlement: load %s: %w", nextKey, err)
	}

	_, err = c.ledger.UpdateBet(ctx, domain.BetUpdate{
		Key:             nextKey,
		From:            []domain.BetStatus{domain.BetStatusQueued},
		To:              domain.BetStatusReady,
		Stake:           &stake,
		PotentialPayout: &potential,
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: promote %s: %w", nextKey, err)
	}
	metrics.BetTransitions.WithLabelValues(string(domain.BetStatusReady)).Inc()
	c.logger.InfoContext(ctx, "next leg promoted",
		slog.String("bet", nextKey.String()),
		slog.String("stake", stake.String()),
	)
	return nil
}

// scheduleFee records the platform fee owed by a won chain. Collection runs
// separately and never blocks the WON transition.
func (c *Coordinator) scheduleFee(ctx context.Context, uc domain.UserChain) error {
	amount := domain.PlatformFee(uc.CurrentValue, uc.InitialStake)
	if c.fees == nil || amount.IsZero() {
		return nil
	}
	fee := domain.FeeCollection{
		ID:            uuid.NewString(),
		ChainID:       uc.ChainID,
		WalletAddress: uc.WalletAddress,
		Payout:        uc.CurrentValue,
		InitialStake:  uc.InitialStake,
		Amount:        amount,
		Destination:   c.cfg.FeeDestination,
		Status:        domain.FeePending,
		NextAttemptAt: c.now(),
	}
	err := c.fees.ScheduleFee(ctx, fee)
	if errors.Is(err, domain.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: schedule fee for %s: %w", uc.Key(), err)
	}
	metrics.FeeCollections.WithLabelValues("scheduled").Inc()
	c.logger.InfoContext(ctx, "fee scheduled",
		slog.String("user_chain", uc.Key().String()),
		slog.String("amount", amount.String()),
	)
	return nil
}

func (c *Coordinator) alert(ctx context.Context, event, title, msg string) {
	if c.alerter == nil {
		return
	}
	if err := c.alerter.Notify(ctx, event, title, msg); err != nil {
		c.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}
