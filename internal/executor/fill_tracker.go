package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/metrics"
)

// FillTracker polls the venue for resting legs and records fills, so that
// settlement pays out at the realized price.
type FillTracker struct {
	store    Store
	creds    domain.CredentialProvider
	venue    domain.OrderVenue
	alerter  domain.Alerter
	interval time.Duration
	batch    int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewFillTracker creates a FillTracker. alerter may be nil.
func NewFillTracker(store Store, creds domain.CredentialProvider, venue domain.OrderVenue, alerter domain.Alerter, interval time.Duration, logger *slog.Logger) *FillTracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &FillTracker{
		store:    store,
		creds:    creds,
		venue:    venue,
		alerter:  alerter,
		interval: interval,
		batch:    200,
		timeout:  DefaultConfig().VenueTimeout,
		logger:   logger.With(slog.String("component", "fill_tracker")),
	}
}

// Run polls until ctx is cancelled.
func (t *FillTracker) Run(ctx context.Context) error {
	t.logger.Info("fill tracker started", slog.Duration("interval", t.interval))
	defer t.logger.Info("fill tracker stopped")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := t.Poll(ctx)
			if err != nil {
				t.logger.Warn("fill poll failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				t.logger.Info("fills recorded", slog.Int("count", n))
			}
		}
	}
}

// Poll checks every PLACED leg once and returns how many were marked FILLED.
// Legs the venue cancelled on its own are failed along with their chain.
func (t *FillTracker) Poll(ctx context.Context) (int, error) {
	bets, err := t.store.ListBetsByStatus(ctx, domain.BetStatusPlaced, t.batch)
	if err != nil {
		return 0, fmt.Errorf("fill tracker: list placed: %w", err)
	}
	filled := 0
	for _, b := range bets {
		if ctx.Err() != nil {
			return filled, ctx.Err()
		}
		ok, err := t.check(ctx, b)
		if err != nil {
			t.logger.Warn("order status check failed",
				slog.String("bet", b.Key().String()),
				slog.String("order_id", b.OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			filled++
		}
	}
	return filled, nil
}

func (t *FillTracker) check(ctx context.Context, b domain.Bet) (bool, error) {
	if b.OrderID == "" {
		return false, nil
	}
	creds, err := t.creds.GetCredentials(ctx, b.WalletAddress)
	if err != nil {
		return false, err
	}
	qctx, cancel := context.WithTimeout(ctx, t.timeout)
	began := time.Now()
	state, err := t.venue.QueryOrderStatus(qctx, creds, b.OrderID)
	cancel()
	metrics.RecordVenueRequest("query", time.Since(began), err)
	if err != nil {
		return false, err
	}

	switch state.Status {
	case domain.VenueOrderFilled:
		price := state.FilledPrice
		if !price.IsPositive() {
			price = b.TargetPrice
		}
		_, err := t.store.UpdateBet(ctx, domain.BetUpdate{
			Key:         b.Key(),
			From:        []domain.BetStatus{domain.BetStatusPlaced},
			To:          domain.BetStatusFilled,
			FilledPrice: &price,
		})
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		metrics.BetTransitions.WithLabelValues(string(domain.BetStatusFilled)).Inc()
		return true, nil
	case domain.VenueOrderCancelled:
		return false, t.cancelled(ctx, b, state)
	}
	return false, nil
}

// cancelled records a venue-side cancellation of a resting leg. The leg can
// no longer pay out, so the chain becomes FAILED and the leg CANCELLED. The
// chain goes first: while the leg is still PLACED the next poll retries
// both writes, and the terminator voids the rest.
func (t *FillTracker) cancelled(ctx context.Context, b domain.Bet, state domain.OrderState) error {
	reason := "order " + b.OrderID + " cancelled by venue"
	if state.FilledSize.IsPositive() {
		reason += fmt.Sprintf(" after partial fill of %s", state.FilledSize)
	}

	_, err := t.store.UpdateUserChain(ctx, domain.UserChainUpdate{
		Key:  b.Key().UserChainKey(),
		From: domain.LiveUserChainStatuses,
		To:   domain.UserChainStatusFailed,
	})
	switch {
	case err == nil:
		metrics.UserChainTransitions.WithLabelValues(string(domain.UserChainStatusFailed)).Inc()
	case !errors.Is(err, domain.ErrPreconditionFailed):
		return fmt.Errorf("fill tracker: fail chain %s: %w", b.Key().UserChainKey(), err)
	}

	_, err = t.store.UpdateBet(ctx, domain.BetUpdate{
		Key:           b.Key(),
		From:          []domain.BetStatus{domain.BetStatusPlaced},
		To:            domain.BetStatusCancelled,
		FailureReason: &reason,
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fill tracker: cancel %s: %w", b.Key(), err)
	}
	metrics.BetTransitions.WithLabelValues(string(domain.BetStatusCancelled)).Inc()

	t.logger.WarnContext(ctx, "resting order cancelled by venue",
		slog.String("bet", b.Key().String()),
		slog.String("order_id", b.OrderID),
		slog.String("filled_size", state.FilledSize.String()),
	)
	t.alert(ctx, domain.AlertLegFailed, "Leg failed: "+string(domain.BetStatusCancelled),
		fmt.Sprintf("bet %s: %s", b.Key(), reason))
	return nil
}

func (t *FillTracker) alert(ctx context.Context, event, title, msg string) {
	if t.alerter == nil {
		return
	}
	if err := t.alerter.Notify(ctx, event, title, msg); err != nil {
		t.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
