// Package terminator cleans up the remaining legs of a user chain once it has
// been lost, cancelled or failed.
package terminator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/metrics"
)

// Store is the slice of the ledger the terminator needs.
type Store interface {
	ListBetsByUserChain(ctx context.Context, key domain.UserChainKey) ([]domain.Bet, error)
	UpdateBet(ctx context.Context, u domain.BetUpdate) (domain.Bet, error)
}

// Terminator consumes "user chain terminated" changes.
type Terminator struct {
	store   Store
	creds   domain.CredentialProvider
	venue   domain.OrderVenue
	alerter domain.Alerter
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Terminator. alerter may be nil.
func New(store Store, creds domain.CredentialProvider, venue domain.OrderVenue, alerter domain.Alerter, timeout time.Duration, logger *slog.Logger) *Terminator {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Terminator{
		store:   store,
		creds:   creds,
		venue:   venue,
		alerter: alerter,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "terminator")),
	}
}

// Handle implements router.Consumer.
func (t *Terminator) Handle(ctx context.Context, evt domain.ChangeEvent) error {
	var uc domain.UserChain
	if err := evt.DecodeAfter(&uc); err != nil {
		return err
	}
	if !uc.Status.IsTerminal() || uc.Status == domain.UserChainStatusWon {
		return nil
	}
	return t.Terminate(ctx, uc)
}

// Terminate voids every leg of uc that has not been settled. Resting orders
// are cancelled on the venue first.
func (t *Terminator) Terminate(ctx context.Context, uc domain.UserChain) error {
	bets, err := t.store.ListBetsByUserChain(ctx, uc.Key())
	if err != nil {
		return fmt.Errorf("terminator: list bets of %s: %w", uc.Key(), err)
	}
	log := t.logger.With(
		slog.String("chain_id", uc.ChainID),
		slog.String("wallet", uc.WalletAddress),
		slog.String("status", string(uc.Status)),
	)

	var errs []error
	voided := 0
	for _, b := range bets {
		if !domain.ContainsBetStatus(domain.Voidable, b.Status) {
			continue
		}
		ok, err := t.terminateBet(ctx, log, uc, b)
		if err != nil {
			log.ErrorContext(ctx, "terminate leg failed",
				slog.Int("sequence", b.Sequence),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		if ok {
			voided++
		}
	}
	if voided > 0 {
		log.InfoContext(ctx, "legs voided", slog.Int("count", voided))
	}
	return errors.Join(errs...)
}

func (t *Terminator) terminateBet(ctx context.Context, log *slog.Logger, uc domain.UserChain, b domain.Bet) (bool, error) {
	if b.Status == domain.BetStatusPlaced {
		filled, err := t.cancel(ctx, log, uc, b)
		if err != nil {
			return false, err
		}
		if filled {
			return false, nil
		}
	}
	_, err := t.store.UpdateBet(ctx, domain.BetUpdate{
		Key:           b.Key(),
		From:          []domain.BetStatus{b.Status},
		To:            domain.BetStatusVoided,
		FailureReason: domain.Ptr("chain " + string(uc.Status)),
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		metrics.CASConflicts.WithLabelValues("terminator").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("terminator: void %s: %w", b.Key(), err)
	}
	metrics.BetTransitions.WithLabelValues(string(domain.BetStatusVoided)).Inc()
	return true, nil
}

// cancel pulls a resting order. It reports true when the order turned out to
// be filled already, in which case the leg is recorded as FILLED instead of
// being voided.
func (t *Terminator) cancel(ctx context.Context, log *slog.Logger, uc domain.UserChain, b domain.Bet) (bool, error) {
	if b.OrderID == "" {
		return false, nil
	}
	creds, err := t.creds.GetCredentials(ctx, b.WalletAddress)
	if err != nil {
		return false, fmt.Errorf("terminator: credentials for %s: %w", b.WalletAddress, err)
	}

	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	began := time.Now()
	err = t.venue.CancelOrder(cctx, creds, b.OrderID)
	cancel()
	metrics.RecordVenueRequest("cancel", time.Since(began), err)

	kind, rejected := domain.RejectionKindOf(err)
	switch {
	case err == nil:
		log.InfoContext(ctx, "resting order cancelled",
			slog.Int("sequence", b.Sequence),
			slog.String("order_id", b.OrderID),
		)
		return false, nil
	case rejected && kind == domain.RejectOrderNotFound:
		return false, nil
	case rejected && kind == domain.RejectOrderAlreadyFilled:
		_, err := t.store.UpdateBet(ctx, domain.BetUpdate{
			Key:  b.Key(),
			From: []domain.BetStatus{domain.BetStatusPlaced},
			To:   domain.BetStatusFilled,
		})
		if err != nil && !errors.Is(err, domain.ErrPreconditionFailed) {
			return true, fmt.Errorf("terminator: mark %s filled: %w", b.Key(), err)
		}
		t.alert(ctx, domain.AlertFilledOnCancel, "Order filled after chain ended",
			fmt.Sprintf("bet %s order %s filled; chain is %s", b.Key(), b.OrderID, uc.Status))
		return true, nil
	default:
		// Transient; the router retries the whole event.
		return false, fmt.Errorf("terminator: cancel %s: %w", b.OrderID, err)
	}
}

func (t *Terminator) alert(ctx context.Context, event, title, msg string) {
	if t.alerter == nil {
		return
	}
	if err := t.alerter.Notify(ctx, event, title, msg); err != nil {
		t.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
