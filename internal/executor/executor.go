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

// Store is the slice of the ledger the executor writes to.
type Store interface {
	GetBet(ctx context.Context, key domain.BetKey) (domain.Bet, error)
	UpdateBet(ctx context.Context, u domain.BetUpdate) (domain.Bet, error)
	GetUserChain(ctx context.Context, key domain.UserChainKey) (domain.UserChain, error)
	UpdateUserChain(ctx context.Context, u domain.UserChainUpdate) (domain.UserChain, error)
	ListBetsByStatus(ctx context.Context, status domain.BetStatus, limit int) ([]domain.Bet, error)
}

// Config tunes the executor.
type Config struct {
	// VenueTimeout bounds each placement or cancellation call.
	VenueTimeout time.Duration
	// MaxAttempts is how many times a leg may hit EXECUTION_ERROR before the
	// failure becomes terminal.
	MaxAttempts int
	// RetryBackoff is the base delay before a failed leg is re-queued.
	RetryBackoff time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{VenueTimeout: 90 * time.Second, MaxAttempts: 3, RetryBackoff: time.Second}
}

// Executor places the external order for a READY leg. The READY→EXECUTING
// conditional write is the only guard against placing an order twice.
type Executor struct {
	store   Store
	creds   domain.CredentialProvider
	venue   domain.OrderVenue
	alerter domain.Alerter
	cfg     Config
	logger  *slog.Logger
}

// New creates an Executor. alerter may be nil.
func New(store Store, creds domain.CredentialProvider, venue domain.OrderVenue, alerter domain.Alerter, cfg Config, logger *slog.Logger) *Executor {
	if cfg.VenueTimeout <= 0 {
		cfg.VenueTimeout = DefaultConfig().VenueTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Executor{
		store:   store,
		creds:   creds,
		venue:   venue,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "executor")),
	}
}

// Handle implements router.Consumer for both the first-leg insert and the
// promoted-leg modify.
func (e *Executor) Handle(ctx context.Context, evt domain.ChangeEvent) error {
	var b domain.Bet
	if err := evt.DecodeAfter(&b); err != nil {
		return err
	}
	if b.Status != domain.BetStatusReady {
		return nil
	}
	return e.Execute(ctx, b.Key())
}

// Execute claims and places a single leg.
func (e *Executor) Execute(ctx context.Context, key domain.BetKey) error {
	log := e.logger.With(
		slog.String("chain_id", key.ChainID),
		slog.String("wallet", key.WalletAddress),
		slog.Int("sequence", key.Sequence),
	)

	// 1. Claim.
	bet, err := e.store.UpdateBet(ctx, domain.BetUpdate{
		Key:  key,
		From: []domain.BetStatus{domain.BetStatusReady},
		To:   domain.BetStatusExecuting,
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		metrics.CASConflicts.WithLabelValues("executor").Inc()
		log.DebugContext(ctx, "leg already claimed", slog.String("status", string(bet.Status)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("executor: claim %s: %w", key, err)
	}
	metrics.BetTransitions.WithLabelValues(string(domain.BetStatusExecuting)).Inc()

	// From here on every path ends in a durable status write, even if the
	// delivery context is cancelled.
	wctx := context.WithoutCancel(ctx)

	// 2. The chain may have ended between promotion and claim.
	uc, err := e.store.GetUserChain(ctx, key.UserChainKey())
	if err != nil {
		return e.requeue(wctx, log, bet, fmt.Errorf("load user chain: %w", err))
	}
	if uc.Status.IsTerminal() {
		log.InfoContext(ctx, "chain already terminal, voiding leg", slog.String("chain_status", string(uc.Status)))
		return e.transition(wctx, bet, domain.BetStatusVoided, "chain "+string(uc.Status))
	}

	// 3. Credentials.
	creds, err := e.creds.GetCredentials(ctx, key.WalletAddress)
	if errors.Is(err, domain.ErrNoCredentials) {
		return e.fail(wctx, log, bet, domain.BetStatusNoCredentials, err.Error())
	}
	if err != nil {
		return e.requeue(wctx, log, bet, fmt.Errorf("credentials: %w", err))
	}

	// 4. Place, unless a previous attempt's order reached the venue after all.
	req := domain.OrderRequest{
		ConditionID:   bet.ConditionID,
		Side:          bet.Side,
		TargetPrice:   bet.TargetPrice,
		Stake:         bet.Stake,
		ClientOrderID: key.String(),
	}
	if bet.Attempts > 0 {
		st, found, err := e.lookup(ctx, creds, req)
		if err != nil {
			return e.requeue(wctx, log, bet, fmt.Errorf("reconcile: %w", err))
		}
		if found {
			log.InfoContext(ctx, "earlier attempt reached the venue", slog.String("order_id", st.OrderID))
			return e.adopt(wctx, log, creds, bet, st)
		}
	}

	vctx, cancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
	began := time.Now()
	ack, err := e.venue.PlaceOrder(vctx, creds, req)
	cancel()
	metrics.RecordVenueRequest("place", time.Since(began), err)
	if err != nil {
		return e.handlePlaceError(wctx, log, creds, bet, req, err)
	}
	return e.record(wctx, log, creds, bet, domain.OrderState{OrderID: ack.OrderID, Status: ack.Status})
}

// lookup asks the venue for the order req would have created. found is false
// when the venue has no such order.
func (e *Executor) lookup(ctx context.Context, creds domain.Credentials, req domain.OrderRequest) (domain.OrderState, bool, error) {
	vctx, cancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
	began := time.Now()
	st, err := e.venue.FindOrder(vctx, creds, req)
	cancel()
	metrics.RecordVenueRequest("find", time.Since(began), err)
	if kind, ok := domain.RejectionKindOf(err); ok && kind == domain.RejectOrderNotFound {
		return domain.OrderState{}, false, nil
	}
	if err != nil {
		return domain.OrderState{}, false, err
	}
	return st, true, nil
}

// adopt records an order found on the venue as this leg's placement.
func (e *Executor) adopt(ctx context.Context, log *slog.Logger, creds domain.Credentials, bet domain.Bet, st domain.OrderState) error {
	if st.Status == domain.VenueOrderCancelled {
		return e.fail(ctx, log, bet, domain.BetStatusCancelled, "order "+st.OrderID+" cancelled by venue")
	}
	return e.record(ctx, log, creds, bet, st)
}

// record writes EXECUTING→PLACED, or straight to FILLED when the venue
// matched the order on arrival.
func (e *Executor) record(ctx context.Context, log *slog.Logger, creds domain.Credentials, bet domain.Bet, st domain.OrderState) error {
	up := domain.BetUpdate{
		Key:           bet.Key(),
		From:          []domain.BetStatus{domain.BetStatusExecuting},
		To:            domain.BetStatusPlaced,
		OrderID:       &st.OrderID,
		FailureReason: domain.Ptr(""),
	}
	if st.Status == domain.VenueOrderFilled {
		up.To = domain.BetStatusFilled
		if st.FilledPrice.IsPositive() {
			up.FilledPrice = &st.FilledPrice
		}
	}
	placed, err := e.store.UpdateBet(ctx, up)
	if err != nil {
		// The order is live but unrecorded; this needs a human.
		e.alert(ctx, domain.AlertLegFailed, "Placed order not recorded",
			fmt.Sprintf("bet %s order %s: %v", bet.Key(), st.OrderID, err))
		return fmt.Errorf("executor: record placement of %s: %w", bet.Key(), err)
	}
	metrics.BetTransitions.WithLabelValues(string(up.To)).Inc()
	log.InfoContext(ctx, "leg placed",
		slog.String("order_id", st.OrderID),
		slog.String("status", string(up.To)),
		slog.String("stake", bet.Stake.String()),
		slog.String("price", bet.TargetPrice.String()),
	)

	// 5. The chain may have been terminated while the leg was EXECUTING, when
	// the terminator could not see it.
	return e.recheckAfterPlacement(ctx, log, creds, placed)
}

// handlePlaceError maps a placement failure onto the leg state machine. A
// transport error may hide an order that did arrive, so the venue is asked
// before the leg goes back to READY.
func (e *Executor) handlePlaceError(ctx context.Context, log *slog.Logger, creds domain.Credentials, bet domain.Bet, req domain.OrderRequest, err error) error {
	kind, rejected := domain.RejectionKindOf(err)
	if !rejected {
		st, found, lerr := e.lookup(ctx, creds, req)
		if lerr == nil && found {
			log.WarnContext(ctx, "placement response lost, order found on venue",
				slog.String("order_id", st.OrderID),
				slog.String("error", err.Error()),
			)
			return e.adopt(ctx, log, creds, bet, st)
		}
		if lerr != nil {
			err = fmt.Errorf("%w (lookup: %v)", err, lerr)
		}
		return e.requeue(ctx, log, bet, err)
	}
	switch kind {
	case domain.RejectInsufficientLiquidity:
		return e.fail(ctx, log, bet, domain.BetStatusInsufficientLiquidity, err.Error())
	case domain.RejectMarketClosed:
		return e.fail(ctx, log, bet, domain.BetStatusMarketClosed, err.Error())
	case domain.RejectOrderRejected:
		return e.fail(ctx, log, bet, domain.BetStatusOrderRejected, err.Error())
	default:
		return e.fail(ctx, log, bet, domain.BetStatusUnknownFailure, err.Error())
	}
}

// requeue releases the claim after a transient failure so the leg is
// retried through the feed, or fails it for good once attempts run out.
func (e *Executor) requeue(ctx context.Context, log *slog.Logger, bet domain.Bet, cause error) error {
	attempts := bet.Attempts + 1
	if attempts >= e.cfg.MaxAttempts {
		return e.fail(ctx, log, bet, domain.BetStatusExecutionError, cause.Error())
	}
	log.WarnContext(ctx, "execution error, re-queueing leg",
		slog.Int("attempt", attempts),
		slog.String("error", cause.Error()),
	)
	if err := sleep(ctx, e.backoff(attempts)); err != nil {
		return err
	}
	_, err := e.store.UpdateBet(ctx, domain.BetUpdate{
		Key:           bet.Key(),
		From:          []domain.BetStatus{domain.BetStatusExecuting},
		To:            domain.BetStatusReady,
		Attempts:      &attempts,
		FailureReason: domain.Ptr(cause.Error()),
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("executor: re-queue %s: %w", bet.Key(), err)
	}
	metrics.BetTransitions.WithLabelValues(string(domain.BetStatusReady)).Inc()
	return nil
}

// fail writes a terminal failure for the leg and fails the owning chain,
// which hands the remaining legs to the terminator.
func (e *Executor) fail(ctx context.Context, log *slog.Logger, bet domain.Bet, status domain.BetStatus, reason string) error {
	log.WarnContext(ctx, "leg failed",
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
	if err := e.transition(ctx, bet, status, reason); err != nil {
		return err
	}
	_, err := e.store.UpdateUserChain(ctx, domain.UserChainUpdate{
		Key:  bet.Key().UserChainKey(),
		From: domain.LiveUserChainStatuses,
		To:   domain.UserChainStatusFailed,
	})
	if err != nil && !errors.Is(err, domain.ErrPreconditionFailed) {
		return fmt.Errorf("executor: fail chain %s: %w", bet.Key().UserChainKey(), err)
	}
	if err == nil {
		metrics.UserChainTransitions.WithLabelValues(string(domain.UserChainStatusFailed)).Inc()
	}

	event := domain.AlertLegFailed
	if status == domain.BetStatusNoCredentials {
		event = domain.AlertCredentialsGone
	}
	e.alert(ctx, event, "Leg failed: "+string(status), fmt.Sprintf("bet %s: %s", bet.Key(), reason))
	return nil
}

func (e *Executor) transition(ctx context.Context, bet domain.Bet, to domain.BetStatus, reason string) error {
	attempts := bet.Attempts
	if to == domain.BetStatusExecutionError {
		attempts++
	}
	_, err := e.store.UpdateBet(ctx, domain.BetUpdate{
		Key:           bet.Key(),
		From:          []domain.BetStatus{domain.BetStatusExecuting},
		To:            to,
		Attempts:      &attempts,
		FailureReason: &reason,
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("executor: %s to %s: %w", bet.Key(), to, err)
	}
	metrics.BetTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

func (e *Executor) backoff(attempt int) time.Duration {
	if e.cfg.RetryBackoff <= 0 {
		return 0
	}
	d := e.cfg.RetryBackoff << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (e *Executor) alert(ctx context.Context, event, title, msg string) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.Notify(ctx, event, title, msg); err != nil {
		e.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
