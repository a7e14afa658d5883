// Package payout collects platform fees owed by won chains.
//
// A fee is collected in two phases. The collector first submits an on-chain
// transfer and records its hash, then on later passes checks the receipt.
// A fee with a recorded hash is never resubmitted unless the transfer is known
// to have reverted, so a crash between phases cannot pay twice.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/metrics"
)

const lockKey = "fees:collector"

// Config tunes the collector.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	ConfirmDelay   time.Duration
	ConfirmTimeout time.Duration
	LockTTL        time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		BatchSize:      50,
		MaxAttempts:    8,
		BaseBackoff:    30 * time.Second,
		MaxBackoff:     time.Hour,
		ConfirmDelay:   15 * time.Second,
		ConfirmTimeout: 30 * time.Minute,
		LockTTL:        5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.BaseBackoff)
	}
	if c.ConfirmDelay <= 0 {
		c.ConfirmDelay = d.ConfirmDelay
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

// Collector drains due fee collections.
type Collector struct {
	fees     domain.FeeStore
	creds    domain.CredentialProvider
	transfer domain.FeeTransfer
	locks    domain.LockManager
	alerter  domain.Alerter
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewCollector creates a Collector. locks and alerter may be nil; without
// locks only one collector may run at a time.
func NewCollector(fees domain.FeeStore, creds domain.CredentialProvider, transfer domain.FeeTransfer,
	locks domain.LockManager, alerter domain.Alerter, cfg Config, logger *slog.Logger) *Collector {
	return &Collector{
		fees:     fees,
		creds:    creds,
		transfer: transfer,
		locks:    locks,
		alerter:  alerter,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "fee_collector")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run collects on every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("fee collector started", slog.Duration("interval", c.cfg.Interval))
	defer c.logger.Info("fee collector stopped")

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := c.RunOnce(ctx)
			if err != nil {
				c.logger.Warn("fee collection pass failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				c.logger.Info("fees collected", slog.Int("count", n))
			}
		}
	}
}

// RunOnce processes every due fee once and returns how many were confirmed
// collected. It does nothing when another instance holds the collector lock.
func (c *Collector) RunOnce(ctx context.Context) (int, error) {
	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, lockKey, c.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			c.logger.Debug("fee collector lock held elsewhere")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("payout: acquire lock: %w", err)
		}
		defer unlock()
	}

	due, err := c.fees.ListDueFees(ctx, c.now(), c.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("payout: list due fees: %w", err)
	}

	collected := 0
	var errs []error
	for _, f := range due {
		if ctx.Err() != nil {
			return collected, ctx.Err()
		}
		ok, err := c.process(ctx, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			collected++
		}
	}
	return collected, errors.Join(errs...)
}

func (c *Collector) process(ctx context.Context, f domain.FeeCollection) (bool, error) {
	if f.TxHash != "" {
		return c.confirm(ctx, f)
	}
	return false, c.submit(ctx, f)
}

func (c *Collector) submit(ctx context.Context, f domain.FeeCollection) error {
	now := c.now()
	f.Attempts++
	if f.Destination == "" {
		return c.fail(ctx, f, errors.New("no fee destination configured"))
	}

	creds, err := c.creds.GetCredentials(ctx, f.WalletAddress)
	if errors.Is(err, domain.ErrNoCredentials) {
		return c.fail(ctx, f, err)
	}
	if err != nil {
		return c.retry(ctx, f, err)
	}

	hash, err := c.transfer.Transfer(ctx, creds, f.Destination, f.Amount)
	if err != nil {
		return c.retry(ctx, f, err)
	}

	f.TxHash = hash
	f.SubmittedAt = now
	f.LastError = ""
	f.NextAttemptAt = now.Add(c.cfg.ConfirmDelay)
	if err := c.fees.UpdateFee(ctx, f); err != nil {
		c.logger.ErrorContext(ctx, "fee transfer submitted but not recorded",
			slog.String("fee", f.ID),
			slog.String("tx_hash", hash),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("payout: record transfer of fee %s: %w", f.ID, err)
	}
	c.logger.InfoContext(ctx, "fee transfer submitted",
		slog.String("fee", f.ID),
		slog.String("chain", f.UserChainKey().String()),
		slog.String("amount", f.Amount.String()),
		slog.String("tx_hash", hash),
	)
	return nil
}

func (c *Collector) confirm(ctx context.Context, f domain.FeeCollection) (bool, error) {
	now := c.now()
	ok, err := c.transfer.Confirm(ctx, f.TxHash)
	switch {
	case errors.Is(err, domain.ErrTransferReverted):
		c.logger.WarnContext(ctx, "fee transfer reverted",
			slog.String("fee", f.ID),
			slog.String("tx_hash", f.TxHash),
		)
		f.TxHash = ""
		f.SubmittedAt = time.Time{}
		return false, c.retry(ctx, f, err)
	case err != nil:
		f.NextAttemptAt = now.Add(c.cfg.ConfirmDelay)
		f.LastError = err.Error()
		return false, c.update(ctx, f)
	case ok:
		f.Status = domain.FeeCollected
		f.LastError = ""
		if err := c.update(ctx, f); err != nil {
			return false, err
		}
		metrics.FeeCollections.WithLabelValues("collected").Inc()
		c.logger.InfoContext(ctx, "fee collected",
			slog.String("fee", f.ID),
			slog.String("chain", f.UserChainKey().String()),
			slog.String("tx_hash", f.TxHash),
		)
		return true, nil
	}

	if now.Sub(f.SubmittedAt) > c.cfg.ConfirmTimeout {
		// The transfer may still be mined, so it is handed to an operator
		// instead of being resubmitted.
		return false, c.fail(ctx, f, fmt.Errorf("transfer %s unconfirmed after %s", f.TxHash, c.cfg.ConfirmTimeout))
	}
	f.NextAttemptAt = now.Add(c.cfg.ConfirmDelay)
	return false, c.update(ctx, f)
}

// retry reschedules f with exponential backoff, or fails it once attempts
// are exhausted.
func (c *Collector) retry(ctx context.Context, f domain.FeeCollection, cause error) error {
	if f.Attempts >= c.cfg.MaxAttempts {
		return c.fail(ctx, f, cause)
	}
	f.LastError = cause.Error()
	f.NextAttemptAt = c.now().Add(c.backoff(f.Attempts))
	metrics.FeeCollections.WithLabelValues("retry").Inc()
	c.logger.WarnContext(ctx, "fee collection will retry",
		slog.String("fee", f.ID),
		slog.Int("attempts", f.Attempts),
		slog.Time("next_attempt_at", f.NextAttemptAt),
		slog.String("error", cause.Error()),
	)
	return c.update(ctx, f)
}

func (c *Collector) fail(ctx context.Context, f domain.FeeCollection, cause error) error {
	f.Status = domain.FeeFailed
	f.LastError = cause.Error()
	if err := c.update(ctx, f); err != nil {
		return err
	}
	metrics.FeeCollections.WithLabelValues("failed").Inc()
	c.logger.ErrorContext(ctx, "fee collection failed",
		slog.String("fee", f.ID),
		slog.String("chain", f.UserChainKey().String()),
		slog.Int("attempts", f.Attempts),
		slog.String("error", cause.Error()),
	)
	if c.alerter != nil {
		msg := fmt.Sprintf("chain %s fee %s USDC to %s: %v", f.UserChainKey(), f.Amount, f.Destination, cause)
		if f.TxHash != "" {
			msg += " (tx " + f.TxHash + ")"
		}
		if err := c.alerter.Notify(ctx, domain.AlertFeeFailed, "Fee collection failed", msg); err != nil {
			c.logger.Warn("fee alert failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *Collector) update(ctx context.Context, f domain.FeeCollection) error {
	if err := c.fees.UpdateFee(ctx, f); err != nil {
		return fmt.Errorf("payout: update fee %s: %w", f.ID, err)
	}
	return nil
}

func (c *Collector) backoff(attempt int) time.Duration {
	d := c.cfg.BaseBackoff
	for i := 1; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, c.cfg.MaxBackoff)
}
