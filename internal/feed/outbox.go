package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/metrics"
)

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// Keep is how many relayed rows survive a prune. Pruning runs every
	// PruneEvery when the change log supports it; zero disables it.
	Keep       int64
	PruneEvery time.Duration
}

// Pruner is implemented by change logs that can drop relayed rows.
type Pruner interface {
	PruneRelayed(ctx context.Context, keep int64) (int64, error)
}

// Relay drains the ledger outbox into the transport in sequence order.
// Delivery is at-least-once: a crash between Publish and MarkRelayed
// republishes the tail, and consumers are idempotent.
type Relay struct {
	log    domain.ChangeLog
	out    Publisher
	cfg    RelayConfig
	logger *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(log domain.ChangeLog, out Publisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Relay{
		log:    log,
		out:    out,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "outbox_relay")),
	}
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", slog.Int("batch_size", r.cfg.BatchSize))
	defer r.logger.Info("outbox relay stopped")

	lastPrune := time.Now()
	for {
		if r.cfg.PruneEvery > 0 && time.Since(lastPrune) >= r.cfg.PruneEvery {
			r.prune(ctx)
			lastPrune = time.Now()
		}
		n, err := r.RelayOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("relay failed", slog.String("error", err.Error()))
		}
		if n == r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// RelayOnce publishes one batch of pending changes and returns how many were
// relayed. The cursor advances only past events that were published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	pending, err := r.log.PendingChanges(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("feed: pending changes: %w", err)
	}

	relayed := 0
	var last int64
	var pubErr error
	for _, evt := range pending {
		if err := r.out.Publish(ctx, evt); err != nil {
			pubErr = fmt.Errorf("feed: publish seq %d: %w", evt.Sequence, err)
			break
		}
		last = evt.Sequence
		relayed++
	}

	if relayed > 0 {
		if err := r.log.MarkRelayed(ctx, last); err != nil {
			return 0, fmt.Errorf("feed: mark relayed %d: %w", last, err)
		}
		metrics.ChangesRelayed.Add(float64(relayed))
		r.logger.Debug("relayed changes", slog.Int("count", relayed), slog.Int64("through_seq", last))
	}
	return relayed, pubErr
}

func (r *Relay) prune(ctx context.Context) {
	p, ok := r.log.(Pruner)
	if !ok {
		return
	}
	n, err := p.PruneRelayed(ctx, r.cfg.Keep)
	if err != nil {
		r.logger.Warn("prune relayed changes failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		r.logger.Info("pruned relayed changes", slog.Int64("rows", n))
	}
}
