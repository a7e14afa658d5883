package feed

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// Dispatcher hands a batch to the consumer roles.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch []domain.ChangeEvent) error
}

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	BatchSize int
	Wait      time.Duration
	// ErrorBackoff is the pause after a failed fetch or dispatch.
	ErrorBackoff time.Duration
}

// Worker pulls batches from one or more sources and dispatches them. Each
// source is read by its own goroutine so partitions progress independently
// while staying ordered within themselves.
type Worker struct {
	sources    []Source
	dispatcher Dispatcher
	cfg        WorkerConfig
	logger     *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(sources []Source, dispatcher Dispatcher, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		sources:    sources,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "feed_worker")),
	}
}

// Run consumes until ctx is cancelled, then closes the sources.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		for _, s := range w.sources {
			if err := s.Close(); err != nil {
				w.logger.Warn("close source failed", slog.String("error", err.Error()))
			}
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, src := range w.sources {
		g.Go(func() error { return w.consume(ctx, src) })
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, src Source) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ok, err := w.Step(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("feed step failed", slog.String("error", err.Error()))
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.ErrorBackoff):
			}
		}
	}
}

// Step fetches and dispatches one batch. It reports false when the batch
// was not acknowledged and should be retried after a pause.
func (w *Worker) Step(ctx context.Context, src Source) (bool, error) {
	batch, err := src.Fetch(ctx, w.cfg.BatchSize, w.cfg.Wait)
	if err != nil {
		return false, err
	}
	if len(batch.Events) == 0 {
		return true, nil
	}
	if err := w.dispatcher.Dispatch(ctx, batch.Events); err != nil {
		return false, err
	}
	if err := src.Ack(ctx, batch); err != nil {
		return false, err
	}
	return true, nil
}
