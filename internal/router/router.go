// Package router splits the single change feed into per-consumer work
// streams using declarative predicates.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// MaxPredicatesPerRoute bounds how many predicates one route may declare.
const MaxPredicatesPerRoute = 5

// Consumer handles one change event. Handlers must be idempotent: the router
// delivers at least once.
type Consumer interface {
	Handle(ctx context.Context, evt domain.ChangeEvent) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, evt domain.ChangeEvent) error

// Handle calls f.
func (f ConsumerFunc) Handle(ctx context.Context, evt domain.ChangeEvent) error {
	return f(ctx, evt)
}

// Route binds a named set of predicates to exactly one consumer. An event is
// delivered to a route when any of its predicates match.
type Route struct {
	Name       string
	Predicates []Predicate
	Consumer   Consumer
}

func (r Route) matches(evt domain.ChangeEvent) bool {
	for _, p := range r.Predicates {
		if p.Match(evt) {
			return true
		}
	}
	return false
}

// Options tunes failure handling.
type Options struct {
	// MaxRetries is how many times a batch is retried from its failure point
	// before it is treated as poisoned.
	MaxRetries int
	// RetryBackoff is the base delay between retries; it doubles per attempt.
	RetryBackoff time.Duration
	// Bisect splits a poisoned batch so only the failing event is dead
	// lettered. When false the remainder of the batch is dead lettered.
	Bisect bool
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{MaxRetries: 3, RetryBackoff: 200 * time.Millisecond, Bisect: true}
}

// Router evaluates routes against batches of change events.
type Router struct {
	routes []Route
	opts   Options
	dlq    domain.DeadLetterSink
	logger *slog.Logger
}

// New validates routes and creates a Router. dlq may be nil, in which case
// poison events are only logged.
func New(routes []Route, opts Options, dlq domain.DeadLetterSink, logger *slog.Logger) (*Router, error) {
	seen := make(map[string]bool, len(routes))
	for _, r := range routes {
		if r.Name == "" {
			return nil, fmt.Errorf("router: route without a name")
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("router: duplicate route %q", r.Name)
		}
		seen[r.Name] = true
		if r.Consumer == nil {
			return nil, fmt.Errorf("router: route %q has no consumer", r.Name)
		}
		if len(r.Predicates) == 0 || len(r.Predicates) > MaxPredicatesPerRoute {
			return nil, fmt.Errorf("router: route %q needs 1..%d predicates, has %d",
				r.Name, MaxPredicatesPerRoute, len(r.Predicates))
		}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Router{
		routes: routes,
		opts:   opts,
		dlq:    dlq,
		logger: logger.With(slog.String("component", "router")),
	}, nil
}

// Routes returns the configured route names.
func (r *Router) Routes() []string {
	names := make([]string, len(r.routes))
	for i, rt := range r.routes {
		names[i] = rt.Name
	}
	return names
}

// Dispatch delivers batch to every matching route. Routes run concurrently;
// within a route events are handled in batch order. Non-matching events are
// dropped. The returned error is non-nil only when the batch must be
// redelivered (context cancellation or a dead-letter write failure).
func (r *Router) Dispatch(ctx context.Context, batch []domain.ChangeEvent) error {
	if len(batch) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range r.routes {
		items := make([]domain.ChangeEvent, 0, len(batch))
		for _, evt := range batch {
			if rt.matches(evt) {
				items = append(items, evt)
			}
		}
		if len(items) == 0 {
			continue
		}
		metrics.EventsRouted.WithLabelValues(rt.Name).Add(float64(len(items)))
		g.Go(func() error {
			return r.deliver(gctx, rt, items)
		})
	}
	return g.Wait()
}

// Redeliver hands a single dead-lettered event back to the named route's
// consumer, bypassing predicates and the dead-letter sink.
func (r *Router) Redeliver(ctx context.Context, route string, evt domain.ChangeEvent) error {
	for _, rt := range r.routes {
		if rt.Name != route {
			continue
		}
		if _, err := r.run(ctx, rt, []domain.ChangeEvent{evt}); err != nil {
			return fmt.Errorf("router: redeliver %s to %s: %w", evt.ID, route, err)
		}
		return nil
	}
	return fmt.Errorf("router: unknown route %q", route)
}

// deliver runs items through the route's consumer, retrying from the failure
// point. A batch that keeps failing is bisected until the poison event is
// isolated, or its remainder is dead lettered when bisection is off.
func (r *Router) deliver(ctx context.Context, rt Route, items []domain.ChangeEvent) error {
	start := 0
	attempts := 0
	var lastErr error
	for start < len(items) {
		failedAt, err := r.run(ctx, rt, items[start:])
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start += failedAt
		lastErr = err
		attempts++
		if attempts > r.opts.MaxRetries {
			break
		}
		r.logger.Warn("consumer failed, retrying from failure point",
			slog.String("route", rt.Name),
			slog.String("event_id", items[start].ID),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)
		if err := sleep(ctx, r.backoff(attempts)); err != nil {
			return err
		}
	}
	if start >= len(items) {
		return nil
	}

	remaining := items[start:]
	if !r.opts.Bisect || len(remaining) == 1 {
		for _, evt := range remaining {
			if err := r.deadLetter(ctx, rt, evt, lastErr, attempts); err != nil {
				return err
			}
		}
		return nil
	}

	mid := len(remaining) / 2
	if err := r.deliver(ctx, rt, remaining[:mid]); err != nil {
		return err
	}
	return r.deliver(ctx, rt, remaining[mid:])
}

// run hands items to the consumer in order and reports the index of the
// first failure.
func (r *Router) run(ctx context.Context, rt Route, items []domain.ChangeEvent) (int, error) {
	for i, evt := range items {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		began := time.Now()
		err := rt.Consumer.Handle(ctx, evt)
		metrics.RecordConsumer(rt.Name, time.Since(began), err)
		if err != nil {
			return i, err
		}
	}
	return len(items), nil
}

func (r *Router) deadLetter(ctx context.Context, rt Route, evt domain.ChangeEvent, cause error, attempts int) error {
	metrics.DeadLetters.WithLabelValues(rt.Name).Inc()
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	r.logger.Error("poison event skipped",
		slog.String("route", rt.Name),
		slog.String("event_id", evt.ID),
		slog.String("entity", string(evt.EntityKind)),
		slog.String("partition", evt.PartitionKey),
		slog.Int64("sequence", evt.Sequence),
		slog.String("error", msg),
	)
	if r.dlq == nil {
		return nil
	}
	dl := domain.DeadLetter{
		Route:    rt.Name,
		Event:    evt,
		Error:    msg,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if err := r.dlq.DeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("router: dead letter %s: %w", evt.ID, err)
	}
	return nil
}

func (r *Router) backoff(attempt int) time.Duration {
	if r.opts.RetryBackoff <= 0 {
		return 0
	}
	d := r.opts.RetryBackoff << (attempt - 1)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
