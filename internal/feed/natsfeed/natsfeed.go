// Package natsfeed carries the change feed over NATS JetStream. Partition p
// is the subject <prefix>.p<p> of a single stream; each partition has its
// own durable pull consumer with at most one batch in flight.
package natsfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/feed"
)

// Config describes the stream layout.
type Config struct {
	URL        string
	Stream     string
	Prefix     string
	Partitions int
	MaxAge     time.Duration
	AckWait    time.Duration
}

// Subject returns the subject of partition p.
func Subject(prefix string, p int) string {
	return fmt.Sprintf("%s.p%d", prefix, p)
}

// Connect establishes a NATS connection and returns a JetStream handle.
func Connect(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("natsfeed: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("natsfeed: jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates the change stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg Config) error {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("natsfeed: ensure stream %s: %w", cfg.Stream, err)
	}
	return nil
}

// Publisher implements feed.Publisher.
type Publisher struct {
	js         jetstream.JetStream
	prefix     string
	partitions int
}

// NewPublisher creates a Publisher.
func NewPublisher(js jetstream.JetStream, cfg Config) *Publisher {
	return &Publisher{js: js, prefix: cfg.Prefix, partitions: cfg.Partitions}
}

// Publish sends evt to its partition subject. The event id doubles as the
// JetStream message id so a relay retry inside the dedup window is dropped.
func (p *Publisher) Publish(ctx context.Context, evt domain.ChangeEvent) error {
	data, err := feed.Encode(evt)
	if err != nil {
		return err
	}
	subject := Subject(p.prefix, feed.Partition(evt.PartitionKey, p.partitions))
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(evt.ID)); err != nil {
		return fmt.Errorf("natsfeed: publish %s: %w", subject, err)
	}
	return nil
}

// Source pulls one partition.
type Source struct {
	consumer  jetstream.Consumer
	partition int
	logger    *slog.Logger
}

// NewSource creates or updates the durable consumer for partition p.
func NewSource(ctx context.Context, js jetstream.JetStream, cfg Config, group string, p int, batch int, logger *slog.Logger) (*Source, error) {
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = 5 * time.Minute
	}
	name := fmt.Sprintf("%s-p%d", group, p)
	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: Subject(cfg.Prefix, p),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxAckPending: batch,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("natsfeed: consumer %s: %w", name, err)
	}
	return &Source{
		consumer:  consumer,
		partition: p,
		logger:    logger.With(slog.String("component", "natsfeed"), slog.String("consumer", name)),
	}, nil
}

// Fetch implements feed.Source.
func (s *Source) Fetch(ctx context.Context, max int, wait time.Duration) (feed.Batch, error) {
	msgs, err := s.consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return feed.Batch{}, fmt.Errorf("natsfeed: fetch: %w", err)
	}

	b := feed.Batch{Partition: s.partition}
	var raw []jetstream.Msg
	for m := range msgs.Messages() {
		evt, err := feed.Decode(m.Data())
		if err != nil {
			s.logger.Error("terminating undecodable message", slog.String("error", err.Error()))
			_ = m.Term()
			continue
		}
		raw = append(raw, m)
		b.Events = append(b.Events, evt)
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && !errors.Is(err, nats.ErrTimeout) {
		return feed.Batch{}, fmt.Errorf("natsfeed: fetch: %w", err)
	}
	b.Token = raw
	return b, nil
}

// Ack implements feed.Source.
func (s *Source) Ack(ctx context.Context, b feed.Batch) error {
	msgs, _ := b.Token.([]jetstream.Msg)
	for _, m := range msgs {
		if err := m.DoubleAck(ctx); err != nil {
			return fmt.Errorf("natsfeed: ack: %w", err)
		}
	}
	return nil
}

// Close implements feed.Source.
func (s *Source) Close() error { return nil }
