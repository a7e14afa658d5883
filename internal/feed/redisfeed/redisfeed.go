// Package redisfeed carries the change feed over Redis Streams. Each
// partition is one stream; workers read through a consumer group so that
// unacknowledged entries are redelivered after a restart.
package redisfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/feed"
)

// streamMaxLen trims each partition stream with XADD MAXLEN ~.
const streamMaxLen int64 = 100000

// StreamName returns the stream that carries partition p.
func StreamName(prefix string, p int) string {
	return prefix + ":" + strconv.Itoa(p)
}

// Publisher implements feed.Publisher.
type Publisher struct {
	rdb        *redis.Client
	prefix     string
	partitions int
}

// NewPublisher creates a Publisher writing to partitions streams under prefix.
func NewPublisher(rdb *redis.Client, prefix string, partitions int) *Publisher {
	return &Publisher{rdb: rdb, prefix: prefix, partitions: partitions}
}

// Publish appends evt to its partition stream.
func (p *Publisher) Publish(ctx context.Context, evt domain.ChangeEvent) error {
	data, err := feed.Encode(evt)
	if err != nil {
		return err
	}
	stream := StreamName(p.prefix, feed.Partition(evt.PartitionKey, p.partitions))
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": data},
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redisfeed: xadd %s: %w", stream, err)
	}
	return nil
}

// Source reads one partition stream through a consumer group.
type Source struct {
	rdb       *redis.Client
	stream    string
	partition int
	group     string
	consumer  string
	logger    *slog.Logger

	// replay is set when the previous batch was not acknowledged, so the
	// next read starts from this consumer's pending entries.
	replay  bool
	unacked bool
}

// NewSource creates the consumer group if needed and returns a Source.
func NewSource(ctx context.Context, rdb *redis.Client, prefix string, partition int, group, consumer string, logger *slog.Logger) (*Source, error) {
	stream := StreamName(prefix, partition)
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redisfeed: create group %s on %s: %w", group, stream, err)
	}
	return &Source{
		rdb:       rdb,
		stream:    stream,
		partition: partition,
		group:     group,
		consumer:  consumer,
		logger:    logger.With(slog.String("component", "redisfeed"), slog.String("stream", stream)),
		// Pick up anything left pending by a previous run first.
		replay: true,
	}, nil
}

// Fetch implements feed.Source.
func (s *Source) Fetch(ctx context.Context, max int, wait time.Duration) (feed.Batch, error) {
	if s.unacked {
		s.replay = true
	}
	s.unacked = false

	if s.replay {
		msgs, err := s.read(ctx, "0", max, -1)
		if err != nil {
			return feed.Batch{}, err
		}
		if len(msgs) > 0 {
			return s.batch(ctx, msgs)
		}
		s.replay = false
	}

	msgs, err := s.read(ctx, ">", max, wait)
	if err != nil {
		return feed.Batch{}, err
	}
	return s.batch(ctx, msgs)
}

// read issues XREADGROUP. A negative block means do not block.
func (s *Source) read(ctx context.Context, id string, max int, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, id},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisfeed: xreadgroup %s: %w", s.stream, err)
	}
	var out []redis.XMessage
	for _, st := range res {
		out = append(out, st.Messages...)
	}
	return out, nil
}

func (s *Source) batch(ctx context.Context, msgs []redis.XMessage) (feed.Batch, error) {
	b := feed.Batch{Partition: s.partition}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		raw, ok := m.Values["payload"].(string)
		if !ok {
			s.logger.Error("dropping entry without payload", slog.String("id", m.ID))
			continue
		}
		evt, err := feed.Decode([]byte(raw))
		if err != nil {
			s.logger.Error("dropping undecodable entry",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		b.Events = append(b.Events, evt)
	}
	b.Token = ids
	if len(ids) > 0 {
		s.unacked = true
	}
	if len(b.Events) == 0 && len(ids) > 0 {
		// Only undecodable entries; acknowledge them so they do not block
		// the partition.
		return feed.Batch{Partition: s.partition}, s.Ack(ctx, b)
	}
	return b, nil
}

// Ack implements feed.Source.
func (s *Source) Ack(ctx context.Context, b feed.Batch) error {
	ids, _ := b.Token.([]string)
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, s.stream, s.group, ids...).Err(); err != nil {
		return fmt.Errorf("redisfeed: xack %s: %w", s.stream, err)
	}
	s.unacked = false
	return nil
}

// Close implements feed.Source. The client is owned by the caller.
func (s *Source) Close() error { return nil }

// Sources opens one Source per owned partition.
func Sources(ctx context.Context, rdb *redis.Client, prefix string, partitions []int, group, consumer string, logger *slog.Logger) ([]feed.Source, error) {
	out := make([]feed.Source, 0, len(partitions))
	for _, p := range partitions {
		src, err := NewSource(ctx, rdb, prefix, p, group, consumer, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}
