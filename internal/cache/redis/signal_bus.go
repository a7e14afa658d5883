package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/metrics"
)

// busBuffer is how many payloads a subscription holds before it starts
// dropping.
const busBuffer = 256

// SignalBus carries live-subscriber messages between instances over Redis
// Pub/Sub. Delivery is at most once: a subscriber that falls behind loses
// messages rather than stalling the connection.
type SignalBus struct {
	rdb *redis.Client
}

var _ domain.SignalBus = (*SignalBus)(nil)

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

// Publish sends payload on channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel, which may be a glob pattern. The returned
// channel closes when ctx is cancelled or the subscription breaks.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = sb.rdb.PSubscribe(ctx, channel)
	} else {
		ps = sb.rdb.Subscribe(ctx, channel)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, busBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					metrics.BusDropped.WithLabelValues(channel).Inc()
				}
			}
		}
	}()
	return out, nil
}
