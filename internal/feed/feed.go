// Package feed moves ledger change events from the outbox to the workers.
// The outbox relay publishes every event to a partitioned transport; a worker
// reads its partitions in order and hands each batch to the router.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// Publisher appends a change event to the transport partition that owns its
// partition key.
type Publisher interface {
	Publish(ctx context.Context, evt domain.ChangeEvent) error
}

// Batch is a group of events read from one partition, in order.
type Batch struct {
	Partition int
	Events    []domain.ChangeEvent
	// Token is transport-specific acknowledgement state.
	Token any
}

// Source reads batches from the transport. A batch that is not acknowledged
// is delivered again by a later Fetch.
type Source interface {
	// Fetch blocks up to wait for at most max events. An empty batch with a
	// nil error means nothing arrived in time.
	Fetch(ctx context.Context, max int, wait time.Duration) (Batch, error)
	Ack(ctx context.Context, b Batch) error
	Close() error
}

// Partition maps a partition key onto one of n transport partitions.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Owned returns the partitions a worker with the given index owns out of
// count workers sharing n partitions.
func Owned(n, index, count int) ([]int, error) {
	if n < 1 {
		return nil, fmt.Errorf("feed: partitions must be positive, got %d", n)
	}
	if count < 1 || index < 0 || index >= count {
		return nil, fmt.Errorf("feed: worker index %d out of range for %d workers", index, count)
	}
	var out []int
	for p := index; p < n; p += count {
		out = append(out, p)
	}
	return out, nil
}
