package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// PendingChanges returns up to limit unrelayed outbox rows in seq order.
func (l *Ledger) PendingChanges(ctx context.Context, limit int) ([]domain.ChangeEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `
		SELECT seq, id, partition_key, entity_kind, event_kind, before_image, after_image, committed_at
		FROM change_events
		WHERE relayed_at IS NULL
		ORDER BY seq
		LIMIT $1`
	rows, err := l.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, mapErr("pending changes", err)
	}
	defer rows.Close()

	var out []domain.ChangeEvent
	for rows.Next() {
		var evt domain.ChangeEvent
		var entity, event string
		var before, after []byte
		if err := rows.Scan(&evt.Sequence, &evt.ID, &evt.PartitionKey, &entity, &event, &before, &after, &evt.CommittedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan change: %w", err)
		}
		evt.EntityKind = domain.EntityKind(entity)
		evt.EventKind = domain.EventKind(event)
		evt.Before = before
		evt.After = after
		out = append(out, evt)
	}
	return out, rows.Err()
}

// MarkRelayed marks every outbox row up to and including seq as relayed.
func (l *Ledger) MarkRelayed(ctx context.Context, seq int64) error {
	const query = `UPDATE change_events SET relayed_at = NOW() WHERE seq <= $1 AND relayed_at IS NULL`
	if _, err := l.pool.Exec(ctx, query, seq); err != nil {
		return fmt.Errorf("postgres: mark relayed %d: %w", seq, err)
	}
	return nil
}

// PruneRelayed deletes relayed outbox rows older than the newest keep rows.
func (l *Ledger) PruneRelayed(ctx context.Context, keep int64) (int64, error) {
	const query = `
		DELETE FROM change_events
		WHERE relayed_at IS NOT NULL
		  AND seq < (SELECT COALESCE(MAX(seq), 0) - $1 FROM change_events)`
	tag, err := l.pool.Exec(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune changes: %w", err)
	}
	return tag.RowsAffected(), nil
}
