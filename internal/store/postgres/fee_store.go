package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
)

const feeSelectCols = `id, chain_id, wallet_address, payout, initial_stake, amount, destination, status,
	attempts, next_attempt_at, tx_hash, submitted_at, last_error, created_at, updated_at`

// ScheduleFee inserts a fee collection. A second fee for the same user chain
// yields ErrAlreadyExists.
func (l *Ledger) ScheduleFee(ctx context.Context, f domain.FeeCollection) error {
	now := time.Now().UTC()
	if f.NextAttemptAt.IsZero() {
		f.NextAttemptAt = now
	}
	const query = `
		INSERT INTO fee_collections (id, chain_id, wallet_address, payout, initial_stake, amount, destination,
			status, attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`
	_, err := l.pool.Exec(ctx, query,
		f.ID, f.ChainID, f.WalletAddress, f.Payout, f.InitialStake, f.Amount, f.Destination,
		string(f.Status), f.Attempts, f.NextAttemptAt, now,
	)
	return mapErr("schedule fee "+f.UserChainKey().String(), err)
}

// ListDueFees returns pending fees whose next attempt is at or before now.
func (l *Ledger) ListDueFees(ctx context.Context, now time.Time, limit int) ([]domain.FeeCollection, error) {
	query := `SELECT ` + feeSelectCols + ` FROM fee_collections
		WHERE status = $1 AND next_attempt_at <= $2 ORDER BY next_attempt_at`
	args := []any{string(domain.FeePending), now}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list due fees", err)
	}
	defer rows.Close()

	var out []domain.FeeCollection
	for rows.Next() {
		var f domain.FeeCollection
		var status string
		var submitted *time.Time
		if err := rows.Scan(
			&f.ID, &f.ChainID, &f.WalletAddress, &f.Payout, &f.InitialStake, &f.Amount, &f.Destination, &status,
			&f.Attempts, &f.NextAttemptAt, &f.TxHash, &submitted, &f.LastError, &f.CreatedAt, &f.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan fee: %w", err)
		}
		f.Status = domain.FeeStatus(status)
		if submitted != nil {
			f.SubmittedAt = *submitted
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFee persists the mutable fields of a fee collection.
func (l *Ledger) UpdateFee(ctx context.Context, f domain.FeeCollection) error {
	const query = `
		UPDATE fee_collections SET status = $3, attempts = $4, next_attempt_at = $5, tx_hash = $6,
			submitted_at = $7, last_error = $8, updated_at = NOW()
		WHERE chain_id = $1 AND wallet_address = $2`
	var submitted *time.Time
	if !f.SubmittedAt.IsZero() {
		submitted = &f.SubmittedAt
	}
	tag, err := l.pool.Exec(ctx, query,
		f.ChainID, f.WalletAddress, string(f.Status), f.Attempts, f.NextAttemptAt, f.TxHash, submitted, f.LastError,
	)
	if err != nil {
		return mapErr("update fee "+f.UserChainKey().String(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update fee %s: %w", f.UserChainKey(), domain.ErrNotFound)
	}
	return nil
}
