package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polychain/internal/domain"
)

const betSelectCols = `chain_id, wallet_address, sequence, condition_id, side, target_price, stake,
	potential_payout, status, outcome, actual_payout, order_id, filled_price, attempts,
	failure_reason, version, created_at, updated_at`

func scanBet(row rowScanner) (domain.Bet, error) {
	var b domain.Bet
	var side, status, outcome string
	if err := row.Scan(
		&b.ChainID, &b.WalletAddress, &b.Sequence, &b.ConditionID, &side, &b.TargetPrice, &b.Stake,
		&b.PotentialPayout, &status, &outcome, &b.ActualPayout, &b.OrderID, &b.FilledPrice, &b.Attempts,
		&b.FailureReason, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return domain.Bet{}, err
	}
	b.Side = domain.Side(side)
	b.Status = domain.BetStatus(status)
	b.Outcome = domain.BetOutcome(outcome)
	return b, nil
}

func collectBets(rows pgx.Rows) ([]domain.Bet, error) {
	defer rows.Close()
	var out []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func insertBet(ctx context.Context, tx pgx.Tx, b domain.Bet) error {
	const query = `
		INSERT INTO bets (chain_id, wallet_address, sequence, condition_id, side, target_price, stake,
			potential_payout, status, outcome, actual_payout, order_id, filled_price, attempts,
			failure_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	if _, err := tx.Exec(ctx, query,
		b.ChainID, b.WalletAddress, b.Sequence, b.ConditionID, string(b.Side), b.TargetPrice, b.Stake,
		b.PotentialPayout, string(b.Status), string(b.Outcome), b.ActualPayout, b.OrderID, b.FilledPrice, b.Attempts,
		b.FailureReason, b.Version, b.CreatedAt, b.UpdatedAt,
	); err != nil {
		return mapErr("create bet "+b.Key().String(), err)
	}
	return appendChange(ctx, tx, domain.EntityBet, b.Key().String(), nil, b)
}

// GetBet returns a bet by key.
func (l *Ledger) GetBet(ctx context.Context, key domain.BetKey) (domain.Bet, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+betSelectCols+` FROM bets WHERE chain_id = $1 AND wallet_address = $2 AND sequence = $3`,
		key.ChainID, key.WalletAddress, key.Sequence,
	)
	b, err := scanBet(row)
	if err != nil {
		return domain.Bet{}, mapErr("get bet "+key.String(), err)
	}
	return b, nil
}

// CreateBet inserts a single bet.
func (l *Ledger) CreateBet(ctx context.Context, b domain.Bet) error {
	now := time.Now().UTC()
	b.Version = 1
	b.CreatedAt, b.UpdatedAt = now, now
	return l.withTx(ctx, func(tx pgx.Tx) error {
		return insertBet(ctx, tx, b)
	})
}

// UpdateBet applies up under its status guard. On a guard failure the
// current image is returned with ErrPreconditionFailed.
func (l *Ledger) UpdateBet(ctx context.Context, up domain.BetUpdate) (domain.Bet, error) {
	var out domain.Bet
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+betSelectCols+` FROM bets
			 WHERE chain_id = $1 AND wallet_address = $2 AND sequence = $3 FOR UPDATE`,
			up.Key.ChainID, up.Key.WalletAddress, up.Key.Sequence,
		)
		prev, err := scanBet(row)
		if err != nil {
			return mapErr("lock bet "+up.Key.String(), err)
		}
		if !up.Matches(prev) {
			out = prev
			return fmt.Errorf("postgres: bet %s is %s: %w", up.Key, prev.Status, domain.ErrPreconditionFailed)
		}

		next := prev
		up.Apply(&next, time.Now().UTC())
		const query = `
			UPDATE bets SET
				stake = $4, potential_payout = $5, status = $6, outcome = $7, actual_payout = $8,
				order_id = $9, filled_price = $10, attempts = $11, failure_reason = $12,
				version = $13, updated_at = $14
			WHERE chain_id = $1 AND wallet_address = $2 AND sequence = $3`
		if _, err := tx.Exec(ctx, query,
			next.ChainID, next.WalletAddress, next.Sequence,
			next.Stake, next.PotentialPayout, string(next.Status), string(next.Outcome), next.ActualPayout,
			next.OrderID, next.FilledPrice, next.Attempts, next.FailureReason,
			next.Version, next.UpdatedAt,
		); err != nil {
			return mapErr("update bet "+up.Key.String(), err)
		}
		out = next
		return appendChange(ctx, tx, domain.EntityBet, up.Key.String(), prev, next)
	})
	return out, err
}

// ListBetsByCondition returns bets on a market, optionally restricted to
// statuses.
func (l *Ledger) ListBetsByCondition(ctx context.Context, conditionID string, statuses ...domain.BetStatus) ([]domain.Bet, error) {
	query := `SELECT ` + betSelectCols + ` FROM bets WHERE condition_id = $1`
	args := []any{conditionID}
	if len(statuses) > 0 {
		args = append(args, betStatusNames(statuses))
		query += ` AND status = ANY($2)`
	}
	rows, err := l.pool.Query(ctx, query+` ORDER BY chain_id, wallet_address, sequence`, args...)
	if err != nil {
		return nil, mapErr("list bets by condition "+conditionID, err)
	}
	return collectBets(rows)
}

// ListBetsByUserChain returns every bet of a user chain in sequence order.
func (l *Ledger) ListBetsByUserChain(ctx context.Context, key domain.UserChainKey) ([]domain.Bet, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+betSelectCols+` FROM bets WHERE chain_id = $1 AND wallet_address = $2 ORDER BY sequence`,
		key.ChainID, key.WalletAddress,
	)
	if err != nil {
		return nil, mapErr("list bets "+key.String(), err)
	}
	return collectBets(rows)
}

// ListBetsByStatus returns up to limit bets in status, oldest update first.
func (l *Ledger) ListBetsByStatus(ctx context.Context, status domain.BetStatus, limit int) ([]domain.Bet, error) {
	query := `SELECT ` + betSelectCols + ` FROM bets WHERE status = $1 ORDER BY updated_at`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list bets by status", err)
	}
	return collectBets(rows)
}

func (l *Ledger) listBets(ctx context.Context) ([]domain.Bet, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+betSelectCols+` FROM bets ORDER BY chain_id, wallet_address, sequence`)
	if err != nil {
		return nil, mapErr("list bets", err)
	}
	return collectBets(rows)
}

func betStatusNames(statuses []domain.BetStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
