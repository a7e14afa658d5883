package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polychain/internal/domain"
)

const userChainSelectCols = `chain_id, wallet_address, initial_stake, current_value, completed_legs,
	status, version, created_at, updated_at`

func scanUserChain(row rowScanner) (domain.UserChain, error) {
	var uc domain.UserChain
	var status string
	if err := row.Scan(
		&uc.ChainID, &uc.WalletAddress, &uc.InitialStake, &uc.CurrentValue, &uc.CompletedLegs,
		&status, &uc.Version, &uc.CreatedAt, &uc.UpdatedAt,
	); err != nil {
		return domain.UserChain{}, err
	}
	uc.Status = domain.UserChainStatus(status)
	return uc, nil
}

// CreateUserChain inserts a user chain together with its initial bets in one
// transaction.
func (l *Ledger) CreateUserChain(ctx context.Context, uc domain.UserChain, bets []domain.Bet) error {
	key := uc.Key()
	for _, b := range bets {
		if b.Key().UserChainKey() != key {
			return fmt.Errorf("postgres: bet %s does not belong to %s", b.Key(), key)
		}
	}
	now := time.Now().UTC()
	uc.Version = 1
	uc.CreatedAt, uc.UpdatedAt = now, now

	return l.withTx(ctx, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO user_chains (chain_id, wallet_address, initial_stake, current_value, completed_legs,
				status, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		if _, err := tx.Exec(ctx, query,
			uc.ChainID, uc.WalletAddress, uc.InitialStake, uc.CurrentValue, uc.CompletedLegs,
			string(uc.Status), uc.Version, uc.CreatedAt, uc.UpdatedAt,
		); err != nil {
			return mapErr("create user chain "+key.String(), err)
		}
		if err := appendChange(ctx, tx, domain.EntityUserChain, key.String(), nil, uc); err != nil {
			return err
		}
		for _, b := range bets {
			b.Version = 1
			b.CreatedAt, b.UpdatedAt = now, now
			if err := insertBet(ctx, tx, b); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetUserChain returns a user chain by key.
func (l *Ledger) GetUserChain(ctx context.Context, key domain.UserChainKey) (domain.UserChain, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+userChainSelectCols+` FROM user_chains WHERE chain_id = $1 AND wallet_address = $2`,
		key.ChainID, key.WalletAddress,
	)
	uc, err := scanUserChain(row)
	if err != nil {
		return domain.UserChain{}, mapErr("get user chain "+key.String(), err)
	}
	return uc, nil
}

// UpdateUserChain applies up under its guard. On a guard failure the current
// image is returned with ErrPreconditionFailed.
func (l *Ledger) UpdateUserChain(ctx context.Context, up domain.UserChainUpdate) (domain.UserChain, error) {
	var out domain.UserChain
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+userChainSelectCols+` FROM user_chains WHERE chain_id = $1 AND wallet_address = $2 FOR UPDATE`,
			up.Key.ChainID, up.Key.WalletAddress,
		)
		prev, err := scanUserChain(row)
		if err != nil {
			return mapErr("lock user chain "+up.Key.String(), err)
		}
		if !up.Matches(prev) {
			out = prev
			return fmt.Errorf("postgres: user chain %s is %s: %w", up.Key, prev.Status, domain.ErrPreconditionFailed)
		}

		next := prev
		up.Apply(&next, time.Now().UTC())
		const query = `
			UPDATE user_chains SET current_value = $3, completed_legs = $4, status = $5, version = $6, updated_at = $7
			WHERE chain_id = $1 AND wallet_address = $2`
		if _, err := tx.Exec(ctx, query,
			next.ChainID, next.WalletAddress, next.CurrentValue, next.CompletedLegs,
			string(next.Status), next.Version, next.UpdatedAt,
		); err != nil {
			return mapErr("update user chain "+up.Key.String(), err)
		}
		out = next
		return appendChange(ctx, tx, domain.EntityUserChain, up.Key.String(), prev, next)
	})
	return out, err
}

// ListUserChains returns user chains in any of statuses, or all when empty.
func (l *Ledger) ListUserChains(ctx context.Context, statuses []domain.UserChainStatus, opts domain.ListOpts) ([]domain.UserChain, error) {
	query := `SELECT ` + userChainSelectCols + ` FROM user_chains`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		args = append(args, names)
		query += ` WHERE status = ANY($1)`
	}
	query, args = paginate(query+` ORDER BY chain_id, wallet_address`, args, opts)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list user chains", err)
	}
	defer rows.Close()

	var out []domain.UserChain
	for rows.Next() {
		uc, err := scanUserChain(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan user chain: %w", err)
		}
		out = append(out, uc)
	}
	return out, rows.Err()
}
