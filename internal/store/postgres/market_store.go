package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polychain/internal/domain"
)

const marketSelectCols = `condition_id, question, yes_token_id, no_token_id, status, outcome,
	end_date, resolution_date, version, updated_at`

func scanMarket(row rowScanner) (domain.Market, error) {
	var m domain.Market
	var status, outcome string
	err := row.Scan(
		&m.ConditionID, &m.Question, &m.YesTokenID, &m.NoTokenID, &status, &outcome,
		&m.EndDate, &m.ResolutionDate, &m.Version, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.Outcome = domain.Side(outcome)
	return m, nil
}

func getMarketForUpdate(ctx context.Context, tx pgx.Tx, conditionID string) (domain.Market, error) {
	row := tx.QueryRow(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE condition_id = $1 FOR UPDATE`, conditionID)
	return scanMarket(row)
}

// GetMarket returns a market by condition id.
func (l *Ledger) GetMarket(ctx context.Context, conditionID string) (domain.Market, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE condition_id = $1`, conditionID)
	m, err := scanMarket(row)
	if err != nil {
		return domain.Market{}, mapErr("get market "+conditionID, err)
	}
	return m, nil
}

// UpsertMarket inserts or updates a market's metadata. A resolved market is
// never overwritten.
func (l *Ledger) UpsertMarket(ctx context.Context, m domain.Market) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return l.withTx(ctx, func(tx pgx.Tx) error {
		prev, err := getMarketForUpdate(ctx, tx, m.ConditionID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			m.Version = 1
			m.UpdatedAt = time.Now().UTC()
			const insert = `
				INSERT INTO markets (condition_id, question, yes_token_id, no_token_id, status, outcome,
					end_date, resolution_date, version, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
			if _, err := tx.Exec(ctx, insert,
				m.ConditionID, m.Question, m.YesTokenID, m.NoTokenID, string(m.Status), string(m.Outcome),
				m.EndDate, m.ResolutionDate, m.Version, m.UpdatedAt,
			); err != nil {
				return mapErr("insert market "+m.ConditionID, err)
			}
			return appendChange(ctx, tx, domain.EntityMarket, m.Key(), nil, m)
		case err != nil:
			return mapErr("lock market "+m.ConditionID, err)
		}

		if prev.Status == domain.MarketStatusResolved {
			return fmt.Errorf("postgres: market %s already resolved: %w", m.ConditionID, domain.ErrPreconditionFailed)
		}
		m.Version = prev.Version + 1
		m.UpdatedAt = time.Now().UTC()
		const update = `
			UPDATE markets SET
				question = $2, yes_token_id = $3, no_token_id = $4, status = $5, outcome = $6,
				end_date = $7, resolution_date = $8, version = $9, updated_at = $10
			WHERE condition_id = $1`
		if _, err := tx.Exec(ctx, update,
			m.ConditionID, m.Question, m.YesTokenID, m.NoTokenID, string(m.Status), string(m.Outcome),
			m.EndDate, m.ResolutionDate, m.Version, m.UpdatedAt,
		); err != nil {
			return mapErr("update market "+m.ConditionID, err)
		}
		return appendChange(ctx, tx, domain.EntityMarket, m.Key(), prev, m)
	})
}

// ResolveMarket moves a market to RESOLVED with the given outcome. When the
// market is already resolved the stored image is returned with
// ErrPreconditionFailed.
func (l *Ledger) ResolveMarket(ctx context.Context, conditionID string, outcome domain.Side, at time.Time) (domain.Market, error) {
	if !outcome.Valid() {
		return domain.Market{}, fmt.Errorf("postgres: resolve %s: invalid outcome %q", conditionID, outcome)
	}
	var out domain.Market
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		prev, err := getMarketForUpdate(ctx, tx, conditionID)
		if err != nil {
			return mapErr("lock market "+conditionID, err)
		}
		if prev.Status == domain.MarketStatusResolved {
			out = prev
			return fmt.Errorf("postgres: market %s already resolved: %w", conditionID, domain.ErrPreconditionFailed)
		}
		next := prev
		next.Status = domain.MarketStatusResolved
		next.Outcome = outcome
		next.ResolutionDate = &at
		next.Version++
		next.UpdatedAt = time.Now().UTC()

		const update = `
			UPDATE markets SET status = $2, outcome = $3, resolution_date = $4, version = $5, updated_at = $6
			WHERE condition_id = $1`
		if _, err := tx.Exec(ctx, update,
			conditionID, string(next.Status), string(next.Outcome), next.ResolutionDate, next.Version, next.UpdatedAt,
		); err != nil {
			return mapErr("resolve market "+conditionID, err)
		}
		out = next
		return appendChange(ctx, tx, domain.EntityMarket, next.Key(), prev, next)
	})
	return out, err
}

// listMarkets returns every market ordered by condition id.
func (l *Ledger) listMarkets(ctx context.Context) ([]domain.Market, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+marketSelectCols+` FROM markets ORDER BY condition_id`)
	if err != nil {
		return nil, mapErr("list markets", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
