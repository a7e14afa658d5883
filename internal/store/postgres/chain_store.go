package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polychain/internal/domain"
)

const chainSelectCols = `chain_id, name, description, image_url, created_by, public, legs, version, created_at`

func scanChain(row rowScanner) (domain.Chain, error) {
	var c domain.Chain
	var legs []byte
	if err := row.Scan(
		&c.ChainID, &c.Name, &c.Description, &c.ImageURL, &c.CreatedBy, &c.Public, &legs, &c.Version, &c.CreatedAt,
	); err != nil {
		return domain.Chain{}, err
	}
	if err := json.Unmarshal(legs, &c.Legs); err != nil {
		return domain.Chain{}, fmt.Errorf("%w: chain %s legs: %v", domain.ErrMalformedChain, c.ChainID, err)
	}
	return c, nil
}

// CreateChain stores a new chain template.
func (l *Ledger) CreateChain(ctx context.Context, c domain.Chain) error {
	if err := c.Validate(); err != nil {
		return err
	}
	legs, err := json.Marshal(c.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal legs: %w", err)
	}
	c.Version = 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	return l.withTx(ctx, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO chains (chain_id, name, description, image_url, created_by, public, legs, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		if _, err := tx.Exec(ctx, query,
			c.ChainID, c.Name, c.Description, c.ImageURL, c.CreatedBy, c.Public, legs, c.Version, c.CreatedAt,
		); err != nil {
			return mapErr("create chain "+c.ChainID, err)
		}
		return appendChange(ctx, tx, domain.EntityChain, c.Key(), nil, c)
	})
}

// GetChain returns a chain template.
func (l *Ledger) GetChain(ctx context.Context, chainID string) (domain.Chain, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+chainSelectCols+` FROM chains WHERE chain_id = $1`, chainID)
	c, err := scanChain(row)
	if err != nil {
		return domain.Chain{}, mapErr("get chain "+chainID, err)
	}
	return c, nil
}

// ListChains returns chain templates ordered by id.
func (l *Ledger) ListChains(ctx context.Context, opts domain.ListOpts) ([]domain.Chain, error) {
	query, args := paginate(`SELECT `+chainSelectCols+` FROM chains ORDER BY chain_id`, nil, opts)
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list chains", err)
	}
	defer rows.Close()

	var out []domain.Chain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan chain: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// paginate appends LIMIT/OFFSET placeholders to query.
func paginate(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
