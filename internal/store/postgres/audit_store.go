package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// subjectKeys are the detail keys an audit row is indexed by, most specific
// first.
var subjectKeys = []string{"wallet", "chain_id", "condition_id", "route"}

// AuditStore appends to audit_log.
type AuditStore struct {
	pool *pgxpool.Pool
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an AuditStore on pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends event with detail stored as JSONB. The row's subject column is
// taken from the first of wallet, chain_id, condition_id or route present in
// detail, so an operator can pull a wallet's history with one indexed query.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, subject, detail) VALUES ($1, $2, $3)`,
		event, auditSubject(detail), raw,
	); err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

func auditSubject(detail map[string]any) *string {
	for _, k := range subjectKeys {
		if v, ok := detail[k].(string); ok && v != "" {
			return &v
		}
	}
	return nil
}
