package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// outboxLockKey serialises outbox inserts so that change_events.seq order is
// also commit order and the relay never skips a late-committing row.
const outboxLockKey = 0x706f6c79636861

// Ledger implements domain.Ledger, domain.ChangeLog, domain.FeeStore and
// domain.CredentialStore.
type Ledger struct {
	pool *pgxpool.Pool
}

var (
	_ domain.Ledger          = (*Ledger)(nil)
	_ domain.ChangeLog       = (*Ledger)(nil)
	_ domain.FeeStore        = (*Ledger)(nil)
	_ domain.CredentialStore = (*Ledger)(nil)
)

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// withTx runs fn in a transaction, committing when it returns nil and rolling
// back otherwise. fn's error is returned unchanged.
func (l *Ledger) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// appendChange writes one outbox row inside tx.
func appendChange(ctx context.Context, tx pgx.Tx, kind domain.EntityKind, key string, before, after any) error {
	evt, err := domain.NewChangeEvent(kind, key, before, after)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(outboxLockKey)); err != nil {
		return fmt.Errorf("postgres: outbox lock: %w", err)
	}

	var beforeImage []byte
	if len(evt.Before) > 0 {
		beforeImage = evt.Before
	}
	const query = `
		INSERT INTO change_events (id, partition_key, entity_kind, event_kind, before_image, after_image)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, query,
		uuid.NewString(), evt.PartitionKey, string(evt.EntityKind), string(evt.EventKind),
		beforeImage, []byte(evt.After),
	); err != nil {
		return fmt.Errorf("postgres: append change %s %s: %w", kind, key, err)
	}
	return nil
}

// mapErr translates driver errors into domain sentinels.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("postgres: %s: %w", op, domain.ErrAlreadyExists)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
