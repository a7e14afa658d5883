package postgres

import (
	"context"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// PutSealedCredentials stores or replaces a wallet's sealed credentials.
func (l *Ledger) PutSealedCredentials(ctx context.Context, wallet string, kind domain.CredentialKind, sealed []byte) error {
	const query = `
		INSERT INTO credentials (wallet_address, kind, sealed, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (wallet_address) DO UPDATE SET
			kind       = EXCLUDED.kind,
			sealed     = EXCLUDED.sealed,
			updated_at = NOW()`
	_, err := l.pool.Exec(ctx, query, wallet, string(kind), sealed)
	return mapErr("put credentials "+wallet, err)
}

// GetSealedCredentials returns a wallet's sealed credentials or
// ErrNotFound.
func (l *Ledger) GetSealedCredentials(ctx context.Context, wallet string) (domain.CredentialKind, []byte, error) {
	var kind string
	var sealed []byte
	err := l.pool.QueryRow(ctx,
		`SELECT kind, sealed FROM credentials WHERE wallet_address = $1`, wallet,
	).Scan(&kind, &sealed)
	if err != nil {
		return "", nil, mapErr("get credentials "+wallet, err)
	}
	return domain.CredentialKind(kind), sealed, nil
}
