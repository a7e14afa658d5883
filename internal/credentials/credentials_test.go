package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polychain/internal/crypto"
	"github.com/alanyoungcy/polychain/internal/domain"
)

type sealedRow struct {
	kind   domain.CredentialKind
	sealed []byte
}

type memStore struct {
	rows map[string]sealedRow
	err  error
}

func (m *memStore) PutSealedCredentials(_ context.Context, wallet string, kind domain.CredentialKind, sealed []byte) error {
	m.rows[wallet] = sealedRow{kind: kind, sealed: sealed}
	return nil
}

func (m *memStore) GetSealedCredentials(_ context.Context, wallet string) (domain.CredentialKind, []byte, error) {
	if m.err != nil {
		return "", nil, m.err
	}
	r, ok := m.rows[wallet]
	if !ok {
		return "", nil, domain.ErrNotFound
	}
	return r.kind, r.sealed, nil
}

func newVault(t *testing.T) (*Vault, *memStore) {
	t.Helper()
	s, err := crypto.NewSealer("pw", 1000)
	require.NoError(t, err)
	store := &memStore{rows: map[string]sealedRow{}}
	return NewVault(store, s), store
}

func TestVaultRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, store := newVault(t)

	in := domain.Credentials{
		Wallet:        "0xABC",
		Kind:          domain.CredentialAPIKey,
		PrivateKeyHex: "deadbeef",
		APIKey:        "k",
		APISecret:     "s",
		APIPassphrase: "p",
	}
	require.NoError(t, v.Put(ctx, in))
	require.Contains(t, store.rows, "0xabc")
	assert.NotContains(t, string(store.rows["0xabc"].sealed), "deadbeef")

	got, err := v.GetCredentials(ctx, "0xAbC")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", got.Wallet)
	assert.Equal(t, domain.CredentialAPIKey, got.Kind)
	assert.Equal(t, "deadbeef", got.PrivateKeyHex)
	assert.Equal(t, "p", got.APIPassphrase)
}

func TestVaultMissingWallet(t *testing.T) {
	v, _ := newVault(t)
	_, err := v.GetCredentials(context.Background(), "0xnone")
	assert.ErrorIs(t, err, domain.ErrNoCredentials)
}

func TestVaultStoreFailureIsNotMissingCredentials(t *testing.T) {
	v, store := newVault(t)
	store.err = errors.New("connection refused")
	_, err := v.GetCredentials(context.Background(), "0xabc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNoCredentials)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		c    domain.Credentials
		ok   bool
	}{
		{"embedded", domain.Credentials{Wallet: "w", Kind: domain.CredentialEmbeddedWallet, PrivateKeyHex: "k"}, true},
		{"api key complete", domain.Credentials{Wallet: "w", Kind: domain.CredentialAPIKey, PrivateKeyHex: "k", APIKey: "a", APISecret: "b", APIPassphrase: "c"}, true},
		{"api key partial", domain.Credentials{Wallet: "w", Kind: domain.CredentialAPIKey, PrivateKeyHex: "k", APIKey: "a"}, false},
		{"no signing key", domain.Credentials{Wallet: "w", Kind: domain.CredentialEmbeddedWallet}, false},
		{"unknown kind", domain.Credentials{Wallet: "w", Kind: "OTHER", PrivateKeyHex: "k"}, false},
		{"no wallet", domain.Credentials{Kind: domain.CredentialEmbeddedWallet, PrivateKeyHex: "k"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.c)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
