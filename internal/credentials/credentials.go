// Package credentials resolves per-wallet trading credentials that are kept
// sealed in the ledger.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/polychain/internal/crypto"
	"github.com/alanyoungcy/polychain/internal/domain"
)

// secret is the sealed payload. Wallet and kind live outside the seal.
type secret struct {
	PrivateKeyHex string `json:"privateKeyHex,omitempty"`
	FunderAddress string `json:"funderAddress,omitempty"`
	APIKey        string `json:"apiKey,omitempty"`
	APISecret     string `json:"apiSecret,omitempty"`
	APIPassphrase string `json:"apiPassphrase,omitempty"`
}

// Vault implements domain.CredentialProvider over a CredentialStore.
type Vault struct {
	store  domain.CredentialStore
	sealer *crypto.Sealer
}

var _ domain.CredentialProvider = (*Vault)(nil)

// NewVault creates a Vault.
func NewVault(store domain.CredentialStore, sealer *crypto.Sealer) *Vault {
	return &Vault{store: store, sealer: sealer}
}

// Put validates and stores c, replacing any earlier credentials.
func (v *Vault) Put(ctx context.Context, c domain.Credentials) error {
	if err := Validate(c); err != nil {
		return err
	}
	raw, err := json.Marshal(secret{
		PrivateKeyHex: c.PrivateKeyHex,
		FunderAddress: c.FunderAddress,
		APIKey:        c.APIKey,
		APISecret:     c.APISecret,
		APIPassphrase: c.APIPassphrase,
	})
	if err != nil {
		return fmt.Errorf("credentials: marshal: %w", err)
	}
	sealed, err := v.sealer.Seal(raw)
	if err != nil {
		return fmt.Errorf("credentials: seal %s: %w", c.Wallet, err)
	}
	return v.store.PutSealedCredentials(ctx, normalizeWallet(c.Wallet), c.Kind, sealed)
}

// GetCredentials returns the wallet's credentials or an error wrapping
// domain.ErrNoCredentials.
func (v *Vault) GetCredentials(ctx context.Context, wallet string) (domain.Credentials, error) {
	wallet = normalizeWallet(wallet)
	kind, sealed, err := v.store.GetSealedCredentials(ctx, wallet)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Credentials{}, fmt.Errorf("credentials: %s: %w", wallet, domain.ErrNoCredentials)
	}
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("credentials: load %s: %w", wallet, err)
	}
	raw, err := v.sealer.Open(sealed)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("credentials: open %s: %w", wallet, err)
	}
	var s secret
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Credentials{}, fmt.Errorf("credentials: decode %s: %w", wallet, err)
	}
	c := domain.Credentials{
		Wallet:        wallet,
		Kind:          kind,
		PrivateKeyHex: s.PrivateKeyHex,
		FunderAddress: s.FunderAddress,
		APIKey:        s.APIKey,
		APISecret:     s.APISecret,
		APIPassphrase: s.APIPassphrase,
	}
	if err := Validate(c); err != nil {
		return domain.Credentials{}, fmt.Errorf("%w: %v", domain.ErrNoCredentials, err)
	}
	return c, nil
}

// Validate checks that c carries what its kind needs to trade.
func Validate(c domain.Credentials) error {
	if c.Wallet == "" {
		return errors.New("credentials: wallet is required")
	}
	if c.PrivateKeyHex == "" {
		return fmt.Errorf("credentials: %s: signing key is required", c.Wallet)
	}
	switch c.Kind {
	case domain.CredentialEmbeddedWallet:
	case domain.CredentialAPIKey:
		if c.APIKey == "" || c.APISecret == "" || c.APIPassphrase == "" {
			return fmt.Errorf("credentials: %s: api key, secret and passphrase are required", c.Wallet)
		}
	default:
		return fmt.Errorf("credentials: %s: unknown kind %q", c.Wallet, c.Kind)
	}
	return nil
}

func normalizeWallet(w string) string {
	return strings.ToLower(strings.TrimSpace(w))
}
