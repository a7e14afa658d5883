package domain

import (
	"context"
	"fmt"
)

// CredentialKind distinguishes the two ways a wallet can trade.
type CredentialKind string

const (
	CredentialEmbeddedWallet CredentialKind = "EMBEDDED_WALLET"
	CredentialAPIKey         CredentialKind = "API_KEY"
)

// Credentials are the per-wallet trading secrets.
type Credentials struct {
	Wallet        string
	Kind          CredentialKind
	PrivateKeyHex string // embedded wallet signing key
	FunderAddress string // proxy/safe that holds the funds, if any
	APIKey        string
	APISecret     string
	APIPassphrase string
}

// String returns a redacted representation suitable for logging.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{wallet=%s, kind=%s}", c.Wallet, c.Kind)
}

// CredentialProvider resolves trading credentials. It returns an error
// wrapping ErrNoCredentials when the wallet has none.
type CredentialProvider interface {
	GetCredentials(ctx context.Context, wallet string) (Credentials, error)
}
