package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// FeeStatus tracks a platform fee collection.
type FeeStatus string

const (
	FeePending   FeeStatus = "PENDING"
	FeeCollected FeeStatus = "COLLECTED"
	FeeFailed    FeeStatus = "FAILED"
)

// FeeCollection is the record of a fee owed by a winning chain.
type FeeCollection struct {
	ID            string          `json:"id"`
	ChainID       string          `json:"chainId"`
	WalletAddress string          `json:"walletAddress"`
	Payout        decimal.Decimal `json:"payout"`
	InitialStake  decimal.Decimal `json:"initialStake"`
	Amount        decimal.Decimal `json:"amount"`
	Destination   string          `json:"destination"`
	Status        FeeStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	TxHash        string          `json:"txHash,omitempty"`
	SubmittedAt   time.Time       `json:"submittedAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// UserChainKey returns the key of the chain the fee belongs to.
func (f FeeCollection) UserChainKey() UserChainKey {
	return UserChainKey{ChainID: f.ChainID, WalletAddress: f.WalletAddress}
}

// FeeStore persists fee collections.
type FeeStore interface {
	// ScheduleFee inserts f unless a fee already exists for the same user
	// chain, in which case it returns ErrAlreadyExists.
	ScheduleFee(ctx context.Context, f FeeCollection) error
	ListDueFees(ctx context.Context, now time.Time, limit int) ([]FeeCollection, error)
	UpdateFee(ctx context.Context, f FeeCollection) error
}

// FeeTransfer moves collected fees on chain.
type FeeTransfer interface {
	// Transfer submits a transfer of amount USDC from the wallet behind creds
	// to destination and returns the transaction hash without waiting for
	// it to be mined.
	Transfer(ctx context.Context, creds Credentials, destination string, amount decimal.Decimal) (string, error)
	// Confirm reports whether txHash has been mined successfully. It returns
	// false with a nil error while the transaction is pending or unknown, and
	// ErrTransferReverted when it was mined but failed.
	Confirm(ctx context.Context, txHash string) (bool, error)
}
