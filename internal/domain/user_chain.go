package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserChainKey identifies one user's commitment to a chain.
type UserChainKey struct {
	ChainID       string `json:"chainId"`
	WalletAddress string `json:"walletAddress"`
}

// String returns the partition key form "chainId#wallet".
func (k UserChainKey) String() string {
	return k.ChainID + "#" + k.WalletAddress
}

// UserChain is one user's live progress through a Chain.
type UserChain struct {
	ChainID       string          `json:"chainId"`
	WalletAddress string          `json:"walletAddress"`
	InitialStake  decimal.Decimal `json:"initialStake"`
	CurrentValue  decimal.Decimal `json:"currentValue"`
	CompletedLegs int             `json:"completedLegs"`
	Status        UserChainStatus `json:"status"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Key returns the record key.
func (u UserChain) Key() UserChainKey {
	return UserChainKey{ChainID: u.ChainID, WalletAddress: u.WalletAddress}
}

// UserChainUpdate is a conditional write: it is accepted only when the
// current status is in From and, if set, CompletedLegs equals
// ExpectCompletedLegs.
type UserChainUpdate struct {
	Key                 UserChainKey
	From                []UserChainStatus
	ExpectCompletedLegs *int

	To            UserChainStatus
	CurrentValue  *decimal.Decimal
	CompletedLegs *int
}

// Matches reports whether the guard holds for u.
func (up UserChainUpdate) Matches(u UserChain) bool {
	if !ContainsUserChainStatus(up.From, u.Status) {
		return false
	}
	if up.ExpectCompletedLegs != nil && *up.ExpectCompletedLegs != u.CompletedLegs {
		return false
	}
	return true
}

// Apply mutates u with the update's fields and bumps the version.
func (up UserChainUpdate) Apply(u *UserChain, now time.Time) {
	if up.To != "" {
		u.Status = up.To
	}
	if up.CurrentValue != nil {
		u.CurrentValue = *up.CurrentValue
	}
	if up.CompletedLegs != nil {
		u.CompletedLegs = *up.CompletedLegs
	}
	u.Version++
	u.UpdatedAt = now
}
