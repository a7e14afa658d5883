package domain

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// BetKey identifies one leg of one user's chain.
type BetKey struct {
	ChainID       string `json:"chainId"`
	WalletAddress string `json:"walletAddress"`
	Sequence      int    `json:"sequence"`
}

// String returns the partition key form "chainId#wallet#sequence".
func (k BetKey) String() string {
	return k.ChainID + "#" + k.WalletAddress + "#" + strconv.Itoa(k.Sequence)
}

// UserChainKey returns the key of the owning UserChain.
func (k BetKey) UserChainKey() UserChainKey {
	return UserChainKey{ChainID: k.ChainID, WalletAddress: k.WalletAddress}
}

// Bet is a single leg position.
type Bet struct {
	ChainID         string          `json:"chainId"`
	WalletAddress   string          `json:"walletAddress"`
	Sequence        int             `json:"sequence"`
	ConditionID     string          `json:"conditionId"`
	Side            Side            `json:"side"`
	TargetPrice     decimal.Decimal `json:"targetPrice"`
	Stake           decimal.Decimal `json:"stake"`
	PotentialPayout decimal.Decimal `json:"potentialPayout"`
	Status          BetStatus       `json:"status"`
	Outcome         BetOutcome      `json:"outcome,omitempty"`
	ActualPayout    decimal.Decimal `json:"actualPayout"`
	OrderID         string          `json:"orderId,omitempty"`
	FilledPrice     decimal.Decimal `json:"filledPrice"`
	Attempts        int             `json:"attempts"`
	FailureReason   string          `json:"failureReason,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Key returns the record key.
func (b Bet) Key() BetKey {
	return BetKey{ChainID: b.ChainID, WalletAddress: b.WalletAddress, Sequence: b.Sequence}
}

// ExecutionPrice is the price the leg actually traded at, falling back to the
// target price when no fill has been observed.
func (b Bet) ExecutionPrice() decimal.Decimal {
	if b.FilledPrice.IsPositive() {
		return b.FilledPrice
	}
	return b.TargetPrice
}

// BetUpdate is a conditional write accepted only when the bet's current
// status is in From. Nil fields are left unchanged.
type BetUpdate struct {
	Key  BetKey
	From []BetStatus

	To              BetStatus
	Stake           *decimal.Decimal
	PotentialPayout *decimal.Decimal
	Outcome         *BetOutcome
	ActualPayout    *decimal.Decimal
	OrderID         *string
	FilledPrice     *decimal.Decimal
	Attempts        *int
	FailureReason   *string
}

// Matches reports whether the guard holds for b.
func (up BetUpdate) Matches(b Bet) bool {
	return ContainsBetStatus(up.From, b.Status)
}

// Apply mutates b with the update's fields and bumps the version.
func (up BetUpdate) Apply(b *Bet, now time.Time) {
	if up.To != "" {
		b.Status = up.To
	}
	if up.Stake != nil {
		b.Stake = *up.Stake
	}
	if up.PotentialPayout != nil {
		b.PotentialPayout = *up.PotentialPayout
	}
	if up.Outcome != nil {
		b.Outcome = *up.Outcome
	}
	if up.ActualPayout != nil {
		b.ActualPayout = *up.ActualPayout
	}
	if up.OrderID != nil {
		b.OrderID = *up.OrderID
	}
	if up.FilledPrice != nil {
		b.FilledPrice = *up.FilledPrice
	}
	if up.Attempts != nil {
		b.Attempts = *up.Attempts
	}
	if up.FailureReason != nil {
		b.FailureReason = *up.FailureReason
	}
	b.Version++
	b.UpdatedAt = now
}

// Ptr returns a pointer to v. It keeps update literals terse.
func Ptr[T any](v T) *T {
	return &v
}
