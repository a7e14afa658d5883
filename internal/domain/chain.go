package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Leg is one fixed position of a chain definition. TargetPrice is the
// limit price quoted when the chain was built.
type Leg struct {
	ConditionID string          `json:"conditionId"`
	Side        Side            `json:"side"`
	TargetPrice decimal.Decimal `json:"targetPrice"`
}

// Chain is an immutable, ordered accumulator definition. Several users may
// commit to the same chain.
type Chain struct {
	ChainID     string    `json:"chainId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	Public      bool      `json:"public"`
	Legs        []Leg     `json:"legs"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Key returns the partition key of the chain record.
func (c Chain) Key() string {
	return c.ChainID
}

// IsLastLeg reports whether sequence is the final leg of the chain.
func (c Chain) IsLastLeg(sequence int) bool {
	return sequence+1 == len(c.Legs)
}

// Validate rejects malformed chain definitions. A malformed chain is a data
// error and is never silently defaulted.
func (c Chain) Validate() error {
	if c.ChainID == "" {
		return fmt.Errorf("%w: chain id is required", ErrMalformedChain)
	}
	if len(c.Legs) == 0 {
		return fmt.Errorf("%w: chain %s has no legs", ErrMalformedChain, c.ChainID)
	}
	seen := make(map[string]bool, len(c.Legs))
	for i, l := range c.Legs {
		if l.ConditionID == "" {
			return fmt.Errorf("%w: chain %s leg %d has no condition id", ErrMalformedChain, c.ChainID, i)
		}
		if !l.Side.Valid() {
			return fmt.Errorf("%w: chain %s leg %d has invalid side %q", ErrMalformedChain, c.ChainID, i, l.Side)
		}
		if err := ValidatePrice(l.TargetPrice); err != nil {
			return fmt.Errorf("%w: chain %s leg %d: %v", ErrMalformedChain, c.ChainID, i, err)
		}
		if seen[l.ConditionID] {
			return fmt.Errorf("%w: chain %s repeats market %s", ErrMalformedChain, c.ChainID, l.ConditionID)
		}
		seen[l.ConditionID] = true
	}
	return nil
}
