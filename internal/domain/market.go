package domain

import (
	"fmt"
	"time"
)

// Market is a binary prediction market as mirrored by the external sync
// process. It is only mutated by resolution and never deleted.
type Market struct {
	ConditionID    string       `json:"conditionId"`
	Question       string       `json:"question,omitempty"`
	YesTokenID     string       `json:"yesTokenId,omitempty"` // ERC-1155 token IDs (76-digit strings)
	NoTokenID      string       `json:"noTokenId,omitempty"`
	Status         MarketStatus `json:"status"`
	Outcome        Side         `json:"outcome,omitempty"`
	EndDate        time.Time    `json:"endDate"`
	ResolutionDate *time.Time   `json:"resolutionDate,omitempty"`
	Version        int64        `json:"version"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Key returns the partition key of the market record.
func (m Market) Key() string {
	return m.ConditionID
}

// TokenFor returns the venue token traded for the given side.
func (m Market) TokenFor(side Side) (string, error) {
	var tok string
	switch side {
	case SideYes:
		tok = m.YesTokenID
	case SideNo:
		tok = m.NoTokenID
	default:
		return "", fmt.Errorf("market %s: invalid side %q", m.ConditionID, side)
	}
	if tok == "" {
		return "", fmt.Errorf("market %s: no token for side %s", m.ConditionID, side)
	}
	return tok, nil
}

// Validate enforces that an outcome is present exactly when the market is
// resolved.
func (m Market) Validate() error {
	if m.ConditionID == "" {
		return fmt.Errorf("market: condition id is required")
	}
	switch m.Status {
	case MarketStatusActive, MarketStatusClosed:
		if m.Outcome != "" {
			return fmt.Errorf("market %s: outcome set while %s", m.ConditionID, m.Status)
		}
	case MarketStatusResolved:
		if !m.Outcome.Valid() {
			return fmt.Errorf("market %s: resolved without a valid outcome", m.ConditionID)
		}
	default:
		return fmt.Errorf("market %s: unknown status %q", m.ConditionID, m.Status)
	}
	return nil
}
