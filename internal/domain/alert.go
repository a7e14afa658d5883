package domain

import "context"

// Operator alert event types.
const (
	AlertLegFailed       = "leg_failed"
	AlertMalformedChain  = "malformed_chain"
	AlertPoisonEvent     = "poison_event"
	AlertFilledOnCancel  = "filled_on_cancel"
	AlertFeeFailed       = "fee_failed"
	AlertChainWon        = "chain_won"
	AlertCredentialsGone = "credentials_missing"
)

// Alerter surfaces conditions that need an operator.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}
