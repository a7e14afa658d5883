package domain

// Side is the outcome a leg bets on, and the outcome a market resolves to.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is one of the two binary outcomes.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "ACTIVE"
	MarketStatusClosed   MarketStatus = "CLOSED"
	MarketStatusResolved MarketStatus = "RESOLVED"
)

// UserChainStatus tracks one user's progress through a chain. Transitions are
// monotonic toward a terminal state and never reverse.
type UserChainStatus string

const (
	UserChainStatusPending   UserChainStatus = "PENDING"
	UserChainStatusActive    UserChainStatus = "ACTIVE"
	UserChainStatusWon       UserChainStatus = "WON"
	UserChainStatusLost      UserChainStatus = "LOST"
	UserChainStatusCancelled UserChainStatus = "CANCELLED"
	UserChainStatusFailed    UserChainStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s UserChainStatus) IsTerminal() bool {
	switch s {
	case UserChainStatusWon, UserChainStatusLost, UserChainStatusCancelled, UserChainStatusFailed:
		return true
	}
	return false
}

// LiveUserChainStatuses are the statuses a chain may leave.
var LiveUserChainStatuses = []UserChainStatus{UserChainStatusPending, UserChainStatusActive}

// BetStatus is the per-leg state machine vocabulary.
type BetStatus string

const (
	BetStatusQueued                BetStatus = "QUEUED"
	BetStatusReady                 BetStatus = "READY"
	BetStatusExecuting             BetStatus = "EXECUTING"
	BetStatusPlaced                BetStatus = "PLACED"
	BetStatusFilled                BetStatus = "FILLED"
	BetStatusSettled               BetStatus = "SETTLED"
	BetStatusCancelled             BetStatus = "CANCELLED"
	BetStatusVoided                BetStatus = "VOIDED"
	BetStatusInsufficientLiquidity BetStatus = "INSUFFICIENT_LIQUIDITY"
	BetStatusNoCredentials         BetStatus = "NO_CREDENTIALS"
	BetStatusOrderRejected         BetStatus = "ORDER_REJECTED"
	BetStatusMarketClosed          BetStatus = "MARKET_CLOSED"
	BetStatusExecutionError        BetStatus = "EXECUTION_ERROR"
	BetStatusUnknownFailure        BetStatus = "UNKNOWN_FAILURE"
)

// IsActive reports whether the bet occupies the chain's single execution slot.
func (s BetStatus) IsActive() bool {
	return s == BetStatusReady || s == BetStatusExecuting
}

// IsFailure reports whether the status is one of the terminal failure kinds.
func (s BetStatus) IsFailure() bool {
	switch s {
	case BetStatusInsufficientLiquidity, BetStatusNoCredentials, BetStatusOrderRejected,
		BetStatusMarketClosed, BetStatusExecutionError, BetStatusUnknownFailure:
		return true
	}
	return false
}

// IsTerminal reports whether the bet can no longer transition.
func (s BetStatus) IsTerminal() bool {
	switch s {
	case BetStatusSettled, BetStatusCancelled, BetStatusVoided:
		return true
	}
	return s.IsFailure()
}

// AwaitingResolution are the statuses settled when a market resolves.
var AwaitingResolution = []BetStatus{BetStatusPlaced, BetStatusFilled}

// Voidable are the statuses the terminator cleans up after a chain ends.
var Voidable = []BetStatus{BetStatusQueued, BetStatusReady, BetStatusPlaced}

// BetOutcome is the settled result of a leg.
type BetOutcome string

const (
	BetOutcomeWin  BetOutcome = "WIN"
	BetOutcomeLoss BetOutcome = "LOSS"
)

// ContainsBetStatus reports whether s is in set.
func ContainsBetStatus(set []BetStatus, s BetStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// ContainsUserChainStatus reports whether s is in set.
func ContainsUserChainStatus(set []UserChainStatus, s UserChainStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
