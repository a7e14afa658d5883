package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market records.
type MarketStore interface {
	GetMarket(ctx context.Context, conditionID string) (Market, error)
	UpsertMarket(ctx context.Context, m Market) error
	// ResolveMarket moves an ACTIVE or CLOSED market to RESOLVED with the
	// given outcome. A market that is already RESOLVED yields
	// ErrPreconditionFailed.
	ResolveMarket(ctx context.Context, conditionID string, outcome Side, at time.Time) (Market, error)
}

// ChainStore persists chain templates.
type ChainStore interface {
	CreateChain(ctx context.Context, c Chain) error
	GetChain(ctx context.Context, chainID string) (Chain, error)
	ListChains(ctx context.Context, opts ListOpts) ([]Chain, error)
}

// UserChainStore persists user positions on chains.
type UserChainStore interface {
	// CreateUserChain atomically inserts a user chain together with its
	// initial bets.
	CreateUserChain(ctx context.Context, uc UserChain, bets []Bet) error
	GetUserChain(ctx context.Context, key UserChainKey) (UserChain, error)
	// UpdateUserChain applies u if the stored record satisfies its
	// preconditions and returns the new image. It returns
	// ErrPreconditionFailed otherwise.
	UpdateUserChain(ctx context.Context, u UserChainUpdate) (UserChain, error)
	ListUserChains(ctx context.Context, statuses []UserChainStatus, opts ListOpts) ([]UserChain, error)
}

// BetStore persists individual leg bets.
type BetStore interface {
	GetBet(ctx context.Context, key BetKey) (Bet, error)
	// CreateBet inserts b; an existing bet with the same key yields
	// ErrAlreadyExists.
	CreateBet(ctx context.Context, b Bet) error
	// UpdateBet applies u under its status precondition and returns the new
	// image, or ErrPreconditionFailed.
	UpdateBet(ctx context.Context, u BetUpdate) (Bet, error)
	ListBetsByCondition(ctx context.Context, conditionID string, statuses ...BetStatus) ([]Bet, error)
	ListBetsByUserChain(ctx context.Context, key UserChainKey) ([]Bet, error)
	ListBetsByStatus(ctx context.Context, status BetStatus, limit int) ([]Bet, error)
}

// Snapshot is a point-in-time read of every live record, used to seed admin
// subscribers.
type Snapshot struct {
	Markets    []Market    `json:"markets"`
	Chains     []Chain     `json:"chains"`
	UserChains []UserChain `json:"userChains"`
	Bets       []Bet       `json:"bets"`
}

// SnapshotReader produces an admin snapshot.
type SnapshotReader interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Ledger is the full durable store the workers run against.
type Ledger interface {
	MarketStore
	ChainStore
	UserChainStore
	BetStore
	SnapshotReader
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// ChangeLog is the source side of the change feed: an ordered outbox that a
// relay drains into the transport.
type ChangeLog interface {
	// PendingChanges returns up to limit unrelayed events in sequence order.
	PendingChanges(ctx context.Context, limit int) ([]ChangeEvent, error)
	// MarkRelayed records that every event up to and including seq has been
	// handed to the transport.
	MarkRelayed(ctx context.Context, seq int64) error
}

// CredentialStore persists sealed credentials.
type CredentialStore interface {
	PutSealedCredentials(ctx context.Context, wallet string, kind CredentialKind, sealed []byte) error
	GetSealedCredentials(ctx context.Context, wallet string) (CredentialKind, []byte, error)
}
