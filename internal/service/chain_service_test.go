package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/ledger/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wallet = "0x00000000000000000000000000000000000000aa"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newChainService(t *testing.T) (*ChainService, *memory.Ledger) {
	t.Helper()
	l := memory.New()
	svc := NewChainService(l, nil, discard())
	require.NoError(t, svc.CreateChain(context.Background(), domain.Chain{
		ChainID: "treble",
		Name:    "Treble",
		Legs: []domain.Leg{
			{ConditionID: "m1", Side: domain.SideYes, TargetPrice: decimal.RequireFromString("0.5")},
			{ConditionID: "m2", Side: domain.SideNo, TargetPrice: decimal.RequireFromString("0.8")},
			{ConditionID: "m3", Side: domain.SideYes, TargetPrice: decimal.RequireFromString("0.3")},
		},
	}))
	l.Drain()
	return svc, l
}

func TestCommitMaterializesLegs(t *testing.T) {
	svc, l := newChainService(t)
	ctx := context.Background()

	uc, err := svc.Commit(ctx, CommitRequest{ChainID: "treble", Wallet: wallet, Stake: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, domain.UserChainStatusActive, uc.Status)
	assert.Equal(t, 0, uc.CompletedLegs)
	assert.True(t, decimal.NewFromInt(10).Equal(uc.CurrentValue))

	bets, err := l.ListBetsByUserChain(ctx, uc.Key())
	require.NoError(t, err)
	require.Len(t, bets, 3)

	tests := []struct {
		status domain.BetStatus
		stake  string
		payout string
	}{
		{domain.BetStatusReady, "10", "20"},
		{domain.BetStatusQueued, "20", "25"},
		{domain.BetStatusQueued, "25", "83.333333"},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.status, bets[i].Status, "leg %d", i)
		assert.True(t, decimal.RequireFromString(tt.stake).Equal(bets[i].Stake), "leg %d stake %s", i, bets[i].Stake)
		assert.True(t, decimal.RequireFromString(tt.payout).Equal(bets[i].PotentialPayout), "leg %d payout %s", i, bets[i].PotentialPayout)
	}

	// user chain insert followed by one insert per bet
	changes := l.Drain()
	require.Len(t, changes, 4)
	assert.Equal(t, domain.EntityUserChain, changes[0].EntityKind)
}

func TestCommitRejects(t *testing.T) {
	tests := []struct {
		name string
		req  CommitRequest
	}{
		{"zero stake", CommitRequest{ChainID: "treble", Wallet: wallet, Stake: decimal.Zero}},
		{"negative stake", CommitRequest{ChainID: "treble", Wallet: wallet, Stake: decimal.NewFromInt(-1)}},
		{"sub-cent precision", CommitRequest{ChainID: "treble", Wallet: wallet, Stake: decimal.RequireFromString("1.0000001")}},
		{"missing wallet", CommitRequest{ChainID: "treble", Stake: decimal.NewFromInt(1)}},
		{"unknown chain", CommitRequest{ChainID: "nope", Wallet: wallet, Stake: decimal.NewFromInt(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newChainService(t)
			_, err := svc.Commit(context.Background(), tt.req)
			assert.Error(t, err)
		})
	}
}

func TestCommitTwiceIsRejected(t *testing.T) {
	svc, _ := newChainService(t)
	req := CommitRequest{ChainID: "treble", Wallet: wallet, Stake: decimal.NewFromInt(5)}
	_, err := svc.Commit(context.Background(), req)
	require.NoError(t, err)
	_, err = svc.Commit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	key := domain.UserChainKey{ChainID: "treble", WalletAddress: wallet}

	t.Run("before execution", func(t *testing.T) {
		svc, _ := newChainService(t)
		_, err := svc.Commit(ctx, CommitRequest{ChainID: "treble", Wallet: wallet, Stake: decimal.NewFromInt(5)})
		require.NoError(t, err)

		uc, err := svc.Abandon(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.UserChainStatusCancelled, uc.Status)

		again, err := svc.Abandon(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.UserChainStatusCancelled, again.Status)
	})

	t.Run("after claim", func(t *testing.T) {
		svc, l := newChainService(t)
		_, err := svc.Commit(ctx, CommitRequest{ChainID: "treble", Wallet: wallet, Stake: decimal.NewFromInt(5)})
		require.NoError(t, err)
		_, err = l.UpdateBet(ctx, domain.BetUpdate{
			Key:  domain.BetKey{ChainID: "treble", WalletAddress: wallet, Sequence: 0},
			From: []domain.BetStatus{domain.BetStatusReady},
			To:   domain.BetStatusExecuting,
		})
		require.NoError(t, err)

		_, err = svc.Abandon(ctx, key)
		assert.ErrorIs(t, err, domain.ErrNotAbandonable)
		uc, err := l.GetUserChain(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.UserChainStatusActive, uc.Status)
	})

	t.Run("lost chain", func(t *testing.T) {
		svc, l := newChainService(t)
		_, err := svc.Commit(ctx, CommitRequest{ChainID: "treble", Wallet: wallet, Stake: decimal.NewFromInt(5)})
		require.NoError(t, err)
		_, err = l.UpdateUserChain(ctx, domain.UserChainUpdate{
			Key: key, From: domain.LiveUserChainStatuses, To: domain.UserChainStatusFailed,
		})
		require.NoError(t, err)

		_, err = svc.Abandon(ctx, key)
		assert.ErrorIs(t, err, domain.ErrNotAbandonable)
	})
}

type mapCache struct{ chains map[string]domain.Chain }

func (m *mapCache) Set(_ context.Context, c domain.Chain) error {
	m.chains[c.ChainID] = c
	return nil
}

func (m *mapCache) Get(_ context.Context, id string) (domain.Chain, error) {
	c, ok := m.chains[id]
	if !ok {
		return domain.Chain{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *mapCache) Invalidate(_ context.Context, id string) error {
	delete(m.chains, id)
	return nil
}

func TestGetChainFillsCache(t *testing.T) {
	_, l := newChainService(t)
	cache := &mapCache{chains: map[string]domain.Chain{}}
	svc := NewChainService(l, cache, discard())

	c, err := svc.GetChain(context.Background(), "treble")
	require.NoError(t, err)
	assert.Len(t, c.Legs, 3)
	assert.Contains(t, cache.chains, "treble")

	_, err = svc.GetChain(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
