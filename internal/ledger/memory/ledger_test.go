package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polychain/internal/domain"
)

const wallet = "0x00000000000000000000000000000000000000dd"

func seedChain(t *testing.T, l *Ledger) domain.UserChainKey {
	t.Helper()
	uc := domain.UserChain{ChainID: "c", WalletAddress: wallet, InitialStake: decimal.NewFromInt(5), Status: domain.UserChainStatusActive}
	bets := []domain.Bet{
		{ChainID: "c", WalletAddress: wallet, Sequence: 0, ConditionID: "m0", Side: domain.SideYes, Status: domain.BetStatusPlaced},
		{ChainID: "c", WalletAddress: wallet, Sequence: 1, ConditionID: "m1", Side: domain.SideYes, Status: domain.BetStatusQueued},
		{ChainID: "c", WalletAddress: wallet, Sequence: 2, ConditionID: "m0", Side: domain.SideNo, Status: domain.BetStatusPlaced},
	}
	require.NoError(t, l.CreateUserChain(context.Background(), uc, bets))
	return uc.Key()
}

func TestResolvedMarketIsNeverRewritten(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.UpsertMarket(ctx, domain.Market{ConditionID: "m0", Status: domain.MarketStatusActive}))

	m, err := l.ResolveMarket(ctx, "m0", domain.SideYes, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)

	err = l.UpsertMarket(ctx, domain.Market{ConditionID: "m0", Status: domain.MarketStatusActive})
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
	_, err = l.ResolveMarket(ctx, "m0", domain.SideNo, time.Now())
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	got, err := l.GetMarket(ctx, "m0")
	require.NoError(t, err)
	assert.Equal(t, domain.SideYes, got.Outcome)
}

func TestUpdateBetReturnsCurrentImageOnConflict(t *testing.T) {
	ctx := context.Background()
	l := New()
	key := seedChain(t, l)
	bk := domain.BetKey{ChainID: key.ChainID, WalletAddress: wallet, Sequence: 1}

	cur, err := l.UpdateBet(ctx, domain.BetUpdate{
		Key:  bk,
		From: []domain.BetStatus{domain.BetStatusReady},
		To:   domain.BetStatusExecuting,
	})
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
	assert.Equal(t, domain.BetStatusQueued, cur.Status)

	next, err := l.UpdateBet(ctx, domain.BetUpdate{
		Key:  bk,
		From: []domain.BetStatus{domain.BetStatusQueued},
		To:   domain.BetStatusReady,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusReady, next.Status)
	assert.Equal(t, cur.Version+1, next.Version)
}

func TestBetListings(t *testing.T) {
	ctx := context.Background()
	l := New()
	key := seedChain(t, l)

	placed, err := l.ListBetsByStatus(ctx, domain.BetStatusPlaced, 1)
	require.NoError(t, err)
	require.Len(t, placed, 1)
	assert.Equal(t, 0, placed[0].Sequence)

	onM0, err := l.ListBetsByCondition(ctx, "m0", domain.BetStatusPlaced)
	require.NoError(t, err)
	assert.Len(t, onM0, 2)

	all, err := l.ListBetsByUserChain(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, b := range all {
		assert.Equal(t, i, b.Sequence)
	}
}

func TestChangeLogRelayCursor(t *testing.T) {
	ctx := context.Background()
	l := New()
	seedChain(t, l)

	pending, err := l.PendingChanges(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	head := pending[len(pending)-1].Sequence

	require.NoError(t, l.MarkRelayed(ctx, head))
	pending, err = l.PendingChanges(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Error(t, l.MarkRelayed(ctx, head+1))
}
