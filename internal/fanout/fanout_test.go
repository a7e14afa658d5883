package fanout

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/ledger/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	channel string
	env     map[string]json.RawMessage
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) Broadcast(_ context.Context, channel string, payload []byte) error {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{channel: channel, env: env})
	return nil
}

func (r *recorder) on(channel string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, m := range r.msgs {
		if m.channel == channel {
			out = append(out, m)
		}
	}
	return out
}

func TestUserChainInsertIsAnnouncedPublicly(t *testing.T) {
	ctx := context.Background()
	l := memory.New()
	price := decimal.RequireFromString("0.5")
	chain := domain.Chain{ChainID: "c9", Legs: []domain.Leg{
		{ConditionID: "a", Side: domain.SideYes, TargetPrice: price},
		{ConditionID: "b", Side: domain.SideNo, TargetPrice: price},
	}}
	require.NoError(t, l.CreateChain(ctx, chain))
	require.NoError(t, l.CreateUserChain(ctx, domain.UserChain{
		ChainID: "c9", WalletAddress: "0xdef", InitialStake: decimal.NewFromInt(25), Status: domain.UserChainStatusActive,
	}, []domain.Bet{{ChainID: "c9", WalletAddress: "0xdef", Sequence: 0, ConditionID: "a", Side: domain.SideYes,
		TargetPrice: price, Stake: decimal.NewFromInt(25), Status: domain.BetStatusReady}}))

	rec := &recorder{}
	pub := NewPublisher(rec, l, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, evt := range l.Drain() {
		require.NoError(t, pub.Handle(ctx, evt))
	}

	// chain insert, user chain insert, bet insert
	admin := rec.on(ChannelAdmin)
	require.Len(t, admin, 3)
	var update AdminUpdate
	require.NoError(t, json.Unmarshal(admin[1].env["data"], &update))
	assert.Equal(t, domain.EntityUserChain, update.EntityType)
	assert.Equal(t, domain.EventInsert, update.EventName)

	public := rec.on(ChannelPublic)
	require.Len(t, public, 1)
	assert.JSONEq(t, `"NEW_BET"`, string(public[0].env["type"]))
	var nb NewBet
	require.NoError(t, json.Unmarshal(public[0].env["data"], &nb))
	assert.Equal(t, "0xdef", nb.Wallet)
	assert.Equal(t, "c9", nb.ChainID)
	assert.True(t, decimal.NewFromInt(25).Equal(nb.Stake))
	assert.Len(t, nb.Legs, 2)
}

func TestModifyGoesToAdminOnly(t *testing.T) {
	ctx := context.Background()
	uc := domain.UserChain{ChainID: "c1", WalletAddress: "0x1", Status: domain.UserChainStatusLost}
	evt, err := domain.NewChangeEvent(domain.EntityUserChain, uc.Key().String(), uc, uc)
	require.NoError(t, err)

	rec := &recorder{}
	pub := NewPublisher(rec, memory.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, pub.Handle(ctx, evt))

	assert.Len(t, rec.on(ChannelAdmin), 1)
	assert.Empty(t, rec.on(ChannelPublic))
}
