package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/ledger/memory"
	"github.com/alanyoungcy/polychain/internal/settlement"
	"github.com/alanyoungcy/polychain/internal/venuetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wallet = "0x00000000000000000000000000000000000000bb"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seed commits a two-leg chain with leg 0 READY and returns the insert event
// for leg 0.
func seed(t *testing.T, l *memory.Ledger) domain.ChangeEvent {
	t.Helper()
	ctx := context.Background()
	price := decimal.RequireFromString("0.5")
	uc := domain.UserChain{
		ChainID:       "chain-x",
		WalletAddress: wallet,
		InitialStake:  decimal.NewFromInt(10),
		CurrentValue:  decimal.NewFromInt(10),
		Status:        domain.UserChainStatusActive,
	}
	bets := []domain.Bet{
		{ChainID: "chain-x", WalletAddress: wallet, Sequence: 0, ConditionID: "m0", Side: domain.SideYes,
			TargetPrice: price, Stake: decimal.NewFromInt(10), Status: domain.BetStatusReady},
		{ChainID: "chain-x", WalletAddress: wallet, Sequence: 1, ConditionID: "m1", Side: domain.SideNo,
			TargetPrice: price, Status: domain.BetStatusQueued},
	}
	require.NoError(t, l.CreateUserChain(ctx, uc, bets))
	for _, evt := range l.Drain() {
		if evt.EntityKind != domain.EntityBet {
			continue
		}
		if s, _ := evt.Field("status"); s == string(domain.BetStatusReady) {
			return evt
		}
	}
	t.Fatal("no READY insert recorded")
	return domain.ChangeEvent{}
}

func leg0(t *testing.T, l *memory.Ledger) domain.Bet {
	t.Helper()
	b, err := l.GetBet(context.Background(), domain.BetKey{ChainID: "chain-x", WalletAddress: wallet, Sequence: 0})
	require.NoError(t, err)
	return b
}

func chainStatus(t *testing.T, l *memory.Ledger) domain.UserChainStatus {
	t.Helper()
	uc, err := l.GetUserChain(context.Background(), domain.UserChainKey{ChainID: "chain-x", WalletAddress: wallet})
	require.NoError(t, err)
	return uc.Status
}

func newExecutor(l *memory.Ledger, v *venuetest.Venue, creds domain.CredentialProvider, maxAttempts int) *Executor {
	return New(l, creds, v, nil, Config{MaxAttempts: maxAttempts}, discardLogger())
}

func TestExecutePlacesReadyLeg(t *testing.T) {
	l := memory.New()
	evt := seed(t, l)
	v := venuetest.New()
	ex := newExecutor(l, v, venuetest.For(wallet), 3)

	require.NoError(t, ex.Handle(context.Background(), evt))

	b := leg0(t, l)
	assert.Equal(t, domain.BetStatusPlaced, b.Status)
	assert.Equal(t, "order-1", b.OrderID)
	require.Equal(t, 1, v.PlacedCount())
	assert.Equal(t, "m0", v.Placed[0].ConditionID)
	assert.Equal(t, domain.SideYes, v.Placed[0].Side)
	assert.True(t, decimal.NewFromInt(10).Equal(v.Placed[0].Stake))
	assert.Equal(t, domain.UserChainStatusActive, chainStatus(t, l))
}

func TestRedeliveryDoesNotPlaceTwice(t *testing.T) {
	l := memory.New()
	evt := seed(t, l)
	v := venuetest.New()
	ex := newExecutor(l, v, venuetest.For(wallet), 3)

	require.NoError(t, ex.Handle(context.Background(), evt))
	require.NoError(t, ex.Handle(context.Background(), evt))

	assert.Equal(t, 1, v.PlacedCount())
	assert.Equal(t, domain.BetStatusPlaced, leg0(t, l).Status)
}

func TestConcurrentDeliveriesClaimOnce(t *testing.T) {
	l := memory.New()
	evt := seed(t, l)
	v := venuetest.New()
	ex := newExecutor(l, v, venuetest.For(wallet), 3)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ex.Handle(context.Background(), evt))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, v.PlacedCount())
}

func TestMissingCredentialsFailsChain(t *testing.T) {
	l := memory.New()
	evt := seed(t, l)
	v := venuetest.New()
	ex := newExecutor(l, v, venuetest.Credentials{}, 3)

	require.NoError(t, ex.Handle(context.Background(), evt))

	assert.Equal(t, domain.BetStatusNoCredentials, leg0(t, l).Status)
	assert.Equal(t, domain.UserChainStatusFailed, chainStatus(t, l))
	assert.Zero(t, v.PlacedCount())
}

func TestRejectionsAreTerminal(t *testing.T) {
	tests := []struct {
		kind domain.RejectionKind
		want domain.BetStatus
	}{
		{domain.RejectInsufficientLiquidity, domain.BetStatusInsufficientLiquidity},
		{domain.RejectMarketClosed, domain.BetStatusMarketClosed},
		{domain.RejectOrderRejected, domain.BetStatusOrderRejected},
		{domain.RejectOrderNotFound, domain.BetStatusUnknownFailure},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			l := memory.New()
			evt := seed(t, l)
			v := venuetest.New()
			v.PlaceErr = &domain.OrderRejection{Kind: tc.kind, Message: "no"}
			ex := newExecutor(l, v, venuetest.For(wallet), 3)

			require.NoError(t, ex.Handle(context.Background(), evt))

			b := leg0(t, l)
			assert.Equal(t, tc.want, b.Status)
			assert.NotEmpty(t, b.FailureReason)
			assert.Equal(t, domain.UserChainStatusFailed, chainStatus(t, l))

			// A failed leg is never retried by redelivery.
			require.NoError(t, ex.Handle(context.Background(), evt))
			assert.Equal(t, 1, v.PlacedCount())
		})
	}
}

func TestTransportErrorIsRequeuedThenTerminal(t *testing.T) {
	l := memory.New()
	evt := seed(t, l)
	v := venuetest.New()
	v.PlaceErr = errors.New("connection reset")
	ex := newExecutor(l, v, venuetest.For(wallet), 2)

	require.NoError(t, ex.Handle(context.Background(), evt))
	b := leg0(t, l)
	assert.Equal(t, domain.BetStatusReady, b.Status)
	assert.Equal(t, 1, b.Attempts)
	assert.Equal(t, domain.UserChainStatusActive, chainStatus(t, l))

	// The re-queue is itself a READY modify the router delivers again.
	requeued := l.Drain()
	require.NotEmpty(t, requeued)
	last := requeued[len(requeued)-1]
	require.NoError(t, ex.Handle(context.Background(), last))

	b = leg0(t, l)
	assert.Equal(t, domain.BetStatusExecutionError, b.Status)
	assert.Equal(t, 2, b.Attempts)
	assert.Equal(t, domain.UserChainStatusFailed, chainStatus(t, l))
	assert.Equal(t, 2, v.PlacedCount())
}

func TestTerminalChainVoidsLegWithoutVenueCall(t *testing.T) {
	l := memory.New()
	evt := seed(t, l)
	_, err := l.UpdateUserChain(context.Background(), domain.UserChainUpdate{
		Key:  domain.UserChainKey{ChainID: "chain-x", WalletAddress: wallet},
		From: domain.LiveUserChainStatuses,
		To:   domain.UserChainStatusCancelled,
	})
	require.NoError(t, err)
	v := venuetest.New()
	ex := newExecutor(l, v, venuetest.For(wallet), 3)

	require.NoError(t, ex.Handle(context.Background(), evt))

	assert.Equal(t, domain.BetStatusVoided, leg0(t, l).Status)
	assert.Zero(t, v.PlacedCount())
}

func TestActiveLegInvariantAfterExecution(t *testing.T) {
	l := memory.New()
	evt := seed(t, l)
	ex := newExecutor(l, venuetest.New(), venuetest.For(wallet), 3)
	require.NoError(t, ex.Handle(context.Background(), evt))

	bets, err := l.ListBetsByUserChain(context.Background(), domain.UserChainKey{ChainID: "chain-x", WalletAddress: wallet})
	require.NoError(t, err)
	active := 0
	for _, b := range bets {
		if b.Status.IsActive() {
			active++
		}
	}
	assert.LessOrEqual(t, active, 1)
}

func TestFillTrackerRecordsFill(t *testing.T) {
	l := memory.New()
	evt := seed(t, l)
	v := venuetest.New()
	creds := venuetest.For(wallet)
	require.NoError(t, newExecutor(l, v, creds, 3).Handle(context.Background(), evt))

	tracker := NewFillTracker(l, creds, v, nil, 0, discardLogger())
	n, err := tracker.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	v.SetState(domain.OrderState{OrderID: "order-1", Status: domain.VenueOrderFilled, FilledPrice: decimal.RequireFromString("0.4")})
	n, err = tracker.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b := leg0(t, l)
	assert.Equal(t, domain.BetStatusFilled, b.Status)
	assert.True(t, decimal.RequireFromString("0.4").Equal(b.FilledPrice))
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func TestVenueCancellationFailsChainBeforeSettlement(t *testing.T) {
	ctx := context.Background()
	l := memory.New()
	evt := seed(t, l)
	v := venuetest.New()
	creds := venuetest.For(wallet)
	require.NoError(t, newExecutor(l, v, creds, 3).Handle(ctx, evt))

	alerts := &recordingAlerter{}
	tracker := NewFillTracker(l, creds, v, alerts, 0, discardLogger())
	v.SetState(domain.OrderState{OrderID: "order-1", Status: domain.VenueOrderCancelled})
	for i := 0; i < 3; i++ {
		n, err := tracker.Poll(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	b := leg0(t, l)
	assert.Equal(t, domain.BetStatusCancelled, b.Status)
	assert.Contains(t, b.FailureReason, "cancelled by venue")
	assert.Equal(t, domain.UserChainStatusFailed, chainStatus(t, l))
	assert.Equal(t, []string{domain.AlertLegFailed}, alerts.events, "alerted once, not on every poll")

	// The market resolving in the leg's favour must not pay the cancelled leg.
	coord := settlement.NewCoordinator(l, nil, l, nil, settlement.Config{FeeDestination: "0xfee"}, discardLogger())
	require.NoError(t, coord.SettleMarket(ctx, domain.Market{
		ConditionID: "m0",
		Status:      domain.MarketStatusResolved,
		Outcome:     domain.SideYes,
	}))

	b = leg0(t, l)
	assert.Equal(t, domain.BetStatusCancelled, b.Status)
	assert.True(t, b.ActualPayout.IsZero())
	next, err := l.GetBet(ctx, domain.BetKey{ChainID: "chain-x", WalletAddress: wallet, Sequence: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusQueued, next.Status)
	assert.True(t, next.Stake.IsZero())
}

func TestMatchedOnArrivalIsRecordedFilled(t *testing.T) {
	ctx := context.Background()
	l := memory.New()
	evt := seed(t, l)
	v := venuetest.New()
	v.Ack = domain.VenueOrderFilled
	creds := venuetest.For(wallet)

	require.NoError(t, newExecutor(l, v, creds, 3).Handle(ctx, evt))

	b := leg0(t, l)
	assert.Equal(t, domain.BetStatusFilled, b.Status)
	assert.Equal(t, "order-1", b.OrderID)
	assert.True(t, b.FilledPrice.IsZero(), "settlement falls back to the target price")

	n, err := NewFillTracker(l, creds, v, nil, 0, discardLogger()).Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, v.Queried)
}

func TestLostPlacementResponseAdoptsOrder(t *testing.T) {
	l := memory.New()
	evt := seed(t, l)
	v := venuetest.New()
	v.LostErr = errors.New("read tcp: connection reset by peer")
	ex := newExecutor(l, v, venuetest.For(wallet), 3)

	require.NoError(t, ex.Handle(context.Background(), evt))

	b := leg0(t, l)
	assert.Equal(t, domain.BetStatusPlaced, b.Status)
	assert.Equal(t, "order-1", b.OrderID)
	assert.Zero(t, b.Attempts)
	assert.Empty(t, b.FailureReason)
	assert.Equal(t, 1, v.PlacedCount())
	assert.Equal(t, domain.UserChainStatusActive, chainStatus(t, l))
}

func TestRequeuedLegReconcilesBeforeReposting(t *testing.T) {
	l := memory.New()
	evt := seed(t, l)
	v := venuetest.New()
	v.LostErr = errors.New("i/o timeout")
	v.FindErr = errors.New("i/o timeout")
	ex := newExecutor(l, v, venuetest.For(wallet), 3)

	// The order landed but neither the ack nor the lookup came back.
	require.NoError(t, ex.Handle(context.Background(), evt))
	b := leg0(t, l)
	require.Equal(t, domain.BetStatusReady, b.Status)
	require.Equal(t, 1, b.Attempts)

	changes := l.Drain()
	require.NotEmpty(t, changes)
	require.NoError(t, ex.Handle(context.Background(), changes[len(changes)-1]))

	b = leg0(t, l)
	assert.Equal(t, domain.BetStatusPlaced, b.Status)
	assert.Equal(t, "order-1", b.OrderID)
	assert.Equal(t, 1, v.PlacedCount(), "the retry found the order instead of posting again")
	assert.Equal(t, domain.UserChainStatusActive, chainStatus(t, l))
}
