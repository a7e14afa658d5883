package payout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/ledger/memory"
	"github.com/alanyoungcy/polychain/internal/venuetest"
)

type fakeTransfer struct {
	submitErr error
	submitted int
	confirm   map[string]error
	mined     map[string]bool
}

func (f *fakeTransfer) Transfer(_ context.Context, _ domain.Credentials, _ string, _ decimal.Decimal) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted++
	return "0xtx" + string(rune('0'+f.submitted)), nil
}

func (f *fakeTransfer) Confirm(_ context.Context, hash string) (bool, error) {
	if err := f.confirm[hash]; err != nil {
		return false, err
	}
	return f.mined[hash], nil
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type alerts struct{ events []string }

func (a *alerts) Notify(_ context.Context, event, _, _ string) error {
	a.events = append(a.events, event)
	return nil
}

type fixture struct {
	ledger   *memory.Ledger
	transfer *fakeTransfer
	alerts   *alerts
	col      *Collector
	clock    time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		ledger:   memory.New(),
		transfer: &fakeTransfer{confirm: map[string]error{}, mined: map[string]bool{}},
		alerts:   &alerts{},
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.col = NewCollector(f.ledger, venuetest.For("0xw"), f.transfer, nil, f.alerts, cfg, logger)
	f.col.now = func() time.Time { return f.clock }
	require.NoError(t, f.ledger.ScheduleFee(context.Background(), domain.FeeCollection{
		ID:            "fee-1",
		ChainID:       "c1",
		WalletAddress: "0xw",
		Amount:        decimal.RequireFromString("0.4"),
		Destination:   "0xdest",
		Status:        domain.FeePending,
		NextAttemptAt: f.clock,
	}))
	return f
}

func (f *fixture) fee(t *testing.T) domain.FeeCollection {
	t.Helper()
	fees := f.ledger.Fees()
	require.Len(t, fees, 1)
	return fees[0]
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func TestCollectorSubmitsThenConfirms(t *testing.T) {
	f := newFixture(t, Config{ConfirmDelay: 10 * time.Second})
	ctx := context.Background()

	n, err := f.col.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	fee := f.fee(t)
	assert.Equal(t, domain.FeePending, fee.Status)
	assert.Equal(t, "0xtx1", fee.TxHash)
	assert.Equal(t, 1, fee.Attempts)
	assert.Equal(t, f.clock.Add(10*time.Second), fee.NextAttemptAt)

	// Not due yet.
	n, err = f.col.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Due but still pending.
	f.advance(10 * time.Second)
	n, err = f.col.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.transfer.submitted)

	f.transfer.mined["0xtx1"] = true
	f.advance(10 * time.Second)
	n, err = f.col.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.FeeCollected, f.fee(t).Status)
	assert.Equal(t, 1, f.transfer.submitted)
	assert.Empty(t, f.alerts.events)
}

func TestCollectorResubmitsAfterRevert(t *testing.T) {
	f := newFixture(t, Config{ConfirmDelay: time.Second, BaseBackoff: time.Minute})
	ctx := context.Background()

	_, err := f.col.RunOnce(ctx)
	require.NoError(t, err)
	f.transfer.confirm["0xtx1"] = domain.ErrTransferReverted

	f.advance(time.Second)
	_, err = f.col.RunOnce(ctx)
	require.NoError(t, err)
	fee := f.fee(t)
	assert.Empty(t, fee.TxHash)
	assert.True(t, fee.SubmittedAt.IsZero())
	assert.Equal(t, f.clock.Add(time.Minute), fee.NextAttemptAt)

	f.advance(time.Minute)
	_, err = f.col.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0xtx2", f.fee(t).TxHash)
	assert.Equal(t, 2, f.fee(t).Attempts)
}

func TestCollectorBacksOffAndFails(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, BaseBackoff: time.Minute, MaxBackoff: time.Hour})
	f.transfer.submitErr = errors.New("rpc unavailable")
	ctx := context.Background()

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute}
	for _, d := range wantDelays {
		_, err := f.col.RunOnce(ctx)
		require.NoError(t, err)
		fee := f.fee(t)
		assert.Equal(t, domain.FeePending, fee.Status)
		assert.Equal(t, f.clock.Add(d), fee.NextAttemptAt)
		f.advance(d)
	}

	_, err := f.col.RunOnce(ctx)
	require.NoError(t, err)
	fee := f.fee(t)
	assert.Equal(t, domain.FeeFailed, fee.Status)
	assert.Equal(t, 3, fee.Attempts)
	assert.Equal(t, "rpc unavailable", fee.LastError)
	assert.Equal(t, []string{domain.AlertFeeFailed}, f.alerts.events)
}

func TestCollectorFailsUnconfirmedTransfer(t *testing.T) {
	f := newFixture(t, Config{ConfirmDelay: time.Minute, ConfirmTimeout: 5 * time.Minute})
	ctx := context.Background()

	_, err := f.col.RunOnce(ctx)
	require.NoError(t, err)
	f.advance(6 * time.Minute)
	_, err = f.col.RunOnce(ctx)
	require.NoError(t, err)

	fee := f.fee(t)
	assert.Equal(t, domain.FeeFailed, fee.Status)
	assert.Equal(t, "0xtx1", fee.TxHash)
	assert.Equal(t, 1, f.transfer.submitted)
	assert.Equal(t, []string{domain.AlertFeeFailed}, f.alerts.events)
}

func TestCollectorFailsWithoutCredentials(t *testing.T) {
	f := newFixture(t, Config{})
	f.col.creds = venuetest.Credentials{}

	_, err := f.col.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.FeeFailed, f.fee(t).Status)
	assert.Zero(t, f.transfer.submitted)
}

func TestCollectorSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, Config{})
	f.col.locks = heldLock{}

	n, err := f.col.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.transfer.submitted)
}

func TestBackoff(t *testing.T) {
	c := &Collector{cfg: Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}
