package polymarket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/ledger/memory"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeClob struct {
	mu      sync.Mutex
	derives int
	posted  []apiPostOrder
	live    map[string]bool
}

func (f *fakeClob) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/derive-api-key", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		f.mu.Lock()
		f.derives++
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"apiKey":"derived","secret":"c2VjcmV0","passphrase":"p"}`)
	})
	mux.HandleFunc("POST /order", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		var in apiPostOrder
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&in)) {
			return
		}
		f.mu.Lock()
		f.posted = append(f.posted, in)
		f.mu.Unlock()
		if in.Order.TokenID == "333" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"no orders found to match with FOK order"}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"orderID":"0x1","status":"live"}`)
	})
	mux.HandleFunc("DELETE /order", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&in)) {
			return
		}
		if in["orderID"] == "0xfilled" {
			_, _ = io.WriteString(w, `{"canceled":[],"not_canceled":{"0xfilled":"order already matched"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"canceled":["`+in["orderID"]+`"],"not_canceled":{}}`)
	})
	mux.HandleFunc("GET /data/order/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		live := f.live[id]
		f.mu.Unlock()
		if live {
			_, _ = io.WriteString(w, `{"id":"`+id+`","status":"LIVE","price":"0.5","original_size":"20","size_matched":"0"}`)
			return
		}
		if id != "0x1" {
			_, _ = io.WriteString(w, `null`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"0x1","status":"MATCHED","price":"0.5","original_size":"20","size_matched":"20"}`)
	})
	return mux
}

func newTestVenue(t *testing.T) (*Venue, *fakeClob) {
	t.Helper()
	ctx := context.Background()
	l := memory.New()
	require.NoError(t, l.UpsertMarket(ctx, domain.Market{ConditionID: "m1", YesTokenID: "111", NoTokenID: "222", Status: domain.MarketStatusActive}))
	require.NoError(t, l.UpsertMarket(ctx, domain.Market{ConditionID: "thin", YesTokenID: "333", NoTokenID: "444", Status: domain.MarketStatusActive}))
	require.NoError(t, l.UpsertMarket(ctx, domain.Market{ConditionID: "closed", YesTokenID: "555", NoTokenID: "666", Status: domain.MarketStatusClosed}))

	clob := &fakeClob{live: make(map[string]bool)}
	srv := httptest.NewServer(clob.handler(t))
	t.Cleanup(srv.Close)

	v := NewVenue(VenueConfig{
		BaseURL:  srv.URL,
		ChainID:  137,
		Exchange: "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
		Timeout:  5 * time.Second,
	}, l, nil, discard())
	return v, clob
}

func embedded() domain.Credentials {
	return domain.Credentials{Wallet: "0xw", Kind: domain.CredentialEmbeddedWallet, PrivateKeyHex: testKey}
}

func order(condition string) domain.OrderRequest {
	return domain.OrderRequest{
		ConditionID:   condition,
		Side:          domain.SideYes,
		TargetPrice:   decimal.RequireFromString("0.5"),
		Stake:         decimal.NewFromInt(10),
		ClientOrderID: "c1#0xw#0",
	}
}

func TestPlaceOrder(t *testing.T) {
	ctx := context.Background()
	v, clob := newTestVenue(t)

	ack, err := v.PlaceOrder(ctx, embedded(), order("m1"))
	require.NoError(t, err)
	assert.Equal(t, "0x1", ack.OrderID)
	assert.Equal(t, domain.VenueOrderOpen, ack.Status)

	_, err = v.PlaceOrder(ctx, embedded(), order("m1"))
	require.NoError(t, err)

	require.Len(t, clob.posted, 2)
	got := clob.posted[0]
	assert.Equal(t, "derived", got.Owner)
	assert.Equal(t, "GTC", got.OrderType)
	assert.Equal(t, "111", got.Order.TokenID)
	assert.Equal(t, "10000000", got.Order.MakerAmount)
	assert.Equal(t, "20000000", got.Order.TakerAmount)
	assert.Equal(t, "BUY", got.Order.Side)
	assert.True(t, strings.HasPrefix(got.Order.Signature, "0x"))
	assert.Equal(t, got.Order.Salt, clob.posted[1].Order.Salt, "salt is stable per client order id")
	assert.Equal(t, 1, clob.derives, "api key derived once per wallet")
}

func TestPlaceOrderWithAPIKeySkipsDerivation(t *testing.T) {
	v, clob := newTestVenue(t)
	creds := embedded()
	creds.Kind = domain.CredentialAPIKey
	creds.APIKey, creds.APISecret, creds.APIPassphrase = "own", "c2VjcmV0", "p"

	_, err := v.PlaceOrder(context.Background(), creds, order("m1"))
	require.NoError(t, err)
	assert.Equal(t, 0, clob.derives)
	assert.Equal(t, "own", clob.posted[0].Owner)
}

func TestPlaceOrderRejections(t *testing.T) {
	v, clob := newTestVenue(t)
	ctx := context.Background()

	_, err := v.PlaceOrder(ctx, embedded(), order("thin"))
	kind, ok := domain.RejectionKindOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, domain.RejectInsufficientLiquidity, kind)

	_, err = v.PlaceOrder(ctx, embedded(), order("closed"))
	kind, ok = domain.RejectionKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.RejectMarketClosed, kind)

	bad := order("m1")
	bad.TargetPrice = decimal.NewFromInt(1)
	_, err = v.PlaceOrder(ctx, embedded(), bad)
	kind, ok = domain.RejectionKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.RejectOrderRejected, kind)

	assert.Len(t, clob.posted, 1, "only the thin market reached the venue")

	_, err = v.PlaceOrder(ctx, domain.Credentials{Wallet: "0xnokey"}, order("m1"))
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}

func TestCancelOrder(t *testing.T) {
	v, _ := newTestVenue(t)
	ctx := context.Background()

	require.NoError(t, v.CancelOrder(ctx, embedded(), "0x1"))

	err := v.CancelOrder(ctx, embedded(), "0xfilled")
	kind, ok := domain.RejectionKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.RejectOrderAlreadyFilled, kind)
}

func TestQueryOrderStatus(t *testing.T) {
	v, _ := newTestVenue(t)
	ctx := context.Background()

	st, err := v.QueryOrderStatus(ctx, embedded(), "0x1")
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOrderFilled, st.Status)
	assert.True(t, st.FilledPrice.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, st.FilledSize.Equal(decimal.NewFromInt(20)))

	_, err = v.QueryOrderStatus(ctx, embedded(), "0xmissing")
	kind, ok := domain.RejectionKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.RejectOrderNotFound, kind)
}

func TestFindOrderByClientOrderID(t *testing.T) {
	v, clob := newTestVenue(t)
	ctx := context.Background()

	signer, err := v.signer(embedded())
	require.NoError(t, err)
	o, err := orderFor(signer, embedded(), "111", order("m1"))
	require.NoError(t, err)
	id, err := signer.OrderHash(o)
	require.NoError(t, err)
	clob.mu.Lock()
	clob.live[id] = true
	clob.mu.Unlock()

	st, err := v.FindOrder(ctx, embedded(), order("m1"))
	require.NoError(t, err)
	assert.Equal(t, id, st.OrderID)
	assert.Equal(t, domain.VenueOrderOpen, st.Status)

	other := order("m1")
	other.ClientOrderID = "c1#0xw#1"
	_, err = v.FindOrder(ctx, embedded(), other)
	kind, ok := domain.RejectionKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.RejectOrderNotFound, kind)
	assert.Empty(t, clob.posted, "lookups never post")
}

func TestClassifyRejection(t *testing.T) {
	tests := []struct {
		msg  string
		want domain.RejectionKind
	}{
		{"no orders found to match with FOK order", domain.RejectInsufficientLiquidity},
		{"order couldn't be fully filled", domain.RejectInsufficientLiquidity},
		{"the market is not accepting orders", domain.RejectMarketClosed},
		{"order already matched", domain.RejectOrderAlreadyFilled},
		{"order not found", domain.RejectOrderNotFound},
		{"not enough balance / allowance", domain.RejectOrderRejected},
		{"", domain.RejectOrderRejected},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyRejection(tt.msg).Kind)
		})
	}
}
