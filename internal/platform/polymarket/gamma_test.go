package polymarket

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polychain/internal/domain"
)

const gammaPage = `[
 {"conditionId":"m1","question":"Rain?","active":true,"closed":false,
  "outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"0.4\",\"0.6\"]",
  "clobTokenIds":"[\"111\",\"222\"]","endDate":"2026-12-01T00:00:00Z"},
 {"conditionId":"m2","active":true,"closed":true,"umaResolutionStatus":"resolved",
  "outcomes":["Yes","No"],"outcomePrices":["0","1"],"clobTokenIds":["333","444"]},
 {"conditionId":"m3","active":"true","closed":true,"umaResolutionStatus":"proposed",
  "outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"1\",\"0\"]","clobTokenIds":"[\"555\",\"666\"]"},
 {"conditionId":"","question":"dropped"}
]`

func TestGammaListMarkets(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = io.WriteString(w, gammaPage)
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL, time.Second)
	updates, err := g.ListMarkets(context.Background(), false, 50, 100)
	require.NoError(t, err)
	assert.Contains(t, query, "limit=50")
	assert.Contains(t, query, "offset=100")
	require.Len(t, updates, 3)

	open := updates[0]
	assert.Equal(t, domain.MarketStatusActive, open.Market.Status)
	assert.Equal(t, "111", open.Market.YesTokenID)
	assert.Equal(t, "222", open.Market.NoTokenID)
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), open.Market.EndDate)
	assert.Empty(t, open.Outcome)

	resolved := updates[1]
	assert.Equal(t, domain.MarketStatusClosed, resolved.Market.Status)
	assert.Equal(t, domain.SideNo, resolved.Outcome)

	assert.Empty(t, updates[2].Outcome, "proposed resolutions are not final")
}

func TestGammaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewGammaClient(srv.URL, time.Second).ListMarkets(context.Background(), true, 10, 0)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}
