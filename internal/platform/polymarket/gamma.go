package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// GammaClient reads market metadata and resolutions from the Gamma API.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a Gamma client for baseURL, e.g.
// "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string, timeout time.Duration) *GammaClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GammaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListMarkets returns one page of markets. closed selects resolved/closed
// markets instead of open ones.
func (g *GammaClient) ListMarkets(ctx context.Context, closed bool, limit, offset int) ([]MarketUpdate, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("closed", strconv.FormatBool(closed))
	params.Set("order", "id")

	body, err := g.get(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}
	var raw []apiMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	out := make([]MarketUpdate, 0, len(raw))
	for _, m := range raw {
		if m.ConditionID == "" {
			continue
		}
		out = append(out, m.toUpdate())
	}
	return out, nil
}

func (g *GammaClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx statuses to domain errors.
func checkHTTPStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := string(body)
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", status, msg)
	}
}
