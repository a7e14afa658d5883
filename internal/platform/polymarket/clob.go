// Package polymarket adapts the Polymarket CLOB and Gamma APIs to the
// engine's order venue and market sync.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polychain/internal/crypto"
	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/metrics"
)

// usdcUnit scales 6-decimal amounts to on-chain integers.
var usdcUnit = decimal.New(1, domain.USDCDecimals)

// VenueConfig configures the CLOB adapter.
type VenueConfig struct {
	BaseURL string
	ChainID int64
	// Exchange is the CTF exchange contract orders are signed against.
	Exchange string
	// OrderType is GTC (default), FOK or FAK.
	OrderType string
	Timeout   time.Duration
}

// Venue implements domain.OrderVenue against the Polymarket CLOB. Signers
// and derived API keys are cached per wallet.
type Venue struct {
	cfg        VenueConfig
	httpClient *http.Client
	markets    domain.MarketStore
	limiter    domain.RateLimiter
	logger     *slog.Logger

	mu      sync.Mutex
	signers map[string]*crypto.Signer
	keys    map[string]crypto.HMACAuth
}

var _ domain.OrderVenue = (*Venue)(nil)

// NewVenue creates the adapter. limiter may be nil.
func NewVenue(cfg VenueConfig, markets domain.MarketStore, limiter domain.RateLimiter, logger *slog.Logger) *Venue {
	if cfg.OrderType == "" {
		cfg.OrderType = "GTC"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Venue{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		markets:    markets,
		limiter:    limiter,
		logger:     logger.With(slog.String("component", "polymarket_venue")),
		signers:    make(map[string]*crypto.Signer),
		keys:       make(map[string]crypto.HMACAuth),
	}
}

// PlaceOrder signs and posts a BUY of the requested side's token at the
// target price.
func (v *Venue) PlaceOrder(ctx context.Context, creds domain.Credentials, req domain.OrderRequest) (ack domain.OrderAck, err error) {
	began := time.Now()
	defer func() { metrics.RecordVenueRequest("place", time.Since(began), err) }()

	if err := domain.ValidatePrice(req.TargetPrice); err != nil {
		return domain.OrderAck{}, &domain.OrderRejection{Kind: domain.RejectOrderRejected, Message: err.Error()}
	}
	if !req.Stake.IsPositive() {
		return domain.OrderAck{}, &domain.OrderRejection{Kind: domain.RejectOrderRejected,
			Message: fmt.Sprintf("stake %s must be positive", req.Stake)}
	}
	market, err := v.markets.GetMarket(ctx, req.ConditionID)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: load market %s: %w", req.ConditionID, err)
	}
	if market.Status != domain.MarketStatusActive {
		return domain.OrderAck{}, &domain.OrderRejection{Kind: domain.RejectMarketClosed,
			Message: fmt.Sprintf("market %s is %s", market.ConditionID, market.Status)}
	}
	token, err := market.TokenFor(req.Side)
	if err != nil {
		return domain.OrderAck{}, &domain.OrderRejection{Kind: domain.RejectMarketClosed, Message: err.Error()}
	}

	signer, err := v.signer(creds)
	if err != nil {
		return domain.OrderAck{}, err
	}
	payload, err := v.buildOrder(signer, creds, token, req)
	if err != nil {
		return domain.OrderAck{}, err
	}
	auth, err := v.apiKey(ctx, creds, signer)
	if err != nil {
		return domain.OrderAck{}, err
	}

	var res apiOrderResult
	body := apiPostOrder{Order: payload, Owner: auth.Key, OrderType: v.cfg.OrderType}
	if err := v.do(ctx, creds, signer, auth, http.MethodPost, "/order", body, &res); err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}
	if !res.Success || res.OrderID == "" {
		return domain.OrderAck{}, classifyRejection(res.ErrorMsg)
	}

	status := domain.VenueOrderOpen
	if res.Status == "matched" {
		status = domain.VenueOrderFilled
	}
	return domain.OrderAck{OrderID: res.OrderID, Status: status}, nil
}

// CancelOrder cancels a resting order. An order that already matched yields
// an ORDER_ALREADY_FILLED rejection.
func (v *Venue) CancelOrder(ctx context.Context, creds domain.Credentials, orderID string) (err error) {
	began := time.Now()
	defer func() { metrics.RecordVenueRequest("cancel", time.Since(began), err) }()

	signer, err := v.signer(creds)
	if err != nil {
		return err
	}
	auth, err := v.apiKey(ctx, creds, signer)
	if err != nil {
		return err
	}

	var res apiCancelResult
	body := map[string]string{"orderID": orderID}
	if err := v.do(ctx, creds, signer, auth, http.MethodDelete, "/order", body, &res); err != nil {
		return fmt.Errorf("polymarket/clob: cancel %s: %w", orderID, err)
	}
	for _, id := range res.Canceled {
		if id == orderID {
			return nil
		}
	}
	reason, ok := res.NotCanceled[orderID]
	if !ok {
		return &domain.OrderRejection{Kind: domain.RejectOrderNotFound, Message: orderID}
	}
	if containsAny(strings.ToLower(reason), "already canceled", "already cancelled") {
		return nil
	}
	return classifyRejection(reason)
}

// QueryOrderStatus reads an order's state.
func (v *Venue) QueryOrderStatus(ctx context.Context, creds domain.Credentials, orderID string) (st domain.OrderState, err error) {
	began := time.Now()
	defer func() { metrics.RecordVenueRequest("status", time.Since(began), err) }()

	signer, err := v.signer(creds)
	if err != nil {
		return domain.OrderState{}, err
	}
	auth, err := v.apiKey(ctx, creds, signer)
	if err != nil {
		return domain.OrderState{}, err
	}

	var order *apiOrder
	if err := v.do(ctx, creds, signer, auth, http.MethodGet, "/data/order/"+url.PathEscape(orderID), nil, &order); err != nil {
		return domain.OrderState{}, fmt.Errorf("polymarket/clob: order %s: %w", orderID, err)
	}
	if order == nil || order.ID == "" {
		return domain.OrderState{}, &domain.OrderRejection{Kind: domain.RejectOrderNotFound, Message: orderID}
	}
	return order.toState(), nil
}

// FindOrder recomputes the order hash PlaceOrder would have produced for req
// and reads that order back. The market's current status is not checked.
func (v *Venue) FindOrder(ctx context.Context, creds domain.Credentials, req domain.OrderRequest) (domain.OrderState, error) {
	market, err := v.markets.GetMarket(ctx, req.ConditionID)
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("polymarket/clob: load market %s: %w", req.ConditionID, err)
	}
	token, err := market.TokenFor(req.Side)
	if err != nil {
		return domain.OrderState{}, &domain.OrderRejection{Kind: domain.RejectOrderNotFound, Message: err.Error()}
	}
	signer, err := v.signer(creds)
	if err != nil {
		return domain.OrderState{}, err
	}
	order, err := orderFor(signer, creds, token, req)
	if err != nil {
		return domain.OrderState{}, err
	}
	id, err := signer.OrderHash(order)
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	return v.QueryOrderStatus(ctx, creds, id)
}

// buildOrder converts a leg request into a signed exchange order.
func (v *Venue) buildOrder(signer *crypto.Signer, creds domain.Credentials, token string, req domain.OrderRequest) (apiOrderPayload, error) {
	order, err := orderFor(signer, creds, token, req)
	if err != nil {
		return apiOrderPayload{}, err
	}
	sig, err := signer.SignOrder(order)
	if err != nil {
		return apiOrderPayload{}, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	return apiOrderPayload{
		Salt:          order.Salt.Uint64(),
		Maker:         order.Maker.Hex(),
		Signer:        signer.Address().Hex(),
		Taker:         common.Address{}.Hex(),
		TokenID:       token,
		MakerAmount:   order.MakerAmount.String(),
		TakerAmount:   order.TakerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          "BUY",
		SignatureType: order.SignatureType,
		Signature:     sig,
	}, nil
}

// orderFor builds the exchange order for a leg. The BUY spends the stake
// (maker amount) for stake/price shares (taker amount), both truncated to 6
// decimals. The salt is derived from ClientOrderID, so every field and
// therefore the order hash is a pure function of the request.
func orderFor(signer *crypto.Signer, creds domain.Credentials, token string, req domain.OrderRequest) (crypto.Order, error) {
	tokenID, ok := new(big.Int).SetString(token, 10)
	if !ok {
		return crypto.Order{}, fmt.Errorf("polymarket/clob: token id %q is not an integer", token)
	}
	stake := req.Stake.Truncate(domain.USDCDecimals)
	shares, err := domain.PayoutAt(stake, req.TargetPrice)
	if err != nil {
		return crypto.Order{}, err
	}

	maker, sigType := signer.Address(), crypto.SignatureEOA
	if creds.FunderAddress != "" {
		if !common.IsHexAddress(creds.FunderAddress) {
			return crypto.Order{}, fmt.Errorf("polymarket/clob: funder %q: %w", creds.FunderAddress, domain.ErrSigningFailed)
		}
		maker, sigType = common.HexToAddress(creds.FunderAddress), crypto.SignatureGnosisSafe
	}
	salt := xxhash.Sum64String(req.ClientOrderID) >> 1 // keep within int64 for JSON consumers

	return crypto.Order{
		Salt:          new(big.Int).SetUint64(salt),
		Maker:         maker,
		Signer:        signer.Address(),
		TokenID:       tokenID,
		MakerAmount:   stake.Mul(usdcUnit).BigInt(),
		TakerAmount:   shares.Mul(usdcUnit).BigInt(),
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          crypto.SideBuy,
		SignatureType: sigType,
	}, nil
}

func (v *Venue) signer(creds domain.Credentials) (*crypto.Signer, error) {
	if creds.PrivateKeyHex == "" {
		return nil, fmt.Errorf("polymarket/clob: wallet %s has no signing key: %w", creds.Wallet, domain.ErrSigningFailed)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.signers[creds.Wallet]; ok {
		return s, nil
	}
	s, err := crypto.NewSigner(creds.PrivateKeyHex, v.cfg.ChainID, common.HexToAddress(v.cfg.Exchange))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	v.signers[creds.Wallet] = s
	return s, nil
}

// apiKey returns the L2 credentials for creds. Embedded wallets derive them
// once through the L1 auth flow.
func (v *Venue) apiKey(ctx context.Context, creds domain.Credentials, signer *crypto.Signer) (crypto.HMACAuth, error) {
	if creds.Kind == domain.CredentialAPIKey {
		return crypto.HMACAuth{Key: creds.APIKey, Secret: creds.APISecret, Passphrase: creds.APIPassphrase}, nil
	}

	v.mu.Lock()
	auth, ok := v.keys[creds.Wallet]
	v.mu.Unlock()
	if ok {
		return auth, nil
	}

	ts := time.Now().Unix()
	sig, err := signer.SignAuth(ts, 0)
	if err != nil {
		return crypto.HMACAuth{}, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.BaseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return crypto.HMACAuth{}, fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("POLY_NONCE", "0")

	var out apiCredentials
	if err := v.send(req, &out); err != nil {
		return crypto.HMACAuth{}, fmt.Errorf("polymarket/clob: derive api key for %s: %w", creds.Wallet, err)
	}
	auth = crypto.HMACAuth{Key: out.APIKey, Secret: out.Secret, Passphrase: out.Passphrase}

	v.mu.Lock()
	v.keys[creds.Wallet] = auth
	v.mu.Unlock()
	v.logger.Info("derived api key", slog.String("wallet", creds.Wallet))
	return auth, nil
}

// do sends an L2-authenticated request, waiting on the per-wallet rate limit
// first.
func (v *Venue) do(ctx context.Context, creds domain.Credentials, signer *crypto.Signer, auth crypto.HMACAuth, method, path string, body, out any) error {
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx, "venue:"+creds.Wallet); err != nil {
			return err
		}
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}
	req, err := http.NewRequestWithContext(ctx, method, v.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, val := range auth.L2Headers(signer.Address().Hex(), method, path, string(payload)) {
		req.Header.Set(k, val)
	}
	return v.send(req, out)
}

// send executes req and decodes a 2xx body into out. A 400 carrying an
// error message is a definitive rejection; a 404 means the order is unknown.
func (v *Venue) send(req *http.Request, out any) error {
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		var e apiError
		if json.Unmarshal(body, &e) == nil && (e.Error != "" || e.ErrorMsg != "") {
			return classifyRejection(e.Error + e.ErrorMsg)
		}
	case http.StatusNotFound:
		if req.Method != http.MethodPost {
			return &domain.OrderRejection{Kind: domain.RejectOrderNotFound, Message: string(body)}
		}
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
