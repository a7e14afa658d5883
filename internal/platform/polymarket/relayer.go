package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/polychain/internal/crypto"
	"github.com/alanyoungcy/polychain/internal/domain"
)

// Relay paths. The relay hop exposes the venue operations one-to-one.
const (
	RelayPrefix = "/relay/v1/"
	relayPlace  = RelayPrefix + "place"
	relayCancel = RelayPrefix + "cancel"
	relayStatus = RelayPrefix + "status"
	relayFind   = RelayPrefix + "find"

	headerRelayTimestamp = "X-Relay-Timestamp"
	headerRelaySignature = "X-Relay-Signature"
)

type relayRequest struct {
	Credentials domain.Credentials   `json:"credentials"`
	Order       *domain.OrderRequest `json:"order,omitempty"`
	OrderID     string               `json:"orderId,omitempty"`
}

type relayRejection struct {
	Kind    domain.RejectionKind `json:"kind"`
	Message string               `json:"message"`
}

type relayResponse struct {
	Ack       *domain.OrderAck   `json:"ack,omitempty"`
	State     *domain.OrderState `json:"state,omitempty"`
	Rejection *relayRejection    `json:"rejection,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// RelayClient implements domain.OrderVenue by forwarding every call to a
// relay running in another network region. Rejections come back as
// *domain.OrderRejection, so callers cannot tell the hop is there.
type RelayClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

var _ domain.OrderVenue = (*RelayClient)(nil)

// NewRelayClient creates a relay client. timeout should cover the venue's
// own timeout plus the hop.
func NewRelayClient(baseURL, secret string, timeout time.Duration) *RelayClient {
	return &RelayClient{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *RelayClient) PlaceOrder(ctx context.Context, creds domain.Credentials, req domain.OrderRequest) (domain.OrderAck, error) {
	var res relayResponse
	if err := r.call(ctx, relayPlace, relayRequest{Credentials: creds, Order: &req}, &res); err != nil {
		return domain.OrderAck{}, err
	}
	if res.Ack == nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/relay: place: empty ack")
	}
	return *res.Ack, nil
}

func (r *RelayClient) CancelOrder(ctx context.Context, creds domain.Credentials, orderID string) error {
	var res relayResponse
	return r.call(ctx, relayCancel, relayRequest{Credentials: creds, OrderID: orderID}, &res)
}

func (r *RelayClient) QueryOrderStatus(ctx context.Context, creds domain.Credentials, orderID string) (domain.OrderState, error) {
	var res relayResponse
	if err := r.call(ctx, relayStatus, relayRequest{Credentials: creds, OrderID: orderID}, &res); err != nil {
		return domain.OrderState{}, err
	}
	if res.State == nil {
		return domain.OrderState{}, fmt.Errorf("polymarket/relay: status: empty state")
	}
	return *res.State, nil
}

func (r *RelayClient) FindOrder(ctx context.Context, creds domain.Credentials, req domain.OrderRequest) (domain.OrderState, error) {
	var res relayResponse
	if err := r.call(ctx, relayFind, relayRequest{Credentials: creds, Order: &req}, &res); err != nil {
		return domain.OrderState{}, err
	}
	if res.State == nil {
		return domain.OrderState{}, fmt.Errorf("polymarket/relay: find: empty state")
	}
	return *res.State, nil
}

func (r *RelayClient) call(ctx context.Context, path string, in relayRequest, out *relayResponse) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("polymarket/relay: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("polymarket/relay: create request: %w", err)
	}
	ts := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerRelayTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerRelaySignature, crypto.RelaySignature(r.secret, ts, http.MethodPost, path, body))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/relay: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/relay: read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if statusErr := checkHTTPStatus(resp.StatusCode, raw); statusErr != nil {
			return fmt.Errorf("polymarket/relay: %s: %w", path, statusErr)
		}
		return fmt.Errorf("polymarket/relay: decode response: %w", err)
	}
	if out.Rejection != nil {
		return &domain.OrderRejection{Kind: out.Rejection.Kind, Message: out.Rejection.Message}
	}
	if out.Error != "" {
		return fmt.Errorf("polymarket/relay: %s: %s", path, out.Error)
	}
	if err := checkHTTPStatus(resp.StatusCode, raw); err != nil {
		return fmt.Errorf("polymarket/relay: %s: %w", path, err)
	}
	return nil
}

// RelayHandler serves the relay side of the hop: it authenticates the
// caller, forwards to venue and returns the result unchanged.
type RelayHandler struct {
	venue  domain.OrderVenue
	secret string
	skew   time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRelayHandler creates the relay endpoint handler.
func NewRelayHandler(venue domain.OrderVenue, secret string, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		venue:  venue,
		secret: secret,
		skew:   time.Minute,
		logger: logger.With(slog.String("component", "relay")),
		now:    time.Now,
	}
}

// Register mounts the relay routes on mux.
func (h *RelayHandler) Register(mux *http.ServeMux) {
	mux.Handle("POST "+RelayPrefix+"{op}", h)
}

func (h *RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeRelay(w, http.StatusBadRequest, relayResponse{Error: "unreadable body"})
		return
	}
	ts, err := strconv.ParseInt(r.Header.Get(headerRelayTimestamp), 10, 64)
	if err != nil || !crypto.VerifyRelaySignature(h.secret, ts, r.Method, r.URL.Path, body,
		r.Header.Get(headerRelaySignature), h.now(), h.skew) {
		writeRelay(w, http.StatusUnauthorized, relayResponse{Error: "invalid relay signature"})
		return
	}

	var in relayRequest
	if err := json.Unmarshal(body, &in); err != nil {
		writeRelay(w, http.StatusBadRequest, relayResponse{Error: "invalid body"})
		return
	}

	var out relayResponse
	switch r.URL.Path {
	case relayPlace:
		if in.Order == nil {
			writeRelay(w, http.StatusBadRequest, relayResponse{Error: "missing order"})
			return
		}
		ack, err := h.venue.PlaceOrder(r.Context(), in.Credentials, *in.Order)
		out = h.result(err, "place", in)
		if err == nil {
			out.Ack = &ack
		}
	case relayCancel:
		out = h.result(h.venue.CancelOrder(r.Context(), in.Credentials, in.OrderID), "cancel", in)
	case relayStatus:
		st, err := h.venue.QueryOrderStatus(r.Context(), in.Credentials, in.OrderID)
		out = h.result(err, "status", in)
		if err == nil {
			out.State = &st
		}
	case relayFind:
		if in.Order == nil {
			writeRelay(w, http.StatusBadRequest, relayResponse{Error: "missing order"})
			return
		}
		st, err := h.venue.FindOrder(r.Context(), in.Credentials, *in.Order)
		out = h.result(err, "find", in)
		if err == nil {
			out.State = &st
		}
	default:
		writeRelay(w, http.StatusNotFound, relayResponse{Error: "unknown relay operation"})
		return
	}
	writeRelay(w, http.StatusOK, out)
}

func (h *RelayHandler) result(err error, op string, in relayRequest) relayResponse {
	if err == nil {
		return relayResponse{}
	}
	var rej *domain.OrderRejection
	if errors.As(err, &rej) {
		return relayResponse{Rejection: &relayRejection{Kind: rej.Kind, Message: rej.Message}}
	}
	h.logger.Warn("relayed call failed",
		slog.String("op", op),
		slog.String("wallet", in.Credentials.Wallet),
		slog.String("error", err.Error()),
	)
	return relayResponse{Error: err.Error()}
}

func writeRelay(w http.ResponseWriter, status int, v relayResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
