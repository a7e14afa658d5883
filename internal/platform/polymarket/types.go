package polymarket

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// flexBool unmarshals from a JSON bool or a "true"/"false" string; Gamma
// sends both.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// stringList decodes Gamma's JSON-encoded string arrays ("[\"Yes\",\"No\"]")
// as well as plain arrays.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var direct []string
	if err := json.Unmarshal(data, &direct); err == nil {
		*l = direct
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	if encoded == "" {
		*l = nil
		return nil
	}
	return json.Unmarshal([]byte(encoded), (*[]string)(l))
}

// apiMarket is a market as returned by the Gamma API.
type apiMarket struct {
	ConditionID   string     `json:"conditionId"`
	Question      string     `json:"question"`
	Active        flexBool   `json:"active"`
	Closed        flexBool   `json:"closed"`
	Outcomes      stringList `json:"outcomes"`
	OutcomePrices stringList `json:"outcomePrices"`
	ClobTokenIDs  stringList `json:"clobTokenIds"`
	EndDate       string     `json:"endDate"`
	UMAStatus     string     `json:"umaResolutionStatus"`
}

// MarketUpdate is one market observed on Gamma. Outcome is set only once
// the market has been finally resolved.
type MarketUpdate struct {
	Market  domain.Market
	Outcome domain.Side
}

func (m apiMarket) toUpdate() MarketUpdate {
	dm := domain.Market{
		ConditionID: m.ConditionID,
		Question:    m.Question,
		Status:      domain.MarketStatusActive,
	}
	if bool(m.Closed) || !bool(m.Active) {
		dm.Status = domain.MarketStatusClosed
	}
	for i, outcome := range m.Outcomes {
		if i >= len(m.ClobTokenIDs) {
			break
		}
		switch strings.ToLower(outcome) {
		case "yes":
			dm.YesTokenID = m.ClobTokenIDs[i]
		case "no":
			dm.NoTokenID = m.ClobTokenIDs[i]
		}
	}
	if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
		dm.EndDate = t.UTC()
	}

	u := MarketUpdate{Market: dm}
	if bool(m.Closed) && strings.EqualFold(m.UMAStatus, "resolved") {
		u.Outcome = m.winner()
	}
	return u
}

// winner returns the side whose final price is 1, if exactly one is.
func (m apiMarket) winner() domain.Side {
	var won domain.Side
	for i, outcome := range m.Outcomes {
		if i >= len(m.OutcomePrices) {
			break
		}
		p, err := decimal.NewFromString(m.OutcomePrices[i])
		if err != nil || !p.Equal(decimal.NewFromInt(1)) {
			continue
		}
		if won != "" {
			return ""
		}
		switch strings.ToLower(outcome) {
		case "yes":
			won = domain.SideYes
		case "no":
			won = domain.SideNo
		}
	}
	return won
}

// apiOrderPayload is the signed order as posted to the CLOB.
type apiOrderPayload struct {
	Salt          uint64 `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType uint8  `json:"signatureType"`
	Signature     string `json:"signature"`
}

type apiPostOrder struct {
	Order     apiOrderPayload `json:"order"`
	Owner     string          `json:"owner"`
	OrderType string          `json:"orderType"`
}

// apiOrderResult is the CLOB's answer to POST /order.
type apiOrderResult struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg,omitempty"`
	OrderID  string `json:"orderID,omitempty"`
	Status   string `json:"status,omitempty"`
}

// apiOrder is an order as returned by GET /data/order/{id}.
type apiOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
}

func (o apiOrder) toState() domain.OrderState {
	st := domain.OrderState{OrderID: o.ID}
	switch strings.ToUpper(o.Status) {
	case "LIVE", "OPEN", "DELAYED", "UNMATCHED":
		st.Status = domain.VenueOrderOpen
	case "MATCHED", "FILLED":
		st.Status = domain.VenueOrderFilled
	case "CANCELED", "CANCELLED", "CANCELED_MARKET_RESOLVED":
		st.Status = domain.VenueOrderCancelled
	default:
		st.Status = domain.VenueOrderUnknown
	}
	if p, err := decimal.NewFromString(o.Price); err == nil {
		st.FilledPrice = p
	}
	if s, err := decimal.NewFromString(o.SizeMatched); err == nil {
		st.FilledSize = s
	}
	return st
}

type apiCancelResult struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

type apiCredentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type apiError struct {
	Error    string `json:"error"`
	ErrorMsg string `json:"errorMsg"`
}

// classifyRejection maps a CLOB refusal message onto a rejection kind.
func classifyRejection(msg string) *domain.OrderRejection {
	lower := strings.ToLower(msg)
	kind := domain.RejectOrderRejected
	switch {
	case containsAny(lower, "no orders found to match", "couldn't be fully filled", "insufficient liquidity", "not enough liquidity"):
		kind = domain.RejectInsufficientLiquidity
	case containsAny(lower, "market is closed", "market closed", "not accepting orders", "market not found", "orderbook does not exist"):
		kind = domain.RejectMarketClosed
	case containsAny(lower, "already matched", "already filled", "order matched"):
		kind = domain.RejectOrderAlreadyFilled
	case containsAny(lower, "not found", "does not exist", "can't be found"):
		kind = domain.RejectOrderNotFound
	}
	return &domain.OrderRejection{Kind: kind, Message: msg}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
