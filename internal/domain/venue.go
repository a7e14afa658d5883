package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderRequest is what the executor asks the venue to do for one leg.
type OrderRequest struct {
	ConditionID   string
	Side          Side
	TargetPrice   decimal.Decimal
	Stake         decimal.Decimal
	ClientOrderID string // stable per (bet, attempt); used as the signing salt
}

// VenueOrderStatus is the venue's view of a resting order.
type VenueOrderStatus string

const (
	VenueOrderOpen      VenueOrderStatus = "OPEN"
	VenueOrderFilled    VenueOrderStatus = "FILLED"
	VenueOrderCancelled VenueOrderStatus = "CANCELLED"
	VenueOrderUnknown   VenueOrderStatus = "UNKNOWN"
)

// OrderAck is returned when the venue accepts an order.
type OrderAck struct {
	OrderID string
	Status  VenueOrderStatus
}

// OrderState is the result of a status query.
type OrderState struct {
	OrderID     string
	Status      VenueOrderStatus
	FilledPrice decimal.Decimal
	FilledSize  decimal.Decimal
}

// RejectionKind classifies a definitive venue refusal.
type RejectionKind string

const (
	RejectInsufficientLiquidity RejectionKind = "INSUFFICIENT_LIQUIDITY"
	RejectMarketClosed          RejectionKind = "MARKET_CLOSED"
	RejectOrderRejected         RejectionKind = "ORDER_REJECTED"
	RejectOrderNotFound         RejectionKind = "ORDER_NOT_FOUND"
	RejectOrderAlreadyFilled    RejectionKind = "ORDER_ALREADY_FILLED"
)

// OrderRejection is a definitive refusal from the venue. Any other error
// returned by an OrderVenue is a transport or unexpected failure.
type OrderRejection struct {
	Kind    RejectionKind
	Message string
}

func (r *OrderRejection) Error() string {
	return fmt.Sprintf("venue rejected order (%s): %s", r.Kind, r.Message)
}

// RejectionKindOf extracts the rejection kind from err, if any.
func RejectionKindOf(err error) (RejectionKind, bool) {
	var rej *OrderRejection
	if errors.As(err, &rej) {
		return rej.Kind, true
	}
	return "", false
}

// OrderVenue is the order-placement capability. Implementations may be a
// direct venue client or a relay hop; callers cannot tell them apart.
type OrderVenue interface {
	PlaceOrder(ctx context.Context, creds Credentials, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, creds Credentials, orderID string) error
	QueryOrderStatus(ctx context.Context, creds Credentials, orderID string) (OrderState, error)
	// FindOrder looks up the order a previous PlaceOrder(req) would have
	// created. It reports ORDER_NOT_FOUND when none reached the venue.
	FindOrder(ctx context.Context, creds Credentials, req OrderRequest) (OrderState, error)
}
