// Package venuetest provides in-memory stand-ins for the order venue and the
// credential provider.
package venuetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// Venue records every call and answers from configurable hooks.
type Venue struct {
	mu sync.Mutex

	Placed    []domain.OrderRequest
	Cancelled []string
	Queried   []string

	// PlaceErr, when set, is returned by PlaceOrder for every request.
	PlaceErr error
	// LostErr, when set, makes PlaceOrder accept the order and then return
	// this error, as if the response never arrived. It applies once.
	LostErr error
	// FindErr, when set, is returned by the next FindOrder call.
	FindErr error
	// Ack overrides the status PlaceOrder acknowledges with.
	Ack domain.VenueOrderStatus
	// CancelErr, when set, is returned by CancelOrder.
	CancelErr error
	// States answers QueryOrderStatus by order id.
	States map[string]domain.OrderState

	byClient map[string]string
	seq      int
}

// New creates a Venue that accepts everything.
func New() *Venue {
	return &Venue{States: make(map[string]domain.OrderState), byClient: make(map[string]string)}
}

func (v *Venue) PlaceOrder(_ context.Context, _ domain.Credentials, req domain.OrderRequest) (domain.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Placed = append(v.Placed, req)
	if v.PlaceErr != nil {
		return domain.OrderAck{}, v.PlaceErr
	}
	if id, ok := v.byClient[req.ClientOrderID]; ok {
		return domain.OrderAck{}, &domain.OrderRejection{Kind: domain.RejectOrderRejected, Message: "duplicate order " + id}
	}
	v.seq++
	id := fmt.Sprintf("order-%d", v.seq)
	status := domain.VenueOrderOpen
	if v.Ack != "" {
		status = v.Ack
	}
	st := domain.OrderState{OrderID: id, Status: status}
	if status == domain.VenueOrderFilled {
		st.FilledPrice = req.TargetPrice
	}
	v.States[id] = st
	v.byClient[req.ClientOrderID] = id
	if v.LostErr != nil {
		err := v.LostErr
		v.LostErr = nil
		return domain.OrderAck{}, err
	}
	return domain.OrderAck{OrderID: id, Status: status}, nil
}

func (v *Venue) CancelOrder(_ context.Context, _ domain.Credentials, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Cancelled = append(v.Cancelled, orderID)
	if v.CancelErr != nil {
		return v.CancelErr
	}
	st := v.States[orderID]
	st.OrderID = orderID
	st.Status = domain.VenueOrderCancelled
	v.States[orderID] = st
	return nil
}

func (v *Venue) QueryOrderStatus(_ context.Context, _ domain.Credentials, orderID string) (domain.OrderState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Queried = append(v.Queried, orderID)
	st, ok := v.States[orderID]
	if !ok {
		return domain.OrderState{}, &domain.OrderRejection{Kind: domain.RejectOrderNotFound, Message: orderID}
	}
	return st, nil
}

func (v *Venue) FindOrder(_ context.Context, _ domain.Credentials, req domain.OrderRequest) (domain.OrderState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.FindErr != nil {
		err := v.FindErr
		v.FindErr = nil
		return domain.OrderState{}, err
	}
	id, ok := v.byClient[req.ClientOrderID]
	if !ok {
		return domain.OrderState{}, &domain.OrderRejection{Kind: domain.RejectOrderNotFound, Message: req.ClientOrderID}
	}
	return v.States[id], nil
}

// SetState overrides what QueryOrderStatus reports for an order.
func (v *Venue) SetState(st domain.OrderState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.States[st.OrderID] = st
}

// PlacedCount returns how many orders were submitted.
func (v *Venue) PlacedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.Placed)
}

// CancelledIDs returns the ids passed to CancelOrder.
func (v *Venue) CancelledIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.Cancelled...)
}

// Credentials is a static CredentialProvider.
type Credentials map[string]domain.Credentials

// GetCredentials implements domain.CredentialProvider.
func (c Credentials) GetCredentials(_ context.Context, wallet string) (domain.Credentials, error) {
	cr, ok := c[wallet]
	if !ok {
		return domain.Credentials{}, fmt.Errorf("wallet %s: %w", wallet, domain.ErrNoCredentials)
	}
	return cr, nil
}

// For returns a provider holding API-key credentials for each wallet.
func For(wallets ...string) Credentials {
	c := make(Credentials, len(wallets))
	for _, w := range wallets {
		c[w] = domain.Credentials{Wallet: w, Kind: domain.CredentialAPIKey, APIKey: "key-" + w}
	}
	return c
}
