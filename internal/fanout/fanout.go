// Package fanout turns ledger changes into live-subscriber messages.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/shopspring/decimal"
)

// Subscriber channels.
const (
	ChannelPublic = "public"
	ChannelAdmin  = "admin"
)

// Message types on the wire.
const (
	TypeNewBet      = "NEW_BET"
	TypeAdminState  = "ADMIN_STATE"
	TypeAdminUpdate = "ADMIN_UPDATE"
	TypePing        = "ping"
	TypePong        = "pong"
)

// Envelope is every server-to-client message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// NewBet announces a fresh commitment on the public channel.
type NewBet struct {
	Wallet    string          `json:"wallet"`
	Stake     decimal.Decimal `json:"stake"`
	Legs      []domain.Leg    `json:"legs"`
	ChainID   string          `json:"chainId"`
	Timestamp time.Time       `json:"timestamp"`
}

// AdminUpdate mirrors a single change to admin subscribers.
type AdminUpdate struct {
	EntityType domain.EntityKind `json:"entityType"`
	EventName  domain.EventKind  `json:"eventName"`
	Entity     json.RawMessage   `json:"entity"`
}

// Broadcaster delivers an encoded message to every subscriber of a channel
// currently connected. Delivery is best effort.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, payload []byte) error
}

// ChainSource resolves chain templates for the public feed.
type ChainSource interface {
	GetChain(ctx context.Context, chainID string) (domain.Chain, error)
}

// Publisher consumes every entity change and pushes it to subscribers.
type Publisher struct {
	out    Broadcaster
	chains ChainSource
	logger *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(out Broadcaster, chains ChainSource, logger *slog.Logger) *Publisher {
	return &Publisher{
		out:    out,
		chains: chains,
		logger: logger.With(slog.String("component", "fanout")),
	}
}

// Handle implements router.Consumer.
func (p *Publisher) Handle(ctx context.Context, evt domain.ChangeEvent) error {
	update, err := Encode(Envelope{Type: TypeAdminUpdate, Data: AdminUpdate{
		EntityType: evt.EntityKind,
		EventName:  evt.EventKind,
		Entity:     evt.After,
	}})
	if err != nil {
		return err
	}
	if err := p.out.Broadcast(ctx, ChannelAdmin, update); err != nil {
		p.logger.WarnContext(ctx, "admin broadcast failed", slog.String("error", err.Error()))
	}

	if evt.EntityKind != domain.EntityUserChain || evt.EventKind != domain.EventInsert {
		return nil
	}
	var uc domain.UserChain
	if err := evt.DecodeAfter(&uc); err != nil {
		return err
	}
	chain, err := p.chains.GetChain(ctx, uc.ChainID)
	if err != nil {
		return fmt.Errorf("fanout: chain %s: %w", uc.ChainID, err)
	}
	msg, err := Encode(Envelope{Type: TypeNewBet, Data: NewBet{
		Wallet:    uc.WalletAddress,
		Stake:     uc.InitialStake,
		Legs:      chain.Legs,
		ChainID:   uc.ChainID,
		Timestamp: uc.CreatedAt,
	}})
	if err != nil {
		return err
	}
	if err := p.out.Broadcast(ctx, ChannelPublic, msg); err != nil {
		p.logger.WarnContext(ctx, "public broadcast failed", slog.String("error", err.Error()))
	}
	return nil
}

// Encode marshals an envelope.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("fanout: encode %s: %w", env.Type, err)
	}
	return b, nil
}

// BusBroadcaster publishes to a pub/sub bus so that every server instance
// can forward to its own connections.
type BusBroadcaster struct {
	bus    domain.SignalBus
	prefix string
}

// NewBusBroadcaster creates a BusBroadcaster. Channels are published as
// prefix + channel.
func NewBusBroadcaster(bus domain.SignalBus, prefix string) *BusBroadcaster {
	return &BusBroadcaster{bus: bus, prefix: prefix}
}

// Broadcast implements Broadcaster.
func (b *BusBroadcaster) Broadcast(ctx context.Context, channel string, payload []byte) error {
	return b.bus.Publish(ctx, b.prefix+channel, payload)
}

// BusChannel returns the bus channel name used for a subscriber channel.
func BusChannel(prefix, channel string) string {
	return prefix + channel
}
