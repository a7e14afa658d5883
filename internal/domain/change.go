package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EntityKind names the record type a change refers to.
type EntityKind string

const (
	EntityMarket    EntityKind = "MARKET"
	EntityChain     EntityKind = "CHAIN"
	EntityUserChain EntityKind = "USER_CHAIN"
	EntityBet       EntityKind = "BET"
)

// EventKind names the kind of write that produced a change.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventModify EventKind = "MODIFY"
)

// ChangeEvent is one entry of the ledger's change feed. Before is empty for
// INSERT events. Events sharing a PartitionKey are delivered in Sequence
// order; there is no ordering across partitions.
type ChangeEvent struct {
	ID           string          `json:"id"`
	Sequence     int64           `json:"sequence"`
	PartitionKey string          `json:"partitionKey"`
	EntityKind   EntityKind      `json:"entityKind"`
	EventKind    EventKind       `json:"eventKind"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after"`
	CommittedAt  time.Time       `json:"committedAt"`
}

// NewChangeEvent builds an event from typed before/after images. Pass a nil
// before for inserts.
func NewChangeEvent(kind EntityKind, key string, before, after any) (ChangeEvent, error) {
	evt := ChangeEvent{
		PartitionKey: key,
		EntityKind:   kind,
		EventKind:    EventInsert,
		CommittedAt:  time.Now().UTC(),
	}
	if before != nil {
		b, err := json.Marshal(before)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("change: marshal before image: %w", err)
		}
		evt.Before = b
		evt.EventKind = EventModify
	}
	a, err := json.Marshal(after)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("change: marshal after image: %w", err)
	}
	evt.After = a
	return evt, nil
}

// DecodeAfter unmarshals the after image into v.
func (e ChangeEvent) DecodeAfter(v any) error {
	if len(e.After) == 0 {
		return fmt.Errorf("change %s: empty after image", e.ID)
	}
	if err := json.Unmarshal(e.After, v); err != nil {
		return fmt.Errorf("change %s: decode after image: %w", e.ID, err)
	}
	return nil
}

// DecodeBefore unmarshals the before image into v. It reports false when the
// event carries no before image.
func (e ChangeEvent) DecodeBefore(v any) (bool, error) {
	if len(e.Before) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(e.Before, v); err != nil {
		return false, fmt.Errorf("change %s: decode before image: %w", e.ID, err)
	}
	return true, nil
}

// Field returns a top-level scalar of the after image rendered as a string.
func (e ChangeEvent) Field(name string) (string, bool) {
	var image map[string]json.RawMessage
	if err := json.Unmarshal(e.After, &image); err != nil {
		return "", false
	}
	raw, ok := image[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), true
	}
	return "", false
}
