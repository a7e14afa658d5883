package router

import "github.com/alanyoungcy/polychain/internal/domain"

// Predicate is a pure equality test over a change event. Empty fields match
// anything; Fields maps an after-image field to the values it may take.
type Predicate struct {
	Entity domain.EntityKind
	Event  domain.EventKind
	Fields map[string][]string
}

// Match reports whether evt satisfies every test of p.
func (p Predicate) Match(evt domain.ChangeEvent) bool {
	if p.Entity != "" && p.Entity != evt.EntityKind {
		return false
	}
	if p.Event != "" && p.Event != evt.EventKind {
		return false
	}
	for field, allowed := range p.Fields {
		got, ok := evt.Field(field)
		if !ok {
			return false
		}
		if !contains(allowed, got) {
			return false
		}
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// MarketResolved matches a market transitioning to RESOLVED.
func MarketResolved() Predicate {
	return Predicate{
		Entity: domain.EntityMarket,
		Event:  domain.EventModify,
		Fields: map[string][]string{"status": {string(domain.MarketStatusResolved)}},
	}
}

// BetReady matches a bet written in READY by the given event kind.
func BetReady(kind domain.EventKind) Predicate {
	return Predicate{
		Entity: domain.EntityBet,
		Event:  kind,
		Fields: map[string][]string{"status": {string(domain.BetStatusReady)}},
	}
}

// UserChainTerminated matches a user chain moving to LOST, CANCELLED or
// FAILED.
func UserChainTerminated() Predicate {
	return Predicate{
		Entity: domain.EntityUserChain,
		Event:  domain.EventModify,
		Fields: map[string][]string{"status": {
			string(domain.UserChainStatusLost),
			string(domain.UserChainStatusCancelled),
			string(domain.UserChainStatusFailed),
		}},
	}
}

// AnyOf matches every event of the given entity kinds.
func AnyOf(kinds ...domain.EntityKind) []Predicate {
	out := make([]Predicate, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, Predicate{Entity: k})
	}
	return out
}
