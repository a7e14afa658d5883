// Package memory provides an in-process Ledger with a live change log. It
// backs local development and the consumer tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/google/uuid"
)

// Ledger implements domain.Ledger, domain.ChangeLog and domain.FeeStore.
type Ledger struct {
	mu         sync.RWMutex
	markets    map[string]domain.Market
	chains     map[string]domain.Chain
	userChains map[domain.UserChainKey]domain.UserChain
	bets       map[domain.BetKey]domain.Bet
	fees       map[domain.UserChainKey]domain.FeeCollection

	changes []domain.ChangeEvent
	seq     int64
	relayed int64

	now func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		markets:    make(map[string]domain.Market),
		chains:     make(map[string]domain.Chain),
		userChains: make(map[domain.UserChainKey]domain.UserChain),
		bets:       make(map[domain.BetKey]domain.Bet),
		fees:       make(map[domain.UserChainKey]domain.FeeCollection),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// record appends a change event. Callers hold mu.
func (l *Ledger) record(kind domain.EntityKind, key string, before, after any) error {
	evt, err := domain.NewChangeEvent(kind, key, before, after)
	if err != nil {
		return err
	}
	l.seq++
	evt.ID = uuid.NewString()
	evt.Sequence = l.seq
	evt.CommittedAt = l.now()
	l.changes = append(l.changes, evt)
	return nil
}

// ---------- markets ----------

// GetMarket retrieves a market by condition id.
func (l *Ledger) GetMarket(_ context.Context, conditionID string) (domain.Market, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.markets[conditionID]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: market %s: %w", conditionID, domain.ErrNotFound)
	}
	return m, nil
}

// UpsertMarket inserts or replaces a market. A resolved market is never
// rewritten.
func (l *Ledger) UpsertMarket(_ context.Context, m domain.Market) error {
	if err := m.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	m.UpdatedAt = l.now()
	prev, ok := l.markets[m.ConditionID]
	if ok && prev.Status == domain.MarketStatusResolved {
		return fmt.Errorf("memory: market %s already resolved: %w", m.ConditionID, domain.ErrPreconditionFailed)
	}
	if ok {
		m.Version = prev.Version + 1
		l.markets[m.ConditionID] = m
		return l.record(domain.EntityMarket, m.Key(), prev, m)
	}
	m.Version = 1
	l.markets[m.ConditionID] = m
	return l.record(domain.EntityMarket, m.Key(), nil, m)
}

// ResolveMarket records the outcome of an unresolved market.
func (l *Ledger) ResolveMarket(_ context.Context, conditionID string, outcome domain.Side, at time.Time) (domain.Market, error) {
	if !outcome.Valid() {
		return domain.Market{}, fmt.Errorf("memory: resolve %s: invalid outcome %q", conditionID, outcome)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.markets[conditionID]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: market %s: %w", conditionID, domain.ErrNotFound)
	}
	if prev.Status == domain.MarketStatusResolved {
		return prev, fmt.Errorf("memory: market %s already resolved: %w", conditionID, domain.ErrPreconditionFailed)
	}
	next := prev
	next.Status = domain.MarketStatusResolved
	next.Outcome = outcome
	next.ResolutionDate = &at
	next.Version++
	next.UpdatedAt = l.now()
	l.markets[conditionID] = next
	return next, l.record(domain.EntityMarket, next.Key(), prev, next)
}

// ---------- chains ----------

// CreateChain stores a validated chain definition.
func (l *Ledger) CreateChain(_ context.Context, c domain.Chain) error {
	if err := c.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.chains[c.ChainID]; ok {
		return fmt.Errorf("memory: chain %s: %w", c.ChainID, domain.ErrAlreadyExists)
	}
	c.Version = 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = l.now()
	}
	l.chains[c.ChainID] = c
	return l.record(domain.EntityChain, c.Key(), nil, c)
}

// GetChain retrieves a chain definition by id.
func (l *Ledger) GetChain(_ context.Context, chainID string) (domain.Chain, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chains[chainID]
	if !ok {
		return domain.Chain{}, fmt.Errorf("memory: chain %s: %w", chainID, domain.ErrNotFound)
	}
	return c, nil
}

// ListChains returns chain definitions ordered by id.
func (l *Ledger) ListChains(_ context.Context, opts domain.ListOpts) ([]domain.Chain, error) {
	l.mu.RLock()
	out := make([]domain.Chain, 0, len(l.chains))
	for _, c := range l.chains {
		out = append(out, c)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return paginate(out, opts), nil
}

// ---------- user chains ----------

// CreateUserChain stores a committed user chain together with its legs.
func (l *Ledger) CreateUserChain(_ context.Context, uc domain.UserChain, bets []domain.Bet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := uc.Key()
	if _, ok := l.userChains[key]; ok {
		return fmt.Errorf("memory: user chain %s: %w", key, domain.ErrAlreadyExists)
	}
	for _, b := range bets {
		if b.Key().UserChainKey() != key {
			return fmt.Errorf("memory: bet %s does not belong to %s", b.Key(), key)
		}
		if _, ok := l.bets[b.Key()]; ok {
			return fmt.Errorf("memory: bet %s: %w", b.Key(), domain.ErrAlreadyExists)
		}
	}
	now := l.now()
	uc.Version = 1
	uc.CreatedAt, uc.UpdatedAt = now, now
	l.userChains[key] = uc
	if err := l.record(domain.EntityUserChain, key.String(), nil, uc); err != nil {
		return err
	}
	for _, b := range bets {
		b.Version = 1
		b.CreatedAt, b.UpdatedAt = now, now
		l.bets[b.Key()] = b
		if err := l.record(domain.EntityBet, b.Key().String(), nil, b); err != nil {
			return err
		}
	}
	return nil
}

// GetUserChain retrieves a user chain by chain id and wallet.
func (l *Ledger) GetUserChain(_ context.Context, key domain.UserChainKey) (domain.UserChain, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	uc, ok := l.userChains[key]
	if !ok {
		return domain.UserChain{}, fmt.Errorf("memory: user chain %s: %w", key, domain.ErrNotFound)
	}
	return uc, nil
}

// UpdateUserChain applies up if the current status is in up.From.
func (l *Ledger) UpdateUserChain(_ context.Context, up domain.UserChainUpdate) (domain.UserChain, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.userChains[up.Key]
	if !ok {
		return domain.UserChain{}, fmt.Errorf("memory: user chain %s: %w", up.Key, domain.ErrNotFound)
	}
	if !up.Matches(prev) {
		return prev, fmt.Errorf("memory: user chain %s is %s: %w", up.Key, prev.Status, domain.ErrPreconditionFailed)
	}
	next := prev
	up.Apply(&next, l.now())
	l.userChains[up.Key] = next
	return next, l.record(domain.EntityUserChain, up.Key.String(), prev, next)
}

// ListUserChains returns user chains in any of statuses.
func (l *Ledger) ListUserChains(_ context.Context, statuses []domain.UserChainStatus, opts domain.ListOpts) ([]domain.UserChain, error) {
	l.mu.RLock()
	out := make([]domain.UserChain, 0)
	for _, uc := range l.userChains {
		if len(statuses) == 0 || domain.ContainsUserChainStatus(statuses, uc.Status) {
			out = append(out, uc)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return paginate(out, opts), nil
}

// ---------- bets ----------

// GetBet retrieves a single leg.
func (l *Ledger) GetBet(_ context.Context, key domain.BetKey) (domain.Bet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bets[key]
	if !ok {
		return domain.Bet{}, fmt.Errorf("memory: bet %s: %w", key, domain.ErrNotFound)
	}
	return b, nil
}

// CreateBet inserts a new leg.
func (l *Ledger) CreateBet(_ context.Context, b domain.Bet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.bets[b.Key()]; ok {
		return fmt.Errorf("memory: bet %s: %w", b.Key(), domain.ErrAlreadyExists)
	}
	now := l.now()
	b.Version = 1
	b.CreatedAt, b.UpdatedAt = now, now
	l.bets[b.Key()] = b
	return l.record(domain.EntityBet, b.Key().String(), nil, b)
}

// UpdateBet applies up if the current status is in up.From, returning the
// current image either way.
func (l *Ledger) UpdateBet(_ context.Context, up domain.BetUpdate) (domain.Bet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.bets[up.Key]
	if !ok {
		return domain.Bet{}, fmt.Errorf("memory: bet %s: %w", up.Key, domain.ErrNotFound)
	}
	if !up.Matches(prev) {
		return prev, fmt.Errorf("memory: bet %s is %s: %w", up.Key, prev.Status, domain.ErrPreconditionFailed)
	}
	next := prev
	up.Apply(&next, l.now())
	l.bets[up.Key] = next
	return next, l.record(domain.EntityBet, up.Key.String(), prev, next)
}

// ListBetsByCondition returns the legs on a market, optionally filtered by
// status.
func (l *Ledger) ListBetsByCondition(_ context.Context, conditionID string, statuses ...domain.BetStatus) ([]domain.Bet, error) {
	l.mu.RLock()
	out := make([]domain.Bet, 0)
	for _, b := range l.bets {
		if b.ConditionID != conditionID {
			continue
		}
		if len(statuses) > 0 && !domain.ContainsBetStatus(statuses, b.Status) {
			continue
		}
		out = append(out, b)
	}
	l.mu.RUnlock()
	sortBets(out)
	return out, nil
}

// ListBetsByUserChain returns a user chain's legs in sequence order.
func (l *Ledger) ListBetsByUserChain(_ context.Context, key domain.UserChainKey) ([]domain.Bet, error) {
	l.mu.RLock()
	out := make([]domain.Bet, 0)
	for k, b := range l.bets {
		if k.UserChainKey() == key {
			out = append(out, b)
		}
	}
	l.mu.RUnlock()
	sortBets(out)
	return out, nil
}

// ListBetsByStatus returns up to limit legs in status.
func (l *Ledger) ListBetsByStatus(_ context.Context, status domain.BetStatus, limit int) ([]domain.Bet, error) {
	l.mu.RLock()
	out := make([]domain.Bet, 0)
	for _, b := range l.bets {
		if b.Status == status {
			out = append(out, b)
		}
	}
	l.mu.RUnlock()
	sortBets(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------- snapshot ----------

// Snapshot returns every market, chain, user chain and leg for the admin
// channel.
func (l *Ledger) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	l.mu.RLock()
	snap := domain.Snapshot{
		Markets:    make([]domain.Market, 0, len(l.markets)),
		Chains:     make([]domain.Chain, 0, len(l.chains)),
		UserChains: make([]domain.UserChain, 0, len(l.userChains)),
		Bets:       make([]domain.Bet, 0, len(l.bets)),
	}
	for _, m := range l.markets {
		snap.Markets = append(snap.Markets, m)
	}
	for _, c := range l.chains {
		snap.Chains = append(snap.Chains, c)
	}
	for _, uc := range l.userChains {
		snap.UserChains = append(snap.UserChains, uc)
	}
	for _, b := range l.bets {
		snap.Bets = append(snap.Bets, b)
	}
	l.mu.RUnlock()

	sort.Slice(snap.Markets, func(i, j int) bool { return snap.Markets[i].ConditionID < snap.Markets[j].ConditionID })
	sort.Slice(snap.Chains, func(i, j int) bool { return snap.Chains[i].ChainID < snap.Chains[j].ChainID })
	sort.Slice(snap.UserChains, func(i, j int) bool {
		return snap.UserChains[i].Key().String() < snap.UserChains[j].Key().String()
	})
	sortBets(snap.Bets)
	return snap, nil
}

// ---------- change log ----------

// PendingChanges returns unrelayed changes in sequence order.
func (l *Ledger) PendingChanges(_ context.Context, limit int) ([]domain.ChangeEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pending := l.changes[l.relayed:]
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]domain.ChangeEvent, len(pending))
	copy(out, pending)
	return out, nil
}

// MarkRelayed advances the relay cursor to seq.
func (l *Ledger) MarkRelayed(_ context.Context, seq int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.seq {
		return fmt.Errorf("memory: mark relayed %d beyond head %d", seq, l.seq)
	}
	if seq > l.relayed {
		l.relayed = seq
	}
	return nil
}

// Drain returns every change not yet drained and advances the cursor.
func (l *Ledger) Drain() []domain.ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.changes[l.relayed:]
	out := make([]domain.ChangeEvent, len(pending))
	copy(out, pending)
	l.relayed = l.seq
	return out
}

// Changes returns the full change history.
func (l *Ledger) Changes() []domain.ChangeEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.ChangeEvent, len(l.changes))
	copy(out, l.changes)
	return out
}

// ---------- fees ----------

// ScheduleFee records a pending fee collection, at most one per user chain.
func (l *Ledger) ScheduleFee(_ context.Context, f domain.FeeCollection) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := f.UserChainKey()
	if _, ok := l.fees[key]; ok {
		return fmt.Errorf("memory: fee for %s: %w", key, domain.ErrAlreadyExists)
	}
	now := l.now()
	f.CreatedAt, f.UpdatedAt = now, now
	if f.NextAttemptAt.IsZero() {
		f.NextAttemptAt = now
	}
	l.fees[key] = f
	return nil
}

// ListDueFees returns pending fees whose next attempt is due at now.
func (l *Ledger) ListDueFees(_ context.Context, now time.Time, limit int) ([]domain.FeeCollection, error) {
	l.mu.RLock()
	out := make([]domain.FeeCollection, 0)
	for _, f := range l.fees {
		if f.Status == domain.FeePending && !f.NextAttemptAt.After(now) {
			out = append(out, f)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateFee replaces a fee collection.
func (l *Ledger) UpdateFee(_ context.Context, f domain.FeeCollection) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := f.UserChainKey()
	if _, ok := l.fees[key]; !ok {
		return fmt.Errorf("memory: fee for %s: %w", key, domain.ErrNotFound)
	}
	f.UpdatedAt = l.now()
	l.fees[key] = f
	return nil
}

// Fees returns every scheduled fee.
func (l *Ledger) Fees() []domain.FeeCollection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.FeeCollection, 0, len(l.fees))
	for _, f := range l.fees {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortBets(bets []domain.Bet) {
	sort.Slice(bets, func(i, j int) bool {
		a, b := bets[i], bets[j]
		if a.ChainID != b.ChainID {
			return a.ChainID < b.ChainID
		}
		if a.WalletAddress != b.WalletAddress {
			return a.WalletAddress < b.WalletAddress
		}
		return a.Sequence < b.Sequence
	})
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

var (
	_ domain.Ledger    = (*Ledger)(nil)
	_ domain.ChangeLog = (*Ledger)(nil)
	_ domain.FeeStore  = (*Ledger)(nil)
)
