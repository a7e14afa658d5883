package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingConsumer struct {
	mu     sync.Mutex
	seen   []string
	failOn map[string]int // event id -> remaining failures (-1 = forever)
}

func (c *recordingConsumer) Handle(_ context.Context, evt domain.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.failOn[evt.ID]; ok && n != 0 {
		if n > 0 {
			c.failOn[evt.ID] = n - 1
		}
		return errors.New("boom")
	}
	c.seen = append(c.seen, evt.ID)
	return nil
}

func (c *recordingConsumer) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

type memorySink struct {
	mu      sync.Mutex
	letters []domain.DeadLetter
}

func (s *memorySink) DeadLetter(_ context.Context, dl domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

func (s *memorySink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.letters))
	for i, dl := range s.letters {
		out[i] = dl.Event.ID
	}
	return out
}

func betEvent(t *testing.T, id string, kind domain.EventKind, status domain.BetStatus) domain.ChangeEvent {
	t.Helper()
	b := domain.Bet{ChainID: "c1", WalletAddress: "0xabc", Sequence: 0, Status: status}
	var before any
	if kind == domain.EventModify {
		before = b
	}
	evt, err := domain.NewChangeEvent(domain.EntityBet, b.Key().String(), before, b)
	require.NoError(t, err)
	evt.ID = id
	return evt
}

func marketEvent(t *testing.T, id string, status domain.MarketStatus) domain.ChangeEvent {
	t.Helper()
	m := domain.Market{ConditionID: "m1", Status: status}
	if status == domain.MarketStatusResolved {
		m.Outcome = domain.SideYes
	}
	evt, err := domain.NewChangeEvent(domain.EntityMarket, m.Key(), domain.Market{ConditionID: "m1"}, m)
	require.NoError(t, err)
	evt.ID = id
	return evt
}

func TestPredicateMatch(t *testing.T) {
	tests := []struct {
		name string
		pred Predicate
		evt  domain.ChangeEvent
		want bool
	}{
		{"bet insert ready", BetReady(domain.EventInsert), betEvent(t, "1", domain.EventInsert, domain.BetStatusReady), true},
		{"bet modify ready vs insert predicate", BetReady(domain.EventInsert), betEvent(t, "2", domain.EventModify, domain.BetStatusReady), false},
		{"bet queued", BetReady(domain.EventInsert), betEvent(t, "3", domain.EventInsert, domain.BetStatusQueued), false},
		{"market resolved", MarketResolved(), marketEvent(t, "4", domain.MarketStatusResolved), true},
		{"market closed", MarketResolved(), marketEvent(t, "5", domain.MarketStatusClosed), false},
		{"entity only", Predicate{Entity: domain.EntityBet}, betEvent(t, "6", domain.EventModify, domain.BetStatusVoided), true},
		{"missing field", Predicate{Fields: map[string][]string{"nope": {"x"}}}, betEvent(t, "7", domain.EventInsert, domain.BetStatusReady), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.pred.Match(tc.evt))
		})
	}
}

func TestDispatchFansOutToEveryMatchingRoute(t *testing.T) {
	exec := &recordingConsumer{}
	all := &recordingConsumer{}
	settle := &recordingConsumer{}
	r, err := New([]Route{
		{Name: "executor", Predicates: []Predicate{BetReady(domain.EventInsert), BetReady(domain.EventModify)}, Consumer: exec},
		{Name: "fanout", Predicates: AnyOf(domain.EntityBet, domain.EntityMarket), Consumer: all},
		{Name: "settlement", Predicates: []Predicate{MarketResolved()}, Consumer: settle},
	}, Options{}, nil, discardLogger())
	require.NoError(t, err)

	batch := []domain.ChangeEvent{
		betEvent(t, "a", domain.EventInsert, domain.BetStatusReady),
		marketEvent(t, "b", domain.MarketStatusResolved),
		betEvent(t, "c", domain.EventModify, domain.BetStatusPlaced),
		betEvent(t, "d", domain.EventModify, domain.BetStatusReady),
	}
	require.NoError(t, r.Dispatch(context.Background(), batch))

	assert.Equal(t, []string{"a", "d"}, exec.ids())
	assert.Equal(t, []string{"a", "b", "c", "d"}, all.ids())
	assert.Equal(t, []string{"b"}, settle.ids())
}

func TestDispatchRetriesFromFailurePoint(t *testing.T) {
	c := &recordingConsumer{failOn: map[string]int{"b": 2}}
	r, err := New([]Route{{Name: "bets", Predicates: AnyOf(domain.EntityBet), Consumer: c}},
		Options{MaxRetries: 3}, nil, discardLogger())
	require.NoError(t, err)

	batch := []domain.ChangeEvent{
		betEvent(t, "a", domain.EventInsert, domain.BetStatusReady),
		betEvent(t, "b", domain.EventInsert, domain.BetStatusReady),
		betEvent(t, "c", domain.EventInsert, domain.BetStatusReady),
	}
	require.NoError(t, r.Dispatch(context.Background(), batch))

	// "a" is not redelivered when the batch resumes at "b".
	assert.Equal(t, []string{"a", "b", "c"}, c.ids())
}

func TestDispatchBisectIsolatesPoisonEvent(t *testing.T) {
	c := &recordingConsumer{failOn: map[string]int{"c": -1}}
	sink := &memorySink{}
	r, err := New([]Route{{Name: "bets", Predicates: AnyOf(domain.EntityBet), Consumer: c}},
		Options{MaxRetries: 1, Bisect: true}, sink, discardLogger())
	require.NoError(t, err)

	var batch []domain.ChangeEvent
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		batch = append(batch, betEvent(t, id, domain.EventInsert, domain.BetStatusReady))
	}
	require.NoError(t, r.Dispatch(context.Background(), batch))

	assert.Equal(t, []string{"a", "b", "d", "e"}, c.ids())
	assert.Equal(t, []string{"c"}, sink.ids())
}

func TestDispatchWithoutBisectSkipsRemainder(t *testing.T) {
	c := &recordingConsumer{failOn: map[string]int{"b": -1}}
	sink := &memorySink{}
	r, err := New([]Route{{Name: "bets", Predicates: AnyOf(domain.EntityBet), Consumer: c}},
		Options{MaxRetries: 2, Bisect: false}, sink, discardLogger())
	require.NoError(t, err)

	batch := []domain.ChangeEvent{
		betEvent(t, "a", domain.EventInsert, domain.BetStatusReady),
		betEvent(t, "b", domain.EventInsert, domain.BetStatusReady),
		betEvent(t, "c", domain.EventInsert, domain.BetStatusReady),
	}
	require.NoError(t, r.Dispatch(context.Background(), batch))

	assert.Equal(t, []string{"a"}, c.ids())
	assert.Equal(t, []string{"b", "c"}, sink.ids())
	sink.mu.Lock()
	assert.Equal(t, 3, sink.letters[0].Attempts)
	sink.mu.Unlock()
}

func TestDispatchReturnsDeadLetterFailure(t *testing.T) {
	c := &recordingConsumer{failOn: map[string]int{"a": -1}}
	r, err := New([]Route{{Name: "bets", Predicates: AnyOf(domain.EntityBet), Consumer: c}},
		Options{}, failingSink{}, discardLogger())
	require.NoError(t, err)

	err = r.Dispatch(context.Background(), []domain.ChangeEvent{betEvent(t, "a", domain.EventInsert, domain.BetStatusReady)})
	require.Error(t, err)
}

type failingSink struct{}

func (failingSink) DeadLetter(context.Context, domain.DeadLetter) error {
	return errors.New("bucket unavailable")
}

func TestNewRejectsInvalidRoutes(t *testing.T) {
	c := &recordingConsumer{}
	tooMany := AnyOf(domain.EntityBet, domain.EntityBet, domain.EntityBet, domain.EntityBet, domain.EntityBet, domain.EntityBet)

	_, err := New([]Route{{Name: "", Predicates: AnyOf(domain.EntityBet), Consumer: c}}, Options{}, nil, discardLogger())
	assert.Error(t, err)
	_, err = New([]Route{{Name: "x", Predicates: tooMany, Consumer: c}}, Options{}, nil, discardLogger())
	assert.Error(t, err)
	_, err = New([]Route{
		{Name: "x", Predicates: AnyOf(domain.EntityBet), Consumer: c},
		{Name: "x", Predicates: AnyOf(domain.EntityBet), Consumer: c},
	}, Options{}, nil, discardLogger())
	assert.Error(t, err)
}

func TestRedeliver(t *testing.T) {
	c := &recordingConsumer{}
	r, err := New([]Route{{Name: "settle", Predicates: []Predicate{MarketResolved()}, Consumer: c}},
		DefaultOptions(), nil, discardLogger())
	require.NoError(t, err)

	// predicates are bypassed
	evt := betEvent(t, "e1", domain.EventInsert, domain.BetStatusQueued)
	require.NoError(t, r.Redeliver(context.Background(), "settle", evt))
	assert.Equal(t, []string{"e1"}, c.ids())

	assert.Error(t, r.Redeliver(context.Background(), "missing", evt))
}
