package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	name string
	err  error
	got  []Message
}

func (c *captureSender) Send(_ context.Context, msg Message) error {
	c.got = append(c.got, msg)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

type auditRecorder struct{ events []string }

func (a *auditRecorder) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFilter(t *testing.T) {
	tests := []struct {
		name      string
		events    []string
		event     string
		delivered bool
	}{
		{"no filter", nil, domain.AlertChainWon, true},
		{"allowed", []string{domain.AlertChainWon}, domain.AlertChainWon, true},
		{"filtered", []string{domain.AlertFeeFailed}, domain.AlertChainWon, false},
		{"critical bypasses filter", []string{domain.AlertChainWon}, domain.AlertPoisonEvent, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &captureSender{name: "cap"}
			n := NewNotifier([]Sender{s}, Options{Events: tt.events}, discard())
			require.NoError(t, n.Notify(context.Background(), tt.event, "t", "m"))
			assert.Equal(t, tt.delivered, len(s.got) == 1)
		})
	}
}

func TestNotifierQuietWindow(t *testing.T) {
	s := &captureSender{name: "cap"}
	audit := &auditRecorder{}
	n := NewNotifier([]Sender{s}, Options{Quiet: time.Minute, Audit: audit}, discard())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, domain.AlertLegFailed, "Leg failed", "a"))
	require.NoError(t, n.Notify(ctx, domain.AlertLegFailed, "Leg failed", "b"))
	require.NoError(t, n.Notify(ctx, domain.AlertLegFailed, "Other leg", "c"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Notify(ctx, domain.AlertLegFailed, "Leg failed", "d"))

	require.Len(t, s.got, 3)
	assert.Equal(t, SeverityCritical, s.got[0].Severity)
	assert.Equal(t, "d", s.got[2].Body)
	assert.Equal(t, []string{"alert.leg_failed", "alert.leg_failed", "alert.leg_failed"}, audit.events)
}

func TestNotifierKeepsDeliveringAfterSenderFailure(t *testing.T) {
	bad := &captureSender{name: "bad", err: errors.New("down")}
	good := &captureSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, Options{}, discard())

	err := n.Notify(context.Background(), domain.AlertFeeFailed, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.got, 1)
}

func TestDiscordSender(t *testing.T) {
	var payload discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	require.NoError(t, d.Send(context.Background(), Message{
		Event: domain.AlertPoisonEvent, Severity: SeverityCritical, Title: "Poison", Body: "bet#1",
	}))
	require.Len(t, payload.Embeds, 1)
	assert.Equal(t, "Poison", payload.Embeds[0].Title)
	assert.Equal(t, 0xe74c3c, payload.Embeds[0].Color)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramSender("TOKEN", "42")
	tg.apiBase = srv.URL
	require.NoError(t, tg.Send(context.Background(), Message{
		Event: domain.AlertChainWon, Severity: SeverityInfo, Title: "Won", Body: "chain_1",
	}))
	assert.Equal(t, "42", got["chat_id"])
	assert.Contains(t, got["text"], "chain\\_1")
	assert.Equal(t, true, got["disable_notification"])

	srv.Close()
	err := tg.Send(context.Background(), Message{Title: "x"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "TOKEN")
}
