package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/fanout"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSnapshot struct{ snap domain.Snapshot }

func (s staticSnapshot) Snapshot(context.Context) (domain.Snapshot, error) { return s.snap, nil }

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T, snap domain.SnapshotReader) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(Config{Snapshots: snap}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/public", hub.HandlePublic)
	mux.HandleFunc("GET /ws/admin", hub.HandleAdmin)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	_, srv := startHub(t, nil)
	conn := dial(t, srv, "/ws/public")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, fanout.TypePong, read(t, conn).Type)
}

func TestAdminReceivesSnapshotThenUpdates(t *testing.T) {
	snap := domain.Snapshot{Chains: []domain.Chain{{ChainID: "c1", Name: "Double"}}}
	hub, srv := startHub(t, staticSnapshot{snap})
	admin := dial(t, srv, "/ws/admin")

	first := read(t, admin)
	require.Equal(t, fanout.TypeAdminState, first.Type)
	var got domain.Snapshot
	require.NoError(t, json.Unmarshal(first.Data, &got))
	require.Len(t, got.Chains, 1)
	assert.Equal(t, "c1", got.Chains[0].ChainID)

	payload, err := fanout.Encode(fanout.Envelope{Type: fanout.TypeAdminUpdate, Data: map[string]string{"entityType": "BET"}})
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(context.Background(), fanout.ChannelAdmin, payload))

	next := read(t, admin)
	assert.Equal(t, fanout.TypeAdminUpdate, next.Type)
}

func TestBroadcastIsScopedToChannel(t *testing.T) {
	hub, srv := startHub(t, nil)
	public := dial(t, srv, "/ws/public")
	admin := dial(t, srv, "/ws/admin")

	// Round-trip a ping on each connection so both are registered.
	for _, c := range []*websocket.Conn{public, admin} {
		require.NoError(t, c.WriteJSON(map[string]string{"type": "ping"}))
		require.Equal(t, fanout.TypePong, read(t, c).Type)
	}

	adminOnly, err := fanout.Encode(fanout.Envelope{Type: fanout.TypeAdminUpdate})
	require.NoError(t, err)
	publicMsg, err := fanout.Encode(fanout.Envelope{Type: fanout.TypeNewBet})
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(context.Background(), fanout.ChannelAdmin, adminOnly))
	require.NoError(t, hub.Broadcast(context.Background(), fanout.ChannelPublic, publicMsg))

	assert.Equal(t, fanout.TypeNewBet, read(t, public).Type)
	assert.Equal(t, fanout.TypeAdminUpdate, read(t, admin).Type)
}
