package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krumpkraft.io/internal/host"
	"krumpkraft.io/internal/protocol"
	"krumpkraft.io/internal/sim/world"
)

func newServer(t *testing.T) (*world.Runtime, string) {
	t.Helper()
	rt, err := world.New(world.Config{Worlds: []string{"world"}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	srv := httptest.NewServer(NewServer(rt, zerolog.Nop()).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return rt, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func hello(t *testing.T, conn *websocket.Conn, name string) protocol.WelcomeMsg {
	t.Helper()
	require.NoError(t, conn.WriteJSON(protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerName:      name,
	}))
	var w protocol.WelcomeMsg
	readJSON(t, conn, &w)
	require.Equal(t, protocol.TypeWelcome, w.Type)
	return w
}

func TestHandshakeAndChatRoundTrip(t *testing.T) {
	rt, url := newServer(t)
	rt.RegisterChatListener(host.ChatListenerFunc(func(ev host.ChatEvent) {
		if strings.HasPrefix(ev.Message(), "!") {
			ev.SetCancelled(true)
			ev.Player().SendMessage("[KrumpKraft] pong")
		}
	}))

	var spawned host.Marker
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, host.CallOnMain(ctx, rt, func() {
		w, _ := rt.World("world")
		spawned = w.SpawnMarker(host.Location{X: 10.5, Y: 64, Z: 20.5}, "Bob (scout)")
	}))

	conn := dial(t, url)
	welcome := hello(t, conn, "Steve")
	assert.NotEmpty(t, welcome.SessionID)
	assert.Equal(t, "Steve", welcome.PlayerName)
	assert.Equal(t, []string{"world"}, welcome.Worlds)

	var ent protocol.EntityMsg
	readJSON(t, conn, &ent)
	assert.Equal(t, protocol.OpSpawn, ent.Op)
	assert.Equal(t, spawned.ID().String(), ent.ID)

	require.NoError(t, conn.WriteJSON(protocol.ChatMsg{Type: protocol.TypeChat, ProtocolVersion: protocol.Version, Text: "!ping"}))
	var reply protocol.MsgMsg
	readJSON(t, conn, &reply)
	assert.Equal(t, "[KrumpKraft] pong", reply.Text)

	require.NoError(t, conn.WriteJSON(protocol.ChatMsg{Type: protocol.TypeChat, ProtocolVersion: protocol.Version, Text: "hi all"}))
	var chat protocol.MsgMsg
	readJSON(t, conn, &chat)
	assert.Equal(t, "Steve", chat.From)
	assert.Equal(t, "hi all", chat.Text)
}

func TestHandshakeRejectsBadHello(t *testing.T) {
	_, url := newServer(t)

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "CHAT", "protocol_version": protocol.Version, "text": "x"}))
	var e protocol.ErrorMsg
	readJSON(t, conn, &e)
	assert.Equal(t, protocol.ErrProtoBadRequest, e.Code)

	conn = dial(t, url)
	require.NoError(t, conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1", PlayerName: "p"}))
	readJSON(t, conn, &e)
	assert.Equal(t, protocol.ErrProtoVersion, e.Code)

	conn = dial(t, url)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "HELLO", "protocol_version": protocol.Version}))
	readJSON(t, conn, &e)
	assert.Equal(t, protocol.ErrProtoBadRequest, e.Code)
}

func TestDisconnectLeaves(t *testing.T) {
	rt, url := newServer(t)
	conn := dial(t, url)
	hello(t, conn, "Alex")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	players, err := rt.Players(ctx)
	require.NoError(t, err)
	require.Len(t, players, 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		ps, err := rt.Players(ctx)
		return err == nil && len(ps) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
