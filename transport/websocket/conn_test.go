package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/chat-relay/chat/broker"
	"github.com/wricardo/chat-relay/chat/presence"
	"github.com/wricardo/chat-relay/chat/protocol"
	"github.com/wricardo/chat-relay/chat/session"
	"github.com/wricardo/chat-relay/chat/store"
)

type testServer struct {
	*httptest.Server
	hub      *broker.Hub
	presence *presence.Memory
	store    *store.Memory
	manager  *session.Manager
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := broker.NewHub(nil)
	go hub.Run(ctx)

	p := presence.NewMemory()
	st := store.NewMemory()
	manager := session.NewManager(hub, p, st)
	srv := httptest.NewServer(NewHandler(manager, opts...))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{Server: srv, hub: hub, presence: p, store: st, manager: manager}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f protocol.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestLobbyScenarioEndToEnd(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	alice := srv.dial(t)
	send(t, alice, `{"type":"join","room":"lobby","username":"alice"}`)

	f := readFrame(t, alice)
	req.Equal(protocol.TypeUsersUpdate, f.Type)
	req.Equal([]string{"alice"}, f.Users)
	req.Equal(1, f.Count)
	f = readFrame(t, alice)
	req.Equal(protocol.Frame{Type: "message", Room: "lobby", Username: "System", Message: "alice joined lobby."}, f)

	bob := srv.dial(t)
	send(t, bob, `{"type":"join","room":"lobby","username":"bob"}`)
	for _, conn := range []*websocket.Conn{alice, bob} {
		f = readFrame(t, conn)
		req.Equal([]string{"alice", "bob"}, f.Users)
		req.Equal(2, f.Count)
		f = readFrame(t, conn)
		req.Equal("bob joined lobby.", f.Message)
	}

	send(t, alice, `{"type":"message","room":"lobby","message":"hi"}`)
	for _, conn := range []*websocket.Conn{alice, bob} {
		f = readFrame(t, conn)
		req.Equal(protocol.Frame{Type: "message", Room: "lobby", Username: "alice", Message: "hi"}, f)
	}

	req.NoError(bob.Close())
	f = readFrame(t, alice)
	req.Equal(protocol.TypeUsersUpdate, f.Type)
	req.Equal([]string{"alice"}, f.Users)
	req.Equal(1, f.Count)
	f = readFrame(t, alice)
	req.Equal("bob left lobby.", f.Message)

	users, err := srv.presence.Snapshot(context.Background(), "lobby")
	req.NoError(err)
	req.Equal([]string{"alice"}, users)
	req.Eventually(func() bool { return srv.manager.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHistoryEndToEnd(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	ctx := context.Background()
	for i := 1; i <= 45; i++ {
		_, err := srv.store.Append(ctx, "lobby", "alice", fmt.Sprintf("m%d", i))
		req.NoError(err)
	}

	conn := srv.dial(t)
	send(t, conn, `{"type":"join","room":"lobby","username":"bob"}`)
	for i := 16; i <= 45; i++ {
		f := readFrame(t, conn)
		req.True(f.History)
		req.Equal(fmt.Sprintf("m%d", i), f.Message)
	}
	req.Equal(protocol.TypeUsersUpdate, readFrame(t, conn).Type)
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	conn := srv.dial(t)
	send(t, conn, `not json`)
	send(t, conn, `{"type":"join"}`)
	send(t, conn, `{"type":"dance","room":"lobby"}`)
	send(t, conn, `{"type":"join","room":"lobby","username":"alice"}`)

	f := readFrame(t, conn)
	req.Equal(protocol.TypeUsersUpdate, f.Type)
	req.Equal([]string{"alice"}, f.Users)
}

func TestTypingEndToEnd(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	alice := srv.dial(t)
	send(t, alice, `{"type":"join","room":"lobby","username":"alice"}`)
	readFrame(t, alice)
	readFrame(t, alice)

	bob := srv.dial(t)
	send(t, bob, `{"type":"join","room":"lobby","username":"bob"}`)
	readFrame(t, alice)
	readFrame(t, alice)

	send(t, bob, `{"type":"typing","room":"lobby","is_typing":true}`)
	f := readFrame(t, alice)
	req.Equal(protocol.Frame{Type: "typing", Room: "lobby", Username: "bob", IsTyping: true}, f)
}

func TestBrokerLossClosesConnection(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	conn := srv.dial(t)
	send(t, conn, `{"type":"join","room":"lobby","username":"alice"}`)
	readFrame(t, conn)
	readFrame(t, conn)

	req.NoError(srv.hub.Close())
	send(t, conn, `{"type":"message","room":"lobby","message":"hi"}`)

	f := readFrame(t, conn)
	req.Equal(protocol.TypeError, f.Type)
	req.Contains(f.Message, "connection lost")

	req.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := conn.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	users, err := srv.presence.Snapshot(context.Background(), "lobby")
	req.NoError(err)
	req.Empty(users)
}

func TestOriginAllowList(t *testing.T) {
	srv := newTestServer(t, WithAllowedOrigins([]string{"https://chat.example.com"}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://Chat.Example.com/"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestClientSendQueue(t *testing.T) {
	c := &Client{send: make(chan []byte, 1), done: make(chan struct{})}

	assert.NoError(t, c.Send([]byte("one")))
	assert.ErrorIs(t, c.Send([]byte("two")), ErrQueueFull)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send([]byte("three")), ErrConnClosed)
}
