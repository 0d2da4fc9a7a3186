package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func nextEvent(t *testing.T, conn Connection) Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestWebSocketDialerLifecycleEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(Frame{Type: "qr", Data: "2@pairing-ref"})
		_ = conn.WriteJSON(Frame{Type: "open"})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(Frame{Type: "close", Code: CodeLoggedOut, Reason: "logged out"})
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	dialer := NewWebSocketDialer(wsURL(server), "secret", time.Second, 0)
	conn, err := dialer.Open(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ev := nextEvent(t, conn)
	assert.Equal(t, EventQR, ev.Type)
	assert.Equal(t, "2@pairing-ref", string(ev.Data))

	assert.Equal(t, EventOpen, nextEvent(t, conn).Type)

	ev = nextEvent(t, conn)
	assert.Equal(t, EventClose, ev.Type)
	assert.ErrorIs(t, ev.Err, ErrLoggedOut)
	assert.Equal(t, FailureTerminal, Classify(ev.Err))

	select {
	case _, ok := <-conn.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after close frame")
	}
}

func TestWebSocketDialerCloseFrameCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(CloseCodeOffset+CodeRestartRequired, "restart required")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	conn, err := NewWebSocketDialer(wsURL(server), "", time.Second, 0).Open(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ev := nextEvent(t, conn)
	assert.Equal(t, EventClose, ev.Type)
	var closeErr *CloseError
	require.ErrorAs(t, ev.Err, &closeErr)
	assert.Equal(t, CodeRestartRequired, closeErr.Code)
	assert.Equal(t, FailureTransient, Classify(ev.Err))
}

func TestWebSocketDialerHandshakeUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "revoked", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewWebSocketDialer(wsURL(server), "bad", time.Second, 0).Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoggedOut)
	assert.Equal(t, FailureTerminal, Classify(err))
}

func TestWebSocketDialerHandshakeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewWebSocketDialer(wsURL(server), "", time.Second, 0).Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, FailureTransient, Classify(err))
}

func TestWebSocketSendAndClose(t *testing.T) {
	received := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err == nil {
			received <- string(msg)
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	conn, err := NewWebSocketDialer(wsURL(server), "", time.Second, 50*time.Millisecond).Open(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Send(ctx, []byte(`{"ping":1}`)))

	select {
	case msg := <-received:
		assert.Equal(t, `{"ping":1}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive message")
	}

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(ctx, []byte("late")), ErrClosed)

	select {
	case _, ok := <-conn.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after Close")
	}
}
