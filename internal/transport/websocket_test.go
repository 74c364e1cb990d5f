package transport

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

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "good" || r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "bye" {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseTokenExpired, "token expired"))
				return
			}
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialer_Echo(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sock, err := NewWebSocketDialer(time.Second, false).Dial(ctx, wsURL(srv), "good")
	require.NoError(t, err)
	defer sock.Close(CloseNormal, "done")

	pong := make(chan struct{}, 1)
	sock.SetPongHandler(func() {
		select {
		case pong <- struct{}{}:
		default:
		}
	})

	require.NoError(t, sock.WriteMessage([]byte(`{"event":"join"}`)))
	require.NoError(t, sock.Ping())
	require.NoError(t, sock.WriteMessage([]byte(`{"event":"read"}`)))

	data, err := sock.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"event":"join"}`, string(data))

	// pong 在读取过程中处理，先于第二条回显到达
	data, err = sock.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"event":"read"}`, string(data))

	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Fatal("pong not received")
	}
}

func TestWebSocketDialer_Unauthorized(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	_, err := NewWebSocketDialer(time.Second, false).Dial(context.Background(), wsURL(srv), "bad")
	require.Error(t, err)
	assert.True(t, IsTokenExpired(err))
}

func TestWebSocketDialer_ServerClose(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	sock, err := NewWebSocketDialer(time.Second, false).Dial(context.Background(), wsURL(srv), "good")
	require.NoError(t, err)
	defer sock.Close(CloseNormal, "")

	require.NoError(t, sock.WriteMessage([]byte("bye")))
	_, err = sock.ReadMessage()
	require.Error(t, err)
	assert.True(t, IsTokenExpired(err), "got %v", err)
}

func TestWebSocketDialer_BadURL(t *testing.T) {
	_, err := NewWebSocketDialer(time.Second, false).Dial(context.Background(), "://bad", "good")
	assert.Error(t, err)
}
