package chat

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkdog.im/internal/config"
	"parkdog.im/internal/connection"
	"parkdog.im/internal/health"
	"parkdog.im/internal/httpapi"
	"parkdog.im/internal/logging"
	"parkdog.im/internal/metrics"
	"parkdog.im/internal/protocol"
	"parkdog.im/internal/store"
	"parkdog.im/internal/stub"
	"parkdog.im/internal/token"
	"parkdog.im/internal/transport"
	imErrors "parkdog.im/pkg/errors"
)

var _ health.StatusSource = (*Client)(nil)

const waitFor = 3 * time.Second

func newStub(t *testing.T) (*stub.Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := stub.New(config.StubConfig{JWTSecret: "test-secret", TokenExpire: time.Minute, NodeID: 5}, logging.Discard())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().CloseAll(transport.CloseGoingAway, "test done")
		srv.Close()
	})
	return s, srv
}

// flakyAPI 可以让 REST 请求失败
type flakyAPI struct {
	API
	fail atomic.Bool
}

func (f *flakyAPI) Conversations(ctx context.Context) ([]protocol.Conversation, error) {
	if f.fail.Load() {
		return nil, imErrors.ErrConnection
	}
	return f.API.Conversations(ctx)
}

func (f *flakyAPI) Messages(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	if f.fail.Load() {
		return nil, imErrors.ErrConnection
	}
	return f.API.Messages(ctx, conversationID)
}

func (f *flakyAPI) SendMessage(ctx context.Context, conversationID, text, tempID string) (*protocol.Message, error) {
	if f.fail.Load() {
		return nil, imErrors.ErrConnection
	}
	return f.API.SendMessage(ctx, conversationID, text, tempID)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) has(match func(Event) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if match(ev) {
			return true
		}
	}
	return false
}

type testClient struct {
	*Client
	api    *flakyAPI
	events *recorder
}

type clientSetup struct {
	userID string
	wsPath string
	opts   Options
	cache  store.HistoryCache
}

func startClient(t *testing.T, srv *httptest.Server, setup clientSetup) *testClient {
	t.Helper()
	logger := logging.Discard()
	session := token.StaticSession("session-" + setup.userID)

	if setup.wsPath == "" {
		setup.wsPath = "/ws"
	}
	rest := httpapi.NewClient(srv.URL+"/api", 2*time.Second, session, logger)
	api := &flakyAPI{API: rest}
	tokens := token.NewProvider(session, rest, token.Options{}, logger)
	mgr := connection.NewManager(connection.Options{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + setup.wsPath,
		Backoff:     connection.Backoff{20 * time.Millisecond},
		MaxAttempts: 3,
	}, transport.NewWebSocketDialer(time.Second, false), tokens, logger)

	opts := setup.opts
	opts.UserID = setup.userID
	if opts.ProbeInterval == 0 {
		opts.ProbeInterval = time.Hour
	}
	c := New(opts, mgr, api, setup.cache, metrics.New(), logger)

	rec := &recorder{}
	c.Subscribe(rec.add)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		c.Close()
		mgr.Close()
	})
	return &testClient{Client: c, api: api, events: rec}
}

func waitMode(t *testing.T, c *testClient, mode Mode) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Mode() == mode }, waitFor, 10*time.Millisecond)
}

func countText(msgs []protocol.Message, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Text == text {
			n++
		}
	}
	return n
}

func TestClient_SendWithAck(t *testing.T) {
	_, srv := newStub(t)
	alice := startClient(t, srv, clientSetup{userID: "u1"})
	bob := startClient(t, srv, clientSetup{userID: "u2"})
	waitMode(t, alice, ModeRealtime)
	waitMode(t, bob, ModeRealtime)

	m, err := alice.Send(context.Background(), "c1", "hello bob", "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSent, m.Status)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "tmp-1", m.TempID)

	// 自己的推送不会产生重复条目
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, countText(alice.Messages("c1"), "hello bob"))

	require.Eventually(t, func() bool {
		for _, got := range bob.Messages("c1") {
			if got.ID == m.ID {
				return got.Status == protocol.StatusDelivered
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)

	alice.Flush()
	assert.True(t, alice.events.has(func(ev Event) bool {
		return ev.Type == EventMessageUpserted && ev.Message.TempID == "tmp-1" && ev.Message.Status == protocol.StatusPending
	}))
	assert.True(t, alice.events.has(func(ev Event) bool {
		return ev.Type == EventMessageUpserted && ev.Message.ID == m.ID && ev.Message.Status == protocol.StatusSent
	}))
}

func TestClient_SendRejectsEmpty(t *testing.T) {
	_, srv := newStub(t)
	alice := startClient(t, srv, clientSetup{userID: "u1"})

	_, err := alice.Send(context.Background(), "c1", "   ", "")
	assert.True(t, imErrors.Is(err, imErrors.ErrInvalidParams))
	_, err = alice.Send(context.Background(), "", "hi", "")
	assert.True(t, imErrors.Is(err, imErrors.ErrInvalidParams))
}

func TestClient_AckTimeoutFallsBackToHTTP(t *testing.T) {
	s, srv := newStub(t)
	s.SetDropSends(true)
	alice := startClient(t, srv, clientSetup{userID: "u1", opts: Options{AckTimeout: 100 * time.Millisecond}})
	waitMode(t, alice, ModeRealtime)

	m, err := alice.Send(context.Background(), "c1", "via http", "")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSent, m.Status)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, ModeFallback, alice.Mode())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, countText(alice.Messages("c1"), "via http"))

	// 降级期间直接走 HTTP
	start := time.Now()
	_, err = alice.Send(context.Background(), "c1", "second", "")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	snap := alice.Snapshot()
	assert.Equal(t, string(ModeFallback), snap.Mode)
	assert.Equal(t, string(connection.StateConnected), snap.Connection)
	assert.Zero(t, snap.OutboxPending)
}

func TestClient_PushReconcilesPendingMessage(t *testing.T) {
	tests := []struct {
		name string
		echo bool
	}{
		{"matched by text", false},
		{"matched by echoed temp id", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, srv := newStub(t)
			s.SetSuppressAck(true)
			s.SetEchoTempID(tt.echo)
			alice := startClient(t, srv, clientSetup{userID: "u1", opts: Options{AckTimeout: 2 * time.Second}})
			waitMode(t, alice, ModeRealtime)

			m, err := alice.Send(context.Background(), "c1", "no ack", "tmp-push")
			require.NoError(t, err)
			assert.Equal(t, protocol.StatusSent, m.Status)
			assert.NotEmpty(t, m.ID)
			assert.Equal(t, ModeRealtime, alice.Mode())

			msgs := alice.Messages("c1")
			require.Equal(t, 1, countText(msgs, "no ack"))
		})
	}
}

func TestClient_DropsMalformedPush(t *testing.T) {
	s, srv := newStub(t)
	alice := startClient(t, srv, clientSetup{userID: "u1"})
	waitMode(t, alice, ModeRealtime)

	s.Push("u1", []byte(`{"event":"new_message","data":{"conversationId":"c1","message":{"text":"no id"}}}`))
	s.Push("u1", []byte(`not json`))
	s.Push("u1", []byte(`{"event":"new_message","data":{"conversationId":"c1","message":{"id":"m-ok","conversation_id":"c1","sender_id":"u2","text":"valid","created_at":"2026-03-01T12:00:00Z"}}}`))

	require.Eventually(t, func() bool { return countText(alice.Messages("c1"), "valid") == 1 }, waitFor, 10*time.Millisecond)
	assert.Zero(t, countText(alice.Messages("c1"), "no id"))
}

func TestClient_TypingAndReadReceipts(t *testing.T) {
	_, srv := newStub(t)
	alice := startClient(t, srv, clientSetup{userID: "u1", opts: Options{TypingQuiet: 100 * time.Millisecond}})
	bob := startClient(t, srv, clientSetup{userID: "u2", opts: Options{TypingQuiet: 200 * time.Millisecond}})
	waitMode(t, alice, ModeRealtime)
	waitMode(t, bob, ModeRealtime)

	alice.SetTyping("c1", true)
	require.Eventually(t, func() bool { return bob.PeerTyping("c1", "u1") }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !bob.PeerTyping("c1", "u1") }, waitFor, 10*time.Millisecond)

	bob.Flush()
	assert.True(t, bob.events.has(func(ev Event) bool {
		return ev.Type == EventTypingChanged && ev.UserID == "u1" && ev.IsTyping
	}))
	assert.True(t, bob.events.has(func(ev Event) bool {
		return ev.Type == EventTypingChanged && ev.UserID == "u1" && !ev.IsTyping
	}))

	m, err := alice.Send(context.Background(), "c1", "read me", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := bob.store.Find("c1", m.ID)
		return ok
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, bob.MarkRead("c1", m.ID))
	require.Eventually(t, func() bool {
		got, ok := alice.store.Find("c1", m.ID)
		return ok && got.Read
	}, waitFor, 10*time.Millisecond)

	alice.Flush()
	assert.True(t, alice.events.has(func(ev Event) bool {
		return ev.Type == EventReadReceipt && ev.UserID == "u2" && ev.UptoMessageID == m.ID
	}))
}

func TestClient_TokenExpiredErrorReconnects(t *testing.T) {
	s, srv := newStub(t)
	alice := startClient(t, srv, clientSetup{userID: "u1", opts: Options{ProbeInterval: 50 * time.Millisecond}})
	waitMode(t, alice, ModeRealtime)

	s.Push("u1", []byte(`{"event":"error","data":{"code":"token_expired","message":"expired"}}`))

	require.Eventually(t, func() bool {
		return alice.events.has(func(ev Event) bool { return ev.Type == EventServerError && ev.ErrorCode == "token_expired" })
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return alice.events.has(func(ev Event) bool { return ev.Type == EventModeChanged && ev.Mode == ModeFallback })
	}, waitFor, 10*time.Millisecond)
	waitMode(t, alice, ModeRealtime)
	require.Eventually(t, func() bool { return len(s.Hub().GetByUserID("u1")) == 1 }, waitFor, 10*time.Millisecond)
}

func TestClient_ReplaysQueuedOnResume(t *testing.T) {
	s, srv := newStub(t)
	s.SetDropSends(true)
	alice := startClient(t, srv, clientSetup{userID: "u1", opts: Options{
		AckTimeout:    100 * time.Millisecond,
		ProbeInterval: 100 * time.Millisecond,
	}})
	waitMode(t, alice, ModeRealtime)
	alice.api.fail.Store(true)

	m, err := alice.Send(context.Background(), "c1", "queued", "tmp-q")
	require.Error(t, err)
	assert.True(t, imErrors.Is(err, imErrors.ErrDeliveryFailure))
	assert.Equal(t, protocol.StatusFailed, m.Status)
	assert.Equal(t, 1, alice.Snapshot().OutboxQueued)

	alice.Flush()
	assert.True(t, alice.events.has(func(ev Event) bool {
		return ev.Type == EventDeliveryFailed && ev.Message.TempID == "tmp-q"
	}))

	s.SetDropSends(false)
	alice.api.fail.Store(false)

	// 探测发现连接仍在，切回实时模式并重放
	require.Eventually(t, func() bool {
		got, ok := alice.store.Find("c1", "tmp-q")
		return ok && got.Status == protocol.StatusSent
	}, waitFor, 10*time.Millisecond)
	waitMode(t, alice, ModeRealtime)
	assert.Zero(t, alice.Snapshot().OutboxPending)
	assert.Equal(t, 1, countText(alice.Messages("c1"), "queued"))
}

func TestClient_RetryFailedMessage(t *testing.T) {
	_, srv := newStub(t)
	alice := startClient(t, srv, clientSetup{userID: "u1", wsPath: "/missing"})
	waitMode(t, alice, ModeFallback)
	alice.api.fail.Store(true)

	m, err := alice.Send(context.Background(), "c1", "retry me", "tmp-r")
	require.Error(t, err)
	assert.Equal(t, protocol.StatusFailed, m.Status)

	alice.api.fail.Store(false)
	m, err = alice.Retry(context.Background(), "tmp-r")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSent, m.Status)
	assert.NotEmpty(t, m.ID)

	_, err = alice.Retry(context.Background(), "tmp-r")
	assert.True(t, imErrors.Is(err, imErrors.ErrInvalidParams))
	_, err = alice.Retry(context.Background(), "nope")
	assert.True(t, imErrors.Is(err, imErrors.ErrNotFound))
}

func TestClient_HTTPOnlyMode(t *testing.T) {
	_, srv := newStub(t)
	alice := startClient(t, srv, clientSetup{userID: "u1", wsPath: "/missing"})
	waitMode(t, alice, ModeFallback)

	convs, err := alice.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)

	history, err := alice.Join(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	m, err := alice.Send(context.Background(), "c1", "over http", "")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSent, m.Status)

	assert.True(t, imErrors.Is(alice.MarkRead("c1", m.ID), imErrors.ErrNotConnected))

	// 请求失败时返回已有数据
	alice.api.fail.Store(true)
	convs, err = alice.Conversations(context.Background())
	require.NoError(t, err)
	assert.Len(t, convs, 2)
}

func TestClient_JoinRealtime(t *testing.T) {
	_, srv := newStub(t)
	alice := startClient(t, srv, clientSetup{userID: "u1"})
	waitMode(t, alice, ModeRealtime)
	alice.api.fail.Store(true)

	history, err := alice.Join(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	for _, m := range history {
		assert.Equal(t, protocol.StatusDelivered, m.Status)
	}

	alice.Flush()
	assert.True(t, alice.events.has(func(ev Event) bool {
		return ev.Type == EventHistoryLoaded && ev.ConversationID == "c1"
	}))
}

func TestClient_JoinServesCachedHistoryOffline(t *testing.T) {
	_, srv := newStub(t)
	path := filepath.Join(t.TempDir(), "history.db")

	online, err := store.OpenSQLite(path)
	require.NoError(t, err)
	alice := startClient(t, srv, clientSetup{userID: "u1", cache: online})
	waitMode(t, alice, ModeRealtime)
	_, err = alice.Join(context.Background(), "c1")
	require.NoError(t, err)
	alice.Close()

	offline, err := store.OpenSQLite(path)
	require.NoError(t, err)
	again := startClient(t, srv, clientSetup{userID: "u1", wsPath: "/missing", cache: offline})
	waitMode(t, again, ModeFallback)
	again.api.fail.Store(true)

	history, err := again.Join(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestClient_StopDisconnects(t *testing.T) {
	s, srv := newStub(t)
	alice := startClient(t, srv, clientSetup{userID: "u1"})
	waitMode(t, alice, ModeRealtime)

	alice.Stop()
	assert.Equal(t, ModeDisconnected, alice.Mode())
	require.Eventually(t, func() bool { return len(s.Hub().GetByUserID("u1")) == 0 }, waitFor, 10*time.Millisecond)

	// 停止后可以重新启动
	require.NoError(t, alice.Start(context.Background()))
	waitMode(t, alice, ModeRealtime)
}
