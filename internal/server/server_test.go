package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jmerrifield20/freetalk/internal/delivery"
	"github.com/jmerrifield20/freetalk/internal/feed"
	"github.com/jmerrifield20/freetalk/internal/health"
	"github.com/jmerrifield20/freetalk/internal/posts"
	"github.com/jmerrifield20/freetalk/internal/server"
	"github.com/jmerrifield20/freetalk/internal/server/handler"
	"github.com/jmerrifield20/freetalk/internal/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const contract = "talk.edev"

type env struct {
	srv    *httptest.Server
	ledger *posts.Ledger
	cancel context.CancelFunc
}

func setup(t *testing.T, webappDir string) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())

	ledger := posts.New(posts.Config{Account: contract, Receiver: contract}, logger)
	checker := health.New(nil, ledger, health.Config{}, logger)
	checker.Check()

	s := server.New(ctx, server.Config{RateLimit: handler.RateLimitConfig{RPS: 100}, WebappDir: webappDir}, server.Handlers{
		Posts:  handler.NewPostsHandler(ledger, delivery.Config{RequestRate: 50, RequestBurst: 10}, nil, logger),
		Config: handler.NewConfigHandler(handler.PublicConfig{TalkContract: contract, EdenContract: "test2.edev"}),
		Sign:   handler.NewSignHandler(signer.NewNoopSigner(logger), signer.Config{TalkContract: contract}, logger),
		Health: handler.NewHealthHandler(checker),
	}, logger)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &env{srv: srv, ledger: ledger, cancel: cancel}
}

func (e *env) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/posts"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) delivery.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m delivery.ServerMessage
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func postRecord(block int64, messages ...string) *feed.Record {
	actions := make([]feed.Action, len(messages))
	for i, msg := range messages {
		actions[i] = feed.Action{
			Receiver: contract,
			Account:  contract,
			Name:     posts.CreatePostAction,
			JSON:     json.RawMessage(fmt.Sprintf(`{"post":{"user":"bob","message":%q}}`, msg)),
		}
	}
	return &feed.Record{
		Block: feed.Block{Num: block},
		Trace: &feed.Trace{ID: fmt.Sprintf("t%d", block), Status: feed.TraceStatusExecuted, MatchingActions: actions},
	}
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestPostsEndToEnd(t *testing.T) {
	e := setup(t, "")
	require.NoError(t, e.ledger.Apply(postRecord(10, "one", "two")))

	conn := e.dial(t)
	status := read(t, conn)
	require.NotNil(t, status.NumAvailable)
	assert.Equal(t, 2, *status.NumAvailable)

	require.NoError(t, conn.WriteJSON(map[string]any{"requestBeforeIndex": 2, "requestCount": 20}))
	first, second, end := read(t, conn), read(t, conn), read(t, conn)
	assert.Equal(t, "two", first.ThisPost.Message)
	assert.Equal(t, "one", second.ThisPost.Message)
	assert.True(t, end.EndRequest)
	assert.Nil(t, end.NumAvailable)

	require.NoError(t, e.ledger.Apply(postRecord(11, "three")))
	live := read(t, conn)
	require.NotNil(t, live.ThisIndex)
	assert.Equal(t, 2, *live.ThisIndex)
	assert.Equal(t, "three", live.ThisPost.Message)
	assert.Equal(t, 3, *live.NumAvailable)
}

func TestPostsClosedOnShutdown(t *testing.T) {
	e := setup(t, "")
	conn := e.dial(t)
	read(t, conn)
	require.Eventually(t, func() bool { return e.ledger.Subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)

	e.cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return e.ledger.Subscribers() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestRoutes(t *testing.T) {
	e := setup(t, "")

	code, body := get(t, e.srv.URL+"/config.json")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"talkContract":"talk.edev"`)

	code, body = get(t, e.srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"state":"disabled"`)

	code, _ = get(t, e.srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)

	resp, err := http.Post(e.srv.URL+"/sign_post_trx", "application/json",
		strings.NewReader(`{"post":{"user":"bob","sequence":1,"name":"p","message":"m"},"signature":"SIG"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	code, _ = get(t, e.srv.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWebappFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>talk</h1>"), 0o644))
	e := setup(t, dir)

	code, body := get(t, e.srv.URL+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "<h1>talk</h1>", string(body))

	code, body = get(t, e.srv.URL+"/config.json")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "edenContract")
}

func TestRun_stopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := server.New(ctx, server.Config{Port: 0}, server.Handlers{}, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_bindErrorReturnsImmediately(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := server.New(ctx, server.Config{Port: port}, server.Handlers{}, zaptest.NewLogger(t))

	err = s.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("HTTP listen on :%d", port))
}
