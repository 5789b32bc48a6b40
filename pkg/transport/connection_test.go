package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/livememo/pkg/state"
	"github.com/coder/websocket"
	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type closed struct {
	kind state.CloseKind
	err  error
}

type testServer struct {
	url    string
	conns  chan *Connection
	closes chan closed
}

func newTestServer(t *testing.T, cfg ConnectionConfig) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *Connection, 1), closes: make(chan closed, 1)}
	var wg sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		var conn *Connection
		conn = NewConnection(context.Background(), &wg, ws, cfg,
			func(_ context.Context, _ uuid.UUID, msg []byte) { conn.Send(msg) },
			func(_ uuid.UUID, kind state.CloseKind, err error) { ts.closes <- closed{kind, err} },
			newTestLogger(),
		)
		conn.Run()
		ts.conns <- conn
		<-conn.Done()
	}))
	t.Cleanup(func() {
		srv.Close()
		wg.Wait()
	})
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ts
}

func (ts *testServer) dial(t *testing.T) (*Client, *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := Dial(ctx, ts.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case conn := <-ts.conns:
		return client, conn
	case <-time.After(5 * time.Second):
		t.Fatalf("server never accepted")
		return nil, nil
	}
}

func (ts *testServer) waitClose(t *testing.T) closed {
	t.Helper()
	select {
	case c := <-ts.closes:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("onClose never ran")
		return closed{}
	}
}

func readCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func TestEcho(t *testing.T) {
	ts := newTestServer(t, ConnectionConfig{})
	client, _ := ts.dial(t)
	defer client.Abort()

	ctx, cancel := readCtx()
	defer cancel()
	if err := client.Write(ctx, []byte(`{"event":"heartbeat"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := client.Read(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(got), `{"event":"heartbeat"}`)
}

func TestServerCloseFlushesQueuedFrames(t *testing.T) {
	ts := newTestServer(t, ConnectionConfig{})
	client, conn := ts.dial(t)
	defer client.Abort()

	conn.Send([]byte("last words"))
	conn.Close(state.ErrRevoked)

	ctx, cancel := readCtx()
	defer cancel()
	got, err := client.Read(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(got), "last words")

	_, err = client.Read(ctx)
	assert.Equal(t, websocket.CloseStatus(err), StatusRevoked)

	c := ts.waitClose(t)
	assert.Equal(t, c.kind, state.CloseRevoked)

	// late sends are dropped quietly
	conn.Send([]byte("ignored"))
}

func TestEvictionCloseCode(t *testing.T) {
	ts := newTestServer(t, ConnectionConfig{})
	client, conn := ts.dial(t)
	defer client.Abort()

	conn.Close(state.ErrEvicted)
	ctx, cancel := readCtx()
	defer cancel()
	_, err := client.Read(ctx)
	assert.Equal(t, websocket.CloseStatus(err), StatusEvicted)
	assert.Equal(t, ts.waitClose(t).kind, state.CloseEvicted)
}

func TestClientCloseIsClean(t *testing.T) {
	ts := newTestServer(t, ConnectionConfig{})
	client, conn := ts.dial(t)

	assert.Equal(t, client.Close(), nil)
	assert.Equal(t, ts.waitClose(t).kind, state.CloseClean)
	<-conn.Done()
}

func TestClientAbortIsDropped(t *testing.T) {
	ts := newTestServer(t, ConnectionConfig{})
	client, _ := ts.dial(t)

	client.Abort()
	assert.Equal(t, ts.waitClose(t).kind, state.CloseDropped)
}

func TestReadTimeoutDrops(t *testing.T) {
	ts := newTestServer(t, ConnectionConfig{ReadTimeout: 50 * time.Millisecond})
	client, _ := ts.dial(t)
	defer client.Abort()

	c := ts.waitClose(t)
	assert.Equal(t, c.kind, state.CloseDropped)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want state.CloseKind
	}{
		{"nil", nil, state.CloseClean},
		{"shutdown", state.ErrShutdown, state.CloseClean},
		{"evicted", state.ErrEvicted, state.CloseEvicted},
		{"revoked", state.ErrRevoked, state.CloseRevoked},
		{"normal close", websocket.CloseError{Code: websocket.StatusNormalClosure}, state.CloseClean},
		{"going away", websocket.CloseError{Code: websocket.StatusGoingAway}, state.CloseClean},
		{"abnormal", websocket.CloseError{Code: websocket.StatusInternalError}, state.CloseDropped},
		{"eof", io.EOF, state.CloseDropped},
		{"slow consumer", ErrSlowConsumer, state.CloseDropped},
		{"cancelled", context.Canceled, state.CloseClean},
		{"timeout", context.DeadlineExceeded, state.CloseDropped},
		{"wrapped", errors.Join(errors.New("read"), io.ErrUnexpectedEOF), state.CloseDropped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, Classify(tc.err), tc.want)
		})
	}
}

func TestCloseStatus(t *testing.T) {
	code, _ := closeStatus(nil)
	assert.Equal(t, code, websocket.StatusNormalClosure)
	code, _ = closeStatus(state.ErrShutdown)
	assert.Equal(t, code, websocket.StatusGoingAway)
	code, _ = closeStatus(ErrSlowConsumer)
	assert.Equal(t, code, websocket.StatusPolicyViolation)
	code, _ = closeStatus(io.EOF)
	assert.Equal(t, code, websocket.StatusInternalError)
}
