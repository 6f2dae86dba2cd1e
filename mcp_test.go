package mcphttp_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	mcphttp "github.com/MegaGrindStone/go-mcp-http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv  *mcphttp.Server
	addr string
	url  string
}

// echoSink replies to every request with its own payload.
type echoSink struct{}

// silentSink never replies.
type silentSink struct {
	mu       sync.Mutex
	requests []mcphttp.Request
	received chan mcphttp.Request
}

// heldSink replies only once release is closed.
type heldSink struct {
	received chan mcphttp.Request
	release  chan struct{}
}

// failingSink fails every request.
type failingSink struct {
	err error
}

// logBuffer collects log output written from many goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (echoSink) Forward(_ context.Context, req mcphttp.Request, replies mcphttp.Replier) {
	replies.Reply(req.CorrelationID, req.Payload)
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newSilentSink() *silentSink {
	return &silentSink{received: make(chan mcphttp.Request, 16)}
}

func (s *silentSink) Forward(_ context.Context, req mcphttp.Request, _ mcphttp.Replier) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	s.received <- req
}

func (s *silentSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newHeldSink() *heldSink {
	return &heldSink{
		received: make(chan mcphttp.Request, 16),
		release:  make(chan struct{}),
	}
}

func (h *heldSink) Forward(ctx context.Context, req mcphttp.Request, replies mcphttp.Replier) {
	h.received <- req
	select {
	case <-h.release:
		replies.Reply(req.CorrelationID, req.Payload)
	case <-ctx.Done():
	}
}

func (f failingSink) Forward(_ context.Context, req mcphttp.Request, replies mcphttp.Replier) {
	replies.Fail(req.CorrelationID, f.err)
}

func startServer(t *testing.T, sink mcphttp.MessageSink, options ...mcphttp.ServerOption) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	opts := append([]mcphttp.ServerOption{
		mcphttp.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, options...)
	srv := mcphttp.NewServer(sink, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		assert.NoError(t, srv.Shutdown(shutdownCtx))
		cancel()
		assert.ErrorIs(t, <-served, mcphttp.ErrServerClosed)
	})

	addr := ln.Addr().String()
	return &testServer{
		srv:  srv,
		addr: addr,
		url:  "http://" + addr + mcphttp.DefaultPath,
	}
}

func (ts *testServer) post(t *testing.T, sessionID string, body string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, ts.url, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// rawExchange writes raw to a fresh connection, half-closes it, and parses the response.
func (ts *testServer) rawExchange(t *testing.T, raw []byte) (*http.Response, string) {
	t.Helper()

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write(raw)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}
