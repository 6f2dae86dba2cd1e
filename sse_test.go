package mcphttp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"iter"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	mcphttp "github.com/MegaGrindStone/go-mcp-http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

func TestSSEStreamOpens(t *testing.T) {
	ts := startServer(t, echoSink{})

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("GET /mcp HTTP/1.1\r\nHost: localhost\r\nAccept: text/event-stream\r\n" +
		"Mcp-Session-Id: raw-session\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "raw-session", resp.Header.Get("Mcp-Session-Id"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	next, stop := iter.Pull2(sse.Read(resp.Body, nil))
	defer stop()

	ev, err, ok := next()
	require.True(t, ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connection_established","sessionId":"raw-session"}`, ev.Data)

	require.NoError(t, ts.srv.Notify(context.Background(), "raw-session", []byte(`{"jsonrpc":"2.0","method":"hello"}`)))

	ev, err, ok = next()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"hello"}`, ev.Data)
}

func TestSSENotify(t *testing.T) {
	ts := startServer(t, echoSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := mcphttp.NewClient(ts.url, nil)
	events, err := client.Subscribe(ctx)
	require.NoError(t, err)
	sessionID := client.SessionID()
	require.NotEmpty(t, sessionID)
	received := collect(events)

	// The stream belongs to the session the client posts under as well.
	reply, err := client.Call(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, string(reply))
	assert.Equal(t, sessionID, client.SessionID())

	for i := range 3 {
		payload := []byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":` +
			strconv.Itoa(i) + `}}`)
		require.NoError(t, ts.srv.Notify(ctx, sessionID, payload))
		assert.Equal(t, string(payload), string(receive(t, received)))
	}

	err = ts.srv.Notify(ctx, "unknown", []byte(`{}`))
	assert.ErrorIs(t, err, mcphttp.ErrNoStream)
}

func TestSSEBroadcast(t *testing.T) {
	ts := startServer(t, echoSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var streams []<-chan json.RawMessage
	for _, id := range []string{"a", "b", "c"} {
		client := mcphttp.NewClient(ts.url, nil, mcphttp.WithClientSessionID(id))
		events, err := client.Subscribe(ctx)
		require.NoError(t, err)
		streams = append(streams, collect(events))
	}

	payload := []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	assert.Equal(t, 3, ts.srv.Broadcast(ctx, payload))
	for _, received := range streams {
		assert.Equal(t, string(payload), string(receive(t, received)))
	}
}

func TestSSEReplacesStreamOfSession(t *testing.T) {
	ts := startServer(t, echoSink{})

	firstCtx, firstCancel := context.WithCancel(context.Background())
	defer firstCancel()
	first := mcphttp.NewClient(ts.url, nil, mcphttp.WithClientSessionID("s1"))
	events, err := first.Subscribe(firstCtx)
	require.NoError(t, err)
	firstReceived := collect(events)

	secondCtx, secondCancel := context.WithCancel(context.Background())
	defer secondCancel()
	second := mcphttp.NewClient(ts.url, nil, mcphttp.WithClientSessionID("s1"))
	events, err = second.Subscribe(secondCtx)
	require.NoError(t, err)
	secondReceived := collect(events)

	// The replaced stream is closed by the server.
	select {
	case _, ok := <-firstReceived:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("replaced stream still open")
	}

	require.NoError(t, ts.srv.Notify(context.Background(), "s1", []byte(`{"n":1}`)))
	assert.Equal(t, `{"n":1}`, string(receive(t, secondReceived)))

	// Tearing down the first connection leaves the second registered.
	firstCancel()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ts.srv.Notify(context.Background(), "s1", []byte(`{"n":2}`)))
	assert.Equal(t, `{"n":2}`, string(receive(t, secondReceived)))
}

func TestSSEDisconnectRemovesStream(t *testing.T) {
	ts := startServer(t, echoSink{})

	ctx, cancel := context.WithCancel(context.Background())
	client := mcphttp.NewClient(ts.url, nil, mcphttp.WithClientSessionID("gone"))
	events, err := client.Subscribe(ctx)
	require.NoError(t, err)
	received := collect(events)

	cancel()
	for range received {
	}

	assert.Eventually(t, func() bool {
		err := ts.srv.Notify(context.Background(), "gone", []byte(`{}`))
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return ts.srv.Broadcast(context.Background(), []byte(`{}`)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSSEKeepAlive(t *testing.T) {
	ts := startServer(t, echoSink{}, mcphttp.WithSSEKeepAlive(20*time.Millisecond))

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("GET /mcp HTTP/1.1\r\nHost: localhost\r\nAccept: text/event-stream\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ":") && strings.Contains(line, "keep-alive") {
			return
		}
	}
}

func TestSSEClosedOnShutdown(t *testing.T) {
	ts := startServer(t, echoSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := mcphttp.NewClient(ts.url, nil)
	events, err := client.Subscribe(ctx)
	require.NoError(t, err)
	received := collect(events)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, ts.srv.Shutdown(shutdownCtx))

	select {
	case _, ok := <-received:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after shutdown")
	}

	// No stream can be opened anymore.
	_, err = client.Subscribe(ctx)
	assert.Error(t, err)
}

func collect(events iter.Seq2[json.RawMessage, error]) <-chan json.RawMessage {
	received := make(chan json.RawMessage, 16)
	go func() {
		defer close(received)
		for msg, err := range events {
			if err != nil {
				return
			}
			received <- msg
		}
	}()
	return received
}

func receive(t *testing.T, received <-chan json.RawMessage) json.RawMessage {
	t.Helper()

	select {
	case msg, ok := <-received:
		require.True(t, ok, "stream closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}
