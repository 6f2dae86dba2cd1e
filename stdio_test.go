package mcphttp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	mcphttp "github.com/MegaGrindStone/go-mcp-http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stdioPeer plays the process behind a StdIOSink.
type stdioPeer struct {
	lines *bufio.Reader
	out   *io.PipeWriter
}

type recordingReplier struct {
	mu      sync.Mutex
	replies map[string][]byte
	errs    map[string]error
}

func TestStdIOSinkRoundTrip(t *testing.T) {
	ts, peer, _ := startStdIOSink(t)

	results := postAsync(ts, "", `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)

	msg := peer.read(t)
	assert.Equal(t, `"tools/list"`, string(msg["method"]))
	// The peer sees the correlation id, not the client's.
	var peerID string
	require.NoError(t, json.Unmarshal(msg["id"], &peerID))
	assert.True(t, strings.HasSuffix(peerID, "/7"))

	peer.write(t, `{"jsonrpc":"2.0","id":`+string(msg["id"])+`,"result":{"tools":[]}}`)

	res := <-results
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{"tools":[]}}`, res.body)
}

func TestStdIOSinkSameIDAcrossSessions(t *testing.T) {
	ts, peer, _ := startStdIOSink(t)

	first := postAsync(ts, "one", `{"jsonrpc":"2.0","id":"x","method":"ping"}`)
	firstMsg := peer.read(t)
	second := postAsync(ts, "two", `{"jsonrpc":"2.0","id":"x","method":"ping"}`)
	secondMsg := peer.read(t)
	require.NotEqual(t, string(firstMsg["id"]), string(secondMsg["id"]))

	// Answer in reverse order.
	peer.write(t, `{"jsonrpc":"2.0","id":`+string(secondMsg["id"])+`,"result":"two"}`)
	peer.write(t, `{"jsonrpc":"2.0","id":`+string(firstMsg["id"])+`,"result":"one"}`)

	res := <-first
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"x","result":"one"}`, res.body)

	res = <-second
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"x","result":"two"}`, res.body)
}

func TestStdIOSinkAcknowledgesNotifications(t *testing.T) {
	ts, peer, _ := startStdIOSink(t)

	const notification = `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	results := postAsync(ts, "", notification)

	msg := peer.read(t)
	assert.Equal(t, `"notifications/initialized"`, string(msg["method"]))
	_, hasID := msg["id"]
	assert.False(t, hasID)

	res := <-results
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":{}}`, res.body)

	// Client responses to peer requests get through the same way.
	results = postAsync(ts, "", `{"jsonrpc":"2.0","id":"peer-1","result":{"roots":[]}}`)
	msg = peer.read(t)
	assert.Equal(t, `"peer-1"`, string(msg["id"]))

	res = <-results
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"peer-1","result":{}}`, res.body)
}

func TestStdIOSinkBroadcastsPeerMessages(t *testing.T) {
	ts, peer, _ := startStdIOSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := mcphttp.NewClient(ts.url, nil)
	events, err := client.Subscribe(ctx)
	require.NoError(t, err)
	received := collect(events)

	const message = `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`
	peer.write(t, message)

	assert.JSONEq(t, message, string(receive(t, received)))
}

func TestStdIOSinkPeerExit(t *testing.T) {
	ts, peer, runErr := startStdIOSink(t)

	results := postAsync(ts, "", `{"jsonrpc":"2.0","id":1,"method":"slow"}`)
	peer.read(t)

	require.NoError(t, peer.out.Close())

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the peer exited")
	}

	res := <-results
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"message process exited"}}`,
		res.body)
}

func TestStdIOSinkCancelsAbandonedRequests(t *testing.T) {
	ts, peer, _ := startStdIOSink(t, mcphttp.WithReplyTimeout(100*time.Millisecond))

	results := postAsync(ts, "", `{"jsonrpc":"2.0","id":2,"method":"slow"}`)
	request := peer.read(t)

	cancelled := peer.read(t)
	assert.Equal(t, `"notifications/cancelled"`, string(cancelled["method"]))

	var params struct {
		RequestID json.RawMessage `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(cancelled["params"], &params))
	assert.Equal(t, string(request["id"]), string(params.RequestID))

	res := <-results
	require.NoError(t, res.err)
	assert.Contains(t, res.body, "reply timeout")
}

func TestStdIOSinkForwardFailures(t *testing.T) {
	sink := mcphttp.NewStdIOSink(strings.NewReader(""), io.Discard)
	ctx := context.Background()

	replier := newRecordingReplier()
	sink.Forward(ctx, mcphttp.Request{
		CorrelationID: "s/batch",
		Payload:       json.RawMessage(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`),
	}, replier)
	require.Error(t, replier.err("s/batch"))

	sink.Close()

	replier = newRecordingReplier()
	sink.Forward(ctx, mcphttp.Request{
		CorrelationID: "s/1",
		ID:            json.RawMessage(`1`),
		Payload:       json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"ping"}`),
	}, replier)
	err := replier.err("s/1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func startStdIOSink(t *testing.T, options ...mcphttp.ServerOption) (*testServer, *stdioPeer, <-chan error) {
	t.Helper()

	toPeerReader, toPeerWriter := io.Pipe()
	fromPeerReader, fromPeerWriter := io.Pipe()

	sink := mcphttp.NewStdIOSink(fromPeerReader, toPeerWriter)
	t.Cleanup(func() {
		_ = toPeerReader.Close()
		_ = fromPeerWriter.Close()
		sink.Close()
	})

	ts := startServer(t, sink, options...)

	runErr := make(chan error, 1)
	go func() {
		runErr <- sink.Run(context.Background(), ts.srv)
	}()

	return ts, &stdioPeer{lines: bufio.NewReader(toPeerReader), out: fromPeerWriter}, runErr
}

func (p *stdioPeer) read(t *testing.T) map[string]json.RawMessage {
	t.Helper()

	lines := make(chan string, 1)
	go func() {
		line, _ := p.lines.ReadString('\n')
		lines <- line
	}()

	select {
	case line := <-lines:
		var msg map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(line), &msg), "line: %q", line)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for the sink to write")
		return nil
	}
}

func (p *stdioPeer) write(t *testing.T, line string) {
	t.Helper()

	_, err := p.out.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func newRecordingReplier() *recordingReplier {
	return &recordingReplier{
		replies: make(map[string][]byte),
		errs:    make(map[string]error),
	}
}

func (r *recordingReplier) Reply(correlationID string, payload []byte) bool {
	r.mu.Lock()
	r.replies[correlationID] = payload
	r.mu.Unlock()
	return true
}

func (r *recordingReplier) Fail(correlationID string, err error) bool {
	r.mu.Lock()
	r.errs[correlationID] = err
	r.mu.Unlock()
	return true
}

func (r *recordingReplier) err(correlationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[correlationID]
}
