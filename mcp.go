package mcphttp

import (
	"context"
	"encoding/json"
)

// Request is a Protocol message the transport hands to a MessageSink.
type Request struct {
	// SessionID is the resolved session the message was posted under.
	SessionID string

	// CorrelationID identifies the pending HTTP reply. The sink passes it back to Replier.Reply
	// or Replier.Fail. It is unique among outstanding requests, also when the client omitted
	// the message id or reused an id another session is using.
	CorrelationID string

	// ID is the message id exactly as the client sent it, nil if it was absent.
	ID json.RawMessage

	// Payload is the raw request body.
	Payload json.RawMessage
}

// MessageSink consumes the Protocol messages posted to the transport.
type MessageSink interface {
	// Forward hands a message to the sink. The transport calls it on its own goroutine and does
	// not wait for it. The sink must eventually answer through replies, exactly once per
	// request: Reply with the reply payload or Fail with the reason. The context is cancelled
	// once the HTTP client no longer waits for the reply.
	Forward(ctx context.Context, req Request, replies Replier)
}

// SinkFunc adapts an ordinary function to a MessageSink.
type SinkFunc func(ctx context.Context, req Request, replies Replier)

// Replier is the inbound entry point the transport exposes to message sinks.
type Replier interface {
	// Reply resolves the pending request identified by correlationID with payload, which is
	// written to the HTTP client unchanged. It reports false if no such request is pending.
	Reply(correlationID string, payload []byte) bool

	// Fail resolves the pending request with a JSON-RPC internal error carrying err's message.
	// It reports false if no such request is pending.
	Fail(correlationID string, err error) bool
}

// Notifier pushes unsolicited Protocol messages to open SSE streams.
type Notifier interface {
	// Notify queues payload on the SSE stream of the session. It blocks until the frame is
	// queued, the stream closes, or ctx is done.
	Notify(ctx context.Context, sessionID string, payload []byte) error

	// Broadcast queues payload on every open SSE stream and returns how many streams got it.
	Broadcast(ctx context.Context, payload []byte) int
}

// Forward calls f(ctx, req, replies).
func (f SinkFunc) Forward(ctx context.Context, req Request, replies Replier) {
	f(ctx, req, replies)
}
