package mcphttp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// StdIOSink is a MessageSink bridging the transport to a peer speaking line-delimited JSON-RPC
// over a reader/writer pair, typically the stdout/stdin of a child process running an MCP
// server.
//
// Requests are written with their id replaced by the correlation id, so requests of different
// sessions never collide at the peer; the id of the reply is restored before it reaches the
// HTTP client. Messages the peer does not answer (notifications and client responses) are
// acknowledged right after they are written. Messages initiated by the peer are broadcast to
// every open SSE stream.
//
// Run must be called to read the peer's output, and Close to release the writer goroutine.
type StdIOSink struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]stdIORequest

	writeMessages chan stdIOMessage
	done          chan struct{}
	writeClosed   chan struct{}
	closeOnce     sync.Once
}

// StdIOSinkOption represents the options for the StdIOSink.
type StdIOSinkOption func(*StdIOSink)

type stdIORequest struct {
	clientID json.RawMessage
	replies  Replier
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type stdIOEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

type notificationsCancelledParams struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

const (
	methodNotificationsCancelled = "notifications/cancelled"

	abandonedReason = "HTTP client stopped waiting for the reply"
)

var (
	// ErrPeerExited is reported to requests still waiting when the peer's output ends.
	ErrPeerExited = errors.New("message process exited")

	errSinkClosed = errors.New("sink is closed")
)

// NewStdIOSink creates a StdIOSink reading the peer's messages from reader and writing
// messages for it to writer.
func NewStdIOSink(reader io.Reader, writer io.Writer, options ...StdIOSinkOption) *StdIOSink {
	s := &StdIOSink{
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		inflight:      make(map[string]stdIORequest),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	go s.processWriteMessages()

	return s
}

// WithStdIOSinkLogger sets the logger for the sink.
func WithStdIOSinkLogger(logger *slog.Logger) StdIOSinkOption {
	return func(s *StdIOSink) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-http"),
			slog.String("component", "stdio"),
		)
	}
}

// Forward implements MessageSink. It returns once the request is answered or ctx is done; in
// the latter case the peer is told the request was cancelled.
func (s *StdIOSink) Forward(ctx context.Context, req Request, replies Replier) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(req.Payload, &msg); err != nil {
		replies.Fail(req.CorrelationID, fmt.Errorf("unsupported message: %w", err))
		return
	}

	if _, ok := msg["method"]; !ok || isNullID(req.ID) {
		// The peer sends nothing back for these.
		if err := s.send(ctx, req.Payload); err != nil {
			replies.Fail(req.CorrelationID, err)
			return
		}
		replies.Reply(req.CorrelationID, acknowledgement(req.ID))
		return
	}

	peerID, err := json.Marshal(req.CorrelationID)
	if err != nil {
		replies.Fail(req.CorrelationID, fmt.Errorf("failed to marshal id: %w", err))
		return
	}
	msg["id"] = peerID
	line, err := json.Marshal(msg)
	if err != nil {
		replies.Fail(req.CorrelationID, fmt.Errorf("failed to marshal message: %w", err))
		return
	}

	s.mu.Lock()
	s.inflight[req.CorrelationID] = stdIORequest{clientID: req.ID, replies: replies}
	s.mu.Unlock()

	if err := s.send(ctx, line); err != nil {
		if _, ok := s.take(req.CorrelationID); ok {
			replies.Fail(req.CorrelationID, err)
		}
		return
	}

	select {
	case <-ctx.Done():
	case <-s.done:
	}
	if _, ok := s.take(req.CorrelationID); !ok {
		// Already answered.
		return
	}
	if ctx.Err() == nil {
		replies.Fail(req.CorrelationID, errSinkClosed)
		return
	}
	s.cancelAtPeer(req.CorrelationID)
}

// Run reads the peer's messages until its output ends or ctx is done. Requests still waiting
// at that point are failed with ErrPeerExited.
func (s *StdIOSink) Run(ctx context.Context, notifier Notifier) error {
	type lineWithErr struct {
		line string
		err  error
	}
	lines := make(chan lineWithErr)

	go func() {
		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(s.reader)
		for {
			line, err := reader.ReadString('\n')
			select {
			case lines <- lineWithErr{line: strings.TrimSuffix(line, "\n"), err: err}:
			case <-s.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	defer s.failInflight()

	for {
		var lwe lineWithErr
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case lwe = <-lines:
		}

		if strings.TrimSpace(lwe.line) != "" {
			s.handleLine(ctx, []byte(lwe.line), notifier)
		}

		if lwe.err != nil {
			if errors.Is(lwe.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", lwe.err)
		}
	}
}

// Close stops the writer goroutine. Pending and later Forward calls fail.
func (s *StdIOSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.writeClosed
}

func (s *StdIOSink) handleLine(ctx context.Context, line []byte, notifier Notifier) {
	var env stdIOEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
		return
	}

	if env.Method == "" && env.ID != nil {
		var peerID string
		if err := json.Unmarshal(env.ID, &peerID); err != nil {
			s.logger.Warn("received reply with foreign id", slog.String("id", string(env.ID)))
			return
		}
		req, ok := s.take(peerID)
		if !ok {
			s.logger.Debug("received reply for unknown request", slog.String("id", peerID))
			return
		}
		payload, err := restoreID(line, req.clientID)
		if err != nil {
			req.replies.Fail(peerID, err)
			return
		}
		req.replies.Reply(peerID, payload)
		return
	}

	if notifier == nil {
		return
	}
	if n := notifier.Broadcast(ctx, line); n == 0 {
		s.logger.Debug("no stream to forward message to", slog.String("method", env.Method))
	}
}

func (s *StdIOSink) send(ctx context.Context, msg []byte) error {
	ioMsg := stdIOMessage{
		msg:  append(append([]byte{}, msg...), '\n'),
		errs: make(chan error, 1),
	}

	// Queue the message for sending to keep writes to the peer sequential.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSinkClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-s.done:
		return errSinkClosed
	}
}

func (s *StdIOSink) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

func (s *StdIOSink) cancelAtPeer(peerID string) {
	params, err := json.Marshal(notificationsCancelledParams{
		RequestID: peerID,
		Reason:    abandonedReason,
	})
	if err != nil {
		return
	}
	msg, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}{JSONRPCVersion, methodNotificationsCancelled, params})
	if err != nil {
		return
	}

	// The request context is gone already; the notification must not depend on it.
	if err := s.send(context.Background(), msg); err != nil {
		s.logger.Debug("failed to send cancellation", slog.String("err", err.Error()))
	}
}

func (s *StdIOSink) take(peerID string) (stdIORequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.inflight[peerID]
	if ok {
		delete(s.inflight, peerID)
	}
	return req, ok
}

func (s *StdIOSink) failInflight() {
	s.mu.Lock()
	inflight := s.inflight
	s.inflight = make(map[string]stdIORequest)
	s.mu.Unlock()

	for peerID, req := range inflight {
		req.replies.Fail(peerID, ErrPeerExited)
	}
}

// restoreID replaces the id of a peer reply with the id the client used.
func restoreID(line []byte, clientID json.RawMessage) ([]byte, error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	msg["id"] = clientID
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply: %w", err)
	}
	return bs, nil
}

func acknowledgement(id json.RawMessage) []byte {
	msg := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Result  struct{}        `json:"result"`
	}{JSONRPC: JSONRPCVersion, ID: id}
	bs, _ := json.Marshal(msg)
	return bs
}

func isNullID(id json.RawMessage) bool {
	return id == nil || strings.TrimSpace(string(id)) == "null"
}
