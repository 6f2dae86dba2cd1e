package mcphttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// stream is the handle of one open SSE connection. Frames are queued by Notify and written by
// the push goroutine; close tears both the goroutine and the connection down.
type stream struct {
	sessionID    string
	conn         net.Conn
	logger       *slog.Logger
	writeTimeout time.Duration
	keepAlive    time.Duration

	frames chan []byte

	done       chan struct{}
	pushClosed chan struct{}
	closeOnce  sync.Once
}

// streamRegistry holds at most one stream per session.
type streamRegistry struct {
	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

type connectionEstablished struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

var (
	// ErrNoStream is returned by Notify when the session has no open SSE stream.
	ErrNoStream = errors.New("session has no open stream")

	// ErrStreamClosed is returned by Notify when the stream closed before the frame was queued.
	ErrStreamClosed = errors.New("stream is closed")
)

const (
	defaultStreamQueueSize = 16
	defaultSSEKeepAlive    = 15 * time.Second

	eventConnectionEstablished = "connection_established"
)

func newStream(sessionID string, conn net.Conn, logger *slog.Logger, queueSize int,
	writeTimeout, keepAlive time.Duration,
) *stream {
	return &stream{
		sessionID:    sessionID,
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		keepAlive:    keepAlive,
		frames:       make(chan []byte, queueSize),
		done:         make(chan struct{}),
		pushClosed:   make(chan struct{}),
	}
}

// send queues payload for the push goroutine.
func (s *stream) send(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	select {
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.frames <- payload:
		return nil
	}
}

// push writes queued frames until the stream is closed. A failed write closes the stream.
func (s *stream) push() {
	defer close(s.pushClosed)

	var keepAlive <-chan time.Time
	if s.keepAlive > 0 {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		var err error
		select {
		case <-s.done:
			return
		case frame := <-s.frames:
			err = s.write(func(w io.Writer) error { return writeSSEFrame(w, frame) })
		case <-keepAlive:
			err = s.write(func(w io.Writer) error { return writeSSEComment(w, "keep-alive") })
		}
		if err != nil {
			logIOError(s.logger, "failed to push frame", err)
			s.close()
			return
		}
	}
}

func (s *stream) write(fn func(io.Writer) error) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return fn(s.conn)
}

// close cancels the push goroutine and closes the connection. It is safe to call repeatedly.
func (s *stream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{
		streams: make(map[string]*stream),
	}
}

// install makes s the stream of its session. The stream it replaces is closed.
func (r *streamRegistry) install(s *stream) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrServerClosed
	}
	prev, ok := r.streams[s.sessionID]
	r.streams[s.sessionID] = s
	if !ok {
		openStreams.Inc()
	}
	r.mu.Unlock()

	if ok {
		s.logger.Debug("replacing open stream of session")
		prev.close()
	}
	return nil
}

// remove unregisters s if it is still the stream of its session.
func (r *streamRegistry) remove(s *stream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.streams[s.sessionID]; ok && cur == s {
		delete(r.streams, s.sessionID)
		openStreams.Dec()
	}
}

func (r *streamRegistry) get(sessionID string) (*stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[sessionID]
	return s, ok
}

func (r *streamRegistry) all() []*stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	streams := make([]*stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	return streams
}

// closeAll closes every stream and refuses new ones.
func (r *streamRegistry) closeAll() {
	r.mu.Lock()
	r.closed = true
	streams := r.streams
	r.streams = make(map[string]*stream)
	openStreams.Sub(float64(len(streams)))
	r.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
}
