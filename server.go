package mcphttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server is the HTTP/SSE transport. It accepts raw TCP connections, decodes HTTP requests
// itself, and serves one endpoint path:
//
//   - POST forwards the body to the MessageSink and answers with the correlated reply;
//   - GET with "Accept: text/event-stream" opens the SSE stream of the session;
//   - GET otherwise answers with a short plain-text description;
//   - OPTIONS answers CORS preflights.
//
// Sessions are identified by the Mcp-Session-Id header. Server implements Replier and
// Notifier, which is how sinks and other components talk back to clients.
//
// Instances should be created using NewServer and shut down using Shutdown.
type Server struct {
	host string
	port int
	path string

	sink     MessageSink
	sessions SessionStore
	logger   *slog.Logger

	maxBodyBytes    int
	replyTimeout    time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	sseKeepAlive    time.Duration
	streamQueueSize int

	pending *pendingTable
	streams *streamRegistry

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	connsWG  sync.WaitGroup
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
}

const (
	// DefaultHost is the interface the server binds to unless WithHost is given.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the port the server binds to unless WithPort is given.
	DefaultPort = 8000
	// DefaultPath is the endpoint path unless WithPath is given.
	DefaultPath = "/mcp"

	outcomeReplied   = "replied"
	outcomeTimeout   = "timeout"
	outcomeShutdown  = "shutdown"
	outcomeAbandoned = "abandoned"

	errMsgReplyTimeout   = "reply timeout"
	errMsgServerShutdown = "server shutting down"
)

var (
	// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown, or after the
	// context given to them is done.
	ErrServerClosed = errors.New("server closed")

	// ErrReplyTimeout is reported in the synthesized reply of requests the sink did not answer
	// in time.
	ErrReplyTimeout = errors.New(errMsgReplyTimeout)

	defaultReplyTimeout = 60 * time.Second
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// NewServer creates a transport forwarding posted messages to sink. The returned server does
// not listen until ListenAndServe or Serve is called.
func NewServer(sink MessageSink, options ...ServerOption) *Server {
	s := &Server{
		host:            DefaultHost,
		port:            DefaultPort,
		path:            DefaultPath,
		sink:            sink,
		logger:          slog.Default(),
		maxBodyBytes:    defaultMaxBodyBytes,
		replyTimeout:    defaultReplyTimeout,
		readTimeout:     defaultReadTimeout,
		writeTimeout:    defaultWriteTimeout,
		sseKeepAlive:    defaultSSEKeepAlive,
		streamQueueSize: defaultStreamQueueSize,
		pending:         newPendingTable(),
		streams:         newStreamRegistry(),
		conns:           make(map[net.Conn]struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = NewMemorySessionStore()
	}
	if s.streamQueueSize <= 0 {
		s.streamQueueSize = defaultStreamQueueSize
	}
	return s
}

// WithHost sets the interface ListenAndServe binds to.
func WithHost(host string) ServerOption {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the port ListenAndServe binds to. Zero lets the system choose.
func WithPort(port int) ServerOption {
	return func(s *Server) {
		s.port = port
	}
}

// WithPath sets the endpoint path. Requests for any other path get 404.
func WithPath(path string) ServerOption {
	return func(s *Server) {
		s.path = path
	}
}

// WithSessionStore sets the store of the sessions. The default is a MemorySessionStore.
func WithSessionStore(store SessionStore) ServerOption {
	return func(s *Server) {
		s.sessions = store
	}
}

// WithMaxBodySize sets the largest request body accepted, in bytes. Larger bodies get 413.
func WithMaxBodySize(size int) ServerOption {
	return func(s *Server) {
		s.maxBodyBytes = size
	}
}

// WithReplyTimeout sets how long a POST waits for the sink's reply before it is answered with
// an internal error. Zero waits until shutdown.
func WithReplyTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.replyTimeout = timeout
	}
}

// WithReadTimeout sets how long a client has to send a complete request.
func WithReadTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.readTimeout = timeout
	}
}

// WithWriteTimeout sets the deadline of each write to a connection.
func WithWriteTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.writeTimeout = timeout
	}
}

// WithSSEKeepAlive sets the interval of the comment frames written to SSE streams to detect
// dead peers. Zero disables them.
func WithSSEKeepAlive(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.sseKeepAlive = interval
	}
}

// WithStreamQueueSize sets how many frames may wait to be written on each SSE stream.
func WithStreamQueueSize(size int) ServerOption {
	return func(s *Server) {
		s.streamQueueSize = size
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-http"),
			slog.String("component", "server"),
		)
	}
}

// ListenAndServe binds the configured host and port and serves connections until ctx is done
// or Shutdown is called. A failure to bind is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln, each served on its own goroutine, until ctx is done or
// Shutdown is called. It always returns a non-nil error; after shutdown it is ErrServerClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("serving", slog.String("addr", ln.Addr().String()), slog.String("path", s.path))

	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-s.done:
		}
	}()

	for {
		rwc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
			}
			var nErr net.Error
			if errors.As(err, &nErr) && nErr.Timeout() {
				s.logger.Warn("failed to accept connection", slog.String("err", err.Error()))
				time.Sleep(10 * time.Millisecond)
				continue
			}
			s.close()
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		if !s.trackConn(rwc) {
			_ = rwc.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.untrackConn(rwc)
			newConn(s, rwc).serve(ctx)
		}()
	}
}

// Addr returns the address the server listens on, or nil before it serves.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections, closes every SSE stream, answers every waiting POST
// with an internal error, and waits for the connections to finish. When ctx is done first,
// the remaining connections are closed and the context's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.close()

	finished := make(chan struct{})
	go func() {
		s.connsWG.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to shutdown server: %w", ctx.Err())
	}
}

// Reply implements Replier.
func (s *Server) Reply(correlationID string, payload []byte) bool {
	return s.pending.resolve(correlationID, payload)
}

// Fail implements Replier.
func (s *Server) Fail(correlationID string, err error) bool {
	message := errMsgInternalError
	if err != nil {
		message = err.Error()
	}
	return s.pending.fail(correlationID, message)
}

// Deliver resolves the pending request of the session whose id equals the id of payload. It
// reports false when payload has no usable id or no such request is pending.
func (s *Server) Deliver(sessionID string, payload []byte) bool {
	_, key, err := messageID(payload)
	if err != nil || key == "" {
		return false
	}
	return s.Reply(sessionID+"/"+key, payload)
}

// Notify implements Notifier.
func (s *Server) Notify(ctx context.Context, sessionID string, payload []byte) error {
	st, ok := s.streams.get(sessionID)
	if !ok {
		return ErrNoStream
	}
	if err := st.send(ctx, payload); err != nil {
		return fmt.Errorf("failed to notify session %s: %w", sessionID, err)
	}
	return nil
}

// Broadcast implements Notifier.
func (s *Server) Broadcast(ctx context.Context, payload []byte) int {
	sent := 0
	for _, st := range s.streams.all() {
		if err := st.send(ctx, payload); err != nil {
			st.logger.Warn("failed to broadcast message", slog.String("err", err.Error()))
			continue
		}
		sent++
	}
	return sent
}

// Sessions returns the store of the sessions.
func (s *Server) Sessions() SessionStore {
	return s.sessions
}

// awaitReply blocks until p is resolved, the reply timeout passes, the client hangs up, or the
// server shuts down. The payload is what to write to the client, nil when it hung up.
func (s *Server) awaitReply(p *pendingReply, hangup <-chan struct{}) ([]byte, string) {
	var timeout <-chan time.Time
	if s.replyTimeout > 0 {
		timer := time.NewTimer(s.replyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case payload := <-p.replies:
		return payload, outcomeReplied
	case <-timeout:
		s.pending.remove(p)
		// The reply may have raced the timer.
		select {
		case payload := <-p.replies:
			return payload, outcomeReplied
		default:
		}
		return p.errorPayload(ErrReplyTimeout.Error()), outcomeTimeout
	case <-hangup:
		s.pending.remove(p)
		return nil, outcomeAbandoned
	case <-s.done:
		s.pending.remove(p)
		select {
		case payload := <-p.replies:
			return payload, outcomeShutdown
		default:
		}
		return p.errorPayload(errMsgServerShutdown), outcomeShutdown
	}
}

func (s *Server) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) resolveSession(ctx context.Context, req *httpRequest) (Session, error) {
	id := req.headerValue(headerSessionID)
	if id == "" {
		id = newSessionID()
	}
	sess, err := s.sessions.GetOrCreate(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("failed to resolve session %s: %w", id, err)
	}
	return sess, nil
}

func (s *Server) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.connsWG.Add(1)
	return true
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	s.connsWG.Done()
}

func (s *Server) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ln := s.listener
		s.mu.Unlock()

		close(s.done)
		if ln != nil {
			_ = ln.Close()
		}

		// Wake up connections still waiting for a request.
		s.mu.Lock()
		for c := range s.conns {
			_ = c.SetReadDeadline(time.Now())
		}
		s.mu.Unlock()

		s.streams.closeAll()
		s.pending.failAll(errMsgServerShutdown)
		s.logger.Info("server closed")
	})
}
