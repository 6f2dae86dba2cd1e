package mcphttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// conn serves one accepted connection: it reads a single request, dispatches it, and writes
// the response. Only SSE streams keep the connection open after that.
type conn struct {
	srv    *Server
	rwc    net.Conn
	logger *slog.Logger

	// halfClosed is set once the client has shut down its writing side.
	halfClosed bool
}

const (
	headerSessionID = "Mcp-Session-Id"

	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type, Accept, Mcp-Session-Id"
	corsMaxAge       = "86400"

	readBufferSize = 4096
)

func newConn(srv *Server, rwc net.Conn) *conn {
	return &conn{
		srv:    srv,
		rwc:    rwc,
		logger: srv.logger.With(slog.String("remote", rwc.RemoteAddr().String())),
	}
}

func (c *conn) serve(ctx context.Context) {
	defer c.rwc.Close()

	req, ok := c.readRequest()
	if !ok {
		return
	}

	rt := resolveRoute(req, c.srv.path)
	c.logger.Debug("dispatching request",
		slog.String("method", req.method),
		slog.String("target", req.target),
		slog.String("route", rt.String()))

	switch rt {
	case routeNotFound:
		c.writeError(rt, http.StatusNotFound, "", jsonRPCInvalidRequestCode, "Not found")
	case routeMethodNotAllowed:
		c.writeErrorWithID(rt, http.StatusMethodNotAllowed, responseHeaders("", header{"Allow", corsAllowMethods}),
			nil, jsonRPCInvalidRequestCode, "Method not allowed")
	case routePreflight:
		c.writePreflight()
	case routeInfo:
		c.writeInfo()
	case routeForward:
		c.forward(ctx, req)
	case routeStream:
		c.openStream(ctx, req)
	}
}

// readRequest accumulates bytes until the parser has a complete request. Malformed requests
// are answered here; ok is false whenever there is nothing left to dispatch.
func (c *conn) readRequest() (*httpRequest, bool) {
	p := newRequestParser(c.srv.maxBodyBytes)
	buf := make([]byte, readBufferSize)

	if c.srv.readTimeout > 0 {
		if err := c.rwc.SetReadDeadline(time.Now().Add(c.srv.readTimeout)); err != nil {
			logIOError(c.logger, "failed to set read deadline", err)
			return nil, false
		}
	}
	if c.srv.closing() {
		return nil, false
	}

	for {
		n, err := c.rwc.Read(buf)

		res := parseIncomplete
		if n > 0 {
			res = p.feed(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			c.halfClosed = true
		}
		if res == parseIncomplete && c.halfClosed {
			res = p.finish()
			if res == parseIncomplete {
				c.logger.Debug("connection closed without a request")
				return nil, false
			}
		}

		switch res {
		case parseComplete:
			// A request must not inherit the deadline of its transfer.
			_ = c.rwc.SetReadDeadline(time.Time{})
			return p.req, true
		case parseMalformed:
			c.logger.Info("malformed request", slog.String("err", p.err.Error()))
			c.writeError(routeMalformed, p.err.status, "", jsonRPCInvalidRequestCode, p.err.message)
			return nil, false
		case parseIncomplete:
		}

		if err != nil {
			if c.srv.closing() {
				c.logger.Debug("dropping connection on shutdown", slog.String("err", err.Error()))
				return nil, false
			}
			logIOError(c.logger, "failed to read request", err)
			return nil, false
		}
	}
}

// forward implements POST: the body goes to the sink, the connection waits for the reply.
func (c *conn) forward(ctx context.Context, req *httpRequest) {
	if len(bytes.TrimSpace(req.body)) == 0 {
		c.writeError(routeForward, http.StatusBadRequest, "", jsonRPCInvalidRequestCode, errMsgEmptyBody)
		return
	}

	clientID, key, err := messageID(req.body)
	if err != nil {
		c.writeError(routeForward, http.StatusBadRequest, "", jsonRPCParseErrorCode, errMsgInvalidJSON)
		return
	}

	sess, err := c.srv.resolveSession(ctx, req)
	if err != nil {
		c.logger.Error("failed to resolve session", slog.String("err", err.Error()))
		c.writeError(routeForward, http.StatusInternalServerError, "", jsonRPCInternalErrorCode,
			errMsgInternalError)
		return
	}
	logger := c.logger.With(slog.String("sessionID", sess.ID))
	headers := responseHeaders(sess.ID)

	// Messages without a usable id still need a key of their own in the pending table.
	if key == "" {
		key = newSessionID()
	}
	correlationID := sess.ID + "/" + key

	pending, err := c.srv.pending.register(correlationID, clientID)
	if err != nil {
		logger.Warn("rejecting request", slog.String("correlationID", correlationID),
			slog.String("err", err.Error()))
		c.writeErrorWithID(routeForward, http.StatusConflict, headers, clientID, jsonRPCInvalidRequestCode,
			errMsgDuplicateRequest)
		return
	}
	defer c.srv.pending.remove(pending)

	// Headers go out before the sink runs, so slow processing does not trip client read timeouts.
	if err := c.write(func(w io.Writer) error {
		return writeChunkedHead(w, http.StatusOK, headers, contentTypeJSON)
	}); err != nil {
		logIOError(logger, "failed to write response headers", err)
		return
	}

	fwdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A client that half-closed to end its body can still read the reply, so only clients
	// keeping the connection open are watched.
	hangup := make(chan struct{})
	if !c.halfClosed {
		go c.watchHangup(hangup)
	}

	start := time.Now()
	go c.srv.sink.Forward(fwdCtx, Request{
		SessionID:     sess.ID,
		CorrelationID: correlationID,
		ID:            clientID,
		Payload:       req.body,
	}, c.srv)

	payload, outcome := c.srv.awaitReply(pending, hangup)
	cancel()
	replyDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(routeForward.String(), strconv.Itoa(http.StatusOK)).Inc()

	switch outcome {
	case outcomeAbandoned:
		logger.Debug("client hung up before the reply", slog.String("correlationID", correlationID))
		return
	case outcomeShutdown:
		logger.Debug("failing request on shutdown", slog.String("correlationID", correlationID))
	case outcomeTimeout:
		logger.Warn("request was not replied", slog.String("correlationID", correlationID),
			slog.String("outcome", outcome))
	}

	if err := c.write(func(w io.Writer) error {
		if err := writeChunk(w, payload); err != nil {
			return err
		}
		return writeLastChunk(w)
	}); err != nil {
		logIOError(logger, "failed to write reply", err)
	}
}

// openStream implements GET with an event-stream Accept header. The connection is held until
// the client goes away or the stream is closed from this side.
func (c *conn) openStream(ctx context.Context, req *httpRequest) {
	sess, err := c.srv.resolveSession(ctx, req)
	if err != nil {
		c.logger.Error("failed to resolve session", slog.String("err", err.Error()))
		c.writeError(routeStream, http.StatusInternalServerError, "", jsonRPCInternalErrorCode,
			errMsgInternalError)
		return
	}
	logger := c.logger.With(slog.String("sessionID", sess.ID))

	st := newStream(sess.ID, c.rwc, logger, c.srv.streamQueueSize, c.srv.writeTimeout, c.srv.sseKeepAlive)
	if err := c.srv.streams.install(st); err != nil {
		c.writeError(routeStream, http.StatusServiceUnavailable, sess.ID, jsonRPCInternalErrorCode,
			"Server is shutting down")
		return
	}
	pushing := false
	defer func() {
		c.srv.streams.remove(st)
		st.close()
		if pushing {
			<-st.pushClosed
		}
		logger.Debug("stream closed")
	}()

	established, err := json.Marshal(connectionEstablished{
		Type:      eventConnectionEstablished,
		SessionID: sess.ID,
	})
	if err != nil {
		logger.Error("failed to marshal connection event", slog.String("err", err.Error()))
		return
	}
	if err := st.write(func(w io.Writer) error {
		if err := writeSSEHead(w, responseHeaders(sess.ID)); err != nil {
			return err
		}
		return writeSSEFrame(w, established)
	}); err != nil {
		logIOError(logger, "failed to open stream", err)
		return
	}
	requestsTotal.WithLabelValues(routeStream.String(), strconv.Itoa(http.StatusOK)).Inc()
	logger.Debug("stream opened")

	pushing = true
	go st.push()

	// Nothing is expected from the client anymore; reading only detects the disconnect.
	if _, err := io.Copy(io.Discard, c.rwc); err != nil {
		if c.srv.closing() {
			logger.Debug("closing stream on shutdown", slog.String("err", err.Error()))
			return
		}
		logIOError(logger, "stream connection failed", err)
	}
}

// watchHangup reads the connection of a waiting POST. Clients send nothing after their request,
// so the read ending means nobody waits for the reply anymore, unless the server is shutting
// down and woke the read itself.
func (c *conn) watchHangup(hangup chan<- struct{}) {
	_, _ = io.Copy(io.Discard, c.rwc)
	if c.srv.closing() {
		return
	}
	close(hangup)
}

func (c *conn) writePreflight() {
	headers := []header{
		{"Access-Control-Allow-Methods", corsAllowMethods},
		{"Access-Control-Allow-Headers", corsAllowHeaders},
		{"Access-Control-Max-Age", corsMaxAge},
	}
	c.writeFixed(routePreflight, http.StatusOK, responseHeaders("", headers...), "", nil)
}

func (c *conn) writeInfo() {
	body := fmt.Sprintf("MCP HTTP transport. POST JSON-RPC messages to %s, "+
		"or GET it with \"Accept: %s\" to open a stream.\n", c.srv.path, contentTypeEventStream)
	c.writeFixed(routeInfo, http.StatusOK, responseHeaders(""), contentTypeText, []byte(body))
}

func (c *conn) writeError(rt route, status int, sessionID string, code int, message string) {
	c.writeErrorWithID(rt, status, responseHeaders(sessionID), nil, code, message)
}

// writeErrorWithID answers with a JSON-RPC error object, or a plain-text body if that cannot be
// encoded.
func (c *conn) writeErrorWithID(rt route, status int, headers []header, id json.RawMessage, code int,
	message string,
) {
	body, err := errorPayload(id, code, message)
	if err != nil {
		c.logger.Error("failed to encode error response", slog.String("err", err.Error()))
		c.writeFixed(rt, http.StatusInternalServerError, headers, contentTypeText, []byte(errMsgInternalError))
		return
	}
	c.writeFixed(rt, status, headers, contentTypeJSON, body)
}

func (c *conn) writeFixed(rt route, status int, headers []header, contentType string, body []byte) {
	requestsTotal.WithLabelValues(rt.String(), strconv.Itoa(status)).Inc()

	if err := c.write(func(w io.Writer) error {
		return writeFixed(w, status, headers, contentType, body)
	}); err != nil {
		logIOError(c.logger, "failed to write response", err)
	}
}

func (c *conn) write(fn func(io.Writer) error) error {
	if c.srv.writeTimeout > 0 {
		if err := c.rwc.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout)); err != nil {
			return err
		}
	}
	return fn(c.rwc)
}

// responseHeaders returns the headers every response carries, with the session header when
// the response is tied to a session.
func responseHeaders(sessionID string, extra ...header) []header {
	hs := []header{{"Access-Control-Allow-Origin", "*"}}
	if sessionID != "" {
		hs = append(hs,
			header{"Access-Control-Expose-Headers", headerSessionID},
			header{headerSessionID, sessionID},
		)
	}
	return append(hs, extra...)
}

// logIOError logs connection failures. A peer going away, or a connection this side already
// closed, is routine and only logged at debug level.
func logIOError(logger *slog.Logger, msg string, err error) {
	if isClosedConnError(err) {
		logger.Debug(msg, slog.String("err", err.Error()))
		return
	}
	logger.Warn(msg, slog.String("err", err.Error()))
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
