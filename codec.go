package mcphttp

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tmaxmax/go-sse"
)

// parseState is the position of a requestParser in the request it is accumulating.
type parseState int

// parseResult is what a requestParser reports after consuming input.
type parseResult int

// httpRequest is a request decoded by requestParser. Header names are lower-cased, and the last
// value wins when a header is repeated.
type httpRequest struct {
	method string
	target string
	path   string
	proto  string
	header map[string]string
	body   []byte
}

// codecError is a malformed-request failure together with the status it is answered with.
type codecError struct {
	status  int
	message string
}

// requestParser incrementally decodes one HTTP/1 request out of bytes read from a connection.
//
// It moves through awaitingHeaders, awaitingBody and dispatching. The body is delimited by
// Content-Length; without it, a POST body extends to the half-close of the connection (see
// finish), and any other method has an empty body.
type requestParser struct {
	maxHeaderBytes int
	maxBodyBytes   int

	state         parseState
	buf           []byte
	bodyStart     int
	contentLength int // -1 until the client half-closes.

	req *httpRequest
	err *codecError
}

type header struct {
	name  string
	value string
}

const (
	stateAwaitingHeaders parseState = iota
	stateAwaitingBody
	stateDispatching
)

const (
	parseIncomplete parseResult = iota
	parseComplete
	parseMalformed
)

const (
	defaultMaxHeaderBytes = 64 << 10
	defaultMaxBodyBytes   = 4 << 20

	contentTypeJSON        = "application/json"
	contentTypeText        = "text/plain; charset=utf-8"
	contentTypeEventStream = "text/event-stream"
)

var headerTerminator = []byte("\r\n\r\n")

func (e *codecError) Error() string {
	return fmt.Sprintf("malformed request (%d): %s", e.status, e.message)
}

func newRequestParser(maxBodyBytes int) *requestParser {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &requestParser{
		maxHeaderBytes: defaultMaxHeaderBytes,
		maxBodyBytes:   maxBodyBytes,
		contentLength:  -1,
	}
}

// feed appends data read from the connection and tries to make progress.
func (p *requestParser) feed(data []byte) parseResult {
	// Bytes after a complete request are ignored, there is no pipelining.
	if p.state == stateDispatching {
		return parseComplete
	}
	if p.err != nil {
		return parseMalformed
	}

	p.buf = append(p.buf, data...)
	return p.advance()
}

// finish is called once the client half-closed the connection. A POST without Content-Length
// takes everything received so far as its body; any other incomplete request is malformed.
// An empty connection reports parseIncomplete so the caller can just close it.
func (p *requestParser) finish() parseResult {
	if p.err != nil {
		return parseMalformed
	}

	switch p.state {
	case stateAwaitingHeaders:
		if len(bytes.TrimSpace(p.buf)) == 0 {
			return parseIncomplete
		}
		return p.fail(http.StatusBadRequest, "connection closed before end of headers")
	case stateAwaitingBody:
		if p.contentLength >= 0 {
			return p.fail(http.StatusBadRequest, "connection closed before end of body")
		}
		return p.complete(p.buf[p.bodyStart:])
	default:
		return parseComplete
	}
}

func (p *requestParser) advance() parseResult {
	if p.state == stateAwaitingHeaders {
		end := bytes.Index(p.buf, headerTerminator)
		if end < 0 {
			if len(p.buf) > p.maxHeaderBytes {
				return p.fail(http.StatusRequestHeaderFieldsTooLarge, "header block too large")
			}
			return parseIncomplete
		}
		if end > p.maxHeaderBytes {
			return p.fail(http.StatusRequestHeaderFieldsTooLarge, "header block too large")
		}

		req, cErr := parseHead(p.buf[:end])
		if cErr != nil {
			p.err = cErr
			return parseMalformed
		}
		p.req = req
		p.bodyStart = end + len(headerTerminator)

		if _, ok := req.header["transfer-encoding"]; ok {
			return p.fail(http.StatusNotImplemented, "transfer-encoding is not supported")
		}
		if v, ok := req.header["content-length"]; ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || n < 0 {
				return p.fail(http.StatusBadRequest, "invalid content-length")
			}
			p.contentLength = n
		} else if req.method != http.MethodPost {
			p.contentLength = 0
		}
		if p.contentLength > p.maxBodyBytes {
			return p.fail(http.StatusRequestEntityTooLarge, "request body too large")
		}
		p.state = stateAwaitingBody
	}

	received := len(p.buf) - p.bodyStart
	if p.contentLength < 0 {
		if received > p.maxBodyBytes {
			return p.fail(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return parseIncomplete
	}
	if received < p.contentLength {
		return parseIncomplete
	}
	return p.complete(p.buf[p.bodyStart : p.bodyStart+p.contentLength])
}

func (p *requestParser) complete(body []byte) parseResult {
	if !utf8.Valid(body) {
		return p.fail(http.StatusBadRequest, "request body is not valid UTF-8")
	}
	p.req.body = bytes.Clone(body)
	p.state = stateDispatching
	return parseComplete
}

func (p *requestParser) fail(status int, message string) parseResult {
	p.err = &codecError{status: status, message: message}
	return parseMalformed
}

func parseHead(head []byte) (*httpRequest, *codecError) {
	lines := strings.Split(string(head), "\r\n")

	fields := strings.Fields(lines[0])
	if len(fields) < 3 {
		return nil, &codecError{status: http.StatusBadRequest, message: "malformed request line"}
	}

	req := &httpRequest{
		method: fields[0],
		target: fields[1],
		path:   fields[1],
		proto:  fields[2],
		header: make(map[string]string, len(lines)-1),
	}
	if i := strings.IndexByte(req.path, '?'); i >= 0 {
		req.path = req.path[:i]
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, &codecError{status: http.StatusBadRequest, message: "malformed header line"}
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		req.header[name] = strings.TrimSpace(line[colon+1:])
	}

	return req, nil
}

func (r *httpRequest) headerValue(name string) string {
	return r.header[strings.ToLower(name)]
}

// writeHead writes a status line and header block.
func writeHead(w io.Writer, status int, headers []header) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for _, h := range headers {
		buf.WriteString(h.name)
		buf.WriteString(": ")
		buf.WriteString(h.value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	_, err := w.Write(buf.Bytes())
	return err
}

// writeFixed writes a complete response whose length is known, ending the exchange.
func writeFixed(w io.Writer, status int, headers []header, contentType string, body []byte) error {
	hs := make([]header, 0, len(headers)+3)
	hs = append(hs, headers...)
	if contentType != "" {
		hs = append(hs, header{"Content-Type", contentType})
	}
	hs = append(hs,
		header{"Content-Length", strconv.Itoa(len(body))},
		header{"Connection", "close"},
	)

	var buf bytes.Buffer
	if err := writeHead(&buf, status, hs); err != nil {
		return err
	}
	buf.Write(body)

	_, err := w.Write(buf.Bytes())
	return err
}

// writeChunkedHead starts a chunked response. The body follows through writeChunk and ends
// with writeLastChunk.
func writeChunkedHead(w io.Writer, status int, headers []header, contentType string) error {
	hs := make([]header, 0, len(headers)+3)
	hs = append(hs, headers...)
	hs = append(hs,
		header{"Content-Type", contentType},
		header{"Transfer-Encoding", "chunked"},
		header{"Connection", "close"},
	)
	return writeHead(w, status, hs)
}

func writeChunk(w io.Writer, data []byte) error {
	// A zero-length chunk would terminate the body.
	if len(data) == 0 {
		return nil
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%x\r\n", len(data))
	buf.Write(data)
	buf.WriteString("\r\n")

	_, err := w.Write(buf.Bytes())
	return err
}

func writeLastChunk(w io.Writer) error {
	_, err := io.WriteString(w, "0\r\n\r\n")
	return err
}

// writeSSEHead announces an event stream. The connection stays open after it.
func writeSSEHead(w io.Writer, headers []header) error {
	hs := make([]header, 0, len(headers)+3)
	hs = append(hs, headers...)
	hs = append(hs,
		header{"Content-Type", contentTypeEventStream},
		header{"Cache-Control", "no-cache"},
		header{"Connection", "keep-alive"},
	)
	return writeHead(w, http.StatusOK, hs)
}

// writeSSEFrame writes payload as a single data-only event.
func writeSSEFrame(w io.Writer, payload []byte) error {
	msg := &sse.Message{}
	msg.AppendData(string(payload))

	_, err := msg.WriteTo(w)
	return err
}

// writeSSEComment writes a comment line, which clients ignore. It is used to probe idle streams.
func writeSSEComment(w io.Writer, comment string) error {
	msg := &sse.Message{}
	msg.AppendComment(comment)

	_, err := msg.WriteTo(w)
	return err
}
