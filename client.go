package mcphttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// Client talks to a Server over HTTP: Call posts one message and returns its reply, Subscribe
// opens the session's SSE stream. The session id assigned by the server on the first exchange
// is reused by every later one.
//
// Instances should be created using NewClient.
type Client struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger

	maxPayloadSize int

	mu        sync.Mutex
	sessionID string
}

// ClientOption represents the options for the Client.
type ClientOption func(*Client)

// NewClient creates a client for the transport endpoint at url. The optional httpClient
// parameter allows custom HTTP client configuration - if nil, the default HTTP client is used.
func NewClient(url string, httpClient *http.Client, options ...ClientOption) *Client {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &Client{
		httpClient: cli,
		url:        url,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientSessionID makes the client join an existing session instead of letting the server
// create one.
func WithClientSessionID(id string) ClientOption {
	return func(c *Client) {
		c.sessionID = id
	}
}

// WithClientMaxPayloadSize sets the maximum size of an event the client accepts on the SSE
// stream. Bigger events end the subscription with an error.
func WithClientMaxPayloadSize(size int) ClientOption {
	return func(c *Client) {
		c.maxPayloadSize = size
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-mcp-http"),
			slog.String("component", "client"),
		)
	}
}

// SessionID returns the id of the session the client is part of, empty before the first
// exchange.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Call posts payload and returns the reply the server correlated with it. Server-side failures
// of the message sink come back as regular JSON-RPC error replies, not as errors.
func (c *Client) Call(ctx context.Context, payload []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	c.setSessionHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}
	c.rememberSession(resp)

	return body, nil
}

// Subscribe opens the SSE stream of the session and returns an iterator over the messages
// pushed on it. The initial connection event is consumed by Subscribe. The iteration ends when
// ctx is done, the stream breaks, or the caller stops; a broken stream yields its error last.
func (c *Client) Subscribe(ctx context.Context) (iter.Seq2[json.RawMessage, error], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", contentTypeEventStream)
	c.setSessionHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, statusError(resp.StatusCode, body)
	}
	c.rememberSession(resp)

	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxPayloadSize,
		}
	}

	return func(yield func(json.RawMessage, error) bool) {
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, config) {
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
					yield(nil, err)
				}
				return
			}

			if isConnectionEstablished(ev.Data) {
				continue
			}
			if !yield(json.RawMessage(ev.Data), nil) {
				return
			}
		}
	}, nil
}

func (c *Client) setSessionHeader(req *http.Request) {
	if id := c.SessionID(); id != "" {
		req.Header.Set(headerSessionID, id)
	}
}

func (c *Client) rememberSession(resp *http.Response) {
	id := resp.Header.Get(headerSessionID)
	if id == "" {
		return
	}
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func isConnectionEstablished(data string) bool {
	var ev connectionEstablished
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return false
	}
	return ev.Type == eventConnectionEstablished
}

// statusError turns a non-200 response into an error, keeping the JSON-RPC error the server
// sent when there is one.
func statusError(status int, body []byte) error {
	var msg jsonRPCErrorMessage
	if err := json.Unmarshal(body, &msg); err == nil && msg.Error.Message != "" {
		return fmt.Errorf("unexpected status code: %d: %w", status, msg.Error)
	}
	return fmt.Errorf("unexpected status code: %d", status)
}
