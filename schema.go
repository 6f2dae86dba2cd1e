package mcphttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// JSONRPCError represents an error object in the JSON-RPC 2.0 protocol. The transport only
// produces it for replies it has to synthesize itself: malformed requests, failed or
// timed-out correlations.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	Data map[string]any `json:"data,omitempty"`
}

// jsonRPCErrorMessage is the envelope of a synthesized error reply. ID is kept raw so the reply
// echoes exactly what the client sent, including its absence.
type jsonRPCErrorMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Error   JSONRPCError    `json:"error"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCInternalErrorCode  = -32603

	errMsgEmptyBody        = "Empty request body"
	errMsgInvalidJSON      = "Invalid json"
	errMsgDuplicateRequest = "Duplicate request id"
	errMsgInternalError    = "Internal Server Error"
)

var errUnsupportedID = errors.New("unsupported id type")

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

// messageID extracts the id member of a Protocol message. It returns the id exactly as the
// client sent it, and a canonical key usable for correlation. The key is empty when the
// message carries no id, the id is null, or it has a type other than string or integer; raw
// is nil only when the id member is absent. An error is returned if body is not valid JSON.
func messageID(body []byte) (raw json.RawMessage, key string, err error) {
	if !json.Valid(body) {
		return nil, "", errors.New("invalid json")
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		// Batches and scalar payloads are forwarded as-is, with a synthesized correlation id.
		return nil, "", nil
	}

	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, "", fmt.Errorf("failed to decode message: %w", err)
	}
	if envelope.ID == nil {
		return nil, "", nil
	}

	key, err = idKey(envelope.ID)
	if err != nil {
		return envelope.ID, "", nil
	}
	return envelope.ID, key, nil
}

// idKey canonicalizes a raw JSON id: strings become their re-encoded JSON form (so "7" and 7
// never share a key), integers their decimal form.
func idKey(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}

	switch v := v.(type) {
	case string:
		bs, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(bs), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return "", errUnsupportedID
		}
		return strconv.FormatInt(n, 10), nil
	default:
		return "", errUnsupportedID
	}
}

// errorPayload encodes a synthesized JSON-RPC error reply for the given client id.
func errorPayload(id json.RawMessage, code int, message string) ([]byte, error) {
	msg := jsonRPCErrorMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error reply: %w", err)
	}
	return bs, nil
}
