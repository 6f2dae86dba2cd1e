package mcphttp

import (
	"encoding/json"
	"errors"
	"sync"
)

// pendingTable maps correlation ids to the POST handlers waiting for their reply.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingReply
}

// pendingReply is one suspended POST. replies is buffered so the resolver never blocks on a
// waiter that already gave up.
type pendingReply struct {
	key      string
	clientID json.RawMessage
	replies  chan []byte
}

// ErrDuplicateRequest is returned when a request reuses the id of a request of the same session
// that is still waiting for its reply.
var ErrDuplicateRequest = errors.New("duplicate request id")

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[string]*pendingReply),
	}
}

// register adds a waiter for key. clientID is kept to address synthesized error replies.
func (t *pendingTable) register(key string, clientID json.RawMessage) (*pendingReply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[key]; ok {
		return nil, ErrDuplicateRequest
	}
	p := &pendingReply{
		key:      key,
		clientID: clientID,
		replies:  make(chan []byte, 1),
	}
	t.entries[key] = p
	pendingReplies.Inc()
	return p, nil
}

// resolve removes the entry for key and hands payload to its waiter. Unknown keys are ignored.
func (t *pendingTable) resolve(key string, payload []byte) bool {
	p := t.take(key)
	if p == nil {
		return false
	}
	p.replies <- payload
	return true
}

// fail resolves key with a synthesized internal error.
func (t *pendingTable) fail(key string, message string) bool {
	p := t.take(key)
	if p == nil {
		return false
	}
	p.replies <- p.errorPayload(message)
	return true
}

// failAll resolves every outstanding entry with a synthesized internal error.
func (t *pendingTable) failAll(message string) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingReply)
	t.mu.Unlock()

	for _, p := range entries {
		pendingReplies.Dec()
		p.replies <- p.errorPayload(message)
	}
}

// remove abandons the entry of p, if it is still the registered one.
func (t *pendingTable) remove(p *pendingReply) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.entries[p.key]; ok && cur == p {
		delete(t.entries, p.key)
		pendingReplies.Dec()
	}
}

func (t *pendingTable) take(key string) *pendingReply {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[key]
	if !ok {
		return nil
	}
	delete(t.entries, key)
	pendingReplies.Dec()
	return p
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (p *pendingReply) errorPayload(message string) []byte {
	bs, err := errorPayload(p.clientID, jsonRPCInternalErrorCode, message)
	if err != nil {
		// Only a corrupt client id can get here; answer without it.
		bs, _ = errorPayload(nil, jsonRPCInternalErrorCode, message)
	}
	return bs
}
