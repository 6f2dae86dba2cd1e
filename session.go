package mcphttp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a logical client context spanning one or more HTTP connections.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStore keeps the sessions known to the transport. Implementations must be safe for
// concurrent use.
type SessionStore interface {
	// GetOrCreate returns the session with id, creating it if it is unknown. Client-supplied
	// ids are adopted as they are.
	GetOrCreate(ctx context.Context, id string) (Session, error)

	// Get returns the session with id, reporting false if it is unknown.
	Get(ctx context.Context, id string) (Session, bool, error)

	// Delete forgets the session with id. Deleting an unknown session is not an error.
	Delete(ctx context.Context, id string) error

	// Len returns the number of known sessions.
	Len(ctx context.Context) (int, error)
}

// MemorySessionStore is a SessionStore living in process memory. Sessions last as long as the
// store.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemorySessionStore creates an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]Session),
	}
}

func (m *MemorySessionStore) GetOrCreate(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		return sess, nil
	}
	sess := Session{ID: id, CreatedAt: time.Now()}
	m.sessions[id] = sess
	return sess, nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	return sess, ok, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func (m *MemorySessionStore) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions), nil
}

func newSessionID() string {
	return uuid.New().String()
}
