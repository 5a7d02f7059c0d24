package importer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flylab/stockbook/internal/logging"
	"github.com/flylab/stockbook/internal/tabular"
)

// DefaultSessionTTL is how long an unresolved conflict session lives.
const DefaultSessionTTL = 30 * time.Minute

// Session parks the conflicting rows of one import between phases,
// together with the settings the import started with. Sessions belong
// to exactly one tenant.
type Session struct {
	ID        string
	TenantID  string
	Rows      []ConflictingRow
	Config    ImportConfig
	Mappings  []tabular.FieldMapping
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionStore keeps sessions in memory with TTL expiry. Expired
// sessions are evicted on access and by the periodic sweeper; there is
// no persistence, an abandoned wizard simply ages out.
type SessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*Session
}

// NewSessionStore creates a store; a non-positive ttl uses the default.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		ttl:      ttl,
		sessions: make(map[string]*Session),
	}
}

// Create stores the conflicting rows under a fresh session ID and
// returns it. No session is created for an empty row set; the empty
// string marks a fully clean import.
func (s *SessionStore) Create(tenantID string, rows []ConflictingRow, cfg ImportConfig, mappings []tabular.FieldMapping) string {
	if len(rows) == 0 {
		return ""
	}

	s.Sweep()

	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Rows:      rows,
		Config:    cfg,
		Mappings:  mappings,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess.ID
}

// Get returns the session if it exists, belongs to the tenant and has
// not expired. An expired session is deleted on the spot; a session
// owned by another tenant is indistinguishable from a missing one.
func (s *SessionStore) Get(id, tenantID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return nil, false
	}
	if sess.TenantID != tenantID {
		return nil, false
	}
	return sess, true
}

// Take atomically claims the session: it is removed from the store
// under the same lock that finds it, so of two concurrent callers
// exactly one receives the session and the other sees it as missing.
func (s *SessionStore) Take(id, tenantID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return nil, false
	}
	if sess.TenantID != tenantID {
		return nil, false
	}
	delete(s.sessions, id)
	return sess, true
}

// Delete removes a session. Deleting an absent ID is a no-op.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Sweep removes every expired session and returns how many went.
func (s *SessionStore) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len reports how many sessions are currently held, expired or not.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartSweeper runs Sweep on the given interval until ctx is done.
func (s *SessionStore) StartSweeper(ctx context.Context, interval time.Duration) {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				logger.Info("expired import sessions removed", "count", removed)
			}
		}
	}
}
