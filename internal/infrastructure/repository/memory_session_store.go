package repository

import (
	"context"
	"sync"
	"time"

	"meridian-core-oauth-proxy/internal/domain"
)

// MemorySessionStore is an in-process ports.SessionStore for tests and
// single-node development runs. A single mutex around every transition gives
// the same atomicity the Mongo implementation gets from conditional updates.
type MemorySessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*domain.ProxySession
	retention time.Duration
}

func NewMemorySessionStore(retention time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		sessions:  make(map[string]*domain.ProxySession),
		retention: retention,
	}
}

func (r *MemorySessionStore) Create(ctx context.Context, session *domain.ProxySession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return domain.ErrDuplicateSession
	}
	r.sessions[session.ID] = copySession(session)
	return nil
}

func (r *MemorySessionStore) Get(ctx context.Context, sessionID string) (*domain.ProxySession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return copySession(session), nil
}

func (r *MemorySessionStore) Complete(ctx context.Context, sessionID string, bundle *domain.EncryptedPayload, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if session.Status != domain.StatusPending {
		return domain.ErrInvalidState
	}

	completed := completedAt
	session.Status = domain.StatusCompleted
	session.TokenBundle = copyPayload(bundle)
	session.CompletedAt = &completed
	return nil
}

func (r *MemorySessionStore) Expire(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	if session.Status == domain.StatusPending || session.Status == domain.StatusCompleted {
		session.Status = domain.StatusExpired
	}
	return nil
}

func (r *MemorySessionStore) RetrieveAndConsume(ctx context.Context, sessionID, verifierChallenge string) (*domain.EncryptedPayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok || session.Status != domain.StatusCompleted {
		return nil, domain.ErrNotCompleted
	}
	if session.CodeChallenge != verifierChallenge {
		return nil, domain.ErrVerifierMismatch
	}
	if session.TokenBundle == nil {
		return nil, domain.ErrNotCompleted
	}

	session.Status = domain.StatusRetrieved
	return copyPayload(session.TokenBundle), nil
}

func (r *MemorySessionStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired int64
	staleCutoff := now.Add(-r.retention)
	for id, session := range r.sessions {
		switch session.Status {
		case domain.StatusPending, domain.StatusCompleted:
			if session.ExpiresAt.Before(now) {
				session.Status = domain.StatusExpired
				expired++
			}
		case domain.StatusExpired, domain.StatusRetrieved:
			if session.ExpiresAt.Before(staleCutoff) {
				delete(r.sessions, id)
			}
		}
	}
	return expired, nil
}

// copySession returns a deep copy so callers cannot mutate stored state.
func copySession(session *domain.ProxySession) *domain.ProxySession {
	copied := *session
	copied.Scopes = append([]string(nil), session.Scopes...)
	copied.TokenBundle = copyPayload(session.TokenBundle)
	if session.CompletedAt != nil {
		completedAt := *session.CompletedAt
		copied.CompletedAt = &completedAt
	}
	return &copied
}

func copyPayload(payload *domain.EncryptedPayload) *domain.EncryptedPayload {
	if payload == nil {
		return nil
	}
	copied := *payload
	return &copied
}
