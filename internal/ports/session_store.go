package ports

import (
	"context"
	"time"

	"meridian-core-oauth-proxy/internal/domain"
)

// SessionStore defines the persistence contract for delegation sessions.
//
// Get returns (nil, nil) when the session does not exist. Transitions are
// conditional on the current status: Complete only applies to pending
// sessions and Expire only to pending or completed ones. RetrieveAndConsume
// checks the status, compares the stored challenge against
// verifierChallenge and moves the session to retrieved as one atomic
// update, so concurrent pollers cannot both receive the bundle. It returns
// domain.ErrNotCompleted when the session is absent or not completed and
// domain.ErrVerifierMismatch when only the challenge comparison fails; a
// mismatch must leave the session completed.
type SessionStore interface {
	Create(ctx context.Context, session *domain.ProxySession) error
	Get(ctx context.Context, sessionID string) (*domain.ProxySession, error)
	Complete(ctx context.Context, sessionID string, bundle *domain.EncryptedPayload, completedAt time.Time) error
	Expire(ctx context.Context, sessionID string) error
	RetrieveAndConsume(ctx context.Context, sessionID, verifierChallenge string) (*domain.EncryptedPayload, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}
