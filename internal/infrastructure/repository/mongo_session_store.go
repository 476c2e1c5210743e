package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"meridian-core-oauth-proxy/internal/domain"
	"meridian-core-oauth-proxy/internal/infrastructure/repository/entity"
	"meridian-core-oauth-proxy/internal/ports"
)

// MongoSessionStore implements ports.SessionStore on a MongoDB collection.
// Every transition filters on the current status, so the conditional update
// is what enforces the lifecycle rather than a read-modify-write.
type MongoSessionStore struct {
	collection *mongo.Collection
	retention  time.Duration
}

// NewMongoSessionStore creates a session store backed by the proxy_sessions
// collection. Terminal sessions older than retention are deleted by the
// sweep.
func NewMongoSessionStore(db *mongo.Database, retention time.Duration) ports.SessionStore {
	return &MongoSessionStore{
		collection: db.Collection("proxy_sessions"),
		retention:  retention,
	}
}

// Create inserts a new pending session. The session id is the document id,
// so a second Create with the same id reports domain.ErrDuplicateSession.
func (r *MongoSessionStore) Create(ctx context.Context, session *domain.ProxySession) error {
	indexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "expires_at", Value: 1},
		},
	}
	_, _ = r.collection.Indexes().CreateOne(ctx, indexModel)

	_, err := r.collection.InsertOne(ctx, entity.SessionDocFromDomain(session))
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrDuplicateSession
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get fetches a session by id. Returns nil when not found.
func (r *MongoSessionStore) Get(ctx context.Context, sessionID string) (*domain.ProxySession, error) {
	var doc entity.MongoSessionDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return doc.ToDomain(), nil
}

// Complete attaches the encrypted bundle and moves a pending session to
// completed. Sessions in any other state are left untouched.
func (r *MongoSessionStore) Complete(ctx context.Context, sessionID string, bundle *domain.EncryptedPayload, completedAt time.Time) error {
	filter := bson.M{"_id": sessionID, "status": string(domain.StatusPending)}
	update := bson.M{"$set": bson.M{
		"status":       string(domain.StatusCompleted),
		"token_bundle": entity.EncryptedFieldsFromDomain(bundle),
		"completed_at": completedAt,
	}}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	if result.MatchedCount == 0 {
		current, err := r.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrSessionNotFound
		}
		return domain.ErrInvalidState
	}
	return nil
}

// Expire moves a pending or completed session to expired. Terminal sessions
// are left untouched; expiring an already-expired or missing session is not
// an error.
func (r *MongoSessionStore) Expire(ctx context.Context, sessionID string) error {
	filter := bson.M{
		"_id":    sessionID,
		"status": bson.M{"$in": []string{string(domain.StatusPending), string(domain.StatusCompleted)}},
	}
	update := bson.M{"$set": bson.M{"status": string(domain.StatusExpired)}}

	if _, err := r.collection.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to expire session: %w", err)
	}
	return nil
}

// RetrieveAndConsume moves a completed session whose stored challenge equals
// verifierChallenge to retrieved and returns its bundle. The status check,
// the challenge comparison and the transition are a single conditional
// update; losers of a concurrent race observe ErrNotCompleted.
func (r *MongoSessionStore) RetrieveAndConsume(ctx context.Context, sessionID, verifierChallenge string) (*domain.EncryptedPayload, error) {
	filter := bson.M{
		"_id":            sessionID,
		"status":         string(domain.StatusCompleted),
		"code_challenge": verifierChallenge,
	}
	update := bson.M{"$set": bson.M{"status": string(domain.StatusRetrieved)}}

	var doc entity.MongoSessionDoc
	err := r.collection.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(&doc)
	if err == nil {
		if doc.TokenBundle == nil {
			return nil, domain.ErrNotCompleted
		}
		return doc.TokenBundle.ToDomain(), nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, fmt.Errorf("failed to consume session: %w", err)
	}

	// Classify the refusal without weakening the guard above. The session may
	// have been consumed or swept between the caller's lookup and this update.
	current, getErr := r.Get(ctx, sessionID)
	if getErr != nil {
		return nil, getErr
	}
	if current == nil || current.Status != domain.StatusCompleted {
		return nil, domain.ErrNotCompleted
	}
	return nil, domain.ErrVerifierMismatch
}

// SweepExpired moves pending and completed sessions past their TTL to
// expired and deletes terminal sessions older than the retention horizon.
// Returns the number of sessions newly expired.
func (r *MongoSessionStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	filter := bson.M{
		"status":     bson.M{"$in": []string{string(domain.StatusPending), string(domain.StatusCompleted)}},
		"expires_at": bson.M{"$lt": now},
	}
	update := bson.M{"$set": bson.M{"status": string(domain.StatusExpired)}}

	result, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}

	staleFilter := bson.M{
		"status":     bson.M{"$in": []string{string(domain.StatusExpired), string(domain.StatusRetrieved)}},
		"expires_at": bson.M{"$lt": now.Add(-r.retention)},
	}
	if _, err := r.collection.DeleteMany(ctx, staleFilter); err != nil {
		return result.ModifiedCount, fmt.Errorf("failed to delete stale sessions: %w", err)
	}
	return result.ModifiedCount, nil
}
