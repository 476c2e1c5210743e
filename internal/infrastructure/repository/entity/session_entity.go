package entity

import (
	"time"

	"meridian-core-oauth-proxy/internal/domain"
)

// MongoSessionDoc represents a delegation session in MongoDB. The session id
// is the document id, so duplicate Create calls surface as duplicate key
// errors without an extra index.
type MongoSessionDoc struct {
	ID            string              `bson:"_id"`
	CodeChallenge string              `bson:"code_challenge"`
	Scopes        []string            `bson:"scopes"`
	Status        string              `bson:"status"`
	TokenBundle   *EncryptedFieldsDoc `bson:"token_bundle,omitempty"`
	CreatedAt     time.Time           `bson:"created_at"`
	CompletedAt   *time.Time          `bson:"completed_at,omitempty"`
	ExpiresAt     time.Time           `bson:"expires_at"`
}

// EncryptedFieldsDoc holds an opaque encrypted payload.
type EncryptedFieldsDoc struct {
	Ciphertext string `bson:"ciphertext"`
	IV         string `bson:"iv"`
	AuthTag    string `bson:"auth_tag"`
}

// ToDomain converts the MongoDB document to a domain entity.
func (d *MongoSessionDoc) ToDomain() *domain.ProxySession {
	return &domain.ProxySession{
		ID:            d.ID,
		CodeChallenge: d.CodeChallenge,
		Scopes:        d.Scopes,
		Status:        domain.SessionStatus(d.Status),
		TokenBundle:   d.TokenBundle.ToDomain(),
		CreatedAt:     d.CreatedAt,
		CompletedAt:   d.CompletedAt,
		ExpiresAt:     d.ExpiresAt,
	}
}

// ToDomain converts the encrypted payload document, tolerating nil.
func (d *EncryptedFieldsDoc) ToDomain() *domain.EncryptedPayload {
	if d == nil {
		return nil
	}
	return &domain.EncryptedPayload{
		Ciphertext: d.Ciphertext,
		IV:         d.IV,
		AuthTag:    d.AuthTag,
	}
}

// SessionDocFromDomain converts a domain entity to its MongoDB document.
func SessionDocFromDomain(session *domain.ProxySession) *MongoSessionDoc {
	return &MongoSessionDoc{
		ID:            session.ID,
		CodeChallenge: session.CodeChallenge,
		Scopes:        session.Scopes,
		Status:        string(session.Status),
		TokenBundle:   EncryptedFieldsFromDomain(session.TokenBundle),
		CreatedAt:     session.CreatedAt,
		CompletedAt:   session.CompletedAt,
		ExpiresAt:     session.ExpiresAt,
	}
}

// EncryptedFieldsFromDomain converts an encrypted payload, tolerating nil.
func EncryptedFieldsFromDomain(payload *domain.EncryptedPayload) *EncryptedFieldsDoc {
	if payload == nil {
		return nil
	}
	return &EncryptedFieldsDoc{
		Ciphertext: payload.Ciphertext,
		IV:         payload.IV,
		AuthTag:    payload.AuthTag,
	}
}
