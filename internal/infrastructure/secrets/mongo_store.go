package secrets

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"meridian-core-oauth-proxy/internal/domain"
	"meridian-core-oauth-proxy/internal/ports"
)

// MongoStore keeps named secrets encrypted at rest in a MongoDB collection.
// Values are sealed with the platform encryption key before they are written
// and opened on every read, so a database snapshot alone never exposes the
// OAuth client secret.
type MongoStore struct {
	collection    *mongo.Collection
	encryptionSvc ports.EncryptionService
}

type secretDoc struct {
	Name       string    `bson:"_id"`
	Ciphertext string    `bson:"ciphertext"`
	IV         string    `bson:"iv"`
	AuthTag    string    `bson:"auth_tag"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func NewMongoStore(db *mongo.Database, encryptionSvc ports.EncryptionService) ports.SecretStore {
	return &MongoStore{
		collection:    db.Collection("proxy_secrets"),
		encryptionSvc: encryptionSvc,
	}
}

// GetSecret returns the decrypted secret value, or "" when not provisioned.
func (s *MongoStore) GetSecret(ctx context.Context, name string) (string, error) {
	var doc secretDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", name, err)
	}

	value, err := s.encryptionSvc.Decrypt(&domain.EncryptedPayload{
		Ciphertext: doc.Ciphertext,
		IV:         doc.IV,
		AuthTag:    doc.AuthTag,
	})
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret %s: %w", name, err)
	}
	return value, nil
}

// SetSecret encrypts and upserts a secret value.
func (s *MongoStore) SetSecret(ctx context.Context, name, value string) error {
	payload, err := s.encryptionSvc.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret %s: %w", name, err)
	}

	filter := bson.M{"_id": name}
	update := bson.M{"$set": bson.M{
		"ciphertext": payload.Ciphertext,
		"iv":         payload.IV,
		"auth_tag":   payload.AuthTag,
		"updated_at": time.Now(),
	}}

	_, err = s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store secret %s: %w", name, err)
	}
	return nil
}
