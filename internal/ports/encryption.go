package ports

import "meridian-core-oauth-proxy/internal/domain"

// EncryptionService is the symmetric primitive used to protect token bundles
// and stored secrets at rest. Decrypt must reject any payload whose
// ciphertext, IV or auth tag has been altered.
type EncryptionService interface {
	Encrypt(plaintext string) (*domain.EncryptedPayload, error)
	Decrypt(payload *domain.EncryptedPayload) (string, error)
}
