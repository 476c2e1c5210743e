package application

import (
	"encoding/json"
	"fmt"

	"meridian-core-oauth-proxy/internal/domain"
	"meridian-core-oauth-proxy/internal/ports"
)

// BundleCipher seals token bundles for storage and opens them for one-time
// delivery. The bundle is JSON-marshaled and handed to the platform
// encryption service; session stores only ever see the opaque triple.
type BundleCipher struct {
	encryptionSvc ports.EncryptionService
}

func NewBundleCipher(encryptionSvc ports.EncryptionService) *BundleCipher {
	return &BundleCipher{encryptionSvc: encryptionSvc}
}

// Seal encrypts a token bundle.
func (c *BundleCipher) Seal(bundle *domain.TokenBundle) (*domain.EncryptedPayload, error) {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token bundle: %w", err)
	}
	payload, err := c.encryptionSvc.Encrypt(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt token bundle: %w", err)
	}
	return payload, nil
}

// Open decrypts a stored token bundle.
func (c *BundleCipher) Open(payload *domain.EncryptedPayload) (*domain.TokenBundle, error) {
	raw, err := c.encryptionSvc.Decrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token bundle: %w", err)
	}
	var bundle domain.TokenBundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token bundle: %w", err)
	}
	return &bundle, nil
}
