package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"meridian-core-oauth-proxy/internal/domain"
)

const tagSize = 16

// Service implements ports.EncryptionService with AES-256-GCM. Ciphertext, IV
// and auth tag are stored as separate base64 fields so payloads stay readable
// to the other services sharing the platform encryption key.
type Service struct {
	aead cipher.AEAD
}

// NewService builds the service from a 64-character hex key (32 bytes).
func NewService(hexKey string) (*Service, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 64 hex characters (32 bytes)")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Service{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (s *Service) Encrypt(plaintext string) (*domain.EncryptedPayload, error) {
	iv := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := s.aead.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - tagSize
	return &domain.EncryptedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(sealed[split:]),
	}, nil
}

// Decrypt opens a payload produced by Encrypt. Tampering with any of the
// three fields fails authentication.
func (s *Service) Decrypt(payload *domain.EncryptedPayload) (string, error) {
	if payload == nil {
		return "", errors.New("nil encrypted payload")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return "", fmt.Errorf("failed to decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(payload.AuthTag)
	if err != nil {
		return "", fmt.Errorf("failed to decode auth tag: %w", err)
	}
	if len(iv) != s.aead.NonceSize() {
		return "", errors.New("invalid iv length")
	}

	plaintext, err := s.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return string(plaintext), nil
}
