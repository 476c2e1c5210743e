package domain

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"time"
)

// SessionStatus tracks where a delegation session sits in its lifecycle.
// Pending sessions become completed (provider callback) or expired (TTL,
// failure). Completed sessions become retrieved (one-time delivery) or
// expired. Retrieved and expired are terminal.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusCompleted SessionStatus = "completed"
	StatusRetrieved SessionStatus = "retrieved"
	StatusExpired   SessionStatus = "expired"
)

var sessionIDPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ValidSessionID reports whether id is exactly 64 lowercase hex characters.
// The id doubles as the OAuth state parameter, so the format is enforced at
// the boundary rather than generated here.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ProxySession represents one delegated authorization attempt on behalf of an
// external instance. The instance supplies the id and the PKCE challenge; the
// proxy never sees the verifier until retrieval time.
type ProxySession struct {
	ID            string            `json:"id"`
	CodeChallenge string            `json:"code_challenge"`
	Scopes        []string          `json:"scopes"`
	Status        SessionStatus     `json:"status"`
	TokenBundle   *EncryptedPayload `json:"token_bundle,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// EncryptedPayload is an opaque ciphertext triple as produced by the
// encryption service. Session stores round-trip it without interpreting the
// fields.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
}

// TokenBundle is the decrypted token material delivered to the external
// instance exactly once.
type TokenBundle struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scopes       []string  `json:"scopes"`
	Subject      string    `json:"subject"`
}

// ChallengeS256 derives the PKCE S256 code challenge for a verifier:
// base64url without padding over the SHA-256 digest (RFC 7636).
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
