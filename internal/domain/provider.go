package domain

import "time"

// ClientCredentials is the confidential OAuth client registered with the
// upstream provider. The secret never appears in logs or responses.
type ClientCredentials struct {
	ID     string
	Secret string
}

// TokenGrant is the normalized result of a token endpoint call, either a code
// exchange or a refresh.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Identity is the account behind an access token as reported by the
// provider's userinfo endpoint.
type Identity struct {
	Subject string
	Email   string
}
