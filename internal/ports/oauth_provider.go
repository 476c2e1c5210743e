package ports

import (
	"context"

	"meridian-core-oauth-proxy/internal/domain"
)

// OAuthProvider abstracts the upstream provider's authorize, token and
// userinfo endpoints.
type OAuthProvider interface {
	// AuthorizeURL builds the consent URL for the given state and PKCE
	// challenge. It never contacts the provider.
	AuthorizeURL(ctx context.Context, state, codeChallenge string, scopes []string) (string, error)
	// Exchange trades an authorization code for tokens using the confidential
	// client and the registered callback URL.
	Exchange(ctx context.Context, code string) (*domain.TokenGrant, error)
	// Refresh obtains a new access token from a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenGrant, error)
	// Identity resolves the account behind an access token.
	Identity(ctx context.Context, accessToken string) (*domain.Identity, error)
}
