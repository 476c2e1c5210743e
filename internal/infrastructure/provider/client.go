package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"meridian-core-oauth-proxy/internal/domain"
	"meridian-core-oauth-proxy/internal/ports"
)

// Endpoints holds the upstream provider's OAuth endpoints. The defaults in
// config target Google, but any authorization-code provider that supports
// PKCE and refresh tokens works.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
}

// CredentialSource yields the confidential client credentials and the
// callback URL registered with the provider.
type CredentialSource interface {
	Credentials(ctx context.Context) (domain.ClientCredentials, bool)
	CallbackURL() string
}

// Client implements ports.OAuthProvider over x/oauth2. Token calls go through
// a bounded-timeout HTTP client so a slow provider cannot pin callback
// handling.
type Client struct {
	creds      CredentialSource
	endpoints  Endpoints
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(creds CredentialSource, endpoints Endpoints, timeout time.Duration, logger zerolog.Logger) ports.OAuthProvider {
	return &Client{
		creds:      creds,
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// config assembles the oauth2 config for the current credentials.
// AuthStyleInParams sends client authentication in the form body, which the
// supported providers accept.
func (c *Client) config(ctx context.Context) (*oauth2.Config, error) {
	credentials, ok := c.creds.Credentials(ctx)
	if !ok {
		return nil, domain.ErrNotConfigured
	}
	return &oauth2.Config{
		ClientID:     credentials.ID,
		ClientSecret: credentials.Secret,
		RedirectURL:  c.creds.CallbackURL(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.endpoints.AuthorizeURL,
			TokenURL:  c.endpoints.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, nil
}

// AuthorizeURL builds the consent URL. access_type=offline and
// prompt=consent make the provider issue a refresh token on every grant.
func (c *Client) AuthorizeURL(ctx context.Context, state, codeChallenge string, scopes []string) (string, error) {
	cfg, err := c.config(ctx)
	if err != nil {
		return "", err
	}
	cfg.Scopes = scopes

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	c.logger.Info().Strs("scopes", scopes).Msg("Generated authorization URL")
	return authURL, nil
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*domain.TokenGrant, error) {
	cfg, err := c.config(ctx)
	if err != nil {
		return nil, err
	}

	token, err := cfg.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return grantFromToken(token), nil
}

// Refresh obtains a new access token from a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	cfg, err := c.config(ctx)
	if err != nil {
		return nil, err
	}

	source := cfg.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh access token: %w", err)
	}
	return grantFromToken(token), nil
}

// Identity resolves the account behind an access token via the userinfo
// endpoint. The subject is the email when present, the opaque sub otherwise.
func (c *Client) Identity(ctx context.Context, accessToken string) (*domain.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var info struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}

	subject := info.Email
	if subject == "" {
		subject = info.Sub
	}
	return &domain.Identity{Subject: subject, Email: info.Email}, nil
}

// withHTTPClient routes x/oauth2's token calls through the bounded client.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func grantFromToken(token *oauth2.Token) *domain.TokenGrant {
	grant := &domain.TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		grant.Scopes = strings.Fields(scope)
	}
	return grant
}
