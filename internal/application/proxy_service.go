package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"meridian-core-oauth-proxy/internal/domain"
	"meridian-core-oauth-proxy/internal/ports"
)

// ProxyService orchestrates the delegated authorization flow. Start registers
// a session and issues the provider consent URL, Callback completes the
// session with encrypted tokens, RetrieveTokens hands the bundle to the
// external instance exactly once, and Refresh rotates access tokens without
// touching session state.
type ProxyService struct {
	store    ports.SessionStore
	provider ports.OAuthProvider
	limiter  ports.RateLimiter
	creds    *CredentialLoader
	cipher   *BundleCipher
	logger   zerolog.Logger

	enabled       bool
	sessionTTL    time.Duration
	defaultScopes []string
	now           func() time.Time
}

// ProxyServiceConfig carries the engine tunables.
type ProxyServiceConfig struct {
	Enabled       bool
	SessionTTL    time.Duration
	DefaultScopes []string
}

func NewProxyService(
	store ports.SessionStore,
	provider ports.OAuthProvider,
	limiter ports.RateLimiter,
	creds *CredentialLoader,
	cipher *BundleCipher,
	logger zerolog.Logger,
	cfg ProxyServiceConfig,
) *ProxyService {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ProxyService{
		store:         store,
		provider:      provider,
		limiter:       limiter,
		creds:         creds,
		cipher:        cipher,
		logger:        logger,
		enabled:       cfg.Enabled,
		sessionTTL:    ttl,
		defaultScopes: cfg.DefaultScopes,
		now:           time.Now,
	}
}

// CallbackResult reports who completed consent, for the success page.
type CallbackResult struct {
	Subject string
}

// RetrieveResult is the poll response. Tokens is set only when Status is
// completed; expired also covers sessions that were already retrieved so
// callers cannot probe for past deliveries.
type RetrieveResult struct {
	Status domain.SessionStatus
	Tokens *domain.TokenBundle
}

// RefreshResult carries the rotated access token.
type RefreshResult struct {
	AccessToken string
	ExpiresAt   time.Time
}

// StatusResult describes proxy availability.
type StatusResult struct {
	Enabled     bool
	Configured  bool
	CallbackURL string
}

// Start registers a new delegation session and returns the provider
// authorization URL. The caller supplies the session id, which doubles as
// the OAuth state parameter, and the PKCE challenge; the proxy stores the
// challenge verbatim and never sees the verifier here.
func (s *ProxyService) Start(ctx context.Context, sessionID, codeChallenge string, scopes []string, sourceIP string) (string, error) {
	if !s.enabled {
		return "", domain.ErrNotEnabled
	}
	if !s.creds.Configured(ctx) {
		return "", domain.ErrNotConfigured
	}
	if err := s.checkRate(ctx, ports.RateStart, sourceIP); err != nil {
		return "", err
	}
	if !domain.ValidSessionID(sessionID) {
		return "", fmt.Errorf("%w: sessionId must be 64 lowercase hex characters", domain.ErrInvalidInput)
	}
	if codeChallenge == "" {
		return "", fmt.Errorf("%w: codeChallenge is required", domain.ErrInvalidInput)
	}
	if len(scopes) == 0 {
		scopes = s.defaultScopes
	}

	now := s.now()
	session := &domain.ProxySession{
		ID:            sessionID,
		CodeChallenge: codeChallenge,
		Scopes:        scopes,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.sessionTTL),
	}
	if err := s.store.Create(ctx, session); err != nil {
		if errors.Is(err, domain.ErrDuplicateSession) {
			return "", err
		}
		startsTotal.WithLabelValues(outcomeError).Inc()
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	authURL, err := s.provider.AuthorizeURL(ctx, sessionID, codeChallenge, scopes)
	if err != nil {
		// A session without a consent URL can never complete.
		s.expireQuietly(ctx, sessionID)
		startsTotal.WithLabelValues(outcomeError).Inc()
		return "", fmt.Errorf("failed to build authorization URL: %w", err)
	}

	startsTotal.WithLabelValues(outcomeOK).Inc()
	s.logger.Info().
		Str("session", shortSessionID(sessionID)).
		Strs("scopes", scopes).
		Msg("Delegation session started")
	return authURL, nil
}

// Callback finishes the provider leg of the flow. Any failure after the
// session is found pending expires it, so an authorization code bound to
// this session cannot be replayed against a still-live session.
func (s *ProxyService) Callback(ctx context.Context, code, state, errorCode, errorDescription string) (*CallbackResult, error) {
	if !s.enabled {
		return nil, domain.ErrNotEnabled
	}

	if errorCode != "" {
		if state != "" {
			s.expireQuietly(ctx, state)
		}
		callbacksTotal.WithLabelValues(outcomeError).Inc()
		s.logger.Warn().
			Str("error", errorCode).
			Str("session", shortSessionID(state)).
			Msg("Provider reported authorization error")
		return nil, &domain.ProviderDeniedError{Code: errorCode, Description: errorDescription}
	}
	if code == "" || state == "" {
		return nil, fmt.Errorf("%w: code and state are required", domain.ErrInvalidInput)
	}

	session, err := s.store.Get(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if session == nil || session.Status != domain.StatusPending {
		// No pending session for this state: nothing to expire, nothing to
		// reveal about whether one ever existed.
		return nil, domain.ErrInvalidOrExpiredSession
	}

	result, err := s.completeSession(ctx, session, code)
	if err != nil {
		s.expireQuietly(ctx, state)
		callbacksTotal.WithLabelValues(outcomeError).Inc()
		return nil, err
	}

	callbacksTotal.WithLabelValues(outcomeOK).Inc()
	return result, nil
}

func (s *ProxyService) completeSession(ctx context.Context, session *domain.ProxySession, code string) (*CallbackResult, error) {
	grant, err := s.provider.Exchange(ctx, code)
	if err != nil {
		s.logger.Error().Err(err).Str("session", shortSessionID(session.ID)).Msg("Code exchange failed")
		return nil, fmt.Errorf("%w: %v", domain.ErrProvider, err)
	}
	if grant.AccessToken == "" || grant.RefreshToken == "" {
		s.logger.Error().
			Bool("access_token_present", grant.AccessToken != "").
			Bool("refresh_token_present", grant.RefreshToken != "").
			Str("session", shortSessionID(session.ID)).
			Msg("Provider token response incomplete")
		return nil, domain.ErrIncompleteTokenResponse
	}

	identity, err := s.provider.Identity(ctx, grant.AccessToken)
	if err != nil {
		s.logger.Error().Err(err).Str("session", shortSessionID(session.ID)).Msg("Identity lookup failed")
		return nil, fmt.Errorf("%w: %v", domain.ErrProvider, err)
	}
	if identity.Subject == "" {
		return nil, fmt.Errorf("%w: provider reported no subject", domain.ErrIncompleteTokenResponse)
	}

	scopes := grant.Scopes
	if len(scopes) == 0 {
		scopes = session.Scopes
	}
	payload, err := s.cipher.Seal(&domain.TokenBundle{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		Scopes:       scopes,
		Subject:      identity.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to seal token bundle: %w", err)
	}

	if err := s.store.Complete(ctx, session.ID, payload, s.now()); err != nil {
		return nil, fmt.Errorf("failed to complete session: %w", err)
	}

	s.logger.Info().
		Str("session", shortSessionID(session.ID)).
		Str("subject", identity.Subject).
		Msg("Delegation session completed")
	return &CallbackResult{Subject: identity.Subject}, nil
}

// RetrieveTokens hands the decrypted bundle to the caller exactly once. The
// verifier is hashed and compared against the stored challenge inside the
// store's atomic consume, so concurrent polls produce a single winner. A
// mismatched verifier leaves the session completed; the poll rate limit
// bounds how often that can be retried.
func (s *ProxyService) RetrieveTokens(ctx context.Context, sessionID, codeVerifier, sourceIP string) (*RetrieveResult, error) {
	if !s.enabled {
		return nil, domain.ErrNotEnabled
	}
	if err := s.checkRate(ctx, ports.RatePoll, sourceIP); err != nil {
		return nil, err
	}
	if !domain.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("%w: sessionId must be 64 lowercase hex characters", domain.ErrInvalidInput)
	}
	if codeVerifier == "" {
		return nil, fmt.Errorf("%w: codeVerifier is required", domain.ErrInvalidInput)
	}

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}

	switch session.Status {
	case domain.StatusPending:
		return &RetrieveResult{Status: domain.StatusPending}, nil
	case domain.StatusExpired, domain.StatusRetrieved:
		return &RetrieveResult{Status: domain.StatusExpired}, nil
	}

	payload, err := s.store.RetrieveAndConsume(ctx, sessionID, domain.ChallengeS256(codeVerifier))
	if errors.Is(err, domain.ErrVerifierMismatch) {
		s.logger.Warn().Str("session", shortSessionID(sessionID)).Msg("Token retrieval with mismatched verifier")
		return nil, domain.ErrVerifierMismatch
	}
	if errors.Is(err, domain.ErrNotCompleted) {
		// Lost a consume race or was swept between the lookup and the
		// conditional update; indistinguishable from expired for the caller.
		return &RetrieveResult{Status: domain.StatusExpired}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume session: %w", err)
	}

	bundle, err := s.cipher.Open(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to open token bundle: %w", err)
	}

	tokenDeliveriesTotal.Inc()
	s.logger.Info().Str("session", shortSessionID(sessionID)).Msg("Token bundle delivered")
	return &RetrieveResult{Status: domain.StatusCompleted, Tokens: bundle}, nil
}

// Refresh exchanges a refresh token for a new access token. Possession of
// the refresh token is the credential; no session state is involved.
func (s *ProxyService) Refresh(ctx context.Context, refreshToken, sourceIP string) (*RefreshResult, error) {
	if !s.enabled {
		return nil, domain.ErrNotEnabled
	}
	if !s.creds.Configured(ctx) {
		return nil, domain.ErrNotConfigured
	}
	if err := s.checkRate(ctx, ports.RateRefresh, sourceIP); err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refreshToken is required", domain.ErrInvalidInput)
	}

	grant, err := s.provider.Refresh(ctx, refreshToken)
	if err != nil {
		refreshesTotal.WithLabelValues(outcomeError).Inc()
		s.logger.Warn().Err(err).Msg("Refresh token exchange failed")
		return nil, fmt.Errorf("%w: %v", domain.ErrRefreshFailed, err)
	}
	if grant.AccessToken == "" {
		refreshesTotal.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("%w: provider returned no access token", domain.ErrRefreshFailed)
	}

	refreshesTotal.WithLabelValues(outcomeOK).Inc()
	return &RefreshResult{AccessToken: grant.AccessToken, ExpiresAt: grant.ExpiresAt}, nil
}

// Status reports proxy availability. It is intentionally unauthenticated and
// exposes nothing sensitive.
func (s *ProxyService) Status(ctx context.Context) StatusResult {
	return StatusResult{
		Enabled:     s.enabled,
		Configured:  s.creds.Configured(ctx),
		CallbackURL: s.creds.CallbackURL(),
	}
}

// checkRate consults the limiter and converts denials into RateLimitError.
func (s *ProxyService) checkRate(ctx context.Context, category ports.RateCategory, sourceIP string) error {
	decision := s.limiter.Check(ctx, category, sourceIP)
	if decision.Allowed {
		return nil
	}
	rateLimitedTotal.WithLabelValues(string(category)).Inc()
	s.logger.Warn().
		Str("category", string(category)).
		Str("source_ip", sourceIP).
		Int("retry_after_seconds", decision.RetryAfterSeconds).
		Msg("Request rate limited")
	return &domain.RateLimitError{Category: string(category), RetryAfterSeconds: decision.RetryAfterSeconds}
}

// expireQuietly expires a session best-effort on failure paths where the
// original error must win.
func (s *ProxyService) expireQuietly(ctx context.Context, sessionID string) {
	if err := s.store.Expire(ctx, sessionID); err != nil {
		s.logger.Error().Err(err).Str("session", shortSessionID(sessionID)).Msg("Failed to expire session")
	}
}

// shortSessionID truncates a session id for logging. The full id is a shared
// secret between the proxy and the external instance.
func shortSessionID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
