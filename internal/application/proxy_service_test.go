package application

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian-core-oauth-proxy/internal/domain"
	"meridian-core-oauth-proxy/internal/infrastructure/encryption"
	"meridian-core-oauth-proxy/internal/infrastructure/ratelimit"
	"meridian-core-oauth-proxy/internal/infrastructure/repository"
	"meridian-core-oauth-proxy/internal/infrastructure/secrets"
	"meridian-core-oauth-proxy/internal/ports"
)

// Hex encoding of a 32-byte key.
const testEncryptionKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

var tokenExpiry = time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)

type stubProvider struct {
	authorizeURLFn func(ctx context.Context, state, codeChallenge string, scopes []string) (string, error)
	exchangeFn     func(ctx context.Context, code string) (*domain.TokenGrant, error)
	refreshFn      func(ctx context.Context, refreshToken string) (*domain.TokenGrant, error)
	identityFn     func(ctx context.Context, accessToken string) (*domain.Identity, error)
}

func (p *stubProvider) AuthorizeURL(ctx context.Context, state, codeChallenge string, scopes []string) (string, error) {
	if p.authorizeURLFn != nil {
		return p.authorizeURLFn(ctx, state, codeChallenge, scopes)
	}
	return "https://provider.example.com/auth?state=" + state, nil
}

func (p *stubProvider) Exchange(ctx context.Context, code string) (*domain.TokenGrant, error) {
	if p.exchangeFn != nil {
		return p.exchangeFn(ctx, code)
	}
	return &domain.TokenGrant{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    tokenExpiry,
	}, nil
}

func (p *stubProvider) Refresh(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	if p.refreshFn != nil {
		return p.refreshFn(ctx, refreshToken)
	}
	return &domain.TokenGrant{AccessToken: "rotated-access-token", ExpiresAt: tokenExpiry}, nil
}

func (p *stubProvider) Identity(ctx context.Context, accessToken string) (*domain.Identity, error) {
	if p.identityFn != nil {
		return p.identityFn(ctx, accessToken)
	}
	return &domain.Identity{Subject: "u@x.com", Email: "u@x.com"}, nil
}

type testFixture struct {
	service  *ProxyService
	store    ports.SessionStore
	provider *stubProvider
	now      time.Time
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	encryptionSvc, err := encryption.NewService(testEncryptionKey)
	require.NoError(t, err)

	limiter := ratelimit.NewSlidingWindow(ratelimit.DefaultPolicies(), time.Hour, zerolog.Nop())
	t.Cleanup(limiter.Stop)

	secretStore := secrets.NewStaticStore(map[string]string{
		SecretClientID:     "client-id",
		SecretClientSecret: "client-secret",
	})
	loader := NewCredentialLoader(secretStore, CallbackURLConfig{
		Override: "https://proxy.example.com/callback",
	}, func(string) string { return "" }, zerolog.Nop())

	f := &testFixture{
		store:    repository.NewMemorySessionStore(24 * time.Hour),
		provider: &stubProvider{},
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.service = NewProxyService(
		f.store,
		f.provider,
		limiter,
		loader,
		NewBundleCipher(encryptionSvc),
		zerolog.Nop(),
		ProxyServiceConfig{
			Enabled:       true,
			SessionTTL:    10 * time.Minute,
			DefaultScopes: []string{"openid", "email"},
		},
	)
	f.service.now = func() time.Time { return f.now }
	return f
}

func validSessionID(prefix string) string {
	return prefix + strings.Repeat("0", 64-len(prefix))
}

func (f *testFixture) mustStart(t *testing.T, sessionID, verifier string, scopes []string) {
	t.Helper()
	_, err := f.service.Start(context.Background(), sessionID, domain.ChallengeS256(verifier), scopes, "10.0.0.1")
	require.NoError(t, err)
}

func (f *testFixture) mustComplete(t *testing.T, sessionID string) {
	t.Helper()
	_, err := f.service.Callback(context.Background(), "auth-code", sessionID, "", "")
	require.NoError(t, err)
}

func (f *testFixture) sessionStatus(t *testing.T, sessionID string) domain.SessionStatus {
	t.Helper()
	session, err := f.store.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	return session.Status
}

func TestStartCreatesPendingSession(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	id := validSessionID("a1")
	challenge := domain.ChallengeS256("verifier-1")

	var gotState, gotChallenge string
	f.provider.authorizeURLFn = func(ctx context.Context, state, codeChallenge string, scopes []string) (string, error) {
		gotState, gotChallenge = state, codeChallenge
		return "https://provider.example.com/auth?state=" + state, nil
	}

	authURL, err := f.service.Start(ctx, id, challenge, []string{"read"}, "10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, authURL, id)
	assert.Equal(t, id, gotState, "session id doubles as the state parameter")
	assert.Equal(t, challenge, gotChallenge)

	session, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, domain.StatusPending, session.Status)
	assert.Equal(t, challenge, session.CodeChallenge, "challenge is stored verbatim")
	assert.Equal(t, []string{"read"}, session.Scopes)
	assert.Equal(t, f.now, session.CreatedAt)
	assert.Equal(t, f.now.Add(10*time.Minute), session.ExpiresAt)
}

func TestStartAppliesDefaultScopes(t *testing.T) {
	f := newTestFixture(t)
	var gotScopes []string
	f.provider.authorizeURLFn = func(ctx context.Context, state, codeChallenge string, scopes []string) (string, error) {
		gotScopes = scopes
		return "https://provider.example.com/auth", nil
	}

	f.mustStart(t, validSessionID("a1"), "verifier-1", nil)
	assert.Equal(t, []string{"openid", "email"}, gotScopes)
}

func TestStartValidatesInput(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	for _, id := range []string{
		"",
		"short",
		strings.Repeat("A", 64),
		strings.Repeat("z", 64),
		strings.Repeat("a", 65),
	} {
		_, err := f.service.Start(ctx, id, "challenge", nil, "10.0.0.1")
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "id %q", id)
	}

	_, err := f.service.Start(ctx, validSessionID("a1"), "", nil, "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestStartRejectsDuplicateSession(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)

	_, err := f.service.Start(context.Background(), id, domain.ChallengeS256("verifier-2"), nil, "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrDuplicateSession)

	// The original session is untouched.
	session, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengeS256("verifier-1"), session.CodeChallenge)
}

func TestStartDisabled(t *testing.T) {
	f := newTestFixture(t)
	f.service.enabled = false

	_, err := f.service.Start(context.Background(), validSessionID("a1"), "challenge", nil, "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrNotEnabled)
}

func TestStartNotConfigured(t *testing.T) {
	f := newTestFixture(t)
	f.service.creds = NewCredentialLoader(secrets.NewStaticStore(nil), CallbackURLConfig{}, func(string) string { return "" }, zerolog.Nop())

	_, err := f.service.Start(context.Background(), validSessionID("a1"), "challenge", nil, "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestStartRateLimited(t *testing.T) {
	f := newTestFixture(t)
	limiter := ratelimit.NewSlidingWindow(map[ports.RateCategory]ratelimit.Policy{
		ports.RateStart: {Max: 2, Window: time.Minute},
	}, time.Hour, zerolog.Nop())
	t.Cleanup(limiter.Stop)
	f.service.limiter = limiter

	f.mustStart(t, validSessionID("a1"), "verifier-1", nil)
	f.mustStart(t, validSessionID("a2"), "verifier-2", nil)

	_, err := f.service.Start(context.Background(), validSessionID("a3"), "challenge", nil, "10.0.0.1")
	var rateErr *domain.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Positive(t, rateErr.RetryAfterSeconds)
	assert.Equal(t, "start", rateErr.Category)

	// Another IP is not affected.
	_, err = f.service.Start(context.Background(), validSessionID("a4"), domain.ChallengeS256("verifier-4"), nil, "10.0.0.2")
	assert.NoError(t, err)
}

func TestCallbackCompletesSession(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", []string{"read"})

	result, err := f.service.Callback(context.Background(), "auth-code", id, "", "")
	require.NoError(t, err)
	assert.Equal(t, "u@x.com", result.Subject)

	session, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, session.Status)
	assert.NotNil(t, session.TokenBundle)
	require.NotNil(t, session.CompletedAt)
	assert.Equal(t, f.now, *session.CompletedAt)
}

func TestCallbackProviderErrorExpiresSession(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)

	_, err := f.service.Callback(context.Background(), "", id, "access_denied", "User denied access")
	var denied *domain.ProviderDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "access_denied", denied.Code)

	assert.Equal(t, domain.StatusExpired, f.sessionStatus(t, id), "denied consent must not leave the session pending")
}

func TestCallbackProviderErrorWithoutState(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.service.Callback(context.Background(), "", "", "server_error", "")
	var denied *domain.ProviderDeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestCallbackMissingParams(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)

	_, err := f.service.Callback(context.Background(), "", id, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.service.Callback(context.Background(), "auth-code", "", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCallbackUnknownState(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.service.Callback(context.Background(), "auth-code", validSessionID("ff"), "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredSession)
}

func TestCallbackReplayLeavesCompletedSession(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)
	f.mustComplete(t, id)

	_, err := f.service.Callback(context.Background(), "auth-code", id, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredSession)
	assert.Equal(t, domain.StatusCompleted, f.sessionStatus(t, id), "a replayed callback must not disturb a completed session")
}

func TestCallbackExchangeFailureFailsClosed(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)

	f.provider.exchangeFn = func(ctx context.Context, code string) (*domain.TokenGrant, error) {
		return nil, assert.AnError
	}

	_, err := f.service.Callback(context.Background(), "auth-code", id, "", "")
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, domain.StatusExpired, f.sessionStatus(t, id))
}

func TestCallbackIncompleteTokenResponseFailsClosed(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)

	f.provider.exchangeFn = func(ctx context.Context, code string) (*domain.TokenGrant, error) {
		return &domain.TokenGrant{AccessToken: "access-token"}, nil
	}

	_, err := f.service.Callback(context.Background(), "auth-code", id, "", "")
	assert.ErrorIs(t, err, domain.ErrIncompleteTokenResponse)
	assert.Equal(t, domain.StatusExpired, f.sessionStatus(t, id))
}

func TestCallbackIdentityFailureFailsClosed(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)

	f.provider.identityFn = func(ctx context.Context, accessToken string) (*domain.Identity, error) {
		return nil, assert.AnError
	}

	_, err := f.service.Callback(context.Background(), "auth-code", id, "", "")
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, domain.StatusExpired, f.sessionStatus(t, id))
}

func TestCallbackAfterSweepIsRejected(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)

	_, err := f.store.SweepExpired(context.Background(), f.now.Add(11*time.Minute))
	require.NoError(t, err)

	_, err = f.service.Callback(context.Background(), "auth-code", id, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredSession)
	assert.Equal(t, domain.StatusExpired, f.sessionStatus(t, id))
}

func TestRetrieveTokensPending(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)

	result, err := f.service.RetrieveTokens(context.Background(), id, "verifier-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, result.Status)
	assert.Nil(t, result.Tokens)

	assert.Equal(t, domain.StatusPending, f.sessionStatus(t, id), "polling before completion must not consume the session")
}

func TestRetrieveTokensDeliversExactlyOnce(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", []string{"read"})
	f.mustComplete(t, id)

	result, err := f.service.RetrieveTokens(context.Background(), id, "verifier-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	require.NotNil(t, result.Tokens)
	assert.Equal(t, "access-token", result.Tokens.AccessToken)
	assert.Equal(t, "refresh-token", result.Tokens.RefreshToken)
	assert.Equal(t, "u@x.com", result.Tokens.Subject)
	assert.Equal(t, []string{"read"}, result.Tokens.Scopes)
	assert.True(t, result.Tokens.ExpiresAt.Equal(tokenExpiry))

	// One-time delivery: the second poll cannot tell retrieved from expired.
	second, err := f.service.RetrieveTokens(context.Background(), id, "verifier-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, second.Status)
	assert.Nil(t, second.Tokens)

	assert.Equal(t, domain.StatusRetrieved, f.sessionStatus(t, id))
}

func TestRetrieveTokensUsesGrantedScopes(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", []string{"read", "write"})

	f.provider.exchangeFn = func(ctx context.Context, code string) (*domain.TokenGrant, error) {
		return &domain.TokenGrant{
			AccessToken:  "access-token",
			RefreshToken: "refresh-token",
			ExpiresAt:    tokenExpiry,
			Scopes:       []string{"read"},
		}, nil
	}
	f.mustComplete(t, id)

	result, err := f.service.RetrieveTokens(context.Background(), id, "verifier-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, result.Tokens.Scopes, "the provider's granted scopes win over the requested ones")
}

func TestRetrieveTokensWrongVerifierDoesNotConsume(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)
	f.mustComplete(t, id)

	_, err := f.service.RetrieveTokens(context.Background(), id, "wrong-verifier", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrVerifierMismatch)
	assert.Equal(t, domain.StatusCompleted, f.sessionStatus(t, id))

	// The rightful caller still gets the bundle afterwards.
	result, err := f.service.RetrieveTokens(context.Background(), id, "verifier-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	require.NotNil(t, result.Tokens)
}

func TestRetrieveTokensUnknownSession(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.service.RetrieveTokens(context.Background(), validSessionID("ff"), "verifier-1", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRetrieveTokensValidatesInput(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.service.RetrieveTokens(context.Background(), "not-hex", "verifier-1", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.service.RetrieveTokens(context.Background(), validSessionID("a1"), "", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRetrieveTokensAfterSweep(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)

	count, err := f.store.SweepExpired(context.Background(), f.now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	result, err := f.service.RetrieveTokens(context.Background(), id, "verifier-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, result.Status)
	assert.Nil(t, result.Tokens)
}

func TestRetrieveTokensConcurrentSingleWinner(t *testing.T) {
	f := newTestFixture(t)
	id := validSessionID("a1")
	f.mustStart(t, id, "verifier-1", nil)
	f.mustComplete(t, id)

	type pollOutcome struct {
		result *RetrieveResult
		err    error
	}

	const pollers = 8
	var wg sync.WaitGroup
	outcomes := make(chan pollOutcome, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.service.RetrieveTokens(context.Background(), id, "verifier-1", "10.0.0.1")
			outcomes <- pollOutcome{result: result, err: err}
		}()
	}
	wg.Wait()
	close(outcomes)

	var delivered, expired int
	for outcome := range outcomes {
		require.NoError(t, outcome.err)
		result := outcome.result
		switch result.Status {
		case domain.StatusCompleted:
			require.NotNil(t, result.Tokens)
			delivered++
		case domain.StatusExpired:
			assert.Nil(t, result.Tokens)
			expired++
		default:
			t.Fatalf("unexpected status %s", result.Status)
		}
	}
	assert.Equal(t, 1, delivered, "exactly one poller receives the bundle")
	assert.Equal(t, pollers-1, expired)
}

func TestRetrieveTokensDisabled(t *testing.T) {
	f := newTestFixture(t)
	f.service.enabled = false

	_, err := f.service.RetrieveTokens(context.Background(), validSessionID("a1"), "verifier-1", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrNotEnabled)
}

func TestRefreshRotatesAccessToken(t *testing.T) {
	f := newTestFixture(t)

	var gotRefreshToken string
	f.provider.refreshFn = func(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
		gotRefreshToken = refreshToken
		return &domain.TokenGrant{AccessToken: "rotated-access-token", ExpiresAt: tokenExpiry}, nil
	}

	result, err := f.service.Refresh(context.Background(), "refresh-token", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-token", gotRefreshToken)
	assert.Equal(t, "rotated-access-token", result.AccessToken)
	assert.True(t, result.ExpiresAt.Equal(tokenExpiry))
}

func TestRefreshProviderFailure(t *testing.T) {
	f := newTestFixture(t)
	f.provider.refreshFn = func(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
		return nil, assert.AnError
	}

	_, err := f.service.Refresh(context.Background(), "revoked-token", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrRefreshFailed)
}

func TestRefreshValidatesInput(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.service.Refresh(context.Background(), "", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRefreshGates(t *testing.T) {
	f := newTestFixture(t)
	f.service.enabled = false
	_, err := f.service.Refresh(context.Background(), "refresh-token", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrNotEnabled)

	f = newTestFixture(t)
	f.service.creds = NewCredentialLoader(secrets.NewStaticStore(nil), CallbackURLConfig{}, func(string) string { return "" }, zerolog.Nop())
	_, err = f.service.Refresh(context.Background(), "refresh-token", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestStatus(t *testing.T) {
	f := newTestFixture(t)

	status := f.service.Status(context.Background())
	assert.True(t, status.Enabled)
	assert.True(t, status.Configured)
	assert.Equal(t, "https://proxy.example.com/callback", status.CallbackURL)

	f.service.enabled = false
	status = f.service.Status(context.Background())
	assert.False(t, status.Enabled)
	assert.True(t, status.Configured, "configured reflects credentials, not the toggle")
}

// End to end: start, provider callback, one-time retrieval.
func TestDelegationFlowEndToEnd(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	id := strings.Repeat("a", 64)
	verifier := "instance-held-verifier"

	authURL, err := f.service.Start(ctx, id, domain.ChallengeS256(verifier), []string{"read"}, "10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, authURL, id)

	poll, err := f.service.RetrieveTokens(ctx, id, verifier, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, poll.Status)

	callback, err := f.service.Callback(ctx, "auth-code", id, "", "")
	require.NoError(t, err)
	assert.Equal(t, "u@x.com", callback.Subject)

	delivery, err := f.service.RetrieveTokens(ctx, id, verifier, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, delivery.Tokens)
	assert.Equal(t, "u@x.com", delivery.Tokens.Subject)
	assert.Equal(t, []string{"read"}, delivery.Tokens.Scopes)

	replay, err := f.service.RetrieveTokens(ctx, id, verifier, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, replay.Status)
	assert.Nil(t, replay.Tokens)
}
