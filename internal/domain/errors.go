package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the delegation flow. The HTTP boundary maps each to a
// status code and a stable error string; anything unrecognized is treated as
// internal.
var (
	ErrNotEnabled              = errors.New("oauth proxy is disabled")
	ErrNotConfigured           = errors.New("oauth client credentials are not configured")
	ErrInvalidInput            = errors.New("invalid input")
	ErrDuplicateSession        = errors.New("session id already exists")
	ErrSessionNotFound         = errors.New("session not found")
	ErrInvalidOrExpiredSession = errors.New("invalid or expired session")
	ErrInvalidState            = errors.New("session is not in a state that allows this transition")
	ErrNotCompleted            = errors.New("session has no retrievable token bundle")
	ErrVerifierMismatch        = errors.New("code verifier does not match the session challenge")
	ErrIncompleteTokenResponse = errors.New("provider token response missing required fields")
	ErrProvider                = errors.New("provider request failed")
	ErrRefreshFailed           = errors.New("refresh token exchange failed")
)

// RateLimitError reports a denied rate-limit check along with how long the
// caller should wait before retrying.
type RateLimitError struct {
	Category          string
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.Category, e.RetryAfterSeconds)
}

// ProviderDeniedError carries the error the provider appended to the callback
// redirect, for example when the user declined consent. Description is
// rendered (escaped) on the callback error page.
type ProviderDeniedError struct {
	Code        string
	Description string
}

func (e *ProviderDeniedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("provider returned error %q", e.Code)
	}
	return fmt.Sprintf("provider returned error %q: %s", e.Code, e.Description)
}
