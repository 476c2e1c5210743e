package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"meridian-core-oauth-proxy/internal/application"
	"meridian-core-oauth-proxy/internal/domain"
)

// ProxyAPI exposes the delegation flow over HTTP: session bootstrap, the
// provider callback, one-time token retrieval, refresh, and status.
type ProxyAPI struct {
	service *application.ProxyService
	logger  zerolog.Logger
}

func NewProxyAPI(service *application.ProxyService, logger zerolog.Logger) *ProxyAPI {
	return &ProxyAPI{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes mounts the proxy endpoints on the router.
func (a *ProxyAPI) RegisterRoutes(r chi.Router) {
	r.Post("/start", a.handleStart)
	r.Get("/callback", a.handleCallback)
	r.Post("/tokens/{sessionID}", a.handleRetrieveTokens)
	r.Post("/refresh", a.handleRefresh)
	r.Get("/status", a.handleStatus)
}

type startRequest struct {
	SessionID     string   `json:"sessionId"`
	CodeChallenge string   `json:"codeChallenge"`
	Scopes        []string `json:"scopes,omitempty"`
}

type startResponse struct {
	AuthURL string `json:"authUrl"`
}

type retrieveRequest struct {
	CodeVerifier string `json:"codeVerifier"`
}

type retrieveResponse struct {
	Status string              `json:"status"`
	Tokens *domain.TokenBundle `json:"tokens,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type statusResponse struct {
	Enabled     bool   `json:"enabled"`
	Configured  bool   `json:"configured"`
	CallbackURL string `json:"callbackUrl"`
}

type errorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func (a *ProxyAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "request body must be valid JSON"})
		return
	}

	authURL, err := a.service.Start(r.Context(), req.SessionID, req.CodeChallenge, req.Scopes, clientIP(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, startResponse{AuthURL: authURL})
}

func (a *ProxyAPI) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	result, err := a.service.Callback(
		r.Context(),
		query.Get("code"),
		query.Get("state"),
		query.Get("error"),
		query.Get("error_description"),
	)
	if err != nil {
		a.renderCallbackError(w, err)
		return
	}

	renderSuccessPage(w, result.Subject)
}

// renderCallbackError maps callback failures onto the user-facing error page.
// The invalid and expired cases share one message so the page never reveals
// whether a session existed.
func (a *ProxyAPI) renderCallbackError(w http.ResponseWriter, err error) {
	var denied *domain.ProviderDeniedError
	switch {
	case errors.As(err, &denied):
		message := denied.Description
		if message == "" {
			message = denied.Code
		}
		renderErrorPage(w, "Authorization failed: "+message)
	case errors.Is(err, domain.ErrInvalidOrExpiredSession), errors.Is(err, domain.ErrInvalidInput):
		renderErrorPage(w, "This authorization link is invalid or has already been used. Please start again from the application.")
	default:
		a.logger.Error().Err(err).Msg("Callback failed")
		renderErrorPage(w, "Authorization could not be completed. Please try again from the application.")
	}
}

func (a *ProxyAPI) handleRetrieveTokens(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "request body must be valid JSON"})
		return
	}

	result, err := a.service.RetrieveTokens(r.Context(), sessionID, req.CodeVerifier, clientIP(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, retrieveResponse{Status: string(result.Status), Tokens: result.Tokens})
}

func (a *ProxyAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "request body must be valid JSON"})
		return
	}

	result, err := a.service.Refresh(r.Context(), req.RefreshToken, clientIP(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: result.AccessToken, ExpiresAt: result.ExpiresAt})
}

func (a *ProxyAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := a.service.Status(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{
		Enabled:     status.Enabled,
		Configured:  status.Configured,
		CallbackURL: status.CallbackURL,
	})
}

// writeError converts domain errors into stable error codes. Messages are
// attached only for input validation; everything else stays generic.
func (a *ProxyAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:             "rate_limited",
			RetryAfterSeconds: rateErr.RetryAfterSeconds,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotEnabled):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "not_enabled"})
	case errors.Is(err, domain.ErrNotConfigured):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "not_configured"})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: err.Error()})
	case errors.Is(err, domain.ErrDuplicateSession):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "duplicate_session"})
	case errors.Is(err, domain.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
	case errors.Is(err, domain.ErrInvalidOrExpiredSession):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_or_expired_session"})
	case errors.Is(err, domain.ErrVerifierMismatch):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid_verifier"})
	case errors.Is(err, domain.ErrRefreshFailed):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "refresh_failed"})
	case errors.Is(err, domain.ErrIncompleteTokenResponse):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "incomplete_token_response"})
	case errors.Is(err, domain.ErrProvider):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "provider_error"})
	default:
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// clientIP returns the rate-limit key for the request. RealIP middleware
// rewrites RemoteAddr to the bare forwarded address, so a missing port is
// expected.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
