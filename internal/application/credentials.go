package application

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"meridian-core-oauth-proxy/internal/domain"
	"meridian-core-oauth-proxy/internal/ports"
)

// Secret store names and environment fallbacks for the confidential client.
const (
	SecretClientID     = "oauth_client_id"
	SecretClientSecret = "oauth_client_secret"

	envClientID     = "OAUTH_CLIENT_ID"
	envClientSecret = "OAUTH_CLIENT_SECRET"
)

// CredentialLoader resolves the confidential OAuth client exactly once and
// caches the result for the process lifetime. Each value is looked up in the
// secret store first, then the environment. The callback URL is fixed at
// construction so every exchange presents the byte-identical redirect URI
// registered with the provider.
type CredentialLoader struct {
	secretStore ports.SecretStore
	getenv      func(string) string
	logger      zerolog.Logger

	callbackURL string

	once        sync.Once
	credentials domain.ClientCredentials
	ok          bool
}

// CallbackURLConfig feeds the callback resolution chain: explicit override,
// then the public app URL, then a localhost fallback for local runs.
type CallbackURLConfig struct {
	Override string
	AppURL   string
	Port     string
}

// NewCredentialLoader builds a loader. getenv defaults to os.Getenv; tests
// inject their own.
func NewCredentialLoader(secretStore ports.SecretStore, callback CallbackURLConfig, getenv func(string) string, logger zerolog.Logger) *CredentialLoader {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &CredentialLoader{
		secretStore: secretStore,
		getenv:      getenv,
		logger:      logger,
		callbackURL: resolveCallbackURL(callback),
	}
}

func resolveCallbackURL(cfg CallbackURLConfig) string {
	if cfg.Override != "" {
		return cfg.Override
	}
	if cfg.AppURL != "" {
		return strings.TrimSuffix(cfg.AppURL, "/") + "/callback"
	}
	port := cfg.Port
	if port == "" {
		port = "8080"
	}
	return "http://localhost:" + port + "/callback"
}

// Credentials returns the cached client credentials, resolving them on first
// use.
func (l *CredentialLoader) Credentials(ctx context.Context) (domain.ClientCredentials, bool) {
	l.once.Do(func() { l.load(ctx) })
	return l.credentials, l.ok
}

// Configured reports whether both halves of the client credential resolved.
func (l *CredentialLoader) Configured(ctx context.Context) bool {
	_, ok := l.Credentials(ctx)
	return ok
}

// CallbackURL returns the redirect URI registered with the provider.
func (l *CredentialLoader) CallbackURL() string {
	return l.callbackURL
}

func (l *CredentialLoader) load(ctx context.Context) {
	clientID, err := l.lookup(ctx, SecretClientID, envClientID)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to resolve OAuth client id")
		return
	}
	clientSecret, err := l.lookup(ctx, SecretClientSecret, envClientSecret)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to resolve OAuth client secret")
		return
	}
	if clientID == "" || clientSecret == "" {
		l.logger.Warn().
			Bool("client_id_present", clientID != "").
			Bool("client_secret_present", clientSecret != "").
			Msg("OAuth client credentials incomplete, delegation disabled")
		return
	}

	l.credentials = domain.ClientCredentials{ID: clientID, Secret: clientSecret}
	l.ok = true
	l.logger.Info().Str("callback_url", l.callbackURL).Msg("OAuth client credentials loaded")
}

func (l *CredentialLoader) lookup(ctx context.Context, secretName, envName string) (string, error) {
	value, err := l.secretStore.GetSecret(ctx, secretName)
	if err != nil {
		return "", fmt.Errorf("failed to look up secret %s: %w", secretName, err)
	}
	if value != "" {
		return value, nil
	}
	return l.getenv(envName), nil
}

// SeedSecretsFromEnv promotes environment-provided client credentials into
// the secret store on first boot so they live encrypted at rest afterwards.
// Values already present in the store are never overwritten.
func SeedSecretsFromEnv(ctx context.Context, store ports.SecretStore, getenv func(string) string, logger zerolog.Logger) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	pairs := map[string]string{
		SecretClientID:     envClientID,
		SecretClientSecret: envClientSecret,
	}
	for secretName, envName := range pairs {
		envValue := getenv(envName)
		if envValue == "" {
			continue
		}
		existing, err := store.GetSecret(ctx, secretName)
		if err != nil {
			return fmt.Errorf("failed to check secret %s: %w", secretName, err)
		}
		if existing != "" {
			continue
		}
		if err := store.SetSecret(ctx, secretName, envValue); err != nil {
			return fmt.Errorf("failed to seed secret %s: %w", secretName, err)
		}
		logger.Info().Str("secret", secretName).Msg("Seeded secret from environment")
	}
	return nil
}
