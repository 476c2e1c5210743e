package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration, read once at startup. Every field has
// a default suitable for local development except EncryptionKey, which main
// refuses to run without.
type Config struct {
	Port   string
	AppURL string

	MongoURI      string
	MongoDatabase string
	SessionStore  string

	EncryptionKey string

	Enabled          bool
	CallbackOverride string
	DefaultScopes    []string
	SessionTTL       time.Duration
	SweepInterval    time.Duration
	SessionRetention time.Duration

	AuthorizeURL    string
	TokenURL        string
	UserInfoURL     string
	ProviderTimeout time.Duration

	RateLimitBackend    string
	RedisURL            string
	RateLimitGCInterval time.Duration
	StartLimitMax       int
	PollLimitMax        int
	RefreshLimitMax     int
}

// Load reads the configuration from the environment. Defaults point at the
// Google OAuth endpoints; any OIDC provider with a userinfo endpoint works.
func Load() *Config {
	return &Config{
		Port:   getEnv("PORT", "8080"),
		AppURL: getEnv("APP_URL", ""),

		MongoURI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGODB_DATABASE", "oauth_proxy"),
		SessionStore:  getEnv("SESSION_STORE", "mongo"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		Enabled:          getEnvBool("OAUTH_PROXY_ENABLED", true),
		CallbackOverride: getEnv("OAUTH_CALLBACK_URL", ""),
		DefaultScopes:    splitScopes(getEnv("OAUTH_DEFAULT_SCOPES", "openid email")),
		SessionTTL:       getEnvDuration("SESSION_TTL", 10*time.Minute),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		SessionRetention: getEnvDuration("SESSION_RETENTION", 24*time.Hour),

		AuthorizeURL:    getEnv("OAUTH_AUTHORIZE_URL", "https://accounts.google.com/o/oauth2/v2/auth"),
		TokenURL:        getEnv("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		UserInfoURL:     getEnv("OAUTH_USERINFO_URL", "https://openidconnect.googleapis.com/v1/userinfo"),
		ProviderTimeout: getEnvDuration("OAUTH_PROVIDER_TIMEOUT", 10*time.Second),

		RateLimitBackend:    getEnv("RATE_LIMIT_BACKEND", "memory"),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		RateLimitGCInterval: getEnvDuration("RATE_LIMIT_GC_INTERVAL", 5*time.Minute),
		StartLimitMax:       getEnvInt("RATE_LIMIT_START_MAX", 10),
		PollLimitMax:        getEnvInt("RATE_LIMIT_POLL_MAX", 60),
		RefreshLimitMax:     getEnvInt("RATE_LIMIT_REFRESH_MAX", 60),
	}
}

func getEnv(name, fallback string) string {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvBool(name string, fallback bool) bool {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(name string, fallback int) int {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(name string, fallback time.Duration) time.Duration {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// splitScopes accepts both space and comma separated scope lists.
func splitScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})
	scopes := make([]string, 0, len(fields))
	for _, field := range fields {
		if field != "" {
			scopes = append(scopes, field)
		}
	}
	if len(scopes) == 0 {
		return nil
	}
	return scopes
}
