package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meridian-core-oauth-proxy/internal/application"
	"meridian-core-oauth-proxy/internal/config"
	"meridian-core-oauth-proxy/internal/infrastructure/api"
	"meridian-core-oauth-proxy/internal/infrastructure/encryption"
	"meridian-core-oauth-proxy/internal/infrastructure/provider"
	"meridian-core-oauth-proxy/internal/infrastructure/ratelimit"
	"meridian-core-oauth-proxy/internal/infrastructure/repository"
	"meridian-core-oauth-proxy/internal/infrastructure/secrets"
	"meridian-core-oauth-proxy/internal/ports"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	securitymiddleware "meridian-core-oauth-proxy/internal/infrastructure/middleware"
)

func main() {
	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("⚠️  Warning: .env file not found")
	}

	cfg := config.Load()

	// Get encryption key
	if cfg.EncryptionKey == "" {
		logger.Fatal().Msg("ENCRYPTION_KEY environment variable is required")
	}
	encryptionService, err := encryption.NewService(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize encryption service")
	}

	ctx := context.Background()

	// Session and secret persistence
	var sessionStore ports.SessionStore
	var secretStore ports.SecretStore
	switch cfg.SessionStore {
	case "memory":
		logger.Warn().Msg("Using in-memory session store, sessions will not survive restarts")
		sessionStore = repository.NewMemorySessionStore(cfg.SessionRetention)
		secretStore = secrets.NewStaticStore(nil)
	default:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to MongoDB")
		}
		defer client.Disconnect(ctx)

		db := client.Database(cfg.MongoDatabase)
		sessionStore = repository.NewMongoSessionStore(db, cfg.SessionRetention)
		secretStore = secrets.NewMongoStore(db, encryptionService)

		// First boot with env credentials moves them into encrypted storage.
		if err := application.SeedSecretsFromEnv(ctx, secretStore, nil, logger); err != nil {
			logger.Error().Err(err).Msg("Failed to seed secrets from environment")
		}
	}

	// Per-IP rate limiting
	policies := map[ports.RateCategory]ratelimit.Policy{
		ports.RateStart:   {Max: cfg.StartLimitMax, Window: time.Minute},
		ports.RatePoll:    {Max: cfg.PollLimitMax, Window: time.Minute},
		ports.RateRefresh: {Max: cfg.RefreshLimitMax, Window: time.Hour},
	}

	var limiter ports.RateLimiter
	switch cfg.RateLimitBackend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to parse REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		limiter = ratelimit.NewRedisWindow(rdb, policies, logger)
	default:
		slidingWindow := ratelimit.NewSlidingWindow(policies, cfg.RateLimitGCInterval, logger)
		defer slidingWindow.Stop()
		limiter = slidingWindow
	}

	// Initialize application services
	credentialLoader := application.NewCredentialLoader(secretStore, application.CallbackURLConfig{
		Override: cfg.CallbackOverride,
		AppURL:   cfg.AppURL,
		Port:     cfg.Port,
	}, nil, logger)

	oauthProvider := provider.NewClient(credentialLoader, provider.Endpoints{
		AuthorizeURL: cfg.AuthorizeURL,
		TokenURL:     cfg.TokenURL,
		UserInfoURL:  cfg.UserInfoURL,
	}, cfg.ProviderTimeout, logger)

	proxyService := application.NewProxyService(
		sessionStore,
		oauthProvider,
		limiter,
		credentialLoader,
		application.NewBundleCipher(encryptionService),
		logger,
		application.ProxyServiceConfig{
			Enabled:       cfg.Enabled,
			SessionTTL:    cfg.SessionTTL,
			DefaultScopes: cfg.DefaultScopes,
		},
	)

	if cfg.Enabled && !credentialLoader.Configured(ctx) {
		logger.Warn().Msg("OAuth client credentials not configured, delegation endpoints will report not_configured")
	}

	sweeper := application.NewSweeper(sessionStore, cfg.SweepInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securitymiddleware.SecurityHeadersMiddleware())
	r.Use(securitymiddleware.RequestLoggerMiddleware(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	// Health check - must be public for monitoring
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"), // The URL pointing to API definition
	))
	r.Get("/swagger/doc.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		http.ServeFile(w, r, "./docs/swagger.json")
	})

	// Delegation proxy routes
	api.NewProxyAPI(proxyService, logger).RegisterRoutes(r)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Starting API server")
		logger.Info().Msg("Swagger documentation available at http://localhost:" + cfg.Port + "/swagger/index.html")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
}
