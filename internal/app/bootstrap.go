package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"our-journey-auth/internal/auth"
	"our-journey-auth/internal/config"
	"our-journey-auth/internal/db"
	"our-journey-auth/internal/integrations"
	"our-journey-auth/internal/mail"
	"our-journey-auth/internal/maintenance"
	"our-journey-auth/internal/observability"
	"our-journey-auth/internal/ratelimit"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Config  config.Config
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	logger := observability.NewLogger()

	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations || cfg.RunMigrationsOnStartup {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	authRepo := auth.NewRepository(database)
	telemetry := observability.NewSentryTelemetry(logger)
	mailer := mail.NewSMTPSender(mail.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	}, logger)
	profiles := integrations.NewProfileClient(cfg.ProfileServiceURL, cfg.OutboundTimeout, logger)

	tokens := auth.NewTokenIssuer(authRepo, cfg.SecretKey, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	verifier := auth.NewEmailVerifier(authRepo, mailer, profiles, telemetry, auth.VerifierConfig{
		Secret:        cfg.SecretKey,
		TTL:           cfg.EmailConfirmationTTL,
		PublicBaseURL: cfg.PublicBaseURL,
		SubjectPrefix: cfg.EmailSubjectPrefix,
	})
	resetter := auth.NewPasswordResetter(authRepo, mailer, auth.ResetConfig{
		Secret:          cfg.SecretKey,
		TTL:             cfg.PasswordResetTTL,
		FrontendBaseURL: cfg.FrontendBaseURL,
	})
	social := auth.NewSocialLogin(
		authRepo,
		integrations.NewGoogleVerifier(cfg.GoogleTokenInfoURL, cfg.GoogleClientID, cfg.OutboundTimeout),
		tokens,
		profiles,
		telemetry,
	)

	authService := auth.NewService(authRepo, authRepo, tokens, verifier, integrations.NewMXValidator(cfg.DNSTimeout), telemetry)
	authService.WithSecurityConfig(cfg.LoginMaxAttempts, cfg.LoginLockDuration)

	if err := authService.BootstrapSuperuser(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	limitStore, closeLimitStore, err := newRateLimitStore(cfg, authRepo)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	limiter := ratelimit.NewLimiter(limitStore, cfg.RateLimitMax, cfg.RateLimitWindow, logger)

	authHandler := auth.NewHandler(authService, tokens, verifier, resetter, social, telemetry, auth.HandlerConfig{
		ConfirmRedirectURL: cfg.ConfirmRedirectURL,
		FrontendBaseURL:    cfg.FrontendBaseURL,
	})
	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		cfg.CronSecret,
		cfg.RefreshRetention,
		cfg.LoginAttemptRetention,
		cfg.CleanupBatchSize,
	)

	mux := http.NewServeMux()
	authHandler.Routes(mux, limiter.Middleware)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	logger.Info("runtime_ready", map[string]any{
		"env":                cfg.AppEnv,
		"rate_limit_backend": cfg.RateLimitBackend,
	})

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			if err := closeLimitStore(); err != nil {
				logger.Warn("close_rate_limit_store_failed", map[string]any{"error": err.Error()})
			}
			return database.Close()
		},
	}, nil
}

// newRateLimitStore picks the backend named by RATE_LIMIT_BACKEND. The
// returned close func releases any connection the store owns.
func newRateLimitStore(cfg config.Config, repo *auth.Repository) (ratelimit.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.RateLimitBackend {
	case "memory":
		return ratelimit.NewMemoryStore(), noop, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		return ratelimit.NewRedisStore(rdb, ""), rdb.Close, nil
	default:
		return repo, noop, nil
	}
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
