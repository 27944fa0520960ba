package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"store-admin-api/internal/auth"
	"store-admin-api/internal/db"
	"store-admin-api/internal/mail"
	"store-admin-api/internal/maintenance"
	"store-admin-api/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	// Sentry is best-effort; the app still serves without it.
	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Warn("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	sender := mail.NewSMTPSender(mail.Config{
		Host:     os.Getenv("SMTP_HOST"),
		Port:     envIntOrDefault("SMTP_PORT", 587),
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     os.Getenv("SMTP_FROM"),
	})

	limiter := auth.NewLoginRateLimiter(
		envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		envMinutesOrDefault("LOGIN_RATE_LIMIT_WINDOW_MINUTES", 15),
	)

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, limiter, sender, jwtSecret).
		WithTokenTTLs(
			envSecondsOrDefault("ACCESS_TTL_SECONDS", 900),
			envSecondsOrDefault("REFRESH_TTL_SECONDS", 604800),
		).
		WithTwoFactorConfig(
			envMinutesOrDefault("TWO_FACTOR_CODE_TTL_MINUTES", 10),
			envSecondsOrDefault("TWO_FACTOR_SEND_COOLDOWN_SECONDS", 60),
			envIntOrDefault("TWO_FACTOR_MAX_ATTEMPTS", 5),
		)

	if err := authService.SeedAdmin(context.Background(), os.Getenv("ADMIN_USERNAME"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("seed admin: %w", err)
	}

	cookies := auth.NewCookieWriter(EnvBoolOrDefault("COOKIE_SECURE", envOrDefault("APP_ENV", "development") == "production"))
	csrf := auth.NewCSRF(cookies)
	guard := auth.NewGuard(authService, cookies)
	authHandler := auth.NewHandler(authService, cookies)

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", 14),
		envDaysOrDefault("AUTH_TWO_FACTOR_TOKEN_RETENTION_DAYS", 1),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", csrf.Require(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/2fa/verify-login", csrf.Require(http.HandlerFunc(authHandler.VerifyLogin)))
	mux.Handle("POST /auth/2fa/resend-login", csrf.Require(http.HandlerFunc(authHandler.ResendLogin)))
	mux.Handle("POST /auth/refresh", csrf.Require(http.HandlerFunc(authHandler.Refresh)))
	mux.Handle("POST /auth/logout", csrf.Require(http.HandlerFunc(authHandler.Logout)))
	mux.Handle("POST /auth/change-password", guard.Middleware(csrf.Require(http.HandlerFunc(authHandler.ChangePassword))))
	mux.Handle("GET /auth/2fa/settings", guard.Middleware(http.HandlerFunc(authHandler.TwoFactorSettings)))
	mux.Handle("POST /auth/2fa/setup", guard.Middleware(csrf.Require(http.HandlerFunc(authHandler.TwoFactorSetup))))
	mux.Handle("POST /auth/2fa/verify-setup", guard.Middleware(csrf.Require(http.HandlerFunc(authHandler.TwoFactorVerifySetup))))
	mux.Handle("POST /auth/2fa/disable", guard.Middleware(csrf.Require(http.HandlerFunc(authHandler.TwoFactorDisable))))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger,
			csrf.Ensure(mux)))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
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

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
