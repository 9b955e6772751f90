package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"kaapeh-copiloto/api/internal/accounts"
	"kaapeh-copiloto/api/internal/analytics"
	"kaapeh-copiloto/api/internal/diagnoses"
	"kaapeh-copiloto/api/internal/handlers"
	"kaapeh-copiloto/api/internal/ingest"
	"kaapeh-copiloto/api/internal/metrics"
	"kaapeh-copiloto/api/internal/middleware"
	"kaapeh-copiloto/api/internal/repos"
	"kaapeh-copiloto/api/internal/snapshots"
	"kaapeh-copiloto/shared/authx"
	"kaapeh-copiloto/shared/cachex"
	"kaapeh-copiloto/shared/config"
	"kaapeh-copiloto/shared/dbx"
	"kaapeh-copiloto/shared/httpx"
	"kaapeh-copiloto/shared/logx"
	"kaapeh-copiloto/shared/metricsx"
	"kaapeh-copiloto/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("copiloto-api", 8000)
	logger := logx.New(cfg.ServiceName, cfg.Env, cfg.Version, cfg.LogLevel)
	metricsx.Register()

	if cfg.OtelEnabled {
		shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
		if err != nil {
			logger.Warn(context.Background(), "otel_init_failed", "tracing disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
	if dbPool != nil && cfg.DBAutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := dbx.Migrate(migrateCtx, dbPool); err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DB_AUTO_MIGRATE", Message: "schema migration failed"})
			logger.Error(context.Background(), "db_migrate_failed", "schema migration failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info(context.Background(), "db_migrated", "schema applied")
		}
		cancel()
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		c, err := cachex.New(cfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err = c.Ping(pingCtx)
			cancel()
		}
		if err != nil {
			logger.Warn(context.Background(), "cache_unavailable", "analytics cache disabled",
				slog.String("error", err.Error()),
			)
		} else {
			cache = c
			defer cache.Close()
		}
	}

	issuer, err := authx.NewTokenIssuer(cfg.SecretKey, cfg.TokenIssuer, cfg.AccessTokenTTL)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "SECRET_KEY", Message: "failed to initialize token issuer"})
		logger.Error(context.Background(), "auth_init_failed", "token issuer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
	}

	var tokens accounts.TokenIssuer
	if issuer != nil {
		tokens = issuer
	}

	usersRepo := repos.NewUsersRepo(dbPool)
	diagnosesRepo := repos.NewDiagnosesRepo(dbPool)
	statsRepo := repos.NewStatsRepo(dbPool)
	auditRepo := repos.NewAuditRepo(dbPool)

	aggregator := metrics.NewAggregator(statsRepo, cfg.MetricsWindowDays)
	syncSvc := ingest.NewService(diagnosesRepo, logger, cfg.OutboxEnabled)
	analyticsSvc := analytics.NewService(statsRepo, logger)
	diagnosesSvc := diagnoses.NewService(diagnosesRepo, usersRepo, logger, cfg.OutboxEnabled)
	if cache != nil {
		syncSvc.WithInvalidator(cache)
		analyticsSvc.WithCache(cache, cfg.CacheTTL())
		diagnosesSvc.WithInvalidator(cache)
	}

	api := &handlers.API{
		Prefix:    cfg.APIPrefix,
		Version:   cfg.Version,
		Logger:    logger,
		Sync:      syncSvc,
		Metrics:   aggregator,
		Analytics: analyticsSvc,
		Accounts:  accounts.NewService(usersRepo, repos.NewAccessibilityRepo(dbPool), tokens, logger),
		Diagnoses: diagnosesSvc,
		Snapshots: snapshots.NewService(aggregator, repos.NewSnapshotsRepo(dbPool), logger, cfg.OutboxEnabled),
		Ping: func(ctx context.Context) error {
			return dbx.Ping(ctx, dbPool)
		},
	}
	if issuer != nil {
		api.Verifier = issuer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: cfg.Version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: cfg.Version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	api.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	probePaths := map[string]bool{
		"/healthz":       true,
		"/readyz":        true,
		"/metrics":       true,
		api.HealthPath(): true,
	}
	skipProbe := func(r *http.Request) bool {
		return probePaths[r.URL.Path]
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    auditRepo,
		Logger:  logger,
		Skip:    skipProbe,
	}.Wrap(handler)
	handler = middleware.DBRequiredMiddleware{
		Available: func() bool { return dbPool != nil },
		Skip:      skipProbe,
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		Skip:    skipProbe,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		MaxAge:         10 * time.Minute,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, cfg.ServiceName)
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Duration(cfg.RequestTimeoutMS)*time.Millisecond + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("api_prefix", cfg.APIPrefix),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Bool("cache_enabled", cache != nil),
			slog.Bool("outbox_enabled", cfg.OutboxEnabled),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
