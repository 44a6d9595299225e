package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfolio-labs/quantfolio-go/internal/execution"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auditlog"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auth"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/env"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/httpserver"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/objectstore"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/postgres"
	repopg "github.com/quantfolio-labs/quantfolio-go/internal/repo/postgres"
	"github.com/quantfolio-labs/quantfolio-go/internal/service/artifacts"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("EXECUTOR_HTTP_ADDR", ":8082")
	shutdownTimeout, err := env.Duration("EXECUTOR_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	runtimeSpec, err := execution.LoadSpecFile(env.String("EXECUTOR_RUNTIME_SPEC", ""))
	if err != nil {
		logger.Error("invalid runtime spec", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	minioClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("invalid object store client", "error", err)
		os.Exit(2)
	}
	if err := objectstore.EnsureBuckets(ctx, minioClient, storeCfg); err != nil {
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	store, err := objectstore.NewMinioStore(minioClient)
	if err != nil {
		logger.Error("invalid object store", "error", err)
		os.Exit(2)
	}

	internalAuthSecret := env.String("QUANTFOLIO_INTERNAL_AUTH_SECRET", "")
	headersAuth, err := auth.NewGatewayHeadersAuthenticator(internalAuthSecret)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}

	runRepo := repopg.NewRunStore(db)
	artifactRepo := repopg.NewArtifactStore(db)
	artifactSvc, err := artifacts.NewService(artifactRepo, store, storeCfg.BucketArtifacts, storeCfg.PresignTTL, logger)
	if err != nil {
		logger.Error("invalid artifact service", "error", err)
		os.Exit(2)
	}

	runner, err := execution.NewRunner(runtimeSpec)
	if err != nil {
		logger.Error("invalid runner", "error", err)
		os.Exit(2)
	}
	pool, err := execution.NewPool(execution.PoolConfig{
		Workers:    runtimeSpec.Workers,
		QueueDepth: runtimeSpec.QueueDepth,
		RunTimeout: runtimeSpec.RunTimeout(),
	}, runner, newRunCompleter(logger, runRepo, artifactSvc), logger)
	if err != nil {
		logger.Error("invalid pool config", "error", err)
		os.Exit(2)
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pool.Shutdown(drainCtx); err != nil {
			logger.Error("pool drain incomplete", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("executor"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"executor",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
		),
	)

	api := newExecutorAPI(logger, runRepo, pool, artifactSvc)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: headersAuth,
		Authorize:     auth.UserRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "executor", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "executor",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "executor", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
