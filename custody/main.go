package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/cargo-custody/internal/platform/auth"
	"github.com/animus-labs/cargo-custody/internal/platform/env"
	"github.com/animus-labs/cargo-custody/internal/platform/httpserver"
	"github.com/animus-labs/cargo-custody/internal/platform/objectstore"
	"github.com/animus-labs/cargo-custody/internal/platform/otel"
	"github.com/animus-labs/cargo-custody/internal/projection/snapcache"
	"github.com/animus-labs/cargo-custody/internal/service/authz"
	"github.com/animus-labs/cargo-custody/internal/service/dispatch"
	"github.com/animus-labs/cargo-custody/internal/service/ledgertx"
	"github.com/animus-labs/cargo-custody/internal/traceexport"
)

const serviceName = "custody"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CUSTODY_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("CUSTODY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	shutdownTracing, err := otel.Setup(ctx, serviceName)
	if err != nil {
		logger.Error("otel setup failed", "error", err)
		os.Exit(2)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()

	ledgerCfg, err := ledgerConfigFromEnv()
	if err != nil {
		logger.Error("invalid ledger config", "error", err)
		os.Exit(2)
	}
	store, err := openLedger(ctx, ledgerCfg)
	if err != nil {
		logger.Error("ledger unavailable", "backend", ledgerCfg.Backend, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()
	logger.Info("ledger opened", "backend", ledgerCfg.Backend)

	cacheCfg, err := snapcache.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid cache config", "error", err)
		os.Exit(2)
	}
	cache, closeCache, err := snapcache.Open(ctx, cacheCfg)
	if err != nil {
		logger.Error("snapshot cache unavailable", "backend", cacheCfg.Backend, "error", err)
		os.Exit(1)
	}
	defer func() { _ = closeCache() }()

	authzCfg, err := authz.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid authz config", "error", err)
		os.Exit(2)
	}
	authorizer, err := authz.New(authzCfg, logger.With("component", "authz"))
	if err != nil {
		logger.Error("authz init failed", "error", err)
		os.Exit(2)
	}

	runnerCfg, err := ledgertx.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid commit config", "error", err)
		os.Exit(2)
	}

	d, err := dispatch.Assemble(dispatch.Deps{
		Store:      store,
		Runner:     runnerCfg,
		Authorizer: authorizer,
		Cache:      cache,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("dispatcher init failed", "error", err)
		os.Exit(2)
	}

	exporter, err := newExporter(ctx, logger)
	if err != nil {
		logger.Error("trace export init failed", "error", err)
		os.Exit(1)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}
	if authCfg.Mode == auth.ModeDev {
		logger.Warn("auth running in dev mode; actor headers are not verified")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName,
		httpserver.ReadinessCheck{
			Name: "ledger",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return store.Ping(checkCtx)
			},
		},
	))

	api := newCustodyAPI(logger, d, authorizer, exporter)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	if err := httpserver.Run(ctx, logger, httpserver.Config{
		Service:         serviceName,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, httpserver.Wrap(logger, handler)); err != nil && err != http.ErrServerClosed {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(env.String("CUSTODY_LOG_LEVEL", "info"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func newExporter(ctx context.Context, logger *slog.Logger) (*traceexport.Exporter, error) {
	cfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	exportLogger := logger.With("component", "traceexport")
	if !cfg.Enabled {
		return traceexport.NewExporter(nil, "", exportLogger), nil
	}
	client, err := objectstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureBucket(startupCtx, client, cfg); err != nil {
		return nil, err
	}
	store, err := objectstore.NewMinioStore(client)
	if err != nil {
		return nil, err
	}
	return traceexport.NewExporter(store, cfg.Bucket, exportLogger), nil
}
