// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"command-codes/internal/config"
	"command-codes/internal/domain/ports/adapter"
	"command-codes/internal/infra/adapters/dispatch"
	"command-codes/internal/infra/db"
	"command-codes/internal/infra/logging"
	"command-codes/internal/infra/metrics"
	"command-codes/internal/infra/ratelimit"
	red "command-codes/internal/infra/redis"
	"command-codes/internal/infra/sched"
	"command-codes/internal/infra/web"
	"command-codes/internal/infra/worker"
	"command-codes/internal/usecase"
)

var version = "dev"

func main() {
	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, no redaction)")
	flag.Parse()

	if err := run(context.Background(), *cfgPath, *devMode); err != nil {
		log.Fatalf("ccode server: %v", err)
	}
}

// run owns every resource it opens; deferred closes run on all return paths.
func run(parent context.Context, cfgPath string, dev bool) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cfg, err := config.LoadConfig(cfgPath, dev)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, cfg.Storage.Backend)

	// ---- Record store ----
	store, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s record store: %w", cfg.Storage.Backend, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("close record store")
		}
	}()

	// ---- Registry ----
	gen, err := usecase.TokenGeneratorFromConfig(cfg.Registry)
	if err != nil {
		return fmt.Errorf("token generator: %w", err)
	}
	reg := usecase.NewCodeRegistry(store.Store, gen, usecase.RegistryOptionsFromConfig(cfg.Registry), logger)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load codes: %w", err)
	}

	// ---- Dispatch ----
	disp, err := dispatch.New(cfg.Dispatch, logger)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	pool := worker.NewPool(cfg.Dispatch.Workers, logger)
	pool.Start(ctx)
	defer pool.Stop()

	// ---- Rate limiter ----
	limiter, closeLimiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	defer closeLimiter()

	// ---- Autosave ----
	if cfg.Autosave.Interval > 0 {
		saver := sched.NewAutosaveWorker(cfg.Autosave.Interval, reg, logger)
		go func() { _ = saver.Run(ctx) }()
	}

	// ---- HTTP admin API ----
	var auth *web.AuthManager
	if cfg.HTTP.JWTSecret != "" {
		auth = web.NewAuthManager(cfg.HTTP.JWTSecret, cfg.HTTP.SecureCookie, "", cfg.HTTP.SessionTTL)
	}
	api := web.NewServer(reg, disp, pool, limiter, web.Options{
		APIKey:         cfg.HTTP.APIKey,
		Auth:           auth,
		DefaultUses:    cfg.Registry.DefaultUses,
		UUIDPrincipals: cfg.Registry.UUIDPrincipals,
	}, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Str("backend", store.Store.Backend()).Msg("admin api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	select {
	case <-sigc:
	case <-ctx.Done():
	}
	logger.Info().Msg("shutdown requested")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	pool.Stop()
	cancel()

	if err := reg.Save(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final save failed; previous store contents kept")
		return fmt.Errorf("final save: %w", err)
	}
	logger.Info().Msg("codes saved, bye")
	return nil
}

func newLimiter(ctx context.Context, cfg *config.Config) (adapter.RateLimiter, func(), error) {
	switch cfg.RateLimit.Backend {
	case "redis":
		cli, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connect: %w", err)
		}
		return red.NewRateLimiter(cli, cfg.RateLimit.Limit, cfg.RateLimit.Window), func() { _ = cli.Close() }, nil
	case "off":
		return ratelimit.Nop{}, func() {}, nil
	}
	m := ratelimit.NewMemoryLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	return m, func() { _ = m.Close() }, nil
}
