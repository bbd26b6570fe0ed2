// Package main is the entry point of the query execution server: HTTP API,
// worker pool and recovery sweeper in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"querybook/internal/api"
	"querybook/internal/config"
	"querybook/internal/db"
	"querybook/internal/db/repository"
	"querybook/internal/domain"
	"querybook/internal/engine"
	"querybook/internal/metrics"
	"querybook/internal/middleware"
	"querybook/internal/notify"
	"querybook/internal/recovery"
	"querybook/internal/resultstore"
	"querybook/internal/service/query"
	"querybook/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	writeDB, readDB, err := db.OpenSQLitePair(cfg.MetaDBPath, 4)
	if err != nil {
		return fmt.Errorf("open metastore: %w", err)
	}
	defer writeDB.Close() //nolint:errcheck
	defer readDB.Close()  //nolint:errcheck

	if err := db.RunMigrations(writeDB); err != nil {
		return fmt.Errorf("migrate metastore: %w", err)
	}

	executions := repository.NewQueryExecutionRepo(writeDB)
	statements := repository.NewStatementExecutionRepo(writeDB)
	execErrors := repository.NewQueryExecutionErrorRepo(writeDB)
	tables := repository.NewQueryExecutionTableRepo(writeDB)

	registry := engine.NewDefaultRegistry(logger)
	engines, err := config.LoadEngines(cfg.EnginesFile, registry.Has)
	if err != nil {
		return err
	}
	logger.Info("engines loaded", "file", cfg.EnginesFile, "engines", engines.IDs())

	results, err := resultstore.Open(ctx, cfg.ResultStoreOptions(), repository.NewResultBlobRepo(writeDB), logger)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	m := metrics.New()

	runner := worker.NewRunner(worker.RunnerConfig{
		Executions:   executions,
		Statements:   statements,
		Errors:       execErrors,
		Tables:       tables,
		Results:      results,
		Registry:     registry,
		Engines:      engines,
		Notifier:     notifier,
		Recorder:     m,
		PollInterval: cfg.PollInterval,
		TimeLimit:    cfg.ExecutionTimeLimit,
	}, logger)
	pool := worker.NewPool(runner, executions, cfg.WorkerConcurrency, logger)

	sweeper := recovery.NewSweeper(executions, statements, execErrors, pool, cfg.RecoveryGrace, logger)
	sweeper.SetObserver(m.OrphansFailed)

	// Reads that tolerate a slightly stale snapshot go through the read pool.
	svc := query.NewService(query.Config{
		Executions: executions,
		Statements: repository.NewStatementExecutionRepo(readDB),
		Errors:     repository.NewQueryExecutionErrorRepo(readDB),
		Results:    results,
		Registry:   registry,
		Engines:    engines,
		Queue:      pool,
	}, logger)

	router := api.NewRouter(ctx, api.NewHandler(svc, logger), api.RouterConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
		Metrics: m.Handler(),
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if n, err := sweeper.Sweep(gctx); err != nil {
			logger.Warn("startup recovery sweep failed", "error", err)
		} else if n > 0 {
			m.OrphansFailed(n)
		}
		if err := sweeper.Start(cfg.RecoverySchedule); err != nil {
			return err
		}
		<-gctx.Done()
		sweeper.Stop()
		return nil
	})

	g.Go(func() error {
		logger.Info("HTTP API listening", "addr", cfg.ListenAddr,
			"try", "curl http://"+curlHostForListenAddr(cfg.ListenAddr)+"/healthz")
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()

		var errs []error
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := pool.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("worker shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newNotifier logs every completion and also posts it to the webhook when
// one is configured.
func newNotifier(cfg *config.Config, logger *slog.Logger) (domain.Notifier, error) {
	multi := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.NotifyWebhookURL != "" {
		hook, err := notify.NewWebhookNotifier(notify.WebhookOptions{URL: cfg.NotifyWebhookURL}, logger)
		if err != nil {
			return nil, fmt.Errorf("webhook notifier: %w", err)
		}
		multi = append(multi, hook)
	}
	return multi, nil
}

// curlHostForListenAddr turns a listen address into a host:port a local
// client can reach.
func curlHostForListenAddr(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
