package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"bookswap/auth"
	"bookswap/book"
	"bookswap/config"
	"bookswap/db"
	"bookswap/exchange"
	"bookswap/guard"
	"bookswap/ledger"
	"bookswap/migrations"
	"bookswap/report"
	"bookswap/telemetry"
	"bookswap/valuation"
)

const refreshBatch = 50

func main() {
	if err := run(); err != nil {
		slog.Error("bookswap exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.Environment, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(cfg.TraceStdout, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := migrations.Apply(ctx, pool); err != nil {
			return err
		}
		logger.Info("schema migrations applied")
	}

	runner := db.NewRunner(pool).WithMaxAttempts(cfg.TxMaxAttempts).WithLogger(logger)

	authService := auth.NewService(auth.NewRepository(pool, runner), cfg.JWTSecret).
		WithAdminEmails(cfg.AdminEmails)
	abuseGuard := guard.New(guard.NewPGSource(pool), guard.DefaultPolicy())

	var assessor valuation.Assessor
	if cfg.OpenAIAPIKey != "" {
		assessor = valuation.NewOpenAIAssessor(openai.NewClient(cfg.OpenAIAPIKey), cfg.OpenAIModel)
	}
	valuationService := valuation.NewService(valuation.NewPGSource(pool), valuation.NewMemoryCache(), assessor).
		WithTTL(cfg.ValuationTTL).
		WithLogger(logger)

	bookService := book.NewService(book.NewRepository(pool, runner)).WithLogger(logger)
	exchangeService := exchange.NewService(exchange.NewRepository(pool, runner), abuseGuard, valuationService).
		WithLogger(logger)
	reportService := report.NewService(report.NewRepository(pool, runner), abuseGuard, authService).
		WithLogger(logger)

	limiter := newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if limiter != nil {
		go limiter.run(ctx)
	}
	if cfg.ValuationRefreshInterval > 0 {
		go valuationService.RunRefresher(ctx, cfg.ValuationRefreshInterval, refreshBatch)
	}

	server := &Server{
		authService:      authService,
		ledger:           ledger.NewRepository(pool),
		bookService:      bookService,
		valuationService: valuationService,
		exchangeService:  exchangeService,
		reportService:    reportService,
		db:               pool,
		logger:           logger,
		limiter:          limiter,
		corsOrigins:      cfg.CORSOrigins,
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr, "environment", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
