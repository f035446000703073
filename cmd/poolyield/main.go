// Package main запускает HTTP-сервер сервиса начисления доходности.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/poolyield/internal/cache"
	"github.com/mmeshcher/poolyield/internal/config"
	"github.com/mmeshcher/poolyield/internal/handler"
	"github.com/mmeshcher/poolyield/internal/metrics"
	"github.com/mmeshcher/poolyield/internal/middleware"
	"github.com/mmeshcher/poolyield/internal/pool"
	"github.com/mmeshcher/poolyield/internal/repository"
	"github.com/mmeshcher/poolyield/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	authMiddleware, err := middleware.NewAuthMiddleware(cfg.AuthSecret)
	if err != nil {
		sugar.Fatalw("auth initialization error", "error", err.Error())
	}

	if cfg.IssueToken != "" {
		if cfg.AuthSecret == "" {
			sugar.Fatal("AUTH_SECRET is required to issue tokens")
		}
		fmt.Println(authMiddleware.IssueToken(cfg.IssueToken))
		return
	}
	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, issued tokens are valid until restart")
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var (
		snapshotCache pool.SnapshotCache
		locker        service.Locker
		snapshots     service.SnapshotProvider
	)

	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := cache.New(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer rdb.Close()

		snapshotCache = cache.NewSnapshotCache(rdb, cfg.SnapshotCacheTTL)
		locker = cache.NewLockManager(rdb)
	}

	if cfg.PoolDataAddress != "" {
		snapshots = pool.NewEstimator(pool.NewClient(cfg.PoolDataAddress), snapshotCache, logger)
	}

	svc := service.NewService(repo, snapshots, locker, logger, service.Options{
		SnapshotTimeout:        cfg.SnapshotTimeout,
		LockTTL:                cfg.WithdrawalLockTTL,
		AggregationInterval:    cfg.AggregationInterval,
		AggregationConcurrency: cfg.AggregationConcurrency,
		DefaultCurrency:        cfg.DefaultCurrency,
	})
	defer svc.Close()

	h := handler.NewHandler(svc, logger, authMiddleware, metrics.Get().Handler())

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Завершение истёкших позиций и пересчёт реферальных вознаграждений
	g.Go(func() error {
		svc.StartBackgroundJobs(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting poolyield server",
			"addr", cfg.RunAddress,
			"pool_data", cfg.PoolDataAddress != "",
			"redis", cfg.RedisAddr != "",
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
