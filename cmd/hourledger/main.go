// Package main запускает HTTP-сервер часового леджера.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/hourledger-system/internal/alerts"
	"github.com/mmeshcher/hourledger-system/internal/config"
	"github.com/mmeshcher/hourledger-system/internal/handler"
	"github.com/mmeshcher/hourledger-system/internal/middleware"
	"github.com/mmeshcher/hourledger-system/internal/repository"
	"github.com/mmeshcher/hourledger-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var alertsClient *alerts.Client
	if cfg.AlertsAddress != "" {
		alertsClient = alerts.NewClient(cfg.AlertsAddress)
	}

	var opts []service.Option
	if cfg.LowBalanceThreshold != "" {
		threshold, err := decimal.NewFromString(cfg.LowBalanceThreshold)
		if err != nil {
			sugar.Fatalw("invalid low balance threshold", "error", err.Error())
		}
		opts = append(opts, service.WithLowBalanceThreshold(threshold))
	}
	if cfg.ScanInterval > 0 {
		opts = append(opts, service.WithScanInterval(cfg.ScanInterval))
	}

	svc := service.NewService(repo, alertsClient, logger, opts...)
	defer svc.Close()

	serviceAuth := middleware.NewServiceAuth(cfg.ServiceSecret)
	h := handler.NewHandler(svc, logger, serviceAuth)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового процесса рассылки уведомлений
	g.Go(func() error {
		svc.StartAlertUpdates(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting hourledger server", "addr", cfg.RunAddress)
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
