package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"partnerlink/internal/app"
	"partnerlink/internal/config"
	"partnerlink/internal/handlers"
	"partnerlink/internal/services"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func Run(ctx context.Context) error {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Setup Logger
	logger := app.NewLogger(cfg)

	// 3. Stores, migrations and services
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	inProcess := a.Broker != nil
	if inProcess {
		if err := a.Scheduler.Register(); err != nil {
			return fmt.Errorf("failed to register scheduled jobs: %w", err)
		}
	}

	rateLimiter := services.NewClientRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, logger)

	// 4. Initialize Handler
	h := handlers.NewHandler(cfg, logger, a.DB, a.HandlerServices(), a.Metrics, a.Registry)

	// 5. Setup Router
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := h.SetupRouter(rateLimiter)

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var wg sync.WaitGroup
	background := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(workerCtx)
		}()
	}

	background(a.Audit.Start)
	background(a.Clicks.Start)
	background(a.GeoIP.StartUpdater)
	background(func(ctx context.Context) { rateLimiter.StartCleanup(ctx, 10*time.Minute, 30*time.Minute) })
	go a.GeoIP.Init()

	// Without Kafka the queue lives in this process, so its consumers must too.
	if inProcess {
		background(a.Scheduler.Run)
		background(func(ctx context.Context) {
			if err := a.RunCommissionWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Commission worker stopped", "error", err)
			}
		})
		background(func(ctx context.Context) {
			if err := a.RunWebhookRelay(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Webhook relay stopped", "error", err)
			}
		})
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Stop workers after the server so accepted clicks are still drained.
	workerCancel()
	wg.Wait()

	logger.Info("Server exiting")
	return runErr
}
