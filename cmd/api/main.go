package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"grimoire/pkg/auth"
	"grimoire/pkg/books"
	"grimoire/pkg/config"
	"grimoire/pkg/database"
	"grimoire/pkg/handlers"
	"grimoire/pkg/images"
	"grimoire/pkg/logging"
	"grimoire/pkg/metrics"
	"grimoire/pkg/middleware"
	"grimoire/pkg/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load before reading the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Server stopped with error")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	log.Info("Starting grimoire API...")

	db, err := database.Open(cfg.DB, log)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	m := metrics.New()

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	authSvc, err := auth.NewService(store.NewUserStore(db), auth.NewBcryptHasher(cfg.BcryptCost), tokens, log)
	if err != nil {
		return err
	}

	backend, err := images.NewBackend(ctx, cfg.Images)
	if err != nil {
		return err
	}
	janitor := images.NewJanitor(backend, cfg.Images.CleanupInterval, cfg.Images.CleanupAttempts, log)
	janitor.OnOutcome(m.ImageCleanup)
	pipeline := images.NewPipeline(images.NewProcessor(cfg.Images.MaxWidth, cfg.Images.MaxUploadBytes, cfg.Images.MaxPixels), backend, janitor)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)

	uploadDir := ""
	if cfg.Images.Backend == config.BackendDisk {
		uploadDir = cfg.Images.UploadDir
	}

	gin.SetMode(cfg.GinMode)
	router := handlers.NewRouter(handlers.Deps{
		Auth:           authSvc,
		Books:          books.NewService(store.NewBookStore(db), pipeline, log),
		Tokens:         tokens,
		DB:             db,
		Metrics:        m,
		Limiter:        limiter,
		Log:            log,
		CORSOrigins:    cfg.CORSOrigins,
		UploadDir:      uploadDir,
		MaxUploadBytes: cfg.Images.MaxUploadBytes,
	})

	go janitor.Run(ctx)
	go limiter.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
