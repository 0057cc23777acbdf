// phiacta-verify server: HTTP API plus background verification workers
// sharing one Redis-backed job queue.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"phiacta-verify/internal/api"
	"phiacta-verify/internal/config"
	"phiacta-verify/internal/logging"
	"phiacta-verify/internal/phiacta"
	"phiacta-verify/internal/queue"
	"phiacta-verify/internal/sandbox"
	"phiacta-verify/internal/signing"
	"phiacta-verify/internal/worker"
)

func main() {
	// .env is optional; the system environment is authoritative.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", zap.Error(err))
	}
	if !cfg.ContainerNetworkDisabled {
		logging.L().Fatal("refusing to start: sandbox network access cannot be enabled")
	}
	defer logging.Sync()

	log := logging.L()
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := queue.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.String("url", cfg.RedisURL), zap.Error(err))
	}
	jobQueue := queue.NewJobQueue(rdb)
	defer jobQueue.Close()

	signer, err := signing.NewSigner(cfg.SigningKeyPath)
	if err != nil {
		log.Fatal("failed to initialize signer", zap.Error(err))
	}

	sb, err := sandbox.New()
	if err != nil {
		log.Fatal("failed to connect to docker daemon", zap.Error(err))
	}

	var reporter *phiacta.Client
	if cfg.PhiactaAPIKey != "" {
		reporter = phiacta.NewClient(cfg.PhiactaAPIURL, cfg.PhiactaAPIKey)
	}

	var wg sync.WaitGroup
	for i := 1; i <= cfg.MaxConcurrentJobs; i++ {
		w := worker.New(jobQueue, sb, signer, fmt.Sprintf("worker-%d", i)).
			WithCPULimit(cfg.ContainerCPULimit)
		if reporter != nil {
			w = w.WithReporter(reporter)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	log.Info("workers started", zap.Int("count", cfg.MaxConcurrentJobs))

	server := api.NewServer(jobQueue, cfg)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced server shutdown", zap.Error(err))
	}

	// Workers observe ctx cancellation at their next blocking read.
	wg.Wait()
	log.Info("shutdown complete")
}
