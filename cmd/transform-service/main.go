package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowlytics/platform/pkg/checkpoint"
	"github.com/flowlytics/platform/pkg/common/config"
	"github.com/flowlytics/platform/pkg/common/database"
	"github.com/flowlytics/platform/pkg/common/logger"
	"github.com/flowlytics/platform/pkg/common/queue"
	"github.com/flowlytics/platform/pkg/domain"
	"github.com/flowlytics/platform/pkg/observability/metrics"
	"github.com/flowlytics/platform/pkg/orchestrator"
	"github.com/flowlytics/platform/pkg/rawstore"
	"github.com/flowlytics/platform/pkg/transform"
)

func main() {
	logger.Init("transform-service")
	cfg := config.Load()

	catalog, err := config.LoadIntegrations(cfg.IntegrationsFile)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load integrations catalog")
	}

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to database")
	}
	defer database.ClosePostgres()

	producer := queue.NewProducer()
	defer producer.Close()

	repo := orchestrator.NewRepository(db)
	tracker := orchestrator.NewTracker(db, producer)
	checkpoints := checkpoint.NewManager(db)
	service := orchestrator.NewService(repo, tracker, checkpoints, producer, database.GetRedis(), catalog, cfg.StatusCacheTTL)

	worker := transform.NewWorker(
		rawstore.NewRepository(db),
		domain.NewRepository(db),
		tracker,
		producer,
		repo,
	)

	consumer := queue.NewConsumer(queue.ChannelTransform, "transform-workers", producer, service.HandleDeadLetter)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Consume(ctx, worker.Process); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Fatal("consumer error")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.HandleFunc("/metrics", metrics.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.ServerHost, "8092"),
		Handler: router,
	}

	go func() {
		logger.Log.Info("transform service started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("shutting down transform service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("transform service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
