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
	"github.com/sirupsen/logrus"

	"github.com/flowlytics/platform/pkg/checkpoint"
	"github.com/flowlytics/platform/pkg/common/config"
	"github.com/flowlytics/platform/pkg/common/database"
	"github.com/flowlytics/platform/pkg/common/logger"
	"github.com/flowlytics/platform/pkg/common/middleware"
	"github.com/flowlytics/platform/pkg/common/queue"
	"github.com/flowlytics/platform/pkg/domain"
	"github.com/flowlytics/platform/pkg/observability/metrics"
	"github.com/flowlytics/platform/pkg/orchestrator"
	"github.com/flowlytics/platform/pkg/rawstore"
)

func main() {
	logger.Init("sync-api")
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

	repo := orchestrator.NewRepository(db)
	checkpoints := checkpoint.NewManager(db)
	for name, migrate := range map[string]func() error{
		"jobs":        repo.AutoMigrate,
		"checkpoints": checkpoints.AutoMigrate,
		"raw store":   rawstore.NewRepository(db).AutoMigrate,
		"domain":      domain.NewRepository(db).AutoMigrate,
	} {
		if err := migrate(); err != nil {
			logger.Log.WithError(err).WithField("schema", name).Fatal("migration failed")
		}
	}

	producer := queue.NewProducer()
	defer producer.Close()

	tracker := orchestrator.NewTracker(db, producer)
	service := orchestrator.NewService(repo, tracker, checkpoints, producer, database.GetRedis(), catalog, cfg.StatusCacheTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Re-enter any job that was running when the last process died.
	if err := service.Recover(ctx); err != nil {
		logger.Log.WithError(err).Error("recovery pass failed")
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging, middleware.BodyLimit(1<<20))
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.HandleFunc("/metrics", metrics.Handler()).Methods(http.MethodGet)
	orchestrator.NewHandler(service).Register(router.PathPrefix("/api/v1").Subrouter())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(logrus.Fields{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("sync API started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("shutting down sync API...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("sync API stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
