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
	"github.com/viva-health/screening/pkg/common/config"
	"github.com/viva-health/screening/pkg/common/database"
	"github.com/viva-health/screening/pkg/common/logger"
	"github.com/viva-health/screening/pkg/features"
	"github.com/viva-health/screening/pkg/gateway/middleware"
	"github.com/viva-health/screening/pkg/observability/metrics"
	"github.com/viva-health/screening/pkg/serving"
	"github.com/viva-health/screening/pkg/serving/predictor"
	"github.com/viva-health/screening/pkg/storage"
	"github.com/viva-health/screening/pkg/terminology"
)

func main() {
	logger.Init()
	cfg := config.Load()
	metrics.Init()

	catalog, err := terminology.Load(cfg.TerminologyPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load terminology catalog")
	}
	encoder := features.NewEncoder(catalog)
	snapshot := storage.NewPatientSnapshot(cfg.PatientDatasetPath())
	models := predictor.NewPredictor(cfg.ModelDir)

	var opts []serving.Option
	var handlerOpts []serving.HandlerOption
	if cfg.DatabaseEnabled {
		db, err := database.GetPostgres(cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to connect to database")
		}
		repo := serving.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("Failed to migrate prediction logs")
		}
		opts = append(opts, serving.WithRepository(repo))
		handlerOpts = append(handlerOpts, serving.WithPredictionLogs(repo))
		defer database.ClosePostgres()
	}
	if cfg.CacheEnabled {
		opts = append(opts, serving.WithCache(storage.NewAssessmentCache(database.GetRedis(cfg), cfg.CacheTTL)))
		defer database.CloseRedis()
	}

	service := serving.NewService(snapshot, models, encoder, cfg.GPModelName, cfg.QuizModelName, opts...)

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	serving.NewHandler(service, handlerOpts...).Register(router)

	// CORS sits outside the router so preflight requests never hit route matching.
	var handler http.Handler = router
	handler = middleware.BodyLimit(cfg.MaxRequestBody)(handler)
	handler = middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)(handler)
	handler = middleware.CORS(cfg.CORSAllowedOrigins)(handler)
	handler = middleware.Recovery(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":     cfg.ServerHost,
			"port":     cfg.ServerPort,
			"dataset":  snapshot.Path(),
			"gp_model": models.Path(cfg.GPModelName),
		}).Info("Risk API started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Risk API...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Risk API stopped")
}
