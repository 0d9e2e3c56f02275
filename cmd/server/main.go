package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/entrack/internal/api"
	"github.com/rpattn/entrack/internal/config"
	"github.com/rpattn/entrack/internal/db"
	"github.com/rpattn/entrack/internal/domain"
	"github.com/rpattn/entrack/internal/export"
	"github.com/rpattn/entrack/internal/middleware"
	"github.com/rpattn/entrack/internal/repository"
	"github.com/rpattn/entrack/internal/tracking"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".", logger)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if err := db.RunMigrations(cfg.Database, cfg.MigrationsPath, logger); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	conn, err := db.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	registry := domain.NewRegistry()
	registerTypes(registry)

	entityRepo := repository.NewEntityRepository(conn.Pool, registry)
	historyRepo := repository.NewHistoryRepository(conn.Pool)
	provenanceRepo := repository.NewProvenanceRepository(conn.Pool)

	tracker := tracking.NewTracker(registry, entityRepo, historyRepo, provenanceRepo, logger)
	exporter := export.NewService(historyRepo)

	handler := api.NewHandler(registry, tracker, exporter, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	root := corsHandler.Handler(
		middleware.Logging(logger)(
			middleware.RequestScope(handler.Routes()),
		),
	)

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

// registerTypes declares the entity types this deployment tracks.
func registerTypes(registry *domain.Registry) {
	registry.MustRegister(domain.TypeDescriptor{
		Name: "author",
		Fields: []domain.FieldDefinition{
			{Name: "name", Type: domain.FieldTypeString, Required: true},
		},
	})
	registry.MustRegister(domain.TypeDescriptor{
		Name: "article",
		Fields: []domain.FieldDefinition{
			{Name: "title", Type: domain.FieldTypeString, Required: true},
			{Name: "words", Type: domain.FieldTypeInteger},
			{Name: "published", Type: domain.FieldTypeDate},
			{Name: "metadata", Type: domain.FieldTypeJSON},
			{Name: "author", Type: domain.FieldTypeEntityReference, ReferenceEntityType: "author"},
			{Name: "contributors", Type: domain.FieldTypeEntityReferenceArray, ReferenceEntityType: "author"},
		},
	})
}
