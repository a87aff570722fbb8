package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"pipeline-backend/cmd"
	"pipeline-backend/internal/api"
	"pipeline-backend/internal/config"
	"pipeline-backend/internal/core"
	"pipeline-backend/internal/database"
	"pipeline-backend/internal/messaging"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "pipelines.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := database.NewSqliteDatabase(path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	return db
}

// createQueue republishes the tasks a previous run left in PROCESSING, since
// the in memory queue does not outlive the process.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	queue := messaging.NewInMemoryQueue()

	n, err := core.NewTaskManager(db, queue).RequeueProcessing(context.Background())
	if err != nil {
		log.Fatalf("Failed to requeue unfinished tasks: %v", err)
	}
	if n > 0 {
		slog.Info("requeued unfinished pipeline tasks", "count", n)
	}

	return queue
}

func createServer(db *gorm.DB, queue messaging.Publisher, cfg config.LocalConfig) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, core.NewTaskManager(db, queue), cmd.LoadCipher(cfg.CredentialsKey))

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	cfg, err := config.Load[config.LocalConfig]()
	if err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "embed_provider", cfg.Collaborators.EmbedProvider)

	db := createDatabase(cfg.Root)

	queue := createQueue(db)

	worker := cmd.NewTaskProcessor(db, queue, queue, cmd.LoadCipher(cfg.CredentialsKey), cfg.Collaborators, cfg.Processor)

	server := createServer(db, queue, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting worker")
		worker.Start()
		return nil
	})

	g.Go(func() error {
		slog.Info("server started", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %d: %w", cfg.Port, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := server.Shutdown(shutdownCtx)

		slog.Info("shutting down worker")
		worker.Stop()

		return err
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("backend stopped with error: %v", err)
	}

	slog.Info("server stopped")
}
