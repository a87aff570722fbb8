package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"pipeline-backend/cmd"
	"pipeline-backend/internal/config"
	"pipeline-backend/internal/database"
	"pipeline-backend/internal/messaging"
	"syscall"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.Load[config.WorkerConfig]()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL, cfg.Processor.WorkerConcurrency)
	if err != nil {
		log.Fatalf("Failed to start RabbitMQ consumer: %v", err)
	}

	worker := cmd.NewTaskProcessor(db, publisher, reciever, cmd.LoadCipher(cfg.CredentialsKey), cfg.Collaborators, cfg.Processor)

	done := make(chan struct{})
	go func() {
		worker.Start()
		close(done)
	}()

	slog.Info("worker started, waiting for tasks", "concurrency", cfg.Processor.WorkerConcurrency, "embed_provider", cfg.Collaborators.EmbedProvider)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutdown signal received, waiting for in flight tasks")

	worker.Stop()
	<-done

	slog.Info("worker process stopped")
}
