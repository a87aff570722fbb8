package cmd

import (
	"flag"
	"log"
	"log/slog"
	"pipeline-backend/internal/config"
	"pipeline-backend/internal/core"
	"pipeline-backend/internal/messaging"
	"pipeline-backend/internal/secrets"
	"pipeline-backend/internal/services"
	"pipeline-backend/internal/storage"

	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func LoadCipher(key string) *secrets.Cipher {
	cipher, err := secrets.NewCipherFromBase64(key)
	if err != nil {
		log.Fatalf("invalid CREDENTIALS_KEY: %v", err)
	}
	return cipher
}

func NewEmbedder(cfg config.CollaboratorConfig) services.Embedder {
	switch cfg.EmbedProvider {
	case "openai":
		slog.Info("using openai compatible embedding provider", "base_url", cfg.OpenAIBaseURL)
		return services.NewOpenAIEmbedder(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey)
	default:
		slog.Info("using http embedding service", "url", cfg.EmbedServiceURL)
		return services.NewHTTPEmbedder(cfg.EmbedServiceURL, cfg.EmbedTimeout)
	}
}

// NewTaskProcessor wires the pipeline processor and its collaborators onto a
// queue.
func NewTaskProcessor(db *gorm.DB, publisher messaging.Publisher, reciever messaging.Reciever, cipher *secrets.Cipher, collaborators config.CollaboratorConfig, cfg config.ProcessorConfig) *core.TaskProcessor {
	tasks := core.NewTaskManager(db, publisher)

	processor := core.NewProcessor(
		storage.NewConnectorFactory(cipher),
		services.NewHTTPExtractor(collaborators.ExtractServiceURL, collaborators.ExtractTimeout),
		NewEmbedder(collaborators),
		tasks,
		core.ProcessorOptions{
			ExtractTimeout:   collaborators.ExtractTimeout,
			EmbedTimeout:     collaborators.EmbedTimeout,
			StorageTimeout:   cfg.StorageTimeout,
			ChunkConcurrency: cfg.ChunkConcurrency,
		},
	)

	retry := core.RetryPolicy{MaxRetries: cfg.MaxRetries, Delay: cfg.RetryDelay}

	return core.NewTaskProcessor(db, publisher, reciever, tasks, processor, retry, cfg.WorkerConcurrency)
}
