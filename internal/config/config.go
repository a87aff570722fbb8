package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type CollaboratorConfig struct {
	ExtractServiceURL string        `env:"EXTRACT_SERVICE_URL,notEmpty,required"`
	EmbedServiceURL   string        `env:"EMBED_SERVICE_URL"`
	EmbedProvider     string        `env:"EMBED_PROVIDER" envDefault:"http"`
	OpenAIBaseURL     string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIAPIKey      string        `env:"OPENAI_API_KEY"`
	ExtractTimeout    time.Duration `env:"EXTRACT_TIMEOUT" envDefault:"5m"`
	EmbedTimeout      time.Duration `env:"EMBED_TIMEOUT" envDefault:"1m"`
}

type ProcessorConfig struct {
	StorageTimeout    time.Duration `env:"STORAGE_TIMEOUT" envDefault:"30s"`
	ChunkConcurrency  int           `env:"CHUNK_CONCURRENCY" envDefault:"1"`
	MaxRetries        int           `env:"TASK_MAX_RETRIES" envDefault:"2"`
	RetryDelay        time.Duration `env:"TASK_RETRY_DELAY" envDefault:"5s"`
	WorkerConcurrency int           `env:"CONCURRENCY" envDefault:"1"`
}

type APIConfig struct {
	DatabaseURL    string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL    string `env:"RABBITMQ_URL,notEmpty,required"`
	CredentialsKey string `env:"CREDENTIALS_KEY,notEmpty,required"`
	APIPort        string `env:"API_PORT" envDefault:"8001"`
}

type WorkerConfig struct {
	DatabaseURL    string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL    string `env:"RABBITMQ_URL,notEmpty,required"`
	CredentialsKey string `env:"CREDENTIALS_KEY,notEmpty,required"`

	Collaborators CollaboratorConfig
	Processor     ProcessorConfig
}

type LocalConfig struct {
	Root           string `env:"ROOT" envDefault:"./pipeline-data"`
	Port           int    `env:"PORT" envDefault:"3001"`
	CredentialsKey string `env:"CREDENTIALS_KEY,notEmpty,required"`

	Collaborators CollaboratorConfig
	Processor     ProcessorConfig
}

// Load parses T from the process environment and checks settings that
// depend on each other.
func Load[T any]() (T, error) {
	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}

	var collaborators *CollaboratorConfig
	switch c := any(&cfg).(type) {
	case *WorkerConfig:
		collaborators = &c.Collaborators
	case *LocalConfig:
		collaborators = &c.Collaborators
	}

	if collaborators != nil {
		if err := collaborators.validate(); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

func (c CollaboratorConfig) validate() error {
	switch c.EmbedProvider {
	case "http":
		if c.EmbedServiceURL == "" {
			return fmt.Errorf("EMBED_SERVICE_URL must be set when EMBED_PROVIDER is 'http'")
		}
	case "openai":
	default:
		return fmt.Errorf("invalid EMBED_PROVIDER '%s': must be 'http' or 'openai'", c.EmbedProvider)
	}
	return nil
}
