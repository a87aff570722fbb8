package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"pipeline-backend/internal/core/types"
	"strconv"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIEmbedder embeds through any OpenAI compatible endpoint. Mappings name
// their own model, so one langchaingo embedder is kept per model.
type OpenAIEmbedder struct {
	baseUrl string
	token   string

	mu        sync.Mutex
	embedders map[string]embeddings.Embedder
}

var _ Embedder = (*OpenAIEmbedder)(nil)

func NewOpenAIEmbedder(baseUrl, token string) *OpenAIEmbedder {
	if token == "" {
		// local OpenAI compatible servers accept any token
		token = "none"
	}
	return &OpenAIEmbedder{
		baseUrl:   baseUrl,
		token:     token,
		embedders: make(map[string]embeddings.Embedder),
	}
}

func (e *OpenAIEmbedder) embedder(model string) (embeddings.Embedder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if embedder, ok := e.embedders[model]; ok {
		return embedder, nil
	}

	opts := []openai.Option{
		openai.WithToken(e.token),
		openai.WithEmbeddingModel(model),
	}
	if e.baseUrl != "" {
		opts = append(opts, openai.WithBaseURL(e.baseUrl))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating openai client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("error creating embedder: %w", err)
	}

	e.embedders[model] = embedder
	return embedder, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text, model string) ([]float64, error) {
	embedder, err := e.embedder(model)
	if err != nil {
		return nil, &types.PipelineError{Kind: types.EmbeddingError, StatusCode: http.StatusBadRequest, Message: err.Error()}
	}

	vectors, err := embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		slog.Error("openai embedding failed", "model", model, "error", err)
		return nil, &types.PipelineError{Kind: types.EmbeddingError, StatusCode: http.StatusBadGateway, Message: err.Error()}
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, &types.PipelineError{Kind: types.EmbeddingError, StatusCode: http.StatusBadGateway, Message: "embedding response has no embedding"}
	}

	return widen(vectors[0]), nil
}

// widen converts float32 components through their shortest decimal form, so
// 0.1 stays 0.1 rather than becoming 0.10000000149011612.
func widen(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i], _ = strconv.ParseFloat(strconv.FormatFloat(float64(v), 'g', -1, 32), 64)
	}
	return out
}
