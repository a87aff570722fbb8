package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"pipeline-backend/internal/core/types"
	"time"

	"github.com/go-resty/resty/v2"
)

type embedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

// HTTPEmbedder calls an embedding service speaking {input, model} ->
// {embedding, elapsed_time}.
type HTTPEmbedder struct {
	client *resty.Client
}

var _ Embedder = (*HTTPEmbedder)(nil)

func NewHTTPEmbedder(baseUrl string, timeout time.Duration) *HTTPEmbedder {
	return &HTTPEmbedder{
		client: resty.New().
			SetBaseURL(baseUrl).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text, model string) ([]float64, error) {
	var body collaboratorResponse
	res, err := e.client.R().
		SetContext(ctx).
		SetBody(embedRequest{Input: text, Model: model}).
		SetResult(&body).
		SetError(&body).
		Post("/embed")
	if err != nil {
		return nil, &types.PipelineError{
			Kind:       types.EmbeddingError,
			StatusCode: http.StatusServiceUnavailable,
			Message:    fmt.Sprintf("embedding request failed: %v", err),
		}
	}

	if res.IsError() || body.failed() || body.unwrap().failed() {
		return nil, collaboratorError(types.EmbeddingError, res, &body)
	}

	result := body.unwrap()
	if len(result.Embedding) == 0 {
		return nil, &types.PipelineError{
			Kind:       types.EmbeddingError,
			StatusCode: http.StatusBadGateway,
			Message:    "embedding response has no embedding",
		}
	}

	slog.Debug("embedded chunk", "model", model, "dimension", len(result.Embedding), "elapsed_time", result.ElapsedTime)

	return result.Embedding, nil
}
