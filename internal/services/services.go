package services

import (
	"context"
	"pipeline-backend/internal/core/types"
)

// ExtractRequest is sent as-is to the extraction service. It holds the source
// type keyed to the resolved value plus the mapping's extraction settings.
type ExtractRequest map[string]any

func NewExtractRequest(source types.Source, value any) ExtractRequest {
	req := make(ExtractRequest, len(source.Settings)+1)
	req[string(source.Type)] = value
	for k, v := range source.Settings {
		req[k] = v
	}
	return req
}

type Extractor interface {
	// Extract returns a non-empty ordered list of chunks, or an error wrapping
	// types.ErrExtraction.
	Extract(ctx context.Context, req ExtractRequest) ([]types.Chunk, error)
}

type Embedder interface {
	// Embed returns the embedding of text under model, or an error wrapping
	// types.ErrEmbedding.
	Embed(ctx context.Context, text, model string) ([]float64, error)
}
