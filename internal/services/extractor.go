package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"pipeline-backend/internal/core/types"
	"time"

	"github.com/go-resty/resty/v2"
)

// collaboratorResponse is the envelope shared by the extraction and embedding
// services. Older deployments nest the result under "response".
type collaboratorResponse struct {
	Success *bool           `json:"success"`
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Output  json.RawMessage `json:"output"`

	Embedding   []float64 `json:"embedding"`
	ElapsedTime float64   `json:"elapsed_time"`

	Response *collaboratorResponse `json:"response"`
}

func (r *collaboratorResponse) failed() bool {
	return r.Success != nil && !*r.Success
}

// unwrap returns the innermost result carrying the payload.
func (r *collaboratorResponse) unwrap() *collaboratorResponse {
	if r.Response != nil && len(r.Output) == 0 && r.Embedding == nil {
		return r.Response
	}
	return r
}

func collaboratorError(kind types.ErrorKind, res *resty.Response, body *collaboratorResponse) *types.PipelineError {
	status := res.StatusCode()
	if body != nil && body.Status != 0 {
		status = body.Status
	}
	if status < http.StatusBadRequest {
		status = http.StatusBadGateway
	}

	msg := res.String()
	if body != nil && body.Message != "" {
		msg = body.Message
	}
	return &types.PipelineError{Kind: kind, StatusCode: status, Message: msg}
}

type HTTPExtractor struct {
	client *resty.Client
}

var _ Extractor = (*HTTPExtractor)(nil)

func NewHTTPExtractor(baseUrl string, timeout time.Duration) *HTTPExtractor {
	return &HTTPExtractor{
		client: resty.New().
			SetBaseURL(baseUrl).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

func (e *HTTPExtractor) Extract(ctx context.Context, req ExtractRequest) ([]types.Chunk, error) {
	var body collaboratorResponse
	res, err := e.client.R().
		SetContext(ctx).
		SetBody(map[string]any(req)).
		SetResult(&body).
		SetError(&body).
		Post("/extract")
	if err != nil {
		slog.Error("extraction request failed", "error", err)
		return nil, &types.PipelineError{
			Kind:       types.ExtractionError,
			StatusCode: http.StatusServiceUnavailable,
			Message:    fmt.Sprintf("extraction request failed: %v", err),
		}
	}

	if res.IsError() || body.failed() || body.unwrap().failed() {
		perr := collaboratorError(types.ExtractionError, res, &body)
		slog.Error("extraction service returned error", "status_code", perr.StatusCode, "message", perr.Message)
		return nil, perr
	}

	chunks, err := parseChunks(body.unwrap().Output)
	if err != nil {
		return nil, &types.PipelineError{
			Kind:       types.ExtractionError,
			StatusCode: http.StatusBadGateway,
			Message:    err.Error(),
		}
	}

	return chunks, nil
}

// parseChunks accepts either a list of chunks or a bare string, which becomes a
// single chunk with empty metadata.
func parseChunks(output json.RawMessage) ([]types.Chunk, error) {
	output = bytes.TrimSpace(output)
	if len(output) == 0 || bytes.Equal(output, []byte("null")) {
		return nil, fmt.Errorf("extraction response has no output")
	}

	if output[0] == '"' {
		var text string
		if err := json.Unmarshal(output, &text); err != nil {
			return nil, fmt.Errorf("error parsing extraction output: %w", err)
		}
		return []types.Chunk{{Text: text, Metadata: map[string]any{}}}, nil
	}

	var chunks []types.Chunk
	if err := json.Unmarshal(output, &chunks); err != nil {
		return nil, fmt.Errorf("error parsing extraction output: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("extraction returned no chunks")
	}

	for i := range chunks {
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = map[string]any{}
		}
	}

	return chunks, nil
}
