package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"pipeline-backend/internal/core/types"
	"pipeline-backend/internal/core/utils"
	"pipeline-backend/internal/services"
	"pipeline-backend/internal/storage"
	"time"

	"github.com/google/uuid"
)

type RunState string

const (
	StateStart       RunState = "START"
	StateConnecting  RunState = "CONNECTING"
	StateNormalizing RunState = "NORMALIZING"
	StateMapping     RunState = "MAPPING"
	StateChunk       RunState = "CHUNK"
	StateDone        RunState = "DONE"
	StateAborted     RunState = "ABORTED"
)

// ErrorRecorder stores errors against a task record without changing its
// status.
type ErrorRecorder interface {
	RecordError(ctx context.Context, taskId uuid.UUID, err *types.PipelineError) error
}

type ProcessorOptions struct {
	ExtractTimeout time.Duration
	EmbedTimeout   time.Duration
	StorageTimeout time.Duration

	// Values above 1 embed and insert the chunks of one mapping concurrently.
	// Mappings are always processed one at a time.
	ChunkConcurrency int
}

// Processor runs one pipeline invocation against one change event.
type Processor struct {
	connectors storage.ConnectorFactory
	extractor  services.Extractor
	embedder   services.Embedder
	recorder   ErrorRecorder
	opts       ProcessorOptions
}

func NewProcessor(connectors storage.ConnectorFactory, extractor services.Extractor, embedder services.Embedder, recorder ErrorRecorder, opts ProcessorOptions) *Processor {
	return &Processor{
		connectors: connectors,
		extractor:  extractor,
		embedder:   embedder,
		recorder:   recorder,
		opts:       opts,
	}
}

type RunResult struct {
	State          RunState
	MappingsRun    int
	Chunks         int
	Inserted       int
	IsolatedErrors int
}

// run tracks one invocation.
type run struct {
	proc     *Processor
	tenantId string
	taskId   uuid.UUID
	pipeline types.Pipeline
	result   RunResult
	logger   *slog.Logger
}

func (r *run) transition(state RunState, args ...any) {
	r.logger.Debug("pipeline state transition", append([]any{"from", r.result.State, "to", state}, args...)...)
	r.result.State = state
}

// abort records err as a fatal error on the task and ends the run.
func (r *run) abort(ctx context.Context, err error, fallback types.ErrorKind) (RunResult, error) {
	perr := classify(err, fallback, types.Fatal)
	r.logger.Error("pipeline run aborted", "state", r.result.State, "kind", perr.Kind, "status_code", perr.StatusCode, "error", perr.Message)

	r.transition(StateAborted)
	if recErr := r.proc.recorder.RecordError(ctx, r.taskId, perr); recErr != nil {
		r.logger.Error("unable to record fatal error", "error", recErr)
	}

	return r.result, perr
}

// isolated records err against the task and lets the run continue.
func (r *run) isolated(ctx context.Context, err error, fallback types.ErrorKind, args ...any) {
	perr := classify(err, fallback, types.Isolated)
	r.logger.Warn("isolated pipeline error", append([]any{"kind", perr.Kind, "status_code", perr.StatusCode, "error", perr.Message}, args...)...)

	if recErr := r.proc.recorder.RecordError(ctx, r.taskId, perr); recErr != nil {
		r.logger.Error("unable to record isolated error", "error", recErr)
	}
}

// classify converts err to a PipelineError of the given severity. Errors whose
// own kind has a different severity are reported under fallback.
func classify(err error, fallback types.ErrorKind, severity types.Severity) *types.PipelineError {
	perr := types.NewPipelineError(err, fallback)
	if perr.Severity() != severity {
		return &types.PipelineError{Kind: fallback, StatusCode: perr.StatusCode, Message: perr.Message}
	}
	return perr
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Process executes the pipeline against payload. Captured failures (disabled
// pipeline, connection, normalization and extraction) are recorded on the task
// and returned as a *types.PipelineError. Embedding and insertion failures are
// recorded and skipped, they never end the run.
func (p *Processor) Process(ctx context.Context, tenantId string, taskId uuid.UUID, pipeline types.Pipeline, payload map[string]any) (RunResult, error) {
	r := &run{
		proc:     p,
		tenantId: tenantId,
		taskId:   taskId,
		pipeline: pipeline,
		result:   RunResult{State: StateStart},
		logger:   slog.With("tenant_id", tenantId, "task_id", taskId, "pipeline_id", pipeline.PipelineId),
	}

	if !pipeline.Enabled {
		return r.abort(ctx, &types.PipelineError{
			Kind:       types.DisabledError,
			StatusCode: http.StatusConflict,
			Message:    fmt.Sprintf("pipeline '%s' is disabled", pipeline.PipelineId),
		}, types.DisabledError)
	}

	r.transition(StateConnecting, "engine", pipeline.Connection.Engine)

	connector, err := p.connectors(pipeline.Connection)
	if err != nil {
		return r.abort(ctx, err, types.ConfigurationError)
	}

	connectCtx, cancel := withTimeout(ctx, p.opts.StorageTimeout)
	err = connector.Connect(connectCtx)
	cancel()
	if err != nil {
		return r.abort(ctx, err, types.ConnectionError)
	}

	defer func() {
		closeCtx, cancel := withTimeout(context.Background(), p.opts.StorageTimeout)
		defer cancel()
		if err := connector.Close(closeCtx); err != nil {
			r.logger.Warn("error closing storage connector", "error", err)
		}
	}()

	r.transition(StateNormalizing)

	fields, err := connector.Normalize(payload)
	if err != nil {
		return r.abort(ctx, err, types.UnsupportedOperationError)
	}
	parentId := fields[storage.ParentIdField]

	for i, mapping := range pipeline.Mappings {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("pipeline run interrupted", "state", r.result.State, "error", err)
			return r.result, err
		}

		r.transition(StateMapping, "mapping", i, "collection", mapping.Destination.Collection)

		req := services.NewExtractRequest(mapping.Source, fields[mapping.Source.Field])

		extractCtx, cancel := withTimeout(ctx, p.opts.ExtractTimeout)
		chunks, err := p.extractor.Extract(extractCtx, req)
		cancel()
		if err != nil {
			return r.abort(ctx, err, types.ExtractionError)
		}

		r.result.MappingsRun++
		r.result.Chunks += len(chunks)

		r.processChunks(ctx, connector, mapping, chunks, parentId)
	}

	if err := ctx.Err(); err != nil {
		r.logger.Warn("pipeline run interrupted", "state", r.result.State, "error", err)
		return r.result, err
	}

	r.transition(StateDone, "inserted", r.result.Inserted, "isolated_errors", r.result.IsolatedErrors)

	return r.result, nil
}

type chunkJob struct {
	index int
	chunk types.Chunk
}

func (r *run) processChunks(ctx context.Context, connector storage.Connector, mapping types.Mapping, chunks []types.Chunk, parentId any) {
	jobs := make([]chunkJob, len(chunks))
	for i, chunk := range chunks {
		jobs[i] = chunkJob{index: i, chunk: chunk}
	}

	worker := func(ctx context.Context, job chunkJob) (struct{}, error) {
		return struct{}{}, r.processChunk(ctx, connector, mapping, job, parentId)
	}

	if r.proc.opts.ChunkConcurrency <= 1 {
		for _, job := range jobs {
			r.countChunk(worker(ctx, job))
		}
		return
	}

	for _, completed := range utils.RunInPool(ctx, worker, jobs, r.proc.opts.ChunkConcurrency) {
		r.countChunk(completed.Result, completed.Error)
	}
}

func (r *run) countChunk(_ struct{}, err error) {
	if err != nil {
		r.result.IsolatedErrors++
	} else {
		r.result.Inserted++
	}
}

// processChunk embeds and stores a single chunk. Any error it returns has
// already been recorded on the task.
func (r *run) processChunk(ctx context.Context, connector storage.Connector, mapping types.Mapping, job chunkJob, parentId any) error {
	r.logger.Debug("pipeline state transition", "to", StateChunk, "chunk", job.index)

	embedCtx, cancel := withTimeout(ctx, r.proc.opts.EmbedTimeout)
	embedding, err := r.proc.embedder.Embed(embedCtx, job.chunk.Text, mapping.EmbeddingModel)
	cancel()
	if err != nil {
		r.isolated(ctx, err, types.EmbeddingError, "chunk", job.index)
		return err
	}

	metadata := job.chunk.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	object := map[string]any{
		mapping.Destination.Field:          job.chunk.Text,
		mapping.Destination.EmbeddingField: embedding,
	}
	object["metadata"] = metadata
	object[storage.ParentIdField] = parentId

	insertCtx, cancel := withTimeout(ctx, r.proc.opts.StorageTimeout)
	err = connector.Insert(insertCtx, mapping.Destination.Collection, object)
	cancel()
	if err != nil {
		r.isolated(ctx, err, types.InsertionError, "chunk", job.index)
		return err
	}

	return nil
}
