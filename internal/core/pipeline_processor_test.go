package core_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"pipeline-backend/internal/core"
	"pipeline-backend/internal/core/types"
	"pipeline-backend/internal/services"
	"pipeline-backend/internal/storage"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type insertedObject struct {
	Collection string
	Object     map[string]any
}

// fakeConnector normalizes events the way the document store connector does
// and keeps inserted objects in memory.
type fakeConnector struct {
	connectErr error
	insertErr  func(object map[string]any) error

	mu        sync.Mutex
	connected bool
	closed    bool
	inserted  []insertedObject
}

func (c *fakeConnector) Connect(ctx context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeConnector) Normalize(event map[string]any) (map[string]any, error) {
	mongo, err := storage.NewMongoConnector(types.ConnectionRef{Engine: types.MongoDBEngine, Host: "localhost", Database: "db"}, nil)
	if err != nil {
		return nil, err
	}
	return mongo.Normalize(event)
}

func (c *fakeConnector) Insert(ctx context.Context, collection string, object map[string]any) error {
	if c.insertErr != nil {
		if err := c.insertErr(object); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInsertion, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inserted = append(c.inserted, insertedObject{Collection: collection, Object: object})
	return nil
}

func (c *fakeConnector) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

func (c *fakeConnector) Inserted() []insertedObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]insertedObject(nil), c.inserted...)
}

type connectorFactory struct {
	connector *fakeConnector
	calls     int
}

func (f *connectorFactory) factory(conn types.ConnectionRef) (storage.Connector, error) {
	f.calls++
	return f.connector, nil
}

// fakeExtractor returns the chunks registered for the extracted value.
type fakeExtractor struct {
	mu       sync.Mutex
	chunks   map[string][]types.Chunk
	failures map[string]error
	requests []services.ExtractRequest
}

func (e *fakeExtractor) Extract(ctx context.Context, req services.ExtractRequest) ([]types.Chunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)

	var key string
	for _, t := range []string{string(types.FileUrlSource), string(types.ContentsSource)} {
		if v, ok := req[t].(string); ok {
			key = v
		}
	}

	if err, ok := e.failures[key]; ok {
		return nil, err
	}
	return e.chunks[key], nil
}

type fakeEmbedder struct {
	failures map[string]error
	vectors  map[string][]float64
	onEmbed  func()
}

func (e *fakeEmbedder) Embed(ctx context.Context, text, model string) ([]float64, error) {
	if e.onEmbed != nil {
		e.onEmbed()
	}
	if err, ok := e.failures[text]; ok {
		return nil, err
	}
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return []float64{float64(len(text)), 1}, nil
}

type recordedError struct {
	TaskId uuid.UUID
	Err    *types.PipelineError
}

type memRecorder struct {
	mu     sync.Mutex
	errors []recordedError
}

func (r *memRecorder) RecordError(ctx context.Context, taskId uuid.UUID, err *types.PipelineError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, recordedError{TaskId: taskId, Err: err})
	return nil
}

func (r *memRecorder) bySeverity(severity types.Severity) []recordedError {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedError
	for _, e := range r.errors {
		if e.Err.Severity() == severity {
			out = append(out, e)
		}
	}
	return out
}

func resumeMapping(field, collection string) types.Mapping {
	return types.Mapping{
		EmbeddingModel: "text-embedding-3-small",
		Source:         types.Source{Field: field, Type: types.FileUrlSource, Settings: map[string]any{"strategy": "fast"}},
		Destination:    types.Destination{Collection: collection, Field: "text", EmbeddingField: "embedding"},
	}
}

func testPipeline(mappings ...types.Mapping) types.Pipeline {
	return types.Pipeline{
		PipelineId: "resume",
		Enabled:    true,
		Connection: types.ConnectionRef{Engine: types.MongoDBEngine, Host: "db.example.com", Database: "hr"},
		Mappings:   mappings,
	}
}

func insertEvent(doc map[string]any) map[string]any {
	return map[string]any{
		"operationType": "insert",
		"documentKey":   map[string]any{"_id": doc["_id"]},
		"fullDocument":  doc,
	}
}

type processorFixture struct {
	connector *fakeConnector
	factory   *connectorFactory
	extractor *fakeExtractor
	embedder  *fakeEmbedder
	recorder  *memRecorder
	processor *core.Processor
}

func newProcessorFixture(opts core.ProcessorOptions) *processorFixture {
	f := &processorFixture{
		connector: &fakeConnector{},
		extractor: &fakeExtractor{chunks: map[string][]types.Chunk{}, failures: map[string]error{}},
		embedder:  &fakeEmbedder{failures: map[string]error{}, vectors: map[string][]float64{}},
		recorder:  &memRecorder{},
	}
	f.factory = &connectorFactory{connector: f.connector}
	f.processor = core.NewProcessor(f.factory.factory, f.extractor, f.embedder, f.recorder, opts)
	return f
}

func TestProcessResumeToEmbeddings(t *testing.T) {
	f := newProcessorFixture(core.ProcessorOptions{})
	f.extractor.chunks["https://files.example.com/jane.pdf"] = []types.Chunk{{Text: "Name: Jane"}}
	f.embedder.vectors["Name: Jane"] = []float64{0.1, 0.2}

	event := insertEvent(map[string]any{"_id": "abc123", "resume_url": "https://files.example.com/jane.pdf"})

	taskId := uuid.New()
	result, err := f.processor.Process(context.Background(), "tenant", taskId, testPipeline(resumeMapping("resume_url", "resume_embeddings")), event)
	require.NoError(t, err)

	assert.Equal(t, core.StateDone, result.State)
	assert.Equal(t, 1, result.MappingsRun)
	assert.Equal(t, 1, result.Inserted)
	assert.Zero(t, result.IsolatedErrors)

	inserted := f.connector.Inserted()
	require.Len(t, inserted, 1)
	assert.Equal(t, "resume_embeddings", inserted[0].Collection)
	assert.Equal(t, map[string]any{
		"text":      "Name: Jane",
		"embedding": []float64{0.1, 0.2},
		"metadata":  map[string]any{},
		"parent_id": "abc123",
	}, inserted[0].Object)

	require.Len(t, f.extractor.requests, 1)
	assert.Equal(t, services.ExtractRequest{"file_url": "https://files.example.com/jane.pdf", "strategy": "fast"}, f.extractor.requests[0])

	assert.True(t, f.connector.closed)
	assert.Empty(t, f.recorder.errors)
}

func TestInsertedEmbeddingKeepsCollaboratorValues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true, "embedding": [0.1, 0.2], "elapsed_time": 0.01}`))
	}))
	defer server.Close()

	f := newProcessorFixture(core.ProcessorOptions{})
	f.extractor.chunks["https://files.example.com/jane.pdf"] = []types.Chunk{{Text: "Name: Jane"}}
	processor := core.NewProcessor(f.factory.factory, f.extractor, services.NewHTTPEmbedder(server.URL, 5*time.Second), f.recorder, core.ProcessorOptions{})

	event := insertEvent(map[string]any{"_id": "abc123", "resume_url": "https://files.example.com/jane.pdf"})
	_, err := processor.Process(context.Background(), "tenant", uuid.New(), testPipeline(resumeMapping("resume_url", "resume_embeddings")), event)
	require.NoError(t, err)

	inserted := f.connector.Inserted()
	require.Len(t, inserted, 1)

	data, err := bson.Marshal(bson.M(inserted[0].Object))
	require.NoError(t, err)

	var stored bson.M
	require.NoError(t, bson.Unmarshal(data, &stored))
	assert.Equal(t, bson.A{0.1, 0.2}, stored["embedding"])
	assert.Equal(t, "Name: Jane", stored["text"])
	assert.Equal(t, "abc123", stored["parent_id"])
}

func TestProcessDisabledPipeline(t *testing.T) {
	f := newProcessorFixture(core.ProcessorOptions{})

	pipeline := testPipeline(resumeMapping("resume_url", "resume_embeddings"))
	pipeline.Enabled = false

	taskId := uuid.New()
	result, err := f.processor.Process(context.Background(), "tenant", taskId, pipeline, insertEvent(map[string]any{"_id": "1"}))

	var perr *types.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.DisabledError, perr.Kind)
	assert.Equal(t, 409, perr.StatusCode)
	assert.ErrorIs(t, err, types.ErrPipelineDisabled)
	assert.Equal(t, core.StateAborted, result.State)

	assert.Zero(t, f.factory.calls)
	assert.False(t, f.connector.connected)

	fatal := f.recorder.bySeverity(types.Fatal)
	require.Len(t, fatal, 1)
	assert.Equal(t, taskId, fatal[0].TaskId)
}

func TestProcessConnectionFailure(t *testing.T) {
	f := newProcessorFixture(core.ProcessorOptions{})
	f.connector.connectErr = errors.New("connection refused")

	_, err := f.processor.Process(context.Background(), "tenant", uuid.New(), testPipeline(resumeMapping("resume_url", "out")), insertEvent(map[string]any{"_id": "1"}))

	var perr *types.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.ConnectionError, perr.Kind)
	assert.Empty(t, f.extractor.requests)
	assert.Len(t, f.recorder.bySeverity(types.Fatal), 1)
}

func TestProcessUnsupportedOperation(t *testing.T) {
	f := newProcessorFixture(core.ProcessorOptions{})

	event := map[string]any{"operationType": "delete", "documentKey": map[string]any{"_id": "1"}}

	result, err := f.processor.Process(context.Background(), "tenant", uuid.New(), testPipeline(resumeMapping("resume_url", "out")), event)

	var perr *types.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.UnsupportedOperationError, perr.Kind)
	assert.ErrorIs(t, err, types.ErrUnsupportedOperation)
	assert.Zero(t, result.MappingsRun)
	assert.Empty(t, f.extractor.requests)
	assert.Empty(t, f.connector.Inserted())
	assert.True(t, f.connector.closed)
}

func TestProcessExtractionFailureAbortsRemainingMappings(t *testing.T) {
	f := newProcessorFixture(core.ProcessorOptions{})
	f.extractor.failures["https://files.example.com/a.pdf"] = &types.PipelineError{Kind: types.ExtractionError, StatusCode: 422, Message: "unreadable document"}
	f.extractor.chunks["https://files.example.com/b.pdf"] = []types.Chunk{{Text: "b"}}

	pipeline := testPipeline(resumeMapping("a_url", "a_embeddings"), resumeMapping("b_url", "b_embeddings"))
	event := insertEvent(map[string]any{"_id": "1", "a_url": "https://files.example.com/a.pdf", "b_url": "https://files.example.com/b.pdf"})

	taskId := uuid.New()
	result, err := f.processor.Process(context.Background(), "tenant", taskId, pipeline, event)

	var perr *types.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.ExtractionError, perr.Kind)
	assert.Equal(t, 422, perr.StatusCode)
	assert.Equal(t, core.StateAborted, result.State)

	require.Len(t, f.extractor.requests, 1)
	assert.Empty(t, f.connector.Inserted())

	fatal := f.recorder.bySeverity(types.Fatal)
	require.Len(t, fatal, 1)
	assert.Equal(t, taskId, fatal[0].TaskId)
	assert.Equal(t, "unreadable document", fatal[0].Err.Message)
	assert.Empty(t, f.recorder.bySeverity(types.Isolated))
}

func TestProcessIsolatesChunkFailures(t *testing.T) {
	for _, concurrency := range []int{1, 3} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			f := newProcessorFixture(core.ProcessorOptions{ChunkConcurrency: concurrency})
			f.extractor.chunks["https://files.example.com/jane.pdf"] = []types.Chunk{
				{Text: "chunk 1"}, {Text: "chunk 2"}, {Text: "chunk 3", Metadata: map[string]any{"page": 2}},
			}
			f.embedder.failures["chunk 2"] = &types.PipelineError{Kind: types.EmbeddingError, StatusCode: 429, Message: "rate limited"}

			taskId := uuid.New()
			result, err := f.processor.Process(context.Background(), "tenant", taskId, testPipeline(resumeMapping("resume_url", "out")),
				insertEvent(map[string]any{"_id": "abc", "resume_url": "https://files.example.com/jane.pdf"}))
			require.NoError(t, err)

			assert.Equal(t, core.StateDone, result.State)
			assert.Equal(t, 3, result.Chunks)
			assert.Equal(t, 2, result.Inserted)
			assert.Equal(t, 1, result.IsolatedErrors)

			texts := []string{}
			for _, obj := range f.connector.Inserted() {
				texts = append(texts, obj.Object["text"].(string))
			}
			assert.ElementsMatch(t, []string{"chunk 1", "chunk 3"}, texts)

			isolated := f.recorder.bySeverity(types.Isolated)
			require.Len(t, isolated, 1)
			assert.Equal(t, taskId, isolated[0].TaskId)
			assert.Equal(t, types.EmbeddingError, isolated[0].Err.Kind)
			assert.Equal(t, 429, isolated[0].Err.StatusCode)
			assert.Empty(t, f.recorder.bySeverity(types.Fatal))
		})
	}
}

func TestProcessInsertFailureIsIsolated(t *testing.T) {
	f := newProcessorFixture(core.ProcessorOptions{})
	f.extractor.chunks["contents"] = []types.Chunk{{Text: "keep"}, {Text: "drop"}}
	f.connector.insertErr = func(object map[string]any) error {
		if object["text"] == "drop" {
			return errors.New("duplicate key")
		}
		return nil
	}

	mapping := resumeMapping("body", "out")
	mapping.Source.Type = types.ContentsSource

	result, err := f.processor.Process(context.Background(), "tenant", uuid.New(), testPipeline(mapping), insertEvent(map[string]any{"_id": "1", "body": "contents"}))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)

	isolated := f.recorder.bySeverity(types.Isolated)
	require.Len(t, isolated, 1)
	assert.Equal(t, types.InsertionError, isolated[0].Err.Kind)
}

func TestProcessRepeatedInvocationInsertsTwice(t *testing.T) {
	f := newProcessorFixture(core.ProcessorOptions{})
	f.extractor.chunks["https://files.example.com/jane.pdf"] = []types.Chunk{{Text: "Name: Jane"}}

	pipeline := testPipeline(resumeMapping("resume_url", "resume_embeddings"))
	event := insertEvent(map[string]any{"_id": "abc123", "resume_url": "https://files.example.com/jane.pdf"})

	for i := 0; i < 2; i++ {
		_, err := f.processor.Process(context.Background(), "tenant", uuid.New(), pipeline, event)
		require.NoError(t, err)
	}

	inserted := f.connector.Inserted()
	require.Len(t, inserted, 2)
	assert.Equal(t, inserted[0].Object, inserted[1].Object)
}

func TestProcessCancelledContext(t *testing.T) {
	f := newProcessorFixture(core.ProcessorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.processor.Process(ctx, "tenant", uuid.New(), testPipeline(resumeMapping("resume_url", "out")), insertEvent(map[string]any{"_id": "1"}))
	require.ErrorIs(t, err, context.Canceled)

	var perr *types.PipelineError
	assert.False(t, errors.As(err, &perr))
	assert.Empty(t, f.recorder.errors)
}
