package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"pipeline-backend/internal/core"
	"pipeline-backend/internal/core/types"
	"pipeline-backend/internal/database"
	"pipeline-backend/internal/secrets"
	"pipeline-backend/pkg/api"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	TenantHeader = "X-Index-Id"

	pipelineIdLength = 6
	maxEventSize     = 10 * 1024 * 1024
	defaultListLimit = 100
)

type BackendService struct {
	db     *gorm.DB
	tasks  *core.TaskManager
	cipher *secrets.Cipher
}

func NewBackendService(db *gorm.DB, tasks *core.TaskManager, cipher *secrets.Cipher) *BackendService {
	return &BackendService{db: db, tasks: tasks, cipher: cipher}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/pipelines", func(r chi.Router) {
		r.Use(RequireTenant)
		r.Post("/", RestHandler(s.CreatePipeline))
		r.Get("/", RestHandler(s.ListPipelines))
		r.Get("/status/{task_id}", RestHandler(s.GetTaskStatus))
		r.Get("/tasks/{task_id}", RestHandler(s.GetTask))
		r.Get("/{pipeline_id}", RestHandler(s.GetPipeline))
		r.Post("/{pipeline_id}", RestHandler(s.InvokePipeline))
	})
}

func newPipelineId() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:pipelineIdLength]
}

func (s *BackendService) CreatePipeline(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreatePipelineRequest](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	tenantId := TenantId(ctx)

	if req.PipelineId == "" {
		req.PipelineId = newPipelineId()
	} else if err := validateName(req.PipelineId); err != nil {
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	var password []byte
	if req.Connection.Password != "" {
		password, err = s.cipher.Encrypt(req.Connection.Password)
		if err != nil {
			slog.Error("error encrypting connection credentials", "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "unable to store connection credentials")
		}
	}

	pipeline, err := types.NewPipeline(types.Pipeline{
		PipelineId: req.PipelineId,
		Enabled:    enabled,
		Connection: types.ConnectionRef{
			Engine:      types.Engine(req.Connection.Engine),
			Host:        req.Connection.Host,
			Port:        req.Connection.Port,
			Database:    req.Connection.Database,
			Username:    req.Connection.Username,
			Password:    password,
			ExtraParams: req.Connection.ExtraParams,
		},
		Mappings:  convertMappingsFromApi(req.Mappings),
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, CodedError(http.StatusUnprocessableEntity, err)
	}

	record, err := pipelineToRecord(tenantId, pipeline)
	if err != nil {
		slog.Error("error encoding pipeline", "pipeline_id", pipeline.PipelineId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error creating pipeline")
	}

	if err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if _, err := database.GetPipeline(ctx, txn, tenantId, pipeline.PipelineId); err == nil {
			return CodedErrorf(http.StatusConflict, "pipeline '%s' already exists", pipeline.PipelineId)
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		if err := txn.Create(&record).Error; err != nil {
			return fmt.Errorf("error creating pipeline record: %w", err)
		}
		return nil
	}); err != nil {
		var cerr *codedError
		if errors.As(err, &cerr) {
			return nil, err
		}
		slog.Error("error creating pipeline", "tenant_id", tenantId, "pipeline_id", pipeline.PipelineId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error creating pipeline")
	}

	slog.Info("created pipeline", "tenant_id", tenantId, "pipeline_id", pipeline.PipelineId, "engine", pipeline.Connection.Engine)

	return convertPipeline(pipeline), nil
}

func (s *BackendService) loadPipeline(ctx context.Context, pipelineId string) (types.Pipeline, error) {
	tenantId := TenantId(ctx)

	record, err := database.GetPipeline(ctx, s.db, tenantId, pipelineId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Pipeline{}, CodedErrorf(http.StatusNotFound, "pipeline '%s' not found", pipelineId)
		}
		slog.Error("error getting pipeline", "tenant_id", tenantId, "pipeline_id", pipelineId, "error", err)
		return types.Pipeline{}, CodedErrorf(http.StatusInternalServerError, "error retrieving pipeline record")
	}

	pipeline, err := pipelineFromRecord(record)
	if err != nil {
		slog.Error("error decoding pipeline", "tenant_id", tenantId, "pipeline_id", pipelineId, "error", err)
		return types.Pipeline{}, CodedErrorf(http.StatusInternalServerError, "error retrieving pipeline record")
	}

	return pipeline, nil
}

func (s *BackendService) GetPipeline(r *http.Request) (any, error) {
	pipeline, err := s.loadPipeline(r.Context(), chi.URLParam(r, "pipeline_id"))
	if err != nil {
		return nil, err
	}
	return convertPipeline(pipeline), nil
}

func (s *BackendService) ListPipelines(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListPipelinesParams](r)
	if err != nil {
		return nil, err
	}

	if params.Limit < 0 || params.Offset < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "limit and offset must be non-negative")
	}
	if params.Limit == 0 {
		params.Limit = defaultListLimit
	}

	ctx := r.Context()
	tenantId := TenantId(ctx)

	records, err := database.ListPipelines(ctx, s.db, tenantId, database.PipelineFilter{
		Enabled: params.Enabled,
		Limit:   params.Limit,
		Offset:  params.Offset,
	})
	if err != nil {
		slog.Error("error listing pipelines", "tenant_id", tenantId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving pipelines")
	}

	pipelines := make([]api.Pipeline, 0, len(records))
	for _, record := range records {
		pipeline, err := pipelineFromRecord(record)
		if err != nil {
			slog.Error("error decoding pipeline", "tenant_id", tenantId, "pipeline_id", record.PipelineId, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving pipelines")
		}
		pipelines = append(pipelines, convertPipeline(pipeline))
	}

	return pipelines, nil
}

// parseEvent accepts a JSON object, or a JSON string whose contents are a
// JSON object.
func parseEvent(body []byte) (json.RawMessage, error) {
	var event any
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "event payload must be valid JSON")
	}

	if encoded, ok := event.(string); ok {
		body = []byte(encoded)
		if err := json.Unmarshal(body, &event); err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "event payload string must contain valid JSON")
		}
	}

	if _, ok := event.(map[string]any); !ok {
		return nil, CodedErrorf(http.StatusBadRequest, "event payload must be a JSON object")
	}

	return json.RawMessage(body), nil
}

func (s *BackendService) InvokePipeline(r *http.Request) (any, error) {
	ctx := r.Context()
	tenantId := TenantId(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxEventSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "event payload exceeds %d bytes", tooLarge.Limit)
		}
		slog.Error("error reading request body", "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "unable to read request body")
	}

	event, err := parseEvent(body)
	if err != nil {
		return nil, err
	}

	pipeline, err := s.loadPipeline(ctx, chi.URLParam(r, "pipeline_id"))
	if err != nil {
		return nil, err
	}

	taskId, err := s.tasks.Dispatch(ctx, tenantId, pipeline, event)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue pipeline task")
	}

	return api.InvokePipelineResponse{TaskId: taskId}, nil
}

func (s *BackendService) GetTaskStatus(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	status, err := s.tasks.Status(ctx, TenantId(ctx), taskId)
	if err != nil {
		slog.Error("error getting task status", "task_id", taskId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving task status")
	}

	return api.TaskStatusResponse{State: status.State, Status: status.Status}, nil
}

func (s *BackendService) GetTask(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	task, err := s.tasks.Get(ctx, TenantId(ctx), taskId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "task not found")
		}
		slog.Error("error getting task", "task_id", taskId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving task record")
	}

	return convertTask(task), nil
}
