package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"pipeline-backend/internal/core/types"
	"pipeline-backend/internal/database"
	"pipeline-backend/internal/messaging"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskStatus is the queue style view of a task. State is PENDING while the
// task is running or unknown.
type TaskStatus struct {
	State  string `json:"state"`
	Status string `json:"status"`
}

// TaskManager owns the lifecycle of pipeline task records.
type TaskManager struct {
	db        *gorm.DB
	publisher messaging.Publisher
}

var _ ErrorRecorder = (*TaskManager)(nil)

func NewTaskManager(db *gorm.DB, publisher messaging.Publisher) *TaskManager {
	return &TaskManager{db: db, publisher: publisher}
}

// Dispatch persists a PROCESSING task holding a snapshot of pipeline and the
// raw event, then queues it. It returns as soon as the task is queued.
func (m *TaskManager) Dispatch(ctx context.Context, tenantId string, pipeline types.Pipeline, payload json.RawMessage) (uuid.UUID, error) {
	snapshot, err := json.Marshal(pipeline)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error serializing pipeline snapshot: %w", err)
	}

	now := time.Now().UTC()
	task := database.PipelineTask{
		Id:           uuid.New(),
		TenantId:     tenantId,
		PipelineId:   pipeline.PipelineId,
		Snapshot:     datatypes.JSON(snapshot),
		Payload:      datatypes.JSON(payload),
		Status:       database.TaskProcessing,
		CreationTime: now,
	}

	if err := m.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&task).Error; err != nil {
			return fmt.Errorf("error creating task record: %w", err)
		}
		return database.StampPipelineLastRun(ctx, txn, tenantId, pipeline.PipelineId, now)
	}); err != nil {
		slog.Error("error dispatching pipeline task", "tenant_id", tenantId, "pipeline_id", pipeline.PipelineId, "error", err)
		return uuid.Nil, err
	}

	if err := m.publisher.PublishPipelineTask(ctx, messaging.PipelineTaskPayload{TenantId: tenantId, TaskId: task.Id}); err != nil {
		slog.Error("error queueing pipeline task", "task_id", task.Id, "error", err)
		m.Fail(ctx, task.Id, fmt.Sprintf("unable to queue task: %v", err))
		return uuid.Nil, fmt.Errorf("error queueing pipeline task: %w", err)
	}

	slog.Info("dispatched pipeline task", "tenant_id", tenantId, "pipeline_id", pipeline.PipelineId, "task_id", task.Id)

	return task.Id, nil
}

func (m *TaskManager) RecordError(ctx context.Context, taskId uuid.UUID, err *types.PipelineError) error {
	if err.Severity() == types.Isolated {
		return m.LogIsolatedError(ctx, taskId, err)
	}
	return m.LogFatalError(ctx, taskId, err)
}

// LogIsolatedError appends err to the task without touching its status.
func (m *TaskManager) LogIsolatedError(ctx context.Context, taskId uuid.UUID, err *types.PipelineError) error {
	return database.SaveTaskError(ctx, m.db, taskId, string(err.Kind), string(types.Isolated), err.StatusCode, err.Message)
}

func (m *TaskManager) LogFatalError(ctx context.Context, taskId uuid.UUID, err *types.PipelineError) error {
	return database.SaveTaskError(ctx, m.db, taskId, string(err.Kind), string(types.Fatal), err.StatusCode, err.Message)
}

// Complete marks the task COMPLETED. The status message reports how many
// isolated errors were recorded during the run.
func (m *TaskManager) Complete(ctx context.Context, taskId uuid.UUID) error {
	isolated, err := database.CountTaskErrors(ctx, m.db, taskId, string(types.Isolated))
	if err != nil {
		return err
	}

	message := "Completed"
	if isolated == 1 {
		message = "Completed with 1 isolated error"
	} else if isolated > 1 {
		message = fmt.Sprintf("Completed with %d isolated errors", isolated)
	}

	return database.UpdateTaskStatus(ctx, m.db, taskId, database.TaskCompleted, message)
}

func (m *TaskManager) Fail(ctx context.Context, taskId uuid.UUID, message string) {
	database.UpdateTaskStatus(ctx, m.db, taskId, database.TaskFailure, message) // nolint:errcheck
}

func (m *TaskManager) Status(ctx context.Context, tenantId string, taskId uuid.UUID) (TaskStatus, error) {
	task, err := database.GetTask(ctx, m.db, tenantId, taskId, false)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return TaskStatus{State: database.TaskPending, Status: "Task is pending or unknown"}, nil
		}
		return TaskStatus{}, err
	}

	switch task.Status {
	case database.TaskCompleted, database.TaskFailure:
		return TaskStatus{State: task.Status, Status: task.StatusMessage}, nil
	default:
		status := "Processing"
		if task.Attempts > 1 {
			status = fmt.Sprintf("Processing (attempt %d)", task.Attempts)
		}
		return TaskStatus{State: database.TaskPending, Status: status}, nil
	}
}

func (m *TaskManager) Get(ctx context.Context, tenantId string, taskId uuid.UUID) (database.PipelineTask, error) {
	return database.GetTask(ctx, m.db, tenantId, taskId, true)
}

// RequeueProcessing republishes every task still marked PROCESSING. Single
// process mode calls it at startup since its queue does not survive restarts.
func (m *TaskManager) RequeueProcessing(ctx context.Context) (int, error) {
	tasks, err := database.ListTasksByStatus(ctx, m.db, database.TaskProcessing)
	if err != nil {
		return 0, err
	}

	for _, task := range tasks {
		payload := messaging.PipelineTaskPayload{TenantId: task.TenantId, TaskId: task.Id, Attempt: task.Attempts}
		if err := m.publisher.PublishPipelineTask(ctx, payload); err != nil {
			return 0, fmt.Errorf("error requeueing task %s: %w", task.Id, err)
		}
		slog.Info("requeued pipeline task", "task_id", task.Id, "attempts", task.Attempts)
	}

	return len(tasks), nil
}
