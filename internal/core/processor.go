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
	"sync"
	"time"

	"gorm.io/gorm"
)

type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxRetries: 2, Delay: 5 * time.Second}

// TaskProcessor consumes pipeline tasks from the queue and drives each through
// the Processor, updating the task record with the outcome.
type TaskProcessor struct {
	db        *gorm.DB
	publisher messaging.Publisher
	reciever  messaging.Reciever

	tasks       *TaskManager
	processor   *Processor
	retry       RetryPolicy
	concurrency int
}

func NewTaskProcessor(db *gorm.DB, publisher messaging.Publisher, reciever messaging.Reciever, tasks *TaskManager, processor *Processor, retry RetryPolicy, concurrency int) *TaskProcessor {
	return &TaskProcessor{
		db:          db,
		publisher:   publisher,
		reciever:    reciever,
		tasks:       tasks,
		processor:   processor,
		retry:       retry,
		concurrency: max(concurrency, 1),
	}
}

// Start processes tasks until the reciever is closed. It returns once the
// tasks in flight have finished, then closes the publisher. When the publisher
// and reciever are the same queue, retries scheduled during shutdown are
// dropped and the task stays PROCESSING.
func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor", "concurrency", proc.concurrency)

	wg := sync.WaitGroup{}
	wg.Add(proc.concurrency)
	for i := 0; i < proc.concurrency; i++ {
		go func() {
			defer wg.Done()
			for task := range proc.reciever.Tasks() {
				proc.ProcessTask(task)
			}
		}()
	}
	wg.Wait()

	proc.publisher.Close()
	slog.Info("task processor stopped")
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.PipelineQueue:
		var payload messaging.PipelineTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling pipeline task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processPipelineTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

// processPipelineTask returns nil once the task reached a final state or was
// queued again for a retry.
func (proc *TaskProcessor) processPipelineTask(ctx context.Context, payload messaging.PipelineTaskPayload) error {
	slog.Info("processing pipeline task", "tenant_id", payload.TenantId, "task_id", payload.TaskId, "attempt", payload.Attempt)

	task, err := database.GetTask(ctx, proc.db, payload.TenantId, payload.TaskId, false)
	if err != nil {
		slog.Error("error fetching pipeline task", "task_id", payload.TaskId, "error", err)
		return fmt.Errorf("error getting pipeline task: %w", err)
	}

	if task.Status != database.TaskProcessing {
		slog.Info("pipeline task already finished, skipping", "task_id", task.Id, "status", task.Status)
		return nil
	}

	if err := database.IncrementTaskAttempts(ctx, proc.db, task.Id); err != nil {
		return proc.retryOrFail(ctx, payload, err)
	}

	pipeline, err := types.ParsePipeline(task.Snapshot)
	if err != nil {
		return proc.finishCaptured(ctx, task, &types.PipelineError{
			Kind: types.ConfigurationError, StatusCode: 400, Message: fmt.Sprintf("invalid pipeline snapshot: %v", err),
		})
	}

	var event map[string]any
	if err := json.Unmarshal(task.Payload, &event); err != nil {
		return proc.finishCaptured(ctx, task, &types.PipelineError{
			Kind: types.UnsupportedOperationError, StatusCode: 400, Message: fmt.Sprintf("event payload is not a JSON object: %v", err),
		})
	}

	result, err := proc.runProcessor(ctx, task.TenantId, task, pipeline, event)
	if err != nil {
		var perr *types.PipelineError
		if errors.As(err, &perr) {
			// already recorded on the task by the processor
			proc.tasks.Fail(ctx, task.Id, perr.Error())
			return nil
		}
		return proc.retryOrFail(ctx, payload, err)
	}

	if err := proc.tasks.Complete(ctx, task.Id); err != nil {
		return proc.retryOrFail(ctx, payload, fmt.Errorf("error updating pipeline task status to complete: %w", err))
	}

	slog.Info("pipeline task completed", "task_id", task.Id, "inserted", result.Inserted, "isolated_errors", result.IsolatedErrors)

	return nil
}

// runProcessor converts panics escaping the processor into errors so they
// follow the retry policy.
func (proc *TaskProcessor) runProcessor(ctx context.Context, tenantId string, task database.PipelineTask, pipeline types.Pipeline, event map[string]any) (result RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in pipeline processor", "task_id", task.Id, "panic", r)
			err = fmt.Errorf("pipeline processor panicked: %v", r)
		}
	}()

	return proc.processor.Process(ctx, tenantId, task.Id, pipeline, event)
}

func (proc *TaskProcessor) finishCaptured(ctx context.Context, task database.PipelineTask, perr *types.PipelineError) error {
	if err := proc.tasks.LogFatalError(ctx, task.Id, perr); err != nil {
		slog.Error("unable to record fatal error", "task_id", task.Id, "error", err)
	}
	proc.tasks.Fail(ctx, task.Id, perr.Error())
	return nil
}

// retryOrFail queues the task again after the retry delay while retries
// remain, otherwise it marks the task FAILURE and returns cause.
func (proc *TaskProcessor) retryOrFail(ctx context.Context, payload messaging.PipelineTaskPayload, cause error) error {
	if payload.Attempt < proc.retry.MaxRetries {
		next := payload
		next.Attempt++

		slog.Warn("pipeline task failed, scheduling retry", "task_id", payload.TaskId, "attempt", next.Attempt, "max_retries", proc.retry.MaxRetries, "delay", proc.retry.Delay, "error", cause)

		err := proc.publisher.RetryPipelineTask(ctx, next, proc.retry.Delay)
		if err == nil {
			return nil
		}
		if errors.Is(err, messaging.ErrQueueClosed) {
			// left PROCESSING so the next start requeues it
			slog.Warn("queue closed, leaving pipeline task for requeue", "task_id", payload.TaskId)
			return nil
		}
		slog.Error("error scheduling pipeline task retry", "task_id", payload.TaskId, "error", err)
	}

	proc.tasks.Fail(ctx, payload.TaskId, fmt.Sprintf("failed after %d retries: %v", payload.Attempt, cause))
	return cause
}
