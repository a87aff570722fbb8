package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func isTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailure
}

// UpdateTaskStatus moves a task to status. Terminal statuses are final: a task
// that already completed or failed is left untouched.
func UpdateTaskStatus(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, status, message string) error {
	updates := map[string]any{"status": status, "status_message": message}
	if isTerminal(status) {
		updates["completion_time"] = time.Now().UTC()
	}

	result := txn.WithContext(ctx).
		Model(&PipelineTask{}).
		Where("id = ? AND status NOT IN ?", taskId, []string{TaskCompleted, TaskFailure}).
		Updates(updates)
	if result.Error != nil {
		slog.Error("error updating task status", "task_id", taskId, "status", status, "error", result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		slog.Warn("task status not updated, task is missing or already terminal", "task_id", taskId, "status", status)
	}
	return nil
}

func IncrementTaskAttempts(ctx context.Context, txn *gorm.DB, taskId uuid.UUID) error {
	if err := txn.WithContext(ctx).
		Model(&PipelineTask{Id: taskId}).
		UpdateColumn("attempts", gorm.Expr("attempts + ?", 1)).Error; err != nil {
		slog.Error("error incrementing task attempts", "task_id", taskId, "error", err)
		return err
	}
	return nil
}

// SaveTaskError appends an error entry to a task. It never changes the task's
// status.
func SaveTaskError(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, kind, severity string, statusCode int, message string) error {
	taskError := TaskError{
		TaskId:     taskId,
		ErrorId:    uuid.New(),
		Kind:       kind,
		Severity:   severity,
		StatusCode: statusCode,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&taskError).Error; err != nil {
		slog.Error("error saving task error", "task_id", taskId, "error", err)
		return fmt.Errorf("error saving task error: %w", err)
	}
	return nil
}

func CountTaskErrors(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, severity string) (int64, error) {
	var count int64
	if err := txn.WithContext(ctx).
		Model(&TaskError{}).
		Where("task_id = ? AND severity = ?", taskId, severity).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("error counting task errors: %w", err)
	}
	return count, nil
}

func StampPipelineLastRun(ctx context.Context, txn *gorm.DB, tenantId, pipelineId string, at time.Time) error {
	if err := txn.WithContext(ctx).
		Model(&Pipeline{}).
		Where("tenant_id = ? AND pipeline_id = ?", tenantId, pipelineId).
		Update("last_run", at).Error; err != nil {
		slog.Error("error updating pipeline last run", "tenant_id", tenantId, "pipeline_id", pipelineId, "error", err)
		return err
	}
	return nil
}
