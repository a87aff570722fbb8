package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

func GetPipeline(ctx context.Context, txn *gorm.DB, tenantId, pipelineId string) (Pipeline, error) {
	var pipeline Pipeline
	err := txn.WithContext(ctx).
		Where("tenant_id = ? AND pipeline_id = ?", tenantId, pipelineId).
		First(&pipeline).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Pipeline{}, fmt.Errorf("pipeline '%s': %w", pipelineId, ErrNotFound)
		}
		return Pipeline{}, fmt.Errorf("error getting pipeline '%s': %w", pipelineId, err)
	}
	return pipeline, nil
}

type PipelineFilter struct {
	Enabled *bool
	Limit   int
	Offset  int
}

func ListPipelines(ctx context.Context, txn *gorm.DB, tenantId string, filter PipelineFilter) ([]Pipeline, error) {
	query := txn.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if filter.Enabled != nil {
		query = query.Where("enabled = ?", *filter.Enabled)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var pipelines []Pipeline
	if err := query.Order("creation_time, pipeline_id").Find(&pipelines).Error; err != nil {
		return nil, fmt.Errorf("error listing pipelines: %w", err)
	}
	return pipelines, nil
}

// GetTask loads a task. An empty tenantId skips the tenant check, which is only
// done by workers that received the task id from the queue.
func GetTask(ctx context.Context, txn *gorm.DB, tenantId string, taskId uuid.UUID, withErrors bool) (PipelineTask, error) {
	query := txn.WithContext(ctx).Where("id = ?", taskId)
	if tenantId != "" {
		query = query.Where("tenant_id = ?", tenantId)
	}
	if withErrors {
		query = query.Preload("Errors", func(db *gorm.DB) *gorm.DB {
			return db.Order("timestamp")
		})
	}

	var task PipelineTask
	if err := query.First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PipelineTask{}, fmt.Errorf("task '%s': %w", taskId, ErrNotFound)
		}
		return PipelineTask{}, fmt.Errorf("error getting task '%s': %w", taskId, err)
	}
	return task, nil
}

func ListTasksByStatus(ctx context.Context, txn *gorm.DB, status string) ([]PipelineTask, error) {
	var tasks []PipelineTask
	if err := txn.WithContext(ctx).
		Select("id", "tenant_id", "pipeline_id", "status", "attempts").
		Where("status = ?", status).
		Order("creation_time").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("error listing %s tasks: %w", status, err)
	}
	return tasks, nil
}
