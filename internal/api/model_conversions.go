package api

import (
	"encoding/json"
	"fmt"
	"pipeline-backend/internal/core/types"
	"pipeline-backend/internal/database"
	"pipeline-backend/pkg/api"

	"gorm.io/datatypes"
)

func convertMappingsFromApi(ms []api.Mapping) []types.Mapping {
	mappings := make([]types.Mapping, 0, len(ms))
	for _, m := range ms {
		mappings = append(mappings, types.Mapping{
			EmbeddingModel: m.EmbeddingModel,
			Source: types.Source{
				Field:    m.Source.Field,
				Type:     types.SourceType(m.Source.Type),
				Settings: m.Source.Settings,
			},
			Destination: types.Destination(m.Destination),
		})
	}
	return mappings
}

func convertMappings(ms []types.Mapping) []api.Mapping {
	mappings := make([]api.Mapping, 0, len(ms))
	for _, m := range ms {
		mappings = append(mappings, api.Mapping{
			EmbeddingModel: m.EmbeddingModel,
			Source: api.Source{
				Field:    m.Source.Field,
				Type:     string(m.Source.Type),
				Settings: m.Source.Settings,
			},
			Destination: api.Destination(m.Destination),
		})
	}
	return mappings
}

func convertPipeline(p types.Pipeline) api.Pipeline {
	return api.Pipeline{
		PipelineId: p.PipelineId,
		Enabled:    p.Enabled,
		Connection: api.Connection{
			Engine:      string(p.Connection.Engine),
			Host:        p.Connection.Host,
			Port:        p.Connection.Port,
			Database:    p.Connection.Database,
			Username:    p.Connection.Username,
			ExtraParams: p.Connection.ExtraParams,
		},
		Mappings:  convertMappings(p.Mappings),
		Metadata:  p.Metadata,
		CreatedAt: p.CreatedAt,
		LastRun:   p.LastRun,
	}
}

// pipelineFromRecord decodes a stored pipeline row into its domain form.
func pipelineFromRecord(record database.Pipeline) (types.Pipeline, error) {
	p := types.Pipeline{
		PipelineId: record.PipelineId,
		Enabled:    record.Enabled,
		CreatedAt:  record.CreationTime,
	}

	if err := json.Unmarshal(record.Connection, &p.Connection); err != nil {
		return types.Pipeline{}, fmt.Errorf("error decoding connection of pipeline '%s': %w", record.PipelineId, err)
	}
	if err := json.Unmarshal(record.Mappings, &p.Mappings); err != nil {
		return types.Pipeline{}, fmt.Errorf("error decoding mappings of pipeline '%s': %w", record.PipelineId, err)
	}
	if len(record.Metadata) > 0 {
		if err := json.Unmarshal(record.Metadata, &p.Metadata); err != nil {
			return types.Pipeline{}, fmt.Errorf("error decoding metadata of pipeline '%s': %w", record.PipelineId, err)
		}
	}
	if record.LastRun.Valid {
		lastRun := record.LastRun.Time
		p.LastRun = &lastRun
	}

	return p, nil
}

func pipelineToRecord(tenantId string, p types.Pipeline) (database.Pipeline, error) {
	connection, err := json.Marshal(p.Connection)
	if err != nil {
		return database.Pipeline{}, fmt.Errorf("error encoding connection: %w", err)
	}
	mappings, err := json.Marshal(p.Mappings)
	if err != nil {
		return database.Pipeline{}, fmt.Errorf("error encoding mappings: %w", err)
	}

	record := database.Pipeline{
		TenantId:     tenantId,
		PipelineId:   p.PipelineId,
		Enabled:      p.Enabled,
		Connection:   datatypes.JSON(connection),
		Mappings:     datatypes.JSON(mappings),
		CreationTime: p.CreatedAt,
	}

	if p.Metadata != nil {
		metadata, err := json.Marshal(p.Metadata)
		if err != nil {
			return database.Pipeline{}, fmt.Errorf("error encoding metadata: %w", err)
		}
		record.Metadata = datatypes.JSON(metadata)
	}

	return record, nil
}

func convertTask(t database.PipelineTask) api.Task {
	task := api.Task{
		TaskId:        t.Id,
		PipelineId:    t.PipelineId,
		Status:        t.Status,
		StatusMessage: t.StatusMessage,
		Attempts:      t.Attempts,
		CreationTime:  t.CreationTime,
		Errors:        make([]api.TaskError, 0, len(t.Errors)),
	}
	if t.CompletionTime.Valid {
		completed := t.CompletionTime.Time
		task.CompletionTime = &completed
	}
	for _, e := range t.Errors {
		task.Errors = append(task.Errors, api.TaskError{
			ErrorId:    e.ErrorId,
			Kind:       e.Kind,
			Severity:   e.Severity,
			StatusCode: e.StatusCode,
			Message:    e.Message,
			Timestamp:  e.Timestamp,
		})
	}
	return task
}
