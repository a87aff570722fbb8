package api

import (
	"time"

	"github.com/google/uuid"
)

type Source struct {
	Field    string         `json:"field"`
	Type     string         `json:"type"`
	Settings map[string]any `json:"settings,omitempty"`
}

type Destination struct {
	Collection     string `json:"collection"`
	Field          string `json:"field"`
	EmbeddingField string `json:"embedding_field"`
}

type Mapping struct {
	EmbeddingModel string      `json:"embedding_model"`
	Source         Source      `json:"source"`
	Destination    Destination `json:"destination"`
}

// ConnectionRequest carries the plaintext password; it is encrypted before it
// is stored.
type ConnectionRequest struct {
	Engine      string         `json:"engine"`
	Host        string         `json:"host"`
	Port        int            `json:"port,omitempty"`
	Database    string         `json:"database"`
	Username    string         `json:"username"`
	Password    string         `json:"password"`
	ExtraParams map[string]any `json:"extra_params,omitempty"`
}

type CreatePipelineRequest struct {
	PipelineId string            `json:"pipeline_id"`
	Enabled    *bool             `json:"enabled"`
	Connection ConnectionRequest `json:"connection"`
	Mappings   []Mapping         `json:"mappings"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// Connection is the stored connection without its credentials.
type Connection struct {
	Engine      string         `json:"engine"`
	Host        string         `json:"host"`
	Port        int            `json:"port,omitempty"`
	Database    string         `json:"database"`
	Username    string         `json:"username"`
	ExtraParams map[string]any `json:"extra_params,omitempty"`
}

type Pipeline struct {
	PipelineId string         `json:"pipeline_id"`
	Enabled    bool           `json:"enabled"`
	Connection Connection     `json:"connection"`
	Mappings   []Mapping      `json:"mappings"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	LastRun    *time.Time     `json:"last_run,omitempty"`
}

type ListPipelinesParams struct {
	Enabled *bool `schema:"enabled"`
	Limit   int   `schema:"limit"`
	Offset  int   `schema:"offset"`
}

type InvokePipelineResponse struct {
	TaskId uuid.UUID `json:"task_id"`
}

type TaskStatusResponse struct {
	State  string `json:"state"`
	Status string `json:"status"`
}

type TaskError struct {
	ErrorId    uuid.UUID `json:"error_id"`
	Kind       string    `json:"kind"`
	Severity   string    `json:"severity"`
	StatusCode int       `json:"status_code"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

type Task struct {
	TaskId         uuid.UUID   `json:"task_id"`
	PipelineId     string      `json:"pipeline_id"`
	Status         string      `json:"status"`
	StatusMessage  string      `json:"status_message"`
	Attempts       int         `json:"attempts"`
	CreationTime   time.Time   `json:"creation_time"`
	CompletionTime *time.Time  `json:"completion_time,omitempty"`
	Errors         []TaskError `json:"errors"`
}
