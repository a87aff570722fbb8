package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TaskPending    string = "PENDING"
	TaskProcessing string = "PROCESSING"
	TaskCompleted  string = "COMPLETED"
	TaskFailure    string = "FAILURE"
)

// Pipeline is keyed by tenant so that pipeline ids are only unique within a
// tenant's partition.
type Pipeline struct {
	TenantId   string `gorm:"primaryKey;size:64"`
	PipelineId string `gorm:"primaryKey;size:64"`

	Enabled    bool           `gorm:"not null"`
	Connection datatypes.JSON `gorm:"not null"`
	Mappings   datatypes.JSON `gorm:"not null"`
	Metadata   datatypes.JSON

	CreationTime time.Time
	LastRun      sql.NullTime
}

type PipelineTask struct {
	Id         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId   string    `gorm:"size:64;not null;index:idx_task_tenant_pipeline"`
	PipelineId string    `gorm:"size:64;not null;index:idx_task_tenant_pipeline"`

	Snapshot datatypes.JSON `gorm:"not null"`
	Payload  datatypes.JSON `gorm:"not null"`

	Status         string `gorm:"size:20;not null;index"`
	StatusMessage  string
	Attempts       int `gorm:"not null;default:0"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	Errors []TaskError `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
}

type TaskError struct {
	TaskId  uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId uuid.UUID `gorm:"type:uuid;primaryKey"`

	Kind       string `gorm:"size:32;not null"`
	Severity   string `gorm:"size:16;not null"`
	StatusCode int
	Message    string
	Timestamp  time.Time
}
