package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	PipelineQueue = "pipeline_queue"
	// Delayed redeliveries wait here until their per message TTL expires and
	// are then dead lettered back onto PipelineQueue.
	PipelineRetryQueue = "pipeline_retry_queue"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// PipelineTaskPayload identifies a persisted task record. Attempt counts
// redeliveries after unhandled failures and starts at 0.
type PipelineTaskPayload struct {
	TenantId string
	TaskId   uuid.UUID
	Attempt  int
}

type Publisher interface {
	PublishPipelineTask(ctx context.Context, payload PipelineTaskPayload) error

	// RetryPipelineTask redelivers payload on the pipeline queue once delay
	// has passed.
	RetryPipelineTask(ctx context.Context, payload PipelineTaskPayload, delay time.Duration) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
