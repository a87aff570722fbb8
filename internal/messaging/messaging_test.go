package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

func receiveTask(t *testing.T, tasks <-chan Task, timeout time.Duration) (Task, PipelineTaskPayload) {
	t.Helper()

	select {
	case task, ok := <-tasks:
		require.True(t, ok, "task channel closed")
		assert.Equal(t, PipelineQueue, task.Type())

		var payload PipelineTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &payload))
		return task, payload
	case <-time.After(timeout):
		t.Fatal("timed out waiting for task")
		return nil, PipelineTaskPayload{}
	}
}

func TestInMemoryQueuePublish(t *testing.T) {
	queue := NewInMemoryQueue()
	defer queue.Close()

	payload := PipelineTaskPayload{TenantId: "tenant", TaskId: uuid.New()}
	require.NoError(t, queue.PublishPipelineTask(context.Background(), payload))

	task, received := receiveTask(t, queue.Tasks(), time.Second)
	assert.Equal(t, payload, received)
	assert.NoError(t, task.Ack())
}

func TestInMemoryQueueRetryIsDelayed(t *testing.T) {
	queue := NewInMemoryQueue()
	defer queue.Close()

	payload := PipelineTaskPayload{TenantId: "tenant", TaskId: uuid.New(), Attempt: 1}
	start := time.Now()
	require.NoError(t, queue.RetryPipelineTask(context.Background(), payload, 50*time.Millisecond))

	_, received := receiveTask(t, queue.Tasks(), 2*time.Second)
	assert.Equal(t, payload, received)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestInMemoryQueueClose(t *testing.T) {
	queue := NewInMemoryQueue()
	require.NoError(t, queue.RetryPipelineTask(context.Background(), PipelineTaskPayload{TaskId: uuid.New()}, time.Hour))

	queue.Close()
	queue.Close()

	_, ok := <-queue.Tasks()
	assert.False(t, ok)

	assert.ErrorIs(t, queue.PublishPipelineTask(context.Background(), PipelineTaskPayload{}), ErrQueueClosed)
	assert.ErrorIs(t, queue.RetryPipelineTask(context.Background(), PipelineTaskPayload{}, time.Second), ErrQueueClosed)
}

func setupRabbitMQContainer(t *testing.T, ctx context.Context) (*RabbitMQPublisher, *RabbitMQReceiver) {
	rabbitmqContainer, err := rabbitmq.Run(ctx, "rabbitmq:3.11-management")
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		require.NoError(t, rabbitmqContainer.Terminate(context.Background()), "Failed to terminate RabbitMQ container")
	})

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	publisher, err := NewRabbitMQPublisher(connStr)
	require.NoError(t, err)
	t.Cleanup(publisher.Close)

	receiver, err := NewRabbitMQReceiver(connStr, 1)
	require.NoError(t, err)
	t.Cleanup(receiver.Close)

	return publisher, receiver
}

func TestRabbitMQ(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	publisher, receiver := setupRabbitMQContainer(t, ctx)

	t.Run("Publish and Receive PipelineTask", func(t *testing.T) {
		payload := PipelineTaskPayload{TenantId: "tenant", TaskId: uuid.New()}
		require.NoError(t, publisher.PublishPipelineTask(ctx, payload))

		task, received := receiveTask(t, receiver.Tasks(), 4*time.Second)
		assert.Equal(t, payload, received)
		require.NoError(t, task.Ack())
	})

	t.Run("Retry is dead lettered back to the pipeline queue", func(t *testing.T) {
		payload := PipelineTaskPayload{TenantId: "tenant", TaskId: uuid.New(), Attempt: 1}
		start := time.Now()
		require.NoError(t, publisher.RetryPipelineTask(ctx, payload, time.Second))

		task, received := receiveTask(t, receiver.Tasks(), 10*time.Second)
		assert.Equal(t, payload, received)
		assert.GreaterOrEqual(t, time.Since(start), time.Second)
		require.NoError(t, task.Ack())
	})

	t.Run("Close ends the task stream", func(t *testing.T) {
		receiver.Close()

		select {
		case _, ok := <-receiver.Tasks():
			assert.False(t, ok)
		case <-time.After(5 * time.Second):
			t.Fatal("task channel was not closed")
		}
	})
}
