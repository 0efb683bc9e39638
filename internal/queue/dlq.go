package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DeadLetterQueueName    = "ratesweep_jobs_dlq"
	DeadLetterExchangeName = "ratesweep_dlq"
	RetryQueueName         = "ratesweep_jobs_retry"
	MaxRetries             = 8
)

// SetupDeadLetterQueue sets up the dead letter and retry queues
func (q *Queue) SetupDeadLetterQueue() error {
	// Declare dead letter exchange
	err := q.channel.ExchangeDeclare(
		DeadLetterExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	// Declare dead letter queue
	_, err = q.channel.QueueDeclare(
		DeadLetterQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	// Bind DLQ to exchange
	err = q.channel.QueueBind(
		DeadLetterQueueName,
		DeadLetterQueueName,
		DeadLetterExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	// Expired retry messages flow back to the main queue
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": SweepQueueName,
	}

	_, err = q.channel.QueueDeclare(
		RetryQueueName,
		true,
		false,
		false,
		false,
		retryArgs,
	)
	if err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}

	return nil
}

// PublishToRetryQueue parks a job id until its backoff expires. Past
// MaxRetries it goes to the dead letter queue instead.
func (q *Queue) PublishToRetryQueue(ctx context.Context, jobID string, retryCount int) error {
	if retryCount >= MaxRetries {
		return q.PublishToDeadLetterQueue(ctx, jobID, "max retries exceeded")
	}

	delay := calculateBackoffDelay(retryCount)
	headers := amqp.Table{retryCountHeader: int32(retryCount + 1)}

	if err := q.publish(ctx, "", RetryQueueName, jobID, "retry", headers, fmt.Sprintf("%d", delay.Milliseconds())); err != nil {
		return fmt.Errorf("failed to publish to retry queue: %w", err)
	}

	q.logger.WithJobID(jobID).Infof("Job queued for retry #%d in %v", retryCount+1, delay)
	return nil
}

// PublishToDeadLetterQueue parks a job id that cannot be processed
func (q *Queue) PublishToDeadLetterQueue(ctx context.Context, jobID string, reason string) error {
	headers := amqp.Table{
		"x-failure-reason": reason,
		"x-failed-at":      time.Now().Format(time.RFC3339),
	}

	if err := q.publish(ctx, DeadLetterExchangeName, DeadLetterQueueName, jobID, "dead_letter", headers, ""); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	q.logger.WithJobID(jobID).Warnf("Job moved to dead letter queue: %s", reason)
	return nil
}

// calculateBackoffDelay calculates exponential backoff delay
func calculateBackoffDelay(retryCount int) time.Duration {
	// 5s, 10s, 20s, ... capped at 10 minutes
	baseDelay := 5 * time.Second
	if retryCount > 16 {
		retryCount = 16
	}
	delay := baseDelay * (1 << retryCount)

	if delay > 10*time.Minute {
		delay = 10 * time.Minute
	}

	return delay
}

// GetDLQDepth returns the number of messages in the dead letter queue
func (q *Queue) GetDLQDepth() (int, error) {
	info, err := q.channel.QueueInspect(DeadLetterQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect DLQ: %w", err)
	}

	return info.Messages, nil
}
