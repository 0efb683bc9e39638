package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/config"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/logging"
)

const (
	SweepQueueName = "ratesweep_jobs"
	ExchangeName   = "ratesweep"

	retryCountHeader = "x-retry-count"
)

// ErrRetryLater marks handler errors that should be retried after a delay,
// such as another worker holding the job's lock.
var ErrRetryLater = errors.New("retry later")

// JobMessage is the body of a dispatch message. Only the id travels; the
// record store holds everything else.
type JobMessage struct {
	JobID      string    `json:"job_id"`
	Reason     string    `json:"reason,omitempty"` // submitted, recovered
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler processes one job id.
type Handler func(ctx context.Context, jobID string) error

// Queue provides message queue operations
type Queue struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	prefetch int
	logger   *logging.Logger
}

// New creates a new queue client and declares the sweep topology
func New(cfg config.QueueConfig, logger *logging.Logger) (*Queue, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	conn, err := amqp.Dial(cfg.AMQPURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	err = channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare queue
	_, err = channel.QueueDeclare(
		SweepQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange
	err = channel.QueueBind(
		SweepQueueName,
		SweepQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	q := &Queue{
		conn:     conn,
		channel:  channel,
		prefetch: cfg.Prefetch,
		logger:   logger.WithComponent("queue"),
	}
	if err := q.SetupDeadLetterQueue(); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func encodeMessage(jobID, reason string, now time.Time) ([]byte, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	return json.Marshal(JobMessage{JobID: jobID, Reason: reason, EnqueuedAt: now.UTC()})
}

func decodeMessage(body []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job message: %w", err)
	}
	if msg.JobID == "" {
		return nil, errors.New("job message without job id")
	}
	return &msg, nil
}

// Dispatch publishes a job id for workers to pick up
func (q *Queue) Dispatch(ctx context.Context, jobID, reason string) error {
	return q.publish(ctx, ExchangeName, SweepQueueName, jobID, reason, amqp.Table{retryCountHeader: int32(0)}, "")
}

func (q *Queue) publish(ctx context.Context, exchange, key, jobID, reason string, headers amqp.Table, expiration string) error {
	body, err := encodeMessage(jobID, reason, time.Now())
	if err != nil {
		return err
	}

	err = q.channel.PublishWithContext(ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      headers,
			Expiration:   expiration,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}

	return nil
}

// ConsumeJobs starts consuming job ids. A nil handler error acks the
// message; ErrRetryLater sends it to the retry queue with backoff; any
// other error dead-letters it.
func (q *Queue) ConsumeJobs(ctx context.Context, handler Handler) error {
	prefetch := q.prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	err := q.channel.Qos(
		prefetch, // prefetch count
		0,        // prefetch size
		false,    // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		SweepQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				q.handleDelivery(ctx, msg, handler)
			}
		}
	}()

	return nil
}

func (q *Queue) handleDelivery(ctx context.Context, msg amqp.Delivery, handler Handler) {
	job, err := decodeMessage(msg.Body)
	if err != nil {
		q.logger.ErrorWithErr("Dropping malformed job message", err)
		msg.Nack(false, false)
		return
	}

	retries := retryCount(msg.Headers)
	herr := handler(ctx, job.JobID)

	switch {
	case herr == nil:
		msg.Ack(false)
	case ctx.Err() != nil:
		// Shutting down; let another worker have it.
		msg.Nack(false, true)
	case errors.Is(herr, ErrRetryLater):
		if err := q.PublishToRetryQueue(ctx, job.JobID, retries); err != nil {
			q.logger.WithJobID(job.JobID).ErrorWithErr("Failed to schedule retry", err)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
	default:
		if err := q.PublishToDeadLetterQueue(ctx, job.JobID, herr.Error()); err != nil {
			q.logger.WithJobID(job.JobID).ErrorWithErr("Failed to dead-letter job", err)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
	}
}

func retryCount(headers amqp.Table) int {
	switch v := headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// GetQueueDepth returns the number of messages in the queue
func (q *Queue) GetQueueDepth() (int, error) {
	info, err := q.channel.QueueInspect(SweepQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}
