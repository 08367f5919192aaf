/**
 * Queue Consumer for the Capture Worker
 *
 * Consumes "capture-frame" tasks through Asynq and runs them on the
 * orchestrator. Also enqueues tasks for CLI and test submitters.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/capture-worker/internal/errors"
	"github.com/adverant/nexus/capture-worker/internal/logging"
)

// Consumer handles job consumption from Redis queue
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor *JobProcessor
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Processor   *JobProcessor
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("QueueConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error",
					"type", task.Type(),
					"payloadBytes", len(task.Payload()),
					"error", err,
				)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:    asynq.NewClient(redisOpt),
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	mux.HandleFunc(TaskTypeCaptureFrame, consumer.handleCaptureFrame)

	return consumer, nil
}

// retryDelay backs off exponentially: 5s, 10s, 20s, capped at 60s. Busy
// rejections retry after one second since no work was done.
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if errors.CodeOf(err) == errors.ErrorBusy {
		return time.Second
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Printf("Starting queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Printf("Stopping queue consumer...")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Printf("Queue consumer stopped")
	return nil
}

// NewCaptureTask builds the asynq task for job
func NewCaptureTask(job *CaptureJob) (*asynq.Task, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture job: %w", err)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capture job: %w", err)
	}
	return asynq.NewTask(TaskTypeCaptureFrame, payload, asynq.MaxRetry(3)), nil
}

// Enqueue submits job to the consumer's queue
func (c *Consumer) Enqueue(ctx context.Context, job *CaptureJob) (*asynq.TaskInfo, error) {
	return Enqueue(ctx, c.client, c.config.QueueName, job)
}

// Enqueue submits job on queue through client
func Enqueue(ctx context.Context, client *asynq.Client, queue string, job *CaptureJob) (*asynq.TaskInfo, error) {
	task, err := NewCaptureTask(job)
	if err != nil {
		return nil, err
	}
	info, err := client.EnqueueContext(ctx, task, asynq.Queue(queue), asynq.TaskID(job.JobID))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue capture job %s: %w", job.JobID, err)
	}
	return info, nil
}

// handleCaptureFrame processes a capture job. Unusable payloads and
// deterministic failures skip retry; busy and transient failures are retried.
func (c *Consumer) handleCaptureFrame(ctx context.Context, task *asynq.Task) error {
	job, err := ParseCaptureJob(task.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	result, err := c.processor.Process(ctx, job)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if w := task.ResultWriter(); w != nil {
		if data, err := json.Marshal(resultSummary(result)); err == nil {
			if _, err := w.Write(data); err != nil {
				c.logger.Debug("Failed to write task result", "jobId", job.JobID, "error", err)
			}
		}
	}

	switch {
	case result.Succeeded():
		return nil
	case result.Busy():
		return result.Err
	case result.Cancelled():
		// Shutdown or task deadline; asynq re-runs the task.
		return fmt.Errorf("capture cancelled: %w", ctx.Err())
	case !retryable(result.Err.Code):
		return fmt.Errorf("capture failed: %v: %w", result.Err, asynq.SkipRetry)
	default:
		return fmt.Errorf("capture failed: %w", result.Err)
	}
}

// retryable reports whether a failure might not repeat on the same frame.
func retryable(code errors.ErrorCode) bool {
	switch code {
	case errors.ErrorIOFailure, errors.ErrorRecognitionFailed, errors.ErrorBusy:
		return true
	default:
		return false
	}
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}
