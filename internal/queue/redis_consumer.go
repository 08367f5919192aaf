/**
 * Direct Redis Queue Consumer for the Capture Worker
 *
 * Compatible with the TypeScript RedisQueue implementation: job IDs on a
 * LIST, job bodies in a "<queue>:data" hash, status SETs, result and error
 * hashes, and events published on "<queue>:events".
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/capture-worker/internal/capture"
	"github.com/adverant/nexus/capture-worker/internal/logging"
)

var errNoJobs = errors.New("no jobs available")

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor *JobProcessor
	config    *RedisConsumerConfig
	keys      queueKeys
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL  string
	QueueName string
	// Concurrency is the number of jobs taken off the list at once. With a
	// capture.Pool of the same size none of them waits on a BUSY requeue.
	Concurrency int
	Processor   *JobProcessor
	// BusyRequeueDelay is the pause after pushing a job back because the
	// orchestrator was busy (default 250ms).
	BusyRequeueDelay time.Duration
}

type queueKeys struct {
	list, data, processing, completed, failed, cancelled, results, errors, events string
}

func newQueueKeys(queue string) queueKeys {
	return queueKeys{
		list:       queue,
		data:       queue + ":data",
		processing: queue + ":processing",
		completed:  queue + ":completed",
		failed:     queue + ":failed",
		cancelled:  queue + ":cancelled",
		results:    queue + ":results",
		errors:     queue + ":errors",
		events:     queue + ":events",
	}
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "capture:jobs"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BusyRequeueDelay <= 0 {
		cfg.BusyRequeueDelay = 250 * time.Millisecond
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		keys:      newQueueKeys(cfg.QueueName),
		logger:    logging.NewLogger("RedisConsumer"),
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Printf("Starting Redis queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	c.logger.Printf("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer. A capture in flight is cancelled and
// its job marked cancelled.
func (c *RedisConsumer) Stop() error {
	c.logger.Printf("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if !errors.Is(err, errNoJobs) && c.ctx.Err() == nil {
					c.logger.Error("Worker error", "worker", id, "error", err)
				}
				select {
				case <-c.ctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.keys.list).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	jobData, err := c.client.HGet(c.ctx, c.keys.data, id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.updateJobStatus(id, "failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.updateJobStatus(job.Payload.JobID, "processing", nil)

	runResult, err := c.processor.Process(c.ctx, &job.Payload)
	if err != nil {
		// Unusable payload: retrying cannot help.
		c.updateJobStatus(job.Payload.JobID, "failed", map[string]interface{}{
			"error":    err.Error(),
			"attempts": job.Attempts,
		})
		return err
	}

	switch {
	case runResult.Busy():
		// Not an attempt; the capture never started.
		c.client.SRem(c.ctx, c.keys.processing, job.Payload.JobID)
		if err := c.client.RPush(c.ctx, c.keys.list, job.ID).Err(); err != nil {
			return fmt.Errorf("failed to requeue busy job %s: %w", job.Payload.JobID, err)
		}
		time.Sleep(c.config.BusyRequeueDelay)

	case runResult.Cancelled():
		c.updateJobStatus(job.Payload.JobID, "cancelled", resultSummary(runResult))

	case runResult.Succeeded():
		c.updateJobStatus(job.Payload.JobID, "completed", resultSummary(runResult))

	default:
		job.Attempts++
		if job.Attempts < job.MaxRetries {
			updatedData, _ := json.Marshal(job)
			c.client.HSet(c.ctx, c.keys.data, job.ID, updatedData)
			c.client.LPush(c.ctx, c.keys.list, job.ID)
			c.logger.Printf("Job %s re-queued for retry (attempt %d/%d): %v",
				job.Payload.JobID, job.Attempts, job.MaxRetries, runResult.Err)
		} else {
			summary := resultSummary(runResult)
			summary["attempts"] = job.Attempts
			c.updateJobStatus(job.Payload.JobID, "failed", summary)
		}
	}

	return nil
}

// updateJobStatus moves the job between status sets and publishes a job event.
// Writes go through a context that outlives consumer shutdown so the final
// status of an interrupted job is still recorded.
func (c *RedisConsumer) updateJobStatus(jobID string, status string, result map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 5*time.Second)
	defer cancel()

	pipe := c.client.TxPipeline()
	switch status {
	case "processing":
		pipe.SAdd(ctx, c.keys.processing, jobID)
	case "completed":
		pipe.SRem(ctx, c.keys.processing, jobID)
		pipe.SAdd(ctx, c.keys.completed, jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			pipe.HSet(ctx, c.keys.results, jobID, resultData)
		}
	case "failed", "cancelled":
		pipe.SRem(ctx, c.keys.processing, jobID)
		if status == "failed" {
			pipe.SAdd(ctx, c.keys.failed, jobID)
		} else {
			pipe.SAdd(ctx, c.keys.cancelled, jobID)
		}
		if result != nil {
			errorData, _ := json.Marshal(result)
			pipe.HSet(ctx, c.keys.errors, jobID, errorData)
		}
	}
	pipe.Publish(ctx, c.keys.events, jobEvent(jobID, status, time.Now()))

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("Failed to update job status in Redis",
			"jobId", jobID,
			"status", status,
			"error", err,
		)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats() (map[string]int64, error) {
	ctx := context.Background()

	waiting, err := c.client.LLen(ctx, c.keys.list).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue length: %w", err)
	}
	processing, _ := c.client.SCard(ctx, c.keys.processing).Result()
	completed, _ := c.client.SCard(ctx, c.keys.completed).Result()
	failed, _ := c.client.SCard(ctx, c.keys.failed).Result()
	cancelled, _ := c.client.SCard(ctx, c.keys.cancelled).Result()

	return map[string]int64{
		"waiting":    waiting,
		"processing": processing,
		"completed":  completed,
		"failed":     failed,
		"cancelled":  cancelled,
	}, nil
}

// EventPublisher publishes orchestrator state transitions on a Redis channel
type EventPublisher struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
}

// NewEventPublisher connects to Redis for publishing on channel
func NewEventPublisher(redisURL, channel string) (*EventPublisher, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel is required")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &EventPublisher{
		client:  redis.NewClient(opt),
		channel: channel,
		logger:  logging.NewLogger("EventPublisher"),
	}, nil
}

// PublishTransition is suitable as capture.Config.OnTransition. Publish
// errors are logged only.
func (p *EventPublisher) PublishTransition(t capture.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, transitionEvent(t)).Err(); err != nil {
		p.logger.Debug("Failed to publish transition", "runId", t.RunID, "to", t.To.String(), "error", err)
	}
}

// Close closes the publisher connection
func (p *EventPublisher) Close() error {
	return p.client.Close()
}

func jobEvent(jobID, status string, at time.Time) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"event":     "job:" + status,
		"jobId":     jobID,
		"timestamp": at.Format(time.RFC3339),
	})
	return data
}

func transitionEvent(t capture.Transition) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"event":     "capture:" + t.To.String(),
		"runId":     t.RunID,
		"from":      t.From.String(),
		"timestamp": t.At.Format(time.RFC3339Nano),
	})
	return data
}

// Submit adds job to the list queue the way the TypeScript producer does:
// body in the data hash, ID pushed on the list.
func Submit(ctx context.Context, client redis.Cmdable, queue string, job *CaptureJob, maxRetries int) (*RedisJobData, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture job: %w", err)
	}

	data := &RedisJobData{
		ID:         job.JobID,
		Type:       TaskTypeCaptureFrame,
		Payload:    *job,
		CreatedAt:  time.Now(),
		MaxRetries: maxRetries,
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capture job: %w", err)
	}

	keys := newQueueKeys(queue)
	pipe := client.TxPipeline()
	pipe.HSet(ctx, keys.data, data.ID, body)
	pipe.LPush(ctx, keys.list, data.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to submit capture job %s: %w", job.JobID, err)
	}
	return data, nil
}
