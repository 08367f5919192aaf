package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/capture-worker/internal/queue"
)

// newEnqueueCmd creates the enqueue subcommand.
func newEnqueueCmd() *cobra.Command {
	var (
		redisURL   string
		queueName  string
		mode       string
		rotation   int
		jobID      string
		userID     string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <image>",
		Short: "Submit an image file as a capture job",
		Long: `Enqueue wraps an encoded image (JPEG, PNG, BMP, TIFF or WebP) in a
capture job and submits it to a running worker. --mode must match the
worker's QUEUE_MODE.`,
		Example: `  cropctl enqueue label.jpg --rotation 90
  cropctl enqueue label.png --mode asynq --queue capture`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}
			if jobID == "" {
				jobID = uuid.New().String()
			}

			job := &queue.CaptureJob{
				JobID:  jobID,
				UserID: userID,
				Frame: queue.FramePayload{
					RotationDegrees: rotation,
					Format:          "encoded",
					Data:            data,
				},
				Metadata: map[string]interface{}{"source": filepath.Base(args[0])},
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			switch mode {
			case "asynq":
				opt, err := asynq.ParseRedisURI(redisURL)
				if err != nil {
					return fmt.Errorf("failed to parse Redis URL: %w", err)
				}
				client := asynq.NewClient(opt)
				defer client.Close()

				info, err := queue.Enqueue(ctx, client, queueName, job)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s on %s (state=%s)\n", info.ID, info.Queue, info.State)

			case "redis":
				opt, err := redis.ParseURL(redisURL)
				if err != nil {
					return fmt.Errorf("failed to parse Redis URL: %w", err)
				}
				client := redis.NewClient(opt)
				defer client.Close()

				submitted, err := queue.Submit(ctx, client, queueName, job, maxRetries)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s on %s\n", submitted.ID, queueName)

			default:
				return fmt.Errorf("--mode must be redis or asynq, got %q", mode)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&redisURL, "redis", envOr("REDIS_URL", "redis://localhost:6379"), "Redis URL")
	cmd.Flags().StringVar(&queueName, "queue", envOr("QUEUE_NAME", "capture:jobs"), "queue name")
	cmd.Flags().StringVar(&mode, "mode", envOr("QUEUE_MODE", "redis"), "queue mode (redis, asynq)")
	cmd.Flags().IntVar(&rotation, "rotation", 0, "clockwise rotation from the image to upright (0, 90, 180, 270)")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job ID (default: random UUID)")
	cmd.Flags().StringVar(&userID, "user-id", "", "user ID recorded with the run")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "attempts before a failing job is given up (redis mode)")

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
