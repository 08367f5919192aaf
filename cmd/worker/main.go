/**
 * Capture Worker - Main Entry Point
 *
 * Consumes camera frames from a Redis-backed job queue and runs each one
 * through the capture pipeline: crop-region resolution, rotate + crop,
 * then artifact persistence and text recognition in parallel.
 *
 * Architecture:
 * - Redis list or Asynq consumer for the job queue
 * - Pool of single-flight capture orchestrators (one per worker slot)
 * - Local JPEG files or FileProcess API uploads for artifacts
 * - Tesseract with optional MageAgent vision escalation for recognition
 * - PostgreSQL (or SQLite) run records and Qdrant image fingerprints, both optional
 * - Periodic queue and storage stats in the log
 * - State transitions published on a Redis channel
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/capture-worker/internal/artifact"
	"github.com/adverant/nexus/capture-worker/internal/capture"
	"github.com/adverant/nexus/capture-worker/internal/config"
	"github.com/adverant/nexus/capture-worker/internal/logging"
	"github.com/adverant/nexus/capture-worker/internal/queue"
	"github.com/adverant/nexus/capture-worker/internal/recognizer"
	"github.com/adverant/nexus/capture-worker/internal/storage"
	"github.com/adverant/nexus/capture-worker/internal/transform"
)

func main() {
	logger := logging.NewLogger("Main")

	if err := godotenv.Load(".env.capture"); err != nil {
		logger.Printf("Warning: .env.capture not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Configure(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	logger = logging.NewLogger("Main")

	if err := run(cfg, logger); err != nil {
		logger.Error("Capture worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	logger.Printf("Capture Worker starting...")
	logger.Printf("Configuration loaded: Redis=%s, Queue=%s (%s), RunStore=%t, Qdrant=%t, Workers=%d",
		cfg.RedisURL, cfg.QueueName, cfg.QueueMode, cfg.DatabaseURL != "", cfg.QdrantURL != "", cfg.WorkerConcurrency)

	// Run store (PostgreSQL or SQLite) and Qdrant fingerprints
	var (
		recorder       queue.RunRecorder
		storageManager *storage.Manager
	)
	if cfg.DatabaseURL != "" {
		logger.Printf("Connecting to run store (fingerprint index=%t)...", cfg.QdrantURL != "")
		var err error
		storageManager, err = storage.NewManager(cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection, transform.FingerprintSize)
		if err != nil {
			return fmt.Errorf("failed to initialize storage manager: %w", err)
		}
		defer func() {
			if err := storageManager.Close(); err != nil {
				logger.Error("Error closing storage manager", "error", err)
			}
		}()
		recorder = storageManager
	} else {
		logger.Printf("DATABASE_URL not set, run records disabled")
	}

	store, err := newArtifactStore(cfg)
	if err != nil {
		return err
	}

	rec, err := recognizer.New(cfg.Recognizers,
		&recognizer.TesseractConfig{
			Languages:   cfg.TesseractLanguages,
			PageSegMode: cfg.PageSegMode,
			Whitelist:   cfg.Whitelist,
		},
		&recognizer.VisionConfig{
			BaseURL:        cfg.MageAgentURL,
			PreferAccuracy: cfg.PreferAccuracy,
			Language:       visionLanguage(cfg.TesseractLanguages),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to initialize recognizer: %w", err)
	}
	logger.Printf("Recognizer initialized: %s", rec.Name())

	events, err := queue.NewEventPublisher(cfg.RedisURL, cfg.EventsChannel)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	defer events.Close()

	region := cfg.Region
	pool, err := capture.NewPool(cfg.WorkerConcurrency, func(int) (*capture.Orchestrator, error) {
		return capture.NewOrchestrator(&capture.Config{
			Store:            store,
			Recognizer:       rec,
			Region:           &region,
			RecognizeTimeout: cfg.RecognizeTimeout,
			Fingerprint:      cfg.Fingerprint,
			OnTransition:     events.PublishTransition,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrators: %w", err)
	}
	logger.Printf("Orchestrator pool initialized: size=%d, region=%s", pool.Size(), region)

	proc, err := queue.NewJobProcessor(pool, recorder, time.Duration(cfg.ProcessingTimeout)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to initialize job processor: %w", err)
	}

	logger.Printf("Connecting to Redis queue...")
	consumer, err := newConsumer(cfg, proc)
	if err != nil {
		return fmt.Errorf("failed to initialize queue consumer: %w", err)
	}
	if err := consumer.start(); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}

	logger.Printf("===========================================")
	logger.Printf("Capture Worker is READY")
	logger.Printf("===========================================")
	logger.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueMode)
	logger.Printf("Orchestrators: %d", pool.Size())
	logger.Printf("Recognizer: %s", rec.Name())
	logger.Printf("Events: %s", cfg.EventsChannel)
	logger.Printf("===========================================")
	logger.Printf("Waiting for jobs...")

	statsCtx, stopStats := context.WithCancel(context.Background())
	defer stopStats()
	if cfg.StatsInterval > 0 {
		go reportStats(statsCtx, logger, time.Duration(cfg.StatsInterval)*time.Millisecond, consumer.stats, storageManager)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
	stopStats()

	if err := consumer.stop(); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	} else {
		logger.Printf("Queue consumer stopped successfully")
	}

	logger.Printf("Shutdown complete")
	return nil
}

func newArtifactStore(cfg *config.Config) (artifact.Store, error) {
	if cfg.FileProcessAPIURL != "" {
		store, err := artifact.NewHTTPStore(cfg.FileProcessAPIURL, cfg.JPEGQuality, cfg.ArtifactTTLDays)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize artifact upload: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("artifact service health check failed: %w", err)
		}
		return store, nil
	}

	store, err := artifact.NewFileStore(cfg.OutputDir, cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact directory: %w", err)
	}
	return store, nil
}

type consumerHandle struct {
	start, stop func() error
	stats       func() (map[string]interface{}, error)
}

// newConsumer builds the consumer for the configured queue mode.
func newConsumer(cfg *config.Config, proc *queue.JobProcessor) (*consumerHandle, error) {
	switch cfg.QueueMode {
	case "asynq":
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Processor:   proc,
		})
		if err != nil {
			return nil, err
		}
		return &consumerHandle{
			start: func() error { return c.Start(context.Background()) },
			stop:  func() error { return c.Stop(context.Background()) },
			stats: func() (map[string]interface{}, error) { return c.GetStatistics(), nil },
		}, nil
	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Processor:   proc,
		})
		if err != nil {
			return nil, err
		}
		return &consumerHandle{
			start: c.Start,
			stop:  c.Stop,
			stats: func() (map[string]interface{}, error) {
				counts, err := c.GetStats()
				if err != nil {
					return nil, err
				}
				out := make(map[string]interface{}, len(counts))
				for k, v := range counts {
					out[k] = v
				}
				return out, nil
			},
		}, nil
	}
}

// reportStats logs queue and storage statistics every interval until ctx ends.
func reportStats(ctx context.Context, logger *logging.Logger, interval time.Duration,
	queueStats func() (map[string]interface{}, error), storageManager *storage.Manager) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if stats, err := queueStats(); err != nil {
			logger.Warn("Failed to read queue stats", "error", err)
		} else {
			logger.Info("Queue stats", "stats", stats)
		}

		if storageManager == nil {
			continue
		}
		statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		stats, err := storageManager.GetStats(statsCtx)
		cancel()
		if err != nil {
			logger.Warn("Failed to read storage stats", "error", err)
			continue
		}
		logger.Info("Storage stats", "stats", stats)
	}
}

// visionLanguage maps the first Tesseract language code to the two-letter
// code the vision endpoint expects.
func visionLanguage(langs []string) string {
	if len(langs) == 0 {
		return "en"
	}
	switch code := strings.ToLower(langs[0]); code {
	case "eng":
		return "en"
	case "deu":
		return "de"
	case "fra":
		return "fr"
	case "spa":
		return "es"
	default:
		if len(code) >= 2 {
			return code[:2]
		}
		return "en"
	}
}
