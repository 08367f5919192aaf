/**
 * Configuration for the Capture Worker
 *
 * Loads configuration from environment variables matching .env.capture, plus
 * an optional YAML file (CROP_CONFIG_FILE) for the crop region and
 * recognizer options.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adverant/nexus/capture-worker/internal/geometry"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL  string
	QueueName string
	// QueueMode selects the consumer: "redis" (list queue) or "asynq"
	QueueMode     string
	EventsChannel string

	// Run store: a PostgreSQL URL or sqlite://<path>; empty disables run records
	DatabaseURL string

	// Qdrant fingerprint index; empty disables it
	QdrantURL        string
	QdrantCollection string

	// Artifact storage. FileProcessAPIURL set means uploads instead of local
	// files.
	OutputDir         string
	JPEGQuality       int
	FileProcessAPIURL string
	ArtifactTTLDays   int

	// Recognition
	Recognizers        []string
	TesseractLanguages []string
	PageSegMode        int
	Whitelist          string
	MageAgentURL       string
	PreferAccuracy     bool
	RecognizeTimeout   time.Duration

	// Crop region applied to every orchestrator at start
	Region         geometry.CropRegion
	CropConfigFile string

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds
	Fingerprint       bool
	StatsInterval     int // milliseconds, 0 disables

	// Logging
	LogLevel  string
	LogFormat string
}

// FileConfig is the layout of CROP_CONFIG_FILE
type FileConfig struct {
	Region     *geometry.CropRegion `yaml:"region"`
	Recognizer struct {
		Engines        []string `yaml:"engines"`
		Languages      []string `yaml:"languages"`
		PageSegMode    *int     `yaml:"pageSegMode"`
		Whitelist      *string  `yaml:"whitelist"`
		PreferAccuracy *bool    `yaml:"preferAccuracy"`
		TimeoutMs      *int     `yaml:"timeoutMs"`
	} `yaml:"recognizer"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:           getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueName:          getEnvOrDefault("QUEUE_NAME", "capture:jobs"),
		QueueMode:          getEnvOrDefault("QUEUE_MODE", "redis"),
		EventsChannel:      getEnvOrDefault("EVENTS_CHANNEL", "capture:events"),
		DatabaseURL:        getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:          getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:   getEnvOrDefault("QDRANT_COLLECTION", "capture_fingerprints"),
		OutputDir:          getEnvOrDefault("OUTPUT_DIR", "/tmp/capture/image"),
		JPEGQuality:        getEnvAsIntOrDefault("JPEG_QUALITY", 100),
		FileProcessAPIURL:  getEnvOrDefault("FILEPROCESS_API_URL", ""),
		ArtifactTTLDays:    getEnvAsIntOrDefault("ARTIFACT_TTL_DAYS", 36500),
		Recognizers:        getEnvAsListOrDefault("RECOGNIZERS", []string{"tesseract"}),
		TesseractLanguages: getEnvAsListOrDefault("TESSERACT_LANGUAGES", []string{"eng"}),
		PageSegMode:        getEnvAsIntOrDefault("TESSERACT_PSM", 7), // single line
		Whitelist:          getEnvOrDefault("TESSERACT_WHITELIST", ""),
		MageAgentURL:       getEnvOrDefault("MAGEAGENT_URL", "http://nexus-mageagent:8080"),
		PreferAccuracy:     getEnvAsBoolOrDefault("VISION_PREFER_ACCURACY", false),
		RecognizeTimeout:   time.Duration(getEnvAsIntOrDefault("RECOGNIZE_TIMEOUT", 30000)) * time.Millisecond,
		Region:             geometry.DefaultRegion,
		CropConfigFile:     getEnvOrDefault("CROP_CONFIG_FILE", ""),
		WorkerConcurrency:  getEnvAsIntOrDefault("WORKER_CONCURRENCY", 1),
		ProcessingTimeout:  getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 300000), // 5 minutes
		Fingerprint:        getEnvAsBoolOrDefault("FINGERPRINT", true),
		StatsInterval:      getEnvAsIntOrDefault("STATS_INTERVAL", 60000),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          getEnvOrDefault("LOG_FORMAT", "console"),
	}

	if cfg.CropConfigFile != "" {
		if err := cfg.ApplyFile(cfg.CropConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ApplyFile overlays the values present in a YAML config file
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read crop config %s: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse crop config %s: %w", path, err)
	}

	if fc.Region != nil {
		c.Region = *fc.Region
	}
	r := fc.Recognizer
	if len(r.Engines) > 0 {
		c.Recognizers = r.Engines
	}
	if len(r.Languages) > 0 {
		c.TesseractLanguages = r.Languages
	}
	if r.PageSegMode != nil {
		c.PageSegMode = *r.PageSegMode
	}
	if r.Whitelist != nil {
		c.Whitelist = *r.Whitelist
	}
	if r.PreferAccuracy != nil {
		c.PreferAccuracy = *r.PreferAccuracy
	}
	if r.TimeoutMs != nil {
		c.RecognizeTimeout = time.Duration(*r.TimeoutMs) * time.Millisecond
	}

	return nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueMode != "redis" && c.QueueMode != "asynq" {
		return fmt.Errorf("QUEUE_MODE must be redis or asynq, got %q", c.QueueMode)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 32 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 32, got %d", c.WorkerConcurrency)
	}

	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be between 1 and 100, got %d", c.JPEGQuality)
	}

	if c.FileProcessAPIURL == "" && c.OutputDir == "" {
		return fmt.Errorf("OUTPUT_DIR is required when FILEPROCESS_API_URL is not set")
	}

	if len(c.Recognizers) == 0 {
		return fmt.Errorf("RECOGNIZERS must name at least one engine")
	}

	if c.QdrantURL != "" && c.DatabaseURL == "" {
		return fmt.Errorf("QDRANT_URL requires DATABASE_URL (fingerprints reference run records)")
	}

	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be positive, got %d", c.ProcessingTimeout)
	}

	if c.StatsInterval < 0 {
		return fmt.Errorf("STATS_INTERVAL must not be negative, got %d", c.StatsInterval)
	}

	if err := c.Region.Validate(); err != nil {
		return fmt.Errorf("crop region: %w", err)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsListOrDefault splits a comma separated variable, dropping blanks
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
