package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/capture-worker/internal/geometry"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"REDIS_URL", "QUEUE_MODE", "OUTPUT_DIR", "JPEG_QUALITY", "RECOGNIZERS",
		"TESSERACT_LANGUAGES", "CROP_CONFIG_FILE", "WORKER_CONCURRENCY", "DATABASE_URL", "QDRANT_URL", "STATS_INTERVAL"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, geometry.DefaultRegion, cfg.Region)
	assert.Equal(t, "/tmp/capture/image", cfg.OutputDir)
	assert.Equal(t, 100, cfg.JPEGQuality)
	assert.Equal(t, []string{"tesseract"}, cfg.Recognizers)
	assert.Equal(t, []string{"eng"}, cfg.TesseractLanguages)
	assert.Equal(t, "redis", cfg.QueueMode)
	assert.Equal(t, 1, cfg.WorkerConcurrency)
	assert.Equal(t, 30*time.Second, cfg.RecognizeTimeout)
	assert.True(t, cfg.Fingerprint)
	assert.Equal(t, 60000, cfg.StatsInterval)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("RECOGNIZERS", "tesseract, vision,")
	t.Setenv("TESSERACT_LANGUAGES", "eng,deu")
	t.Setenv("JPEG_QUALITY", "85")
	t.Setenv("FINGERPRINT", "false")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")
	t.Setenv("QUEUE_MODE", "asynq")
	t.Setenv("CROP_CONFIG_FILE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"tesseract", "vision"}, cfg.Recognizers)
	assert.Equal(t, []string{"eng", "deu"}, cfg.TesseractLanguages)
	assert.Equal(t, 85, cfg.JPEGQuality)
	assert.False(t, cfg.Fingerprint)
	assert.Equal(t, 1, cfg.WorkerConcurrency)
	assert.Equal(t, "asynq", cfg.QueueMode)
}

func TestApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
region:
  topLeftScale: {x: 0.1, y: 0.4}
  sizeScale: {w: 0.8, h: 0}
recognizer:
  engines: [vision, tesseract]
  pageSegMode: 6
  whitelist: "0123456789"
  preferAccuracy: true
  timeoutMs: 5000
`), 0o644))

	cfg := &Config{Recognizers: []string{"tesseract"}, TesseractLanguages: []string{"eng"}, PageSegMode: 7}
	require.NoError(t, cfg.ApplyFile(path))

	assert.Equal(t, geometry.CropRegion{
		TopLeftScale: geometry.Offset{X: 0.1, Y: 0.4},
		SizeScale:    geometry.Size{W: 0.8, H: 0},
	}, cfg.Region)
	assert.Equal(t, []string{"vision", "tesseract"}, cfg.Recognizers)
	assert.Equal(t, []string{"eng"}, cfg.TesseractLanguages)
	assert.Equal(t, 6, cfg.PageSegMode)
	assert.Equal(t, "0123456789", cfg.Whitelist)
	assert.True(t, cfg.PreferAccuracy)
	assert.Equal(t, 5*time.Second, cfg.RecognizeTimeout)
}

func TestApplyFileErrors(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.ApplyFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("region: [1, 2"), 0o644))
	assert.Error(t, cfg.ApplyFile(path))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RedisURL:          "redis://localhost:6379",
			QueueMode:         "redis",
			WorkerConcurrency: 1,
			JPEGQuality:       100,
			OutputDir:         "/tmp/capture/image",
			Recognizers:       []string{"tesseract"},
			ProcessingTimeout: 1000,
			Region:            geometry.DefaultRegion,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no redis", func(c *Config) { c.RedisURL = "" }},
		{"bad queue mode", func(c *Config) { c.QueueMode = "kafka" }},
		{"zero concurrency", func(c *Config) { c.WorkerConcurrency = 0 }},
		{"quality too high", func(c *Config) { c.JPEGQuality = 101 }},
		{"no output", func(c *Config) { c.OutputDir = "" }},
		{"no recognizers", func(c *Config) { c.Recognizers = nil }},
		{"qdrant without postgres", func(c *Config) { c.QdrantURL = "localhost:6334" }},
		{"no timeout", func(c *Config) { c.ProcessingTimeout = 0 }},
		{"negative stats interval", func(c *Config) { c.StatsInterval = -1 }},
		{"region overflows", func(c *Config) { c.Region.TopLeftScale.X = 0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := valid()
	c.OutputDir = ""
	c.FileProcessAPIURL = "http://nexus-fileprocess-api:8096"
	assert.NoError(t, c.Validate())
}
