//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/adverant/nexus/capture-worker/internal/geometry"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("capture_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestPostgresRunRoundTrip(t *testing.T) {
	client, err := NewPostgresClient(startPostgres(t))
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	id := uuid.New().String()
	rec := &RunRecord{
		ID:               id,
		JobID:            "job-1",
		Status:           "failed",
		ArtifactRef:      "file:///tmp/capture/image/a.jpg",
		ErrorCode:        "RECOGNITION_FAILED",
		ErrorMessage:     "engine unavailable",
		ProcessingTimeMs: 120,
		Rect:             geometry.PixelRect{Left: 576, Top: 27, Right: 768, Bottom: 1053},
		Fingerprint:      []float32{0.1, 0.2, 0.3},
		Metadata:         map[string]interface{}{"device": "cam\u00000"},
	}
	require.NoError(t, client.UpsertRun(ctx, rec))

	// A later write without an artifact keeps the earlier reference.
	require.NoError(t, client.UpsertRun(ctx, &RunRecord{ID: id, Status: "completed", RecognizedText: "HELLO"}))

	got, err := client.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "HELLO", got.RecognizedText)
	assert.Equal(t, rec.ArtifactRef, got.ArtifactRef)
	assert.Equal(t, rec.Fingerprint, got.Fingerprint)
	assert.Empty(t, got.ErrorCode)

	_, err = client.GetRun(ctx, uuid.New().String())
	assert.ErrorContains(t, err, "not found")
}
