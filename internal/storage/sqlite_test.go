package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/capture-worker/internal/geometry"
)

func TestSQLiteRunRoundTrip(t *testing.T) {
	client, err := NewSQLiteClient(":memory:")
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	id := uuid.New().String()
	rec := &RunRecord{
		ID:               id,
		JobID:            "job-1",
		Status:           "completed",
		ArtifactRef:      "file:///tmp/capture/image/a.jpg",
		RecognizedText:   "HELLO",
		ProcessingTimeMs: 42,
		Rect:             geometry.PixelRect{Left: 576, Top: 27, Right: 768, Bottom: 1053},
		Fingerprint:      []float32{0.25, 0.5, 1},
		Metadata:         map[string]interface{}{"source": "test"},
	}
	require.NoError(t, client.UpsertRun(ctx, rec))

	got, err := client.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "HELLO", got.RecognizedText)
	assert.Equal(t, int64(42), got.ProcessingTimeMs)
	assert.Equal(t, rec.Rect, got.Rect)
	assert.Equal(t, rec.Fingerprint, got.Fingerprint)
	assert.Equal(t, "test", got.Metadata["source"])
	assert.WithinDuration(t, time.Now(), got.CreatedAt, time.Minute)
	assert.Empty(t, got.ErrorCode)
}

func TestSQLiteUpsertKeepsEarlierOutputs(t *testing.T) {
	client, err := NewSQLiteClient(":memory:")
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	id := uuid.New().String()
	require.NoError(t, client.UpsertRun(ctx, &RunRecord{ID: id, Status: "failed", ArtifactRef: "file:///a.jpg"}))
	require.NoError(t, client.UpsertRun(ctx, &RunRecord{ID: id, Status: "failed", ErrorCode: "RECOGNITION_FAILED"}))

	got, err := client.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "file:///a.jpg", got.ArtifactRef)
	assert.Equal(t, "RECOGNITION_FAILED", got.ErrorCode)
	assert.Nil(t, got.Fingerprint)
	assert.Empty(t, got.Metadata)
}

func TestSQLiteValidationAndMissing(t *testing.T) {
	client, err := NewSQLiteClient(":memory:")
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	assert.Error(t, client.UpsertRun(ctx, &RunRecord{Status: "completed"}))
	assert.Error(t, client.UpsertRun(ctx, &RunRecord{ID: "x"}))

	_, err = client.GetRun(ctx, "missing")
	assert.ErrorContains(t, err, "not found")

	_, err = NewSQLiteClient("")
	assert.Error(t, err)
}

func TestNewManagerWithSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "capture.db")
	m, err := NewManager(SQLitePrefix+path, "", "", 0)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Ping(context.Background()))
	id := uuid.New().String()
	require.NoError(t, m.RecordRun(context.Background(), &RunRecord{ID: id, Status: "cancelled"}))

	got, err := m.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status)

	stats, err := m.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["runs"].(map[string]interface{})["max_open_connections"])
	assert.NotContains(t, stats, "qdrant")
}
