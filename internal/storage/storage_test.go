package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	qdrant "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/capture-worker/internal/capture"
	"github.com/adverant/nexus/capture-worker/internal/errors"
	"github.com/adverant/nexus/capture-worker/internal/geometry"
	"github.com/adverant/nexus/capture-worker/internal/logging"
)

type fakeRuns struct {
	rows      map[string]*RunRecord
	upsertErr error
	closed    bool
}

func newFakeRuns() *fakeRuns { return &fakeRuns{rows: map[string]*RunRecord{}} }

func (f *fakeRuns) UpsertRun(ctx context.Context, rec *RunRecord) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.rows[rec.ID] = rec
	return nil
}

func (f *fakeRuns) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	rec, ok := f.rows[runID]
	if !ok {
		return nil, fmt.Errorf("capture run not found: %s", runID)
	}
	return rec, nil
}

func (f *fakeRuns) Ping(ctx context.Context) error { return nil }
func (f *fakeRuns) GetStats() sql.DBStats { return sql.DBStats{MaxOpenConnections: 25} }
func (f *fakeRuns) Close() error { f.closed = true; return nil }

type fakeVectors struct {
	points    []*VectorPoint
	hits      []*VectorPoint
	upsertErr error
	closed    bool
}

func (f *fakeVectors) UpsertVector(ctx context.Context, point *VectorPoint) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.points = append(f.points, point)
	return nil
}

func (f *fakeVectors) SearchVectors(ctx context.Context, q []float32, limit int) ([]*VectorPoint, error) {
	return f.hits, nil
}

func (f *fakeVectors) GetCollectionInfo(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"points_count": uint64(len(f.points))}, nil
}

func (f *fakeVectors) Close() error { f.closed = true; return nil }

func newTestManager(runs *fakeRuns, vectors *fakeVectors) *Manager {
	m := &Manager{runs: runs, logger: logging.NewLogger("StorageManager")}
	if vectors != nil {
		m.qdrant = vectors
	}
	return m
}

func sampleResult() *capture.Result {
	return &capture.Result{
		RunID:          "6f1c2a9e-8d0b-4a57-9a3e-2c1d7b4e5f60",
		ArtifactRef:    "file:///tmp/capture/image/2026-10-19-09-30-00-123.jpg",
		RecognizedText: "AB\x00C 123",
		Duration:       1500 * time.Millisecond,
		Region:         geometry.DefaultRegion,
		Rect:           geometry.PixelRect{Left: 576, Top: 27, Right: 768, Bottom: 1053},
		Fingerprint:    make([]float32, 64),
	}
}

func TestNewRunRecord(t *testing.T) {
	rec := NewRunRecord("job-1", sampleResult(), map[string]interface{}{"device": "cam0"})

	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, "ABC 123", rec.RecognizedText)
	assert.Equal(t, int64(1500), rec.ProcessingTimeMs)
	assert.Equal(t, 576, rec.Rect.Left)
	assert.Empty(t, rec.ErrorCode)
	assert.Equal(t, "cam0", rec.Metadata["device"])

	region := rec.Metadata["region"].(map[string]interface{})
	assert.Equal(t, float32(0.95), region["width"])
}

func TestNewRunRecordFailure(t *testing.T) {
	result := sampleResult()
	result.ArtifactRef = ""
	result.Err = errors.NewIOFailureError(result.RunID, "/readonly", fmt.Errorf("permission denied"))

	rec := NewRunRecord("", result, nil)

	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "IO_FAILURE", rec.ErrorCode)
	assert.Contains(t, rec.ErrorMessage, "permission denied")
	assert.Equal(t, "IO_FAILURE", rec.Metadata["error"].(map[string]interface{})["error_code"])
}

func TestRecordRunIndexesFingerprint(t *testing.T) {
	runs, vectors := newFakeRuns(), &fakeVectors{}
	m := newTestManager(runs, vectors)

	rec := NewRunRecord("job-1", sampleResult(), nil)
	require.NoError(t, m.RecordRun(context.Background(), rec))

	assert.Contains(t, runs.rows, rec.ID)
	require.Len(t, vectors.points, 1)
	assert.Equal(t, rec.ID, vectors.points[0].ID)
	assert.Equal(t, rec.ID, vectors.points[0].Metadata["run_id"])
	assert.Equal(t, "ABC 123", vectors.points[0].Metadata["recognized_text"])
}

func TestRecordRunIndexIsBestEffort(t *testing.T) {
	runs := newFakeRuns()
	m := newTestManager(runs, &fakeVectors{upsertErr: fmt.Errorf("qdrant down")})

	rec := NewRunRecord("job-1", sampleResult(), nil)
	assert.NoError(t, m.RecordRun(context.Background(), rec))
	assert.Contains(t, runs.rows, rec.ID)
}

func TestRecordRunWithoutFingerprintOrIndex(t *testing.T) {
	vectors := &fakeVectors{}
	result := sampleResult()
	result.Fingerprint = nil

	require.NoError(t, newTestManager(newFakeRuns(), vectors).RecordRun(context.Background(), NewRunRecord("", result, nil)))
	assert.Empty(t, vectors.points)

	require.NoError(t, newTestManager(newFakeRuns(), nil).RecordRun(context.Background(), NewRunRecord("", sampleResult(), nil)))
}

func TestRecordRunPostgresFailure(t *testing.T) {
	vectors := &fakeVectors{}
	runs := newFakeRuns()
	runs.upsertErr = fmt.Errorf("connection refused")
	m := newTestManager(runs, vectors)

	err := m.RecordRun(context.Background(), NewRunRecord("", sampleResult(), nil))
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, vectors.points)

	assert.Error(t, m.RecordRun(context.Background(), nil))
}

func TestFindSimilar(t *testing.T) {
	runs := newFakeRuns()
	known := NewRunRecord("job-1", sampleResult(), nil)
	runs.rows[known.ID] = known

	vectors := &fakeVectors{hits: []*VectorPoint{
		{ID: known.ID, Score: 0.99, Metadata: map[string]interface{}{"run_id": known.ID}},
		{ID: "0d9f3b7a-1111-2222-3333-444455556666", Score: 0.80, Metadata: map[string]interface{}{}},
		{Score: 0.5, Metadata: map[string]interface{}{}},
	}}
	m := newTestManager(runs, vectors)

	similar, err := m.FindSimilar(context.Background(), make([]float32, 64), 5)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, known, similar[0].Run)
	assert.Equal(t, float32(0.99), similar[0].SimilarityScore)

	_, err = newTestManager(runs, nil).FindSimilar(context.Background(), make([]float32, 64), 5)
	assert.Error(t, err)
}

func TestGetStatsAndClose(t *testing.T) {
	runs, vectors := newFakeRuns(), &fakeVectors{}
	m := newTestManager(runs, vectors)

	stats, err := m.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, stats["runs"].(map[string]interface{})["max_open_connections"])
	assert.Contains(t, stats, "qdrant")

	require.NoError(t, m.Close())
	assert.True(t, runs.closed)
	assert.True(t, vectors.closed)
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	raw, err := json.Marshal(map[string]string{"text": "a\x00b\x01c"})
	require.NoError(t, err)

	clean := sanitizeJSONForPostgres(raw)
	assert.Equal(t, `{"text":"ab c"}`, string(clean))
	assert.True(t, json.Valid(clean))
}

func TestPayloadConversion(t *testing.T) {
	payload := toPayload(map[string]interface{}{
		"run_id": "abc",
		"count":  3,
		"ts":     int64(1700000000),
		"score":  0.5,
		"ok":     true,
		"rect":   geometry.PixelRect{Left: 1, Top: 2, Right: 3, Bottom: 4},
	})

	assert.Equal(t, int64(3), payload["count"].GetIntegerValue())
	assert.IsType(t, &qdrant.Value_StringValue{}, payload["rect"].GetKind())

	back := fromPayload(payload)
	assert.Equal(t, "abc", back["run_id"])
	assert.Equal(t, int64(3), back["count"])
	assert.Equal(t, int64(1700000000), back["ts"])
	assert.Equal(t, 0.5, back["score"])
	assert.Equal(t, true, back["ok"])
}
