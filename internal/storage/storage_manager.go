/**
 * Storage Manager for the Capture Worker
 *
 * Records capture run outcomes in PostgreSQL (or SQLite) and, when a fingerprint is
 * available, indexes it in Qdrant for similar-capture lookup. The run row is
 * authoritative; the vector index is best effort.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/adverant/nexus/capture-worker/internal/capture"
	"github.com/adverant/nexus/capture-worker/internal/geometry"
	"github.com/adverant/nexus/capture-worker/internal/logging"
)

// RunRecord is one row of capture.capture_runs
type RunRecord struct {
	ID               string
	JobID            string
	Status           string
	ArtifactRef      string
	RecognizedText   string
	ErrorCode        string
	ErrorMessage     string
	ProcessingTimeMs int64
	Rect             geometry.PixelRect
	Fingerprint      []float32
	Metadata         map[string]interface{}
	CreatedAt        time.Time
}

// SimilarRun is a previous run whose fingerprint matched a query
type SimilarRun struct {
	Run             *RunRecord
	SimilarityScore float32
}

type runStore interface {
	UpsertRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	Ping(ctx context.Context) error
	GetStats() sql.DBStats
	Close() error
}

type vectorStore interface {
	UpsertVector(ctx context.Context, point *VectorPoint) error
	SearchVectors(ctx context.Context, queryVector []float32, limit int) ([]*VectorPoint, error)
	GetCollectionInfo(ctx context.Context) (map[string]interface{}, error)
	Close() error
}

// Manager coordinates the run store (PostgreSQL or SQLite) and Qdrant
type Manager struct {
	runs   runStore
	qdrant vectorStore
	logger *logging.Logger
}

// NewManager creates a new storage manager. databaseURL is a PostgreSQL URL,
// or sqlite://<path> for a local SQLite file. An empty qdrantAddress disables
// fingerprint indexing.
func NewManager(databaseURL, qdrantAddress, qdrantCollection string, dimensions int) (*Manager, error) {
	runs, err := newRunStore(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize run store: %w", err)
	}

	m := &Manager{
		runs:   runs,
		logger: logging.NewLogger("StorageManager"),
	}

	if qdrantAddress != "" {
		qdrant, err := NewQdrantClient(qdrantAddress, qdrantCollection, dimensions)
		if err != nil {
			runs.Close()
			return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
		}
		m.qdrant = qdrant
	}

	return m, nil
}

// NewRunRecord maps an orchestrator result onto a run row
func NewRunRecord(jobID string, result *capture.Result, metadata map[string]interface{}) *RunRecord {
	rec := &RunRecord{
		ID:               result.RunID,
		JobID:            jobID,
		Status:           result.Status(),
		ArtifactRef:      result.ArtifactRef,
		RecognizedText:   sanitizeText(result.RecognizedText),
		ProcessingTimeMs: result.Duration.Milliseconds(),
		Rect:             result.Rect,
		Fingerprint:      result.Fingerprint,
		Metadata:         map[string]interface{}{},
	}

	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	rec.Metadata["region"] = map[string]interface{}{
		"top_left_x": result.Region.TopLeftScale.X,
		"top_left_y": result.Region.TopLeftScale.Y,
		"width":      result.Region.SizeScale.W,
		"height":     result.Region.SizeScale.H,
	}

	if result.Err != nil {
		rec.ErrorCode = string(result.Err.Code)
		rec.ErrorMessage = sanitizeText(result.Err.Error())
		rec.Metadata["error"] = result.Err.ToMap()
	}

	return rec
}

// RecordRun stores the run row, then indexes its fingerprint. Indexing
// failures are logged and do not fail the call.
func (m *Manager) RecordRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil {
		return fmt.Errorf("run record is required")
	}

	if err := m.runs.UpsertRun(ctx, rec); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}

	if m.qdrant == nil || len(rec.Fingerprint) == 0 {
		return nil
	}

	point := &VectorPoint{
		ID:     rec.ID,
		Vector: rec.Fingerprint,
		Metadata: map[string]interface{}{
			"run_id":          rec.ID,
			"job_id":          rec.JobID,
			"status":          rec.Status,
			"artifact_ref":    rec.ArtifactRef,
			"recognized_text": rec.RecognizedText,
		},
		Timestamp: time.Now().Unix(),
	}

	if err := m.qdrant.UpsertVector(ctx, point); err != nil {
		m.logger.Warn("Failed to index fingerprint",
			"runId", rec.ID,
			"error", err,
		)
	}

	return nil
}

// GetRun retrieves a run by ID
func (m *Manager) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	return m.runs.GetRun(ctx, runID)
}

// FindSimilar returns previous runs with fingerprints close to the given one,
// most similar first. Hits without a readable run row are skipped.
func (m *Manager) FindSimilar(ctx context.Context, fingerprint []float32, limit int) ([]*SimilarRun, error) {
	if m.qdrant == nil {
		return nil, fmt.Errorf("fingerprint index is not configured")
	}

	points, err := m.qdrant.SearchVectors(ctx, fingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search fingerprints: %w", err)
	}

	results := make([]*SimilarRun, 0, len(points))
	for _, point := range points {
		runID, _ := point.Metadata["run_id"].(string)
		if runID == "" {
			runID = point.ID
		}
		if runID == "" {
			continue
		}

		rec, err := m.runs.GetRun(ctx, runID)
		if err != nil {
			m.logger.Debug("Skipping fingerprint hit", "runId", runID, "error", err)
			continue
		}

		results = append(results, &SimilarRun{Run: rec, SimilarityScore: point.Score})
	}

	return results, nil
}

// Ping checks run store connectivity
func (m *Manager) Ping(ctx context.Context) error {
	return m.runs.Ping(ctx)
}

// GetStats returns statistics from both systems
func (m *Manager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := m.runs.GetStats()

	stats := map[string]interface{}{
		"runs": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if m.qdrant != nil {
		qdrantStats, err := m.qdrant.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (m *Manager) Close() error {
	var pgErr, qdErr error

	if m.runs != nil {
		pgErr = m.runs.Close()
	}
	if m.qdrant != nil {
		qdErr = m.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close run store: %w", pgErr)
	}
	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

var (
	nullEscapePattern    = regexp.MustCompile(`\\u0000`)
	controlEscapePattern = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escape sequences JSONB rejects. \u0000 is
// dropped; other control character escapes become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscapePattern.ReplaceAll(jsonBytes, []byte{})
	return controlEscapePattern.ReplaceAll(result, []byte(" "))
}

// sanitizeText strips NUL bytes, which TEXT columns cannot hold. OCR output
// occasionally contains them.
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
