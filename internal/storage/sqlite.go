package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLitePrefix selects the SQLite run store in a database URL.
const SQLitePrefix = "sqlite://"

const sqliteSchemaSQL = `
	CREATE TABLE IF NOT EXISTS capture_runs (
		id                 TEXT PRIMARY KEY,
		job_id             TEXT,
		status             TEXT NOT NULL,
		artifact_ref       TEXT,
		recognized_text    TEXT,
		error_code         TEXT,
		error_message      TEXT,
		processing_time_ms INTEGER,
		crop_left          INTEGER,
		crop_top           INTEGER,
		crop_right         INTEGER,
		crop_bottom        INTEGER,
		fingerprint        TEXT,
		metadata           TEXT NOT NULL DEFAULT '{}',
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS capture_runs_job_id_idx ON capture_runs (job_id);
`

// SQLiteClient keeps run records in a local SQLite file, for single-node
// workers and cropctl. Fingerprints are stored as JSON arrays.
type SQLiteClient struct {
	db *sql.DB
}

// NewSQLiteClient opens (creating if needed) the database at path.
// ":memory:" gives a private in-memory database.
func NewSQLiteClient(path string) (*SQLiteClient, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; in-memory databases are per connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure capture schema: %w", err)
	}

	return &SQLiteClient{db: db}, nil
}

// UpsertRun inserts or updates a run row
func (s *SQLiteClient) UpsertRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if rec.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if rec.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	var fingerprint interface{}
	if len(rec.Fingerprint) > 0 {
		data, err := json.Marshal(rec.Fingerprint)
		if err != nil {
			return fmt.Errorf("failed to marshal fingerprint: %w", err)
		}
		fingerprint = string(data)
	}

	now := time.Now().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO capture_runs (
			id, job_id, status, artifact_ref, recognized_text,
			error_code, error_message, processing_time_ms,
			crop_left, crop_top, crop_right, crop_bottom,
			fingerprint, metadata, created_at, updated_at
		) VALUES (
			?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''),
			NULLIF(?, ''), NULLIF(?, ''), ?,
			?, ?, ?, ?,
			?, ?, ?, ?
		)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			artifact_ref = COALESCE(excluded.artifact_ref, capture_runs.artifact_ref),
			recognized_text = COALESCE(excluded.recognized_text, capture_runs.recognized_text),
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			processing_time_ms = excluded.processing_time_ms,
			fingerprint = COALESCE(excluded.fingerprint, capture_runs.fingerprint),
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.JobID, rec.Status, rec.ArtifactRef, rec.RecognizedText,
		rec.ErrorCode, rec.ErrorMessage, rec.ProcessingTimeMs,
		rec.Rect.Left, rec.Rect.Top, rec.Rect.Right, rec.Rect.Bottom,
		fingerprint, string(metadataJSON), createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert capture run (run=%s, status=%s): %w", rec.ID, rec.Status, err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteClient) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	query := `
		SELECT
			id, job_id, status, artifact_ref, recognized_text,
			error_code, error_message, processing_time_ms,
			crop_left, crop_top, crop_right, crop_bottom,
			fingerprint, metadata, created_at
		FROM capture_runs
		WHERE id = ?
	`

	var (
		rec                      RunRecord
		jobID, artifactRef, text sql.NullString
		errorCode, errorMessage  sql.NullString
		processingTimeMs         sql.NullInt64
		left, top, right, bottom sql.NullInt64
		fingerprint              sql.NullString
		metadataJSON             string
	)

	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&rec.ID, &jobID, &rec.Status, &artifactRef, &text,
		&errorCode, &errorMessage, &processingTimeMs,
		&left, &top, &right, &bottom,
		&fingerprint, &metadataJSON, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("capture run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture run: %w", err)
	}

	rec.JobID = jobID.String
	rec.ArtifactRef = artifactRef.String
	rec.RecognizedText = text.String
	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMessage.String
	rec.ProcessingTimeMs = processingTimeMs.Int64
	rec.Rect.Left, rec.Rect.Top = int(left.Int64), int(top.Int64)
	rec.Rect.Right, rec.Rect.Bottom = int(right.Int64), int(bottom.Int64)

	if fingerprint.Valid {
		if err := json.Unmarshal([]byte(fingerprint.String), &rec.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fingerprint: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &rec, nil
}

// Ping checks database connectivity
func (s *SQLiteClient) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteClient) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (s *SQLiteClient) GetStats() sql.DBStats {
	return s.db.Stats()
}

// newRunStore picks the run store for databaseURL.
func newRunStore(databaseURL string) (runStore, error) {
	if path, ok := strings.CutPrefix(databaseURL, SQLitePrefix); ok {
		return NewSQLiteClient(path)
	}
	return NewPostgresClient(databaseURL)
}
