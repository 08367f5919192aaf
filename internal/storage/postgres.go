/**
 * PostgreSQL Client for the Capture Worker
 *
 * Persists one row per capture run in capture.capture_runs: outcome, artifact
 * reference, recognized text, error code and the image fingerprint.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

const schemaSQL = `
	CREATE SCHEMA IF NOT EXISTS capture;

	CREATE TABLE IF NOT EXISTS capture.capture_runs (
		id                 UUID PRIMARY KEY,
		job_id             TEXT,
		status             TEXT NOT NULL,
		artifact_ref       TEXT,
		recognized_text    TEXT,
		error_code         TEXT,
		error_message      TEXT,
		processing_time_ms BIGINT,
		crop_left          INTEGER,
		crop_top           INTEGER,
		crop_right         INTEGER,
		crop_bottom        INTEGER,
		fingerprint        REAL[],
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS capture_runs_job_id_idx ON capture.capture_runs (job_id);
`

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure capture schema: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// UpsertRun inserts or updates a run row
func (p *PostgresClient) UpsertRun(ctx context.Context, rec *RunRecord) error {
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
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	var fingerprint interface{}
	if len(rec.Fingerprint) > 0 {
		fingerprint = pq.Array(rec.Fingerprint)
	}

	query := `
		INSERT INTO capture.capture_runs (
			id, job_id, status, artifact_ref, recognized_text,
			error_code, error_message, processing_time_ms,
			crop_left, crop_top, crop_right, crop_bottom,
			fingerprint, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, NULLIF($2, ''), $3, NULLIF($4, ''), NULLIF($5, ''),
			NULLIF($6, ''), NULLIF($7, ''), $8,
			$9, $10, $11, $12,
			$13, COALESCE($14::jsonb, '{}'::jsonb), NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			artifact_ref = COALESCE(EXCLUDED.artifact_ref, capture.capture_runs.artifact_ref),
			recognized_text = COALESCE(EXCLUDED.recognized_text, capture.capture_runs.recognized_text),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			processing_time_ms = EXCLUDED.processing_time_ms,
			fingerprint = COALESCE(EXCLUDED.fingerprint, capture.capture_runs.fingerprint),
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(ctx, query,
		rec.ID,               // $1
		rec.JobID,            // $2
		rec.Status,           // $3
		rec.ArtifactRef,      // $4
		rec.RecognizedText,   // $5
		rec.ErrorCode,        // $6
		rec.ErrorMessage,     // $7
		rec.ProcessingTimeMs, // $8
		rec.Rect.Left,        // $9
		rec.Rect.Top,         // $10
		rec.Rect.Right,       // $11
		rec.Rect.Bottom,      // $12
		fingerprint,          // $13
		metadataJSON,         // $14
	)
	if err != nil {
		return fmt.Errorf("failed to upsert capture run (run=%s, status=%s): %w", rec.ID, rec.Status, err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (p *PostgresClient) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	query := `
		SELECT
			id, job_id, status, artifact_ref, recognized_text,
			error_code, error_message, processing_time_ms,
			crop_left, crop_top, crop_right, crop_bottom,
			fingerprint, metadata, created_at
		FROM capture.capture_runs
		WHERE id = $1::uuid
	`

	var (
		rec                      RunRecord
		jobID, artifactRef, text sql.NullString
		errorCode, errorMessage  sql.NullString
		processingTimeMs         sql.NullInt64
		left, top, right, bottom sql.NullInt64
		fingerprint              pq.Float32Array
		metadataJSON             []byte
	)

	err := p.db.QueryRowContext(ctx, query, runID).Scan(
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
	rec.Fingerprint = []float32(fingerprint)

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &rec, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
