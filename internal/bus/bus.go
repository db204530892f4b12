// Package bus is an append-only log of pipeline events that watchers and
// the CLI can tail by sequence number.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the analysis pipeline.
const (
	AnalysisStarted   = "analysis.started"
	AnalysisFinished  = "analysis.finished"
	AnalysisCancelled = "analysis.cancelled"
	AnalysisFailed    = "analysis.failed"
	ChapterAnalyzed   = "chapter.analyzed"
	ChapterLinked     = "chapter.linked"
	ChapterFailed     = "chapter.failed"
)

type Event struct {
	Seq       int64   `json:"seq"`
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	ProjectID string  `json:"project_id"`
	JobID     *string `json:"job_id,omitempty"`
	ChapterID *string `json:"chapter_id,omitempty"`
	CreatedAt int64   `json:"created_at"`
	Payload   *string `json:"payload_json,omitempty"`
}

func ensureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bus_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			project_id TEXT NOT NULL,
			job_id TEXT,
			chapter_id TEXT,
			created_at INTEGER NOT NULL,
			payload_json TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure bus_events table: %w", err)
	}
	return nil
}

// Emit appends one event. Empty jobID or chapterID are stored as NULL.
func Emit(ctx context.Context, db *sql.DB, typ, projectID, jobID, chapterID string, payload any) error {
	if typ == "" {
		return fmt.Errorf("type is required")
	}
	if err := ensureTable(ctx, db); err != nil {
		return err
	}

	var payloadVal any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadVal = string(b)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO bus_events (id, type, project_id, job_id, chapter_id, created_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), typ, projectID, nullable(jobID), nullable(chapterID), time.Now().Unix(), payloadVal)
	if err != nil {
		return fmt.Errorf("failed to insert bus event: %w", err)
	}
	return nil
}

// List returns a project's events after afterSeq, oldest first.
func List(ctx context.Context, db *sql.DB, projectID string, afterSeq int64, limit int) ([]Event, error) {
	if err := ensureTable(ctx, db); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT seq, id, type, project_id, job_id, chapter_id, created_at, payload_json
		FROM bus_events
		WHERE project_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, projectID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bus events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var job, chapter, payload sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &e.ProjectID, &job, &chapter, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan bus event: %w", err)
		}
		if job.Valid {
			e.JobID = &job.String
		}
		if chapter.Valid {
			e.ChapterID = &chapter.String
		}
		if payload.Valid {
			e.Payload = &payload.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating bus events: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
