package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Dependency source/dependent types besides story categories.
const DependencyChapter = "chapter"

// DependencyEdge says dependent must follow (and be reprocessed after) source.
type DependencyEdge struct {
	ProjectID     string  `json:"project_id"`
	SourceID      string  `json:"source_id"`
	SourceType    string  `json:"source_type"`
	DependentID   string  `json:"dependent_id"`
	DependentType string  `json:"dependent_type"`
	Strength      float64 `json:"strength"`
}

// AddDependency records an edge. Self-edges are ignored; an existing edge
// keeps the stronger strength.
func (s *Store) AddDependency(ctx context.Context, e DependencyEdge) error {
	if e.SourceID == e.DependentID {
		return nil
	}
	if e.Strength == 0 {
		e.Strength = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dependency_edges (project_id, source_id, source_type, dependent_id, dependent_type, strength, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, dependent_id) DO UPDATE SET
			strength = MAX(dependency_edges.strength, excluded.strength)
	`, e.ProjectID, e.SourceID, e.SourceType, e.DependentID, e.DependentType, e.Strength, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("add dependency %s -> %s: %w", e.SourceID, e.DependentID, err)
	}
	return nil
}

// ListDependencies returns every edge of a project.
func (s *Store) ListDependencies(ctx context.Context, projectID string) ([]DependencyEdge, error) {
	return s.queryEdges(ctx, `WHERE project_id = ?`, projectID)
}

// Dependents returns edges leaving sourceID.
func (s *Store) Dependents(ctx context.Context, sourceID string) ([]DependencyEdge, error) {
	return s.queryEdges(ctx, `WHERE source_id = ?`, sourceID)
}

func (s *Store) queryEdges(ctx context.Context, where string, args ...any) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, source_id, source_type, dependent_id, dependent_type, strength
		FROM dependency_edges `+where+`
		ORDER BY source_id, dependent_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()
	var out []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.ProjectID, &e.SourceID, &e.SourceType, &e.DependentID, &e.DependentType, &e.Strength); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Conflict statuses.
const (
	ConflictPending  = "pending"
	ConflictAccepted = "accepted"
	ConflictRejected = "rejected"
)

// Conflict is an automated merge refused because the existing element was
// edited by hand. It waits for manual resolution.
type Conflict struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Category      string     `json:"category"`
	ExistingID    string     `json:"existing_id"`
	CandidateJSON string     `json:"candidate_json"`
	Similarity    float64    `json:"similarity"`
	Reason        string     `json:"reason"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// InsertConflict records a pending conflict for candidate against existingID.
func (s *Store) InsertConflict(ctx context.Context, c *Conflict) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = ConflictPending
	}
	c.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merge_conflicts (id, project_id, category, existing_id, candidate_json, similarity, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ProjectID, c.Category, c.ExistingID, c.CandidateJSON, c.Similarity, c.Reason, c.Status, c.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// ListConflicts returns a project's conflicts; empty status lists all.
func (s *Store) ListConflicts(ctx context.Context, projectID, status string) ([]Conflict, error) {
	query := `
		SELECT id, project_id, category, existing_id, candidate_json, similarity, reason, status, created_at, resolved_at
		FROM merge_conflicts WHERE project_id = ?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()
	var out []Conflict
	for rows.Next() {
		var c Conflict
		var created int64
		var resolved sql.NullInt64
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Category, &c.ExistingID, &c.CandidateJSON,
			&c.Similarity, &c.Reason, &c.Status, &created, &resolved); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.CreatedAt = time.Unix(0, created)
		if resolved.Valid {
			t := time.Unix(0, resolved.Int64)
			c.ResolvedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict closes a pending conflict with status.
func (s *Store) ResolveConflict(ctx context.Context, id, status string) error {
	if status != ConflictAccepted && status != ConflictRejected {
		return fmt.Errorf("invalid conflict status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE merge_conflicts SET status = ?, resolved_at = ? WHERE id = ? AND status = ?
	`, status, s.now().UnixNano(), id, ConflictPending)
	if err != nil {
		return fmt.Errorf("resolve conflict %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Synthesized is the aggregated view of every record sharing one
// (category, name). Source rows are left untouched.
type Synthesized struct {
	ProjectID   string         `json:"project_id"`
	Category    string         `json:"category"`
	NameKey     string         `json:"name_key"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	SourceIDs   []string       `json:"source_ids"`
	ChapterIDs  []string       `json:"chapter_ids"`
	Confidence  float64        `json:"confidence"`
	IsFlagged   bool           `json:"is_flagged"`
	IsVerified  bool           `json:"is_verified"`
	Degraded    bool           `json:"degraded"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// UpsertSynthesized writes the aggregated view keyed by (project, category, name key).
func (s *Store) UpsertSynthesized(ctx context.Context, r *Synthesized) error {
	r.UpdatedAt = s.now()
	var details sql.NullString
	if len(r.Details) > 0 {
		b, err := json.Marshal(r.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	sources, _ := json.Marshal(r.SourceIDs)
	chapters, _ := json.Marshal(r.ChapterIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO synthesized_elements (
			project_id, category, name_key, name, description, details_json, source_ids, chapter_ids,
			confidence, is_flagged, is_verified, degraded, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, category, name_key) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			details_json = excluded.details_json,
			source_ids = excluded.source_ids,
			chapter_ids = excluded.chapter_ids,
			confidence = excluded.confidence,
			is_flagged = excluded.is_flagged,
			is_verified = excluded.is_verified,
			degraded = excluded.degraded,
			updated_at = excluded.updated_at
	`, r.ProjectID, r.Category, r.NameKey, r.Name, r.Description, details, string(sources), string(chapters),
		r.Confidence, r.IsFlagged, r.IsVerified, r.Degraded, r.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert synthesized %s/%s: %w", r.Category, r.NameKey, err)
	}
	return nil
}

// GetSynthesized returns ErrNotFound when the entity has no aggregated view.
func (s *Store) GetSynthesized(ctx context.Context, projectID, category, nameKey string) (*Synthesized, error) {
	list, err := s.querySynthesized(ctx, `WHERE project_id = ? AND category = ? AND name_key = ?`, projectID, category, nameKey)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// ListSynthesized returns aggregated views; empty category lists all.
func (s *Store) ListSynthesized(ctx context.Context, projectID, category string) ([]Synthesized, error) {
	if category == "" {
		return s.querySynthesized(ctx, `WHERE project_id = ?`, projectID)
	}
	return s.querySynthesized(ctx, `WHERE project_id = ? AND category = ?`, projectID, category)
}

func (s *Store) querySynthesized(ctx context.Context, where string, args ...any) ([]Synthesized, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, category, name_key, name, description, details_json, source_ids, chapter_ids,
		       confidence, is_flagged, is_verified, degraded, updated_at
		FROM synthesized_elements `+where+`
		ORDER BY category, name_key
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query synthesized: %w", err)
	}
	defer rows.Close()
	var out []Synthesized
	for rows.Next() {
		var r Synthesized
		var details sql.NullString
		var sources, chapters string
		var updated int64
		if err := rows.Scan(&r.ProjectID, &r.Category, &r.NameKey, &r.Name, &r.Description, &details,
			&sources, &chapters, &r.Confidence, &r.IsFlagged, &r.IsVerified, &r.Degraded, &updated); err != nil {
			return nil, fmt.Errorf("scan synthesized: %w", err)
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &r.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(sources), &r.SourceIDs); err != nil {
			return nil, fmt.Errorf("decode source ids: %w", err)
		}
		if err := json.Unmarshal([]byte(chapters), &r.ChapterIDs); err != nil {
			return nil, fmt.Errorf("decode chapter ids: %w", err)
		}
		r.UpdatedAt = time.Unix(0, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}
