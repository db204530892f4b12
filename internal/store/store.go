// Package store is the persistent knowledge store. Every query is scoped by
// project id; single-row updates are atomic and multi-row replacements run
// in one transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps the database handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a store over an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Chapter struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Position   int       `json:"position"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	SourcePath string    `json:"source_path,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EnsureProject creates the project if it does not exist.
func (s *Store) EnsureProject(ctx context.Context, id, name string) error {
	if name == "" {
		name = id
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, name, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("ensure project %s: %w", id, err)
	}
	return nil
}

// ListProjects returns every project by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var created int64
		if err := rows.Scan(&p.ID, &p.Name, &created); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt = time.Unix(0, created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertChapter writes a chapter. It reports whether the stored content changed.
func (s *Store) UpsertChapter(ctx context.Context, c Chapter) (bool, error) {
	existing, err := s.GetChapter(ctx, c.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if existing != nil && existing.Content == c.Content && existing.Title == c.Title && existing.Position == c.Position {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, project_id, position, title, content, source_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			position = excluded.position,
			title = excluded.title,
			content = excluded.content,
			source_path = excluded.source_path,
			updated_at = excluded.updated_at
	`, c.ID, c.ProjectID, c.Position, c.Title, c.Content, nullString(c.SourcePath), s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("upsert chapter %s: %w", c.ID, err)
	}
	return existing == nil || existing.Content != c.Content, nil
}

// GetChapter loads one chapter.
func (s *Store) GetChapter(ctx context.Context, id string) (*Chapter, error) {
	var c Chapter
	var src sql.NullString
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, position, title, content, source_path, updated_at
		FROM chapters WHERE id = ?
	`, id).Scan(&c.ID, &c.ProjectID, &c.Position, &c.Title, &c.Content, &src, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter %s: %w", id, err)
	}
	c.SourcePath = src.String
	c.UpdatedAt = time.Unix(0, updated)
	return &c, nil
}

// ListChapters returns a project's chapters in reading order.
func (s *Store) ListChapters(ctx context.Context, projectID string) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, position, title, content, source_path, updated_at
		FROM chapters WHERE project_id = ?
		ORDER BY position, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query chapters: %w", err)
	}
	defer rows.Close()

	var out []Chapter
	for rows.Next() {
		var c Chapter
		var src sql.NullString
		var updated int64
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Position, &c.Title, &c.Content, &src, &updated); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		c.SourcePath = src.String
		c.UpdatedAt = time.Unix(0, updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChapterPositions maps chapter id to reading position.
func (s *Store) ChapterPositions(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, position FROM chapters WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query chapter positions: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var pos int
		if err := rows.Scan(&id, &pos); err != nil {
			return nil, fmt.Errorf("scan chapter position: %w", err)
		}
		out[id] = pos
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeList(v []string) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func decodeList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}
