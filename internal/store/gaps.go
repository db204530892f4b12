package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Napageneral/lorekeeper/internal/story"
)

// GapPasses returns, per category, when a full gap pass last came back empty.
func (s *Store) GapPasses(ctx context.Context, projectID string) (map[story.Category]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, completed_at FROM gap_passes WHERE project_id = ?
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query gap passes: %w", err)
	}
	defer rows.Close()

	out := make(map[story.Category]time.Time)
	for rows.Next() {
		var cat string
		var at int64
		if err := rows.Scan(&cat, &at); err != nil {
			return nil, fmt.Errorf("scan gap pass: %w", err)
		}
		out[story.Category(cat)] = time.Unix(0, at)
	}
	return out, rows.Err()
}

// RecordGapPass marks a category as searched without result.
func (s *Store) RecordGapPass(ctx context.Context, projectID string, c story.Category) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gap_passes (project_id, category, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id, category) DO UPDATE SET completed_at = excluded.completed_at
	`, projectID, string(c), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("record gap pass %s: %w", c, err)
	}
	return nil
}

// ClearGapPass forgets a recorded pass so the category is searched again.
func (s *Store) ClearGapPass(ctx context.Context, projectID string, c story.Category) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM gap_passes WHERE project_id = ? AND category = ?
	`, projectID, string(c)); err != nil {
		return fmt.Errorf("clear gap pass %s: %w", c, err)
	}
	return nil
}
