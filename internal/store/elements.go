package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Napageneral/lorekeeper/internal/story"
)

const elementColumns = `
	id, project_id, category, name, kind, description, evidence, participants, tags,
	temporal_marker, strength, confidence, is_flagged, is_verified, user_edited,
	chronological_order, chronological_confidence, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanElement(r rowScanner) (story.Element, error) {
	var (
		e                  story.Element
		category           string
		participants, tags sql.NullString
		order              sql.NullInt64
		created, updated   int64
	)
	err := r.Scan(&e.ID, &e.ProjectID, &category, &e.Name, &e.Kind, &e.Description, &e.Evidence,
		&participants, &tags, &e.TemporalMarker, &e.Strength, &e.Confidence,
		&e.IsFlagged, &e.IsVerified, &e.UserEdited, &order, &e.ChronologicalConfidence,
		&created, &updated)
	if err != nil {
		return e, err
	}
	e.Category = story.Category(category)
	e.Participants = decodeList(participants)
	e.Tags = decodeList(tags)
	if order.Valid {
		v := int(order.Int64)
		e.ChronologicalOrder = &v
	}
	e.CreatedAt = time.Unix(0, created)
	e.UpdatedAt = time.Unix(0, updated)
	return e, nil
}

// InsertElement stores a new element and its source links. A missing id is
// generated; the stored id is written back to e.
func (s *Store) InsertElement(ctx context.Context, e *story.Element) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := s.now()
	e.CreatedAt, e.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO narrative_elements (`+elementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, string(e.Category), e.Name, e.Kind, e.Description, e.Evidence,
		encodeList(e.Participants), encodeList(e.Tags), e.TemporalMarker, e.Strength, e.Confidence,
		e.IsFlagged, e.IsVerified, e.UserEdited, orderArg(e.ChronologicalOrder), e.ChronologicalConfidence,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("insert element: %w", err)
	}
	for _, ch := range story.UniqueIDs(e.SourceChapterIDs) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO element_sources (element_id, chapter_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, e.ID, ch, now.UnixNano()); err != nil {
			return fmt.Errorf("insert element source: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateElement rewrites an element's content fields and unions its sources.
// Chronology is left alone; see SetChronology.
func (s *Store) UpdateElement(ctx context.Context, e story.Element) error {
	now := s.now().UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE narrative_elements SET
			name = ?, kind = ?, description = ?, evidence = ?, participants = ?, tags = ?,
			temporal_marker = ?, strength = ?, confidence = ?, is_flagged = ?, is_verified = ?,
			user_edited = ?, updated_at = ?
		WHERE id = ?
	`, e.Name, e.Kind, e.Description, e.Evidence, encodeList(e.Participants), encodeList(e.Tags),
		e.TemporalMarker, e.Strength, e.Confidence, e.IsFlagged, e.IsVerified, e.UserEdited, now, e.ID)
	if err != nil {
		return fmt.Errorf("update element %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, ch := range story.UniqueIDs(e.SourceChapterIDs) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO element_sources (element_id, chapter_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, e.ID, ch, now); err != nil {
			return fmt.Errorf("insert element source: %w", err)
		}
	}
	return tx.Commit()
}

// GetElement loads one element with its sources.
func (s *Store) GetElement(ctx context.Context, id string) (*story.Element, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+elementColumns+` FROM narrative_elements WHERE id = ?`, id)
	e, err := scanElement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get element %s: %w", id, err)
	}
	sources, err := s.sourcesFor(ctx, `WHERE es.element_id = ?`, id)
	if err != nil {
		return nil, err
	}
	e.SourceChapterIDs = sources[id]
	return &e, nil
}

// ListElements returns a project's elements. An empty category lists all.
func (s *Store) ListElements(ctx context.Context, projectID string, category story.Category) ([]story.Element, error) {
	query := `SELECT ` + elementColumns + ` FROM narrative_elements WHERE project_id = ?`
	args := []any{projectID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query elements: %w", err)
	}
	var out []story.Element
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan element: %w", err)
		}
		out = append(out, e)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate elements: %w", err)
	}

	sources, err := s.sourcesFor(ctx, `JOIN narrative_elements ne ON ne.id = es.element_id WHERE ne.project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].SourceChapterIDs = sources[out[i].ID]
	}
	return out, nil
}

// ElementsFromChapters returns elements sourced from any of chapterIDs.
func (s *Store) ElementsFromChapters(ctx context.Context, projectID string, chapterIDs []string) ([]story.Element, error) {
	if len(chapterIDs) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(chapterIDs))
	for _, id := range chapterIDs {
		want[id] = true
	}
	all, err := s.ListElements(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	var out []story.Element
	for _, e := range all {
		for _, ch := range e.SourceChapterIDs {
			if want[ch] {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// CountElements counts a project's elements in one category.
func (s *Store) CountElements(ctx context.Context, projectID string, category story.Category) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM narrative_elements WHERE project_id = ? AND category = ?
	`, projectID, string(category)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", category, err)
	}
	return n, nil
}

// AddSource links a chapter to an element. It reports whether the link is new.
func (s *Store) AddSource(ctx context.Context, elementID, chapterID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO element_sources (element_id, chapter_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, elementID, chapterID, s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("add source %s to %s: %w", chapterID, elementID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// BoostConfidence raises an element's confidence by delta, capped at 1.0.
// User-edited elements keep their confidence.
func (s *Store) BoostConfidence(ctx context.Context, elementID string, delta float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE narrative_elements
		SET confidence = MIN(1.0, confidence + ?), updated_at = ?
		WHERE id = ? AND user_edited = FALSE
	`, delta, s.now().UnixNano(), elementID)
	if err != nil {
		return fmt.Errorf("boost confidence %s: %w", elementID, err)
	}
	return nil
}

// OrderUpdate is one element's assigned chronological position.
type OrderUpdate struct {
	ElementID  string
	Order      int
	Confidence float64
}

// SetChronology writes a full ordering in one transaction. Chronology is a
// derived field, so user-edited elements are included.
func (s *Store) SetChronology(ctx context.Context, updates []OrderUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE narrative_elements
			SET chronological_order = ?, chronological_confidence = ?
			WHERE id = ?
		`, u.Order, u.Confidence, u.ElementID); err != nil {
			return fmt.Errorf("set chronology %s: %w", u.ElementID, err)
		}
	}
	return tx.Commit()
}

// MarkUserEdited applies a manual edit: the given fields win and the
// element is protected from automated merges from then on.
func (s *Store) MarkUserEdited(ctx context.Context, e story.Element) error {
	e.UserEdited = true
	return s.UpdateElement(ctx, e)
}

func (s *Store) sourcesFor(ctx context.Context, where string, args ...any) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT es.element_id, es.chapter_id FROM element_sources es `+where+`
		ORDER BY es.element_id, es.chapter_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query element sources: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var eid, cid string
		if err := rows.Scan(&eid, &cid); err != nil {
			return nil, fmt.Errorf("scan element source: %w", err)
		}
		out[eid] = append(out[eid], cid)
	}
	return out, rows.Err()
}

func orderArg(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
