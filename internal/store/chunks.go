package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
)

// Chunk is a stored semantic chunk with its embedding.
type Chunk struct {
	ChapterID        string    `json:"chapter_id"`
	ProjectID        string    `json:"project_id"`
	Index            int       `json:"index"`
	Start            int       `json:"start"`
	End              int       `json:"end"`
	Text             string    `json:"text"`
	ContentHash      string    `json:"content_hash"`
	Embedding        []float64 `json:"-"`
	Simulated        bool      `json:"simulated"`
	NamedEntities    []string  `json:"named_entities,omitempty"`
	DiscourseMarkers []string  `json:"discourse_markers,omitempty"`
	DialoguePresent  bool      `json:"dialogue_present"`
	BreakpointScore  float64   `json:"breakpoint_score"`
}

// ReplaceChunks supersedes every chunk of a chapter in one transaction.
func (s *Store) ReplaceChunks(ctx context.Context, projectID, chapterID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM semantic_chunks WHERE chapter_id = ?`, chapterID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO semantic_chunks (
			chapter_id, chunk_index, project_id, start_offset, end_offset, text, content_hash,
			embedding_blob, dimension, simulated, named_entities, discourse_markers,
			dialogue_present, breakpoint_score, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	now := s.now().UnixNano()
	for _, c := range chunks {
		var blob []byte
		if len(c.Embedding) > 0 {
			blob = float64SliceToBlob(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx,
			chapterID, c.Index, projectID, c.Start, c.End, c.Text, c.ContentHash,
			blob, len(c.Embedding), c.Simulated, encodeList(c.NamedEntities), encodeList(c.DiscourseMarkers),
			c.DialoguePresent, c.BreakpointScore, now,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}
	return tx.Commit()
}

// ListChunks returns every chunk of a project, optionally excluding one chapter.
func (s *Store) ListChunks(ctx context.Context, projectID, excludeChapterID string) ([]Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT chapter_id, project_id, chunk_index, start_offset, end_offset, text, content_hash,
		       embedding_blob, dimension, simulated, named_entities, discourse_markers,
		       dialogue_present, breakpoint_score
		FROM semantic_chunks
		WHERE project_id = ? AND chapter_id != ?
		ORDER BY chapter_id, chunk_index
	`, projectID, excludeChapterID)
}

// ChapterChunks returns a chapter's chunks in order.
func (s *Store) ChapterChunks(ctx context.Context, chapterID string) ([]Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT chapter_id, project_id, chunk_index, start_offset, end_offset, text, content_hash,
		       embedding_blob, dimension, simulated, named_entities, discourse_markers,
		       dialogue_present, breakpoint_score
		FROM semantic_chunks
		WHERE chapter_id = ?
		ORDER BY chunk_index
	`, chapterID)
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		var dim int
		var entities, markers sql.NullString
		if err := rows.Scan(&c.ChapterID, &c.ProjectID, &c.Index, &c.Start, &c.End, &c.Text, &c.ContentHash,
			&blob, &dim, &c.Simulated, &entities, &markers, &c.DialoguePresent, &c.BreakpointScore); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if dim > 0 && len(blob) == dim*8 {
			c.Embedding = blobToFloat64Slice(blob)
		}
		c.NamedEntities = decodeList(entities)
		c.DiscourseMarkers = decodeList(markers)
		out = append(out, c)
	}
	return out, rows.Err()
}

// float64SliceToBlob converts a slice of float64 to a binary blob (little-endian).
func float64SliceToBlob(values []float64) []byte {
	blob := make([]byte, len(values)*8)
	for i, v := range values {
		bits := math.Float64bits(v)
		for j := 0; j < 8; j++ {
			blob[i*8+j] = byte(bits >> (j * 8))
		}
	}
	return blob
}

// blobToFloat64Slice converts a little-endian blob back to float64 values.
func blobToFloat64Slice(blob []byte) []float64 {
	values := make([]float64, len(blob)/8)
	for i := range values {
		var bits uint64
		for j := 0; j < 8; j++ {
			bits |= uint64(blob[i*8+j]) << (j * 8)
		}
		values[i] = math.Float64frombits(bits)
	}
	return values
}
