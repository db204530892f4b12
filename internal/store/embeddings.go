package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Embedding target types.
const (
	TargetElement = "element"
)

// EmbeddingRecord is a cached vector for a stored target.
type EmbeddingRecord struct {
	TargetType string
	TargetID   string
	ProjectID  string
	Model      string
	Vector     []float64
	SourceHash string
	Simulated  bool
}

// GetEmbedding returns ErrNotFound when nothing is cached for the target.
func (s *Store) GetEmbedding(ctx context.Context, targetType, targetID, model string) (*EmbeddingRecord, error) {
	r := EmbeddingRecord{TargetType: targetType, TargetID: targetID, Model: model}
	var blob []byte
	var dim int
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, embedding_blob, dimension, source_text_hash, simulated
		FROM embeddings
		WHERE target_type = ? AND target_id = ? AND model = ?
	`, targetType, targetID, model).Scan(&r.ProjectID, &blob, &dim, &r.SourceHash, &r.Simulated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding %s/%s: %w", targetType, targetID, err)
	}
	if len(blob) != dim*8 {
		return nil, fmt.Errorf("embedding %s/%s: blob size %d does not match dimension %d", targetType, targetID, len(blob), dim)
	}
	r.Vector = blobToFloat64Slice(blob)
	return &r, nil
}

// PutEmbedding upserts a cached vector.
func (s *Store) PutEmbedding(ctx context.Context, r EmbeddingRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (
			target_type, target_id, project_id, model,
			embedding_blob, dimension, source_text_hash, simulated, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_type, target_id, model) DO UPDATE SET
			embedding_blob = excluded.embedding_blob,
			dimension = excluded.dimension,
			source_text_hash = excluded.source_text_hash,
			simulated = excluded.simulated
	`, r.TargetType, r.TargetID, r.ProjectID, r.Model, float64SliceToBlob(r.Vector), len(r.Vector),
		r.SourceHash, r.Simulated, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("put embedding %s/%s: %w", r.TargetType, r.TargetID, err)
	}
	return nil
}

// DeleteEmbeddings drops cached vectors for targets that no longer exist.
func (s *Store) DeleteEmbeddings(ctx context.Context, targetType string, targetIDs []string) error {
	if len(targetIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(targetIDs)+1)
	args = append(args, targetType)
	for _, id := range targetIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM embeddings WHERE target_type = ? AND target_id IN (`+placeholders(len(targetIDs))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}
