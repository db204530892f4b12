package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ContentHash is the last successfully analyzed digest of a chapter.
type ContentHash struct {
	ChapterID       string    `json:"chapter_id"`
	Hash            string    `json:"hash"`
	Algorithm       string    `json:"algorithm"`
	LowConfidence   bool      `json:"low_confidence"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	Version         int       `json:"version"`
}

// GetContentHash returns ErrNotFound for chapters never analyzed.
func (s *Store) GetContentHash(ctx context.Context, chapterID string) (*ContentHash, error) {
	var h ContentHash
	var processed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT chapter_id, hash, algorithm, low_confidence, last_processed_at, version
		FROM content_hashes WHERE chapter_id = ?
	`, chapterID).Scan(&h.ChapterID, &h.Hash, &h.Algorithm, &h.LowConfidence, &processed, &h.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content hash %s: %w", chapterID, err)
	}
	h.LastProcessedAt = time.Unix(0, processed)
	return &h, nil
}

// PutContentHash overwrites the chapter's hash and bumps its version.
func (s *Store) PutContentHash(ctx context.Context, h ContentHash) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_hashes (chapter_id, hash, algorithm, low_confidence, last_processed_at, version)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(chapter_id) DO UPDATE SET
			hash = excluded.hash,
			algorithm = excluded.algorithm,
			low_confidence = excluded.low_confidence,
			last_processed_at = excluded.last_processed_at,
			version = content_hashes.version + 1
	`, h.ChapterID, h.Hash, h.Algorithm, h.LowConfidence, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("put content hash %s: %w", h.ChapterID, err)
	}
	return nil
}

// DeleteContentHash forgets a chapter's hash so the next run reprocesses it.
func (s *Store) DeleteContentHash(ctx context.Context, chapterID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM content_hashes WHERE chapter_id = ?`, chapterID); err != nil {
		return fmt.Errorf("delete content hash %s: %w", chapterID, err)
	}
	return nil
}
