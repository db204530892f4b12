// Package changedetect decides whether a chapter needs reprocessing by
// comparing a digest of its text with the digest stored after the last
// successful analysis.
package changedetect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Napageneral/lorekeeper/internal/logger"
	"github.com/Napageneral/lorekeeper/internal/store"
)

// WeakAlgorithm names the length+timestamp fallback digest.
const WeakAlgorithm = "weak"

// Hasher produces a collision-resistant digest of text.
type Hasher interface {
	Algorithm() string
	Hash(text string) (string, error)
}

// SHA256 is the default hasher.
type SHA256 struct{}

func (SHA256) Algorithm() string { return "sha256" }

func (SHA256) Hash(text string) (string, error) {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]), nil
}

// Digest is a computed hash plus how much it can be trusted.
type Digest struct {
	Value         string
	Algorithm     string
	LowConfidence bool
}

// Detector owns the content_hashes table. Nothing else writes it.
type Detector struct {
	store  *store.Store
	hasher Hasher
	now    func() time.Time
	log    *logger.Logger
}

// New creates a detector. A nil hasher means SHA-256.
func New(s *store.Store, h Hasher, log *logger.Logger) *Detector {
	if h == nil {
		h = SHA256{}
	}
	return &Detector{store: s, hasher: h, now: time.Now, log: logger.OrNop(log)}
}

// Digest hashes text, falling back to a weak digest flagged low-confidence
// when the hasher fails.
func (d *Detector) Digest(text string) Digest {
	v, err := d.hasher.Hash(text)
	if err == nil && v != "" {
		return Digest{Value: v, Algorithm: d.hasher.Algorithm()}
	}
	d.log.Warn("primary hasher unavailable, using weak digest", "algorithm", d.hasher.Algorithm(), "error", errString(err))
	return Digest{
		Value:         fmt.Sprintf("%s:%d:%d", WeakAlgorithm, len(text), d.now().UnixNano()),
		Algorithm:     WeakAlgorithm,
		LowConfidence: true,
	}
}

// HasChanged reports whether text differs from the last committed content.
// Chapters never committed, or committed with a weak digest, always count as changed.
func (d *Detector) HasChanged(ctx context.Context, chapterID, text string) (bool, error) {
	stored, err := d.store.GetContentHash(ctx, chapterID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load hash for %s: %w", chapterID, err)
	}
	if stored.LowConfidence || strings.HasPrefix(stored.Hash, WeakAlgorithm+":") {
		return true, nil
	}
	current := d.Digest(text)
	if current.LowConfidence {
		return true, nil
	}
	return current.Algorithm != stored.Algorithm || current.Value != stored.Hash, nil
}

// Commit records text as successfully analyzed. Call only after extraction
// and deduplication of the chapter both succeeded.
func (d *Detector) Commit(ctx context.Context, chapterID, text string) error {
	dg := d.Digest(text)
	return d.store.PutContentHash(ctx, store.ContentHash{
		ChapterID:     chapterID,
		Hash:          dg.Value,
		Algorithm:     dg.Algorithm,
		LowConfidence: dg.LowConfidence,
	})
}

// Invalidate forgets the committed hash so the chapter is reprocessed.
func (d *Detector) Invalidate(ctx context.Context, chapterID string) error {
	return d.store.DeleteContentHash(ctx, chapterID)
}

func errString(err error) string {
	if err == nil {
		return "empty digest"
	}
	return err.Error()
}
