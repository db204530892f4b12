package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
)

// ElementIndex embeds stored elements by their canonical text and caches the
// vectors in the embeddings table. A cached vector is reused while its
// source hash matches the element's current canonical text.
type ElementIndex struct {
	store  *store.Store
	engine *Engine
	model  string
}

// NewElementIndex creates an index. model keys the cache so switching
// embedding models never mixes vectors.
func NewElementIndex(s *store.Store, engine *Engine, model string) *ElementIndex {
	if model == "" {
		model = "pseudo"
	}
	return &ElementIndex{store: s, engine: engine, model: model}
}

// Candidate is an existing element scored against a new one.
type Candidate struct {
	Element story.Element
	Score   float64
}

// Vector returns the element's embedding, using the cache when the element
// is stored and its text is unchanged. Simulated vectors are never cached.
func (x *ElementIndex) Vector(ctx context.Context, e story.Element) ([]float64, error) {
	text := story.CanonicalText(e)
	hash := hashText(text)

	if e.ID != "" {
		cached, err := x.store.GetEmbedding(ctx, store.TargetElement, e.ID, x.model)
		switch {
		case err == nil && cached.SourceHash == hash:
			return cached.Vector, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("read cached embedding: %w", err)
		}
	}

	emb, err := x.engine.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if e.ID != "" && !emb.Simulated {
		if err := x.store.PutEmbedding(ctx, store.EmbeddingRecord{
			TargetType: store.TargetElement,
			TargetID:   e.ID,
			ProjectID:  e.ProjectID,
			Model:      x.model,
			Vector:     emb.Vector,
			SourceHash: hash,
		}); err != nil {
			return nil, fmt.Errorf("cache embedding: %w", err)
		}
	}
	return emb.Vector, nil
}

// Similar scores candidates against e and returns those at or above
// threshold, best first.
func (x *ElementIndex) Similar(ctx context.Context, e story.Element, candidates []story.Element, threshold float64) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	vec, err := x.Vector(ctx, e)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, c := range candidates {
		cv, err := x.Vector(ctx, c)
		if err != nil {
			return nil, err
		}
		if s := CosineSimilarity(vec, cv); s >= threshold {
			out = append(out, Candidate{Element: c, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// Forget drops cached vectors for deleted elements.
func (x *ElementIndex) Forget(ctx context.Context, ids []string) error {
	return x.store.DeleteEmbeddings(ctx, store.TargetElement, ids)
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
