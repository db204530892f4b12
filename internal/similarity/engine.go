// Package similarity embeds text and compares it against the project corpus.
//
// Every embedding call goes through one ratelimit.Scheduler, so calls are
// FIFO and spaced by the configured interval. When the provider fails the
// engine falls back to a deterministic pseudo-embedding derived from a hash
// of the text, flagged Simulated, instead of failing the run.
package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/Napageneral/lorekeeper/internal/config"
	"github.com/Napageneral/lorekeeper/internal/llm"
	"github.com/Napageneral/lorekeeper/internal/logger"
	"github.com/Napageneral/lorekeeper/internal/ratelimit"
	"github.com/Napageneral/lorekeeper/internal/store"
)

// Embedding is a vector plus whether it came from the hash fallback.
type Embedding struct {
	Vector    []float64
	Simulated bool
}

// Engine owns embedding generation and corpus similarity.
type Engine struct {
	store    *store.Store
	embedder llm.Embedder
	sched    *ratelimit.Scheduler
	cfg      config.Pipeline
	log      *logger.Logger
}

// NewEngine creates an engine. A nil embedder always uses pseudo-embeddings.
func NewEngine(s *store.Store, embedder llm.Embedder, sched *ratelimit.Scheduler, cfg config.Pipeline, log *logger.Logger) *Engine {
	if sched == nil {
		sched = ratelimit.NewScheduler(cfg.EmbedInterval, nil)
	}
	return &Engine{store: s, embedder: embedder, sched: sched, cfg: cfg, log: logger.OrNop(log)}
}

// Embed returns a vector for text. Provider failures degrade to a
// pseudo-embedding; only cancellation is returned as an error.
func (e *Engine) Embed(ctx context.Context, text string) (Embedding, error) {
	if e.embedder == nil {
		return Embedding{Vector: PseudoEmbedding(text, e.cfg.EmbeddingDimension), Simulated: true}, nil
	}
	var vec []float64
	err := e.sched.Do(ctx, func(ctx context.Context) error {
		v, err := e.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Embedding{}, ctxErr
		}
		e.log.Warn("embedding failed, using pseudo-embedding", "error", err.Error())
		return Embedding{Vector: PseudoEmbedding(text, e.cfg.EmbeddingDimension), Simulated: true}, nil
	}
	return Embedding{Vector: vec}, nil
}

// EmbedFunc exposes Embed as a plain vector function for the chunker.
func (e *Engine) EmbedFunc() llm.EmbedderFunc {
	return func(ctx context.Context, text string) ([]float64, error) {
		emb, err := e.Embed(ctx, text)
		return emb.Vector, err
	}
}

// PseudoEmbedding expands SHA-256 of text into a unit vector of dim values.
// Equal texts always map to equal vectors.
func PseudoEmbedding(text string, dim int) []float64 {
	if dim <= 0 {
		dim = 768
	}
	out := make([]float64, dim)
	var block [sha256.Size]byte
	for i := 0; i < dim; i++ {
		if i%(sha256.Size/2) == 0 {
			var ctr [8]byte
			binary.LittleEndian.PutUint64(ctr[:], uint64(i))
			block = sha256.Sum256(append([]byte(text), ctr[:]...))
		}
		off := (i % (sha256.Size / 2)) * 2
		v := binary.LittleEndian.Uint16(block[off : off+2])
		out[i] = float64(v)/32767.5 - 1
	}
	var norm float64
	for _, v := range out {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range out {
			out[i] /= norm
		}
	}
	return out
}

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim))
}

// Match is one stored chunk similar to a query vector.
type Match struct {
	ChapterID  string  `json:"chapter_id"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

// FindSimilar ranks the project's stored chunks against vector, keeping at
// most k matches at or above threshold. k <= 0 means no limit.
func (e *Engine) FindSimilar(ctx context.Context, projectID string, vector []float64, k int, threshold float64, excludeChapterID string) ([]Match, error) {
	corpus, err := e.store.ListChunks(ctx, projectID, excludeChapterID)
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	return rank(corpus, vector, k, threshold), nil
}

func rank(corpus []store.Chunk, vector []float64, k int, threshold float64) []Match {
	var out []Match
	for _, c := range corpus {
		if len(c.Embedding) == 0 {
			continue
		}
		s := CosineSimilarity(vector, c.Embedding)
		if s < threshold {
			continue
		}
		out = append(out, Match{ChapterID: c.ChapterID, ChunkIndex: c.Index, Score: s})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].ChapterID != out[j].ChapterID {
			return out[i].ChapterID < out[j].ChapterID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
