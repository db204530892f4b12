package similarity

import (
	"context"
	"fmt"
	"sort"

	"github.com/Napageneral/lorekeeper/internal/store"
)

// Tier is the gating decision for a chapter.
type Tier int

const (
	// TierNormal runs standard extraction with exact-key dedup.
	TierNormal Tier = iota
	// TierSemantic runs extraction with semantic dedup forced on.
	TierSemantic
	// TierSkip links existing elements instead of extracting.
	TierSkip
)

func (t Tier) String() string {
	switch t {
	case TierSkip:
		return "skip"
	case TierSemantic:
		return "semantic"
	default:
		return "normal"
	}
}

// Gate summarizes how much of a chapter is already covered by the corpus.
type Gate struct {
	Score           float64  `json:"score"`
	Tier            Tier     `json:"tier"`
	MatchedChapters []string `json:"matched_chapters,omitempty"`
}

// Classify maps an aggregate score to a tier.
func (e *Engine) Classify(score float64) Tier {
	switch {
	case score >= e.cfg.SkipSimilarity:
		return TierSkip
	case score >= e.cfg.SemanticSimilarity:
		return TierSemantic
	default:
		return TierNormal
	}
}

// ChapterSimilarity scores a chapter's embedded chunks against every other
// chapter in the project. The aggregate is the mean over chunks of each
// chunk's best match, so one shared paragraph does not mark a whole chapter
// as covered. Chunks without vectors are ignored; a chapter with none, or an
// empty corpus, scores 0.
func (e *Engine) ChapterSimilarity(ctx context.Context, projectID, chapterID string, chunks []store.Chunk) (Gate, error) {
	return e.ChapterSimilarityExcluding(ctx, projectID, chapterID, nil, chunks)
}

// ChapterSimilarityExcluding is ChapterSimilarity with further chapters left
// out of the corpus, typically chapters whose stored chunks are stale.
func (e *Engine) ChapterSimilarityExcluding(ctx context.Context, projectID, chapterID string, exclude []string, chunks []store.Chunk) (Gate, error) {
	all, err := e.store.ListChunks(ctx, projectID, chapterID)
	if err != nil {
		return Gate{}, fmt.Errorf("load corpus: %w", err)
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	corpus := all[:0]
	for _, c := range all {
		if !skip[c.ChapterID] {
			corpus = append(corpus, c)
		}
	}
	if len(corpus) == 0 {
		return Gate{Tier: TierNormal}, nil
	}

	var sum float64
	var counted int
	matched := make(map[string]bool)
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return Gate{}, err
		}
		if len(c.Embedding) == 0 {
			continue
		}
		best := rank(corpus, c.Embedding, 1, -1)
		counted++
		if len(best) == 0 {
			continue
		}
		sum += best[0].Score
		if best[0].Score >= e.cfg.SemanticSimilarity {
			matched[best[0].ChapterID] = true
		}
	}
	if counted == 0 {
		return Gate{Tier: TierNormal}, nil
	}

	g := Gate{Score: sum / float64(counted)}
	g.Tier = e.Classify(g.Score)
	for id := range matched {
		g.MatchedChapters = append(g.MatchedChapters, id)
	}
	sort.Strings(g.MatchedChapters)
	return g, nil
}

// LinkAndBoost attributes the elements of the matched chapters to chapterID.
// Each element gaining a new source gets its confidence raised by the
// configured boost, capped at 1. Re-linking an existing source is a no-op,
// so repeated runs do not keep inflating confidence. It returns how many
// elements were newly linked.
func (e *Engine) LinkAndBoost(ctx context.Context, projectID, chapterID string, matchedChapters []string) (int, error) {
	if len(matchedChapters) == 0 {
		return 0, nil
	}
	elements, err := e.store.ElementsFromChapters(ctx, projectID, matchedChapters)
	if err != nil {
		return 0, fmt.Errorf("load matched elements: %w", err)
	}
	linked := 0
	for _, el := range elements {
		added, err := e.store.AddSource(ctx, el.ID, chapterID)
		if err != nil {
			return linked, err
		}
		if !added {
			continue
		}
		if err := e.store.BoostConfidence(ctx, el.ID, e.cfg.ConfidenceBoost); err != nil {
			return linked, err
		}
		linked++
	}
	e.log.Debug("linked elements from similar chapters",
		"chapter_id", chapterID, "matched", len(matchedChapters), "linked", linked)
	return linked, nil
}
