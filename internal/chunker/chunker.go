// Package chunker splits chapter text into overlapping, metadata-rich chunks.
//
// Boundaries come from several weak signals combined into one running
// breakpoint score: discourse markers, named-entity shifts, dialogue
// transitions and, once the score is already eligible, the embedding
// distance to the previous boundary candidate. Token bounds are enforced
// after scoring.
package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/Napageneral/lorekeeper/internal/config"
	"github.com/Napageneral/lorekeeper/internal/logger"
)

// runningDecay carries half of the previous sentence's score forward.
const runningDecay = 0.5

// Embedder supplies vectors for the embedding-drop signal.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Chunk is one segment of a chapter.
type Chunk struct {
	Index            int
	Start            int
	End              int
	Text             string
	TokenCount       int
	NamedEntities    []string
	DiscourseMarkers []string
	DialoguePresent  bool
	BreakpointScore  float64
	ContentHash      string
}

// Chunker holds the tuning and the optional embedder.
type Chunker struct {
	cfg      config.Pipeline
	embedder Embedder
	log      *logger.Logger
}

// New creates a chunker. embedder may be nil, which disables the embedding signal.
func New(cfg config.Pipeline, embedder Embedder, log *logger.Logger) *Chunker {
	return &Chunker{cfg: cfg, embedder: embedder, log: logger.OrNop(log)}
}

type sentenceInfo struct {
	Sentence
	tokens      int
	entities    []string
	markers     []string
	markerScore float64
	dialogue    bool
}

type candidate struct {
	pos       int
	score     float64
	mandatory bool
}

// Chunk splits text. Empty or whitespace-only text yields no chunks.
func (c *Chunker) Chunk(ctx context.Context, text string) ([]Chunk, error) {
	sents := SplitSentences(text)
	if len(sents) == 0 {
		return nil, nil
	}

	infos := make([]sentenceInfo, len(sents))
	for i, s := range sents {
		score, markers := markerScore(s.Text, c.cfg.MaxMarkerWeight)
		infos[i] = sentenceInfo{
			Sentence:    s,
			tokens:      EstimateTokens(s.Text, c.cfg.TokensPerWord),
			entities:    namedEntities(s.Text),
			markers:     markers,
			markerScore: score,
			dialogue:    hasDialogue(s.Text),
		}
	}

	cands, err := c.candidates(ctx, infos)
	if err != nil {
		return nil, err
	}
	bounds := c.selectBoundaries(infos, cands)
	bounds = c.enforceMax(infos, bounds)

	scores := make(map[int]float64, len(cands))
	for _, cd := range cands {
		scores[cd.pos] = cd.score
	}
	return c.build(text, infos, bounds, scores), nil
}

// candidates walks the sentences once, accumulating the running score and
// proposing a boundary before sentence i whenever it is eligible or the
// segment would overflow the token maximum. Overflow and forced-score
// candidates are mandatory.
func (c *Chunker) candidates(ctx context.Context, infos []sentenceInfo) ([]candidate, error) {
	var (
		out       []candidate
		running   float64
		segTokens = infos[0].tokens
		anchor    = 0
		vectors   = make(map[int][]float64)
	)
	for i := 1; i < len(infos); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := infos[i].markerScore +
			entityShift(infos[i-1].entities, infos[i].entities) +
			dialogueShift(infos[i-1].dialogue, infos[i].dialogue)
		running = running*runningDecay + s

		if running >= c.cfg.EligibleBoundaryScore && running < c.cfg.ForceBoundaryScore && c.embedder != nil {
			if drop, ok := c.embeddingDrop(ctx, infos, anchor, i, vectors); ok {
				running += drop * c.cfg.EmbeddingDropWeight
			}
		}

		overflow := segTokens+infos[i].tokens > c.cfg.MaxChunkTokens
		forced := running >= c.cfg.ForceBoundaryScore
		if overflow || running >= c.cfg.EligibleBoundaryScore {
			out = append(out, candidate{pos: i, score: running, mandatory: overflow || forced})
			running = 0
			segTokens = 0
			anchor = i
		}
		segTokens += infos[i].tokens
	}
	return out, nil
}

// embeddingDrop compares sentence i with the sentence at the previous
// candidate. The result is 1 - cosine, clamped to [0, 1].
func (c *Chunker) embeddingDrop(ctx context.Context, infos []sentenceInfo, anchor, i int, cache map[int][]float64) (float64, bool) {
	get := func(idx int) ([]float64, bool) {
		if v, ok := cache[idx]; ok {
			return v, v != nil
		}
		v, err := c.embedder.Embed(ctx, infos[idx].Text)
		if err != nil {
			c.log.Debug("chunk embedding unavailable", "sentence", idx, "error", err.Error())
			cache[idx] = nil
			return nil, false
		}
		cache[idx] = v
		return v, true
	}
	a, ok := get(anchor)
	if !ok {
		return 0, false
	}
	b, ok := get(i)
	if !ok {
		return 0, false
	}
	drop := 1 - cosine(a, b)
	return math.Max(0, math.Min(1, drop)), true
}

// selectBoundaries accepts mandatory candidates unconditionally, then the
// rest by descending score while both neighbouring segments keep at least
// the minimum token count. The result is sorted by position.
func (c *Chunker) selectBoundaries(infos []sentenceInfo, cands []candidate) []int {
	cum := make([]int, len(infos)+1)
	for i, s := range infos {
		cum[i+1] = cum[i] + s.tokens
	}
	between := func(a, b int) int { return cum[b] - cum[a] }

	ordered := append([]candidate(nil), cands...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].mandatory != ordered[j].mandatory {
			return ordered[i].mandatory
		}
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].pos < ordered[j].pos
	})

	var accepted []int
	insert := func(p int) {
		k := sort.SearchInts(accepted, p)
		accepted = append(accepted, 0)
		copy(accepted[k+1:], accepted[k:])
		accepted[k] = p
	}
	for _, cd := range ordered {
		if cd.mandatory {
			insert(cd.pos)
			continue
		}
		k := sort.SearchInts(accepted, cd.pos)
		left, right := 0, len(infos)
		if k > 0 {
			left = accepted[k-1]
		}
		if k < len(accepted) {
			right = accepted[k]
		}
		if between(left, cd.pos) >= c.cfg.MinChunkTokens && between(cd.pos, right) >= c.cfg.MinChunkTokens {
			insert(cd.pos)
		}
	}
	return accepted
}

// enforceMax splits any segment still above the token maximum at the last
// sentence that fits.
func (c *Chunker) enforceMax(infos []sentenceInfo, bounds []int) []int {
	edges := append(append([]int{0}, bounds...), len(infos))
	var out []int
	for k := 0; k+1 < len(edges); k++ {
		a, b := edges[k], edges[k+1]
		if k > 0 {
			out = append(out, a)
		}
		acc := 0
		for i := a; i < b; i++ {
			if acc > 0 && acc+infos[i].tokens > c.cfg.MaxChunkTokens {
				out = append(out, i)
				acc = 0
			}
			acc += infos[i].tokens
		}
	}
	return out
}

func (c *Chunker) build(text string, infos []sentenceInfo, bounds []int, scores map[int]float64) []Chunk {
	edges := append(append([]int{0}, bounds...), len(infos))
	chunks := make([]Chunk, 0, len(edges)-1)
	for k := 0; k+1 < len(edges); k++ {
		core, end := edges[k], edges[k+1]
		first := core
		if k > 0 {
			first = max(core-c.cfg.OverlapSentences, edges[k-1]+1)
			if first > core {
				first = core
			}
		}

		ch := Chunk{
			Index: k,
			Start: infos[first].Start,
			End:   infos[end-1].End,
		}
		ch.Text = text[ch.Start:ch.End]
		var entities, markers [][]string
		for i := first; i < end; i++ {
			ch.TokenCount += infos[i].tokens
			entities = append(entities, infos[i].entities)
			if infos[i].dialogue {
				ch.DialoguePresent = true
			}
			if i >= core {
				markers = append(markers, infos[i].markers)
			}
		}
		ch.NamedEntities = unionSorted(entities...)
		ch.DiscourseMarkers = unionSorted(markers...)
		if end < len(infos) {
			ch.BreakpointScore = scores[end]
		}
		sum := sha256.Sum256([]byte(ch.Text))
		ch.ContentHash = hex.EncodeToString(sum[:])
		chunks = append(chunks, ch)
	}
	return chunks
}

// EstimateTokens approximates model tokens as words times tokensPerWord.
func EstimateTokens(s string, tokensPerWord float64) int {
	if tokensPerWord <= 0 {
		tokensPerWord = 1.3
	}
	return int(math.Ceil(float64(len(strings.Fields(s))) * tokensPerWord))
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
