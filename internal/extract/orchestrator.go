// Package extract turns chapter text into typed narrative elements through
// the completion capability.
//
// The orchestrator owns everything around the model call: the
// existing-knowledge context, batching chunks under a token budget, pacing
// calls through a scheduler, and coercing the reply into records. It never
// writes to the store; deduplication decides what is persisted.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/Napageneral/lorekeeper/internal/chunker"
	"github.com/Napageneral/lorekeeper/internal/config"
	"github.com/Napageneral/lorekeeper/internal/llm"
	"github.com/Napageneral/lorekeeper/internal/logger"
	"github.com/Napageneral/lorekeeper/internal/ratelimit"
	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
)

// contextCategories are shown to the model as already-known elements.
var contextCategories = []story.Category{story.Characters, story.Relationships, story.PlotThreads}

// ChapterInput is the chapter being extracted.
type ChapterInput struct {
	ProjectID string
	ChapterID string
	Title     string
	Text      string
}

// Result collects the elements from every batch of one extraction.
type Result struct {
	Elements []story.Element
	Rejected []Rejection
	Calls    int
}

// Orchestrator runs extraction calls.
type Orchestrator struct {
	store     *store.Store
	completer llm.Completer
	sched     *ratelimit.Scheduler
	cfg       config.Pipeline
	log       *logger.Logger
}

// New creates an orchestrator. sched paces completion calls; nil creates one
// at the configured extraction interval.
func New(s *store.Store, completer llm.Completer, sched *ratelimit.Scheduler, cfg config.Pipeline, log *logger.Logger) *Orchestrator {
	if sched == nil {
		sched = ratelimit.NewScheduler(cfg.ExtractionInterval, nil)
	}
	return &Orchestrator{store: s, completer: completer, sched: sched, cfg: cfg, log: logger.OrNop(log)}
}

// ExtractChapter extracts categories from one chapter. Chunks are grouped
// into batches of at most MaxBatchTokens; each batch is one completion call
// over the chapter text spanning its chunks. With no chunks the whole text
// is one batch. A failed call fails the chapter.
func (o *Orchestrator) ExtractChapter(ctx context.Context, in ChapterInput, categories []story.Category, chunks []chunker.Chunk) (*Result, error) {
	res := &Result{}
	if strings.TrimSpace(in.Text) == "" || len(categories) == 0 {
		return res, nil
	}
	known, err := o.knownElements(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}

	for i, text := range batchTexts(in.Text, chunks, o.cfg.MaxBatchTokens) {
		prompt := buildPrompt(promptInput{Title: in.Title, Text: text, Categories: categories, Known: known})
		payload, err := o.complete(ctx, prompt)
		res.Calls++
		if err != nil {
			return res, fmt.Errorf("extract chapter %s batch %d: %w", in.ChapterID, i, err)
		}
		o.collect(res, payload, categories, in.ProjectID, []string{in.ChapterID})
	}
	o.log.Debug("chapter extracted",
		"chapter_id", in.ChapterID, "calls", res.Calls, "elements", len(res.Elements), "rejected", len(res.Rejected))
	return res, nil
}

// ExtractAggregate extracts context-dependent categories from the combined
// manuscript in one call. Text beyond MaxAggregateTokens is cut. Every
// element is attributed to all of chapterIDs.
func (o *Orchestrator) ExtractAggregate(ctx context.Context, projectID, text string, chapterIDs []string, categories []story.Category) (*Result, error) {
	res := &Result{}
	if strings.TrimSpace(text) == "" || len(categories) == 0 {
		return res, nil
	}
	known, err := o.knownElements(ctx, projectID)
	if err != nil {
		return nil, err
	}
	text = limitTokens(text, o.cfg.MaxAggregateTokens, o.cfg.TokensPerWord)
	prompt := buildPrompt(promptInput{Text: text, Categories: categories, Known: known, Aggregate: true})
	payload, err := o.complete(ctx, prompt)
	res.Calls++
	if err != nil {
		return res, fmt.Errorf("extract aggregate: %w", err)
	}
	o.collect(res, payload, categories, projectID, chapterIDs)
	return res, nil
}

func (o *Orchestrator) complete(ctx context.Context, prompt string) (Payload, error) {
	var reply string
	err := o.sched.Do(ctx, func(ctx context.Context) error {
		out, err := o.completer.Complete(ctx, prompt)
		reply = out
		return err
	})
	if err != nil {
		return Payload{}, err
	}
	return Coerce(reply), nil
}

// collect keeps only requested categories, converting records to elements.
func (o *Orchestrator) collect(res *Result, p Payload, categories []story.Category, projectID string, chapterIDs []string) {
	for _, r := range p.Rejected {
		o.log.Warn("extraction item rejected", "category", string(r.Category), "index", r.Index, "reason", r.Reason)
	}
	res.Rejected = append(res.Rejected, p.Rejected...)
	for _, c := range categories {
		for _, rec := range p.Records[c] {
			res.Elements = append(res.Elements, rec.ToElement(projectID, chapterIDs, o.cfg.DefaultConfidence))
		}
	}
}

func (o *Orchestrator) knownElements(ctx context.Context, projectID string) ([]KnownElement, error) {
	var out []KnownElement
	for _, c := range contextCategories {
		els, err := o.store.ListElements(ctx, projectID, c)
		if err != nil {
			return nil, fmt.Errorf("load context: %w", err)
		}
		if n := o.cfg.MaxContextItems; n > 0 && len(els) > n {
			els = els[len(els)-n:]
		}
		for _, e := range els {
			out = append(out, KnownElement{Category: c, Name: e.Name, Kind: e.Kind, Description: e.Description})
		}
	}
	return out, nil
}

// batchTexts groups consecutive chunks while their token total stays within
// maxTokens. A single oversized chunk is its own batch.
func batchTexts(text string, chunks []chunker.Chunk, maxTokens int) []string {
	if len(chunks) == 0 {
		return []string{text}
	}
	var out []string
	first, tokens := 0, 0
	for i, c := range chunks {
		if i > first && maxTokens > 0 && tokens+c.TokenCount > maxTokens {
			out = append(out, text[chunks[first].Start:chunks[i-1].End])
			first, tokens = i, 0
		}
		tokens += c.TokenCount
	}
	out = append(out, text[chunks[first].Start:chunks[len(chunks)-1].End])
	return out
}

// limitTokens keeps whole words up to the estimated token budget.
func limitTokens(text string, maxTokens int, tokensPerWord float64) string {
	if maxTokens <= 0 || chunker.EstimateTokens(text, tokensPerWord) <= maxTokens {
		return text
	}
	if tokensPerWord <= 0 {
		tokensPerWord = 1.3
	}
	keep := int(float64(maxTokens) / tokensPerWord)
	words := strings.Fields(text)
	if keep > len(words) {
		keep = len(words)
	}
	return strings.Join(words[:keep], " ")
}
