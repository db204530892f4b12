// Package analysis runs a project through the whole pipeline: change
// detection, gap detection, chunking, similarity gating, extraction,
// deduplication, chronology and synthesis, wrapped in a tracked job.
//
// Chapters are processed one at a time in reading order. A chapter's content
// hash is committed only after its extraction and deduplication both
// succeeded, so a crash or failure leaves the chapter to be retried rather
// than skipped.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Napageneral/lorekeeper/internal/bus"
	"github.com/Napageneral/lorekeeper/internal/changedetect"
	"github.com/Napageneral/lorekeeper/internal/chrono"
	"github.com/Napageneral/lorekeeper/internal/chunker"
	"github.com/Napageneral/lorekeeper/internal/config"
	"github.com/Napageneral/lorekeeper/internal/dedup"
	"github.com/Napageneral/lorekeeper/internal/extract"
	"github.com/Napageneral/lorekeeper/internal/gaps"
	"github.com/Napageneral/lorekeeper/internal/jobs"
	"github.com/Napageneral/lorekeeper/internal/llm"
	"github.com/Napageneral/lorekeeper/internal/logger"
	"github.com/Napageneral/lorekeeper/internal/ratelimit"
	"github.com/Napageneral/lorekeeper/internal/similarity"
	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
	"github.com/Napageneral/lorekeeper/internal/synth"
)

// ErrAnalysisRunning is returned when the project already has a live job.
var ErrAnalysisRunning = errors.New("analysis already running")

// Options select what one run does.
type Options struct {
	// ForceReExtraction reprocesses every chapter regardless of its hash.
	ForceReExtraction bool
	// SelectedCategories limits extraction; empty means all.
	SelectedCategories []story.Category
}

// ChapterError is a chapter that could not be completed in this run.
type ChapterError struct {
	ChapterID string `json:"chapter_id"`
	Stage     string `json:"stage"`
	Message   string `json:"message"`
}

// Result summarizes one run.
type Result struct {
	JobID          string          `json:"job_id"`
	TotalExtracted int             `json:"total_extracted"`
	GapsDetected   map[string]bool `json:"gaps_detected"`
	GapsFilled     []string        `json:"gaps_filled"`

	ChaptersProcessed int            `json:"chapters_processed"`
	ChaptersUnchanged int            `json:"chapters_unchanged"`
	ChaptersLinked    int            `json:"chapters_linked"`
	Inserted          int            `json:"inserted"`
	Merged            int            `json:"merged"`
	Duplicates        int            `json:"duplicates"`
	Conflicts         int            `json:"conflicts"`
	Calls             int            `json:"calls"`
	Cancelled         bool           `json:"cancelled"`
	Errors            []ChapterError `json:"errors,omitempty"`
}

// Status answers getAnalysisStatus.
type Status struct {
	IsProcessing bool      `json:"is_processing"`
	HasErrors    bool      `json:"has_errors"`
	CurrentJob   *jobs.Job `json:"current_job,omitempty"`
}

// Deps are the pipeline components a Service drives.
type Deps struct {
	Store      *store.Store
	Changes    *changedetect.Detector
	Chunker    *chunker.Chunker
	Similarity *similarity.Engine
	Gaps       *gaps.Detector
	Extractor  *extract.Orchestrator
	Dedup      *dedup.Engine
	Chrono     *chrono.Coordinator
	Synth      *synth.Service
	Jobs       *jobs.Manager
}

// Service is the entry point the surrounding application calls.
type Service struct {
	Deps
	cfg    config.Pipeline
	log    *logger.Logger
	flight singleflight.Group
}

// New creates a service over already-built components.
func New(d Deps, cfg config.Pipeline, log *logger.Logger) *Service {
	return &Service{Deps: d, cfg: cfg, log: logger.OrNop(log)}
}

// Build wires the full pipeline over one store. completer and embedder are
// wrapped with the configured retry policy; embedding calls share one
// scheduler and completion calls share another. A nil embedder runs on
// pseudo-embeddings; a nil completer makes every extraction call fail, which
// leaves chapters uncommitted.
func Build(s *store.Store, completer llm.Completer, embedder llm.Embedder, embeddingModel string, cfg config.Pipeline, log *logger.Logger) *Service {
	log = logger.OrNop(log)
	policy := llm.PolicyFrom(cfg)
	if completer == nil {
		completer = llm.CompleterFunc(func(context.Context, string) (string, error) {
			return "", errors.New("no completion provider configured")
		})
	} else {
		completer = llm.WithRetry(completer, policy, log)
	}
	if embedder != nil {
		embedder = llm.WithEmbedRetry(embedder, policy, log)
	}

	embedSched := ratelimit.NewScheduler(cfg.EmbedInterval, nil)
	completeSched := ratelimit.NewScheduler(cfg.ExtractionInterval, nil)

	sim := similarity.NewEngine(s, embedder, embedSched, cfg, log.With("component", "similarity"))
	index := similarity.NewElementIndex(s, sim, embeddingModel)
	arbiter := dedup.NewLLMArbiter(completer, completeSched, log.With("component", "arbiter"))

	return New(Deps{
		Store:      s,
		Changes:    changedetect.New(s, nil, log.With("component", "changedetect")),
		Chunker:    chunker.New(cfg, sim.EmbedFunc(), log.With("component", "chunker")),
		Similarity: sim,
		Gaps:       gaps.New(s),
		Extractor:  extract.New(s, completer, completeSched, cfg, log.With("component", "extract")),
		Dedup:      dedup.New(s, index, arbiter, cfg, log.With("component", "dedup")),
		Chrono:     chrono.New(s, log.With("component", "chrono")),
		Synth:      synth.New(s, completer, completeSched, log.With("component", "synth")),
		Jobs:       jobs.NewManager(s.DB(), cfg.StaleJobAfter, log.With("component", "jobs")),
	}, cfg, log)
}

// AnalyzeProject runs one analysis pass. Concurrent calls for the same
// project in this process share one run; a live job from elsewhere makes
// the call fail with ErrAnalysisRunning.
func (s *Service) AnalyzeProject(ctx context.Context, projectID string, opts Options) (*Result, error) {
	v, err, _ := s.flight.Do(projectID, func() (any, error) {
		return s.analyze(ctx, projectID, opts)
	})
	if err != nil {
		if res, ok := v.(*Result); ok && res != nil {
			return res, err
		}
		return nil, err
	}
	return v.(*Result), nil
}

// GetAnalysisStatus reports the project's current or most recent job. Stale
// jobs are failed first.
func (s *Service) GetAnalysisStatus(ctx context.Context, projectID string) (*Status, error) {
	active, err := s.Jobs.Active(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return &Status{IsProcessing: true, CurrentJob: active}, nil
	}
	latest, err := s.Jobs.Latest(ctx, projectID)
	if err != nil {
		return nil, err
	}
	st := &Status{CurrentJob: latest}
	if latest != nil && latest.State == jobs.StateFailed {
		st.HasErrors = true
	}
	return st, nil
}

// Cancel stops a run after its in-flight call completes.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	return s.Jobs.Cancel(ctx, jobID)
}

// chapterPlan is the work decided for one chapter during the thinking phase.
type chapterPlan struct {
	chapter store.Chapter
	changed bool
	// gaps lists the per-chapter categories that were empty when the run
	// started and have no recorded empty pass. They are extracted even from
	// unchanged chapters.
	gaps []story.Category
}

func (s *Service) analyze(ctx context.Context, projectID string, opts Options) (*Result, error) {
	log := s.log.With("project_id", projectID)
	active, err := s.Jobs.Active(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: job %s", ErrAnalysisRunning, active.ID)
	}

	selected := selection(opts.SelectedCategories)
	chapters, err := s.Store.ListChapters(ctx, projectID)
	if err != nil {
		return nil, err
	}
	report, err := s.Gaps.Detect(ctx, projectID)
	if err != nil {
		return nil, err
	}
	passes, err := s.Store.GapPasses(ctx, projectID)
	if err != nil {
		return nil, err
	}

	job, err := s.Jobs.Create(ctx, projectID, len(chapters)+1)
	if err != nil {
		return nil, err
	}
	res := &Result{JobID: job.ID, GapsDetected: report.Names()}
	run := &run{
		Service:   s,
		job:       job,
		res:       res,
		log:       log.With("job_id", job.ID),
		projectID: projectID,
		passes:    passes,
		force:     opts.ForceReExtraction,
	}
	run.emit(ctx, bus.AnalysisStarted, "", map[string]any{"chapters": len(chapters), "gaps": res.GapsDetected})

	if err := run.execute(ctx, chapters, report, selected, opts); err != nil {
		run.fail(ctx, err)
		return res, err
	}
	return res, nil
}

// run carries the state of one AnalyzeProject call.
type run struct {
	*Service
	job       *jobs.Job
	res       *Result
	log       *logger.Logger
	projectID string
	state     jobs.State
	changed   bool
	step      int

	// passes holds the gap categories an earlier full pass found nothing
	// for. They are not searched again unless force is set or, for
	// aggregate categories, the manuscript changed.
	passes map[story.Category]time.Time
	force  bool
	edited bool
}

// emit records a pipeline event. Failures are logged only.
func (r *run) emit(ctx context.Context, typ, chapterID string, payload any) {
	if err := bus.Emit(ctx, r.Store.DB(), typ, r.projectID, r.job.ID, chapterID, payload); err != nil {
		r.log.Debug("event not recorded", "type", typ, "error", err.Error())
	}
}

func (r *run) advance(ctx context.Context, to jobs.State) error {
	if r.state == to {
		return nil
	}
	if err := r.Jobs.Advance(ctx, r.job.ID, to); err != nil {
		return err
	}
	r.state = to
	return nil
}

func (r *run) progress(ctx context.Context) {
	r.step++
	if err := r.Jobs.SetProgress(ctx, r.job.ID, r.step, r.job.TotalSteps); err != nil {
		r.log.Debug("progress not recorded", "error", err.Error())
	}
}

// stopped reports whether the job was cancelled or timed out under us.
func (r *run) stopped(ctx context.Context) bool {
	done, err := r.Jobs.Stopped(ctx, r.job.ID)
	if err != nil {
		r.log.Warn("job state unavailable", "error", err.Error())
		return false
	}
	return done
}

func (r *run) execute(ctx context.Context, chapters []store.Chapter, report gaps.Report, selected []story.Category, opts Options) error {
	r.state = jobs.StatePending
	if err := r.advance(ctx, jobs.StateThinking); err != nil {
		return err
	}
	plans, err := r.plan(ctx, chapters, report, selected, opts.ForceReExtraction)
	if err != nil {
		return err
	}

	if err := r.advance(ctx, jobs.StateAnalyzing); err != nil {
		return err
	}
	pending := make(map[string]bool)
	for _, p := range plans {
		if p.changed {
			pending[p.chapter.ID] = true
			r.edited = true
		}
	}

	for _, p := range plans {
		if r.stopped(ctx) {
			r.res.Cancelled = true
			r.log.Info("analysis stopped between chapters")
			r.emit(ctx, bus.AnalysisCancelled, "", nil)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.changed && len(p.gaps) == 0 {
			r.res.ChaptersUnchanged++
			r.progress(ctx)
			continue
		}
		recorded := len(r.res.Errors)
		if err := r.processChapter(ctx, p, selected, pending); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if len(r.res.Errors) == recorded {
				_ = r.chapterError(p.chapter.ID, "process", err)
			}
			r.log.Warn("chapter failed", "chapter_id", p.chapter.ID, "error", err.Error())
		}
		delete(pending, p.chapter.ID)
		r.progress(ctx)
	}

	if r.stopped(ctx) {
		r.res.Cancelled = true
		r.emit(ctx, bus.AnalysisCancelled, "", nil)
		return nil
	}
	if err := r.fillAggregateGaps(ctx, chapters, report, selected); err != nil {
		return err
	}

	if r.changed {
		if _, err := r.Chrono.AssignOrder(ctx, r.projectID); err != nil {
			return fmt.Errorf("assign order: %w", err)
		}
		if _, err := r.Synth.SynthesizeProject(ctx, r.projectID); err != nil {
			return fmt.Errorf("synthesize: %w", err)
		}
	}

	after, err := r.Gaps.Detect(ctx, r.projectID)
	if err != nil {
		return err
	}
	for _, c := range gaps.Tracked {
		if report.Empty(c) && !after.Empty(c) {
			r.res.GapsFilled = append(r.res.GapsFilled, string(c))
		}
	}
	if err := r.recordPasses(ctx, chapters, report, after, selected); err != nil {
		return err
	}
	r.progress(ctx)

	if len(r.res.Errors) > 0 {
		first := r.res.Errors[0]
		err := r.Jobs.Fail(ctx, r.job.ID, jobs.Reason{
			Code:      jobs.CodeError,
			Message:   fmt.Sprintf("%d chapter(s) failed; first: %s: %s", len(r.res.Errors), first.Stage, first.Message),
			ChapterID: first.ChapterID,
		})
		if errors.Is(err, jobs.ErrInvalidTransition) {
			return nil
		}
		r.emit(ctx, bus.AnalysisFailed, first.ChapterID, r.res)
		return err
	}
	if err := r.advance(ctx, jobs.StateDone); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) && r.stopped(ctx) {
			r.res.Cancelled = true
			r.emit(ctx, bus.AnalysisCancelled, "", nil)
			return nil
		}
		return err
	}
	r.emit(ctx, bus.AnalysisFinished, "", r.res)
	r.log.Info("analysis complete",
		"processed", r.res.ChaptersProcessed,
		"unchanged", r.res.ChaptersUnchanged,
		"linked", r.res.ChaptersLinked,
		"extracted", r.res.TotalExtracted,
		"gaps_filled", strings.Join(r.res.GapsFilled, ","))
	return nil
}

// plan decides per chapter whether it changed and which gap categories it
// must be read for anyway. Chapters that depend on a changed chapter are
// treated as changed too.
func (r *run) plan(ctx context.Context, chapters []store.Chapter, report gaps.Report, selected []story.Category, force bool) ([]chapterPlan, error) {
	changed := make(map[string]bool, len(chapters))
	for _, ch := range chapters {
		if force {
			changed[ch.ID] = true
			continue
		}
		c, err := r.Changes.HasChanged(ctx, ch.ID, ch.Content)
		if err != nil {
			return nil, err
		}
		changed[ch.ID] = c
	}
	if !force {
		if err := r.propagate(ctx, changed); err != nil {
			return nil, err
		}
	}

	gapCats := r.unsearched(intersect(report.PerChapter(), selected), force)
	plans := make([]chapterPlan, 0, len(chapters))
	for _, ch := range chapters {
		p := chapterPlan{chapter: ch, changed: changed[ch.ID]}
		if strings.TrimSpace(ch.Content) != "" {
			p.gaps = gapCats
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// propagate marks dependents of changed chapters as changed, transitively.
func (r *run) propagate(ctx context.Context, changed map[string]bool) error {
	var queue []string
	for id, c := range changed {
		if c {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		deps, err := r.Store.Dependents(ctx, id)
		if err != nil {
			return err
		}
		for _, d := range deps {
			if d.DependentType != store.DependencyChapter {
				continue
			}
			if seen, known := changed[d.DependentID]; known && !seen {
				changed[d.DependentID] = true
				queue = append(queue, d.DependentID)
				r.log.Debug("chapter invalidated by dependency", "chapter_id", d.DependentID, "source", id)
			}
		}
	}
	return nil
}

func (r *run) chapterError(chapterID, stage string, err error) error {
	r.res.Errors = append(r.res.Errors, ChapterError{ChapterID: chapterID, Stage: stage, Message: err.Error()})
	r.emit(context.Background(), bus.ChapterFailed, chapterID, map[string]string{"stage": stage, "error": err.Error()})
	return fmt.Errorf("%s %s: %w", stage, chapterID, err)
}

func (r *run) processChapter(ctx context.Context, p chapterPlan, selected []story.Category, pending map[string]bool) error {
	ch := p.chapter
	log := r.log.With("chapter_id", ch.ID)

	chunks, stored, err := r.chunks(ctx, p)
	if err != nil {
		return r.chapterError(ch.ID, "chunk", err)
	}

	categories := p.gaps
	opts := dedup.Options{}
	if p.changed {
		categories = selected
		var exclude []string
		for id := range pending {
			exclude = append(exclude, id)
		}
		gate, err := r.Similarity.ChapterSimilarityExcluding(ctx, r.projectID, ch.ID, exclude, stored)
		if err != nil {
			return r.chapterError(ch.ID, "similarity", err)
		}
		log.Debug("similarity gate", "score", gate.Score, "tier", gate.Tier.String())

		switch gate.Tier {
		case similarity.TierSkip:
			if len(gate.MatchedChapters) > 0 {
				if err := r.linkCovered(ctx, ch.ID, gate.MatchedChapters); err != nil {
					return r.chapterError(ch.ID, "link", err)
				}
				// A covered chapter still fills gaps nothing has filled yet.
				categories, err = r.stillEmpty(ctx, p.gaps)
				if err != nil {
					return r.chapterError(ch.ID, "gaps", err)
				}
			}
		case similarity.TierSemantic:
			opts.ForceSemantic = true
		}
	}

	if len(categories) > 0 {
		if err := r.advance(ctx, jobs.StateExtracting); err != nil {
			return err
		}
		ok, err := r.extractAndStore(ctx, ch, categories, chunks, opts)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	if p.changed {
		if err := r.Changes.Commit(ctx, ch.ID, ch.Content); err != nil {
			return r.chapterError(ch.ID, "commit", err)
		}
		r.res.ChaptersProcessed++
		r.emit(ctx, bus.ChapterAnalyzed, ch.ID, map[string]any{"categories": categories})
	}
	return nil
}

// chunks returns the chapter's chunks. Changed chapters are re-chunked,
// embedded and stored; unchanged ones reuse what the last successful pass
// stored.
func (r *run) chunks(ctx context.Context, p chapterPlan) ([]chunker.Chunk, []store.Chunk, error) {
	ch := p.chapter
	if !p.changed {
		stored, err := r.Store.ChapterChunks(ctx, ch.ID)
		if err != nil {
			return nil, nil, err
		}
		if len(stored) > 0 {
			return fromStored(stored), stored, nil
		}
	}

	chunks, err := r.Chunker.Chunk(ctx, ch.Content)
	if err != nil {
		return nil, nil, err
	}
	stored := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		emb, err := r.Similarity.Embed(ctx, c.Text)
		if err != nil {
			return nil, nil, err
		}
		stored[i] = store.Chunk{
			ChapterID:        ch.ID,
			ProjectID:        r.projectID,
			Index:            c.Index,
			Start:            c.Start,
			End:              c.End,
			Text:             c.Text,
			ContentHash:      c.ContentHash,
			Embedding:        emb.Vector,
			Simulated:        emb.Simulated,
			NamedEntities:    c.NamedEntities,
			DiscourseMarkers: c.DiscourseMarkers,
			DialoguePresent:  c.DialoguePresent,
			BreakpointScore:  c.BreakpointScore,
		}
	}
	if err := r.Store.ReplaceChunks(ctx, r.projectID, ch.ID, stored); err != nil {
		return nil, nil, err
	}
	return chunks, stored, nil
}

func fromStored(stored []store.Chunk) []chunker.Chunk {
	out := make([]chunker.Chunk, len(stored))
	for i, c := range stored {
		out[i] = chunker.Chunk{
			Index:            c.Index,
			Start:            c.Start,
			End:              c.End,
			Text:             c.Text,
			TokenCount:       chunker.EstimateTokens(c.Text, 0),
			NamedEntities:    c.NamedEntities,
			DiscourseMarkers: c.DiscourseMarkers,
			DialoguePresent:  c.DialoguePresent,
			BreakpointScore:  c.BreakpointScore,
			ContentHash:      c.ContentHash,
		}
	}
	return out
}

// linkCovered attributes the matched chapters' elements to chapterID and
// records that chapterID now depends on them.
func (r *run) linkCovered(ctx context.Context, chapterID string, matched []string) error {
	linked, err := r.Similarity.LinkAndBoost(ctx, r.projectID, chapterID, matched)
	if err != nil {
		return err
	}
	for _, src := range matched {
		if err := r.Store.AddDependency(ctx, store.DependencyEdge{
			ProjectID:     r.projectID,
			SourceID:      src,
			SourceType:    store.DependencyChapter,
			DependentID:   chapterID,
			DependentType: store.DependencyChapter,
		}); err != nil {
			return err
		}
	}
	r.res.ChaptersLinked++
	r.emit(ctx, bus.ChapterLinked, chapterID, map[string]any{"matched": matched, "elements": linked})
	if linked > 0 {
		r.changed = true
	}
	return nil
}

// extractAndStore runs extraction and dedup for one chapter. It reports
// false when the chapter must not be committed.
func (r *run) extractAndStore(ctx context.Context, ch store.Chapter, categories []story.Category, chunks []chunker.Chunk, opts dedup.Options) (bool, error) {
	in := extract.ChapterInput{ProjectID: r.projectID, ChapterID: ch.ID, Title: ch.Title, Text: ch.Content}
	ex, err := r.Extractor.ExtractChapter(ctx, in, categories, chunks)
	if ex != nil {
		r.res.Calls += ex.Calls
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		_ = r.chapterError(ch.ID, "extract", err)
		return false, nil
	}
	r.res.TotalExtracted += len(ex.Elements)

	ok, err := r.persist(ctx, ex.Elements, opts)
	if err != nil {
		return false, err
	}
	if !ok {
		_ = r.chapterError(ch.ID, "dedup", errors.New("one or more items were not stored"))
	}
	return ok, nil
}

// persist deduplicates elements into the store and links their dependencies.
// It reports false when any item failed to persist.
func (r *run) persist(ctx context.Context, elements []story.Element, opts dedup.Options) (bool, error) {
	if len(elements) == 0 {
		return true, nil
	}
	dr, err := r.Dedup.Process(ctx, r.projectID, elements, opts)
	if err != nil {
		return false, err
	}
	r.res.Inserted += dr.Count(dedup.OutcomeInserted)
	r.res.Merged += dr.Count(dedup.OutcomeMerged)
	r.res.Duplicates += dr.Count(dedup.OutcomeExactDuplicate)
	r.res.Conflicts += dr.Count(dedup.OutcomeConflict)
	if dr.Changed() || dr.Count(dedup.OutcomeExactDuplicate)+dr.Count(dedup.OutcomeDiscarded) > 0 {
		r.changed = true
	}

	var linkable []story.Element
	for _, it := range dr.Items {
		if it.ElementID == "" || len(it.Candidate.After) == 0 {
			continue
		}
		e := it.Candidate
		e.ID = it.ElementID
		linkable = append(linkable, e)
	}
	if _, err := r.Chrono.LinkAfter(ctx, r.projectID, linkable); err != nil {
		r.log.Warn("dependency linking failed", "error", err.Error())
	}
	return len(dr.Errors) == 0, nil
}

// fillAggregateGaps extracts context-dependent categories that were empty at
// the start of the run and are still empty, from the whole manuscript.
func (r *run) fillAggregateGaps(ctx context.Context, chapters []store.Chapter, report gaps.Report, selected []story.Category) error {
	wanted := r.unsearched(intersect(report.Aggregate(), selected), r.force || r.edited)
	if len(wanted) == 0 {
		return nil
	}
	still, err := r.stillEmpty(ctx, wanted)
	if err != nil {
		return err
	}
	if len(still) == 0 {
		return nil
	}

	var sb strings.Builder
	var ids []string
	for _, ch := range chapters {
		if strings.TrimSpace(ch.Content) == "" {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", ch.Title, ch.Content)
		ids = append(ids, ch.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := r.advance(ctx, jobs.StateExtracting); err != nil {
		return err
	}
	ex, err := r.Extractor.ExtractAggregate(ctx, r.projectID, sb.String(), ids, still)
	if ex != nil {
		r.res.Calls += ex.Calls
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = r.chapterError("", "aggregate", err)
		return nil
	}
	r.res.TotalExtracted += len(ex.Elements)
	ok, err := r.persist(ctx, ex.Elements, dedup.Options{})
	if err != nil {
		return err
	}
	if !ok {
		_ = r.chapterError("", "aggregate", errors.New("one or more items were not stored"))
	}
	return nil
}

// fail records err on the job unless it already finished. The write
// survives cancellation of ctx.
func (r *run) fail(ctx context.Context, err error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	reason := jobs.Reason{Code: jobs.CodeError, Message: err.Error()}
	if errors.Is(err, context.Canceled) {
		reason.Code = jobs.CodeCancelled
	}
	if ferr := r.Jobs.Fail(wctx, r.job.ID, reason); ferr != nil && !errors.Is(ferr, jobs.ErrInvalidTransition) {
		r.log.Error("failed to record job failure", "error", ferr.Error())
	}
	r.emit(wctx, bus.AnalysisFailed, "", reason)
	r.log.Error("analysis failed", "error", err.Error())
}

// unsearched drops categories with a recorded empty pass unless reopen is set.
func (r *run) unsearched(cats []story.Category, reopen bool) []story.Category {
	if reopen || len(r.passes) == 0 {
		return cats
	}
	var out []story.Category
	for _, c := range cats {
		if _, ok := r.passes[c]; ok {
			r.log.Debug("gap already searched", "category", string(c), "at", r.passes[c].Format(time.RFC3339))
			continue
		}
		out = append(out, c)
	}
	return out
}

// recordPasses remembers the selected gap categories that a clean run left
// empty, and forgets passes for categories that now have rows.
func (r *run) recordPasses(ctx context.Context, chapters []store.Chapter, report, after gaps.Report, selected []story.Category) error {
	for c := range r.passes {
		if !after.Empty(c) {
			if err := r.Store.ClearGapPass(ctx, r.projectID, c); err != nil {
				return err
			}
		}
	}
	if len(r.res.Errors) > 0 || !hasText(chapters) {
		return nil
	}
	for _, c := range intersect(gaps.Tracked, selected) {
		if report.Empty(c) && after.Empty(c) {
			if err := r.Store.RecordGapPass(ctx, r.projectID, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasText(chapters []store.Chapter) bool {
	for _, ch := range chapters {
		if strings.TrimSpace(ch.Content) != "" {
			return true
		}
	}
	return false
}

// stillEmpty keeps the categories that currently have no rows.
func (r *run) stillEmpty(ctx context.Context, cats []story.Category) ([]story.Category, error) {
	if len(cats) == 0 {
		return nil, nil
	}
	now, err := r.Gaps.Detect(ctx, r.projectID)
	if err != nil {
		return nil, err
	}
	var out []story.Category
	for _, c := range cats {
		if now.Empty(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func selection(cats []story.Category) []story.Category {
	if len(cats) == 0 {
		return story.AllCategories
	}
	var out []story.Category
	for _, c := range story.AllCategories {
		for _, s := range cats {
			if s == c {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func intersect(a, b []story.Category) []story.Category {
	var out []story.Category
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}
