// Package dedup decides how newly extracted elements enter the store.
//
// The policy is conservative: an exact duplicate is dropped and only adds
// attribution, a near match is put to the arbiter, and whenever a decision
// cannot be made the candidate is stored as a distinct row. Duplicates can
// be cleaned up later; a false merge destroys information.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Napageneral/lorekeeper/internal/config"
	"github.com/Napageneral/lorekeeper/internal/logger"
	"github.com/Napageneral/lorekeeper/internal/similarity"
	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
)

// Outcome is what happened to one candidate.
type Outcome string

const (
	OutcomeInserted       Outcome = "inserted"
	OutcomeExactDuplicate Outcome = "exact_duplicate"
	OutcomeMerged         Outcome = "merged"
	OutcomeDiscarded      Outcome = "discarded"
	OutcomeConflict       Outcome = "conflict"
	OutcomeFailed         Outcome = "failed"
)

// Options tune one Process call.
type Options struct {
	// ForceSemantic runs the similarity search even when semantic dedup is
	// disabled in config.
	ForceSemantic bool
}

// ItemResult records the handling of one candidate. ElementID is the stored
// element the candidate now resolves to, empty for conflicts and failures.
type ItemResult struct {
	Candidate  story.Element
	Outcome    Outcome
	ElementID  string
	Similarity float64
	Reason     string
}

// Result summarizes a Process call. Store failures are per item and do not
// stop the run.
type Result struct {
	Items  []ItemResult
	Errors []error
}

// Count returns how many items ended with outcome o.
func (r *Result) Count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

// Changed reports whether any row was inserted or updated.
func (r *Result) Changed() bool {
	return r.Count(OutcomeInserted)+r.Count(OutcomeMerged) > 0
}

// Engine applies the dedup policy against the store.
type Engine struct {
	store   *store.Store
	index   *similarity.ElementIndex
	arbiter Arbiter
	cfg     config.Pipeline
	log     *logger.Logger
}

// New creates an engine. A nil index disables the semantic path; a nil
// arbiter keeps every semantic match distinct.
func New(s *store.Store, index *similarity.ElementIndex, arbiter Arbiter, cfg config.Pipeline, log *logger.Logger) *Engine {
	return &Engine{store: s, index: index, arbiter: arbiter, cfg: cfg, log: logger.OrNop(log)}
}

// Process handles candidates in order. Earlier candidates are visible to
// later ones, so duplicates within one batch collapse too. It returns early
// only when ctx is cancelled.
func (e *Engine) Process(ctx context.Context, projectID string, candidates []story.Element, opts Options) (*Result, error) {
	res := &Result{}
	existing := make(map[story.Category][]story.Element)
	load := func(c story.Category) ([]story.Element, error) {
		if els, ok := existing[c]; ok {
			return els, nil
		}
		els, err := e.store.ListElements(ctx, projectID, c)
		if err != nil {
			return nil, err
		}
		existing[c] = els
		return els, nil
	}

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cand.ProjectID = projectID
		pool, err := load(cand.Category)
		if err != nil {
			return res, fmt.Errorf("load %s: %w", cand.Category, err)
		}

		item, err := e.processOne(ctx, cand, pool, opts)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			e.log.Warn("dedup item failed", "category", string(cand.Category), "name", cand.Name, "error", err.Error())
			res.Errors = append(res.Errors, err)
			item = ItemResult{Candidate: cand, Outcome: OutcomeFailed, Reason: err.Error()}
		}
		res.Items = append(res.Items, item)

		switch item.Outcome {
		case OutcomeInserted:
			stored := cand
			stored.ID = item.ElementID
			existing[cand.Category] = append(pool, stored)
		case OutcomeMerged, OutcomeExactDuplicate, OutcomeDiscarded:
			// Reload on next use so merged content and new sources are visible.
			delete(existing, cand.Category)
		}
	}
	e.log.Debug("dedup complete",
		"project_id", projectID,
		"inserted", res.Count(OutcomeInserted),
		"merged", res.Count(OutcomeMerged),
		"duplicates", res.Count(OutcomeExactDuplicate),
		"discarded", res.Count(OutcomeDiscarded),
		"conflicts", res.Count(OutcomeConflict),
		"failed", len(res.Errors))
	return res, nil
}

func (e *Engine) processOne(ctx context.Context, cand story.Element, pool []story.Element, opts Options) (ItemResult, error) {
	key := story.ExactKey(cand)
	for _, ex := range pool {
		if story.ExactKey(ex) == key {
			if err := e.attribute(ctx, ex.ID, cand.SourceChapterIDs); err != nil {
				return ItemResult{}, err
			}
			return ItemResult{Candidate: cand, Outcome: OutcomeExactDuplicate, ElementID: ex.ID, Similarity: 1}, nil
		}
	}

	if e.index != nil && (e.cfg.SemanticDedup || opts.ForceSemantic) && len(pool) > 0 {
		matches, err := e.index.Similar(ctx, cand, pool, e.cfg.Threshold(string(cand.Category)))
		if err != nil {
			return ItemResult{}, fmt.Errorf("similarity search: %w", err)
		}
		if len(matches) > 0 {
			return e.arbitrate(ctx, cand, matches[0])
		}
	}
	return e.insert(ctx, cand, "no match")
}

func (e *Engine) arbitrate(ctx context.Context, cand story.Element, best similarity.Candidate) (ItemResult, error) {
	existing := best.Element
	decision := MergeDecision{Action: ActionKeepDistinct, Reason: "no arbiter configured"}
	if e.arbiter != nil {
		d, err := e.arbiter.Decide(ctx, existing, cand, best.Score)
		switch {
		case err != nil && ctx.Err() != nil:
			return ItemResult{}, ctx.Err()
		case err != nil:
			e.log.Warn("arbiter unavailable, keeping distinct", "existing_id", existing.ID, "error", err.Error())
			decision = MergeDecision{Action: ActionKeepDistinct, Reason: "arbiter unavailable"}
		default:
			decision = d
		}
	}

	if existing.UserEdited && decision.Action == ActionMerge {
		payload, _ := json.Marshal(cand)
		c := &store.Conflict{
			ProjectID:     cand.ProjectID,
			Category:      string(cand.Category),
			ExistingID:    existing.ID,
			CandidateJSON: string(payload),
			Similarity:    best.Score,
			Reason:        decision.Reason,
		}
		if err := e.store.InsertConflict(ctx, c); err != nil {
			return ItemResult{}, err
		}
		e.log.Info("merge into user-edited element refused", "existing_id", existing.ID, "conflict_id", c.ID)
		return ItemResult{Candidate: cand, Outcome: OutcomeConflict, Similarity: best.Score, Reason: decision.Reason}, nil
	}

	switch decision.Action {
	case ActionMerge:
		merged := Merge(existing, cand, decision.Merged)
		if err := e.store.UpdateElement(ctx, merged); err != nil {
			return ItemResult{}, err
		}
		return ItemResult{Candidate: cand, Outcome: OutcomeMerged, ElementID: existing.ID, Similarity: best.Score, Reason: decision.Reason}, nil
	case ActionDiscard:
		if err := e.attribute(ctx, existing.ID, cand.SourceChapterIDs); err != nil {
			return ItemResult{}, err
		}
		return ItemResult{Candidate: cand, Outcome: OutcomeDiscarded, ElementID: existing.ID, Similarity: best.Score, Reason: decision.Reason}, nil
	default:
		item, err := e.insert(ctx, cand, decision.Reason)
		item.Similarity = best.Score
		return item, err
	}
}

func (e *Engine) insert(ctx context.Context, cand story.Element, reason string) (ItemResult, error) {
	cand.ID = ""
	if err := e.store.InsertElement(ctx, &cand); err != nil {
		return ItemResult{}, err
	}
	return ItemResult{Candidate: cand, Outcome: OutcomeInserted, ElementID: cand.ID, Reason: reason}, nil
}

// attribute links chapters to an existing element without touching its fields.
func (e *Engine) attribute(ctx context.Context, elementID string, chapterIDs []string) error {
	for _, ch := range chapterIDs {
		if _, err := e.store.AddSource(ctx, elementID, ch); err != nil {
			return err
		}
	}
	return nil
}

// Merge folds candidate into existing. The existing name is kept, evidence
// is concatenated, numeric fields take the max and lists are unioned. A
// proposed description replaces the existing one only if it is at least as
// long, so a merge never shortens what was recorded.
func Merge(existing, candidate story.Element, proposed *MergedPayload) story.Element {
	out := existing
	out.Evidence = concatEvidence(existing.Evidence, candidate.Evidence)
	out.Strength = max(existing.Strength, candidate.Strength)
	out.Confidence = max(existing.Confidence, candidate.Confidence)
	out.Participants = story.UnionStrings(existing.Participants, candidate.Participants)
	out.Tags = story.UnionStrings(existing.Tags, candidate.Tags)
	out.SourceChapterIDs = story.UniqueIDs(append(append([]string(nil), existing.SourceChapterIDs...), candidate.SourceChapterIDs...))
	out.IsFlagged = existing.IsFlagged || candidate.IsFlagged

	if out.Description == "" {
		out.Description = candidate.Description
	}
	if out.Kind == "" {
		out.Kind = candidate.Kind
	}
	if out.TemporalMarker == "" {
		out.TemporalMarker = candidate.TemporalMarker
	}
	if proposed != nil {
		if d := strings.TrimSpace(proposed.Description); d != "" && len(d) >= len(out.Description) {
			out.Description = d
		}
		if existing.Kind == "" && proposed.Kind != "" {
			out.Kind = proposed.Kind
		}
		out.Tags = story.UnionStrings(out.Tags, proposed.Tags)
	}
	return out
}

func concatEvidence(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case b == "" || strings.Contains(a, b):
		return a
	case a == "":
		return b
	default:
		return a + "\n" + b
	}
}

// ResolveConflict closes a pending conflict. Accepting applies the candidate
// to the user-edited element with the same merge rules; the element stays
// protected. Rejecting only closes the conflict.
func (e *Engine) ResolveConflict(ctx context.Context, projectID, conflictID string, accept bool) error {
	conflicts, err := e.store.ListConflicts(ctx, projectID, store.ConflictPending)
	if err != nil {
		return err
	}
	var c *store.Conflict
	for i := range conflicts {
		if conflicts[i].ID == conflictID {
			c = &conflicts[i]
			break
		}
	}
	if c == nil {
		return fmt.Errorf("conflict %s: %w", conflictID, store.ErrNotFound)
	}
	if !accept {
		return e.store.ResolveConflict(ctx, c.ID, store.ConflictRejected)
	}

	var cand story.Element
	if err := json.Unmarshal([]byte(c.CandidateJSON), &cand); err != nil {
		return fmt.Errorf("decode conflict candidate: %w", err)
	}
	existing, err := e.store.GetElement(ctx, c.ExistingID)
	if errors.Is(err, store.ErrNotFound) {
		return e.store.ResolveConflict(ctx, c.ID, store.ConflictRejected)
	}
	if err != nil {
		return err
	}
	merged := Merge(*existing, cand, nil)
	if err := e.store.UpdateElement(ctx, merged); err != nil {
		return err
	}
	return e.store.ResolveConflict(ctx, c.ID, store.ConflictAccepted)
}
