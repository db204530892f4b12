package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/lorekeeper/internal/config"
	"github.com/Napageneral/lorekeeper/internal/llm"
	"github.com/Napageneral/lorekeeper/internal/similarity"
	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
	"github.com/Napageneral/lorekeeper/internal/testutil"
)

// sameVector makes every element look identical to the similarity search.
var sameVector = llm.EmbedderFunc(func(context.Context, string) ([]float64, error) {
	return []float64{1, 0}, nil
})

type recordingArbiter struct {
	decision MergeDecision
	err      error
	calls    int
}

func (a *recordingArbiter) Decide(_ context.Context, _, _ story.Element, _ float64) (MergeDecision, error) {
	a.calls++
	return a.decision, a.err
}

func newEngine(t *testing.T, arbiter Arbiter, mutate func(*config.Pipeline)) (*Engine, *store.Store) {
	t.Helper()
	s := store.New(testutil.OpenTestDB(t))
	require.NoError(t, s.EnsureProject(context.Background(), "p1", "Test"))
	cfg := config.DefaultPipeline()
	cfg.EmbedInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}
	sim := similarity.NewEngine(s, sameVector, nil, cfg, nil)
	idx := similarity.NewElementIndex(s, sim, "test")
	return New(s, idx, arbiter, cfg, nil), s
}

func seed(t *testing.T, s *store.Store, e story.Element) story.Element {
	t.Helper()
	e.ProjectID = "p1"
	require.NoError(t, s.InsertElement(context.Background(), &e))
	return e
}

func TestExactDuplicateLeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	arb := &recordingArbiter{decision: MergeDecision{Action: ActionMerge}}
	eng, s := newEngine(t, arb, nil)

	orig := seed(t, s, story.Element{Category: story.Characters, Name: "Aria", Description: "A pilot.", Confidence: 0.5, SourceChapterIDs: []string{"c1"}})
	before, err := s.GetElement(ctx, orig.ID)
	require.NoError(t, err)

	res, err := eng.Process(ctx, "p1", []story.Element{
		{Category: story.Characters, Name: "  aria ", Description: "Something else entirely.", Confidence: 0.9, SourceChapterIDs: []string{"c2"}},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, OutcomeExactDuplicate, res.Items[0].Outcome)
	assert.Equal(t, orig.ID, res.Items[0].ElementID)
	assert.Zero(t, arb.calls)
	assert.False(t, res.Changed())

	n, err := s.CountElements(ctx, "p1", story.Characters)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := s.GetElement(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, after.SourceChapterIDs)
	after.SourceChapterIDs = before.SourceChapterIDs
	assert.Equal(t, before, after)
}

func TestRelationshipDirectionIsExact(t *testing.T) {
	ctx := context.Background()
	eng, s := newEngine(t, &recordingArbiter{}, nil)

	first := story.RelationshipRecord{Character1: "Aria", Character2: "Bren", Type: "ally"}.ToElement("p1", []string{"c1"}, 0.5)
	seed(t, s, first)

	reversed := story.RelationshipRecord{Character1: "Bren", Character2: "Aria", Type: "Ally"}.ToElement("p1", []string{"c2"}, 0.5)
	res, err := eng.Process(ctx, "p1", []story.Element{reversed}, Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExactDuplicate, res.Items[0].Outcome)
}

func TestSemanticMergeUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	arb := &recordingArbiter{decision: MergeDecision{
		Action: ActionMerge,
		Reason: "friend and ally are synonyms",
		Merged: &MergedPayload{Description: "Longtime allies who met at the academy and fled together."},
	}}
	eng, s := newEngine(t, arb, nil)

	existing := seed(t, s, story.Element{
		Category: story.Relationships, Name: "Aria & Bren", Kind: "friend",
		Participants: []string{"Aria", "Bren"}, Description: "Friends.", Evidence: "They laughed.",
		Strength: 0.4, Confidence: 0.6, Tags: []string{"loyal"}, SourceChapterIDs: []string{"c1"},
	})

	res, err := eng.Process(ctx, "p1", []story.Element{{
		Category: story.Relationships, Name: "Aria & Bren", Kind: "ally",
		Participants: []string{"Aria", "Bren"}, Evidence: "She covered for him.",
		Strength: 0.8, Confidence: 0.5, Tags: []string{"Loyal", "trusting"}, SourceChapterIDs: []string{"c2"},
	}}, Options{})
	require.NoError(t, err)
	require.Equal(t, OutcomeMerged, res.Items[0].Outcome)
	assert.Equal(t, existing.ID, res.Items[0].ElementID)
	assert.Equal(t, 1, arb.calls)
	assert.True(t, res.Changed())

	got, err := s.GetElement(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Aria & Bren", got.Name)
	assert.Equal(t, "friend", got.Kind)
	assert.Equal(t, "Longtime allies who met at the academy and fled together.", got.Description)
	assert.Equal(t, "They laughed.\nShe covered for him.", got.Evidence)
	assert.InDelta(t, 0.8, got.Strength, 1e-9)
	assert.InDelta(t, 0.6, got.Confidence, 1e-9)
	assert.Equal(t, []string{"loyal", "trusting"}, got.Tags)
	assert.Equal(t, []string{"c1", "c2"}, got.SourceChapterIDs)

	n, err := s.CountElements(ctx, "p1", story.Relationships)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMergeNeverShortensDescription(t *testing.T) {
	existing := story.Element{Name: "Aria", Description: "A long and careful description."}
	got := Merge(existing, story.Element{Name: "Aria"}, &MergedPayload{Description: "Short."})
	assert.Equal(t, "A long and careful description.", got.Description)
}

func TestUserEditedMatchBecomesConflict(t *testing.T) {
	ctx := context.Background()
	arb := &recordingArbiter{decision: MergeDecision{Action: ActionMerge, Reason: "same person"}}
	eng, s := newEngine(t, arb, nil)

	existing := seed(t, s, story.Element{Category: story.Characters, Name: "Aria Vance", Description: "Written by the author.", Confidence: 0.7})
	require.NoError(t, s.MarkUserEdited(ctx, existing))
	before, err := s.GetElement(ctx, existing.ID)
	require.NoError(t, err)

	res, err := eng.Process(ctx, "p1", []story.Element{
		{Category: story.Characters, Name: "Aria", Description: "A pilot with a very long and detailed description.", Confidence: 1, SourceChapterIDs: []string{"c3"}},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Items[0].Outcome)
	assert.Empty(t, res.Items[0].ElementID)

	after, err := s.GetElement(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	conflicts, err := s.ListConflicts(ctx, "p1", store.ConflictPending)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, existing.ID, conflicts[0].ExistingID)
	assert.Contains(t, conflicts[0].CandidateJSON, "A pilot")

	n, err := s.CountElements(ctx, "p1", story.Characters)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Accepting the conflict applies the candidate and keeps the protection.
	require.NoError(t, eng.ResolveConflict(ctx, "p1", conflicts[0].ID, true))
	resolved, err := s.GetElement(ctx, existing.ID)
	require.NoError(t, err)
	assert.True(t, resolved.UserEdited)
	assert.Equal(t, "Aria Vance", resolved.Name)
	assert.Contains(t, resolved.SourceChapterIDs, "c3")

	pending, err := s.ListConflicts(ctx, "p1", store.ConflictPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestArbiterFailureKeepsDistinct(t *testing.T) {
	ctx := context.Background()
	eng, s := newEngine(t, &recordingArbiter{err: errors.New("retries exhausted")}, nil)
	seed(t, s, story.Element{Category: story.Themes, Name: "Loss"})

	res, err := eng.Process(ctx, "p1", []story.Element{{Category: story.Themes, Name: "Grief"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, res.Items[0].Outcome)
	assert.Equal(t, "arbiter unavailable", res.Items[0].Reason)
	assert.Empty(t, res.Errors)

	n, err := s.CountElements(ctx, "p1", story.Themes)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDiscardDropsCandidate(t *testing.T) {
	ctx := context.Background()
	eng, s := newEngine(t, &recordingArbiter{decision: MergeDecision{Action: ActionDiscard}}, nil)
	existing := seed(t, s, story.Element{Category: story.Themes, Name: "Loss", SourceChapterIDs: []string{"c1"}})

	res, err := eng.Process(ctx, "p1", []story.Element{{Category: story.Themes, Name: "Grief", SourceChapterIDs: []string{"c2"}}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, res.Items[0].Outcome)

	n, err := s.CountElements(ctx, "p1", story.Themes)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := s.GetElement(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, got.SourceChapterIDs)
}

func TestSemanticPathRequiresConfigOrForce(t *testing.T) {
	ctx := context.Background()
	arb := &recordingArbiter{decision: MergeDecision{Action: ActionDiscard}}
	eng, s := newEngine(t, arb, func(p *config.Pipeline) { p.SemanticDedup = false })
	seed(t, s, story.Element{Category: story.Themes, Name: "Loss"})

	res, err := eng.Process(ctx, "p1", []story.Element{{Category: story.Themes, Name: "Grief"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, res.Items[0].Outcome)
	assert.Zero(t, arb.calls)

	res, err = eng.Process(ctx, "p1", []story.Element{{Category: story.Themes, Name: "Mourning"}}, Options{ForceSemantic: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, res.Items[0].Outcome)
	assert.Equal(t, 1, arb.calls)
}

func TestDuplicatesWithinOneBatchCollapse(t *testing.T) {
	ctx := context.Background()
	eng, s := newEngine(t, &recordingArbiter{decision: MergeDecision{Action: ActionKeepDistinct}}, nil)

	res, err := eng.Process(ctx, "p1", []story.Element{
		{Category: story.Characters, Name: "Aria", SourceChapterIDs: []string{"c1"}},
		{Category: story.Characters, Name: "ARIA!", SourceChapterIDs: []string{"c1"}},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, res.Items[0].Outcome)
	assert.Equal(t, OutcomeExactDuplicate, res.Items[1].Outcome)
	assert.Equal(t, res.Items[0].ElementID, res.Items[1].ElementID)

	n, err := s.CountElements(ctx, "p1", story.Characters)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessStopsOnCancel(t *testing.T) {
	eng, _ := newEngine(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Process(ctx, "p1", []story.Element{{Category: story.Themes, Name: "Loss"}}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseDecision(t *testing.T) {
	assert.Equal(t, ActionKeepDistinct, parseDecision("nonsense").Action)
	assert.Equal(t, ActionKeepDistinct, parseDecision(`{"action": "obliterate"}`).Action)

	d := parseDecision("```json\n{\"action\": \"MERGE\", \"reason\": \"same\", \"merged\": {\"description\": \"x\"}}\n```")
	assert.Equal(t, ActionMerge, d.Action)
	require.NotNil(t, d.Merged)
	assert.Equal(t, "x", d.Merged.Description)
}

func TestLLMArbiterUsesCompleter(t *testing.T) {
	c := &testutil.Completer{Replies: []string{`{"action": "discard", "reason": "redundant"}`}}
	a := NewLLMArbiter(c, nil, nil)
	d, err := a.Decide(context.Background(),
		story.Element{ID: "e1", Category: story.Themes, Name: "Loss"},
		story.Element{Category: story.Themes, Name: "Grief"}, 0.91)
	require.NoError(t, err)
	assert.Equal(t, ActionDiscard, d.Action)
	assert.Contains(t, c.Prompts()[0], `"name": "Grief"`)
	assert.Contains(t, c.Prompts()[0], "0.910")

	failing := NewLLMArbiter(&testutil.Completer{Err: errors.New("down")}, nil, nil)
	_, err = failing.Decide(context.Background(), story.Element{ID: "e1"}, story.Element{}, 0.9)
	assert.Error(t, err)
}
