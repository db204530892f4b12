package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/lorekeeper/internal/chunker"
	"github.com/Napageneral/lorekeeper/internal/config"
	"github.com/Napageneral/lorekeeper/internal/ratelimit"
	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
	"github.com/Napageneral/lorekeeper/internal/testutil"
)

func TestCoerceMalformedYieldsEmpty(t *testing.T) {
	for _, in := range []string{"", "not json", "[1,2,3]", `{"characters": "Aria"}`, `{"characters": 7}`} {
		p := Coerce(in)
		assert.Zero(t, p.Count(), "input %q", in)
	}
}

func TestCoerceRejectsItemsIndividually(t *testing.T) {
	p := Coerce("```json\n" + `{
		"characters": [{"name": "Aria", "confidence": 0.9}, {"role": "nameless"}, "oops"],
		"relationships": [{"character1": "Bren", "character2": "Aria", "type": "ally"}],
		"timelineEvents": [{"name": "The Flood"}],
		"unknown_category": [{"name": "x"}]
	}` + "\n```")

	require.Len(t, p.Records[story.Characters], 1)
	require.Len(t, p.Records[story.Relationships], 1)
	require.Len(t, p.Records[story.TimelineEvents], 1)
	assert.Equal(t, 3, p.Count())

	require.Len(t, p.Rejected, 2)
	assert.Equal(t, story.Characters, p.Rejected[0].Category)
	assert.Equal(t, 1, p.Rejected[0].Index)
	assert.Contains(t, p.Rejected[0].Reason, "name")
	assert.Equal(t, 2, p.Rejected[1].Index)
}

func newOrchestrator(t *testing.T, c *testutil.Completer, sched *ratelimit.Scheduler) (*Orchestrator, *store.Store) {
	t.Helper()
	s := store.New(testutil.OpenTestDB(t))
	require.NoError(t, s.EnsureProject(context.Background(), "p1", "Test"))
	cfg := config.DefaultPipeline()
	cfg.ExtractionInterval = 0
	return New(s, c, sched, cfg, nil), s
}

func TestExtractChapterDefaultsAndFiltersCategories(t *testing.T) {
	c := &testutil.Completer{Replies: []string{`{
		"characters": [{"name": "Aria", "description": "A pilot."}, {"name": "Bren", "confidence": 1.7}],
		"themes": [{"name": "Loss"}]
	}`}}
	o, _ := newOrchestrator(t, c, nil)

	res, err := o.ExtractChapter(context.Background(),
		ChapterInput{ProjectID: "p1", ChapterID: "c1", Title: "One", Text: "Aria met Bren."},
		[]story.Category{story.Characters}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Calls)
	require.Len(t, res.Elements, 2, "themes were not requested")

	aria := res.Elements[0]
	assert.Equal(t, "Aria", aria.Name)
	assert.Equal(t, "p1", aria.ProjectID)
	assert.Equal(t, []string{"c1"}, aria.SourceChapterIDs)
	assert.InDelta(t, 0.5, aria.Confidence, 1e-9)
	assert.InDelta(t, 1.0, res.Elements[1].Confidence, 1e-9)

	prompt := c.Prompts()[0]
	assert.Contains(t, prompt, "Aria met Bren.")
	assert.Contains(t, prompt, `"characters"`)
	assert.NotContains(t, prompt, `"themes"`)
}

func TestExtractChapterIncludesExistingKnowledge(t *testing.T) {
	c := &testutil.Completer{}
	o, s := newOrchestrator(t, c, nil)
	ctx := context.Background()

	known := story.Element{ProjectID: "p1", Category: story.Characters, Name: "Captain Ilse Varn", Kind: "antagonist"}
	require.NoError(t, s.InsertElement(ctx, &known))

	_, err := o.ExtractChapter(ctx, ChapterInput{ProjectID: "p1", ChapterID: "c2", Text: "The captain returned."},
		[]story.Category{story.Characters}, nil)
	require.NoError(t, err)
	assert.Contains(t, c.Prompts()[0], "[characters] Captain Ilse Varn (antagonist)")
}

func TestExtractChapterBatchesChunksAndPaces(t *testing.T) {
	text := "First part here. Second part here. Third part here."
	chunks := []chunker.Chunk{
		{Start: 0, End: 16, TokenCount: 40},
		{Start: 17, End: 34, TokenCount: 40},
		{Start: 35, End: len(text), TokenCount: 40},
	}
	clock := ratelimit.NewFakeClock(time.Unix(1000, 0))
	c := &testutil.Completer{}
	o, _ := newOrchestrator(t, c, ratelimit.NewScheduler(time.Second, clock))
	o.cfg.MaxBatchTokens = 80

	res, err := o.ExtractChapter(context.Background(), ChapterInput{ProjectID: "p1", ChapterID: "c1", Text: text},
		[]story.Category{story.Themes}, chunks)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Calls)

	prompts := c.Prompts()
	assert.Contains(t, prompts[0], "First part here. Second part here.")
	assert.NotContains(t, prompts[0], "Third part")
	assert.Contains(t, prompts[1], "Third part here.")
	assert.Equal(t, []time.Duration{time.Second}, clock.Sleeps())
}

func TestExtractChapterPropagatesFailure(t *testing.T) {
	c := &testutil.Completer{Err: errors.New("retries exhausted")}
	o, _ := newOrchestrator(t, c, nil)
	_, err := o.ExtractChapter(context.Background(), ChapterInput{ProjectID: "p1", ChapterID: "c1", Text: "x"},
		[]story.Category{story.Themes}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c1")
}

func TestExtractAggregateAttributesAllChapters(t *testing.T) {
	c := &testutil.Completer{Replies: []string{`{"themes": [{"name": "Memory"}], "world_building": [{"name": "The Drowned Vale"}]}`}}
	o, _ := newOrchestrator(t, c, nil)
	o.cfg.MaxAggregateTokens = 13

	long := strings.Repeat("word ", 100)
	res, err := o.ExtractAggregate(context.Background(), "p1", long, []string{"c2", "c1"},
		[]story.Category{story.WorldBuilding, story.Themes})
	require.NoError(t, err)
	require.Len(t, res.Elements, 2)
	assert.Equal(t, story.WorldBuilding, res.Elements[0].Category)
	assert.Equal(t, []string{"c1", "c2"}, res.Elements[1].SourceChapterIDs)
	assert.Contains(t, c.Prompts()[0], "combined manuscript")
	assert.NotContains(t, c.Prompts()[0], strings.Repeat("word ", 11))
}

func TestLimitTokens(t *testing.T) {
	assert.Equal(t, "a b", limitTokens("a b", 10, 1.3))
	assert.Equal(t, "a b c d e f g", limitTokens("a b c d e f g h i j", 10, 1.3))
}
