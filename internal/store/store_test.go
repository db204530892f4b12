package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/lorekeeper/internal/story"
	"github.com/Napageneral/lorekeeper/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(testutil.OpenTestDB(t))
	require.NoError(t, s.EnsureProject(context.Background(), "p1", "Test"))
	return s
}

func TestChapterUpsertReportsContentChange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	changed, err := s.UpsertChapter(ctx, Chapter{ID: "c1", ProjectID: "p1", Position: 1, Title: "One", Content: "hello"})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpsertChapter(ctx, Chapter{ID: "c1", ProjectID: "p1", Position: 1, Title: "One", Content: "hello"})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.UpsertChapter(ctx, Chapter{ID: "c1", ProjectID: "p1", Position: 1, Title: "One", Content: "hello again"})
	require.NoError(t, err)
	assert.True(t, changed)

	chapters, err := s.ListChapters(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.Equal(t, "hello again", chapters[0].Content)

	_, err = s.GetChapter(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContentHashVersioning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetContentHash(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutContentHash(ctx, ContentHash{ChapterID: "c1", Hash: "a", Algorithm: "sha256"}))
	require.NoError(t, s.PutContentHash(ctx, ContentHash{ChapterID: "c1", Hash: "b", Algorithm: "sha256"}))

	h, err := s.GetContentHash(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "b", h.Hash)
	assert.Equal(t, 2, h.Version)

	require.NoError(t, s.DeleteContentHash(ctx, "c1"))
	_, err = s.GetContentHash(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceChunksSupersedesChapter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := []Chunk{
		{Index: 0, Start: 0, End: 5, Text: "alpha", ContentHash: "h0", Embedding: []float64{1, 0}, NamedEntities: []string{"Aria"}},
		{Index: 1, Start: 5, End: 9, Text: "beta", ContentHash: "h1", Embedding: []float64{0, 1}},
	}
	require.NoError(t, s.ReplaceChunks(ctx, "p1", "c1", first))
	require.NoError(t, s.ReplaceChunks(ctx, "p1", "c1", first[:1]))
	require.NoError(t, s.ReplaceChunks(ctx, "p1", "c2", []Chunk{{Index: 0, Text: "gamma", ContentHash: "h2"}}))

	got, err := s.ChapterChunks(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float64{1, 0}, got[0].Embedding)
	assert.Equal(t, []string{"Aria"}, got[0].NamedEntities)

	others, err := s.ListChunks(ctx, "p1", "c1")
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, "c2", others[0].ChapterID)
	assert.Nil(t, others[0].Embedding)
}

func TestElementLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := story.Element{
		ProjectID:        "p1",
		Category:         story.Characters,
		Name:             "Aria",
		Description:      "A scout",
		Tags:             []string{"brave"},
		Confidence:       0.5,
		SourceChapterIDs: []string{"c1"},
	}
	require.NoError(t, s.InsertElement(ctx, &e))
	require.NotEmpty(t, e.ID)

	added, err := s.AddSource(ctx, e.ID, "c2")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AddSource(ctx, e.ID, "c2")
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, s.BoostConfidence(ctx, e.ID, 0.3))
	require.NoError(t, s.BoostConfidence(ctx, e.ID, 0.3))

	got, err := s.GetElement(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, got.SourceChapterIDs)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)
	assert.Equal(t, []string{"brave"}, got.Tags)

	n, err := s.CountElements(ctx, "p1", story.Characters)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fromC2, err := s.ElementsFromChapters(ctx, "p1", []string{"c2"})
	require.NoError(t, err)
	assert.Len(t, fromC2, 1)
}

func TestBoostSkipsUserEdited(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := story.Element{ProjectID: "p1", Category: story.Themes, Name: "Loss", Confidence: 0.4, UserEdited: true}
	require.NoError(t, s.InsertElement(ctx, &e))
	require.NoError(t, s.BoostConfidence(ctx, e.ID, 0.1))

	got, err := s.GetElement(ctx, e.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.Confidence, 1e-9)
}

func TestChronologyAndDependencies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := story.Element{ProjectID: "p1", Category: story.TimelineEvents, Name: "A"}
	b := story.Element{ProjectID: "p1", Category: story.TimelineEvents, Name: "B"}
	require.NoError(t, s.InsertElement(ctx, &a))
	require.NoError(t, s.InsertElement(ctx, &b))

	require.NoError(t, s.AddDependency(ctx, DependencyEdge{ProjectID: "p1", SourceID: a.ID, SourceType: "timeline_events", DependentID: b.ID, DependentType: "timeline_events", Strength: 0.5}))
	require.NoError(t, s.AddDependency(ctx, DependencyEdge{ProjectID: "p1", SourceID: a.ID, SourceType: "timeline_events", DependentID: b.ID, DependentType: "timeline_events", Strength: 0.9}))
	require.NoError(t, s.AddDependency(ctx, DependencyEdge{ProjectID: "p1", SourceID: a.ID, DependentID: a.ID}))

	edges, err := s.ListDependencies(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.9, edges[0].Strength, 1e-9)

	require.NoError(t, s.SetChronology(ctx, []OrderUpdate{{ElementID: a.ID, Order: 1, Confidence: 0.9}, {ElementID: b.ID, Order: 2, Confidence: 0.5}}))
	got, err := s.GetElement(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ChronologicalOrder)
	assert.Equal(t, 2, *got.ChronologicalOrder)
}

func TestConflictsAndSynthesized(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := &Conflict{ProjectID: "p1", Category: "characters", ExistingID: "e1", CandidateJSON: `{"name":"Aria"}`, Similarity: 0.93, Reason: "user edited"}
	require.NoError(t, s.InsertConflict(ctx, c))
	pending, err := s.ListConflicts(ctx, "p1", ConflictPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.ResolveConflict(ctx, c.ID, ConflictRejected))
	assert.ErrorIs(t, s.ResolveConflict(ctx, c.ID, ConflictAccepted), ErrNotFound)

	row := &Synthesized{ProjectID: "p1", Category: "characters", NameKey: "aria", Name: "Aria", Description: "d",
		SourceIDs: []string{"e1", "e2"}, ChapterIDs: []string{"c1", "c2"}, Confidence: 0.7, Details: map[string]any{"traits": "brave"}}
	require.NoError(t, s.UpsertSynthesized(ctx, row))
	row.Description = "d2"
	require.NoError(t, s.UpsertSynthesized(ctx, row))

	list, err := s.ListSynthesized(ctx, "p1", "characters")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "d2", list[0].Description)
	assert.Equal(t, []string{"c1", "c2"}, list[0].ChapterIDs)
	assert.Equal(t, "brave", list[0].Details["traits"])
}

func TestEmbeddingCache(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetEmbedding(ctx, TargetElement, "e1", "m")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutEmbedding(ctx, EmbeddingRecord{TargetType: TargetElement, TargetID: "e1", ProjectID: "p1", Model: "m", Vector: []float64{0.5, 0.25}, SourceHash: "h"}))
	got, err := s.GetEmbedding(ctx, TargetElement, "e1", "m")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.25}, got.Vector)
	assert.Equal(t, "h", got.SourceHash)

	require.NoError(t, s.DeleteEmbeddings(ctx, TargetElement, []string{"e1"}))
	_, err = s.GetEmbedding(ctx, TargetElement, "e1", "m")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGapPassesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Unix(1700000000, 0)
	s.SetClock(func() time.Time { return at })

	passes, err := s.GapPasses(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, passes)

	require.NoError(t, s.RecordGapPass(ctx, "p1", story.Themes))
	require.NoError(t, s.RecordGapPass(ctx, "p1", story.Relationships))
	at = at.Add(time.Hour)
	require.NoError(t, s.RecordGapPass(ctx, "p1", story.Themes))
	require.NoError(t, s.RecordGapPass(ctx, "p2", story.PlotThreads))

	passes, err = s.GapPasses(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, passes, 2)
	assert.True(t, passes[story.Themes].Equal(at))
	assert.True(t, passes[story.Relationships].Equal(at.Add(-time.Hour)))

	require.NoError(t, s.ClearGapPass(ctx, "p1", story.Themes))
	passes, err = s.GapPasses(ctx, "p1")
	require.NoError(t, err)
	assert.NotContains(t, passes, story.Themes)
	assert.Contains(t, passes, story.Relationships)
}
