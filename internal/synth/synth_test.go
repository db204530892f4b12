package synth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
	"github.com/Napageneral/lorekeeper/internal/testutil"
)

func newService(t *testing.T, c *testutil.Completer) (*Service, *store.Store) {
	t.Helper()
	s := store.New(testutil.OpenTestDB(t))
	var svc *Service
	if c == nil {
		svc = New(s, nil, nil, nil)
	} else {
		svc = New(s, c, nil, nil)
	}
	return svc, s
}

func insert(t *testing.T, s *store.Store, e story.Element) story.Element {
	t.Helper()
	e.ProjectID = "p1"
	require.NoError(t, s.InsertElement(context.Background(), &e))
	return e
}

func TestSynthesizeAriaAcrossChapters(t *testing.T) {
	ctx := context.Background()
	c := &testutil.Completer{Replies: []string{`{"name": "Aria", "description": "A young cartographer who becomes the expedition's guide.", "details": {"role": "protagonist"}}`}}
	svc, s := newService(t, c)

	a := insert(t, s, story.Element{Category: story.Characters, Name: "Aria", Description: "A young cartographer.", SourceChapterIDs: []string{"c1"}, IsVerified: true})
	b := insert(t, s, story.Element{Category: story.Characters, Name: "aria", Description: "The expedition's guide.", SourceChapterIDs: []string{"c2"}, IsFlagged: true})
	insert(t, s, story.Element{Category: story.Characters, Name: "Bren", SourceChapterIDs: []string{"c1"}})

	got, err := svc.Synthesize(ctx, "p1", story.Characters, "ARIA")
	require.NoError(t, err)
	assert.Equal(t, "Aria", got.Name)
	assert.Equal(t, "A young cartographer who becomes the expedition's guide.", got.Description)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, got.SourceIDs)
	assert.Equal(t, []string{"c1", "c2"}, got.ChapterIDs)
	assert.True(t, got.IsFlagged, "flagged if any source is flagged")
	assert.False(t, got.IsVerified, "verified only if all sources are")
	assert.False(t, got.Degraded)
	assert.Equal(t, 1, c.Calls())

	views, err := s.ListSynthesized(ctx, "p1", string(story.Characters))
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "aria", views[0].NameKey)

	// Source rows are untouched.
	stored, err := s.ListElements(ctx, "p1", story.Characters)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestSynthesizeSingletonSkipsCompleter(t *testing.T) {
	ctx := context.Background()
	c := &testutil.Completer{}
	svc, s := newService(t, c)
	e := insert(t, s, story.Element{Category: story.Themes, Name: "Loss", Description: "Grief shapes every choice.", Evidence: "she kept the letter", SourceChapterIDs: []string{"c3"}, IsVerified: true})

	got, err := svc.Synthesize(ctx, "p1", story.Themes, "loss")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Calls())
	assert.Equal(t, e.Description, got.Description)
	assert.Equal(t, []string{e.ID}, got.SourceIDs)
	assert.True(t, got.IsVerified)
	assert.Equal(t, "she kept the letter", got.Details["evidence"])
}

func TestSynthesizeFailurePreservesDescriptions(t *testing.T) {
	ctx := context.Background()
	c := &testutil.Completer{Err: errors.New("quota exceeded")}
	svc, s := newService(t, c)
	insert(t, s, story.Element{Category: story.WorldBuilding, Name: "The Spire", Description: "A tower of glass.", SourceChapterIDs: []string{"c1"}})
	insert(t, s, story.Element{Category: story.WorldBuilding, Name: "The Spire", Description: "Seat of the council.", SourceChapterIDs: []string{"c4"}})

	got, err := svc.Synthesize(ctx, "p1", story.WorldBuilding, "The Spire")
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.True(t, strings.HasPrefix(got.Description, UnavailableMarker))
	assert.Contains(t, got.Description, "A tower of glass.")
	assert.Contains(t, got.Description, "Seat of the council.")
}

func TestSynthesizeUnknownName(t *testing.T) {
	svc, _ := newService(t, nil)
	_, err := svc.Synthesize(context.Background(), "p1", story.Characters, "Nobody")
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestSynthesizeProjectSkipsFreshViews(t *testing.T) {
	ctx := context.Background()
	c := &testutil.Completer{Replies: []string{`{"name": "Aria", "description": "merged"}`}}
	svc, s := newService(t, c)
	insert(t, s, story.Element{Category: story.Characters, Name: "Aria", Description: "one", SourceChapterIDs: []string{"c1"}})
	insert(t, s, story.Element{Category: story.Characters, Name: "Aria", Description: "two", SourceChapterIDs: []string{"c2"}})
	insert(t, s, story.Element{Category: story.Themes, Name: "Hope", SourceChapterIDs: []string{"c1"}})

	n, err := svc.SynthesizeProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Calls())

	n, err = svc.SynthesizeProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "unchanged sources keep their view")
	assert.Equal(t, 1, c.Calls())

	insert(t, s, story.Element{Category: story.Characters, Name: "Aria", Description: "three", SourceChapterIDs: []string{"c3"}})
	n, err = svc.SynthesizeProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, c.Calls())
}

func TestCombineFlags(t *testing.T) {
	all := Combine([]story.Element{{ID: "a", IsVerified: true}, {ID: "b", IsVerified: true}})
	assert.True(t, all.IsVerified)
	assert.False(t, all.IsFlagged)

	mixed := Combine([]story.Element{{ID: "a", IsVerified: true, IsFlagged: true}, {ID: "b"}})
	assert.False(t, mixed.IsVerified)
	assert.True(t, mixed.IsFlagged)
}
