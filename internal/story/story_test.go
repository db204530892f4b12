package story

import (
	"errors"
	"testing"
)

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"  Aria  ":            "aria",
		"ARIA":                "aria",
		"Lord   Vance-Ashby!": "lord vanceashby",
		"Ｆｕｌｌｗｉｄｔｈ":           "fullwidth",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRelationshipKeyIgnoresDirection(t *testing.T) {
	ab := RelationshipRecord{Character1: "Aria", Character2: "Bren", Type: "ally"}.ToElement("p", []string{"c1"}, 0.5)
	ba := RelationshipRecord{Character1: "bren", Character2: "ARIA", Type: "Ally"}.ToElement("p", []string{"c2"}, 0.5)
	if ExactKey(ab) != ExactKey(ba) {
		t.Fatalf("expected equal keys: %q vs %q", ExactKey(ab), ExactKey(ba))
	}
	if CanonicalText(ab) != CanonicalText(Element{Category: Relationships, Participants: []string{"Bren", "Aria"}, Kind: "ally"}) {
		t.Fatalf("canonical text should not depend on participant order")
	}
	other := RelationshipRecord{Character1: "Aria", Character2: "Bren", Type: "rival"}.ToElement("p", nil, 0.5)
	if ExactKey(ab) == ExactKey(other) {
		t.Fatalf("different relationship types must not collide")
	}
}

func TestExactKeyPerCategory(t *testing.T) {
	ev1 := Element{Category: TimelineEvents, Name: "The Fall", Kind: "battle"}
	ev2 := Element{Category: TimelineEvents, Name: "the fall.", Kind: "Battle"}
	ev3 := Element{Category: TimelineEvents, Name: "The Fall", Kind: "flood"}
	if ExactKey(ev1) != ExactKey(ev2) {
		t.Fatalf("expected equal event keys")
	}
	if ExactKey(ev1) == ExactKey(ev3) {
		t.Fatalf("event type is part of the key")
	}

	s1 := Element{Category: ChapterSummaries, Name: "x", SourceChapterIDs: []string{"c1"}}
	s2 := Element{Category: ChapterSummaries, Name: "y", SourceChapterIDs: []string{"c1"}}
	if ExactKey(s1) != ExactKey(s2) {
		t.Fatalf("summaries key on chapter")
	}

	c := Element{Category: Characters, Name: "Aria"}
	th := Element{Category: Themes, Name: "Aria"}
	if ExactKey(c) == ExactKey(th) {
		t.Fatalf("categories must not share keys")
	}
}

func TestRecordValidation(t *testing.T) {
	tests := []Record{
		CharacterRecord{},
		RelationshipRecord{Character1: "a", Type: "x"},
		RelationshipRecord{Character1: "a", Character2: "b"},
		TimelineEventRecord{Name: "  "},
		PlotThreadRecord{},
		PlotPointRecord{},
		ChapterSummaryRecord{Title: "t"},
		WorldElementRecord{},
		ThemeRecord{},
	}
	for _, r := range tests {
		if err := r.Validate(); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("%T: expected ErrInvalidRecord, got %v", r, err)
		}
	}
}

func TestToElementDefaultsConfidence(t *testing.T) {
	e := CharacterRecord{Name: " Aria "}.ToElement("p", []string{"c2", "c1", "c2"}, 0.5)
	if e.Confidence != 0.5 {
		t.Fatalf("expected default confidence 0.5, got %v", e.Confidence)
	}
	if e.Name != "Aria" {
		t.Fatalf("expected trimmed name, got %q", e.Name)
	}
	if len(e.SourceChapterIDs) != 2 || e.SourceChapterIDs[0] != "c1" {
		t.Fatalf("expected deduplicated sorted sources, got %v", e.SourceChapterIDs)
	}

	hi := 1.7
	e = ThemeRecord{Name: "loss", Confidence: &hi}.ToElement("p", nil, 0.5)
	if e.Confidence != 1 {
		t.Fatalf("expected clamp to 1, got %v", e.Confidence)
	}
}

func TestParseCategory(t *testing.T) {
	for in, want := range map[string]Category{
		"characters":     Characters,
		"timelineEvents": TimelineEvents,
		"WORLD_BUILDING": WorldBuilding,
		"summaries":      ChapterSummaries,
	} {
		got, err := ParseCategory(in)
		if err != nil || got != want {
			t.Errorf("ParseCategory(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCategory("spells"); err == nil {
		t.Fatalf("expected error for unknown category")
	}
}

func TestUnionStrings(t *testing.T) {
	got := UnionStrings([]string{"Brave", "kind"}, []string{"brave", "Loyal", ""})
	if len(got) != 3 || got[0] != "Brave" || got[2] != "Loyal" {
		t.Fatalf("unexpected union: %v", got)
	}
}
