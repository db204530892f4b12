// Package story holds the narrative domain types shared by every stage of the
// pipeline: categories, stored elements, and the typed records the extractor
// produces before they become elements.
package story

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Category is one kind of narrative element.
type Category string

const (
	Characters       Category = "characters"
	Relationships    Category = "relationships"
	TimelineEvents   Category = "timeline_events"
	PlotThreads      Category = "plot_threads"
	PlotPoints       Category = "plot_points"
	ChapterSummaries Category = "chapter_summaries"
	WorldBuilding    Category = "world_building"
	Themes           Category = "themes"
)

// AllCategories lists every category in extraction order. Characters come
// first so later categories can reference them.
var AllCategories = []Category{
	Characters,
	Relationships,
	TimelineEvents,
	PlotThreads,
	PlotPoints,
	ChapterSummaries,
	WorldBuilding,
	Themes,
}

// ParseCategory accepts the canonical names plus a few camelCase spellings.
func ParseCategory(s string) (Category, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch key {
	case "timelineevents", "events", "timeline":
		return TimelineEvents, nil
	case "plotthreads":
		return PlotThreads, nil
	case "plotpoints":
		return PlotPoints, nil
	case "chaptersummaries", "summaries":
		return ChapterSummaries, nil
	case "worldbuilding", "world":
		return WorldBuilding, nil
	}
	for _, c := range AllCategories {
		if string(c) == key {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range AllCategories {
		if k == c {
			return true
		}
	}
	return false
}

// Orderable reports whether the chronological coordinator places elements of c.
func (c Category) Orderable() bool {
	switch c {
	case TimelineEvents, PlotPoints, PlotThreads, Relationships, ChapterSummaries:
		return true
	}
	return false
}

// Element is a stored narrative element of any category. Category-specific
// data lives in Kind, Participants, Tags, TemporalMarker and Strength.
type Element struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Category    Category `json:"category"`
	Name        string   `json:"name"`
	Kind        string   `json:"kind,omitempty"`
	Description string   `json:"description,omitempty"`
	Evidence    string   `json:"evidence,omitempty"`

	Participants   []string `json:"participants,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	TemporalMarker string   `json:"temporal_marker,omitempty"`
	Strength       float64  `json:"strength,omitempty"`

	Confidence       float64  `json:"confidence"`
	SourceChapterIDs []string `json:"source_chapter_ids,omitempty"`

	IsFlagged  bool `json:"is_flagged"`
	IsVerified bool `json:"is_verified"`
	UserEdited bool `json:"user_edited"`

	ChronologicalOrder      *int    `json:"chronological_order,omitempty"`
	ChronologicalConfidence float64 `json:"chronological_confidence"`

	// After names elements this one must follow. Resolved into dependency
	// edges once the element is stored; never persisted on the row itself.
	After []string `json:"after,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FirstChapter returns the lexically smallest source chapter id, or "".
func (e Element) FirstChapter() string {
	if len(e.SourceChapterIDs) == 0 {
		return ""
	}
	ids := append([]string(nil), e.SourceChapterIDs...)
	sort.Strings(ids)
	return ids[0]
}

// HasSource reports whether chapterID is already a source.
func (e Element) HasSource(chapterID string) bool {
	for _, id := range e.SourceChapterIDs {
		if id == chapterID {
			return true
		}
	}
	return false
}

// UnionStrings merges b into a, keeping first-seen order and dropping
// duplicates under NormalizeName.
func UnionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			k := NormalizeName(s)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, s)
		}
	}
	return out
}

// UniqueIDs returns ids deduplicated and sorted.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
