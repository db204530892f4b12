// Package gaps finds narrative categories that have never been populated.
//
// A category with zero rows cannot be discovered by diffing chapter
// content, so an empty category forces an extraction pass for that category
// even when every chapter is unchanged.
package gaps

import (
	"context"
	"fmt"

	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
)

// Tracked lists the categories the detector checks.
var Tracked = []story.Category{
	story.Relationships,
	story.TimelineEvents,
	story.PlotThreads,
	story.ChapterSummaries,
	story.WorldBuilding,
	story.Themes,
}

// aggregate categories need the whole manuscript as context.
var aggregate = map[story.Category]bool{
	story.Relationships: true,
	story.Themes:        true,
	story.WorldBuilding: true,
}

// Report maps each tracked category to whether it is empty.
type Report map[story.Category]bool

// Empty reports whether c was found empty.
func (r Report) Empty(c story.Category) bool { return r[c] }

// Any reports whether any tracked category is empty.
func (r Report) Any() bool {
	for _, empty := range r {
		if empty {
			return true
		}
	}
	return false
}

// Aggregate returns the empty categories that are filled from the combined
// text of all chapters, in Tracked order.
func (r Report) Aggregate() []story.Category {
	return r.filter(func(c story.Category) bool { return aggregate[c] })
}

// PerChapter returns the empty categories that are filled chapter by chapter.
func (r Report) PerChapter() []story.Category {
	return r.filter(func(c story.Category) bool { return !aggregate[c] })
}

func (r Report) filter(keep func(story.Category) bool) []story.Category {
	var out []story.Category
	for _, c := range Tracked {
		if r[c] && keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the report keyed by category name, for job payloads and JSON output.
func (r Report) Names() map[string]bool {
	out := make(map[string]bool, len(r))
	for c, v := range r {
		out[string(c)] = v
	}
	return out
}

// Detector counts rows per category.
type Detector struct {
	store *store.Store
}

// New creates a detector.
func New(s *store.Store) *Detector {
	return &Detector{store: s}
}

// Detect checks every tracked category for the project.
func (d *Detector) Detect(ctx context.Context, projectID string) (Report, error) {
	r := make(Report, len(Tracked))
	for _, c := range Tracked {
		n, err := d.store.CountElements(ctx, projectID, c)
		if err != nil {
			return nil, fmt.Errorf("detect gaps: %w", err)
		}
		r[c] = n == 0
	}
	return r, nil
}
