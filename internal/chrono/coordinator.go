// Package chrono assigns a total, reproducible chronological order to a
// project's orderable narrative elements.
//
// Each element gets a numeric key from the reading position of its first
// source chapter plus an offset parsed from its temporal marker. Dependency
// edges then push every dependent past all of its sources, and a stable sort
// with fixed tie-breakers turns the keys into dense 1..N positions.
package chrono

import (
	"context"
	"fmt"
	"sort"

	"github.com/Napageneral/lorekeeper/internal/logger"
	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
)

const (
	// chapterSpan separates chapters on the key axis; intra-chapter
	// offsets stay inside it.
	chapterSpan = 1000.0
	chapterMid  = chapterSpan / 2

	// dependencyBoost is added to an element's confidence when its order
	// had to be moved to satisfy a dependency.
	dependencyBoost = 0.1
)

// typePriority breaks ties between elements with the same key. Lower wins.
var typePriority = map[story.Category]int{
	story.TimelineEvents:   0,
	story.PlotPoints:       1,
	story.PlotThreads:      2,
	story.Relationships:    3,
	story.ChapterSummaries: 4,
}

// Coordinator reads elements and edges from the store and writes the order back.
type Coordinator struct {
	store *store.Store
	log   *logger.Logger
}

// New creates a coordinator.
func New(s *store.Store, log *logger.Logger) *Coordinator {
	return &Coordinator{store: s, log: logger.OrNop(log)}
}

// AssignOrder orders every orderable element of a project, persists the
// dense order and returns the elements in that order.
func (c *Coordinator) AssignOrder(ctx context.Context, projectID string) ([]story.Element, error) {
	all, err := c.store.ListElements(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	items := make([]story.Element, 0, len(all))
	for _, e := range all {
		if e.Category.Orderable() {
			items = append(items, e)
		}
	}
	if len(items) == 0 {
		return nil, nil
	}
	edges, err := c.store.ListDependencies(ctx, projectID)
	if err != nil {
		return nil, err
	}
	positions, err := c.store.ChapterPositions(ctx, projectID)
	if err != nil {
		return nil, err
	}

	ordered, broken := Order(items, edges, positions)
	for _, e := range broken {
		c.log.Warn("dependency cycle broken", "source_id", e.SourceID, "dependent_id", e.DependentID)
	}

	updates := make([]store.OrderUpdate, len(ordered))
	for i, e := range ordered {
		updates[i] = store.OrderUpdate{ElementID: e.ID, Order: *e.ChronologicalOrder, Confidence: e.ChronologicalConfidence}
	}
	if err := c.store.SetChronology(ctx, updates); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	c.log.Debug("chronology assigned", "project_id", projectID, "elements", len(ordered), "edges", len(edges))
	return ordered, nil
}

type node struct {
	el  story.Element
	key float64
}

// Order is the pure ordering step. Edges whose endpoints are not both in
// items are ignored. Edges that close a cycle cannot be honored; they are
// returned so the caller can report them. Every returned element carries a
// distinct ChronologicalOrder in 1..len(items).
func Order(items []story.Element, edges []store.DependencyEdge, positions map[string]int) ([]story.Element, []store.DependencyEdge) {
	nodes := make(map[string]*node, len(items))
	ids := make([]string, 0, len(items))
	for _, e := range items {
		if _, dup := nodes[e.ID]; dup {
			continue
		}
		key, conf := baseKey(e, positions)
		e.ChronologicalConfidence = conf
		nodes[e.ID] = &node{el: e, key: key}
		ids = append(ids, e.ID)
	}

	incoming := make(map[string][]string)
	outgoing := make(map[string][]string)
	for _, edge := range edges {
		if edge.SourceID == edge.DependentID {
			continue
		}
		if nodes[edge.SourceID] == nil || nodes[edge.DependentID] == nil {
			continue
		}
		incoming[edge.DependentID] = append(incoming[edge.DependentID], edge.SourceID)
		outgoing[edge.SourceID] = append(outgoing[edge.SourceID], edge.DependentID)
	}

	// Kahn's algorithm; ready nodes are taken by ascending base key so the
	// result does not depend on map iteration. When only cycle members are
	// left, the lowest-keyed one is released and its unresolved incoming
	// edges are reported as broken.
	byKey := func(list []string) {
		sort.SliceStable(list, func(i, j int) bool {
			a, b := nodes[list[i]], nodes[list[j]]
			if a.key != b.key {
				return a.key < b.key
			}
			return list[i] < list[j]
		})
	}
	pending := make(map[string]int, len(ids))
	for _, id := range ids {
		pending[id] = len(incoming[id])
	}
	done := make(map[string]bool, len(ids))
	var broken []store.DependencyEdge

	for len(done) < len(ids) {
		var ready []string
		for _, id := range ids {
			if !done[id] && pending[id] == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			var rest []string
			for _, id := range ids {
				if !done[id] {
					rest = append(rest, id)
				}
			}
			byKey(rest)
			victim := rest[0]
			for _, src := range incoming[victim] {
				if !done[src] {
					broken = append(broken, store.DependencyEdge{SourceID: src, DependentID: victim})
				}
			}
			ready = []string{victim}
		}
		byKey(ready)

		id := ready[0]
		n := nodes[id]
		var floor float64
		has := false
		for _, src := range incoming[id] {
			if !done[src] {
				continue
			}
			if k := nodes[src].key; !has || k > floor {
				floor, has = k, true
			}
		}
		if has && n.key <= floor {
			n.key = floor + 1
			n.el.ChronologicalConfidence = min(1, n.el.ChronologicalConfidence+dependencyBoost)
		}
		done[id] = true
		for _, dep := range outgoing[id] {
			pending[dep]--
		}
	}

	sorted := make([]*node, 0, len(ids))
	for _, id := range ids {
		sorted = append(sorted, nodes[id])
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.key != b.key {
			return a.key < b.key
		}
		pa, pb := priority(a.el.Category), priority(b.el.Category)
		if pa != pb {
			return pa < pb
		}
		if a.el.ChronologicalConfidence != b.el.ChronologicalConfidence {
			return a.el.ChronologicalConfidence > b.el.ChronologicalConfidence
		}
		return a.el.ID < b.el.ID
	})

	out := make([]story.Element, len(sorted))
	for i, n := range sorted {
		order := i + 1
		n.el.ChronologicalOrder = &order
		out[i] = n.el
	}
	return out, broken
}

// baseKey places an element by its earliest source chapter, then inside the
// chapter by its temporal marker.
func baseKey(e story.Element, positions map[string]int) (float64, float64) {
	pos, found := 0, false
	for _, ch := range e.SourceChapterIDs {
		if p, ok := positions[ch]; ok && (!found || p < pos) {
			pos, found = p, true
		}
	}
	m := ParseMarker(e.TemporalMarker)
	var offset float64
	switch m.Kind {
	case MarkerSequence:
		offset = clamp(m.Value*40, 0, chapterSpan-1)
	case MarkerAbsolute:
		offset = clamp(m.Value*4, 0, chapterSpan-1)
	case MarkerRelative:
		offset = clamp(chapterMid+m.Value, 0, chapterSpan-1)
	default:
		offset = chapterMid
	}
	return float64(pos)*chapterSpan + offset, m.Confidence
}

func priority(c story.Category) int {
	if p, ok := typePriority[c]; ok {
		return p
	}
	return len(typePriority)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
