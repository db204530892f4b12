package chrono

import (
	"context"

	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
)

// LinkAfter turns the "after" names carried by freshly stored elements into
// dependency edges. Names are matched against orderable elements of the
// project under story.NormalizeName; unknown names are skipped. Elements
// without an id (not stored) are ignored. It returns the number of edges
// written.
func (c *Coordinator) LinkAfter(ctx context.Context, projectID string, elements []story.Element) (int, error) {
	var pending []story.Element
	for _, e := range elements {
		if e.ID != "" && len(e.After) > 0 {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	all, err := c.store.ListElements(ctx, projectID, "")
	if err != nil {
		return 0, err
	}
	byName := make(map[string][]story.Element)
	for _, e := range all {
		if e.Category.Orderable() {
			k := story.NormalizeName(e.Name)
			byName[k] = append(byName[k], e)
		}
	}

	added := 0
	for _, dep := range pending {
		for _, name := range dep.After {
			for _, src := range byName[story.NormalizeName(name)] {
				if src.ID == dep.ID {
					continue
				}
				err := c.store.AddDependency(ctx, store.DependencyEdge{
					ProjectID:     projectID,
					SourceID:      src.ID,
					SourceType:    string(src.Category),
					DependentID:   dep.ID,
					DependentType: string(dep.Category),
					Strength:      dep.Confidence,
				})
				if err != nil {
					return added, err
				}
				added++
			}
		}
	}
	if added > 0 {
		c.log.Debug("dependency edges linked", "project_id", projectID, "edges", added)
	}
	return added, nil
}
