// Package synth collapses the per-chapter records of one entity into a single
// aggregated view with full source attribution.
//
// Source rows are never modified. The aggregated view lives in its own table
// and is rebuilt only when its set of sources changes.
package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Napageneral/lorekeeper/internal/llm"
	"github.com/Napageneral/lorekeeper/internal/logger"
	"github.com/Napageneral/lorekeeper/internal/ratelimit"
	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
)

// UnavailableMarker prefixes descriptions kept verbatim because the
// summarization call failed.
const UnavailableMarker = "[synthesis unavailable]"

// ErrNoRecords is returned when no element matches (category, name).
var ErrNoRecords = errors.New("no records to synthesize")

// instructions tell the summarizer what matters per category.
var instructions = map[story.Category]string{
	story.Characters:       "Write one coherent character profile: role, personality, arc and key relationships. Keep every distinct fact.",
	story.Relationships:    "Describe how the relationship starts and how it changes over the story, in order.",
	story.TimelineEvents:   "Describe the event once, combining every account. Note disagreements about timing.",
	story.PlotThreads:      "Summarize the thread from setup to its latest status.",
	story.PlotPoints:       "Describe the plot point and its consequences.",
	story.ChapterSummaries: "Merge the summaries into one, keeping events in order.",
	story.WorldBuilding:    "Describe the element, its rules and its significance to the story.",
	story.Themes:           "Describe the theme and how it is developed across chapters.",
}

// Service runs synthesis.
type Service struct {
	store     *store.Store
	completer llm.Completer
	sched     *ratelimit.Scheduler
	log       *logger.Logger
}

// New creates a service. A nil completer makes every multi-record synthesis
// degrade to the preserved-descriptions form.
func New(s *store.Store, completer llm.Completer, sched *ratelimit.Scheduler, log *logger.Logger) *Service {
	if sched == nil {
		sched = ratelimit.NewScheduler(0, nil)
	}
	return &Service{store: s, completer: completer, sched: sched, log: logger.OrNop(log)}
}

// Synthesize builds and stores the aggregated view of every record of
// category whose name matches name under story.NormalizeName.
func (s *Service) Synthesize(ctx context.Context, projectID string, category story.Category, name string) (*store.Synthesized, error) {
	els, err := s.store.ListElements(ctx, projectID, category)
	if err != nil {
		return nil, err
	}
	key := story.NormalizeName(name)
	var group []story.Element
	for _, e := range els {
		if story.NormalizeName(e.Name) == key {
			group = append(group, e)
		}
	}
	if len(group) == 0 {
		return nil, fmt.Errorf("%s %q: %w", category, name, ErrNoRecords)
	}
	return s.synthesizeGroup(ctx, projectID, category, key, group)
}

// SynthesizeProject refreshes the aggregated view of every entity in the
// project. It returns how many views were rebuilt.
func (s *Service) SynthesizeProject(ctx context.Context, projectID string) (int, error) {
	els, err := s.store.ListElements(ctx, projectID, "")
	if err != nil {
		return 0, err
	}
	type groupKey struct {
		category story.Category
		name     string
	}
	groups := make(map[groupKey][]story.Element)
	var keys []groupKey
	for _, e := range els {
		k := groupKey{e.Category, story.NormalizeName(e.Name)}
		if k.name == "" {
			continue
		}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], e)
	}

	rebuilt := 0
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return rebuilt, err
		}
		fresh, err := s.isFresh(ctx, projectID, k.category, k.name, groups[k])
		if err != nil {
			return rebuilt, err
		}
		if fresh {
			continue
		}
		if _, err := s.synthesizeGroup(ctx, projectID, k.category, k.name, groups[k]); err != nil {
			return rebuilt, err
		}
		rebuilt++
	}
	s.log.Debug("synthesis complete", "project_id", projectID, "entities", len(keys), "rebuilt", rebuilt)
	return rebuilt, nil
}

// isFresh reports whether the stored view already covers exactly these
// sources and none of them changed since it was written.
func (s *Service) isFresh(ctx context.Context, projectID string, category story.Category, key string, group []story.Element) (bool, error) {
	existing, err := s.store.GetSynthesized(ctx, projectID, string(category), key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ids, chapters := attribution(group)
	if strings.Join(ids, ",") != strings.Join(existing.SourceIDs, ",") ||
		strings.Join(chapters, ",") != strings.Join(existing.ChapterIDs, ",") {
		return false, nil
	}
	for _, e := range group {
		if e.UpdatedAt.After(existing.UpdatedAt) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) synthesizeGroup(ctx context.Context, projectID string, category story.Category, key string, group []story.Element) (*store.Synthesized, error) {
	sort.SliceStable(group, func(i, j int) bool {
		if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		}
		return group[i].ID < group[j].ID
	})
	out := Combine(group)
	out.ProjectID = projectID
	out.Category = string(category)
	out.NameKey = key

	if len(group) > 1 {
		reply, err := s.summarize(ctx, category, group)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			s.log.Warn("synthesis call failed, preserving source descriptions",
				"category", string(category), "name", out.Name, "error", err.Error())
			out.Description = preserved(group)
			out.Degraded = true
		default:
			if reply.Name != "" && story.NormalizeName(reply.Name) == key {
				out.Name = reply.Name
			}
			if d := strings.TrimSpace(reply.Description); d != "" {
				out.Description = d
			} else {
				out.Description = preserved(group)
				out.Degraded = true
			}
			if len(reply.Details) > 0 {
				out.Details = reply.Details
			}
		}
	}

	if err := s.store.UpsertSynthesized(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Combine builds the deterministic part of a view: attribution, flags,
// confidence and, for a single record, its content unchanged. Flagged is true
// if any source is flagged; verified only if every source is.
func Combine(group []story.Element) *store.Synthesized {
	out := &store.Synthesized{IsVerified: len(group) > 0}
	out.SourceIDs, out.ChapterIDs = attribution(group)
	for _, e := range group {
		out.IsFlagged = out.IsFlagged || e.IsFlagged
		out.IsVerified = out.IsVerified && e.IsVerified
		out.Confidence = max(out.Confidence, e.Confidence)
	}
	if len(group) > 0 {
		first := group[0]
		out.Name = first.Name
		out.Description = first.Description
		if len(group) == 1 {
			out.Details = details(first)
		}
	}
	return out
}

func attribution(group []story.Element) ([]string, []string) {
	var ids, chapters []string
	for _, e := range group {
		ids = append(ids, e.ID)
		chapters = append(chapters, e.SourceChapterIDs...)
	}
	return story.UniqueIDs(ids), story.UniqueIDs(chapters)
}

func details(e story.Element) map[string]any {
	d := make(map[string]any)
	if e.Kind != "" {
		d["kind"] = e.Kind
	}
	if e.Evidence != "" {
		d["evidence"] = e.Evidence
	}
	if len(e.Participants) > 0 {
		d["participants"] = e.Participants
	}
	if len(e.Tags) > 0 {
		d["tags"] = e.Tags
	}
	if e.TemporalMarker != "" {
		d["temporal_marker"] = e.TemporalMarker
	}
	if len(d) == 0 {
		return nil
	}
	return d
}

// preserved keeps every distinct source description behind the marker.
func preserved(group []story.Element) string {
	var parts []string
	seen := make(map[string]bool)
	for _, e := range group {
		d := strings.TrimSpace(e.Description)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		parts = append(parts, d)
	}
	return UnavailableMarker + " " + strings.Join(parts, "\n\n")
}

type reply struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details"`
}

func (s *Service) summarize(ctx context.Context, category story.Category, group []story.Element) (reply, error) {
	if s.completer == nil {
		return reply{}, errors.New("no completer configured")
	}
	prompt := synthesisPrompt(category, group)
	var text string
	err := s.sched.Do(ctx, func(ctx context.Context) error {
		out, err := s.completer.Complete(ctx, prompt)
		text = out
		return err
	})
	if err != nil {
		return reply{}, err
	}
	var r reply
	if err := json.Unmarshal([]byte(llm.StripFences(text)), &r); err != nil {
		return reply{}, fmt.Errorf("decode synthesis reply: %w", err)
	}
	return r, nil
}

type sourceView struct {
	Chapters     []string `json:"chapters,omitempty"`
	Name         string   `json:"name"`
	Kind         string   `json:"kind,omitempty"`
	Description  string   `json:"description,omitempty"`
	Evidence     string   `json:"evidence,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	When         string   `json:"temporal_marker,omitempty"`
}

func synthesisPrompt(category story.Category, group []story.Element) string {
	views := make([]sourceView, len(group))
	for i, e := range group {
		views[i] = sourceView{
			Chapters:     e.SourceChapterIDs,
			Name:         e.Name,
			Kind:         e.Kind,
			Description:  e.Description,
			Evidence:     e.Evidence,
			Participants: e.Participants,
			Tags:         e.Tags,
			When:         e.TemporalMarker,
		}
	}
	records, _ := json.MarshalIndent(views, "", "  ")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Several records in a story knowledge base describe the same %s. Combine them into one.\n\n", strings.ReplaceAll(string(category), "_", " "))
	sb.WriteString(instructions[category])
	fmt.Fprintf(&sb, "\n\n<RECORDS>\n%s\n</RECORDS>\n\n", records)
	sb.WriteString(`Do not invent facts that are not in the records. Keep the same name.

Return ONLY a JSON object:
{"name": "...", "description": "...", "details": {"key": "value"}}
`)
	return sb.String()
}
