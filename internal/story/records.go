package story

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRecord marks an extracted record missing a required field.
var ErrInvalidRecord = errors.New("invalid record")

// Record is one typed extraction result. Each category has its own shape;
// ToElement is the only way a record reaches the store.
type Record interface {
	Category() Category
	Validate() error
	ToElement(projectID string, chapterIDs []string, defaultConfidence float64) Element
}

func invalid(c Category, field string) error {
	return fmt.Errorf("%w: %s missing %s", ErrInvalidRecord, c, field)
}

func confidenceOr(c *float64, def float64) float64 {
	if c == nil {
		return def
	}
	v := *c
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func base(c Category, projectID string, chapterIDs []string, conf float64) Element {
	return Element{
		ProjectID:        projectID,
		Category:         c,
		Confidence:       conf,
		SourceChapterIDs: UniqueIDs(chapterIDs),
	}
}

type CharacterRecord struct {
	Name        string   `json:"name"`
	Role        string   `json:"role,omitempty"`
	Description string   `json:"description,omitempty"`
	Traits      []string `json:"traits,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	Evidence    string   `json:"evidence,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

func (r CharacterRecord) Category() Category { return Characters }

func (r CharacterRecord) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid(Characters, "name")
	}
	return nil
}

func (r CharacterRecord) ToElement(projectID string, chapterIDs []string, def float64) Element {
	e := base(Characters, projectID, chapterIDs, confidenceOr(r.Confidence, def))
	e.Name = strings.TrimSpace(r.Name)
	e.Kind = strings.TrimSpace(r.Role)
	e.Description = r.Description
	e.Evidence = r.Evidence
	e.Tags = UnionStrings(r.Traits, nil)
	e.Participants = UnionStrings(r.Aliases, nil)
	return e
}

type RelationshipRecord struct {
	Character1  string   `json:"character1"`
	Character2  string   `json:"character2"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Strength    float64  `json:"strength,omitempty"`
	Evidence    string   `json:"evidence,omitempty"`
	After       []string `json:"after,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

func (r RelationshipRecord) Category() Category { return Relationships }

func (r RelationshipRecord) Validate() error {
	if strings.TrimSpace(r.Character1) == "" {
		return invalid(Relationships, "character1")
	}
	if strings.TrimSpace(r.Character2) == "" {
		return invalid(Relationships, "character2")
	}
	if strings.TrimSpace(r.Type) == "" {
		return invalid(Relationships, "type")
	}
	return nil
}

func (r RelationshipRecord) ToElement(projectID string, chapterIDs []string, def float64) Element {
	e := base(Relationships, projectID, chapterIDs, confidenceOr(r.Confidence, def))
	a, b := strings.TrimSpace(r.Character1), strings.TrimSpace(r.Character2)
	if NormalizeName(b) < NormalizeName(a) {
		a, b = b, a
	}
	e.Name = a + " & " + b
	e.Participants = []string{a, b}
	e.Kind = strings.TrimSpace(r.Type)
	e.Description = r.Description
	e.Evidence = r.Evidence
	e.Strength = r.Strength
	e.After = r.After
	return e
}

type TimelineEventRecord struct {
	Name           string   `json:"name"`
	Type           string   `json:"type,omitempty"`
	Description    string   `json:"description,omitempty"`
	TemporalMarker string   `json:"temporal_marker,omitempty"`
	Participants   []string `json:"participants,omitempty"`
	After          []string `json:"after,omitempty"`
	Evidence       string   `json:"evidence,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
}

func (r TimelineEventRecord) Category() Category { return TimelineEvents }

func (r TimelineEventRecord) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid(TimelineEvents, "name")
	}
	return nil
}

func (r TimelineEventRecord) ToElement(projectID string, chapterIDs []string, def float64) Element {
	e := base(TimelineEvents, projectID, chapterIDs, confidenceOr(r.Confidence, def))
	e.Name = strings.TrimSpace(r.Name)
	e.Kind = strings.TrimSpace(r.Type)
	e.Description = r.Description
	e.TemporalMarker = r.TemporalMarker
	e.Participants = UnionStrings(r.Participants, nil)
	e.After = r.After
	e.Evidence = r.Evidence
	return e
}

type PlotThreadRecord struct {
	Name        string   `json:"name"`
	Status      string   `json:"status,omitempty"`
	Description string   `json:"description,omitempty"`
	Characters  []string `json:"characters,omitempty"`
	After       []string `json:"after,omitempty"`
	Evidence    string   `json:"evidence,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

func (r PlotThreadRecord) Category() Category { return PlotThreads }

func (r PlotThreadRecord) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid(PlotThreads, "name")
	}
	return nil
}

func (r PlotThreadRecord) ToElement(projectID string, chapterIDs []string, def float64) Element {
	e := base(PlotThreads, projectID, chapterIDs, confidenceOr(r.Confidence, def))
	e.Name = strings.TrimSpace(r.Name)
	e.Kind = strings.TrimSpace(r.Status)
	e.Description = r.Description
	e.Participants = UnionStrings(r.Characters, nil)
	e.After = r.After
	e.Evidence = r.Evidence
	return e
}

type PlotPointRecord struct {
	Name           string   `json:"name"`
	Type           string   `json:"type,omitempty"`
	Description    string   `json:"description,omitempty"`
	TemporalMarker string   `json:"temporal_marker,omitempty"`
	Characters     []string `json:"characters,omitempty"`
	After          []string `json:"after,omitempty"`
	Evidence       string   `json:"evidence,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
}

func (r PlotPointRecord) Category() Category { return PlotPoints }

func (r PlotPointRecord) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid(PlotPoints, "name")
	}
	return nil
}

func (r PlotPointRecord) ToElement(projectID string, chapterIDs []string, def float64) Element {
	e := base(PlotPoints, projectID, chapterIDs, confidenceOr(r.Confidence, def))
	e.Name = strings.TrimSpace(r.Name)
	e.Kind = strings.TrimSpace(r.Type)
	e.Description = r.Description
	e.TemporalMarker = r.TemporalMarker
	e.Participants = UnionStrings(r.Characters, nil)
	e.After = r.After
	e.Evidence = r.Evidence
	return e
}

type ChapterSummaryRecord struct {
	Title          string   `json:"title,omitempty"`
	Summary        string   `json:"summary"`
	KeyEvents      []string `json:"key_events,omitempty"`
	TemporalMarker string   `json:"temporal_marker,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
}

func (r ChapterSummaryRecord) Category() Category { return ChapterSummaries }

func (r ChapterSummaryRecord) Validate() error {
	if strings.TrimSpace(r.Summary) == "" {
		return invalid(ChapterSummaries, "summary")
	}
	return nil
}

func (r ChapterSummaryRecord) ToElement(projectID string, chapterIDs []string, def float64) Element {
	e := base(ChapterSummaries, projectID, chapterIDs, confidenceOr(r.Confidence, def))
	e.Name = strings.TrimSpace(r.Title)
	if e.Name == "" {
		e.Name = "Summary of " + strings.Join(e.SourceChapterIDs, ", ")
	}
	e.Description = r.Summary
	e.Tags = UnionStrings(r.KeyEvents, nil)
	e.TemporalMarker = r.TemporalMarker
	return e
}

type WorldElementRecord struct {
	Name         string   `json:"name"`
	Type         string   `json:"type,omitempty"`
	Description  string   `json:"description,omitempty"`
	Significance string   `json:"significance,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
}

func (r WorldElementRecord) Category() Category { return WorldBuilding }

func (r WorldElementRecord) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid(WorldBuilding, "name")
	}
	return nil
}

func (r WorldElementRecord) ToElement(projectID string, chapterIDs []string, def float64) Element {
	e := base(WorldBuilding, projectID, chapterIDs, confidenceOr(r.Confidence, def))
	e.Name = strings.TrimSpace(r.Name)
	e.Kind = strings.TrimSpace(r.Type)
	e.Description = r.Description
	e.Evidence = r.Significance
	return e
}

type ThemeRecord struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Evidence    string   `json:"evidence,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

func (r ThemeRecord) Category() Category { return Themes }

func (r ThemeRecord) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid(Themes, "name")
	}
	return nil
}

func (r ThemeRecord) ToElement(projectID string, chapterIDs []string, def float64) Element {
	e := base(Themes, projectID, chapterIDs, confidenceOr(r.Confidence, def))
	e.Name = strings.TrimSpace(r.Name)
	e.Description = r.Description
	e.Evidence = r.Evidence
	return e
}
