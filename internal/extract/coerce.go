package extract

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Napageneral/lorekeeper/internal/llm"
	"github.com/Napageneral/lorekeeper/internal/story"
)

// Payload is a completion reply after coercion: typed records per category
// plus the items that could not be used. Categories the reply omitted or
// mangled are simply absent.
type Payload struct {
	Records  map[story.Category][]story.Record
	Rejected []Rejection
}

// Rejection describes one dropped item.
type Rejection struct {
	Category story.Category `json:"category"`
	Index    int            `json:"index"`
	Reason   string         `json:"reason"`
}

// Count returns the number of usable records.
func (p Payload) Count() int {
	n := 0
	for _, rs := range p.Records {
		n += len(rs)
	}
	return n
}

type decodeFunc func(json.RawMessage) (story.Record, error)

func decodeAs[T story.Record](raw json.RawMessage) (story.Record, error) {
	var r T
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return r, nil
}

var decoders = map[story.Category]decodeFunc{
	story.Characters:       decodeAs[story.CharacterRecord],
	story.Relationships:    decodeAs[story.RelationshipRecord],
	story.TimelineEvents:   decodeAs[story.TimelineEventRecord],
	story.PlotThreads:      decodeAs[story.PlotThreadRecord],
	story.PlotPoints:       decodeAs[story.PlotPointRecord],
	story.ChapterSummaries: decodeAs[story.ChapterSummaryRecord],
	story.WorldBuilding:    decodeAs[story.WorldElementRecord],
	story.Themes:           decodeAs[story.ThemeRecord],
}

// Coerce parses a completion reply. It never fails: text that is not a JSON
// object yields an empty payload, a category whose value is not an array is
// skipped, and each array item is decoded and validated on its own so one
// bad item never drops its siblings.
func Coerce(text string) Payload {
	p := Payload{Records: make(map[story.Category][]story.Record)}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(llm.StripFences(text)), &top); err != nil {
		return p
	}

	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		cat, err := story.ParseCategory(key)
		if err != nil {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(top[key], &items); err != nil {
			continue
		}
		decode := decoders[cat]
		for i, raw := range items {
			rec, err := decode(raw)
			if err != nil {
				p.Rejected = append(p.Rejected, Rejection{Category: cat, Index: i, Reason: fmt.Sprintf("decode: %v", err)})
				continue
			}
			if err := rec.Validate(); err != nil {
				p.Rejected = append(p.Rejected, Rejection{Category: cat, Index: i, Reason: err.Error()})
				continue
			}
			p.Records[cat] = append(p.Records[cat], rec)
		}
	}
	return p
}
