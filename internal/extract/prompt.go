package extract

import (
	"fmt"
	"strings"

	"github.com/Napageneral/lorekeeper/internal/story"
)

// KnownElement is one line of existing-knowledge context.
type KnownElement struct {
	Category    story.Category
	Name        string
	Kind        string
	Description string
}

// schemas shows the model one example object per category.
var schemas = map[story.Category]string{
	story.Characters: `{"name": "Full Name", "role": "protagonist|antagonist|supporting|minor", "description": "...",
  "traits": ["..."], "aliases": ["..."], "evidence": "short quote", "confidence": 0.8}`,
	story.Relationships: `{"character1": "Name", "character2": "Name", "type": "friend|rival|family|romantic|mentor|ally|enemy|...",
  "description": "...", "strength": 0.7, "evidence": "short quote", "after": ["name of an earlier event"], "confidence": 0.8}`,
	story.TimelineEvents: `{"name": "Event name", "type": "battle|meeting|journey|...", "description": "...",
  "temporal_marker": "e.g. 'three days later', 'chapter 4', 'spring 1821'", "participants": ["Name"],
  "after": ["name of an event this must follow"], "evidence": "short quote", "confidence": 0.8}`,
	story.PlotThreads: `{"name": "Thread name", "status": "open|developing|resolved", "description": "...",
  "characters": ["Name"], "after": ["..."], "evidence": "...", "confidence": 0.8}`,
	story.PlotPoints: `{"name": "Plot point", "type": "inciting_incident|turning_point|climax|resolution|...", "description": "...",
  "temporal_marker": "...", "characters": ["Name"], "after": ["..."], "evidence": "...", "confidence": 0.8}`,
	story.ChapterSummaries: `{"title": "Chapter title", "summary": "3-5 sentences", "key_events": ["..."], "temporal_marker": "...", "confidence": 0.8}`,
	story.WorldBuilding: `{"name": "Place, object, institution or rule", "type": "location|organization|artifact|magic|culture|...",
  "description": "...", "significance": "...", "confidence": 0.8}`,
	story.Themes: `{"name": "Theme", "description": "...", "evidence": "...", "confidence": 0.8}`,
}

type promptInput struct {
	Title      string
	Text       string
	Categories []story.Category
	Known      []KnownElement
	Aggregate  bool
}

func buildPrompt(in promptInput) string {
	var sb strings.Builder

	sb.WriteString("You are a careful literary analyst building a knowledge base for a novel.\n")
	if in.Aggregate {
		sb.WriteString("The text below is the combined manuscript. Extract elements that only emerge across chapters.\n\n")
	} else {
		sb.WriteString("Extract narrative elements from the chapter text below.\n\n")
	}

	if len(in.Known) > 0 {
		sb.WriteString("<EXISTING_KNOWLEDGE>\n")
		sb.WriteString("These elements are already recorded. Reuse their exact names when they appear; do not invent conflicting names.\n")
		for _, k := range in.Known {
			line := fmt.Sprintf("- [%s] %s", k.Category, k.Name)
			if k.Kind != "" {
				line += " (" + k.Kind + ")"
			}
			if d := truncate(k.Description, 160); d != "" {
				line += ": " + d
			}
			sb.WriteString(line + "\n")
		}
		sb.WriteString("</EXISTING_KNOWLEDGE>\n\n")
	}

	sb.WriteString("<TEXT")
	if in.Title != "" {
		fmt.Fprintf(&sb, " title=%q", in.Title)
	}
	sb.WriteString(">\n")
	sb.WriteString(in.Text)
	sb.WriteString("\n</TEXT>\n\n")

	sb.WriteString(`## Instructions

- Only extract what the text supports. Quote short evidence where you can.
- Use full names. Resolve pronouns when the referent is clear.
- "confidence" is your certainty between 0 and 1.
- "after" lists names of elements that must happen before this one, if the text says so.
- Return an empty array for a category with nothing to report.

## Output Schema

Return ONLY a JSON object with exactly these keys:
{
`)
	for i, c := range in.Categories {
		fmt.Fprintf(&sb, "  %q: [%s]", string(c), schemas[c])
		if i < len(in.Categories)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\n")
	return sb.String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
