package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Napageneral/lorekeeper/internal/llm"
	"github.com/Napageneral/lorekeeper/internal/logger"
	"github.com/Napageneral/lorekeeper/internal/ratelimit"
	"github.com/Napageneral/lorekeeper/internal/story"
)

// Action is the arbiter's verdict on a candidate.
type Action string

const (
	ActionMerge        Action = "merge"
	ActionDiscard      Action = "discard"
	ActionKeepDistinct Action = "keep_distinct"
)

// MergedPayload is the arbiter's proposed content for a merge. Empty fields
// leave the existing element's value in place.
type MergedPayload struct {
	Description string   `json:"description,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// MergeDecision is ephemeral; only its effect is persisted.
type MergeDecision struct {
	Action Action         `json:"action"`
	Reason string         `json:"reason"`
	Merged *MergedPayload `json:"merged,omitempty"`
}

// Arbiter decides what to do with a candidate that resembles an existing element.
type Arbiter interface {
	Decide(ctx context.Context, existing, candidate story.Element, similarity float64) (MergeDecision, error)
}

// ArbiterFunc adapts a function to Arbiter.
type ArbiterFunc func(ctx context.Context, existing, candidate story.Element, similarity float64) (MergeDecision, error)

func (f ArbiterFunc) Decide(ctx context.Context, existing, candidate story.Element, similarity float64) (MergeDecision, error) {
	return f(ctx, existing, candidate, similarity)
}

// LLMArbiter asks the completion capability for a decision.
type LLMArbiter struct {
	completer llm.Completer
	sched     *ratelimit.Scheduler
	log       *logger.Logger
}

// NewLLMArbiter creates an arbiter. sched may be nil.
func NewLLMArbiter(completer llm.Completer, sched *ratelimit.Scheduler, log *logger.Logger) *LLMArbiter {
	if sched == nil {
		sched = ratelimit.NewScheduler(0, nil)
	}
	return &LLMArbiter{completer: completer, sched: sched, log: logger.OrNop(log)}
}

// Decide returns keep_distinct for any reply it cannot read.
func (a *LLMArbiter) Decide(ctx context.Context, existing, candidate story.Element, similarity float64) (MergeDecision, error) {
	prompt := arbiterPrompt(existing, candidate, similarity)
	var reply string
	err := a.sched.Do(ctx, func(ctx context.Context) error {
		out, err := a.completer.Complete(ctx, prompt)
		reply = out
		return err
	})
	if err != nil {
		return MergeDecision{}, fmt.Errorf("arbitrate %s: %w", existing.ID, err)
	}
	return parseDecision(reply), nil
}

func parseDecision(reply string) MergeDecision {
	var d MergeDecision
	if err := json.Unmarshal([]byte(llm.StripFences(reply)), &d); err != nil {
		return MergeDecision{Action: ActionKeepDistinct, Reason: "unreadable arbiter reply"}
	}
	d.Action = Action(strings.ToLower(strings.TrimSpace(string(d.Action))))
	switch d.Action {
	case ActionMerge, ActionDiscard, ActionKeepDistinct:
	default:
		d.Action = ActionKeepDistinct
		if d.Reason == "" {
			d.Reason = "unknown arbiter action"
		}
	}
	return d
}

type arbiterView struct {
	Category     story.Category `json:"category"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind,omitempty"`
	Description  string         `json:"description,omitempty"`
	Evidence     string         `json:"evidence,omitempty"`
	Participants []string       `json:"participants,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
}

func view(e story.Element) arbiterView {
	return arbiterView{
		Category:     e.Category,
		Name:         e.Name,
		Kind:         e.Kind,
		Description:  e.Description,
		Evidence:     e.Evidence,
		Participants: e.Participants,
		Tags:         e.Tags,
	}
}

func arbiterPrompt(existing, candidate story.Element, similarity float64) string {
	ex, _ := json.MarshalIndent(view(existing), "", "  ")
	cand, _ := json.MarshalIndent(view(candidate), "", "  ")

	var sb strings.Builder
	sb.WriteString("You maintain a story knowledge base. Decide whether a newly extracted item duplicates a recorded one.\n\n")
	fmt.Fprintf(&sb, "<EXISTING>\n%s\n</EXISTING>\n\n<CANDIDATE>\n%s\n</CANDIDATE>\n\n", ex, cand)
	fmt.Fprintf(&sb, "Embedding similarity: %.3f\n\n", similarity)
	sb.WriteString(`## Rules

- "merge" when both describe the same thing and their types are compatible synonyms (e.g. "friend" and "ally").
  Provide the merged description, keeping every fact from both.
- "discard" only when the candidate adds no information at all.
- "keep_distinct" when they are different things, or when you are unsure.

## Output Schema

Return ONLY a JSON object:
{"action": "merge|discard|keep_distinct", "reason": "one sentence", "merged": {"description": "...", "kind": "...", "tags": ["..."]}}
`)
	return sb.String()
}
