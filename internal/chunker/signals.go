package chunker

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Marker tiers carry fixed weights; a sentence's marker score is the sum of
// its matches capped at the configured maximum.
const (
	weightStrong = 8
	weightMedium = 4
	weightWeak   = 1.5

	entityShiftWeight = 3.0
	dialogueWeight    = 1.5
)

type lexicon struct {
	name string
	// leading markers count only at the start of a sentence.
	leading bool
	strong  []string
	medium  []string
	weak    []string
}

var lexicons = []lexicon{
	{
		name:    "temporal",
		leading: true,
		strong: []string{"meanwhile", "years later", "months later", "weeks later", "days later",
			"hours later", "the next morning", "the next day", "the following day", "later that night",
			"long ago", "years ago", "the morning after"},
		medium: []string{"later", "afterward", "afterwards", "that night", "that evening", "by dawn",
			"at dawn", "at dusk", "the next", "earlier", "before dawn", "by nightfall"},
		weak: []string{"then", "soon", "now", "after", "before", "once", "finally"},
	},
	{
		name:    "causal",
		leading: true,
		strong:  []string{"as a result", "consequently", "because of this", "in the aftermath"},
		medium:  []string{"therefore", "thus", "hence", "so it was"},
		weak:    []string{"because", "since", "so"},
	},
	{
		name:    "contrast",
		leading: true,
		strong:  []string{"on the other hand", "nevertheless", "nonetheless"},
		medium:  []string{"however", "instead", "even so", "in contrast"},
		weak:    []string{"but", "yet", "although", "still"},
	},
	{
		name:    "narrative",
		leading: true,
		strong:  []string{"chapter", "part", "***", "* * *", "###", "prologue", "epilogue"},
		medium:  []string{"elsewhere", "back at", "across town", "far away", "at the same time", "in another part"},
		weak:    []string{"suddenly", "at last", "without warning"},
	},
	{
		name:    "dialogue",
		leading: false,
		medium:  []string{"said", "asked", "replied", "whispered", "shouted", "answered"},
		weak:    []string{"murmured", "muttered", "called", "cried"},
	},
}

// Capitalized words that rarely name anything.
var commonCapitals = map[string]bool{
	"the": true, "a": true, "an": true, "he": true, "she": true, "it": true, "they": true,
	"we": true, "i": true, "you": true, "his": true, "her": true, "their": true, "our": true,
	"my": true, "your": true, "its": true, "this": true, "that": true, "these": true,
	"those": true, "there": true, "here": true, "and": true, "or": true, "if": true,
	"when": true, "while": true, "where": true, "what": true, "who": true, "why": true,
	"how": true, "in": true, "on": true, "at": true, "of": true, "for": true, "with": true,
	"to": true, "from": true, "by": true, "as": true, "no": true, "yes": true, "not": true,
	"one": true, "all": true, "some": true, "every": true, "each": true, "both": true,
	"oh": true, "ah": true, "well": true, "perhaps": true, "maybe": true, "only": true,
	"even": true, "just": true, "do": true, "did": true, "is": true, "was": true, "are": true,
	"were": true, "have": true, "had": true, "let": true, "come": true, "go": true,
	"look": true, "please": true, "thank": true, "thanks": true, "sir": true, "madam": true,
}

func init() {
	for _, lx := range lexicons {
		for _, tier := range [][]string{lx.strong, lx.medium, lx.weak} {
			for _, phrase := range tier {
				for _, w := range strings.Fields(phrase) {
					commonCapitals[w] = true
				}
			}
		}
	}
}

// markerScore matches the lexicons against one sentence and returns the
// capped score plus "category:phrase" labels for every match.
func markerScore(sentence string, maxWeight float64) (float64, []string) {
	words := wordList(sentence)
	if len(words) == 0 {
		return 0, nil
	}
	joined := " " + strings.Join(words, " ") + " "
	lead := " " + strings.Join(words[:min(len(words), 6)], " ") + " "

	var score float64
	var labels []string
	for _, lx := range lexicons {
		matched := false
		for _, tier := range []struct {
			phrases []string
			weight  float64
		}{{lx.strong, weightStrong}, {lx.medium, weightMedium}, {lx.weak, weightWeak}} {
			for _, p := range tier.phrases {
				needle := " " + p + " "
				hay := joined
				if lx.leading {
					if !strings.HasPrefix(lead, needle) {
						continue
					}
					hay = lead
				}
				if strings.Contains(hay, needle) {
					score += tier.weight
					labels = append(labels, lx.name+":"+p)
					matched = true
					break
				}
			}
			// One match per lexicon, strongest tier first.
			if matched {
				break
			}
		}
	}
	if score > maxWeight {
		score = maxWeight
	}
	return score, labels
}

// wordList lower-cases and splits on anything that is not a letter, digit
// or scene-break glyph.
func wordList(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '*' && r != '#' && r != '\''
	})
}

// namedEntities returns capitalized words that are not common sentence
// starters, in first-seen order.
func namedEntities(sentence string) []string {
	words := strings.FieldsFunc(sentence, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\'' && r != '-'
	})
	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		w = strings.Trim(w, "'-")
		w = strings.TrimSuffix(w, "'s")
		if w == "" {
			continue
		}
		r, _ := utf8.DecodeRuneInString(w)
		if !unicode.IsUpper(r) || commonCapitals[strings.ToLower(w)] {
			continue
		}
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// entityShift scores how many of cur's entities are new relative to prev.
func entityShift(prev, cur []string) float64 {
	if len(cur) == 0 {
		return 0
	}
	known := make(map[string]bool, len(prev))
	for _, e := range prev {
		known[e] = true
	}
	fresh := 0
	for _, e := range cur {
		if !known[e] {
			fresh++
		}
	}
	if fresh == 0 {
		return 0
	}
	if len(prev) == 0 {
		return entityShiftWeight / 2
	}
	return entityShiftWeight * float64(fresh) / float64(len(cur))
}

func hasDialogue(sentence string) bool {
	return strings.ContainsAny(sentence, "\"“”")
}

func dialogueShift(prev, cur bool) float64 {
	if prev != cur {
		return dialogueWeight
	}
	return 0
}

func unionSorted(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, s := range l {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}
