package story

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds a label to its comparison form: NFKC, case-folded,
// punctuation and symbols dropped, whitespace collapsed.
func NormalizeName(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RelationshipPair returns the two participants normalized and sorted, so
// "A-B" and "B-A" share one identity.
func RelationshipPair(e Element) (string, string) {
	var a, b string
	if len(e.Participants) > 0 {
		a = NormalizeName(e.Participants[0])
	}
	if len(e.Participants) > 1 {
		b = NormalizeName(e.Participants[1])
	}
	if b < a {
		a, b = b, a
	}
	return a, b
}

// ExactKey is the structural identity used by the exact-duplicate check.
// Two elements of the same category with equal keys are the same fact.
func ExactKey(e Element) string {
	name := NormalizeName(e.Name)
	kind := NormalizeName(e.Kind)
	switch e.Category {
	case Relationships:
		a, b := RelationshipPair(e)
		return string(e.Category) + "|" + a + "|" + b + "|" + kind
	case TimelineEvents, PlotPoints, WorldBuilding:
		return string(e.Category) + "|" + name + "|" + kind
	case ChapterSummaries:
		return string(e.Category) + "|" + e.FirstChapter()
	default:
		return string(e.Category) + "|" + name
	}
}

// CanonicalText renders the fields that carry meaning for semantic matching.
// Relationship participants are sorted so direction does not change the text.
func CanonicalText(e Element) string {
	var parts []string
	switch e.Category {
	case Relationships:
		a, b := RelationshipPair(e)
		parts = append(parts, a+" and "+b)
		if e.Kind != "" {
			parts = append(parts, e.Kind)
		}
	default:
		parts = append(parts, e.Name)
		if e.Kind != "" {
			parts = append(parts, "("+e.Kind+")")
		}
		if len(e.Participants) > 0 && e.Category != Characters {
			ps := append([]string(nil), e.Participants...)
			sort.Strings(ps)
			parts = append(parts, "involving "+strings.Join(ps, ", "))
		}
	}
	text := strings.Join(parts, " ")
	if e.Description != "" {
		text += ": " + e.Description
	}
	return string(e.Category) + " " + text
}
