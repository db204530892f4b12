package chrono

import (
	"regexp"
	"strconv"
	"strings"
)

// MarkerKind classifies a temporal marker.
type MarkerKind string

const (
	MarkerSequence MarkerKind = "sequence"
	MarkerAbsolute MarkerKind = "absolute"
	MarkerRelative MarkerKind = "relative"
	MarkerNone     MarkerKind = "none"
)

// Marker confidences. Explicit sequence references are the most reliable.
const (
	sequenceConfidence = 0.9
	absoluteConfidence = 0.7
	relativeConfidence = 0.4
	noneConfidence     = 0.3
)

// Marker is a parsed temporal marker. For sequence markers Value is the
// sequence number; otherwise it is an offset within a chapter's span.
type Marker struct {
	Kind       MarkerKind `json:"kind"`
	Value      float64    `json:"value"`
	Confidence float64    `json:"confidence"`
}

var (
	sequenceRe = regexp.MustCompile(`\b(chapter|part|book|act|day|week|episode|scene)\s+([0-9]+|[ivxlc]+|[a-z]+)\b`)
	ordinalRe  = regexp.MustCompile(`\b(first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth|eleventh|twelfth)\s+(day|week|night|month|year|chapter)\b`)
	yearRe     = regexp.MustCompile(`\b(1[0-9]{3}|2[0-9]{3})\b`)
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7, "eight": 8,
	"nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14,
	"fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19, "twenty": 20,
}

var ordinals = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5, "sixth": 6,
	"seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10, "eleventh": 11, "twelfth": 12,
}

var months = []string{"january", "february", "march", "april", "may", "june", "july",
	"august", "september", "october", "november", "december"}

// Offsets inside a chapter span of 100.
var timesOfDay = []struct {
	word   string
	offset float64
}{
	{"midnight", 90}, {"dawn", 10}, {"sunrise", 10}, {"morning", 20}, {"noon", 40}, {"midday", 40},
	{"afternoon", 50}, {"dusk", 65}, {"sunset", 65}, {"evening", 70}, {"night", 80},
}

var seasons = map[string]float64{"spring": 15, "summer": 40, "autumn": 65, "fall": 65, "winter": 85}

// Relative phrases, longest first so "years later" wins over "later".
var relatives = []struct {
	phrase string
	offset float64
}{
	{"years ago", -250}, {"years earlier", -250}, {"years later", 250}, {"months later", 150},
	{"long ago", -250}, {"months ago", -150}, {"weeks later", 80}, {"days later", 60},
	{"the next day", 50}, {"the following day", 50}, {"the next morning", 50}, {"the day before", -50},
	{"meanwhile", 0}, {"at the same time", 0}, {"previously", -30}, {"earlier", -20},
	{"before", -10}, {"later", 20}, {"after", 10}, {"then", 5}, {"soon", 10}, {"next", 10},
}

// ParseMarker classifies text. Sequence markers win over absolute ones,
// which win over relative ones.
func ParseMarker(text string) Marker {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return Marker{Kind: MarkerNone, Confidence: noneConfidence}
	}

	if m := sequenceRe.FindStringSubmatch(t); m != nil {
		if n, ok := parseNumber(m[2]); ok {
			return Marker{Kind: MarkerSequence, Value: float64(n), Confidence: sequenceConfidence}
		}
	}
	if m := ordinalRe.FindStringSubmatch(t); m != nil {
		return Marker{Kind: MarkerSequence, Value: float64(ordinals[m[1]]), Confidence: sequenceConfidence}
	}

	if off, ok := absoluteOffset(t); ok {
		return Marker{Kind: MarkerAbsolute, Value: off, Confidence: absoluteConfidence}
	}

	padded := " " + t + " "
	for _, r := range relatives {
		if strings.Contains(padded, " "+r.phrase+" ") || strings.Contains(padded, " "+r.phrase+",") {
			return Marker{Kind: MarkerRelative, Value: r.offset, Confidence: relativeConfidence}
		}
	}
	return Marker{Kind: MarkerNone, Confidence: noneConfidence}
}

func absoluteOffset(t string) (float64, bool) {
	words := strings.FieldsFunc(t, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	has := func(w string) bool {
		for _, x := range words {
			if x == w {
				return true
			}
		}
		return false
	}
	for i, m := range months {
		// "may" is too often a verb to stand alone.
		if m == "may" && !yearRe.MatchString(t) {
			continue
		}
		if has(m) {
			return float64(i+1) * 7, true
		}
	}
	for s, off := range seasons {
		if has(s) {
			return off, true
		}
	}
	for _, tod := range timesOfDay {
		if has(tod.word) {
			return tod.offset, true
		}
	}
	if yearRe.MatchString(t) {
		return 0, true
	}
	return 0, false
}

func parseNumber(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, n > 0
	}
	if n, ok := numberWords[s]; ok {
		return n, true
	}
	if n := romanToInt(s); n > 0 {
		return n, true
	}
	return 0, false
}

func romanToInt(s string) int {
	vals := map[byte]int{'i': 1, 'v': 5, 'x': 10, 'l': 50, 'c': 100}
	total := 0
	for i := 0; i < len(s); i++ {
		v, ok := vals[s[i]]
		if !ok {
			return 0
		}
		if i+1 < len(s) && vals[s[i+1]] > v {
			total -= v
		} else {
			total += v
		}
	}
	return total
}
