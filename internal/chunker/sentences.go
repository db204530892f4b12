package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sentence is a span of the source text. Start and End are byte offsets.
type Sentence struct {
	Text  string
	Start int
	End   int
}

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "st": true, "prof": true,
	"sr": true, "jr": true, "mt": true, "vs": true, "etc": true, "lt": true,
	"capt": true, "col": true, "gen": true, "sgt": true, "rev": true,
}

// SplitSentences breaks text on terminal punctuation followed by whitespace.
// Punctuation inside quotes does not end a sentence; a closing quote after
// terminal punctuation ends one only when the next word is capitalized.
// Paragraph breaks always end a sentence and reset quote state.
func SplitSentences(text string) []Sentence {
	var out []Sentence
	start := -1
	quoted := false

	emit := func(end int) {
		if start < 0 {
			return
		}
		seg := strings.TrimRightFunc(text[start:end], unicode.IsSpace)
		if strings.TrimSpace(seg) != "" {
			out = append(out, Sentence{Text: seg, Start: start, End: start + len(seg)})
		}
		start = -1
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		next := i + size
		if start < 0 {
			if unicode.IsSpace(r) {
				i = next
				continue
			}
			start = i
		}

		switch {
		case r == '\n' && paragraphBreak(text, next):
			emit(i)
			quoted = false
		case r == '"':
			quoted = !quoted
			if !quoted && closesSentence(text, i, next) {
				emit(next)
			}
		case r == '“':
			quoted = true
		case r == '”':
			quoted = false
			if closesSentence(text, i, next) {
				emit(next)
			}
		case isTerminal(r) && !quoted:
			j := next
			for j < len(text) {
				r2, s2 := utf8.DecodeRuneInString(text[j:])
				if !isTerminal(r2) {
					break
				}
				j += s2
			}
			if j >= len(text) || spaceAt(text, j) {
				if r == '.' && j == next && isAbbreviation(text[start:i]) {
					break
				}
				emit(j)
			}
			next = j
		}
		i = next
	}
	emit(len(text))
	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func spaceAt(text string, i int) bool {
	r, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsSpace(r)
}

// paragraphBreak reports whether only horizontal space separates i from another newline.
func paragraphBreak(text string, i int) bool {
	for i < len(text) {
		switch text[i] {
		case ' ', '\t', '\r':
			i++
		case '\n':
			return true
		default:
			return false
		}
	}
	return false
}

// closesSentence decides whether a closing quote at [q, next) ends the sentence:
// terminal punctuation right before it, then whitespace, then a capitalized
// word, an opening quote, or the end of text.
func closesSentence(text string, q, next int) bool {
	prev, _ := utf8.DecodeLastRuneInString(text[:q])
	if !isTerminal(prev) {
		return false
	}
	if next >= len(text) {
		return true
	}
	if !spaceAt(text, next) {
		return false
	}
	rest := strings.TrimLeftFunc(text[next:], unicode.IsSpace)
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsUpper(r) || r == '"' || r == '“'
}

func isAbbreviation(prefix string) bool {
	fields := strings.Fields(prefix)
	if len(fields) == 0 {
		return false
	}
	word := strings.TrimLeftFunc(fields[len(fields)-1], func(r rune) bool { return !unicode.IsLetter(r) })
	if utf8.RuneCountInString(word) == 1 {
		r, _ := utf8.DecodeRuneInString(word)
		return unicode.IsUpper(r)
	}
	return abbreviations[strings.ToLower(word)]
}
