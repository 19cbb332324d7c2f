package search

import "strings"

// stopWords are excluded from indexing and query tokenization entirely —
// they carry no discriminative weight for a few-hundred-tool catalog.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "into": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "to": {}, "with": {},
}

// tokenize lowercases, splits camelCase and separators (`_`, `-`, and any
// other non-alphanumeric rune) into words, then drops single-character
// tokens and stop words.
func tokenize(text string) []string {
	words := splitWords(text)
	var out []string
	for _, w := range words {
		w = strings.ToLower(w)
		if len(w) <= 1 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

// splitWords breaks text on non-alphanumeric separators and on camelCase
// boundaries (a lowercase-or-digit rune followed by an uppercase rune).
func splitWords(text string) []string {
	var words []string
	var current strings.Builder
	runes := []rune(text)

	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}

	for i, r := range runes {
		switch {
		case !isAlphanumeric(r):
			flush()
		case i > 0 && isCamelBoundary(runes[i-1], r):
			flush()
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return words
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isCamelBoundary(prev, cur rune) bool {
	prevLowerOrDigit := (prev >= 'a' && prev <= 'z') || (prev >= '0' && prev <= '9')
	curUpper := cur >= 'A' && cur <= 'Z'
	return prevLowerOrDigit && curUpper
}
