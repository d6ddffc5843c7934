package group

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// honorifics are stripped iteratively from person literals before
// comparison, since titles compound ("M. le Docteur Dubois").
var honorifics = map[string]struct{}{
	"m.": {}, "m": {}, "mme": {}, "mlle": {}, "dr": {}, "dr.": {},
	"pr": {}, "pr.": {}, "docteur": {}, "professeur": {}, "maitre": {},
	"maître": {}, "le": {}, "la": {}, "mr": {}, "mr.": {}, "mrs": {},
	"ms": {}, "miss": {}, "sir": {}, "madame": {}, "monsieur": {},
}

// prepositions is the one canonical list used both for LOCATION grouping
// and for component normalization. Keep the two in sync by keeping one.
var prepositions = map[string]struct{}{
	"à": {}, "a": {}, "au": {}, "aux": {}, "de": {}, "du": {}, "des": {},
	"en": {}, "le": {}, "la": {}, "les": {}, "l'": {},
	"to": {}, "at": {}, "in": {}, "of": {}, "the": {}, "from": {},
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases, collapses whitespace, and removes diacritics so
// "Müller"/"Muller" and "É"/"E" compare equal. It is the normalization
// used both for grouping keys and for component-mapping keys.
func Fold(s string) string { return fold(s) }

func fold(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// StripTitles removes leading honorifics from a person literal,
// iterating because titles stack. Returns the literal unchanged when
// stripping would consume it entirely.
func StripTitles(literal string) string {
	words := strings.Fields(literal)
	i := 0
	for i < len(words) {
		if _, ok := honorifics[fold(words[i])]; !ok {
			break
		}
		i++
	}
	if i == len(words) {
		return literal
	}
	return strings.Join(words[i:], " ")
}

// StripPrepositions removes leading prepositions/articles from a
// location literal ("à Paris" → "Paris").
func StripPrepositions(literal string) string {
	words := strings.Fields(literal)
	i := 0
	for i < len(words) {
		w := fold(words[i])
		if _, ok := prepositions[w]; !ok {
			// "l'Argentine" style elision
			if !strings.HasPrefix(w, "l'") {
				break
			}
			words[i] = words[i][len("l'"):]
			break
		}
		i++
	}
	if i == len(words) {
		return literal
	}
	return strings.Join(words[i:], " ")
}

// SplitName decomposes a person literal (titles already stripped) into
// first and last components. Single tokens are treated as a bare
// surname; middle tokens attach to the last name.
func SplitName(literal string) (first, last string) {
	words := strings.Fields(literal)
	switch len(words) {
	case 0:
		return "", ""
	case 1:
		return "", words[0]
	default:
		return words[0], strings.Join(words[1:], " ")
	}
}
