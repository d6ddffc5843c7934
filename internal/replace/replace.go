// Package replace rewrites a document by substituting pseudonyms for
// detected spans in one deterministic pass over the immutable source
// text, so no substitution ever shifts the offsets of another.
package replace

import (
	"fmt"
	"sort"
	"strings"
)

// Replacement substitutes text[Start:End) with Text.
type Replacement struct {
	Start int
	End   int
	Text  string
}

// Apply performs all replacements in a single pass against the original
// offsets. Overlapping replacements are resolved deterministically: the
// earlier-starting (and on ties, longer) span wins, the loser is
// skipped and reported. Offsets out of range are an error, never a
// silent truncation.
func Apply(text string, repls []Replacement) (string, []Replacement, error) {
	ordered := make([]Replacement, len(repls))
	copy(ordered, repls)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Start != ordered[j].Start {
			return ordered[i].Start < ordered[j].Start
		}
		return ordered[i].End > ordered[j].End
	})

	// Forward scan picks winners; the rebuild below never re-reads
	// already-written output, so offsets stay anchored to the source.
	var kept, skipped []Replacement
	lastEnd := 0
	for _, r := range ordered {
		if r.Start < 0 || r.End > len(text) || r.Start >= r.End {
			return "", nil, fmt.Errorf("replacement [%d,%d) out of range for %d-byte text",
				r.Start, r.End, len(text))
		}
		if r.Start < lastEnd {
			skipped = append(skipped, r)
			continue
		}
		kept = append(kept, r)
		lastEnd = r.End
	}

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, r := range kept {
		b.WriteString(text[pos:r.Start])
		b.WriteString(r.Text)
		pos = r.End
	}
	b.WriteString(text[pos:])
	return b.String(), skipped, nil
}
