// Package group clusters detected spans into canonical entities: one
// equivalence class per real-world referent, built with a disjoint-set
// forest keyed by (normalized literal, category).
package group

import (
	"fmt"
	"sort"
	"strings"

	"github.com/veil-ai/veil/internal/entity"
)

// ErrPartition reports a grouping defect: an input span was lost or
// duplicated across classes. This is an internal invariant violation,
// never user error.
var ErrPartition = fmt.Errorf("grouping partition invariant violated")

// Known is a literal already present in the store, fed back into
// grouping so new variants join existing records.
type Known struct {
	Literal  string
	Category entity.Category
}

// Grouper clusters spans per category.
type Grouper struct{}

func New() *Grouper { return &Grouper{} }

// Group partitions spans into canonical entities. Every input span lands
// in exactly one class.
func (g *Grouper) Group(spans []entity.Span) ([]entity.Canonical, error) {
	return g.GroupWithKnown(spans, nil)
}

// GroupWithKnown additionally unions spans against literals already in
// the store: a class that captures a known literal carries it in
// KnownLiteral so assignment reuses the existing record.
func (g *Grouper) GroupWithKnown(spans []entity.Span, known []Known) ([]entity.Canonical, error) {
	var out []entity.Canonical
	for _, cat := range entity.Categories {
		var catSpans []entity.Span
		for _, s := range spans {
			if s.Category == cat {
				catSpans = append(catSpans, s)
			}
		}
		var catKnown []string
		for _, k := range known {
			if k.Category == cat {
				catKnown = append(catKnown, k.Literal)
			}
		}
		groups, err := groupCategory(catSpans, catKnown, cat)
		if err != nil {
			return nil, err
		}
		out = append(out, groups...)
	}

	if err := checkPartition(spans, out); err != nil {
		return nil, err
	}
	return out, nil
}

// normKey normalizes a literal for equivalence comparison within a
// category.
func normKey(literal string, cat entity.Category) string {
	switch cat {
	case entity.Person:
		return fold(StripTitles(literal))
	case entity.Location:
		return fold(StripPrepositions(literal))
	default:
		return fold(literal)
	}
}

type member struct {
	key     string
	literal string
	known   bool
}

func groupCategory(spans []entity.Span, known []string, cat entity.Category) ([]entity.Canonical, error) {
	if len(spans) == 0 {
		return nil, nil
	}

	// One set per distinct normalized literal; known literals join the
	// forest as extra nodes.
	keyIdx := map[string]int{}
	var members []member
	addKey := func(literal string, isKnown bool) int {
		key := normKey(literal, cat)
		if key == "" {
			key = fold(literal)
		}
		if idx, ok := keyIdx[key]; ok {
			return idx
		}
		idx := len(members)
		keyIdx[key] = idx
		members = append(members, member{key: key, literal: literal, known: isKnown})
		return idx
	}

	spanIdx := make([]int, len(spans))
	for i, s := range spans {
		spanIdx[i] = addKey(s.Text, false)
	}
	knownIdx := make([]int, len(known))
	for i, lit := range known {
		idx := addKey(lit, false)
		members[idx].known = true
		knownIdx[i] = idx
	}

	// Singleton fast path: nothing to union.
	d := newDSU(len(members))
	ambiguous := map[int]string{}
	if len(members) > 1 && cat == entity.Person {
		unionPersons(d, members, ambiguous)
	}

	// Materialize classes, dropping classes that contain only known
	// literals (they exist in the store, not in this document).
	classes := map[int]*entity.Canonical{}
	classKnown := map[int][]string{}
	for i, s := range spans {
		root := d.find(spanIdx[i])
		c, ok := classes[root]
		if !ok {
			c = &entity.Canonical{Category: cat}
			classes[root] = c
		}
		c.Members = append(c.Members, s)
	}
	for root, c := range classes {
		if reason, ok := ambiguous[root]; ok {
			c.Ambiguous = true
			c.AmbiguityReason = reason
		}
	}
	for i, idx := range knownIdx {
		root := d.find(idx)
		if _, ok := classes[root]; ok {
			classKnown[root] = append(classKnown[root], known[i])
		}
	}

	var out []entity.Canonical
	roots := make([]int, 0, len(classes))
	for root := range classes {
		roots = append(roots, root)
	}
	sort.Ints(roots)
	for _, root := range roots {
		c := classes[root]
		finalize(c)
		if kls := classKnown[root]; len(kls) > 0 {
			// Prefer the longest known literal, the most specific record.
			sort.Slice(kls, func(i, j int) bool {
				if len(kls[i]) != len(kls[j]) {
					return len(kls[i]) > len(kls[j])
				}
				return kls[i] < kls[j]
			})
			c.KnownLiteral = kls[0]
		}
		out = append(out, *c)
	}
	return out, nil
}

// unionPersons applies the person equivalence predicate: a bare surname
// joins a full name sharing that surname, unless several full names with
// different first names share it, in which case the surname stays alone
// and is flagged for human disambiguation.
func unionPersons(d *dsu, members []member, ambiguous map[int]string) {
	type fullName struct {
		idx     int
		first   string
		surname string
	}
	var fulls []fullName
	var bares []int

	for i, m := range members {
		words := strings.Fields(m.key)
		switch len(words) {
		case 0:
			continue
		case 1:
			bares = append(bares, i)
		default:
			fulls = append(fulls, fullName{
				idx:     i,
				first:   words[0],
				surname: words[len(words)-1],
			})
		}
	}

	for _, bare := range bares {
		surname := members[bare].key
		firsts := map[string]struct{}{}
		var matches []int
		for _, f := range fulls {
			if f.surname == surname {
				firsts[f.first] = struct{}{}
				matches = append(matches, f.idx)
			}
		}
		switch {
		case len(matches) == 0:
			// Surname with no full-name sighting stays its own entity.
		case len(firsts) == 1:
			for _, idx := range matches {
				d.union(bare, idx)
			}
		default:
			ambiguous[d.find(bare)] = fmt.Sprintf(
				"surname shared by %d distinct full names", len(firsts))
		}
	}

	// Identical surnames with identical first names are the same person
	// even when middle parts differ in folding only (same key, already
	// one set). Different keys with same first+surname: union.
	for i := 0; i < len(fulls); i++ {
		for j := i + 1; j < len(fulls); j++ {
			if fulls[i].first == fulls[j].first && fulls[i].surname == fulls[j].surname {
				d.union(fulls[i].idx, fulls[j].idx)
			}
		}
	}
}

// finalize picks the representative (longest, most specific literal) and
// collects distinct forms.
func finalize(c *entity.Canonical) {
	seen := map[string]struct{}{}
	best := -1
	for i, m := range c.Members {
		if _, ok := seen[m.Text]; !ok {
			seen[m.Text] = struct{}{}
			c.Forms = append(c.Forms, m.Text)
		}
		if best < 0 || moreSpecific(m, c.Members[best]) {
			best = i
		}
		if m.Ambiguous && !c.Ambiguous {
			c.Ambiguous = true
			c.AmbiguityReason = m.AmbiguityReason
		}
	}
	sort.Strings(c.Forms)
	c.Representative = c.Members[best]
}

func moreSpecific(a, b entity.Span) bool {
	la, lb := len(a.Text), len(b.Text)
	if la != lb {
		return la > lb
	}
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return false
}

// checkPartition verifies that the classes cover every input span
// exactly once.
func checkPartition(spans []entity.Span, classes []entity.Canonical) error {
	total := 0
	for _, c := range classes {
		total += len(c.Members)
	}
	if total != len(spans) {
		return fmt.Errorf("%w: %d spans in, %d spans across classes", ErrPartition, len(spans), total)
	}
	return nil
}
