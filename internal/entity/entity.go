// Package entity defines the span and grouping types shared by the
// detection, grouping, and assignment stages. Spans are ephemeral: they
// live for one document pass and are never persisted directly.
package entity

import "sort"

// Category classifies the kind of real-world referent a span names.
type Category string

const (
	Person       Category = "PERSON"
	Location     Category = "LOCATION"
	Organization Category = "ORGANIZATION"
)

// Categories lists all supported categories in stable order.
var Categories = []Category{Person, Location, Organization}

// Gender is an optional hint carried by PERSON spans.
type Gender string

const (
	GenderUnknown   Gender = ""
	GenderFeminine  Gender = "F"
	GenderMasculine Gender = "M"
)

// Span is a single detection over the original document text.
// Confidence is nil when the detector did not report one; callers must
// treat "unknown" differently from "known low".
type Span struct {
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Text       string   `json:"text"`
	Category   Category `json:"category"`
	Confidence *float64 `json:"confidence,omitempty"`
	Source     string   `json:"source"`
	Gender     Gender   `json:"gender,omitempty"`

	Ambiguous       bool   `json:"ambiguous,omitempty"`
	AmbiguityReason string `json:"ambiguity_reason,omitempty"`
}

// Overlaps reports whether two spans cover intersecting offset ranges.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// SameOffsets reports whether two spans cover the identical range.
func (s Span) SameOffsets(o Span) bool {
	return s.Start == o.Start && s.End == o.End
}

// Canonical is one equivalence class of spans judged to name the same
// real-world referent. Representative is the longest, most specific
// literal in the class.
type Canonical struct {
	Representative Span     `json:"representative"`
	Members        []Span   `json:"members"`
	Forms          []string `json:"forms"`
	Category       Category `json:"category"`

	Ambiguous       bool   `json:"ambiguous,omitempty"`
	AmbiguityReason string `json:"ambiguity_reason,omitempty"`

	// KnownLiteral is set when the class matched a literal already present
	// in the store: the assignment stage reuses that record instead of
	// creating a new one.
	KnownLiteral string `json:"known_literal,omitempty"`
}

// WithGender returns the first non-empty gender hint among the members.
func (c Canonical) WithGender() Gender {
	for _, m := range c.Members {
		if m.Gender != GenderUnknown {
			return m.Gender
		}
	}
	return GenderUnknown
}

// SortSpans orders spans by start offset, then by descending length,
// then by source. This is the one tie-break rule used everywhere so
// detection output is reproducible.
func SortSpans(spans []Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		li, lj := spans[i].End-spans[i].Start, spans[j].End-spans[j].Start
		if li != lj {
			return li > lj
		}
		return spans[i].Source < spans[j].Source
	})
}

// Float64 returns a pointer to v, for literal confidence values.
func Float64(v float64) *float64 { return &v }
