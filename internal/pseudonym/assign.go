package pseudonym

import (
	"errors"
	"fmt"
	"strings"

	"github.com/veil-ai/veil/internal/entity"
	"github.com/veil-ai/veil/internal/group"
	"github.com/veil-ai/veil/internal/redact"
)

// ErrCollision reports that a pseudonym component was about to be bound
// to a second source component of the same kind. This is an internal
// consistency defect and aborts the unit of work.
var ErrCollision = errors.New("pseudonym component collision")

// Projection is the queryable component↔pseudonym view maintained by the
// repository: one pseudonym component per (source component, kind) for
// the lifetime of a store. First assignment wins.
type Projection interface {
	// Lookup returns the pseudonym component bound to (component, kind).
	Lookup(component string, kind Kind) (string, bool)

	// Bind records a new mapping. It must reject with ErrCollision a
	// pseudonym already bound to a different component of the same kind.
	Bind(component string, kind Kind, pseudonym string) error

	// Pseudonyms lists every pseudonym component bound for a kind, so
	// pool state and systematic sequences survive a restart.
	Pseudonyms(kind Kind) []string
}

// ComponentAssignment is one decomposed piece of a full assignment.
type ComponentAssignment struct {
	Source     string `json:"source"`
	Kind       Kind   `json:"kind"`
	Pseudonym  string `json:"pseudonym"`
	Reused     bool   `json:"reused"`
	Systematic bool   `json:"systematic"`
}

// Assignment is the engine's output for one canonical entity.
type Assignment struct {
	Literal    string               `json:"literal"`
	Category   entity.Category      `json:"category"`
	Pseudonym  string               `json:"pseudonym"`
	Components []ComponentAssignment `json:"components"`
	Gender     entity.Gender        `json:"gender,omitempty"`
	Theme      string               `json:"theme"`

	Ambiguous       bool   `json:"ambiguous,omitempty"`
	AmbiguityReason string `json:"ambiguity_reason,omitempty"`
}

// Engine assigns pseudonyms compositionally: each name component is
// mapped once per store and reused everywhere it reappears.
type Engine struct {
	source Source
	proj   Projection
	seq    map[Kind]int
}

// NewEngine wires a themed source to the repository projection and
// replays prior state: already-bound pseudonyms are marked used so the
// pool never hands them out again, and systematic sequences resume where
// they left off.
func NewEngine(source Source, proj Projection) *Engine {
	e := &Engine{source: source, proj: proj, seq: map[Kind]int{}}
	for _, kind := range Kinds {
		for _, p := range proj.Pseudonyms(kind) {
			source.MarkUsed(kind, p)
			if n, ok := parseSystematic(kind, p); ok && n > e.seq[kind] {
				e.seq[kind] = n
			}
		}
	}
	return e
}

// Assign returns a consistent pseudonym for the canonical entity.
// Ambiguous entities still receive a provisional pseudonym; the flag and
// reason travel with the assignment for later review.
func (e *Engine) Assign(c entity.Canonical) (Assignment, error) {
	a := Assignment{
		Literal:         c.Representative.Text,
		Category:        c.Category,
		Gender:          c.WithGender(),
		Theme:           e.source.Name(),
		Ambiguous:       c.Ambiguous,
		AmbiguityReason: c.AmbiguityReason,
	}

	for _, part := range decompose(c) {
		ca, err := e.assignComponent(part, a.Gender)
		if err != nil {
			return Assignment{}, err
		}
		a.Components = append(a.Components, ca)
	}
	if len(a.Components) == 0 {
		return Assignment{}, fmt.Errorf("entity %s decomposed to nothing", redact.Literal(a.Literal))
	}

	parts := make([]string, len(a.Components))
	for i, ca := range a.Components {
		parts[i] = ca.Pseudonym
	}
	a.Pseudonym = strings.Join(parts, " ")
	return a, nil
}

type componentPart struct {
	text string
	kind Kind
}

// decompose splits the representative literal into mappable components:
// first/last for persons, a single atom for places and organizations.
func decompose(c entity.Canonical) []componentPart {
	switch c.Category {
	case entity.Person:
		base := group.StripTitles(c.Representative.Text)
		first, last := group.SplitName(base)
		var parts []componentPart
		if first != "" {
			parts = append(parts, componentPart{text: first, kind: KindFirstName})
		}
		if last != "" {
			parts = append(parts, componentPart{text: last, kind: KindLastName})
		}
		return parts
	case entity.Location:
		base := group.StripPrepositions(c.Representative.Text)
		return []componentPart{{text: base, kind: KindPlace}}
	default:
		return []componentPart{{text: c.Representative.Text, kind: KindOrganization}}
	}
}

func (e *Engine) assignComponent(part componentPart, gender entity.Gender) (ComponentAssignment, error) {
	key := group.Fold(part.text)

	if pseudo, ok := e.proj.Lookup(key, part.kind); ok {
		e.source.MarkUsed(part.kind, pseudo)
		return ComponentAssignment{
			Source:    key,
			Kind:      part.kind,
			Pseudonym: pseudo,
			Reused:    true,
		}, nil
	}

	systematic := false
	pseudo, err := e.source.Draw(part.kind, gender)
	if errors.Is(err, ErrExhausted) {
		pseudo = e.nextSystematic(part.kind)
		systematic = true
		redact.Logf("[pseudonym] %s pool exhausted, falling back to systematic identifier", part.kind)
	} else if err != nil {
		return ComponentAssignment{}, err
	}

	e.source.MarkUsed(part.kind, pseudo)
	if err := e.proj.Bind(key, part.kind, pseudo); err != nil {
		return ComponentAssignment{}, err
	}
	return ComponentAssignment{
		Source:     key,
		Kind:       part.kind,
		Pseudonym:  pseudo,
		Systematic: systematic,
	}, nil
}

var systematicPrefix = map[Kind]string{
	KindFirstName:    "Prenom",
	KindLastName:     "Nom",
	KindPlace:        "Lieu",
	KindOrganization: "Entite",
}

// nextSystematic produces the deterministic fallback identifier for an
// exhausted pool, e.g. "Lieu-0007".
func (e *Engine) nextSystematic(kind Kind) string {
	e.seq[kind]++
	return fmt.Sprintf("%s-%04d", systematicPrefix[kind], e.seq[kind])
}

func parseSystematic(kind Kind, pseudo string) (int, bool) {
	prefix := systematicPrefix[kind] + "-"
	if !strings.HasPrefix(pseudo, prefix) {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(pseudo[len(prefix):], "%04d", &n); err != nil {
		return 0, false
	}
	return n, true
}
