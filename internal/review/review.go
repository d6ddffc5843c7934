// Package review is the human-in-the-loop boundary: proposed
// pseudonymizations cross it as plain data, decisions come back through
// a callback, and applying them rewrites the proposal set before
// anything is persisted.
package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/veil-ai/veil/internal/detect"
	"github.com/veil-ai/veil/internal/entity"
	"github.com/veil-ai/veil/internal/group"
	"github.com/veil-ai/veil/internal/pseudonym"
	"github.com/veil-ai/veil/internal/redact"
)

// Action is what a reviewer decided about one proposal.
type Action string

const (
	// ActionConfirm accepts the proposal as is and clears any ambiguity
	// flag it carried.
	ActionConfirm Action = "confirm"
	// ActionReject drops the proposal: the entity is neither replaced in
	// the output nor persisted.
	ActionReject Action = "reject"
	// ActionEdit corrects the detected literal and re-runs assignment on
	// the corrected form.
	ActionEdit Action = "edit"
	// ActionAdd introduces an entity the detectors missed.
	ActionAdd Action = "add"
	// ActionOverride pins a reviewer-chosen pseudonym instead of the
	// engine's choice.
	ActionOverride Action = "override-pseudonym"
)

// ErrUnknownTarget reports a decision that names a literal no proposal
// carries.
var ErrUnknownTarget = errors.New("review decision targets an unknown entity")

// Decision is one reviewer verdict. Literal and Category address the
// proposal it applies to; the remaining fields are action-specific.
type Decision struct {
	Action   Action
	Literal  string
	Category entity.Category

	// NewLiteral carries the corrected form for ActionEdit.
	NewLiteral string
	// Pseudonym carries the pinned value for ActionOverride.
	Pseudonym string
	// Span carries the missed entity for ActionAdd.
	Span entity.Span
}

// Proposal pairs a canonical entity with the assignment the engine
// produced for it.
type Proposal struct {
	Entity     entity.Canonical
	Assignment pseudonym.Assignment
}

// Resolver produces decisions for a proposal set. A nil resolver means
// every proposal is implicitly confirmed.
type Resolver interface {
	Review(ctx context.Context, proposals []Proposal) ([]Decision, error)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(ctx context.Context, proposals []Proposal) ([]Decision, error)

func (f ResolverFunc) Review(ctx context.Context, proposals []Proposal) ([]Decision, error) {
	return f(ctx, proposals)
}

// Assigner is the slice of the pseudonym engine Apply needs to
// re-assign edited or added entities.
type Assigner interface {
	Assign(c entity.Canonical) (pseudonym.Assignment, error)
}

// Apply rewrites the proposal set according to the decisions and
// returns the set that will be persisted and substituted. Proposals no
// decision mentions pass through untouched.
func Apply(proposals []Proposal, decisions []Decision, assigner Assigner) ([]Proposal, error) {
	rejected := map[int]bool{}
	out := make([]Proposal, len(proposals))
	copy(out, proposals)

	for _, d := range decisions {
		if d.Action == ActionAdd {
			p, err := addProposal(d, assigner)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
			continue
		}

		idx := findProposal(out, d)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s (%s)", ErrUnknownTarget,
				redact.Literal(d.Literal), d.Category)
		}

		switch d.Action {
		case ActionConfirm:
			clearAmbiguity(&out[idx])
		case ActionReject:
			rejected[idx] = true
		case ActionEdit:
			c := out[idx].Entity
			c.Representative.Text = d.NewLiteral
			c.Ambiguous = false
			c.AmbiguityReason = ""
			a, err := assigner.Assign(c)
			if err != nil {
				return nil, err
			}
			out[idx].Entity = c
			out[idx].Assignment = a
			clearAmbiguity(&out[idx])
		case ActionOverride:
			p := &out[idx]
			p.Assignment.Pseudonym = d.Pseudonym
			p.Assignment.Components = []pseudonym.ComponentAssignment{{
				Source:    group.Fold(p.Assignment.Literal),
				Kind:      primaryKind(p.Entity.Category),
				Pseudonym: d.Pseudonym,
			}}
			clearAmbiguity(p)
		default:
			return nil, fmt.Errorf("unknown review action %q", d.Action)
		}
	}

	kept := out[:0]
	for i, p := range out {
		if !rejected[i] {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// addProposal turns an ActionAdd decision into a singleton proposal
// built from the reviewer-supplied span.
func addProposal(d Decision, assigner Assigner) (Proposal, error) {
	s := d.Span
	if s.Text == "" || s.Category == "" {
		return Proposal{}, fmt.Errorf("add decision needs a span with text and category")
	}
	if s.Source == "" {
		s.Source = detect.SourceManual
	}
	c := entity.Canonical{
		Representative: s,
		Members:        []entity.Span{s},
		Forms:          []string{s.Text},
		Category:       s.Category,
	}
	a, err := assigner.Assign(c)
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{Entity: c, Assignment: a}, nil
}

func findProposal(proposals []Proposal, d Decision) int {
	for i, p := range proposals {
		if p.Entity.Category != d.Category {
			continue
		}
		if p.Assignment.Literal == d.Literal || p.Entity.Representative.Text == d.Literal {
			return i
		}
	}
	return -1
}

// clearAmbiguity records that a human looked at the entity: reviewed
// proposals are no longer flagged for review.
func clearAmbiguity(p *Proposal) {
	p.Entity.Ambiguous = false
	p.Entity.AmbiguityReason = ""
	p.Assignment.Ambiguous = false
	p.Assignment.AmbiguityReason = ""
}

func primaryKind(cat entity.Category) pseudonym.Kind {
	switch cat {
	case entity.Person:
		return pseudonym.KindLastName
	case entity.Location:
		return pseudonym.KindPlace
	default:
		return pseudonym.KindOrganization
	}
}
