package review

import (
	"errors"
	"testing"

	"github.com/veil-ai/veil/internal/entity"
	"github.com/veil-ai/veil/internal/pseudonym"
)

type stubAssigner struct {
	calls []string
}

func (s *stubAssigner) Assign(c entity.Canonical) (pseudonym.Assignment, error) {
	s.calls = append(s.calls, c.Representative.Text)
	return pseudonym.Assignment{
		Literal:   c.Representative.Text,
		Category:  c.Category,
		Pseudonym: "Assigned-" + c.Representative.Text,
	}, nil
}

func proposal(literal string, cat entity.Category, ambiguous bool) Proposal {
	span := entity.Span{Start: 0, End: len(literal), Text: literal, Category: cat}
	return Proposal{
		Entity: entity.Canonical{
			Representative:  span,
			Members:         []entity.Span{span},
			Forms:           []string{literal},
			Category:        cat,
			Ambiguous:       ambiguous,
			AmbiguityReason: ifAmbiguous(ambiguous),
		},
		Assignment: pseudonym.Assignment{
			Literal:         literal,
			Category:        cat,
			Pseudonym:       "Pseudo-" + literal,
			Ambiguous:       ambiguous,
			AmbiguityReason: ifAmbiguous(ambiguous),
		},
	}
}

func ifAmbiguous(b bool) string {
	if b {
		return "needs review"
	}
	return ""
}

func TestApplyConfirmClearsAmbiguity(t *testing.T) {
	in := []Proposal{proposal("Dubois", entity.Person, true)}
	out, err := Apply(in, []Decision{
		{Action: ActionConfirm, Literal: "Dubois", Category: entity.Person},
	}, &stubAssigner{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(out))
	}
	if out[0].Entity.Ambiguous || out[0].Assignment.Ambiguous {
		t.Fatal("confirm should clear the ambiguity flag")
	}
	if out[0].Assignment.Pseudonym != "Pseudo-Dubois" {
		t.Fatalf("confirm must not change the pseudonym: %q", out[0].Assignment.Pseudonym)
	}
}

func TestApplyRejectDropsProposal(t *testing.T) {
	in := []Proposal{
		proposal("Marie Dubois", entity.Person, false),
		proposal("Paris", entity.Location, false),
	}
	out, err := Apply(in, []Decision{
		{Action: ActionReject, Literal: "Paris", Category: entity.Location},
	}, &stubAssigner{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out) != 1 || out[0].Assignment.Literal != "Marie Dubois" {
		t.Fatalf("rejected proposal should be gone: %+v", out)
	}
}

func TestApplyEditReassigns(t *testing.T) {
	a := &stubAssigner{}
	in := []Proposal{proposal("Marie Duboi", entity.Person, false)}
	out, err := Apply(in, []Decision{
		{Action: ActionEdit, Literal: "Marie Duboi", Category: entity.Person,
			NewLiteral: "Marie Dubois"},
	}, a)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(a.calls) != 1 || a.calls[0] != "Marie Dubois" {
		t.Fatalf("edit should re-assign the corrected literal: %v", a.calls)
	}
	if out[0].Assignment.Pseudonym != "Assigned-Marie Dubois" {
		t.Fatalf("unexpected assignment: %+v", out[0].Assignment)
	}
	if len(out[0].Entity.Members) != 1 {
		t.Fatal("edit must keep the original member spans for substitution")
	}
}

func TestApplyAddIntroducesEntity(t *testing.T) {
	a := &stubAssigner{}
	out, err := Apply(nil, []Decision{
		{Action: ActionAdd, Span: entity.Span{
			Start: 10, End: 14, Text: "Lyon", Category: entity.Location,
		}},
	}, a)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(out))
	}
	if out[0].Entity.Representative.Source != "manual" {
		t.Fatalf("added span should be tagged manual: %q", out[0].Entity.Representative.Source)
	}
	if out[0].Assignment.Pseudonym != "Assigned-Lyon" {
		t.Fatalf("unexpected assignment: %+v", out[0].Assignment)
	}
}

func TestApplyOverridePinsPseudonym(t *testing.T) {
	in := []Proposal{proposal("Acme SA", entity.Organization, false)}
	out, err := Apply(in, []Decision{
		{Action: ActionOverride, Literal: "Acme SA", Category: entity.Organization,
			Pseudonym: "Nordia"},
	}, &stubAssigner{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := out[0].Assignment
	if got.Pseudonym != "Nordia" {
		t.Fatalf("override not applied: %q", got.Pseudonym)
	}
	if len(got.Components) != 1 || got.Components[0].Kind != pseudonym.KindOrganization {
		t.Fatalf("override should collapse to one component: %+v", got.Components)
	}
}

func TestApplyUnknownTarget(t *testing.T) {
	_, err := Apply(nil, []Decision{
		{Action: ActionConfirm, Literal: "Nobody", Category: entity.Person},
	}, &stubAssigner{})
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}
