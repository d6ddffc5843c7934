package detect

import (
	"context"
	"testing"

	"github.com/veil-ai/veil/internal/config"
	"github.com/veil-ai/veil/internal/entity"
)

func newTestMatcher(t *testing.T) *PatternMatcher {
	t.Helper()
	m, err := NewPatternMatcher(config.PatternsConfig{})
	if err != nil {
		t.Fatalf("NewPatternMatcher: %v", err)
	}
	return m
}

func TestPatternTitleAndName(t *testing.T) {
	m := newTestMatcher(t)
	spans, err := m.Detect(context.Background(), "Le rapport de Dr Dubois est prêt.")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	found := false
	for _, s := range spans {
		if s.Category == entity.Person && s.Text == "Dr Dubois" {
			found = true
		}
	}
	if !found {
		t.Fatalf("title rule missed Dr Dubois: %+v", spans)
	}
}

func TestPatternScenarioSentence(t *testing.T) {
	m := newTestMatcher(t)
	text := "Marie Dubois travaille à Paris pour Acme SA. Elle collabore avec Jean Martin de Lyon."
	spans, err := m.Detect(context.Background(), text)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	want := map[string]entity.Category{
		"Marie Dubois": entity.Person,
		"Jean Martin":  entity.Person,
		"Paris":        entity.Location,
		"Lyon":         entity.Location,
		"Acme SA":      entity.Organization,
	}
	got := map[string]entity.Category{}
	for _, s := range spans {
		got[s.Text] = s.Category
		if text[s.Start:s.End] != s.Text {
			t.Fatalf("span offsets disagree with literal: %+v", s)
		}
	}
	for lit, cat := range want {
		if got[lit] != cat {
			t.Fatalf("expected %s as %s, got %v (all: %+v)", lit, cat, got[lit], spans)
		}
	}
}

func TestPatternOutputIsSorted(t *testing.T) {
	m := newTestMatcher(t)
	spans, err := m.Detect(context.Background(), "Jean habite à Lyon. Marie habite à Paris.")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].Start < spans[i-1].Start {
			t.Fatalf("spans not sorted by offset: %+v", spans)
		}
	}
}

func TestPatternNoGenderSupport(t *testing.T) {
	if newTestMatcher(t).SupportsGender() {
		t.Fatal("pattern matcher must not claim gender support")
	}
}
