package pseudonym

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/veil-ai/veil/internal/entity"
)

// memProjection is the in-memory Projection double used by engine tests.
type memProjection struct {
	bindings map[Kind]map[string]string
}

func newMemProjection() *memProjection {
	return &memProjection{bindings: map[Kind]map[string]string{}}
}

func (p *memProjection) Lookup(component string, kind Kind) (string, bool) {
	v, ok := p.bindings[kind][component]
	return v, ok
}

func (p *memProjection) Bind(component string, kind Kind, pseudonym string) error {
	if p.bindings[kind] == nil {
		p.bindings[kind] = map[string]string{}
	}
	for src, existing := range p.bindings[kind] {
		if existing == pseudonym && src != component {
			return fmt.Errorf("%w: %s already bound", ErrCollision, pseudonym)
		}
	}
	p.bindings[kind][component] = pseudonym
	return nil
}

func (p *memProjection) Pseudonyms(kind Kind) []string {
	var out []string
	for _, v := range p.bindings[kind] {
		out = append(out, v)
	}
	return out
}

func testTheme(t *testing.T) *Theme {
	t.Helper()
	th, err := LoadTheme("")
	if err != nil {
		t.Fatalf("LoadTheme: %v", err)
	}
	return th
}

func personEntity(literal string, gender entity.Gender) entity.Canonical {
	return entity.Canonical{
		Representative: entity.Span{Text: literal, Category: entity.Person, Gender: gender},
		Members:        []entity.Span{{Text: literal, Category: entity.Person, Gender: gender}},
		Category:       entity.Person,
	}
}

func TestCompositionalConsistencyEitherOrder(t *testing.T) {
	orders := [][]string{
		{"Marie Dubois", "Marie Martin"},
		{"Marie Martin", "Marie Dubois"},
	}

	var firstNames []string
	for _, order := range orders {
		eng := NewEngine(testTheme(t), newMemProjection())
		byLiteral := map[string]Assignment{}
		for _, lit := range order {
			a, err := eng.Assign(personEntity(lit, entity.GenderFeminine))
			if err != nil {
				t.Fatalf("Assign(%s): %v", lit, err)
			}
			byLiteral[lit] = a
		}

		fn := byLiteral["Marie Dubois"].Components[0]
		if fn.Kind != KindFirstName {
			t.Fatalf("expected first component to be the first name, got %+v", fn)
		}
		if got := byLiteral["Marie Martin"].Components[0].Pseudonym; got != fn.Pseudonym {
			t.Fatalf("shared first name mapped differently: %q vs %q", fn.Pseudonym, got)
		}
		if !byLiteral["Marie Martin"].Components[0].Reused && !byLiteral["Marie Dubois"].Components[0].Reused {
			t.Fatal("second sighting of the shared component should be marked reused")
		}
		firstNames = append(firstNames, fn.Pseudonym)
	}
	if firstNames[0] != firstNames[1] {
		t.Fatalf("assignment depends on processing order: %v", firstNames)
	}
}

func TestDistinctComponentsNeverCollide(t *testing.T) {
	eng := NewEngine(testTheme(t), newMemProjection())

	seen := map[Kind]map[string]string{}
	literals := []string{
		"Marie Dubois", "Jean Martin", "Sophie Bernard", "Paul Laurent",
		"Claire Petit", "Luc Moreau", "Anne Fournier", "Pierre Girard",
	}
	for _, lit := range literals {
		a, err := eng.Assign(personEntity(lit, entity.GenderUnknown))
		if err != nil {
			t.Fatalf("Assign(%s): %v", lit, err)
		}
		for _, c := range a.Components {
			if seen[c.Kind] == nil {
				seen[c.Kind] = map[string]string{}
			}
			if src, dup := seen[c.Kind][c.Pseudonym]; dup && src != c.Source {
				t.Fatalf("pseudonym %q of kind %s assigned to both %q and %q",
					c.Pseudonym, c.Kind, src, c.Source)
			}
			seen[c.Kind][c.Pseudonym] = c.Source
		}
	}
}

func TestProjectionRejectsCollision(t *testing.T) {
	p := newMemProjection()
	if err := p.Bind("marie", KindFirstName, "Jeanne"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := p.Bind("sophie", KindFirstName, "Jeanne"); !errors.Is(err, ErrCollision) {
		t.Fatalf("expected ErrCollision, got %v", err)
	}
}

func TestExhaustionFallsBackToSystematic(t *testing.T) {
	th := testTheme(t)
	eng := NewEngine(th, newMemProjection())

	var last Assignment
	for i := 0; ; i++ {
		if i > 100 {
			t.Fatal("pool never exhausted")
		}
		a, err := eng.Assign(entity.Canonical{
			Representative: entity.Span{Text: fmt.Sprintf("Ville%03d", i), Category: entity.Location},
			Members:        []entity.Span{{Text: fmt.Sprintf("Ville%03d", i), Category: entity.Location}},
			Category:       entity.Location,
		})
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		last = a
		if a.Components[0].Systematic {
			break
		}
	}
	if !strings.HasPrefix(last.Pseudonym, "Lieu-") {
		t.Fatalf("systematic fallback should be sequence-named, got %q", last.Pseudonym)
	}
	if frac := th.ExhaustionFraction(KindPlace); frac < 1 {
		t.Fatalf("place pool should report full exhaustion, got %v", frac)
	}
}

func TestEngineRestartResumesState(t *testing.T) {
	proj := newMemProjection()
	eng := NewEngine(testTheme(t), proj)

	first, err := eng.Assign(personEntity("Marie Dubois", entity.GenderFeminine))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// A fresh engine over the same projection must reuse, not redraw.
	eng2 := NewEngine(testTheme(t), proj)
	again, err := eng2.Assign(personEntity("Marie Martin", entity.GenderFeminine))
	if err != nil {
		t.Fatalf("Assign after restart: %v", err)
	}
	if again.Components[0].Pseudonym != first.Components[0].Pseudonym {
		t.Fatalf("restart lost the first-name binding: %q vs %q",
			first.Components[0].Pseudonym, again.Components[0].Pseudonym)
	}
	if !again.Components[0].Reused {
		t.Fatal("component should be marked reused after restart")
	}
}

func TestGenderFilteredDraw(t *testing.T) {
	th := testTheme(t)
	eng := NewEngine(th, newMemProjection())

	a, err := eng.Assign(personEntity("Marie Dubois", entity.GenderFeminine))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	feminine := map[string]bool{}
	for _, e := range th.pools[KindFirstName] {
		if e.gender == entity.GenderFeminine {
			feminine[e.value] = true
		}
	}
	if !feminine[a.Components[0].Pseudonym] {
		t.Fatalf("feminine entity drew %q from the wrong partition", a.Components[0].Pseudonym)
	}
}

func TestBareSurnameAssignsSurnameOnly(t *testing.T) {
	eng := NewEngine(testTheme(t), newMemProjection())
	a, err := eng.Assign(personEntity("Dubois", entity.GenderUnknown))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(a.Components) != 1 || a.Components[0].Kind != KindLastName {
		t.Fatalf("bare surname should map one last-name component: %+v", a.Components)
	}
}

func TestAmbiguityPropagates(t *testing.T) {
	eng := NewEngine(testTheme(t), newMemProjection())
	c := personEntity("Dubois", entity.GenderUnknown)
	c.Ambiguous = true
	c.AmbiguityReason = "surname shared by 2 distinct full names"

	a, err := eng.Assign(c)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if a.Pseudonym == "" {
		t.Fatal("ambiguous entity must still receive a provisional pseudonym")
	}
	if !a.Ambiguous || a.AmbiguityReason == "" {
		t.Fatal("ambiguity flag and reason must survive assignment")
	}
}

func TestResetStateClearsPool(t *testing.T) {
	th := testTheme(t)
	th.MarkUsed(KindPlace, "Villebourg")
	if th.ExhaustionFraction(KindPlace) == 0 {
		t.Fatal("mark used had no effect")
	}
	th.ResetState()
	if th.ExhaustionFraction(KindPlace) != 0 {
		t.Fatal("reset did not clear used marks")
	}
}
