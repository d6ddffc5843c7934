package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-ai/veil/internal/config"
	"github.com/veil-ai/veil/internal/detect"
	"github.com/veil-ai/veil/internal/entity"
	"github.com/veil-ai/veil/internal/pseudonym"
	"github.com/veil-ai/veil/internal/review"
	"github.com/veil-ai/veil/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "veil.db"), "correct horse")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPipeline(t *testing.T, s *store.Store, spans []entity.Span, opts ...Option) *Pipeline {
	t.Helper()
	theme, err := pseudonym.LoadTheme("")
	require.NoError(t, err)
	return New(detect.NewFake(spans...), s, theme, opts...)
}

// span locates the nth occurrence of literal in text and builds the
// corresponding detected span.
func span(t *testing.T, text, literal string, n int, cat entity.Category) entity.Span {
	t.Helper()
	start := 0
	for i := 0; i < n; i++ {
		idx := strings.Index(text[start:], literal)
		require.GreaterOrEqual(t, idx, 0, "literal %q occurrence %d not in text", literal, n)
		start += idx
		if i < n-1 {
			start += len(literal)
		}
	}
	return entity.Span{
		Start:    start,
		End:      start + len(literal),
		Text:     literal,
		Category: cat,
		Source:   detect.SourceNER,
	}
}

func TestProcessEndToEnd(t *testing.T) {
	text := "Marie Dubois et Jean Martin se sont rencontrés à Paris. " +
		"Marie Dubois travaille pour Acme SA à Lyon."
	spans := []entity.Span{
		span(t, text, "Marie Dubois", 1, entity.Person),
		span(t, text, "Marie Dubois", 2, entity.Person),
		span(t, text, "Jean Martin", 1, entity.Person),
		span(t, text, "Paris", 1, entity.Location),
		span(t, text, "Lyon", 1, entity.Location),
		span(t, text, "Acme SA", 1, entity.Organization),
	}

	s := openTestStore(t)
	p := newTestPipeline(t, s, spans)

	res, err := p.Process(context.Background(), text)
	require.NoError(t, err)

	// Six spans collapse to five entities; each gets one record.
	assert.Len(t, res.Proposals, 5)
	assert.Equal(t, 5, res.New)
	assert.Equal(t, 0, res.Reused)

	recs, err := s.FindAll(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 5)

	for _, lit := range []string{"Marie Dubois", "Jean Martin", "Paris", "Lyon", "Acme SA"} {
		assert.NotContains(t, res.Output, lit)
	}
	for _, pr := range res.Proposals {
		assert.Contains(t, res.Output, pr.Assignment.Pseudonym)
	}
	// Untouched text survives at its original position.
	assert.Contains(t, res.Output, "se sont rencontrés à ")
	assert.Contains(t, res.Output, "travaille pour ")
}

func TestProcessMergesPatternAndModelDetections(t *testing.T) {
	text := "Marie Dubois et Jean Martin se sont rencontrés à Paris. " +
		"Marie Dubois travaille pour Acme SA à Lyon."

	// Scripted model spans landing on the same offsets as the pattern
	// rules: the merge keeps one span per occurrence, model side winning.
	ner := []entity.Span{
		span(t, text, "Marie Dubois", 1, entity.Person),
		span(t, text, "Jean Martin", 1, entity.Person),
		span(t, text, "Paris", 1, entity.Location),
		span(t, text, "Acme SA", 1, entity.Organization),
	}

	pm, err := detect.NewPatternMatcher(config.PatternsConfig{})
	require.NoError(t, err)
	comp, err := detect.NewComposite([]detect.Detector{pm, detect.NewFake(ner...)}, nil)
	require.NoError(t, err)

	theme, err := pseudonym.LoadTheme("")
	require.NoError(t, err)

	s := openTestStore(t)
	p := New(comp, s, theme)

	res, err := p.Process(context.Background(), text)
	require.NoError(t, err)

	require.Len(t, res.Proposals, 5)
	for _, pr := range res.Proposals {
		assert.False(t, pr.Entity.Ambiguous,
			"duplicate offsets across detectors must merge cleanly, got %q flagged", pr.Entity.Representative.Text)
	}
	assert.Equal(t, 5, res.New)

	recs, err := s.FindAll(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestSubstitutedOutputSurvivesRedetection(t *testing.T) {
	text := "Marie Dubois et Jean Martin se sont rencontrés à Paris. " +
		"Marie Dubois travaille pour Acme SA à Lyon."

	pm, err := detect.NewPatternMatcher(config.PatternsConfig{})
	require.NoError(t, err)
	theme, err := pseudonym.LoadTheme("")
	require.NoError(t, err)

	s := openTestStore(t)
	p := New(pm, s, theme)

	res, err := p.Process(context.Background(), text)
	require.NoError(t, err)

	originals := map[string]bool{
		"Marie Dubois": true, "Jean Martin": true,
		"Paris": true, "Lyon": true, "Acme SA": true,
	}
	for lit := range originals {
		assert.NotContains(t, res.Output, lit)
	}

	// Detecting over the substituted text again must not resurface any
	// original literal, and whatever the rules still match (place
	// pseudonyms after a preposition cue) stays disjoint.
	again, err := pm.Detect(context.Background(), res.Output)
	require.NoError(t, err)
	for _, sp := range again {
		assert.False(t, originals[sp.Text], "original literal %q resurfaced", sp.Text)
		assert.Equal(t, sp.Text, res.Output[sp.Start:sp.End],
			"span offsets out of step with the substituted text")
	}
	for i := range again {
		for j := i + 1; j < len(again); j++ {
			assert.False(t, again[i].Overlaps(again[j]),
				"re-detected spans overlap: %+v / %+v", again[i], again[j])
		}
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	text := "Marie Dubois vit à Paris."
	spans := []entity.Span{
		span(t, text, "Marie Dubois", 1, entity.Person),
		span(t, text, "Paris", 1, entity.Location),
	}

	s := openTestStore(t)
	p := newTestPipeline(t, s, spans)

	first, err := p.Process(context.Background(), text)
	require.NoError(t, err)
	second, err := p.Process(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, 0, second.New)
	assert.Equal(t, 2, second.Reused)

	recs, err := s.FindAll(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestCompositionalConsistencyAcrossDocuments(t *testing.T) {
	run := func(t *testing.T, docs [2]string) {
		s := openTestStore(t)
		var pseudos [2]string
		for i, doc := range docs {
			lit := strings.TrimSuffix(doc, ".")
			p := newTestPipeline(t, s, []entity.Span{span(t, doc, lit, 1, entity.Person)})
			res, err := p.Process(context.Background(), doc)
			require.NoError(t, err)
			require.Len(t, res.Proposals, 1)
			pseudos[i] = res.Proposals[0].Assignment.Pseudonym
		}
		// Shared first name maps to the same pseudonym first name in
		// both documents, whichever was processed first.
		firstOf := func(s string) string { return strings.Fields(s)[0] }
		assert.Equal(t, firstOf(pseudos[0]), firstOf(pseudos[1]))
		assert.NotEqual(t, pseudos[0], pseudos[1])
	}

	t.Run("dubois first", func(t *testing.T) {
		run(t, [2]string{"Marie Dubois.", "Marie Martin."})
	})
	t.Run("martin first", func(t *testing.T) {
		run(t, [2]string{"Marie Martin.", "Marie Dubois."})
	})
}

func TestKnownVariantJoinsExistingRecord(t *testing.T) {
	s := openTestStore(t)

	doc1 := "Marie Dubois est cardiologue."
	p1 := newTestPipeline(t, s, []entity.Span{span(t, doc1, "Marie Dubois", 1, entity.Person)})
	res1, err := p1.Process(context.Background(), doc1)
	require.NoError(t, err)
	full := res1.Proposals[0].Assignment.Pseudonym

	doc2 := "Dr. Dubois a prescrit un traitement."
	p2 := newTestPipeline(t, s, []entity.Span{span(t, doc2, "Dr. Dubois", 1, entity.Person)})
	res2, err := p2.Process(context.Background(), doc2)
	require.NoError(t, err)

	// The variant resolves to the stored record: no new components, and
	// the rendered form keeps the title around the mapped surname.
	assert.Equal(t, 1, res2.Reused)
	assert.Equal(t, 0, res2.New)
	surname := strings.Fields(full)[len(strings.Fields(full))-1]
	assert.Contains(t, res2.Output, "Dr. "+surname)

	recs, err := s.FindAll(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, "Marie Dubois", recs[0].Literal)
}

func TestResolverRejectLeavesTextAlone(t *testing.T) {
	text := "Jean Martin habite Paris."
	spans := []entity.Span{
		span(t, text, "Jean Martin", 1, entity.Person),
		span(t, text, "Paris", 1, entity.Location),
	}

	rejectParis := review.ResolverFunc(func(_ context.Context, _ []review.Proposal) ([]review.Decision, error) {
		return []review.Decision{
			{Action: review.ActionReject, Literal: "Paris", Category: entity.Location},
		}, nil
	})

	s := openTestStore(t)
	p := newTestPipeline(t, s, spans, WithResolver(rejectParis))

	res, err := p.Process(context.Background(), text)
	require.NoError(t, err)

	assert.Contains(t, res.Output, "Paris")
	assert.NotContains(t, res.Output, "Jean Martin")

	_, err = s.FindByLiteral(context.Background(), "Paris")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessWithoutEntities(t *testing.T) {
	s := openTestStore(t)
	p := newTestPipeline(t, s, nil)

	res, err := p.Process(context.Background(), "Rien à signaler.")
	assert.ErrorIs(t, err, ErrNoEntities)
	require.NotNil(t, res)
	assert.Equal(t, "Rien à signaler.", res.Output)
}

func TestRenderFormComponents(t *testing.T) {
	a := pseudonym.Assignment{
		Literal:   "Marie Dubois",
		Category:  entity.Person,
		Pseudonym: "Jeanne Beaumont",
		Components: []pseudonym.ComponentAssignment{
			{Source: "marie", Kind: pseudonym.KindFirstName, Pseudonym: "Jeanne"},
			{Source: "dubois", Kind: pseudonym.KindLastName, Pseudonym: "Beaumont"},
		},
	}

	cases := []struct {
		name string
		span entity.Span
		want string
	}{
		{"full name", entity.Span{Text: "Marie Dubois", Category: entity.Person}, "Jeanne Beaumont"},
		{"bare surname", entity.Span{Text: "Dubois", Category: entity.Person}, "Beaumont"},
		{"first name only", entity.Span{Text: "Marie", Category: entity.Person}, "Jeanne"},
		{"titled surname", entity.Span{Text: "Dr. Dubois", Category: entity.Person}, "Dr. Beaumont"},
		{"titled full name", entity.Span{Text: "Mme Marie Dubois", Category: entity.Person}, "Mme Jeanne Beaumont"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, renderForm(tc.span, a))
		})
	}

	loc := pseudonym.Assignment{
		Literal:   "Paris",
		Category:  entity.Location,
		Pseudonym: "Villebourg",
		Components: []pseudonym.ComponentAssignment{
			{Source: "paris", Kind: pseudonym.KindPlace, Pseudonym: "Villebourg"},
		},
	}
	assert.Equal(t, "Villebourg", renderForm(entity.Span{Text: "Paris", Category: entity.Location}, loc))
	assert.Equal(t, "à Villebourg", renderForm(entity.Span{Text: "à Paris", Category: entity.Location}, loc))
}
