// Package pipeline runs the single-document flow: detect, group
// against known literals, assign, persist, substitute. The CLI runs it
// whole; batch workers run the read-only front half and hand the rest
// to the coordinator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veil-ai/veil/internal/detect"
	"github.com/veil-ai/veil/internal/entity"
	"github.com/veil-ai/veil/internal/group"
	"github.com/veil-ai/veil/internal/pseudonym"
	"github.com/veil-ai/veil/internal/replace"
	"github.com/veil-ai/veil/internal/review"
	"github.com/veil-ai/veil/internal/store"
	"github.com/veil-ai/veil/internal/telemetry"
)

// ErrNoEntities reports a document with nothing to pseudonymize. Benign:
// the output equals the input.
var ErrNoEntities = errors.New("no entities detected")

// ErrConsistency wraps internal defects (lost spans, pseudonym
// collisions). The unit of work is aborted; nothing is persisted.
var ErrConsistency = errors.New("internal consistency defect")

// Pipeline ties a detector, the grouper, a pseudonym source, and the
// store together for one document at a time.
type Pipeline struct {
	detector detect.Detector
	grouper  *group.Grouper
	source   pseudonym.Source
	store    *store.Store
	resolver review.Resolver
	metrics  *telemetry.Provider
}

// Option tweaks pipeline construction.
type Option func(*Pipeline)

// WithResolver installs a review callback; decisions are applied before
// anything is persisted.
func WithResolver(r review.Resolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

// WithMetrics installs a telemetry provider.
func WithMetrics(m *telemetry.Provider) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func New(detector detect.Detector, st *store.Store, source pseudonym.Source, opts ...Option) *Pipeline {
	p := &Pipeline{
		detector: detector,
		grouper:  group.New(),
		source:   source,
		store:    st,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Result is the outcome of one processed document.
type Result struct {
	// Output is the document with every accepted entity substituted.
	Output string
	// Proposals are the persisted entities with their assignments.
	Proposals []review.Proposal
	// New and Reused split the persisted entities by whether any fresh
	// component mapping was created for them.
	New, Reused int
	// Skipped counts spans dropped because they overlapped a winning
	// replacement.
	Skipped int
}

// Detect runs the detector over the text. Pure read: safe to call from
// any worker goroutine.
func (p *Pipeline) Detect(ctx context.Context, text string) ([]entity.Span, error) {
	return p.detector.Detect(ctx, text)
}

// Group clusters spans into canonical entities, unioning against the
// literals already stored so variants of known entities join their
// records. Read-only store access.
func (p *Pipeline) Group(ctx context.Context, spans []entity.Span) ([]entity.Canonical, error) {
	known, err := p.store.KnownLiterals(ctx)
	if err != nil {
		return nil, err
	}
	canon, err := p.grouper.GroupWithKnown(spans, known)
	if err != nil {
		if errors.Is(err, group.ErrPartition) {
			return nil, fmt.Errorf("%w: %v", ErrConsistency, err)
		}
		return nil, err
	}
	return canon, nil
}

// Commit assigns pseudonyms, applies review decisions, persists the
// records, and substitutes the text. Must run on the single writer.
func (p *Pipeline) Commit(ctx context.Context, text string, canon []entity.Canonical) (*Result, error) {
	start := time.Now()

	engine := pseudonym.NewEngine(p.source, p.store.Projection())

	proposals := make([]review.Proposal, 0, len(canon))
	for _, c := range canon {
		a, err := engine.Assign(assignable(c))
		if err != nil {
			if errors.Is(err, pseudonym.ErrCollision) {
				return nil, fmt.Errorf("%w: %v", ErrConsistency, err)
			}
			return nil, err
		}
		proposals = append(proposals, review.Proposal{Entity: c, Assignment: a})
	}

	if p.resolver != nil {
		decisions, err := p.resolver.Review(ctx, proposals)
		if err != nil {
			return nil, fmt.Errorf("review callback: %w", err)
		}
		proposals, err = review.Apply(proposals, decisions, engine)
		if err != nil {
			return nil, err
		}
	}

	res := &Result{Proposals: proposals}

	recs := make([]store.MappingRecord, 0, len(proposals))
	for _, pr := range proposals {
		recs = append(recs, toRecord(pr.Assignment))
		if reusedAssignment(pr.Assignment) {
			res.Reused++
		} else {
			res.New++
		}
	}
	if _, err := p.store.SaveBatch(ctx, recs); err != nil {
		return nil, err
	}

	out, skipped, err := substitute(text, proposals)
	if err != nil {
		return nil, err
	}
	res.Output = out
	res.Skipped = len(skipped)

	if err := p.store.LogOperation(ctx, store.OperationEntry{
		Kind:        store.OpAssign,
		EntityCount: len(recs),
		Duration:    time.Since(start),
		Success:     true,
		Detail:      fmt.Sprintf("%d entities (%d new, %d reused)", len(recs), res.New, res.Reused),
	}); err != nil {
		return nil, err
	}

	p.metrics.RecordDocument(float64(time.Since(start).Milliseconds()), res.New, res.Reused)
	return res, nil
}

// Process runs the whole flow on one document. A document without
// entities returns the input text unchanged alongside ErrNoEntities so
// callers can tell "nothing to do" from real failures.
func (p *Pipeline) Process(ctx context.Context, text string) (*Result, error) {
	spans, err := p.Detect(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return &Result{Output: text}, ErrNoEntities
	}
	canon, err := p.Group(ctx, spans)
	if err != nil {
		return nil, err
	}
	return p.Commit(ctx, text, canon)
}

// assignable picks the literal the engine decomposes. A class that
// captured a stored literal assigns under that literal, so its
// components resolve to the existing record's mappings.
func assignable(c entity.Canonical) entity.Canonical {
	if c.KnownLiteral != "" {
		c.Representative.Text = c.KnownLiteral
	}
	return c
}

// reusedAssignment reports whether every component of the assignment
// resolved from an existing mapping.
func reusedAssignment(a pseudonym.Assignment) bool {
	if len(a.Components) == 0 {
		return false
	}
	for _, c := range a.Components {
		if !c.Reused {
			return false
		}
	}
	return true
}

func toRecord(a pseudonym.Assignment) store.MappingRecord {
	comps := make([]store.Component, len(a.Components))
	for i, c := range a.Components {
		comps[i] = store.Component{Source: c.Source, Kind: c.Kind, Pseudonym: c.Pseudonym}
	}
	return store.MappingRecord{
		Category:        a.Category,
		Literal:         a.Literal,
		Pseudonym:       a.Pseudonym,
		Components:      comps,
		Gender:          a.Gender,
		Theme:           a.Theme,
		Ambiguous:       a.Ambiguous,
		AmbiguityReason: a.AmbiguityReason,
	}
}

// substitute renders every member span of every proposal and applies
// the replacements in one pass.
func substitute(text string, proposals []review.Proposal) (string, []replace.Replacement, error) {
	var repls []replace.Replacement
	for _, pr := range proposals {
		for _, m := range pr.Entity.Members {
			if m.End > len(text) || m.Start >= m.End {
				continue
			}
			repls = append(repls, replace.Replacement{
				Start: m.Start,
				End:   m.End,
				Text:  renderForm(m, pr.Assignment),
			})
		}
	}
	return replace.Apply(text, repls)
}

// renderForm renders the pseudonym the way the original form was
// written: titles and leading prepositions are preserved, and a span
// that mentions only one name component is replaced by only that
// component ("Dubois" becomes "Beaumont", not "Jeanne Beaumont").
func renderForm(s entity.Span, a pseudonym.Assignment) string {
	switch s.Category {
	case entity.Person:
		stripped := group.StripTitles(s.Text)
		prefix := formPrefix(s.Text, stripped)
		words := strings.Fields(stripped)
		if len(words) == 1 {
			if c, ok := componentFor(a, group.Fold(words[0])); ok {
				return prefix + c
			}
			if c, ok := componentOfKind(a, pseudonym.KindLastName); ok {
				return prefix + c
			}
		}
		return prefix + a.Pseudonym
	case entity.Location:
		stripped := group.StripPrepositions(s.Text)
		return formPrefix(s.Text, stripped) + a.Pseudonym
	default:
		return a.Pseudonym
	}
}

// formPrefix recovers the leading words stripping removed, whitespace
// included, so they survive the substitution verbatim.
func formPrefix(original, stripped string) string {
	if stripped == original || stripped == "" {
		return ""
	}
	if i := strings.LastIndex(original, stripped); i > 0 {
		return original[:i]
	}
	return ""
}

func componentFor(a pseudonym.Assignment, source string) (string, bool) {
	for _, c := range a.Components {
		if c.Source == source {
			return c.Pseudonym, true
		}
	}
	return "", false
}

func componentOfKind(a pseudonym.Assignment, kind pseudonym.Kind) (string, bool) {
	for _, c := range a.Components {
		if c.Kind == kind {
			return c.Pseudonym, true
		}
	}
	return "", false
}
