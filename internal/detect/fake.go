package detect

import (
	"context"

	"github.com/veil-ai/veil/internal/entity"
)

// Fake is a scripted detector for tests: it returns the configured spans
// (or error) regardless of input, so the merge→group→assign chain can be
// exercised without model assets.
type Fake struct {
	Spans  []entity.Span
	Err    error
	Gender bool
	Tag    string
}

// NewFake returns a fake tagged as the NER source.
func NewFake(spans ...entity.Span) *Fake {
	return &Fake{Spans: spans, Tag: SourceNER}
}

func (f *Fake) Detect(_ context.Context, _ string) ([]entity.Span, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]entity.Span, len(f.Spans))
	copy(out, f.Spans)
	return out, nil
}

func (f *Fake) Name() string {
	if f.Tag != "" {
		return f.Tag
	}
	return "fake"
}

func (f *Fake) SupportsGender() bool { return f.Gender }
