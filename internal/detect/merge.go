package detect

import (
	"context"
	"fmt"

	"github.com/veil-ai/veil/internal/redact"
	"github.com/veil-ai/veil/internal/entity"
)

// Merge combines independently produced span lists over the same text
// into one deduplicated list:
//
//   - identical offsets: keep the span from the higher-trust source
//     (NER over pattern, since it carries a confidence signal)
//   - disjoint spans: keep both
//   - partial overlap: keep both, flag the lower-priority one ambiguous
//     so review can resolve it instead of silently dropping it
//
// Output order is the stable rule from entity.SortSpans, so equal inputs
// always produce byte-identical output.
func Merge(lists ...[]entity.Span) []entity.Span {
	var all []entity.Span
	for _, l := range lists {
		all = append(all, l...)
	}
	entity.SortSpans(all)

	var out []entity.Span
	for _, s := range all {
		replaced := false
		for i := range out {
			k := &out[i]
			if s.SameOffsets(*k) {
				if sourceRank(s.Source) < sourceRank(k.Source) {
					*k = s
				}
				replaced = true
				break
			}
		}
		if replaced {
			continue
		}
		// The ambiguity flag goes on the lower-trust side of the pair,
		// whichever side entered the list first.
		for i := range out {
			k := &out[i]
			if !s.Overlaps(*k) {
				continue
			}
			if sourceRank(s.Source) < sourceRank(k.Source) {
				k.Ambiguous = true
				k.AmbiguityReason = "overlaps a higher-priority detection"
			} else {
				s.Ambiguous = true
				s.AmbiguityReason = "overlaps a higher-priority detection"
			}
		}
		out = append(out, s)
	}
	entity.SortSpans(out)
	return out
}

// Composite fans one text out to several detectors and merges the
// results. Detectors that failed to load are remembered as degraded so
// the loss is reported, never silent.
type Composite struct {
	detectors []Detector
	degraded  []string
}

// NewComposite builds a composite from the detectors that loaded.
// loadErrs carry the names of detectors that did not; at least one live
// detector is required.
func NewComposite(detectors []Detector, degraded []string) (*Composite, error) {
	if len(detectors) == 0 {
		return nil, fmt.Errorf("%w: all detectors failed to load", ErrNoDetectors)
	}
	for _, name := range degraded {
		redact.Logf("[detect] running without %s detector (failed to load)", name)
	}
	return &Composite{detectors: detectors, degraded: degraded}, nil
}

func (c *Composite) Name() string { return "composite" }

// SupportsGender reports whether any live detector emits gender hints.
func (c *Composite) SupportsGender() bool {
	for _, d := range c.detectors {
		if d.SupportsGender() {
			return true
		}
	}
	return false
}

// Degraded lists the detectors that failed to load.
func (c *Composite) Degraded() []string { return c.degraded }

// Detect runs every live detector and merges their spans. A detector
// erroring at run time degrades the pass the same way a load failure
// does: the remaining detectors' output is still returned.
func (c *Composite) Detect(ctx context.Context, text string) ([]entity.Span, error) {
	lists := make([][]entity.Span, 0, len(c.detectors))
	failures := 0
	for _, d := range c.detectors {
		spans, err := d.Detect(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			redact.Logf("[detect] %s detector failed: %v", d.Name(), err)
			failures++
			continue
		}
		lists = append(lists, spans)
	}
	if failures == len(c.detectors) {
		return nil, fmt.Errorf("%w: every detector failed", ErrNoDetectors)
	}
	return Merge(lists...), nil
}
