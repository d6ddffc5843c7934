// Package detect finds personal-data entities in free text. Two detector
// families are provided: a rule/dictionary matcher and an ONNX NER model.
// The composite merges their output into one deduplicated span list.
package detect

import (
	"context"
	"errors"

	"github.com/veil-ai/veil/internal/entity"
)

// Source tags identify which detector produced a span. The merger trusts
// NER over pattern when both report the identical span.
const (
	SourcePattern = "pattern"
	SourceNER     = "ner"
	SourceManual  = "manual"
)

var (
	// ErrNoDetectors is returned when every configured detector failed to load.
	ErrNoDetectors = errors.New("no detector available")

	// ErrDetectorUnavailable marks a detector that failed to load or run.
	// The composite degrades to the surviving detectors and logs the loss.
	ErrDetectorUnavailable = errors.New("detector unavailable")
)

// Detector is the uniform capability contract for all entity finders.
type Detector interface {
	// Detect returns all entity spans found in text, in the stable order
	// defined by entity.SortSpans.
	Detect(ctx context.Context, text string) ([]entity.Span, error)

	// Name identifies the detector in logs and span source tags.
	Name() string

	// SupportsGender reports whether spans may carry a gender hint.
	SupportsGender() bool
}

func sourceRank(source string) int {
	switch source {
	case SourceNER:
		return 0
	case SourcePattern:
		return 1
	default:
		return 2
	}
}
