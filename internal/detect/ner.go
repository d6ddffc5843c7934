package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/veil-ai/veil/internal/config"
	"github.com/veil-ai/veil/internal/entity"
)

// NERDetector wraps an ONNX token-classification model. Sessions hold
// mutable tensor state, so one instance must never be shared across
// concurrent callers; batch workers each load their own.
type NERDetector struct {
	session   *ort.AdvancedSession
	tokenizer *wordpiece
	labels    []nerLabel
	seqLen    int

	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	output        *ort.Tensor[float32]

	mu sync.Mutex
}

// nerLabel is one decoded entry of the model's label map. BIO tags carry
// the category and, for gender-partitioned person models, a gender suffix
// (e.g. "B-PER-F").
type nerLabel struct {
	outside  bool
	begin    bool
	category entity.Category
	gender   entity.Gender
}

// LoadNER initializes the ONNX session and tokenizer from a bundle dir
// containing model.onnx, label_map.json, and tokenizer/vocab.txt.
// All load failures wrap ErrDetectorUnavailable so the composite can
// degrade instead of aborting.
func LoadNER(nc config.NERConfig) (*NERDetector, error) {
	bundleDir := strings.TrimSpace(nc.BundleDir)
	if bundleDir == "" {
		return nil, fmt.Errorf("%w: bundle dir is empty", ErrDetectorUnavailable)
	}
	seqLen := nc.SeqLen
	if seqLen <= 0 {
		seqLen = 256
	}

	libPath := resolveSharedLibraryPath(bundleDir)
	if libPath == "" {
		return nil, fmt.Errorf("%w: onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime", ErrDetectorUnavailable)
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: initialize onnxruntime: %v", ErrDetectorUnavailable, err)
		}
	}

	modelPath := filepath.Join(bundleDir, "model.onnx")
	labelsPath := filepath.Join(bundleDir, "label_map.json")
	vocabPath := filepath.Join(bundleDir, "tokenizer", "vocab.txt")

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: model file missing at %s: %v", ErrDetectorUnavailable, modelPath, err)
	}

	labels, err := loadLabelMap(labelsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load labels: %v", ErrDetectorUnavailable, err)
	}

	tokenizer, err := loadWordpiece(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load tokenizer: %v", ErrDetectorUnavailable, err)
	}

	inputShape := ort.NewShape(1, int64(seqLen))
	inputIDs, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	attnMask, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(seqLen), int64(len(labels))))
	if err != nil {
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]ort.Value{inputIDs, attnMask},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create onnx session: %v", ErrDetectorUnavailable, err)
	}

	return &NERDetector{
		session:       session,
		tokenizer:     tokenizer,
		labels:        labels,
		seqLen:        seqLen,
		inputIDs:      inputIDs,
		attentionMask: attnMask,
		output:        output,
	}, nil
}

func (d *NERDetector) Name() string { return SourceNER }

// SupportsGender reports whether the label map carries gendered person tags.
func (d *NERDetector) SupportsGender() bool {
	for _, l := range d.labels {
		if l.gender != entity.GenderUnknown {
			return true
		}
	}
	return false
}

// Detect runs inference and decodes BIO tags into spans. Long documents
// are windowed by seqLen tokens; offsets always refer to the full text.
func (d *NERDetector) Detect(ctx context.Context, text string) ([]entity.Span, error) {
	if d == nil || d.session == nil || d.tokenizer == nil {
		return nil, fmt.Errorf("%w: ner model not initialized", ErrDetectorUnavailable)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var spans []entity.Span
	for _, window := range windowText(text, d.seqLen*4) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ws, err := d.detectWindow(window.text, window.base)
		if err != nil {
			return nil, err
		}
		spans = append(spans, ws...)
	}
	entity.SortSpans(spans)
	return spans, nil
}

func (d *NERDetector) detectWindow(text string, base int) ([]entity.Span, error) {
	ids, attn, offsets := d.tokenizer.encode(text, d.seqLen)

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.inputIDs.GetData(), ids)
	copy(d.attentionMask.GetData(), attn)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	logits := d.output.GetData()
	n := len(d.labels)

	var spans []entity.Span
	var cur *entity.Span
	var curProbs []float64

	flush := func() {
		if cur == nil {
			return
		}
		conf := 0.0
		for _, p := range curProbs {
			conf += p
		}
		conf /= float64(len(curProbs))
		cur.Confidence = entity.Float64(conf)
		spans = append(spans, *cur)
		cur, curProbs = nil, nil
	}

	for tok := 0; tok < d.seqLen; tok++ {
		if attn[tok] == 0 || offsets[tok].Start < 0 {
			flush()
			continue
		}
		row := logits[tok*n : (tok+1)*n]
		best, prob := argmaxSoftmax(row)
		label := d.labels[best]

		switch {
		case label.outside:
			flush()
		case label.begin || cur == nil || cur.Category != label.category:
			flush()
			s := entity.Span{
				Start:    base + offsets[tok].Start,
				End:      base + offsets[tok].End,
				Category: label.category,
				Source:   SourceNER,
				Gender:   label.gender,
			}
			cur = &s
			curProbs = []float64{prob}
		default:
			cur.End = base + offsets[tok].End
			curProbs = append(curProbs, prob)
		}
		if cur != nil {
			cur.Text = textSlice(cur, base, text)
		}
	}
	flush()
	return spans, nil
}

func textSlice(s *entity.Span, base int, window string) string {
	lo, hi := s.Start-base, s.End-base
	if lo < 0 || hi > len(window) || lo > hi {
		return s.Text
	}
	return window[lo:hi]
}

func argmaxSoftmax(row []float32) (int, float64) {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	var denom float64
	for _, v := range row {
		denom += math.Exp(float64(v - row[best]))
	}
	return best, 1.0 / denom
}

type textWindow struct {
	text string
	base int
}

// windowText splits text at whitespace near maxBytes so no window
// truncates mid-word. Single-window documents pass through untouched.
func windowText(text string, maxBytes int) []textWindow {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return []textWindow{{text: text}}
	}
	var out []textWindow
	base := 0
	for base < len(text) {
		end := base + maxBytes
		if end >= len(text) {
			end = len(text)
		} else {
			cut := strings.LastIndexAny(text[base:end], " \t\n")
			if cut > 0 {
				end = base + cut
			}
		}
		out = append(out, textWindow{text: text[base:end], base: base})
		base = end
		for base < len(text) && (text[base] == ' ' || text[base] == '\t' || text[base] == '\n') {
			base++
		}
	}
	return out
}

// loadLabelMap reads label_map.json, either a JSON array of tags or an
// {"0": "O", "1": "B-PER", ...} index map.
func loadLabelMap(path string) ([]nerLabel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil || len(tags) == 0 {
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		tags = make([]string, len(m))
		for k, v := range m {
			idx, convErr := strconv.Atoi(k)
			if convErr != nil {
				return nil, fmt.Errorf("invalid label index %q: %w", k, convErr)
			}
			if idx < 0 || idx >= len(m) {
				return nil, fmt.Errorf("label index %d out of range", idx)
			}
			tags[idx] = v
		}
	}

	labels := make([]nerLabel, len(tags))
	for i, tag := range tags {
		l, err := parseTag(tag)
		if err != nil {
			return nil, err
		}
		labels[i] = l
	}
	return labels, nil
}

func parseTag(tag string) (nerLabel, error) {
	if tag == "O" {
		return nerLabel{outside: true}, nil
	}
	parts := strings.Split(tag, "-")
	if len(parts) < 2 {
		return nerLabel{}, fmt.Errorf("malformed BIO tag %q", tag)
	}
	l := nerLabel{begin: parts[0] == "B"}
	if parts[0] != "B" && parts[0] != "I" {
		return nerLabel{}, fmt.Errorf("malformed BIO tag %q", tag)
	}
	switch parts[1] {
	case "PER", "PERSON":
		l.category = entity.Person
	case "LOC", "LOCATION":
		l.category = entity.Location
	case "ORG", "ORGANIZATION":
		l.category = entity.Organization
	default:
		return nerLabel{}, fmt.Errorf("unsupported entity tag %q", tag)
	}
	if len(parts) > 2 {
		switch parts[2] {
		case "F":
			l.gender = entity.GenderFeminine
		case "M":
			l.gender = entity.GenderMasculine
		}
	}
	return l, nil
}

// resolveSharedLibraryPath locates a platform-specific onnxruntime shared
// library. ONNXRUNTIME_SHARED_LIBRARY_PATH wins; otherwise common
// names/locations are probed.
func resolveSharedLibraryPath(bundleDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"libonnxruntime.so",
		"onnxruntime.so",
		"onnxruntime.dll",
	}
	dirs := []string{
		bundleDir,
		filepath.Join(bundleDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
