package detect

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// wordpiece is a minimal BERT-compatible tokenizer. Token classification
// needs the offset of every sub-token back into the source text, so
// encoding always carries offset mappings.
type wordpiece struct {
	vocab        map[string]int64
	lowerCase    bool
	clsID        int64
	sepID        int64
	padID        int64
	unkID        int64
	continuation string
}

// tokenOffset maps one encoded token back to a [Start, End) byte range of
// the source text. Special and padding tokens carry {-1, -1}.
type tokenOffset struct {
	Start int
	End   int
}

type wordSpan struct {
	Text  string
	Start int
	End   int
}

func loadWordpiece(path string) (*wordpiece, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		token := strings.TrimSpace(sc.Text())
		if token == "" {
			continue
		}
		vocab[token] = idx
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}

	return &wordpiece{
		vocab:        vocab,
		lowerCase:    true,
		continuation: "##",
		clsID:        vocab["[CLS]"],
		sepID:        vocab["[SEP]"],
		padID:        vocab["[PAD]"],
		unkID:        vocab["[UNK]"],
	}, nil
}

// encode converts text into token IDs, an attention mask, and per-token
// source offsets, all of length seqLen.
func (t *wordpiece) encode(text string, seqLen int) ([]int64, []int64, []tokenOffset) {
	if seqLen <= 0 {
		return nil, nil, nil
	}

	words := splitWords(text)
	tokens := []int64{t.clsID}
	offsets := []tokenOffset{{Start: -1, End: -1}}

	for _, w := range words {
		token := w.Text
		if t.lowerCase {
			token = strings.ToLower(token)
		}
		for _, p := range t.pieces(token) {
			tokens = append(tokens, p.id)
			offsets = append(offsets, tokenOffset{
				Start: w.Start + p.start,
				End:   w.Start + p.end,
			})
			if len(tokens) >= seqLen-1 {
				break
			}
		}
		if len(tokens) >= seqLen-1 {
			break
		}
	}

	tokens = append(tokens, t.sepID)
	offsets = append(offsets, tokenOffset{Start: -1, End: -1})

	attn := make([]int64, seqLen)
	for i := 0; i < len(tokens) && i < seqLen; i++ {
		attn[i] = 1
	}
	for len(tokens) < seqLen {
		tokens = append(tokens, t.padID)
		offsets = append(offsets, tokenOffset{Start: -1, End: -1})
	}

	return tokens, attn, offsets
}

type piece struct {
	id    int64
	start int
	end   int
}

func (t *wordpiece) pieces(token string) []piece {
	if id, ok := t.vocab[token]; ok {
		return []piece{{id: id, start: 0, end: len(token)}}
	}

	var out []piece
	start := 0
	for start < len(token) {
		end := len(token)
		matched := false
		for end > start {
			sub := token[start:end]
			if start > 0 {
				sub = t.continuation + sub
			}
			if id, ok := t.vocab[sub]; ok {
				out = append(out, piece{id: id, start: start, end: end})
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			return []piece{{id: t.unkID, start: 0, end: len(token)}}
		}
	}
	if len(out) == 0 {
		return []piece{{id: t.unkID, start: 0, end: len(token)}}
	}
	return out
}

// splitWords splits on whitespace and detaches trailing/leading
// punctuation so "Paris." tokenizes as "Paris" + ".".
func splitWords(text string) []wordSpan {
	if text == "" {
		return nil
	}
	var spans []wordSpan
	start := -1
	flush := func(end int) {
		if start >= 0 {
			spans = append(spans, splitPunct(text[start:end], start)...)
			start = -1
		}
	}
	for idx, r := range text {
		if unicode.IsSpace(r) {
			flush(idx)
			continue
		}
		if start < 0 {
			start = idx
		}
	}
	flush(len(text))
	return spans
}

func splitPunct(word string, base int) []wordSpan {
	runes := []rune(word)
	lo, hi := 0, len(runes)
	loBytes, hiBytes := 0, len(word)
	for lo < hi && unicode.IsPunct(runes[lo]) {
		loBytes += len(string(runes[lo]))
		lo++
	}
	for hi > lo && unicode.IsPunct(runes[hi-1]) {
		hiBytes -= len(string(runes[hi-1]))
		hi--
	}

	var out []wordSpan
	if loBytes > 0 {
		out = append(out, wordSpan{Text: word[:loBytes], Start: base, End: base + loBytes})
	}
	if hiBytes > loBytes {
		out = append(out, wordSpan{Text: word[loBytes:hiBytes], Start: base + loBytes, End: base + hiBytes})
	}
	if hiBytes < len(word) {
		out = append(out, wordSpan{Text: word[hiBytes:], Start: base + hiBytes, End: base + len(word)})
	}
	return out
}
