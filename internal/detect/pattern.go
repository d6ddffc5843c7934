package detect

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/veil-ai/veil/internal/config"
	"github.com/veil-ai/veil/internal/entity"
)

// defaults used when the pattern config leaves a list empty. Kept small:
// real deployments ship their own dictionaries.
var (
	defaultTitles = []string{
		"M.", "Mme", "Mlle", "Dr", "Dr.", "Pr", "Pr.",
		"Docteur", "Professeur", "Maître", "Mr", "Mrs", "Ms",
	}
	defaultFirstNames = []string{
		"Marie", "Jean", "Pierre", "Sophie", "Claire", "Paul",
		"Anne", "Luc", "Julie", "Nicolas", "Camille", "Thomas",
	}
	defaultOrgSuffixes = []string{
		"SA", "SARL", "SAS", "SNC", "GmbH", "AG", "Inc", "Inc.",
		"Ltd", "Ltd.", "LLC", "Corp", "Corp.", "& Fils", "et Cie",
	}
)

// locationCue matches a capitalized word following a location preposition.
// Group 1 is the preposition, group 2 the place name.
var locationCue = regexp.MustCompile(
	`(?:^|\s)(à|au|aux|en|de|du|des|vers|depuis|at|in|from|to)\s+` +
		`(\p{Lu}[\p{L}'\-]+(?:\s+\p{Lu}[\p{L}'\-]+)*)`,
)

// capitalizedRun matches one or more capitalized words (candidate names).
var capitalizedRun = `\p{Lu}[\p{L}'\-]+(?:\s+\p{Lu}[\p{L}'\-]+)*`

// PatternMatcher is the rule/dictionary detector: honorific titles,
// first-name dictionary hits, compound names, organization affixes, and
// preposition-cued place names. All rules are compiled once from config
// (file entries are appended to the inline lists).
type PatternMatcher struct {
	titleRe     *regexp.Regexp
	orgRe       *regexp.Regexp
	firstNameRe *regexp.Regexp
	firstNames  map[string]struct{}
	titles      map[string]struct{}
}

// patternFile mirrors PatternsConfig for the external dictionary file.
type patternFile struct {
	Titles      []string `yaml:"titles"`
	FirstNames  []string `yaml:"first_names"`
	OrgSuffixes []string `yaml:"org_suffixes"`
}

// NewPatternMatcher compiles the rule set from config.
func NewPatternMatcher(pc config.PatternsConfig) (*PatternMatcher, error) {
	titles := append([]string(nil), pc.Titles...)
	firstNames := append([]string(nil), pc.FirstNames...)
	orgSuffixes := append([]string(nil), pc.OrgSuffixes...)

	if pc.File != "" {
		data, err := os.ReadFile(pc.File)
		if err != nil {
			return nil, fmt.Errorf("%w: read pattern file: %v", ErrDetectorUnavailable, err)
		}
		var pf patternFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("%w: parse pattern file: %v", ErrDetectorUnavailable, err)
		}
		titles = append(titles, pf.Titles...)
		firstNames = append(firstNames, pf.FirstNames...)
		orgSuffixes = append(orgSuffixes, pf.OrgSuffixes...)
	}

	if len(titles) == 0 {
		titles = defaultTitles
	}
	if len(firstNames) == 0 {
		firstNames = defaultFirstNames
	}
	if len(orgSuffixes) == 0 {
		orgSuffixes = defaultOrgSuffixes
	}

	m := &PatternMatcher{
		firstNames: make(map[string]struct{}, len(firstNames)),
		titles:     make(map[string]struct{}, len(titles)),
	}
	for _, n := range firstNames {
		m.firstNames[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	for _, ti := range titles {
		m.titles[strings.ToLower(strings.TrimSpace(ti))] = struct{}{}
	}

	var err error
	m.titleRe, err = regexp.Compile(
		`(?:^|\s)(` + altGroup(titles) + `)\s+(` + capitalizedRun + `)`)
	if err != nil {
		return nil, fmt.Errorf("compile title rule: %w", err)
	}
	m.orgRe, err = regexp.Compile(
		`(` + capitalizedRun + `)\s+(` + altGroup(orgSuffixes) + `)(?:$|[\s.,;:!?])`)
	if err != nil {
		return nil, fmt.Errorf("compile organization rule: %w", err)
	}
	m.firstNameRe, err = regexp.Compile(
		`(?:^|\s)(` + altGroup(firstNames) + `)(?:\s+(\p{Lu}[\p{L}'\-]+))?`)
	if err != nil {
		return nil, fmt.Errorf("compile first-name rule: %w", err)
	}
	return m, nil
}

func altGroup(words []string) string {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(w))
	}
	return strings.Join(quoted, "|")
}

func (m *PatternMatcher) Name() string { return SourcePattern }

func (m *PatternMatcher) SupportsGender() bool { return false }

// Detect applies every rule, dropping matches fully contained in an
// earlier match of the same category.
func (m *PatternMatcher) Detect(_ context.Context, text string) ([]entity.Span, error) {
	var spans []entity.Span

	// Title + name: the literal keeps the title, grouping strips it later.
	for _, idx := range m.titleRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := idx[2], idx[5]
		spans = append(spans, entity.Span{
			Start:    start,
			End:      end,
			Text:     text[start:end],
			Category: entity.Person,
			Source:   SourcePattern,
		})
	}

	// Known first name, optionally followed by a capitalized surname.
	for _, idx := range m.firstNameRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := idx[2], idx[3]
		if idx[4] >= 0 {
			end = idx[5]
		}
		spans = append(spans, entity.Span{
			Start:    start,
			End:      end,
			Text:     text[start:end],
			Category: entity.Person,
			Source:   SourcePattern,
		})
	}

	// Organization affix.
	for _, idx := range m.orgRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := idx[2], idx[5]
		spans = append(spans, entity.Span{
			Start:    start,
			End:      end,
			Text:     text[start:end],
			Category: entity.Organization,
			Source:   SourcePattern,
		})
	}

	// Preposition-cued place name. The preposition is a cue only and is
	// not part of the span.
	for _, idx := range locationCue.FindAllStringSubmatchIndex(text, -1) {
		start, end := idx[4], idx[5]
		lit := text[start:end]
		head := strings.ToLower(firstWord(lit))
		if _, known := m.firstNames[head]; known {
			continue // "chez Marie" is a person cue, not a place
		}
		if _, known := m.titles[head]; known {
			continue // "de Dr Dubois" is a titled person, not a place
		}
		spans = append(spans, entity.Span{
			Start:    start,
			End:      end,
			Text:     lit,
			Category: entity.Location,
			Source:   SourcePattern,
		})
	}

	spans = dropContained(spans)
	entity.SortSpans(spans)
	return spans, nil
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}

// dropContained removes spans fully covered by a longer span of the same
// category, keeping the most specific literal for each rule family.
func dropContained(spans []entity.Span) []entity.Span {
	out := make([]entity.Span, 0, len(spans))
	for i, s := range spans {
		contained := false
		for j, o := range spans {
			if i == j || s.Category != o.Category {
				continue
			}
			if o.Start <= s.Start && s.End <= o.End && (o.End-o.Start) > (s.End-s.Start) {
				contained = true
				break
			}
			// Identical duplicates keep only the first occurrence.
			if o.Start == s.Start && o.End == s.End && j < i {
				contained = true
				break
			}
		}
		if !contained {
			out = append(out, s)
		}
	}
	return out
}
