// Package pseudonym assigns consistent replacement names. Components
// (first names, surnames, places, organizations) are drawn from a themed
// catalogue and reused compositionally, so two people sharing a first
// name share a pseudonym first name too.
package pseudonym

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/veil-ai/veil/internal/entity"
)

// Kind identifies which component of a full literal a mapping covers.
type Kind string

const (
	KindFirstName    Kind = "first_name"
	KindLastName     Kind = "last_name"
	KindPlace        Kind = "place"
	KindOrganization Kind = "organization"
)

// Kinds lists all component kinds in stable order.
var Kinds = []Kind{KindFirstName, KindLastName, KindPlace, KindOrganization}

// ErrExhausted is returned when a theme pool has no unused member left
// for the requested kind. Callers fall back to systematic naming.
var ErrExhausted = errors.New("pseudonym pool exhausted")

// Source is the capability contract for a themed pseudonym catalogue.
type Source interface {
	// Draw returns an unused component of the given kind, filtered by
	// gender when the pool is gender-partitioned and the gender is known.
	Draw(kind Kind, gender entity.Gender) (string, error)

	// MarkUsed retires a component so it is never drawn again. Used both
	// after a successful draw and at store open to replay prior state.
	MarkUsed(kind Kind, component string)

	// ExhaustionFraction reports used/total for a kind, in [0, 1].
	ExhaustionFraction(kind Kind) float64

	// ResetState clears the used marks, for a fresh validation pass.
	ResetState()

	// Name tags records with the theme they were drawn from.
	Name() string
}

// catalogue is the on-disk theme format.
type catalogue struct {
	Name   string `yaml:"name"`
	Person struct {
		First struct {
			Feminine  []string `yaml:"f"`
			Masculine []string `yaml:"m"`
		} `yaml:"first"`
		Last []string `yaml:"last"`
	} `yaml:"person"`
	Locations     []string `yaml:"locations"`
	Organizations []string `yaml:"organizations"`
}

//go:embed themes/classique.yaml
var builtinClassique []byte

// Theme is a deterministic pool-backed Source: components are handed out
// in catalogue order, never twice.
type Theme struct {
	name  string
	pools map[Kind][]poolEntry
	used  map[Kind]map[string]bool
}

type poolEntry struct {
	value  string
	gender entity.Gender
}

// LoadTheme reads a catalogue YAML. An empty path loads the built-in
// "classique" theme.
func LoadTheme(path string) (*Theme, error) {
	data := builtinClassique
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read theme: %w", err)
		}
	}

	var cat catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse theme: %w", err)
	}
	if cat.Name == "" {
		return nil, errors.New("theme has no name")
	}

	t := &Theme{
		name:  cat.Name,
		pools: map[Kind][]poolEntry{},
		used:  map[Kind]map[string]bool{},
	}
	for _, v := range cat.Person.First.Feminine {
		t.pools[KindFirstName] = append(t.pools[KindFirstName], poolEntry{v, entity.GenderFeminine})
	}
	for _, v := range cat.Person.First.Masculine {
		t.pools[KindFirstName] = append(t.pools[KindFirstName], poolEntry{v, entity.GenderMasculine})
	}
	for _, v := range cat.Person.Last {
		t.pools[KindLastName] = append(t.pools[KindLastName], poolEntry{value: v})
	}
	for _, v := range cat.Locations {
		t.pools[KindPlace] = append(t.pools[KindPlace], poolEntry{value: v})
	}
	for _, v := range cat.Organizations {
		t.pools[KindOrganization] = append(t.pools[KindOrganization], poolEntry{value: v})
	}
	for _, k := range Kinds {
		if len(t.pools[k]) == 0 {
			return nil, fmt.Errorf("theme %q has an empty %s pool", cat.Name, k)
		}
		t.used[k] = map[string]bool{}
	}
	return t, nil
}

func (t *Theme) Name() string { return t.name }

func (t *Theme) Draw(kind Kind, gender entity.Gender) (string, error) {
	for _, e := range t.pools[kind] {
		if t.used[kind][e.value] {
			continue
		}
		if kind == KindFirstName && gender != entity.GenderUnknown && e.gender != gender {
			continue
		}
		return e.value, nil
	}
	// A gender-filtered draw that came up empty retries unfiltered before
	// giving up: a cross-gender pseudonym beats a systematic one.
	if kind == KindFirstName && gender != entity.GenderUnknown {
		return t.Draw(kind, entity.GenderUnknown)
	}
	return "", fmt.Errorf("%w: kind %s", ErrExhausted, kind)
}

func (t *Theme) MarkUsed(kind Kind, component string) {
	if t.used[kind] == nil {
		t.used[kind] = map[string]bool{}
	}
	t.used[kind][component] = true
}

func (t *Theme) ExhaustionFraction(kind Kind) float64 {
	total := len(t.pools[kind])
	if total == 0 {
		return 1
	}
	used := 0
	for _, e := range t.pools[kind] {
		if t.used[kind][e.value] {
			used++
		}
	}
	return float64(used) / float64(total)
}

func (t *Theme) ResetState() {
	for _, k := range Kinds {
		t.used[k] = map[string]bool{}
	}
}
