package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/veil-ai/veil/internal/pseudonym"
)

// projection is the in-memory component↔pseudonym view rebuilt from
// MappingRecords at open and written through on every save. Guarded by
// its own lock so worker goroutines can read while the coordinator
// writes.
type projection struct {
	mu sync.RWMutex

	// (kind, source component) → pseudonym component
	bindings map[pseudonym.Kind]map[string]string

	// reverse index for collision detection: (kind, pseudonym) → source
	reverse map[pseudonym.Kind]map[string]string

	// (kind, source component) → record ids carrying it
	records map[pseudonym.Kind]map[string][]string
}

func newProjection() *projection {
	return &projection{
		bindings: map[pseudonym.Kind]map[string]string{},
		reverse:  map[pseudonym.Kind]map[string]string{},
		records:  map[pseudonym.Kind]map[string][]string{},
	}
}

// Projection exposes the store's component view under the capability
// contract the assignment engine expects.
func (s *Store) Projection() pseudonym.Projection { return s.proj }

// ResetProjection rebuilds the projection from persisted records,
// discarding provisional bindings from an interrupted or re-reviewed
// pass.
func (s *Store) ResetProjection(ctx context.Context) error {
	return s.rebuildProjection(ctx)
}

func (s *Store) rebuildProjection(ctx context.Context) error {
	fresh := newProjection()

	rows, err := s.readDB.QueryContext(ctx, `SELECT id, components FROM entities`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var encComp []byte
		if err := rows.Scan(&id, &encComp); err != nil {
			return err
		}
		compJSON, err := s.cipher.open(encComp)
		if err != nil {
			return fmt.Errorf("component decryption failed: %w", err)
		}
		var comps []Component
		if err := json.Unmarshal(compJSON, &comps); err != nil {
			return err
		}
		for _, c := range comps {
			fresh.add(c, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if s.proj == nil {
		s.proj = fresh
		return nil
	}
	s.proj.mu.Lock()
	s.proj.bindings = fresh.bindings
	s.proj.reverse = fresh.reverse
	s.proj.records = fresh.records
	s.proj.mu.Unlock()
	return nil
}

func (p *projection) add(c Component, recordID string) {
	if p.bindings[c.Kind] == nil {
		p.bindings[c.Kind] = map[string]string{}
		p.reverse[c.Kind] = map[string]string{}
		p.records[c.Kind] = map[string][]string{}
	}
	p.bindings[c.Kind][c.Source] = c.Pseudonym
	p.reverse[c.Kind][c.Pseudonym] = c.Source
	ids := p.records[c.Kind][c.Source]
	for _, id := range ids {
		if id == recordID {
			return
		}
	}
	p.records[c.Kind][c.Source] = append(ids, recordID)
}

// writeThrough records a saved record's components, keeping the
// projection atomic with the row it mirrors.
func (p *projection) writeThrough(rec MappingRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range rec.Components {
		p.add(c, rec.ID)
	}
}

// Lookup implements pseudonym.Projection.
func (p *projection) Lookup(component string, kind pseudonym.Kind) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.bindings[kind][component]
	return v, ok
}

// Bind implements pseudonym.Projection. First assignment wins; binding
// a pseudonym already held by a different source component of the same
// kind is a consistency defect.
func (p *projection) Bind(component string, kind pseudonym.Kind, pseudo string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.bindings[kind][component]; ok {
		if existing != pseudo {
			return fmt.Errorf("%w: %s component already bound", pseudonym.ErrCollision, kind)
		}
		return nil
	}
	if src, ok := p.reverse[kind][pseudo]; ok && src != component {
		return fmt.Errorf("%w: %s pseudonym already serves another component",
			pseudonym.ErrCollision, kind)
	}

	if p.bindings[kind] == nil {
		p.bindings[kind] = map[string]string{}
		p.reverse[kind] = map[string]string{}
		p.records[kind] = map[string][]string{}
	}
	p.bindings[kind][component] = pseudo
	p.reverse[kind][pseudo] = component
	return nil
}

// Pseudonyms implements pseudonym.Projection.
func (p *projection) Pseudonyms(kind pseudonym.Kind) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.bindings[kind]))
	for _, v := range p.bindings[kind] {
		out = append(out, v)
	}
	return out
}

func (p *projection) recordIDs(component string, kind pseudonym.Kind) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := p.records[kind][component]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
