package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veil-ai/veil/internal/entity"
	"github.com/veil-ai/veil/internal/group"
	"github.com/veil-ai/veil/internal/pseudonym"
)

// Component is one decomposed original→pseudonym piece of a record.
// Source is the folded component key (see group.Fold).
type Component struct {
	Source    string         `json:"source"`
	Kind      pseudonym.Kind `json:"kind"`
	Pseudonym string         `json:"pseudonym"`
}

// MappingRecord is the persisted unit of truth: one row per unique
// original literal. Literal, pseudonym, and components are individually
// encrypted at rest.
type MappingRecord struct {
	ID              string
	Category        entity.Category
	Literal         string
	Pseudonym       string
	Components      []Component
	Gender          entity.Gender
	Theme           string
	Ambiguous       bool
	AmbiguityReason string
	CreatedAt       time.Time
}

// Filter narrows FindAll. Zero values match everything.
type Filter struct {
	Category  entity.Category
	Ambiguous *bool
}

// FindByLiteral looks a record up by its original literal. The lookup
// encrypts the probe deterministically and compares ciphertexts, so the
// table is never bulk-decrypted.
func (s *Store) FindByLiteral(ctx context.Context, literal string) (*MappingRecord, error) {
	row := s.readDB.QueryRowContext(ctx, selectRecord+` WHERE literal = ?`,
		s.cipher.sealString(literal))
	rec, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// FindByComponent returns every record that carries the given component
// mapping, via the in-memory projection index.
func (s *Store) FindByComponent(ctx context.Context, component string, kind pseudonym.Kind) ([]MappingRecord, error) {
	ids := s.proj.recordIDs(group.Fold(component), kind)
	out := make([]MappingRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.findByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// FindAll returns all records matching the filter, ordered by creation
// time then id for stable output.
func (s *Store) FindAll(ctx context.Context, f Filter) ([]MappingRecord, error) {
	query := selectRecord + ` WHERE 1=1`
	var args []any
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(f.Category))
	}
	if f.Ambiguous != nil {
		query += ` AND ambiguous = ?`
		args = append(args, boolToInt(*f.Ambiguous))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MappingRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// KnownLiterals lists every stored (literal, category) pair, for feeding
// back into variant grouping.
func (s *Store) KnownLiterals(ctx context.Context) ([]group.Known, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT literal, category FROM entities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []group.Known
	for rows.Next() {
		var box []byte
		var cat string
		if err := rows.Scan(&box, &cat); err != nil {
			return nil, err
		}
		lit, err := s.cipher.openString(box)
		if err != nil {
			return nil, fmt.Errorf("%w: literal decryption failed: %v", ErrStoreUnusable, err)
		}
		out = append(out, group.Known{Literal: lit, Category: entity.Category(cat)})
	}
	return out, rows.Err()
}

// Save upserts a record keyed on its unique literal: re-processing the
// same entity updates in place instead of duplicating. The component
// projection is written through in the same call.
func (s *Store) Save(ctx context.Context, rec MappingRecord) (*MappingRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.saveLocked(ctx, rec)
}

// SaveBatch saves several records inside one transaction.
func (s *Store) SaveBatch(ctx context.Context, recs []MappingRecord) ([]MappingRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	out := make([]MappingRecord, 0, len(recs))
	for _, rec := range recs {
		saved, err := s.saveLocked(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *saved)
	}
	return out, nil
}

func (s *Store) saveLocked(ctx context.Context, rec MappingRecord) (*MappingRecord, error) {
	encLit := s.cipher.sealString(rec.Literal)

	var existingID string
	var createdAt string
	err := s.writeDB.QueryRowContext(ctx,
		`SELECT id, created_at FROM entities WHERE literal = ?`, encLit).
		Scan(&existingID, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec.ID = uuid.NewString()
		rec.CreatedAt = time.Now().UTC()
	case err != nil:
		return nil, err
	default:
		rec.ID = existingID
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	}

	compJSON, err := json.Marshal(rec.Components)
	if err != nil {
		return nil, err
	}

	_, err = s.writeDB.ExecContext(ctx, `
		INSERT INTO entities
			(id, category, literal, pseudonym, components, gender, theme,
			 ambiguous, ambiguity_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(literal) DO UPDATE SET
			pseudonym = excluded.pseudonym,
			components = excluded.components,
			gender = excluded.gender,
			theme = excluded.theme,
			ambiguous = excluded.ambiguous,
			ambiguity_reason = excluded.ambiguity_reason`,
		rec.ID, string(rec.Category), encLit,
		s.cipher.sealString(rec.Pseudonym), s.cipher.seal(compJSON),
		string(rec.Gender), rec.Theme,
		boolToInt(rec.Ambiguous), rec.AmbiguityReason,
		rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}

	s.proj.writeThrough(rec)
	return &rec, nil
}

// Erase hard-deletes a record, purges component mappings that existed
// solely for it, and appends an ERASURE audit entry. There is no soft
// delete: re-processing the same text afterwards starts from scratch.
func (s *Store) Erase(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec, err := s.findByID(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.writeDB.ExecContext(ctx,
		`DELETE FROM entities WHERE id = ?`, id); err != nil {
		return err
	}

	// Rebuilding from the surviving rows drops exactly the bindings no
	// other record still needs.
	if err := s.rebuildProjection(ctx); err != nil {
		return fmt.Errorf("%w: projection rebuild after erase: %v", ErrStoreUnusable, err)
	}

	return s.logOperationLocked(ctx, OperationEntry{
		Kind:        OpErase,
		EntityCount: 1,
		Success:     true,
		Detail:      fmt.Sprintf("erased record %s (%s)", rec.ID, rec.Category),
	})
}

const selectRecord = `
	SELECT id, category, literal, pseudonym, components, gender, theme,
	       ambiguous, ambiguity_reason, created_at
	FROM entities`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) findByID(ctx context.Context, id string) (*MappingRecord, error) {
	row := s.readDB.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id)
	rec, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *Store) scanRecord(row rowScanner) (*MappingRecord, error) {
	var rec MappingRecord
	var cat, gender, createdAt string
	var encLit, encPseudo, encComp []byte
	var ambiguous int

	if err := row.Scan(&rec.ID, &cat, &encLit, &encPseudo, &encComp,
		&gender, &rec.Theme, &ambiguous, &rec.AmbiguityReason, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if rec.Literal, err = s.cipher.openString(encLit); err != nil {
		return nil, fmt.Errorf("%w: literal decryption failed: %v", ErrStoreUnusable, err)
	}
	if rec.Pseudonym, err = s.cipher.openString(encPseudo); err != nil {
		return nil, fmt.Errorf("%w: pseudonym decryption failed: %v", ErrStoreUnusable, err)
	}
	compJSON, err := s.cipher.open(encComp)
	if err != nil {
		return nil, fmt.Errorf("%w: component decryption failed: %v", ErrStoreUnusable, err)
	}
	if err := json.Unmarshal(compJSON, &rec.Components); err != nil {
		return nil, fmt.Errorf("%w: component decode failed: %v", ErrStoreUnusable, err)
	}

	rec.Category = entity.Category(cat)
	rec.Gender = entity.Gender(gender)
	rec.Ambiguous = ambiguous != 0
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
