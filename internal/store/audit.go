package store

import (
	"context"
	"time"
)

// Operation kinds recorded in the append-only audit log.
const (
	OpInit   = "INIT"
	OpDetect = "DETECT"
	OpAssign = "ASSIGN"
	OpBatch  = "BATCH"
	OpErase  = "ERASURE"
)

// OperationEntry is one append-only audit record. Entries are never
// mutated; only the erasure pathway may remove them, for
// compliance-driven deletion.
type OperationEntry struct {
	ID          int64
	At          time.Time
	Kind        string
	EntityCount int
	Duration    time.Duration
	Success     bool
	Detail      string
}

// LogOperation appends an audit entry.
func (s *Store) LogOperation(ctx context.Context, e OperationEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.logOperationLocked(ctx, e)
}

func (s *Store) logOperationLocked(ctx context.Context, e OperationEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO operations (ts, kind, entity_count, duration_ms, success, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.At.Format(time.RFC3339Nano), e.Kind, e.EntityCount,
		e.Duration.Milliseconds(), boolToInt(e.Success), e.Detail)
	return err
}

// Operations returns the audit log, oldest first.
func (s *Store) Operations(ctx context.Context) ([]OperationEntry, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, ts, kind, entity_count, duration_ms, success, detail
		FROM operations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationEntry
	for rows.Next() {
		var e OperationEntry
		var ts string
		var durationMS int64
		var success int
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.EntityCount,
			&durationMS, &success, &e.Detail); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, ts)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
