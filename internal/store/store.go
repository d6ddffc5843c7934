// Package store is the encrypted mapping repository: a per-project
// sqlite file holding original↔pseudonym records with every sensitive
// column individually encrypted. It is the only component that touches
// persisted state; everything else goes through its interface.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/veil-ai/veil/internal/redact"
)

const schemaVersion = 1

const ddl = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	id               TEXT PRIMARY KEY,
	category         TEXT NOT NULL,
	literal          BLOB NOT NULL UNIQUE,
	pseudonym        BLOB NOT NULL,
	components       BLOB NOT NULL,
	gender           TEXT NOT NULL DEFAULT '',
	theme            TEXT NOT NULL DEFAULT '',
	ambiguous        INTEGER NOT NULL DEFAULT 0,
	ambiguity_reason TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           TEXT NOT NULL,
	kind         TEXT NOT NULL,
	entity_count INTEGER NOT NULL DEFAULT 0,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	success      INTEGER NOT NULL DEFAULT 1,
	detail       TEXT NOT NULL DEFAULT ''
);
`

// Store wraps the sqlite file with split read/write handles: the read
// pool serves concurrent worker lookups, the write pool is capped at one
// connection so there is never more than one in-flight writer.
type Store struct {
	readDB  *sql.DB
	writeDB *sql.DB
	cipher  *boxCipher

	writeMu sync.Mutex
	proj    *projection
}

func connect(path string) (*sql.DB, error) {
	return sql.Open("sqlite", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=500&", path))
}

// Open opens (or initializes) the store at path. The passphrase is
// verified against the stored canary before any real decryption, so a
// wrong passphrase fails immediately with ErrBadPassphrase.
func Open(ctx context.Context, path, passphrase string) (*Store, error) {
	writeDB, err := connect(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open write handle: %v", ErrStoreUnusable, err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := connect(path)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("%w: open read handle: %v", ErrStoreUnusable, err)
	}
	readDB.SetMaxOpenConns(runtime.NumCPU())

	s := &Store{readDB: readDB, writeDB: writeDB}

	if _, err := writeDB.ExecContext(ctx, ddl); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: initialize schema: %v", ErrStoreUnusable, err)
	}
	if err := s.openMeta(ctx, passphrase); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.rebuildProjection(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: rebuild component projection: %v", ErrStoreUnusable, err)
	}
	return s, nil
}

// Close releases both database handles.
func (s *Store) Close() error {
	var first error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			first = err
		}
	}
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Store) openMeta(ctx context.Context, passphrase string) error {
	version, err := s.metaValue(ctx, "schema_version")
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.initMeta(ctx, passphrase)
	case err != nil:
		return fmt.Errorf("%w: read meta: %v", ErrStoreUnusable, err)
	}

	v, err := strconv.Atoi(string(version))
	if err != nil || v != schemaVersion {
		return fmt.Errorf("%w: store has version %q, this build expects %d",
			ErrSchemaMismatch, version, schemaVersion)
	}

	salt, err := s.metaValue(ctx, "salt")
	if err != nil {
		return fmt.Errorf("%w: salt missing: %v", ErrStoreUnusable, err)
	}
	params, err := s.kdfParams(ctx)
	if err != nil {
		return err
	}
	c, err := newBoxCipher(passphrase, salt, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnusable, err)
	}

	canary, err := s.metaValue(ctx, "canary")
	if err != nil {
		return fmt.Errorf("%w: canary missing: %v", ErrStoreUnusable, err)
	}
	if pt, err := c.open(canary); err != nil || string(pt) != canaryPlaintext {
		return ErrBadPassphrase
	}

	s.cipher = c
	return nil
}

func (s *Store) initMeta(ctx context.Context, passphrase string) error {
	salt, err := newSalt()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnusable, err)
	}
	params := kdfParams{N: kdfN, R: kdfR, P: kdfP}
	c, err := newBoxCipher(passphrase, salt, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnusable, err)
	}

	rows := map[string][]byte{
		"schema_version": []byte(strconv.Itoa(schemaVersion)),
		"salt":           salt,
		"kdf_n":          []byte(strconv.Itoa(params.N)),
		"kdf_r":          []byte(strconv.Itoa(params.R)),
		"kdf_p":          []byte(strconv.Itoa(params.P)),
		"canary":         c.seal([]byte(canaryPlaintext)),
	}
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnusable, err)
	}
	defer tx.Rollback()
	for k, v := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("%w: write meta %s: %v", ErrStoreUnusable, k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnusable, err)
	}

	s.cipher = c
	redact.Logf("[store] initialized new store (salt %s…)", hex.EncodeToString(salt[:4]))
	return nil
}

func (s *Store) metaValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.readDB.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	return value, err
}

func (s *Store) kdfParams(ctx context.Context) (kdfParams, error) {
	var p kdfParams
	for _, it := range []struct {
		key string
		dst *int
	}{
		{"kdf_n", &p.N}, {"kdf_r", &p.R}, {"kdf_p", &p.P},
	} {
		raw, err := s.metaValue(ctx, it.key)
		if err != nil {
			return p, fmt.Errorf("%w: %s missing: %v", ErrStoreUnusable, it.key, err)
		}
		v, err := strconv.Atoi(string(raw))
		if err != nil {
			return p, fmt.Errorf("%w: bad %s: %v", ErrStoreUnusable, it.key, err)
		}
		*it.dst = v
	}
	return p, nil
}
