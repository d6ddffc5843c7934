package store

import "errors"

var (
	// ErrNotFound is returned by lookups that match no record.
	ErrNotFound = errors.New("mapping record not found")

	// ErrBadPassphrase means the canary failed to decrypt: the store
	// exists but the supplied passphrase does not open it.
	ErrBadPassphrase = errors.New("wrong passphrase for store")

	// ErrSchemaMismatch means the store was written by an incompatible
	// version. No partial recovery is attempted.
	ErrSchemaMismatch = errors.New("store schema version mismatch")

	// ErrStoreUnusable wraps failures that invalidate the store for all
	// further operations in this process.
	ErrStoreUnusable = errors.New("store unusable")
)
