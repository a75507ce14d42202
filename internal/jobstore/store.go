package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Options configures an Open call.
type Options struct {
	// Path is the database file path. Use "file::memory:?cache=shared" for
	// an in-memory instance (tests only — WAL is meaningless there).
	Path string
	// BusyTimeout bounds how long a statement waits on a locked database
	// before the driver returns its busy error. That error reaches callers
	// wrapped like any other driver error; it is not mapped to ErrBusy.
	BusyTimeout time.Duration
	// EncryptionKey, when non-nil, is the 32-byte key Store uses to seal
	// Payload/EnvAllowlist at rest (spec's opaque-payload contract). A nil
	// key leaves those columns in cleartext, matching the teacher's
	// existing non-encrypted storage backends.
	EncryptionKey []byte
}

// DefaultOptions returns sane defaults for a production daemon invocation.
func DefaultOptions(path string) Options {
	return Options{Path: path, BusyTimeout: 5 * time.Second}
}

// Store owns the single *sql.DB handle and exposes the Repository built on
// top of it. modernc.org/sqlite is pure Go (no cgo), the same tradeoff the
// hazyhaar reference engine makes — important for a daemon that gets cross-
// compiled and dropped onto machines without a C toolchain.
type Store struct {
	db   *sql.DB
	repo *Repository
}

// Open opens (creating if absent) the database file, applies WAL mode and
// a busy timeout, runs pending migrations, and returns a ready Store. The
// single *sql.DB is limited to one open connection, so every statement,
// read or write, runs on that connection one at a time; reads do not run
// concurrently with each other or with a write.
func Open(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection: all statements, reads included, are serialized.
	db.SetMaxOpenConns(1)

	busyMS := opts.BusyTimeout.Milliseconds()
	if busyMS <= 0 {
		busyMS = 5000
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyMS),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, integrity)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var crypt *payloadCipher
	if len(opts.EncryptionKey) > 0 {
		c, err := newPayloadCipher(opts.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init payload cipher: %w", err)
		}
		crypt = c
	}

	return &Store{
		db:   db,
		repo: newRepository(db, crypt),
	}, nil
}

// Repository returns the Store's Repository, bound to the same connection.
func (s *Store) Repository() *Repository { return s.repo }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
