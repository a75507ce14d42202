package jobstore

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var upFileRE = regexp.MustCompile(`^(\d+)_.*\.sql$`)

// migrationFile pairs a migration number with its up-script SQL.
type migrationFile struct {
	version int
	name    string
	sql     string
}

// loadMigrations reads every NNN_*.sql (excluding *.down.sql) from the
// embedded migrations directory, sorted in lexical/numeric order — the
// additive-migration contract of spec §6.2.
func loadMigrations() ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var out []migrationFile
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".down.sql") {
			continue
		}
		m := upFileRE.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, migrationFile{version: version, name: name, sql: string(data)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrate applies every migration whose version is greater than the
// highest version row found in schema_version, each in its own
// transaction, and records the applied version. The daemon refuses to
// start if an already-applied version's file cannot be found (a version
// mismatch it cannot apply), matching spec §3.1's schema_version contract.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure schema_version table: %w", err)
	}

	current := 0
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	files, err := loadMigrations()
	if err != nil {
		return err
	}

	if current > 0 {
		known := false
		for _, f := range files {
			if f.version == current {
				known = true
			}
		}
		if !known {
			return fmt.Errorf("schema_version %d has no migration file in this build", current)
		}
	}

	for _, f := range files {
		if f.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", f.name, err)
		}
		if _, err := tx.Exec(f.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", f.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			f.version, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f.name, err)
		}
	}

	return nil
}
