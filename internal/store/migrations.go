// Package store provides database migrations for the sitereport document store.
// Schema changes are versioned in schema_versions; additive column changes that
// older databases may lack are applied idempotently afterwards.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"sitereport/internal/logging"
)

// Schema versions:
// v1: users, reports, photos
// v2: payments
// v3: sessions (hashed tokens)
const CurrentSchemaVersion = 3

// versionedMigrations maps a schema version to the statements that produce it.
var versionedMigrations = map[int]string{
	1: `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		google_sub TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user',
		paid INTEGER NOT NULL DEFAULT 0,
		paid_until TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_google_sub ON users(google_sub) WHERE google_sub != '';

	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		form_json TEXT NOT NULL DEFAULT '{}',
		signature TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_user ON reports(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS photos (
		id TEXT PRIMARY KEY,
		report_id TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		section TEXT NOT NULL,
		url TEXT NOT NULL,
		public_id TEXT NOT NULL DEFAULT '',
		caption TEXT NOT NULL DEFAULT '',
		lat REAL,
		lng REAL,
		taken_at TEXT,
		flagged INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_photos_report ON photos(report_id, section, position);
	`,
	2: `
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		order_id TEXT NOT NULL UNIQUE,
		payment_id TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'created',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id, created_at);
	`,
	3: `
	CREATE TABLE IF NOT EXISTS sessions (
		token_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);
	`,
}

// Migration defines an additive column migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists columns added after the versioned schema.
// These handle cases where tables exist but are missing newer columns.
var pendingMigrations = []Migration{
	// Login tracking for the admin user list
	{"users", "last_login_at", "TEXT"},
	// Image dimensions reported by the image host, used for gallery layout
	{"photos", "width", "INTEGER NOT NULL DEFAULT 0"},
	{"photos", "height", "INTEGER NOT NULL DEFAULT 0"},
}

// MigrationResult holds the result of a migration operation.
type MigrationResult struct {
	FromVersion   int
	ToVersion     int
	MigrationsRun int
	ColumnsAdded  int
	Duration      time.Duration
}

// RunMigrations brings a database up to CurrentSchemaVersion.
func RunMigrations(db *sql.DB) error {
	_, err := Migrate(db)
	return err
}

// Migrate applies versioned and column migrations and reports what ran.
func Migrate(db *sql.DB) (*MigrationResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Migrate")
	defer timer.Stop()

	start := time.Now()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to create schema_versions: %w", err)
	}

	from := GetSchemaVersion(db)
	result := &MigrationResult{FromVersion: from, ToVersion: from}

	for v := from + 1; v <= CurrentSchemaVersion; v++ {
		stmt, ok := versionedMigrations[v]
		if !ok {
			return result, fmt.Errorf("missing migration for schema version %d", v)
		}
		if err := applyVersion(db, v, stmt); err != nil {
			return result, err
		}
		logging.Store("Schema migrated to v%d", v)
		result.ToVersion = v
		result.MigrationsRun++
	}

	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			return result, fmt.Errorf("add column %s.%s: %w", m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		result.ColumnsAdded++
	}

	result.Duration = time.Since(start)
	return result, nil
}

func applyVersion(db *sql.DB, version int, stmt string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(stmt); err != nil {
		return fmt.Errorf("schema v%d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
		version, fmtTime(time.Now())); err != nil {
		return fmt.Errorf("record schema v%d: %w", version, err)
	}
	return tx.Commit()
}

// GetSchemaVersion returns the highest applied schema version, or 0.
func GetSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_versions") {
		return 0
	}
	var version sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_versions").Scan(&version); err != nil {
		logging.StoreDebug("schema version lookup failed: %v", err)
		return 0
	}
	return int(version.Int64)
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}
