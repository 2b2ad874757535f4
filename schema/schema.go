// Package schema brings the local embedded database to the expected
// schema version and validates its integrity (spec L0 SchemaManager).
package schema

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// CurrentVersion is the schema version this build expects. Bump it and
// append a migration to apply new DDL.
const CurrentVersion = "3"

type migration struct {
	version     string
	description string
	stmts       []string
}

// migrations is the ordered list of schema changes. Each is applied in a
// single transaction; a partial failure leaves the prior version intact.
var migrations = []migration{
	{
		version:     "1",
		description: "initial tables",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (
				version TEXT PRIMARY KEY,
				applied_at DATETIME NOT NULL,
				description TEXT NOT NULL,
				checksum TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS queue_sessions (
				session_id TEXT PRIMARY KEY,
				created_at DATETIME NOT NULL,
				started_at DATETIME,
				last_activity DATETIME,
				ended_at DATETIME,
				command_line TEXT,
				working_directory TEXT,
				process_id INTEGER,
				running_tasks INTEGER NOT NULL DEFAULT 0,
				completed_tasks INTEGER NOT NULL DEFAULT 0,
				failed_tasks INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS queue_tasks (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES queue_sessions(session_id),
				type TEXT NOT NULL,
				resource_group TEXT NOT NULL,
				priority INTEGER NOT NULL,
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				started_at DATETIME,
				completed_at DATETIME,
				actual_duration_ms INTEGER,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				last_error TEXT,
				error_stack TEXT,
				estimated_duration_ms INTEGER,
				file_path TEXT,
				file_size INTEGER,
				file_hash TEXT,
				operation_data BLOB,
				result_data TEXT,
				memory_usage_kb INTEGER,
				cpu_time_ms INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_tasks_status ON queue_tasks(status)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_tasks_group ON queue_tasks(resource_group)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_tasks_session ON queue_tasks(session_id)`,
		},
	},
	{
		version:     "2",
		description: "metrics and heartbeat tables",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS queue_metrics (
				session_id TEXT NOT NULL,
				snapshot_time DATETIME NOT NULL,
				total_submitted INTEGER NOT NULL DEFAULT 0,
				total_completed INTEGER NOT NULL DEFAULT 0,
				total_failed INTEGER NOT NULL DEFAULT 0,
				total_cancelled INTEGER NOT NULL DEFAULT 0,
				resource_group_stats TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_metrics_session_time ON queue_metrics(session_id, snapshot_time)`,
			`CREATE TABLE IF NOT EXISTS process_heartbeat (
				process_id INTEGER NOT NULL,
				session_id TEXT NOT NULL,
				timestamp DATETIME NOT NULL,
				memory_rss_kb INTEGER,
				heap_used_kb INTEGER,
				heap_total_kb INTEGER,
				external_kb INTEGER,
				uptime_seconds REAL,
				consecutive_failures INTEGER NOT NULL DEFAULT 0,
				memory_leak_detected INTEGER NOT NULL DEFAULT 0,
				gc_triggered INTEGER NOT NULL DEFAULT 0,
				circuit_breaker_open INTEGER NOT NULL DEFAULT 0
			)`,
		},
	},
	{
		version:     "3",
		description: "circuit breaker state table",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS circuit_breaker_state (
				session_id TEXT NOT NULL,
				resource_group TEXT NOT NULL,
				state TEXT NOT NULL,
				failure_count INTEGER NOT NULL DEFAULT 0,
				success_count INTEGER NOT NULL DEFAULT 0,
				last_failure_time DATETIME,
				last_success_time DATETIME,
				state_changed_at DATETIME NOT NULL,
				PRIMARY KEY (session_id, resource_group)
			)`,
		},
	},
}

// Manager opens/validates the local database and applies migrations.
type Manager struct {
	db  *sql.DB
	log zerolog.Logger
}

func New(db *sql.DB, log zerolog.Logger) *Manager {
	return &Manager{db: db, log: log.With().Str("component", "schema").Logger()}
}

// Initialize is idempotent: it ensures the schema_version table exists
// and applies every migration newer than the recorded version, up to
// CurrentVersion.
func (m *Manager) Initialize() error {
	if _, err := m.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL,
		description TEXT NOT NULL,
		checksum TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("bootstrap schema_version: %w", err)
	}
	return m.Migrate(CurrentVersion)
}

// CurrentSchemaVersion returns the highest applied version, or "" if none.
func (m *Manager) CurrentSchemaVersion() (string, error) {
	var version string
	err := m.db.QueryRow(`SELECT version FROM schema_version ORDER BY CAST(version AS INTEGER) DESC LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read current version: %w", err)
	}
	return version, nil
}

// NeedsMigration reports whether the store is behind target.
func (m *Manager) NeedsMigration(target string) (bool, error) {
	current, err := m.CurrentSchemaVersion()
	if err != nil {
		return false, err
	}
	return isNewer(target, current), nil
}

// Migrate applies ordered migration scripts up to and including target.
// Each migration runs in its own transaction; a failed step aborts
// without advancing schema_version, leaving the prior version intact.
func (m *Manager) Migrate(target string) error {
	current, err := m.CurrentSchemaVersion()
	if err != nil {
		return err
	}
	for _, mig := range migrations {
		if !isNewer(mig.version, current) {
			continue
		}
		if err := m.applyMigration(mig); err != nil {
			return fmt.Errorf("migrate to version %s: %w", mig.version, err)
		}
		current = mig.version
		m.log.Info().Str("version", mig.version).Str("description", mig.description).Msg("schema migration applied")
		if mig.version == target {
			break
		}
	}
	return nil
}

func (m *Manager) applyMigration(mig migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range mig.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("statement failed: %w", err)
		}
	}

	checksum := fmt.Sprintf("%x", len(mig.stmts)*31+len(mig.description))
	_, err = tx.Exec(
		`INSERT INTO schema_version (version, applied_at, description, checksum) VALUES (?, CURRENT_TIMESTAMP, ?, ?)
		 ON CONFLICT(version) DO NOTHING`,
		mig.version, mig.description, checksum,
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// Validate checks that every expected table exists and the version row
// is readable.
func (m *Manager) Validate() (bool, error) {
	version, err := m.CurrentSchemaVersion()
	if err != nil || version == "" {
		return false, err
	}
	tables := []string{"queue_sessions", "queue_tasks", "queue_metrics", "process_heartbeat", "circuit_breaker_state"}
	for _, t := range tables {
		var name string
		err := m.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, t).Scan(&name)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("validate table %s: %w", t, err)
		}
	}
	return true, nil
}

func isNewer(candidate, current string) bool {
	if current == "" {
		return true
	}
	return candidate > current
}
