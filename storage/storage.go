// Package storage implements the L0 Persistence contract: task/session
// CRUD, pending-load ordering, and crash recovery against the local
// embedded database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/taskqueue/core"
	_ "modernc.org/sqlite"
)

// Store is the subset of persistence operations the rest of the module
// depends on. SQLiteStore is the production implementation; MemoryStore
// is a test double used by package-level unit tests that don't need a
// real file on disk.
type Store interface {
	PersistTask(ctx context.Context, task *core.PersistedTask) error
	UpdateTaskStatus(ctx context.Context, id string, status core.TaskStatus, taskErr error) error
	RecordResult(ctx context.Context, id string, result string) error
	LoadPendingTasks(ctx context.Context, sessionID string) ([]*core.PersistedTask, error)
	GetTaskByID(ctx context.Context, id string) (*core.PersistedTask, error)
	DeleteTask(ctx context.Context, id string) error

	CreateSession(ctx context.Context, s *core.Session) error
	GetCurrentSession(ctx context.Context) (*core.Session, error)
	EndSession(ctx context.Context, sessionID string, status core.SessionStatus) error
	ClearQueueForNewSession(ctx context.Context, newSessionID string, cmdLine, workDir string, pid int) error
	RecoverFromCrash(ctx context.Context, sessionID string) ([]*core.PersistedTask, error)

	CountRunningOlderThan(ctx context.Context, olderThan time.Time) (int, error)
	MarkStuckFailed(ctx context.Context, olderThan time.Time, reason string) (int, error)

	SaveMetricsSnapshot(ctx context.Context, m core.QueueMetrics, resourceGroupStatsJSON string) error
	SaveHeartbeat(ctx context.Context, hb core.Heartbeat) error

	PurgeCompletedOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
	PurgeHeartbeatsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	PurgeMetricsOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// SQLiteStore implements Store on top of database/sql + modernc.org/sqlite
// (pure Go, no CGo — suited to a library embedded in an arbitrary host
// CLI). All operations use prepared statements.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if absent) the sqlite file at path in WAL mode and
// wraps it as a Store. It does not run migrations; callers should follow
// with a schema.Manager.Initialize() against the returned *sql.DB.
func Open(path string, log zerolog.Logger) (*sql.DB, *SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single-writer; serialize to avoid SQLITE_BUSY
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	return db, &SQLiteStore{db: db, log: log.With().Str("component", "storage").Logger()}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) PersistTask(ctx context.Context, t *core.PersistedTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (
			id, session_id, type, resource_group, priority, status, created_at,
			retry_count, max_retries, estimated_duration_ms, operation_data,
			file_path, file_size, file_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, priority=excluded.priority
	`,
		t.ID, t.SessionID, string(t.Type), string(t.ResourceGroup), t.Priority, string(t.Status), t.CreatedAt,
		t.RetryCount, t.MaxRetries, t.EstimatedDuration.Milliseconds(), t.OperationData,
		t.FilePath, t.FileSize, t.FileHash,
	)
	if err != nil {
		return &core.PersistenceError{Op: "persist_task", Err: err}
	}
	return nil
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status core.TaskStatus, taskErr error) error {
	now := time.Now()
	var err error
	switch status {
	case core.StatusRunning:
		_, err = s.db.ExecContext(ctx, `UPDATE queue_tasks SET status=?, started_at=? WHERE id=?`, string(status), now, id)
	case core.StatusCompleted, core.StatusFailed, core.StatusCancelled:
		errMsg := ""
		if taskErr != nil {
			errMsg = taskErr.Error()
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE queue_tasks SET status=?, completed_at=?, last_error=?,
				actual_duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
			WHERE id=?`, string(status), now, errMsg, now, id)
	case core.StatusRetry:
		errMsg := ""
		if taskErr != nil {
			errMsg = taskErr.Error()
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE queue_tasks SET status='pending', retry_count = retry_count + 1, last_error=? WHERE id=?`,
			errMsg, id)
	default:
		_, err = s.db.ExecContext(ctx, `UPDATE queue_tasks SET status=? WHERE id=?`, string(status), id)
	}
	if err != nil {
		return &core.PersistenceError{Op: "update_task_status", Err: err}
	}
	return nil
}

// RecordResult persists the operation's return value alongside the row so
// later consumers (GetTaskByID, WaitForTask, demo CLIs) can inspect what a
// completed task actually produced. Separate from UpdateTaskStatus because
// not every status transition carries a result (retry/failed/cancelled don't).
func (s *SQLiteStore) RecordResult(ctx context.Context, id string, result string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue_tasks SET result_data=? WHERE id=?`, result, id)
	if err != nil {
		return &core.PersistenceError{Op: "record_result", Err: err}
	}
	return nil
}

func (s *SQLiteStore) LoadPendingTasks(ctx context.Context, sessionID string) ([]*core.PersistedTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, resource_group, priority, status, created_at,
			retry_count, max_retries, estimated_duration_ms, operation_data,
			COALESCE(file_path,''), COALESCE(file_size,0), COALESCE(file_hash,''),
			COALESCE(result_data,'')
		FROM queue_tasks
		WHERE session_id=? AND status IN ('pending','retry')
		ORDER BY priority ASC, created_at ASC`, sessionID)
	if err != nil {
		return nil, &core.PersistenceError{Op: "load_pending_tasks", Err: err}
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteStore) GetTaskByID(ctx context.Context, id string) (*core.PersistedTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, type, resource_group, priority, status, created_at,
			retry_count, max_retries, estimated_duration_ms, operation_data,
			COALESCE(file_path,''), COALESCE(file_size,0), COALESCE(file_hash,''),
			COALESCE(result_data,'')
		FROM queue_tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &core.PersistenceError{Op: "get_task_by_id", Err: err}
	}
	return t, nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id=?`, id)
	if err != nil {
		return &core.PersistenceError{Op: "delete_task", Err: err}
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *core.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_sessions (session_id, created_at, command_line, working_directory, process_id, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.CreatedAt, sess.CommandLine, sess.WorkingDirectory, sess.ProcessID, string(sess.Status))
	if err != nil {
		return &core.PersistenceError{Op: "create_session", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetCurrentSession(ctx context.Context) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, created_at, command_line, working_directory, process_id, status
		FROM queue_sessions WHERE status='active' ORDER BY created_at DESC LIMIT 1`)
	var sess core.Session
	var status string
	err := row.Scan(&sess.SessionID, &sess.CreatedAt, &sess.CommandLine, &sess.WorkingDirectory, &sess.ProcessID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &core.PersistenceError{Op: "get_current_session", Err: err}
	}
	sess.Status = core.SessionStatus(status)
	return &sess, nil
}

func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, status core.SessionStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue_sessions SET status=?, ended_at=? WHERE session_id=?`,
		string(status), time.Now(), sessionID)
	if err != nil {
		return &core.PersistenceError{Op: "end_session", Err: err}
	}
	return nil
}

// ClearQueueForNewSession inserts the new session row and marks any
// running rows belonging to other sessions as failed (spec §4.2).
func (s *SQLiteStore) ClearQueueForNewSession(ctx context.Context, newSessionID string, cmdLine, workDir string, pid int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.PersistenceError{Op: "clear_queue_for_new_session", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_sessions (session_id, created_at, command_line, working_directory, process_id, status)
		VALUES (?, CURRENT_TIMESTAMP, ?, ?, ?, 'active')`, newSessionID, cmdLine, workDir, pid); err != nil {
		return &core.PersistenceError{Op: "clear_queue_for_new_session", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_tasks SET status='failed', last_error='Session terminated unexpectedly', completed_at=CURRENT_TIMESTAMP
		WHERE status='running' AND session_id != ?`, newSessionID); err != nil {
		return &core.PersistenceError{Op: "clear_queue_for_new_session", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &core.PersistenceError{Op: "clear_queue_for_new_session", Err: err}
	}
	return nil
}

// RecoverFromCrash resets running rows of sessionID to failed, then
// returns the session's current pending sequence for the caller to
// re-enqueue (spec §4.2).
func (s *SQLiteStore) RecoverFromCrash(ctx context.Context, sessionID string) ([]*core.PersistedTask, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_tasks SET status='failed', last_error='Process crashed during execution', completed_at=CURRENT_TIMESTAMP
		WHERE status='running' AND session_id=?`, sessionID)
	if err != nil {
		return nil, &core.PersistenceError{Op: "recover_from_crash", Err: err}
	}
	return s.LoadPendingTasks(ctx, sessionID)
}

func (s *SQLiteStore) CountRunningOlderThan(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_tasks WHERE status='running' AND started_at < ?`, olderThan).Scan(&n)
	if err != nil {
		return 0, &core.PersistenceError{Op: "count_running_older_than", Err: err}
	}
	return n, nil
}

// MarkStuckFailed sweeps running tasks older than olderThan to failed
// with the given reason, mirroring the stale-lock reclaim shape used for
// leadership locks elsewhere in this family of services.
func (s *SQLiteStore) MarkStuckFailed(ctx context.Context, olderThan time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_tasks SET status='failed', last_error=?, completed_at=CURRENT_TIMESTAMP
		WHERE status='running' AND started_at < ?`, reason, olderThan)
	if err != nil {
		return 0, &core.PersistenceError{Op: "mark_stuck_failed", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) SaveMetricsSnapshot(ctx context.Context, m core.QueueMetrics, resourceGroupStatsJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_metrics (session_id, snapshot_time, total_submitted, total_completed, total_failed, total_cancelled, resource_group_stats)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.SnapshotTime, m.TotalSubmitted, m.TotalCompleted, m.TotalFailed, m.TotalCancelled, resourceGroupStatsJSON)
	if err != nil {
		return &core.PersistenceError{Op: "save_metrics_snapshot", Err: err}
	}
	return nil
}

func (s *SQLiteStore) SaveHeartbeat(ctx context.Context, hb core.Heartbeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_heartbeat (
			process_id, session_id, timestamp, memory_rss_kb, heap_used_kb, heap_total_kb, external_kb,
			uptime_seconds, consecutive_failures, memory_leak_detected, gc_triggered, circuit_breaker_open
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hb.ProcessID, hb.SessionID, hb.Timestamp, hb.MemoryRSSKB, hb.HeapUsedKB, hb.HeapTotalKB, hb.ExternalKB,
		hb.UptimeSeconds, hb.ConsecutiveFailures, boolToInt(hb.MemoryLeakDetected), boolToInt(hb.GCTriggered), boolToInt(hb.CircuitBreakerOpen))
	if err != nil {
		return &core.PersistenceError{Op: "save_heartbeat", Err: err}
	}
	return nil
}

func (s *SQLiteStore) PurgeCompletedOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_tasks WHERE id IN (
			SELECT id FROM queue_tasks
			WHERE status IN ('completed','failed','cancelled') AND completed_at < ?
			LIMIT ?
		)`, cutoff, batchSize)
	if err != nil {
		return 0, &core.PersistenceError{Op: "purge_completed", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) PurgeHeartbeatsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM process_heartbeat WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, &core.PersistenceError{Op: "purge_heartbeats", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) PurgeMetricsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_metrics WHERE snapshot_time < ?`, cutoff)
	if err != nil {
		return 0, &core.PersistenceError{Op: "purge_metrics", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scannable) (*core.PersistedTask, error) {
	var t core.PersistedTask
	var typ, group, status string
	var estMS sql.NullInt64
	err := row.Scan(&t.ID, &t.SessionID, &typ, &group, &t.Priority, &status, &t.CreatedAt,
		&t.RetryCount, &t.MaxRetries, &estMS, &t.OperationData, &t.FilePath, &t.FileSize, &t.FileHash,
		&t.ResultData)
	if err != nil {
		return nil, err
	}
	t.Type = core.OperationType(typ)
	t.ResourceGroup = core.ResourceGroup(group)
	t.Status = core.TaskStatus(status)
	if estMS.Valid {
		t.EstimatedDuration = time.Duration(estMS.Int64) * time.Millisecond
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*core.PersistedTask, error) {
	var out []*core.PersistedTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
