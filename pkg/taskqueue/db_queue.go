// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"
)

const (
	// maxDeadlockRetries is the maximum number of retry attempts for deadlock errors
	maxDeadlockRetries = 3
	// baseDeadlockBackoff is the base backoff duration for deadlock retries
	baseDeadlockBackoff = 10 * time.Millisecond
)

// Driver identifies a database driver type for the task queue.
type Driver string

const (
	// DriverMySQL uses MySQL/MariaDB with ? placeholders
	DriverMySQL Driver = "mysql"
	// DriverPostgres uses PostgreSQL with $N placeholders
	DriverPostgres Driver = "postgres"
)

var _ Queue = (*DBQueue)(nil)

// DBQueue is a database-backed implementation of Queue. Several senders can
// share one table; claims use FOR UPDATE SKIP LOCKED.
type DBQueue struct {
	db                *sql.DB
	tableName         string
	visibilityTimeout time.Duration
	driver            Driver
}

// DBQueueConfig configures the database queue.
type DBQueueConfig struct {
	DB                *sql.DB
	Driver            Driver        // Database driver (mysql, postgres). Defaults to mysql.
	TableName         string        // Defaults to "tasks"
	VisibilityTimeout time.Duration // How long before a running task is considered abandoned (default: 5m)
}

// NewDBQueue creates a new database-backed queue.
func NewDBQueue(cfg DBQueueConfig) (*DBQueue, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = "tasks"
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverMySQL
	}

	return &DBQueue{
		db:                cfg.DB,
		tableName:         cfg.TableName,
		visibilityTimeout: cfg.VisibilityTimeout,
		driver:            cfg.Driver,
	}, nil
}

// Schema returns the CREATE TABLE statement for the configured driver.
func (q *DBQueue) Schema() string {
	ts, blob := "DATETIME(6)", "LONGBLOB"
	if q.driver == DriverPostgres {
		ts, blob = "TIMESTAMPTZ", "BYTEA"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	type VARCHAR(32) NOT NULL,
	status VARCHAR(16) NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	task_key VARCHAR(255) NOT NULL DEFAULT '',
	payload %s,
	scheduled_at %s NOT NULL,
	started_at %s NULL,
	completed_at %s NULL,
	heartbeat_at %s NULL,
	attempts INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 0,
	retry_after %s NULL,
	last_error TEXT,
	worker_id VARCHAR(128),
	created_at %s NOT NULL,
	updated_at %s NOT NULL
)`, q.tableName, blob, ts, ts, ts, ts, ts, ts, ts)
}

// EnsureSchema creates the task table if it does not exist.
func (q *DBQueue) EnsureSchema(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, q.Schema()); err != nil {
		return fmt.Errorf("create %s: %w", q.tableName, err)
	}
	return nil
}

// rebind converts MySQL-style ? placeholders to PostgreSQL-style $N placeholders
// if the driver is PostgreSQL. For MySQL, it returns the query unchanged.
func (q *DBQueue) rebind(query string) string {
	if q.driver != DriverPostgres {
		return query
	}

	var result strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&result, "$%d", n)
			n++
		} else {
			result.WriteByte(query[i])
		}
	}
	return result.String()
}

const taskColumns = `id, type, status, priority, task_key, payload, scheduled_at, started_at,
	completed_at, heartbeat_at, attempts, max_retries, retry_after, last_error,
	worker_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var startedAt, completedAt, heartbeatAt, retryAfter sql.NullTime
	var lastError, workerID sql.NullString

	err := row.Scan(
		&task.ID, &task.Type, &task.Status, &task.Priority, &task.Key, &task.Payload,
		&task.ScheduledAt, &startedAt, &completedAt, &heartbeatAt, &task.Attempts,
		&task.MaxRetries, &retryAfter, &lastError, &workerID,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if heartbeatAt.Valid {
		task.HeartbeatAt = &heartbeatAt.Time
	}
	if retryAfter.Valid {
		task.RetryAfter = retryAfter.Time
	}
	task.LastError = lastError.String
	task.WorkerID = workerID.String
	return &task, nil
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func (q *DBQueue) Enqueue(ctx context.Context, task *Task) error {
	task.prepare(time.Now())

	query := q.rebind(fmt.Sprintf(`
		INSERT INTO %s (id, type, status, priority, task_key, payload, scheduled_at,
			attempts, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.tableName))

	_, err := q.db.ExecContext(ctx, query,
		task.ID, task.Type, task.Status, task.Priority, task.Key, []byte(task.Payload),
		task.ScheduledAt, task.Attempts, task.MaxRetries,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return err
	}
	TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	return nil
}

// isDeadlockError checks if the error is a database deadlock error.
// Supports both MySQL (Error 1213) and PostgreSQL (40P01).
func isDeadlockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if strings.Contains(errStr, "Error 1213") || strings.Contains(errStr, "Deadlock") {
		return true
	}
	if strings.Contains(errStr, "40P01") || strings.Contains(errStr, "deadlock detected") {
		return true
	}
	return false
}

// withDeadlockRetry runs fn again with backoff while it fails on deadlocks.
func withDeadlockRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := range maxDeadlockRetries {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !isDeadlockError(err) {
			return zero, err
		}
		lastErr = err
		DeadlockRetries.Inc()

		backoff := utils.JitterUp(baseDeadlockBackoff*time.Duration(1<<attempt), 1)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return zero, lastErr
}

func (q *DBQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	return withDeadlockRetry(ctx, func() (*Task, error) {
		return q.dequeueOnce(ctx, workerID, taskTypes...)
	})
}

func (q *DBQueue) dequeueOnce(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	staleThreshold := now.Add(-q.visibilityTimeout)

	typeFilter := ""
	args := []any{now, now, staleThreshold}
	if len(taskTypes) > 0 {
		placeholders := make([]string, len(taskTypes))
		for i, t := range taskTypes {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		typeFilter = " AND type IN (" + strings.Join(placeholders, ",") + ")"
	}

	// Also reclaim tasks whose worker stopped heartbeating.
	selectQuery := q.rebind(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE (
			(status = 'pending' AND scheduled_at <= ? AND (retry_after IS NULL OR retry_after <= ?))
			OR
			(status = 'running' AND heartbeat_at < ?)
		)
		%s
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, taskColumns, q.tableName, typeFilter))

	task, err := scanTask(tx.QueryRowContext(ctx, selectQuery, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if task.Status == StatusRunning {
		task.Attempts++
	}

	updateQuery := q.rebind(fmt.Sprintf(`
		UPDATE %s SET status = 'running', started_at = ?, heartbeat_at = ?,
			worker_id = ?, attempts = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName))

	if _, err := tx.ExecContext(ctx, updateQuery, now, now, workerID, task.Attempts, now, task.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task.Status = StatusRunning
	task.StartedAt = &now
	task.HeartbeatAt = &now
	task.WorkerID = workerID
	task.UpdatedAt = now
	return task, nil
}

func (q *DBQueue) Complete(ctx context.Context, taskID string) error {
	now := time.Now()
	query := q.rebind(fmt.Sprintf(`
		UPDATE %s SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, q.tableName))

	result, err := q.db.ExecContext(ctx, query, now, now, taskID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, err := q.Get(ctx, taskID); err != nil {
			return err
		}
	}
	return nil
}

func (q *DBQueue) Fail(ctx context.Context, taskID string, taskErr error) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusRunning {
		return nil
	}

	task.recordFailure(taskErr, time.Now())

	query := q.rebind(fmt.Sprintf(`
		UPDATE %s SET status = ?, attempts = ?, last_error = ?,
			retry_after = ?, completed_at = ?, worker_id = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, q.tableName))

	_, err = q.db.ExecContext(ctx, query,
		task.Status, task.Attempts, task.LastError,
		nullTime(&task.RetryAfter), nullTime(task.CompletedAt), task.WorkerID, task.UpdatedAt, taskID,
	)
	return err
}

func (q *DBQueue) Cancel(ctx context.Context, taskID string) error {
	now := time.Now()
	query := q.rebind(fmt.Sprintf(`
		UPDATE %s SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName))

	result, err := q.db.ExecContext(ctx, query, now, now, taskID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (q *DBQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	query := q.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, taskColumns, q.tableName))

	task, err := scanTask(q.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (q *DBQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1", taskColumns, q.tableName)
	args := []any{}

	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Key != "" {
		query += " AND task_key = ?"
		args = append(args, filter.Key)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := q.db.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (q *DBQueue) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{ByType: make(map[TaskType]int64)}

	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT status, type, COUNT(*), MIN(scheduled_at) FROM %s GROUP BY status, type`, q.tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status, taskType string
		var count int64
		var oldest sql.NullTime
		if err := rows.Scan(&status, &taskType, &count, &oldest); err != nil {
			return nil, err
		}
		switch TaskStatus(status) {
		case StatusPending:
			stats.Pending += count
			stats.ByType[TaskType(taskType)] += count
			if oldest.Valid && (stats.OldestPending == nil || oldest.Time.Before(*stats.OldestPending)) {
				at := oldest.Time
				stats.OldestPending = &at
			}
		case StatusRunning:
			stats.Running += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		case StatusDeadLetter:
			stats.DeadLetter += count
		case StatusCancelled:
			stats.Cancelled += count
		}
	}
	return stats, rows.Err()
}

func (q *DBQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	query := q.rebind(fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ('completed', 'cancelled', 'dead_letter')
		AND completed_at < ?
	`, q.tableName))

	result, err := q.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Heartbeat extends the visibility timeout for a running task.
func (q *DBQueue) Heartbeat(ctx context.Context, taskID string, workerID string) error {
	_, err := withDeadlockRetry(ctx, func() (struct{}, error) {
		return struct{}{}, q.heartbeatOnce(ctx, taskID, workerID)
	})
	return err
}

func (q *DBQueue) heartbeatOnce(ctx context.Context, taskID string, workerID string) error {
	now := time.Now()
	query := q.rebind(fmt.Sprintf(`
		UPDATE %s SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'running'
	`, q.tableName))

	result, err := q.db.ExecContext(ctx, query, now, now, taskID, workerID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// VisibilityTimeout returns the configured visibility timeout.
func (q *DBQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTimeout
}

func (q *DBQueue) Close() error {
	// DB connection is managed externally
	return nil
}
