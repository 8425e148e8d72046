// Package sqlitestore implements store.Store on SQLite.
//
// Instants are stored as INTEGER Unix microseconds. Every write is a single
// statement retried on SQLITE_BUSY, so several processes can share one
// database file.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jdluna/db-scheduler/internal/platform/sqlite"
	"github.com/jdluna/db-scheduler/internal/shared"
	"github.com/jdluna/db-scheduler/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations exposes the embedded schema for tests and tooling.
func Migrations() embed.FS {
	return migrations
}

// Migrate applies the embedded schema to db.
func Migrate(db *sql.DB) (sqlite.MigrationInfo, error) {
	return sqlite.ApplyMigrationsFromFS(db, migrations, "migrations")
}

const columns = `task_name, task_instance, task_data, execution_time, picked, picked_by,
	last_heartbeat, last_success, last_failure, consecutive_failures, version`

// Store is a store.Store backed by a *sql.DB opened with the sqlite driver.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New returns a Store using db. The schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert creates an unpicked execution.
func (s *Store) Insert(ctx context.Context, e store.Execution) error {
	if err := e.ID.Validate(); err != nil {
		return fmt.Errorf("insert: %w: %w", shared.ErrValidation, err)
	}

	query := `
		INSERT INTO scheduled_tasks (task_name, task_instance, task_data, execution_time,
			picked, consecutive_failures, last_success, last_failure, version)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, 1)
	`
	err := sqlite.WithBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			e.TaskName,
			e.InstanceID,
			e.TaskData,
			toMicros(e.ExecutionTime),
			e.ConsecutiveFailures,
			nullMicros(e.LastSuccess),
			nullMicros(e.LastFailure),
		)
		return err
	})
	if err != nil {
		if sqlite.IsUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w", e.ID, shared.ErrDuplicateKey)
		}
		return mapErr(err, "insert "+e.ID.String())
	}
	return nil
}

// FetchDue returns due, unpicked executions in execution_time, seq order.
func (s *Store) FetchDue(ctx context.Context, now time.Time, limit int) ([]store.Execution, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT ` + columns + `
		FROM scheduled_tasks
		WHERE picked = 0 AND execution_time <= ?
		ORDER BY execution_time ASC, seq ASC
		LIMIT ?
	`
	return s.queryList(ctx, "fetch due", query, toMicros(now), limit)
}

// Claim marks an execution picked if it still has expectedVersion.
func (s *Store) Claim(ctx context.Context, id store.ID, expectedVersion int64, owner string, now time.Time) (store.Execution, error) {
	query := `
		UPDATE scheduled_tasks
		SET picked = 1, picked_by = ?, last_heartbeat = ?, version = version + 1
		WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = 0
		RETURNING ` + columns

	e, err := s.updateReturning(ctx, query, owner, toMicros(now), id.TaskName, id.InstanceID, expectedVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Execution{}, store.ClaimFailed(id, expectedVersion)
	}
	if err != nil {
		return store.Execution{}, mapErr(err, "claim "+id.String())
	}
	return e, nil
}

// Heartbeat refreshes last_heartbeat of an execution this instance owns.
func (s *Store) Heartbeat(ctx context.Context, id store.ID, expectedVersion int64, now time.Time) (store.Execution, error) {
	query := `
		UPDATE scheduled_tasks
		SET last_heartbeat = ?, version = version + 1
		WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = 1
		RETURNING ` + columns

	e, err := s.updateReturning(ctx, query, toMicros(now), id.TaskName, id.InstanceID, expectedVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Execution{}, store.VersionMismatch(id, "heartbeat", expectedVersion)
	}
	if err != nil {
		return store.Execution{}, mapErr(err, "heartbeat "+id.String())
	}
	return e, nil
}

// Complete deletes the execution (next == nil) or releases it at *next.
func (s *Store) Complete(ctx context.Context, id store.ID, expectedVersion int64, outcome store.Outcome, next *time.Time, now time.Time) error {
	var (
		query string
		args  []any
	)
	switch {
	case next == nil:
		query = `
			DELETE FROM scheduled_tasks
			WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = 1
		`
		args = []any{id.TaskName, id.InstanceID, expectedVersion}
	case outcome == store.OutcomeSucceeded:
		query = `
			UPDATE scheduled_tasks
			SET execution_time = ?, picked = 0, picked_by = NULL, last_heartbeat = NULL,
				consecutive_failures = 0, last_success = ?, version = version + 1
			WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = 1
		`
		args = []any{toMicros(*next), toMicros(now), id.TaskName, id.InstanceID, expectedVersion}
	case outcome == store.OutcomeFailed:
		query = `
			UPDATE scheduled_tasks
			SET execution_time = ?, picked = 0, picked_by = NULL, last_heartbeat = NULL,
				consecutive_failures = consecutive_failures + 1, last_failure = ?, version = version + 1
			WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = 1
		`
		args = []any{toMicros(*next), toMicros(now), id.TaskName, id.InstanceID, expectedVersion}
	default:
		return fmt.Errorf("complete %s: %w: unknown outcome %d", id, shared.ErrValidation, outcome)
	}

	affected, err := s.exec(ctx, query, args...)
	if err != nil {
		return mapErr(err, "complete "+id.String())
	}
	if affected == 0 {
		return store.VersionMismatch(id, "complete", expectedVersion)
	}
	return nil
}

// FindDead returns picked executions with a heartbeat strictly older than
// now - threshold.
func (s *Store) FindDead(ctx context.Context, threshold time.Duration, now time.Time) ([]store.Execution, error) {
	query := `
		SELECT ` + columns + `
		FROM scheduled_tasks
		WHERE picked = 1 AND last_heartbeat < ?
		ORDER BY last_heartbeat ASC, seq ASC
	`
	return s.queryList(ctx, "find dead", query, toMicros(now.Add(-threshold)))
}

// ReclaimDead releases a dead execution and records the failure.
func (s *Store) ReclaimDead(ctx context.Context, id store.ID, expectedVersion int64, executionTime time.Time, now time.Time) error {
	query := `
		UPDATE scheduled_tasks
		SET execution_time = ?, picked = 0, picked_by = NULL, last_heartbeat = NULL,
			consecutive_failures = consecutive_failures + 1, last_failure = ?, version = version + 1
		WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = 1
	`
	affected, err := s.exec(ctx, query, toMicros(executionTime), toMicros(now), id.TaskName, id.InstanceID, expectedVersion)
	if err != nil {
		return mapErr(err, "reclaim dead "+id.String())
	}
	if affected == 0 {
		return store.VersionMismatch(id, "reclaim dead", expectedVersion)
	}
	return nil
}

// RemoveDead deletes a dead execution.
func (s *Store) RemoveDead(ctx context.Context, id store.ID, expectedVersion int64) error {
	query := `
		DELETE FROM scheduled_tasks
		WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = 1
	`
	affected, err := s.exec(ctx, query, id.TaskName, id.InstanceID, expectedVersion)
	if err != nil {
		return mapErr(err, "remove dead "+id.String())
	}
	if affected == 0 {
		return store.VersionMismatch(id, "remove dead", expectedVersion)
	}
	return nil
}

// Get returns one execution.
func (s *Store) Get(ctx context.Context, id store.ID) (store.Execution, error) {
	query := `
		SELECT ` + columns + `
		FROM scheduled_tasks
		WHERE task_name = ? AND task_instance = ?
	`
	e, err := scanExecution(s.db.QueryRowContext(ctx, query, id.TaskName, id.InstanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Execution{}, fmt.Errorf("get %s: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return store.Execution{}, mapErr(err, "get "+id.String())
	}
	return e, nil
}

// Reschedule moves an unpicked execution.
func (s *Store) Reschedule(ctx context.Context, id store.ID, expectedVersion int64, when time.Time, data []byte) error {
	var (
		query string
		args  []any
	)
	if data != nil {
		query = `
			UPDATE scheduled_tasks
			SET execution_time = ?, task_data = ?, version = version + 1
			WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = 0
		`
		args = []any{toMicros(when), data, id.TaskName, id.InstanceID, expectedVersion}
	} else {
		query = `
			UPDATE scheduled_tasks
			SET execution_time = ?, version = version + 1
			WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = 0
		`
		args = []any{toMicros(when), id.TaskName, id.InstanceID, expectedVersion}
	}

	affected, err := s.exec(ctx, query, args...)
	if err != nil {
		return mapErr(err, "reschedule "+id.String())
	}
	if affected == 0 {
		return store.ExplainUnpickedMiss(ctx, s, id, "reschedule")
	}
	return nil
}

// Delete removes an unpicked execution.
func (s *Store) Delete(ctx context.Context, id store.ID, expectedVersion int64) error {
	query := `
		DELETE FROM scheduled_tasks
		WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = 0
	`
	affected, err := s.exec(ctx, query, id.TaskName, id.InstanceID, expectedVersion)
	if err != nil {
		return mapErr(err, "delete "+id.String())
	}
	if affected == 0 {
		return store.ExplainUnpickedMiss(ctx, s, id, "delete")
	}
	return nil
}

// List returns executions matching filter ordered by execution_time.
func (s *Store) List(ctx context.Context, filter store.ListFilter) ([]store.Execution, error) {
	var (
		where []string
		args  []any
	)
	if filter.TaskName != "" {
		where = append(where, "task_name = ?")
		args = append(args, filter.TaskName)
	}
	if filter.Picked != nil {
		where = append(where, "picked = ?")
		args = append(args, boolToInt(*filter.Picked))
	}

	var b strings.Builder
	b.WriteString("SELECT " + columns + " FROM scheduled_tasks")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY execution_time ASC, seq ASC")
	if filter.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}
	return s.queryList(ctx, "list", b.String(), args...)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return shared.Unavailable(err, "ping")
	}
	return nil
}

// VerifySchema checks that scheduled_tasks exists with every column the
// store reads or writes.
func (s *Store) VerifySchema(ctx context.Context) error {
	query := "SELECT seq, " + columns + " FROM scheduled_tasks LIMIT 0"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		if sqlite.IsMissingTable(err) || strings.Contains(err.Error(), "no such column") {
			return fmt.Errorf("verify schema: %w: %w", shared.ErrStoreSchema, err)
		}
		return shared.Unavailable(err, "verify schema")
	}
	return rows.Close()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := sqlite.WithBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func (s *Store) updateReturning(ctx context.Context, query string, args ...any) (store.Execution, error) {
	var e store.Execution
	err := sqlite.WithBusyRetry(ctx, func(ctx context.Context) error {
		var err error
		e, err = scanExecution(s.db.QueryRowContext(ctx, query, args...))
		return err
	})
	return e, err
}

func (s *Store) queryList(ctx context.Context, op, query string, args ...any) ([]store.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, op)
	}
	defer rows.Close()

	var out []store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, mapErr(err, op)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, op)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (store.Execution, error) {
	var (
		e             store.Execution
		executionTime int64
		picked        int64
		pickedBy      sql.NullString
		lastHeartbeat sql.NullInt64
		lastSuccess   sql.NullInt64
		lastFailure   sql.NullInt64
	)
	err := row.Scan(
		&e.TaskName,
		&e.InstanceID,
		&e.TaskData,
		&executionTime,
		&picked,
		&pickedBy,
		&lastHeartbeat,
		&lastSuccess,
		&lastFailure,
		&e.ConsecutiveFailures,
		&e.Version,
	)
	if err != nil {
		return store.Execution{}, err
	}
	e.ExecutionTime = fromMicros(executionTime)
	e.Picked = picked != 0
	e.PickedBy = pickedBy.String
	e.LastHeartbeat = fromNullMicros(lastHeartbeat)
	e.LastSuccess = fromNullMicros(lastSuccess)
	e.LastFailure = fromNullMicros(lastFailure)
	return e, nil
}

func mapErr(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case sqlite.IsMissingTable(err):
		return fmt.Errorf("%s: %w: %w", op, shared.ErrStoreSchema, err)
	default:
		return shared.Unavailable(err, op)
	}
}

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
