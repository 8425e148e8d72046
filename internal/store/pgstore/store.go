// Package pgstore implements store.Store on PostgreSQL via pgx/v5.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jdluna/db-scheduler/internal/platform/pg"
	"github.com/jdluna/db-scheduler/internal/shared"
	"github.com/jdluna/db-scheduler/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema using a URL-form dsn.
func Migrate(dsn string) (pg.MigrationInfo, error) {
	return pg.ApplyMigrationsFromFS(dsn, migrations, "migrations")
}

const columns = `task_name, task_instance, task_data, execution_time, picked, picked_by,
	last_heartbeat, last_success, last_failure, consecutive_failures, version`

// Store keeps executions in PostgreSQL through a pgxpool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New returns a Store over pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert creates a new execution.
func (s *Store) Insert(ctx context.Context, e store.Execution) error {
	if err := e.ID.Validate(); err != nil {
		return fmt.Errorf("insert: %w: %w", shared.ErrValidation, err)
	}

	query := `
		INSERT INTO scheduled_tasks (task_name, task_instance, task_data, execution_time,
			picked, consecutive_failures, last_success, last_failure, version)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7, 1)
	`
	_, err := s.pool.Exec(ctx, query,
		e.TaskName,
		e.InstanceID,
		e.TaskData,
		e.ExecutionTime,
		e.ConsecutiveFailures,
		e.LastSuccess,
		e.LastFailure,
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w", e.ID, shared.ErrDuplicateKey)
		}
		return mapErr(err, "insert "+e.ID.String())
	}
	return nil
}

// FetchDue returns unpicked executions due at now, oldest first.
func (s *Store) FetchDue(ctx context.Context, now time.Time, limit int) ([]store.Execution, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT ` + columns + `
		FROM scheduled_tasks
		WHERE picked = FALSE AND execution_time <= $1
		ORDER BY execution_time ASC, seq ASC
		LIMIT $2
	`
	return s.queryList(ctx, "fetch due", query, now, limit)
}

// Claim picks the execution if its version is unchanged.
func (s *Store) Claim(ctx context.Context, id store.ID, expectedVersion int64, owner string, now time.Time) (store.Execution, error) {
	query := `
		UPDATE scheduled_tasks
		SET picked = TRUE, picked_by = $1, last_heartbeat = $2, version = version + 1
		WHERE task_name = $3 AND task_instance = $4 AND version = $5 AND picked = FALSE
		RETURNING ` + columns

	e, err := scanExecution(s.pool.QueryRow(ctx, query, owner, now, id.TaskName, id.InstanceID, expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Execution{}, store.ClaimFailed(id, expectedVersion)
	}
	if err != nil {
		return store.Execution{}, mapErr(err, "claim "+id.String())
	}
	return e, nil
}

// Heartbeat refreshes last_heartbeat of a picked execution.
func (s *Store) Heartbeat(ctx context.Context, id store.ID, expectedVersion int64, now time.Time) (store.Execution, error) {
	query := `
		UPDATE scheduled_tasks
		SET last_heartbeat = $1, version = version + 1
		WHERE task_name = $2 AND task_instance = $3 AND version = $4 AND picked = TRUE
		RETURNING ` + columns

	e, err := scanExecution(s.pool.QueryRow(ctx, query, now, id.TaskName, id.InstanceID, expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Execution{}, store.VersionMismatch(id, "heartbeat", expectedVersion)
	}
	if err != nil {
		return store.Execution{}, mapErr(err, "heartbeat "+id.String())
	}
	return e, nil
}

// Complete deletes the execution when next is nil, otherwise releases it
// for *next.
func (s *Store) Complete(ctx context.Context, id store.ID, expectedVersion int64, outcome store.Outcome, next *time.Time, now time.Time) error {
	var (
		query string
		args  []any
	)
	switch {
	case next == nil:
		query = `
			DELETE FROM scheduled_tasks
			WHERE task_name = $1 AND task_instance = $2 AND version = $3 AND picked = TRUE
		`
		args = []any{id.TaskName, id.InstanceID, expectedVersion}
	case outcome == store.OutcomeSucceeded:
		query = `
			UPDATE scheduled_tasks
			SET execution_time = $1, picked = FALSE, picked_by = NULL, last_heartbeat = NULL,
				consecutive_failures = 0, last_success = $2, version = version + 1
			WHERE task_name = $3 AND task_instance = $4 AND version = $5 AND picked = TRUE
		`
		args = []any{*next, now, id.TaskName, id.InstanceID, expectedVersion}
	case outcome == store.OutcomeFailed:
		query = `
			UPDATE scheduled_tasks
			SET execution_time = $1, picked = FALSE, picked_by = NULL, last_heartbeat = NULL,
				consecutive_failures = consecutive_failures + 1, last_failure = $2, version = version + 1
			WHERE task_name = $3 AND task_instance = $4 AND version = $5 AND picked = TRUE
		`
		args = []any{*next, now, id.TaskName, id.InstanceID, expectedVersion}
	default:
		return fmt.Errorf("complete %s: %w: unknown outcome %d", id, shared.ErrValidation, outcome)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return mapErr(err, "complete "+id.String())
	}
	if tag.RowsAffected() == 0 {
		return store.VersionMismatch(id, "complete", expectedVersion)
	}
	return nil
}

// FindDead returns picked executions whose heartbeat is older than now-threshold.
func (s *Store) FindDead(ctx context.Context, threshold time.Duration, now time.Time) ([]store.Execution, error) {
	query := `
		SELECT ` + columns + `
		FROM scheduled_tasks
		WHERE picked = TRUE AND last_heartbeat < $1
		ORDER BY last_heartbeat ASC, seq ASC
	`
	return s.queryList(ctx, "find dead", query, now.Add(-threshold))
}

// ReclaimDead releases a dead execution and counts a failure.
func (s *Store) ReclaimDead(ctx context.Context, id store.ID, expectedVersion int64, executionTime time.Time, now time.Time) error {
	query := `
		UPDATE scheduled_tasks
		SET execution_time = $1, picked = FALSE, picked_by = NULL, last_heartbeat = NULL,
			consecutive_failures = consecutive_failures + 1, last_failure = $2, version = version + 1
		WHERE task_name = $3 AND task_instance = $4 AND version = $5 AND picked = TRUE
	`
	tag, err := s.pool.Exec(ctx, query, executionTime, now, id.TaskName, id.InstanceID, expectedVersion)
	if err != nil {
		return mapErr(err, "reclaim dead "+id.String())
	}
	if tag.RowsAffected() == 0 {
		return store.VersionMismatch(id, "reclaim dead", expectedVersion)
	}
	return nil
}

// RemoveDead deletes a dead execution.
func (s *Store) RemoveDead(ctx context.Context, id store.ID, expectedVersion int64) error {
	query := `
		DELETE FROM scheduled_tasks
		WHERE task_name = $1 AND task_instance = $2 AND version = $3 AND picked = TRUE
	`
	tag, err := s.pool.Exec(ctx, query, id.TaskName, id.InstanceID, expectedVersion)
	if err != nil {
		return mapErr(err, "remove dead "+id.String())
	}
	if tag.RowsAffected() == 0 {
		return store.VersionMismatch(id, "remove dead", expectedVersion)
	}
	return nil
}

// Get returns the execution with id.
func (s *Store) Get(ctx context.Context, id store.ID) (store.Execution, error) {
	query := `
		SELECT ` + columns + `
		FROM scheduled_tasks
		WHERE task_name = $1 AND task_instance = $2
	`
	e, err := scanExecution(s.pool.QueryRow(ctx, query, id.TaskName, id.InstanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Execution{}, fmt.Errorf("get %s: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return store.Execution{}, mapErr(err, "get "+id.String())
	}
	return e, nil
}

// Reschedule moves an unpicked execution.
func (s *Store) Reschedule(ctx context.Context, id store.ID, expectedVersion int64, when time.Time, data []byte) error {
	query := `
		UPDATE scheduled_tasks
		SET execution_time = $1, task_data = CASE WHEN $2 THEN $3 ELSE task_data END, version = version + 1
		WHERE task_name = $4 AND task_instance = $5 AND version = $6 AND picked = FALSE
	`
	tag, err := s.pool.Exec(ctx, query, when, data != nil, data, id.TaskName, id.InstanceID, expectedVersion)
	if err != nil {
		return mapErr(err, "reschedule "+id.String())
	}
	if tag.RowsAffected() == 0 {
		return store.ExplainUnpickedMiss(ctx, s, id, "reschedule")
	}
	return nil
}

// Delete removes an unpicked execution.
func (s *Store) Delete(ctx context.Context, id store.ID, expectedVersion int64) error {
	query := `
		DELETE FROM scheduled_tasks
		WHERE task_name = $1 AND task_instance = $2 AND version = $3 AND picked = FALSE
	`
	tag, err := s.pool.Exec(ctx, query, id.TaskName, id.InstanceID, expectedVersion)
	if err != nil {
		return mapErr(err, "delete "+id.String())
	}
	if tag.RowsAffected() == 0 {
		return store.ExplainUnpickedMiss(ctx, s, id, "delete")
	}
	return nil
}

// List returns executions matching filter.
func (s *Store) List(ctx context.Context, filter store.ListFilter) ([]store.Execution, error) {
	var (
		where []string
		args  []any
	)
	if filter.TaskName != "" {
		args = append(args, filter.TaskName)
		where = append(where, fmt.Sprintf("task_name = $%d", len(args)))
	}
	if filter.Picked != nil {
		args = append(args, *filter.Picked)
		where = append(where, fmt.Sprintf("picked = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT " + columns + " FROM scheduled_tasks")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY execution_time ASC, seq ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return s.queryList(ctx, "list", b.String(), args...)
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return shared.Unavailable(err, "ping")
	}
	return nil
}

// VerifySchema checks that the table and every column exist.
func (s *Store) VerifySchema(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, "SELECT seq, "+columns+" FROM scheduled_tasks LIMIT 0")
	if err == nil {
		rows.Close()
		err = rows.Err()
	}
	if err != nil {
		if pg.IsSchemaError(err) {
			return fmt.Errorf("verify schema: %w: %w", shared.ErrStoreSchema, err)
		}
		return shared.Unavailable(err, "verify schema")
	}
	return nil
}

func (s *Store) queryList(ctx context.Context, op, query string, args ...any) ([]store.Execution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func scanExecution(row pgx.Row) (store.Execution, error) {
	var (
		e        store.Execution
		pickedBy *string
	)
	err := row.Scan(
		&e.TaskName,
		&e.InstanceID,
		&e.TaskData,
		&e.ExecutionTime,
		&e.Picked,
		&pickedBy,
		&e.LastHeartbeat,
		&e.LastSuccess,
		&e.LastFailure,
		&e.ConsecutiveFailures,
		&e.Version,
	)
	if err != nil {
		return store.Execution{}, err
	}
	if pickedBy != nil {
		e.PickedBy = *pickedBy
	}
	e.ExecutionTime = e.ExecutionTime.UTC()
	e.LastHeartbeat = utc(e.LastHeartbeat)
	e.LastSuccess = utc(e.LastSuccess)
	e.LastFailure = utc(e.LastFailure)
	return e, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func mapErr(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case pg.IsSchemaError(err):
		return fmt.Errorf("%s: %w: %w", op, shared.ErrStoreSchema, err)
	default:
		return shared.Unavailable(err, op)
	}
}
