package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jdluna/db-scheduler/pkg/retry"
)

// BusyRetryConfig - параметры повторов при SQLITE_BUSY / SQLITE_LOCKED.
// busy_timeout покрывает большинство случаев, повторы нужны когда несколько
// процессов одновременно пытаются повысить блокировку до RESERVED.
func BusyRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: 4,
		Backoff: &retry.Backoff{
			Initial:    10 * time.Millisecond,
			Max:        500 * time.Millisecond,
			Multiplier: 2,
			Jitter:     0.2,
		},
	}
}

// WithBusyRetry выполняет fn, повторяя попытку только при ошибках блокировки.
func WithBusyRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := retry.DoWithRetryable(ctx, BusyRetryConfig(), fn, IsBusyError)
	var exceeded *retry.RetriesExceededError
	if errors.As(err, &exceeded) {
		return exceeded.LastError
	}
	return err
}

// IsBusyError проверяет, является ли ошибка ошибкой блокировки SQLite.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		primary := se.Code() & 0xff
		return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

// IsUniqueViolation проверяет нарушение UNIQUE / PRIMARY KEY ограничения.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsMissingTable проверяет ошибку отсутствующей таблицы.
func IsMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
