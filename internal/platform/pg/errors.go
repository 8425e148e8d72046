package pg

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Коды ошибок PostgreSQL (SQLSTATE), которые различает хранилище.
const (
	CodeUniqueViolation = "23505"
	CodeUndefinedTable  = "42P01"
	CodeUndefinedColumn = "42703"
)

// SQLState возвращает SQLSTATE ошибки или пустую строку.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation проверяет нарушение уникального ограничения.
func IsUniqueViolation(err error) bool {
	return SQLState(err) == CodeUniqueViolation
}

// IsSchemaError проверяет отсутствие таблицы или колонки.
func IsSchemaError(err error) bool {
	code := SQLState(err)
	return code == CodeUndefinedTable || code == CodeUndefinedColumn
}
