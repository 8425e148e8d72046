package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationInfo содержит информацию о применённых миграциях.
type MigrationInfo struct {
	// CurrentVersion - версия до применения
	CurrentVersion uint
	// FinalVersion - версия после применения
	FinalVersion uint
	// Applied - были ли применены новые миграции
	Applied bool
}

// ApplyMigrationsFromFS применяет миграции из встроенной файловой системы
// (embed.FS) к уже открытому подключению. Безопасна для повторного вызова.
//
// Миграции идут через WithInstance, поэтому работают и для in-memory базы.
// migrate.Close() не вызывается: он закрыл бы переданный *sql.DB.
func ApplyMigrationsFromFS(db *sql.DB, fsys fs.FS, dirName string) (MigrationInfo, error) {
	m, err := newMigrate(db, fsys, dirName)
	if err != nil {
		return MigrationInfo{}, err
	}

	info := MigrationInfo{}
	current, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return info, fmt.Errorf("failed to get current version: %w", err)
	}
	if dirty {
		return info, fmt.Errorf("database is in dirty state at version %d", current)
	}
	info.CurrentVersion = current
	info.FinalVersion = current

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return info, nil
		}
		return info, fmt.Errorf("failed to apply migrations: %w", err)
	}

	info.Applied = true
	if final, _, err := m.Version(); err == nil {
		info.FinalVersion = final
	}
	return info, nil
}

func newMigrate(db *sql.DB, fsys fs.FS, dirName string) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(fsys, dirName)
	if err != nil {
		return nil, fmt.Errorf("failed to create iofs source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}
