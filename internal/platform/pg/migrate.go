package pg

import (
	"errors"
	"fmt"
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationInfo содержит информацию о результате применения миграций.
type MigrationInfo struct {
	Applied        bool // Были ли применены новые миграции
	CurrentVersion uint // Версия до применения
	FinalVersion   uint // Версия после применения
	Dirty          bool // Находится ли БД в "грязном" состоянии
}

// ApplyMigrationsFromFS применяет миграции из файловой системы (embed.FS).
// Функция безопасна для повторного вызова и для одновременного запуска
// несколькими экземплярами: драйвер postgres берет advisory lock.
//
// Параметры:
//   - dsn: строка подключения к PostgreSQL (URL формат)
//   - fsys: файловая система с миграциями
//   - dirName: имя директории в fsys с файлами миграций
func ApplyMigrationsFromFS(dsn string, fsys fs.FS, dirName string) (MigrationInfo, error) {
	m, err := newMigrate(dsn, fsys, dirName)
	if err != nil {
		return MigrationInfo{}, err
	}
	defer func() {
		// Ошибки закрытия не влияют на результат миграции
		_, _ = m.Close()
	}()

	info := MigrationInfo{}

	currentVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationInfo{}, fmt.Errorf("failed to get current version: %w", err)
	}
	info.CurrentVersion = currentVersion
	info.FinalVersion = currentVersion
	info.Dirty = dirty

	if dirty {
		return info, fmt.Errorf("database is in dirty state at version %d", currentVersion)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return info, nil
		}
		return info, fmt.Errorf("failed to apply migrations: %w", err)
	}

	info.Applied = true
	if finalVersion, _, err := m.Version(); err == nil {
		info.FinalVersion = finalVersion
	}
	return info, nil
}

func newMigrate(dsn string, fsys fs.FS, dirName string) (*migrate.Migrate, error) {
	if err := ValidateDSN(dsn); err != nil {
		return nil, err
	}
	sourceDriver, err := iofs.New(fsys, dirName)
	if err != nil {
		return nil, fmt.Errorf("failed to create iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance for %s: %w", Redact(dsn), err)
	}
	return m, nil
}
