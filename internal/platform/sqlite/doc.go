// Package sqlite предоставляет инфраструктурные компоненты для работы с SQLite
// (драйвер modernc.org/sqlite, без cgo).
//
// Основные возможности:
// - Открытие БД с PRAGMA настройками (WAL, busy_timeout)
// - Встроенные миграции golang-migrate через iofs
// - Ретраи на SQLITE_BUSY и классификация ошибок драйвера
// - Тестовые хелперы
//
// # Быстрый старт
//
//	db, err := sqlite.Open(ctx, "data/scheduler.db")
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	//go:embed migrations/*.sql
//	var migrations embed.FS
//	_, err = sqlite.ApplyMigrationsFromFS(db, migrations, "migrations")
//
// # Конкуренция
//
// Несколько процессов могут работать с одним файлом: WAL позволяет читать
// во время записи, а запись сериализуется блокировкой базы. Короткие
// однострочные UPDATE повторяются через WithBusyRetry:
//
//	err = sqlite.WithBusyRetry(ctx, func(ctx context.Context) error {
//		_, err := db.ExecContext(ctx, query, args...)
//		return err
//	})
//
// # Тестирование
//
//	func TestSomething(t *testing.T) {
//		testDB := sqlite.NewTestDBInMemory(t)
//		testDB.ApplyTestMigrations(t, migrations, "migrations")
//	}
package sqlite
