// Package pg предоставляет инфраструктурные компоненты для работы с PostgreSQL
// через pgx/v5: пул подключений, ожидание готовности БД при старте,
// встроенные миграции golang-migrate и классификацию ошибок по SQLSTATE.
//
//	if err := pg.WaitForDB(ctx, dsn, pg.DefaultHealthCheckOptions()); err != nil {
//		return err
//	}
//	pool, err := pg.NewPoolWithOptions(ctx, dsn, pg.PoolOptionsForThreads(10))
package pg
