package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdluna/db-scheduler/internal/config"
	"github.com/jdluna/db-scheduler/internal/platform/pg"
	"github.com/jdluna/db-scheduler/internal/platform/sqlite"
	"github.com/jdluna/db-scheduler/internal/store"
	"github.com/jdluna/db-scheduler/internal/store/pgstore"
	"github.com/jdluna/db-scheduler/internal/store/sqlitestore"
)

// openStore connects to the configured database, applies migrations and
// returns the store with a func releasing its connections.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, func(), error) {
	switch cfg.DB.Driver {
	case "sqlite":
		return openSQLite(ctx, cfg.DB.SQLitePath, log)
	case "postgres":
		return openPostgres(ctx, cfg.DB.URL, cfg.Scheduler.Threads, log)
	default:
		return nil, nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DB.Driver)
	}
}

func openSQLite(ctx context.Context, path string, log *slog.Logger) (store.Store, func(), error) {
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	info, err := sqlitestore.Migrate(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	log.Info("sqlite store ready",
		slog.String("path", path),
		slog.Uint64("schema_version", uint64(info.FinalVersion)),
		slog.Bool("migrated", info.Applied),
	)
	return sqlitestore.New(db), func() { _ = db.Close() }, nil
}

func openPostgres(ctx context.Context, dsn string, threads int, log *slog.Logger) (store.Store, func(), error) {
	if err := pg.ValidateDSN(dsn); err != nil {
		return nil, nil, fmt.Errorf("DATABASE_URL: %w", err)
	}

	opts := pg.DefaultHealthCheckOptions()
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("waiting for postgres", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("err", err))
	}
	if err := pg.WaitForDB(ctx, dsn, opts); err != nil {
		return nil, nil, err
	}

	info, err := pgstore.Migrate(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}

	pool, err := pg.NewPoolWithOptions(ctx, dsn, pg.PoolOptionsForThreads(threads))
	if err != nil {
		return nil, nil, err
	}
	log.Info("postgres store ready",
		slog.String("database", pg.Redact(dsn)),
		slog.Uint64("schema_version", uint64(info.FinalVersion)),
		slog.Bool("migrated", info.Applied),
	)
	return pgstore.New(pool), pool.Close, nil
}
