package commands

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jrazmi/stepwise/core/migration"
	"github.com/jrazmi/stepwise/core/repositories/appliedstepsrepo"
	"github.com/jrazmi/stepwise/core/repositories/appliedstepsrepo/stores/appliedstepssqlstore"
	"github.com/jrazmi/stepwise/infrastructure/dialects/mysqldialect"
	"github.com/jrazmi/stepwise/infrastructure/dialects/pgdialect"
	"github.com/jrazmi/stepwise/infrastructure/dialects/sqlitedialect"
	"github.com/jrazmi/stepwise/infrastructure/mysqldb"
	"github.com/jrazmi/stepwise/infrastructure/postgresdb"
	"github.com/jrazmi/stepwise/infrastructure/sqlitedb"
	"github.com/jrazmi/stepwise/sdk/logger"
)

// Config is the tooling configuration shared by every command.
type Config struct {
	DBDriver        string        `env:"DB_DRIVER" envDefault:"postgres"`
	PGSchema        string        `env:"PG_SCHEMA" envDefault:"public"`
	LedgerTable     string        `env:"MIGRATE_LEDGER_TABLE" envDefault:"schema_migrations"`
	LockKey         string        `env:"MIGRATE_LOCK_KEY" envDefault:"stepwise:schema_migrations"`
	LockTimeout     time.Duration `env:"MIGRATE_LOCK_TIMEOUT" envDefault:"30s"`
	Timeout         time.Duration `env:"MIGRATE_TIMEOUT"`
	MetricsTextfile string        `env:"MIGRATE_METRICS_TEXTFILE"`
}

// Database is an open connection pool together with the dialect that
// drives it.
type Database struct {
	DB      *sql.DB
	Dialect migration.Dialect
	close   func()
}

func (d *Database) Close() {
	d.close()
}

// OpenDatabase connects to the database selected by cfg.DBDriver. Driver
// settings are read from the environment under prefix.
func OpenDatabase(ctx context.Context, log *logger.Logger, prefix string, cfg Config) (*Database, error) {
	switch cfg.DBDriver {
	case "postgres":
		pool, err := postgresdb.NewFromEnv(prefix, postgresdb.WithLogger(log.Logger), postgresdb.WithTracer(postgresdb.NewLoggingQueryTracer(log.Logger)))
		if err != nil {
			return nil, fmt.Errorf("configuring postgres support: %w", err)
		}
		if err := postgresdb.StatusCheck(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database status check failed: %w", err)
		}
		db := postgresdb.OpenDB(pool)
		log.InfoContext(ctx, "init", "service", "postgres", "database", postgresdb.DatabaseName(pool), "schema", cfg.PGSchema)
		return &Database{
			DB:      db,
			Dialect: pgdialect.New(cfg.PGSchema, postgresdb.DatabaseName(pool)),
			close: func() {
				db.Close()
				pool.Close()
			},
		}, nil

	case "sqlite":
		db, path, err := sqlitedb.NewFromEnv(prefix)
		if err != nil {
			return nil, fmt.Errorf("configuring sqlite support: %w", err)
		}
		log.InfoContext(ctx, "init", "service", "sqlite", "path", path)
		return &Database{
			DB:      db,
			Dialect: sqlitedialect.New(path),
			close:   func() { db.Close() },
		}, nil

	case "mysql":
		db, name, err := mysqldb.NewFromEnv(prefix)
		if err != nil {
			return nil, fmt.Errorf("configuring mysql support: %w", err)
		}
		log.InfoContext(ctx, "init", "service", "mysql", "database", name)
		return &Database{
			DB:      db,
			Dialect: mysqldialect.New(name),
			close:   func() { db.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unknown DB_DRIVER %q: want postgres, sqlite or mysql", cfg.DBDriver)
}

// NewRunner wires the ledger and runner for database. The returned metrics
// are nil unless a textfile path is configured.
func NewRunner(log *logger.Logger, database *Database, cfg Config) (*migration.Runner, *migration.Metrics, error) {
	store, err := appliedstepssqlstore.NewStore(log, database.Dialect.Flavor(), cfg.LedgerTable)
	if err != nil {
		return nil, nil, err
	}
	ledger := appliedstepsrepo.NewRepository(log, store)

	opts := []migration.Option{
		migration.WithLockKey(cfg.LockKey),
		migration.WithLockTimeout(cfg.LockTimeout),
		migration.WithTimeout(cfg.Timeout),
	}
	var metrics *migration.Metrics
	if cfg.MetricsTextfile != "" {
		metrics = migration.NewMetrics()
		opts = append(opts, migration.WithMetrics(metrics))
	}
	return migration.NewRunner(log, database.DB, database.Dialect, ledger, opts...), metrics, nil
}
