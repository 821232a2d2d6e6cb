// Package mysqldb opens MySQL databases with go-sql-driver/mysql.
package mysqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jrazmi/stepwise/sdk/environment"
)

// Options represents the exportable database configuration
type Options struct {
	DSN          string        `env:"MYSQL_DSN" envDefault:"root:password@tcp(localhost:3306)/stepwise"`
	MaxOpenConns int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"4"`
	MaxLifetime  time.Duration `env:"MYSQL_MAX_LIFETIME" envDefault:"1h"`
}

// NewFromEnv opens the database named by environment variables under prefix.
func NewFromEnv(prefix string) (*sql.DB, string, error) {
	var cfg Options
	if err := environment.Parse(prefix, &cfg); err != nil {
		return nil, "", fmt.Errorf("parsing mysql config: %w", err)
	}
	return Open(cfg)
}

// Open returns the pool and the database name from the DSN. Times are parsed
// into time.Time and multi-statement execution stays off.
func Open(cfg Options) (*sql.DB, string, error) {
	mcfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	mcfg.ParseTime = true
	mcfg.MultiStatements = false
	if mcfg.Loc == nil {
		mcfg.Loc = time.UTC
	}

	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, "", fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("ping mysql: %w", err)
	}
	return db, mcfg.DBName, nil
}
