// Package sqlitedb opens SQLite databases through the pure-Go modernc driver.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jrazmi/stepwise/sdk/environment"

	_ "modernc.org/sqlite"
)

// Memory is the path that selects a private in-memory database.
const Memory = ":memory:"

// Options represents the exportable database configuration
type Options struct {
	Path        string        `env:"SQLITE_PATH" envDefault:"stepwise.db"`
	BusyTimeout time.Duration `env:"SQLITE_BUSY_TIMEOUT" envDefault:"5s"`
}

// NewFromEnv opens the database named by environment variables under prefix
// and returns it with the configured path.
func NewFromEnv(prefix string) (*sql.DB, string, error) {
	var cfg Options
	if err := environment.Parse(prefix, &cfg); err != nil {
		return nil, "", fmt.Errorf("parsing sqlite config: %w", err)
	}
	db, err := Open(cfg)
	if err != nil {
		return nil, "", err
	}
	return db, cfg.Path, nil
}

// Open opens a database with foreign key enforcement switched on for every
// connection. An in-memory database is limited to one connection, since each
// new connection would see an empty database.
func Open(cfg Options) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if cfg.Path == "" || cfg.Path == Memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// OpenMemory opens a fresh private in-memory database.
func OpenMemory() (*sql.DB, error) {
	return Open(Options{Path: Memory})
}

func dsn(cfg Options) string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	// Transactions take the write lock at BEGIN.
	params.Add("_txlock", "immediate")
	if cfg.BusyTimeout > 0 {
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}

	path := cfg.Path
	if path == "" {
		path = Memory
	}
	path = strings.TrimPrefix(path, "file:")
	return "file:" + path + "?" + params.Encode()
}
