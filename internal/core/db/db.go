// Package db stores key-value lookup tables and screening events.
//
// Supports SQLite (single node, tests) and PostgreSQL (shared by replicas)
// via sqlx. Schema changes run through a checksummed migration runner over
// the embedded SQL files of the migrations package; statements are named
// dotsql queries under queries/.
package db

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names as registered with database/sql.
const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

// Pool limits: tables are read at start and events are written one by one,
// so a small pool covers every replica.
const (
	maxOpenConns    = 8
	maxIdleConns    = 2
	connMaxIdleTime = 5 * time.Minute
	connMaxLifetime = 30 * time.Minute
	pingTimeout     = 5 * time.Second
)

// Open establishes a database connection from a URL and configures pooling.
// Supported URL schemes: sqlite://, postgres://, postgresql://
// SQLite URLs: sqlite://path/to/file.db or sqlite:///absolute/path
func Open(ctx context.Context, dbURL string) (*sqlx.DB, error) {
	driverName, dataSource, err := dataSourceOf(dbURL)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, dataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// dataSourceOf maps a database URL to driver name and data source.
func dataSourceOf(dbURL string) (driverName, dataSource string, err error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid database URL: %w", err)
	}

	switch u.Scheme {
	case "sqlite":
		// sqlite://file.db is relative (host+path), sqlite:///abs/path absolute
		dataSource = u.Path
		if u.Host != "" {
			dataSource = u.Host + u.Path
		}
		if u.RawQuery != "" {
			dataSource += "?" + u.RawQuery
		}
		return driverSQLite, dataSource, nil
	case "postgres", "postgresql":
		return driverPostgres, dbURL, nil
	}
	return "", "", fmt.Errorf("unsupported database scheme: %s (expected sqlite or postgres)", u.Scheme)
}
