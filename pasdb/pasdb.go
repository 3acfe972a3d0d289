// Package pasdb implements the persistent model of the preservation
// workflow: museum objects, their attachments, packaging attempts and
// synchronization cursors, together with the preservation-eligibility
// queries that drive the enqueue planner.
//
// The same code runs against PostgreSQL in production and SQLite in
// tests and small deployments.
package pasdb

import (
	"context"
	"database/sql"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default error class for the pasdb package.
	Error = errs.Class("pasdb")

	mon = monkit.Package()
)

// Implementation distinguishes the supported database backends.
type Implementation int

// Supported database backends.
const (
	Postgres Implementation = iota
	SQLite
)

// DB provides access to the workflow database.
type DB struct {
	log  *zap.Logger
	db   *sqlx.DB
	impl Implementation
}

// Open connects to the database identified by a URL of the form
// postgres://... or sqlite3://path.
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (*DB, error) {
	driver, connstr, impl, err := parseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	sdb, err := sqlx.Open(driver, connstr)
	if err != nil {
		return nil, Error.New("open %q failed: %v", driver, err)
	}
	if err := sdb.PingContext(ctx); err != nil {
		return nil, errs.Combine(Error.Wrap(err), sdb.Close())
	}

	if impl == SQLite {
		// SQLite serializes writers; pooling connections only causes
		// SQLITE_BUSY under concurrent use.
		sdb.SetMaxOpenConns(1)
	}

	return &DB{log: log, db: sdb, impl: impl}, nil
}

func parseURL(databaseURL string) (driver, connstr string, impl Implementation, err error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"),
		strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL, Postgres, nil
	case strings.HasPrefix(databaseURL, "sqlite3://"):
		source := strings.TrimPrefix(databaseURL, "sqlite3://")
		return "sqlite3", source, SQLite, nil
	}
	return "", "", 0, Error.New("unsupported database url %q", databaseURL)
}

// PostgresURL builds a postgres connection URL from individual
// credentials as they appear in the configuration file.
func PostgresURL(user, password, host, port, name string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	return u.String()
}

// Implementation returns the backend this DB runs on.
func (db *DB) Implementation() Implementation { return db.impl }

// Close releases the underlying connections.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Rebind translates ?-style placeholders to the backend's bind variable
// format.
func (db *DB) Rebind(query string) string {
	return db.db.Rebind(query)
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on failure.
func (db *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, ignoreTxDone(tx.Rollback()))
			return
		}
		err = Error.Wrap(ignoreTxDone(tx.Commit()))
	}()
	return fn(tx)
}

func ignoreTxDone(err error) error {
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}
