// Package sql provides SQL implementations of the storage.Storage contract,
// backed by PostgreSQL or SQLite, using database/sql directly rather than an
// ORM so the schema of spec §3 is visible in one place (migrate.go).
package sql

import (
	"context"
	"database/sql"
	"log/slog"
	"regexp"
	"time"

	"github.com/lib/pq"

	// import third party drivers
	_ "github.com/mattn/go-sqlite3"
)

// flavor represents a specific SQL implementation and translates query
// strings between the dialects used by the two supported drivers. Flavors
// don't aim to translate arbitrary SQL, only the queries this package
// issues.
type flavor struct {
	queryReplacers []replacer

	// executeTx optionally overrides how a transaction is begun and
	// retried. Postgres retries serialization failures; SQLite has none.
	executeTx func(db *sql.DB, fn func(*sql.Tx) error) error

	supportsTimezones bool
}

type replacer struct {
	re   *regexp.Regexp
	with string
}

var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

var (
	flavorPostgres = flavor{
		// Postgres defaults to consistent reads, not consistent writes; ask
		// for serializable isolation and retry on conflict.
		executeTx: func(db *sql.DB, fn func(sqlTx *sql.Tx) error) error {
			opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
			for {
				tx, err := db.BeginTx(context.Background(), opts)
				if err != nil {
					return err
				}
				if err := fn(tx); err != nil {
					tx.Rollback()
					if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "serialization_failure" {
						continue
					}
					return err
				}
				if err := tx.Commit(); err != nil {
					if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "serialization_failure" {
						continue
					}
					return err
				}
				return nil
			}
		},
		supportsTimezones: true,
	}

	flavorSQLite3 = flavor{
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			{matchLiteral("true"), "1"},
			{matchLiteral("false"), "0"},
			{matchLiteral("boolean"), "integer"},
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("timestamptz"), "timestamp"},
			{regexp.MustCompile(`\bnow\(\)`), "date('now')"},
		},
	}
)

func (f flavor) translate(query string) string {
	for _, r := range f.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

func (c *conn) translateArgs(args []interface{}) []interface{} {
	if c.flavor.supportsTimezones {
		return args
	}
	for i, arg := range args {
		if t, ok := arg.(time.Time); ok {
			args[i] = t.UTC()
		}
	}
	return args
}

// conn is the main database connection, shared by every table's CRUD
// methods in crud.go.
type conn struct {
	db                 *sql.DB
	flavor             flavor
	logger             *slog.Logger
	alreadyExistsCheck func(err error) bool
}

func (c *conn) Close() error {
	return c.db.Close()
}

func sqlOpen(driverName, dsn string) (*sql.DB, error) {
	return sql.Open(driverName, dsn)
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func (c *conn) Exec(query string, args ...interface{}) (sql.Result, error) {
	query = c.flavor.translate(query)
	return c.db.Exec(query, c.translateArgs(args)...)
}

func (c *conn) Query(query string, args ...interface{}) (*sql.Rows, error) {
	query = c.flavor.translate(query)
	return c.db.Query(query, c.translateArgs(args)...)
}

func (c *conn) QueryRow(query string, args ...interface{}) *sql.Row {
	query = c.flavor.translate(query)
	return c.db.QueryRow(query, c.translateArgs(args)...)
}

// ExecTx runs fn within a transaction, retrying on the flavor's terms.
func (c *conn) ExecTx(fn func(tx *trans) error) error {
	if c.flavor.executeTx != nil {
		return c.flavor.executeTx(c.db, func(sqlTx *sql.Tx) error {
			return fn(&trans{sqlTx, c})
		})
	}
	sqlTx, err := c.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(&trans{sqlTx, c}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

type trans struct {
	tx *sql.Tx
	c  *conn
}

func (t *trans) Exec(query string, args ...interface{}) (sql.Result, error) {
	query = t.c.flavor.translate(query)
	return t.tx.Exec(query, t.c.translateArgs(args)...)
}

func (t *trans) Query(query string, args ...interface{}) (*sql.Rows, error) {
	query = t.c.flavor.translate(query)
	return t.tx.Query(query, t.c.translateArgs(args)...)
}

func (t *trans) QueryRow(query string, args ...interface{}) *sql.Row {
	query = t.c.flavor.translate(query)
	return t.tx.QueryRow(query, t.c.translateArgs(args)...)
}
