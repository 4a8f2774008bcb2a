package sql

import (
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/puzed/darkauth/storage"
)

// NetworkDB holds connection parameters common to network-attached SQL
// databases.
type NetworkDB struct {
	Database string
	User     string
	Password string
	Host     string
	Port     uint16

	ConnectionTimeout int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int
}

// SSL holds TLS options for a network database connection.
type SSL struct {
	Mode     string
	CAFile   string
	KeyFile  string
	CertFile string
}

// Postgres configures a PostgreSQL-backed storage.Storage (spec §6
// "dbMode: local|remote").
type Postgres struct {
	NetworkDB
	SSL SSL `json:"ssl" yaml:"ssl"`
}

// Open creates a storage.Storage backed by PostgreSQL, running migrations
// before returning.
func (p *Postgres) Open(logger *slog.Logger) (storage.Storage, error) {
	return p.open(logger)
}

var strEsc = regexp.MustCompile(`([\\'])`)

func dataSourceStr(str string) string {
	return "'" + strEsc.ReplaceAllString(str, `\$1`) + "'"
}

func (p *Postgres) createDataSourceName() string {
	var parameters []string
	addParam := func(key, val string) {
		parameters = append(parameters, fmt.Sprintf("%s=%s", key, val))
	}

	addParam("connect_timeout", strconv.Itoa(p.ConnectionTimeout))

	host, port, err := net.SplitHostPort(p.Host)
	if err != nil {
		host = p.Host
		if p.Port != 0 {
			port = strconv.Itoa(int(p.Port))
		}
	}
	if host != "" {
		addParam("host", dataSourceStr(host))
	}
	if port != "" {
		addParam("port", port)
	}
	if p.User != "" {
		addParam("user", dataSourceStr(p.User))
	}
	if p.Password != "" {
		addParam("password", dataSourceStr(p.Password))
	}
	if p.Database != "" {
		addParam("dbname", dataSourceStr(p.Database))
	}
	if p.SSL.Mode == "" {
		addParam("sslmode", dataSourceStr("verify-full"))
	} else {
		addParam("sslmode", dataSourceStr(p.SSL.Mode))
	}
	if p.SSL.CAFile != "" {
		addParam("sslrootcert", dataSourceStr(p.SSL.CAFile))
	}
	if p.SSL.CertFile != "" {
		addParam("sslcert", dataSourceStr(p.SSL.CertFile))
	}
	if p.SSL.KeyFile != "" {
		addParam("sslkey", dataSourceStr(p.SSL.KeyFile))
	}
	return strings.Join(parameters, " ")
}

func (p *Postgres) open(logger *slog.Logger) (*conn, error) {
	db, err := sqlOpen("postgres", p.createDataSourceName())
	if err != nil {
		return nil, err
	}

	if p.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(secondsToDuration(p.ConnMaxLifetime))
	}
	if p.MaxIdleConns == 0 {
		db.SetMaxIdleConns(5)
	} else {
		db.SetMaxIdleConns(p.MaxIdleConns)
	}
	if p.MaxOpenConns == 0 {
		db.SetMaxOpenConns(5)
	} else {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}

	errCheck := func(err error) bool {
		pqErr, ok := err.(*pq.Error)
		if !ok {
			return false
		}
		return pqErr.Code.Name() == "unique_violation"
	}

	c := &conn{db, flavorPostgres, logger, errCheck}
	if _, err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to perform migrations: %w", err)
	}
	return c, nil
}

// SQLite3 configures a file-backed SQLite storage.Storage, the default for
// the single-node / pglite-style deployment of spec §6.
type SQLite3 struct {
	File string `json:"file"`
}

// Open creates a storage.Storage backed by SQLite, running migrations
// before returning.
func (s *SQLite3) Open(logger *slog.Logger) (storage.Storage, error) {
	return s.open(logger)
}

func (s *SQLite3) open(logger *slog.Logger) (*conn, error) {
	db, err := sqlOpen("sqlite3", s.File)
	if err != nil {
		return nil, err
	}

	// SQLite allows only a single writer; serialize all access through one
	// connection rather than racing the driver's internal locking.
	db.SetMaxOpenConns(1)

	errCheck := func(err error) bool {
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	}

	c := &conn{db, flavorSQLite3, logger, errCheck}
	if _, err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to perform migrations: %w", err)
	}
	return c, nil
}
