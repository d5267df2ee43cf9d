package store

import (
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// DestinationURL derives a stable identity for the target of writes. It never
// includes credentials and returns "" when the DSN cannot be understood.
func DestinationURL(driver, dsn string) string {
	switch driver {
	case DriverSQLite:
		return sqliteURL(dsn)
	case DriverPostgres:
		return postgresURL(dsn)
	}
	return ""
}

func sqliteURL(dsn string) string {
	if dsn == "" || isMemoryDSN(dsn) {
		return "sqlite3://memory"
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "sqlite3://" + filepath.ToSlash(path)
}

func postgresURL(dsn string) string {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil || cfg.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgresql",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port))),
		Path:   "/" + cfg.Database,
	}
	if strings.HasPrefix(cfg.Host, "/") {
		// Unix socket directory.
		u.Host = "localhost"
		u.RawQuery = url.Values{"host": {cfg.Host}}.Encode()
	}
	return u.String()
}
