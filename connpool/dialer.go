package connpool

import (
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	// DriverSQLite name of the built-in sqlite dialer
	DriverSQLite = "sqlite"
	// DefaultID pool identifier used when none is given
	DefaultID = "default"
	// DefaultMaxConnections max number of checked out connections per pool
	DefaultMaxConnections = 8
	// DefaultWaitInterval pause between acquisition attempts of a saturated pool
	DefaultWaitInterval = 50 * time.Millisecond
)

// Params describes how to open physical connections of one pool
type Params struct {
	ID       string
	Driver   string
	URL      string
	User     string
	Password string
	// MaxConnections upper bound of checked out connections, DefaultMaxConnections if not positive
	MaxConnections int
	// WaitInterval pause between acquisition attempts, DefaultWaitInterval if not positive
	WaitInterval time.Duration
}

func (p Params) withDefaults() Params {
	if p.ID == "" {
		p.ID = DefaultID
	}
	if p.Driver == "" {
		p.Driver = DriverSQLite
	}
	if p.MaxConnections <= 0 {
		p.MaxConnections = DefaultMaxConnections
	}
	if p.WaitInterval <= 0 {
		p.WaitInterval = DefaultWaitInterval
	}
	return p
}

// Dialer opens a new physical connection
type Dialer func(p Params) (*sqlite.Conn, error)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

// DialSQLite opens a sqlite database file at p.URL. User and password are not
// used by sqlite.
func DialSQLite(p Params) (*sqlite.Conn, error) {
	if p.URL == "" {
		return nil, fmt.Errorf("sqlite: empty url for pool %q", p.ID)
	}
	conn, err := sqlite.OpenConn(p.URL)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", p.URL, err)
	}
	for _, pragma := range sqlitePragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return conn, nil
}
