package engine

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const driverName = "fbengine_sqlite3"

// defaultBusyTimeout applies to connections outside a transaction, in milliseconds.
const defaultBusyTimeout = 10000

// sinks routes post_event calls from a SQLite connection to the transaction
// currently bound to it.
var sinks sync.Map // *sqlite3.SQLiteConn -> *eventSink

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA foreign_keys=ON",
				fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout),
			} {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return fmt.Errorf("engine: %s: %w", pragma, err)
				}
			}
			return conn.RegisterFunc("post_event", func(name string) int64 {
				if v, ok := sinks.Load(conn); ok {
					v.(*eventSink).post(name)
				}
				return 1
			}, false)
		},
	})
}

func openSQLite(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driverName, "file:"+path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// rawConn runs fn with the SQLite connection under c.
func rawConn(c *sqlx.Conn, fn func(*sqlite3.SQLiteConn) error) error {
	return c.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("engine: unexpected driver connection %T", driverConn)
		}
		return fn(sc)
	})
}
