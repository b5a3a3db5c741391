package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/fbdriver/buffer"
)

const catalogVersion = 1

const catalogSchema = `
CREATE TABLE IF NOT EXISTS _versions (
	type TEXT PRIMARY KEY,
	version INTEGER,
	updated TIMESTAMP
);
CREATE TABLE IF NOT EXISTS rdb$database (
	rdb$character_set_name TEXT NOT NULL,
	rdb$sql_dialect INTEGER NOT NULL,
	rdb$read_only INTEGER NOT NULL DEFAULT 0,
	rdb$forced_writes INTEGER NOT NULL DEFAULT 1,
	rdb$sweep_interval INTEGER NOT NULL DEFAULT 20000,
	rdb$created TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS rdb$blobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type INTEGER NOT NULL,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS rdb$arrays (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	data BLOB NOT NULL
);
`

const updateVersionSql = `
INSERT INTO _versions (type, version, updated)
VALUES ($1, $2, datetime())
ON CONFLICT (type)
DO UPDATE SET version = $2, updated = datetime();
`

// database is one open database file shared by all its attachments.
type database struct {
	path string
	db   *sqlx.DB
	hub  *eventHub

	// attached is guarded by Engine.mu.
	attached int

	charset      string
	dialect      int
	readOnly     bool
	forcedWrites bool
	sweep        int
	created      time.Time
}

type catalogRow struct {
	Charset      string `db:"rdb$character_set_name"`
	Dialect      int    `db:"rdb$sql_dialect"`
	ReadOnly     bool   `db:"rdb$read_only"`
	ForcedWrites bool   `db:"rdb$forced_writes"`
	Sweep        int    `db:"rdb$sweep_interval"`
	Created      string `db:"rdb$created"`
}

// initDatabaseFile creates the file and its catalog. It runs on a plain
// connection so the page size is set before the journal mode is.
func initDatabaseFile(ctx context.Context, path string, dpb *buffer.DPB) error {
	pageSize := dpb.PageSize
	if pageSize == 0 {
		pageSize = 8192
	}
	if pageSize < 1024 || pageSize > 65536 || pageSize&(pageSize-1) != 0 {
		return serverError("HY000", -902, gdsIOError, fmt.Sprintf("invalid page size %d", pageSize), nil)
	}
	charset := dpb.DBCharset
	if charset == "" {
		charset = "NONE"
	}
	dialect := dpb.DBSQLDialect
	if dialect == 0 {
		dialect = 3
	}
	forced := dpb.ForcedWrites == nil || *dpb.ForcedWrites
	sweep := 20000
	if dpb.SweepInterval != nil {
		sweep = *dpb.SweepInterval
	}

	db, err := sqlx.Open("sqlite3", "file:"+path)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA page_size=%d", pageSize)); err != nil {
		return mapError(err)
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, catalogSchema); err != nil {
		return mapError(err)
	}
	if _, err := tx.ExecContext(ctx, updateVersionSql, "catalog", catalogVersion); err != nil {
		return mapError(err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rdb$database (rdb$character_set_name, rdb$sql_dialect, rdb$read_only,
			rdb$forced_writes, rdb$sweep_interval, rdb$created)
		VALUES (?, ?, ?, ?, ?, ?)`,
		charset, dialect, dpb.ReadOnly, forced, sweep, time.Now().UTC().Format(timestampLayout))
	if err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit())
}

// openDatabase opens an existing database file and loads its catalog row.
func openDatabase(ctx context.Context, path string) (*database, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, serverError("08001", -902, gdsIOError,
			fmt.Sprintf("I/O error during \"open\" operation for file \"%s\"", path), err)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, mapError(err)
	}
	var row catalogRow
	if err := db.GetContext(ctx, &row, "SELECT * FROM rdb$database LIMIT 1"); err != nil {
		db.Close()
		return nil, serverError("08001", -902, gdsIOError,
			fmt.Sprintf("file %s is not a valid database", path), err)
	}
	if !row.ForcedWrites {
		db.Close()
		if db, err = openSQLite(path + "?_sync=OFF"); err != nil {
			return nil, mapError(err)
		}
	}
	created, _ := time.Parse(timestampLayout, row.Created)
	return &database{
		path:         path,
		db:           db,
		charset:      row.Charset,
		dialect:      row.Dialect,
		readOnly:     row.ReadOnly,
		forcedWrites: row.ForcedWrites,
		sweep:        row.Sweep,
		created:      created,
	}, nil
}

func (d *database) close() error {
	return d.db.Close()
}

// removeDatabaseFiles deletes a database together with its WAL files.
func removeDatabaseFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return serverError("HY000", -902, gdsIOError,
				fmt.Sprintf("I/O error during \"remove\" operation for file \"%s\"", p), err)
		}
	}
	return nil
}
