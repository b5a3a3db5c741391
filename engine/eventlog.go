package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// logEntry is one line of the server log.
type logEntry struct {
	ID        string `db:"id"`
	Timestamp int64  `db:"timestamp"`
	Level     string `db:"level"`
	Message   string `db:"message"`
}

func (e logEntry) String() string {
	return fmt.Sprintf("%s\t%s\t%s", time.Unix(e.Timestamp, 0).UTC().Format(time.ANSIC),
		strings.ToUpper(e.Level), e.Message)
}

// eventLog is the server log the get_fb_log service reads.
type eventLog struct {
	db *sqlx.DB
}

func newEventLog(db *sqlx.DB) (*eventLog, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS rdb$log (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to create log table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rdb_log_timestamp ON rdb$log(timestamp)`)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to create log index: %w", err)
	}
	return &eventLog{db: db}, nil
}

func (l *eventLog) write(ctx context.Context, level, message string) error {
	_, err := l.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO rdb$log (id, timestamp, level, message) VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), time.Now().UTC().Unix(), level, message)
	return err
}

// entries returns the log oldest first.
func (l *eventLog) entries(ctx context.Context) ([]logEntry, error) {
	var list []logEntry
	err := l.db.SelectContext(ctx, &list, "SELECT * FROM rdb$log ORDER BY timestamp, rowid")
	return list, err
}
