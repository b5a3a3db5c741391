package engine

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/dberrors"
)

// resultSet is an open cursor. A forward-only cursor steps the SQLite
// statement on demand; a scrollable one holds every row in memory.
type resultSet struct {
	stmt       *Statement
	tra        *Transaction
	scrollable bool

	mu     sync.Mutex
	rows   *sqlx.Rows
	buffer [][]any
	// pos is the 1-based position of a scrollable cursor; 0 is before the
	// first row and len(buffer)+1 after the last.
	pos    int
	bof    bool
	eof    bool
	closed bool
}

var _ api.ResultSet = (*resultSet)(nil)

// materialize reads all remaining rows into the buffer.
func (rs *resultSet) materialize() error {
	defer func() {
		rs.rows.Close()
		rs.rows = nil
	}()
	for rs.rows.Next() {
		vals, err := rs.rows.SliceScan()
		if err != nil {
			return mapError(err)
		}
		rs.buffer = append(rs.buffer, vals)
	}
	rs.bof = true
	return mapError(rs.rows.Err())
}

func errCursorClosed() error {
	return serverError("24000", -504, gdsDSQLError, "Attempt to reclose a closed cursor", nil)
}

func (rs *resultSet) check() error {
	if rs.closed {
		return errCursorClosed()
	}
	return nil
}

func errNotScrollable() error {
	return dberrors.Interfacef("cursor is not scrollable")
}

func (rs *resultSet) write(vals []any, out []byte) error {
	return rs.stmt.writeRow(rs.tra, vals, out)
}

func (rs *resultSet) FetchNext(ctx context.Context, out []byte) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.check(); err != nil {
		return false, err
	}
	if rs.scrollable {
		return rs.moveTo(rs.pos+1, out)
	}
	if rs.eof {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, mapError(err)
	}
	if !rs.rows.Next() {
		rs.eof = true
		err := rs.rows.Err()
		rs.rows.Close()
		return false, mapError(err)
	}
	vals, err := rs.rows.SliceScan()
	if err != nil {
		return false, mapError(err)
	}
	if err := rs.write(vals, out); err != nil {
		return false, err
	}
	return true, nil
}

// moveTo positions a scrollable cursor. Positions outside the rows leave it
// before the first or after the last row.
func (rs *resultSet) moveTo(pos int, out []byte) (bool, error) {
	n := len(rs.buffer)
	switch {
	case pos < 1:
		rs.pos, rs.bof, rs.eof = 0, true, false
		return false, nil
	case pos > n:
		rs.pos, rs.bof, rs.eof = n+1, false, true
		return false, nil
	}
	if err := rs.write(rs.buffer[pos-1], out); err != nil {
		return false, err
	}
	rs.pos, rs.bof, rs.eof = pos, false, false
	return true, nil
}

func (rs *resultSet) scroll(fn func() int, out []byte) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.check(); err != nil {
		return false, err
	}
	if !rs.scrollable {
		return false, errNotScrollable()
	}
	return rs.moveTo(fn(), out)
}

func (rs *resultSet) FetchPrior(ctx context.Context, out []byte) (bool, error) {
	return rs.scroll(func() int { return rs.pos - 1 }, out)
}

func (rs *resultSet) FetchFirst(ctx context.Context, out []byte) (bool, error) {
	return rs.scroll(func() int { return 1 }, out)
}

func (rs *resultSet) FetchLast(ctx context.Context, out []byte) (bool, error) {
	return rs.scroll(func() int { return len(rs.buffer) }, out)
}

// FetchAbsolute counts from the end when position is negative.
func (rs *resultSet) FetchAbsolute(ctx context.Context, position int, out []byte) (bool, error) {
	return rs.scroll(func() int {
		if position < 0 {
			return len(rs.buffer) + 1 + position
		}
		return position
	}, out)
}

func (rs *resultSet) FetchRelative(ctx context.Context, offset int, out []byte) (bool, error) {
	return rs.scroll(func() int { return rs.pos + offset }, out)
}

func (rs *resultSet) IsEOF() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.eof
}

func (rs *resultSet) IsBOF() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.scrollable {
		return rs.bof
	}
	return false
}

func (rs *resultSet) Close() error {
	rs.mu.Lock()
	closed := rs.closed
	rs.mu.Unlock()
	if closed {
		return errCursorClosed()
	}
	rs.tra.forgetCursor(rs)
	rs.shutdown()
	return nil
}

// shutdown releases the SQLite statement. It is called by Close and when
// the transaction ends.
func (rs *resultSet) shutdown() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return
	}
	rs.closed = true
	if rs.rows != nil {
		rs.rows.Close()
		rs.rows = nil
	}
	rs.buffer = nil
}
