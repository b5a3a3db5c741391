package driver

import (
	"sync"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/types"
)

// Statement is a prepared statement. It stays valid until it is freed or its
// connection closes.
type Statement struct {
	conn *Connection
	ist  api.Statement
	sql  string

	mu    sync.Mutex
	freed bool
}

func newStatement(c *Connection, ist api.Statement, sql string) *Statement {
	return &Statement{conn: c, ist: ist, sql: sql}
}

// SQL is the statement text.
func (s *Statement) SQL() string { return s.sql }

// Connection is the connection the statement was prepared on.
func (s *Statement) Connection() *Connection { return s.conn }

func (s *Statement) Type() types.StatementType { return s.ist.Type() }

func (s *Statement) Flags() types.StatementFlag { return s.ist.Flags() }

// HasCursor reports whether execution opens a result set.
func (s *Statement) HasCursor() bool {
	return s.ist.Flags()&types.StatementFlagHasCursor != 0
}

// InputMetadata describes the parameters as the server resolved them.
func (s *Statement) InputMetadata() *types.MessageMetadata { return s.ist.InputMetadata() }

// OutputMetadata describes the result columns.
func (s *Statement) OutputMetadata() *types.MessageMetadata { return s.ist.OutputMetadata() }

// ColumnNames lists the output column names, preferring aliases.
func (s *Statement) ColumnNames() []string {
	out := s.ist.OutputMetadata()
	names := make([]string, out.Count())
	for i, d := range out.Fields {
		names[i] = d.Name()
	}
	return names
}

func (s *Statement) Plan() (string, error) {
	return s.ist.Plan(false)
}

func (s *Statement) DetailedPlan() (string, error) {
	return s.ist.Plan(true)
}

// IsFreed reports whether the statement was released.
func (s *Statement) IsFreed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freed
}

// Free releases the statement. Freeing twice is a no-op.
func (s *Statement) Free() error {
	err := s.free()
	s.conn.forgetStatement(s)
	return err
}

func (s *Statement) free() error {
	s.mu.Lock()
	if s.freed {
		s.mu.Unlock()
		return nil
	}
	s.freed = true
	s.mu.Unlock()
	return s.ist.Free()
}
