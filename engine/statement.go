package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// Statement is a prepared statement. SQLite compiles the text again on each
// execution; the engine keeps the analysis and the message layouts.
// It implements api.Statement.
type Statement struct {
	att  *Attachment
	info *sqlInfo
	in   *types.MessageMetadata
	out  *types.MessageMetadata

	mu         sync.Mutex
	affected   int64
	cursorName string
	freed      bool
	plans      map[bool]string
}

var _ api.Statement = (*Statement)(nil)

type columnInfo struct {
	CID     int            `db:"cid"`
	Name    string         `db:"name"`
	Type    string         `db:"type"`
	NotNull bool           `db:"notnull"`
	Default sql.NullString `db:"dflt_value"`
	PK      int            `db:"pk"`
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// tableColumns reads the declared columns of a table on conn.
func tableColumns(ctx context.Context, conn *sqlx.Conn, table string) ([]columnInfo, error) {
	var cols []columnInfo
	err := conn.SelectContext(ctx, &cols, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	return cols, err
}

// preparer derives the message layouts of one statement.
type preparer struct {
	att    *Attachment
	conn   *sqlx.Conn
	sink   *eventSink
	info   *sqlInfo
	tables map[string][]columnInfo
}

func (p *preparer) columns(ctx context.Context, table string) []columnInfo {
	key := strings.ToUpper(table)
	if cols, ok := p.tables[key]; ok {
		return cols
	}
	cols, err := tableColumns(ctx, p.conn, table)
	if err != nil {
		cols = nil
	}
	p.tables[key] = cols
	return cols
}

// lookup finds a column by a hint, trying every referenced table when the
// hint has no qualifier.
func (p *preparer) lookup(ctx context.Context, refs []tableRef, h paramHint) (columnInfo, string, bool) {
	tables := make([]string, 0, len(refs))
	if h.qualifier != "" {
		tables = append(tables, resolveTable(refs, h.qualifier))
	} else {
		for _, r := range refs {
			tables = append(tables, r.name)
		}
	}
	for _, table := range tables {
		for _, c := range p.columns(ctx, table) {
			if strings.EqualFold(c.Name, h.column) {
				return c, table, true
			}
		}
	}
	return columnInfo{}, "", false
}

func (p *preparer) numInput() (int, error) {
	var n int
	err := rawConn(p.conn, func(sc *sqlite3.SQLiteConn) error {
		st, err := sc.Prepare(p.info.text)
		if err != nil {
			return err
		}
		n = st.NumInput()
		return st.Close()
	})
	return n, mapError(err)
}

func nullArgs(n int) []any {
	return make([]any, n)
}

func (p *preparer) describeOutput(ctx context.Context, nIn int) ([]types.Descriptor, error) {
	if !p.info.hasCursor() && !p.info.returning {
		return nil, nil
	}
	rows, err := p.conn.QueryxContext(ctx, p.info.text, nullArgs(nIn)...)
	if err != nil {
		return nil, mapError(err)
	}
	names, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, mapError(err)
	}
	colTypes, err := rows.ColumnTypes()
	rows.Close()
	if err != nil {
		return nil, mapError(err)
	}

	cs := p.att.charset
	descs := make([]types.Descriptor, len(names))
	resolved := make([]bool, len(names))
	for i, name := range names {
		d, ok := describeDecl(colTypes[i].DatabaseTypeName(), cs)
		d.Alias, d.Nullable = name, true
		descs[i], resolved[i] = d, ok
	}

	items, ok := selectList(p.info.toks)
	if p.info.returning {
		items, ok = returningList(p.info.toks)
	}
	if ok && len(items) == len(names) {
		refs := tableRefs(p.info.toks)
		single, isSingle := singleTable(p.info.toks)
		for i, item := range items {
			if h, ok := item.bareColumn(); ok {
				descs[i].Field = h.column
				if c, table, found := p.lookup(ctx, refs, h); found {
					descs[i].Relation = table
					descs[i].Nullable = !c.NotNull && c.PK == 0
					if !resolved[i] {
						if d, ok := describeDecl(c.Type, cs); ok {
							descs[i] = mergeNames(d, descs[i])
							resolved[i] = true
						}
					}
				} else if isSingle {
					descs[i].Relation = single.name
				}
			}
			if resolved[i] {
				continue
			}
			if decl, ok := item.castDecl(); ok {
				if d, ok := describeDecl(decl, cs); ok {
					descs[i] = mergeNames(d, descs[i])
					resolved[i] = true
				}
			} else if item.isCount() {
				d, _ := describeDecl("BIGINT", cs)
				descs[i] = mergeNames(d, descs[i])
				descs[i].Nullable = false
				resolved[i] = true
			}
		}
	}

	if p.info.hasCursor() && !allTrue(resolved) {
		if err := p.sample(ctx, nIn, descs, resolved); err != nil {
			return nil, err
		}
	}
	for i := range descs {
		if !resolved[i] {
			d, _ := describeDecl(fmt.Sprintf("VARCHAR(%d)", maxVarying/cs.BytesPerChar), cs)
			descs[i] = mergeNames(d, descs[i])
		}
	}
	return descs, nil
}

// mergeNames copies the naming fields and nullability of from into d.
func mergeNames(d, from types.Descriptor) types.Descriptor {
	d.Field, d.Relation, d.Owner, d.Alias = from.Field, from.Relation, from.Owner, from.Alias
	d.Nullable = from.Nullable
	return d
}

func allTrue(v []bool) bool {
	for _, b := range v {
		if !b {
			return false
		}
	}
	return true
}

// sample types expression columns from the first row the query returns with
// null parameters. Events posted by the query are not recorded.
func (p *preparer) sample(ctx context.Context, nIn int, descs []types.Descriptor, resolved []bool) error {
	if p.sink != nil {
		p.sink.suppress(true)
		defer p.sink.suppress(false)
	}
	rows, err := p.conn.QueryxContext(ctx, p.info.text, nullArgs(nIn)...)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil
	}
	vals, err := rows.SliceScan()
	if err != nil {
		return mapError(err)
	}
	for i, v := range vals {
		if resolved[i] || i >= len(descs) {
			continue
		}
		if d, ok := describeDecl(sampleDecl(v), p.att.charset); ok {
			descs[i] = mergeNames(d, descs[i])
			resolved[i] = true
		}
	}
	return nil
}

func (p *preparer) describeInput(ctx context.Context, n int) []types.Descriptor {
	descs := make([]types.Descriptor, n)
	for i := range descs {
		descs[i] = types.Descriptor{Type: types.SQLNull, Nullable: true}
	}
	hints := paramHints(p.info.toks)
	if len(hints) != n {
		return descs
	}
	refs := tableRefs(p.info.toks)
	for i, h := range hints {
		var decl string
		switch {
		case h.decl != "":
			decl = h.decl
		case strings.HasPrefix(h.column, "#") && len(refs) > 0:
			var pos int
			fmt.Sscanf(h.column, "#%d", &pos)
			if cols := p.columns(ctx, refs[0].name); pos < len(cols) {
				decl = cols[pos].Type
				h.column = cols[pos].Name
			}
		case h.column != "":
			if c, _, ok := p.lookup(ctx, refs, h); ok {
				decl = c.Type
				h.column = c.Name
			}
		}
		if d, ok := describeDecl(decl, p.att.charset); ok {
			d.Field = h.column
			d.Nullable = true
			descs[i] = d
		}
	}
	return descs
}

// Prepare compiles sql in the context of tra, or of a pooled connection when
// tra is nil.
func (a *Attachment) Prepare(ctx context.Context, tra api.Transaction, sqlText string, dialect int) (api.Statement, error) {
	if err := a.checkAttached(); err != nil {
		return nil, err
	}
	info, err := analyze(sqlText, a.charset)
	if err != nil {
		return nil, err
	}
	p := &preparer{att: a, info: info, tables: map[string][]columnInfo{}}
	if tra != nil {
		t, err := a.transaction(tra)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if err := t.usable(); err != nil {
			return nil, err
		}
		p.conn, p.sink = t.conn, t.sink
	} else {
		conn, err := a.db.db.Connx(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		defer conn.Close()
		p.conn = conn
	}

	nIn, err := p.numInput()
	if err != nil {
		return nil, err
	}
	out, err := p.describeOutput(ctx, nIn)
	if err != nil {
		return nil, err
	}
	s := &Statement{
		att:      a,
		info:     info,
		in:       types.NewMessageMetadata(p.describeInput(ctx, nIn)),
		out:      types.NewMessageMetadata(out),
		affected: -1,
		plans:    map[bool]string{},
	}
	a.mu.Lock()
	a.statements[s] = struct{}{}
	a.mu.Unlock()
	a.logger.Debug("statement prepared", "type", info.kind.String(), "inputs", nIn, "outputs", len(out))
	return s, nil
}

func (s *Statement) Type() types.StatementType {
	return s.info.kind
}

func (s *Statement) Flags() types.StatementFlag {
	var f types.StatementFlag
	if s.info.hasCursor() {
		f |= types.StatementFlagHasCursor
	}
	if s.info.kind != types.StatementDDL {
		f |= types.StatementFlagRepeatExecute
	}
	return f
}

func (s *Statement) InputMetadata() *types.MessageMetadata {
	return s.in
}

func (s *Statement) OutputMetadata() *types.MessageMetadata {
	return s.out
}

func (s *Statement) AffectedRecords() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.affected
}

func (s *Statement) SetCursorName(name string) error {
	if name == "" {
		return serverError("34000", -502, gdsDSQLError, "Dynamic SQL Error\n-invalid cursor name", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursorName = name
	return nil
}

func (s *Statement) Free() error {
	s.mu.Lock()
	already := s.freed
	s.freed = true
	s.mu.Unlock()
	if !already {
		s.att.forgetStatement(s)
	}
	return nil
}

func (s *Statement) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return serverError("HY000", -901, gdsDSQLError, "Attempt to execute an unprepared dynamic SQL statement", nil)
	}
	return s.att.checkAttached()
}

// Plan returns the query plan. The short form lists the access paths on one
// line; the detailed form is an indented tree.
func (s *Statement) Plan(detailed bool) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	switch s.info.kind {
	case types.StatementDDL, types.StatementSavepoint:
		return "", nil
	}
	s.mu.Lock()
	plan, ok := s.plans[detailed]
	s.mu.Unlock()
	if ok {
		return plan, nil
	}
	var steps []struct {
		ID     int    `db:"id"`
		Parent int    `db:"parent"`
		Unused int    `db:"notused"`
		Detail string `db:"detail"`
	}
	err := s.att.db.db.Select(&steps, "EXPLAIN QUERY PLAN "+s.info.text, nullArgs(s.in.Count())...)
	if err != nil {
		return "", mapError(err)
	}
	if !detailed {
		details := make([]string, len(steps))
		for i, st := range steps {
			details[i] = st.Detail
		}
		plan = "PLAN (" + strings.Join(details, ", ") + ")"
	} else {
		depth := map[int]int{0: 0}
		var b strings.Builder
		b.WriteString(s.info.kind.String() + " Expression")
		for _, st := range steps {
			d := depth[st.Parent] + 1
			depth[st.ID] = d
			fmt.Fprintf(&b, "\n%s-> %s", strings.Repeat("    ", d), st.Detail)
		}
		plan = b.String()
	}
	s.mu.Lock()
	s.plans[detailed] = plan
	s.mu.Unlock()
	return plan, nil
}

// bindArgs decodes the input message into SQLite arguments. A BLOB id bound
// to a text BLOB parameter is replaced by the BLOB content, so the column
// holds text SQL can work with.
func (s *Statement) bindArgs(ctx context.Context, t *Transaction, inMeta *types.MessageMetadata, in []byte) ([]any, error) {
	if inMeta == nil {
		inMeta = s.in
	}
	if inMeta.Count() != s.in.Count() {
		return nil, serverError("07001", -804, gdsDSQLError,
			fmt.Sprintf("Dynamic SQL Error\n-SQL error code = -804\n-Wrong number of parameters (expected %d, got %d)",
				s.in.Count(), inMeta.Count()), nil)
	}
	if inMeta.Count() == 0 {
		return nil, nil
	}
	if len(in) < inMeta.Length {
		return nil, serverError("07001", -804, gdsDSQLError,
			fmt.Sprintf("input message of %d bytes is shorter than its layout (%d bytes)", len(in), inMeta.Length), nil)
	}
	c := s.att.codec()
	args := make([]any, inMeta.Count())
	for i, d := range inMeta.Fields {
		v, err := c.Unpack(inMeta, in, i)
		if err != nil {
			return nil, err
		}
		if id, ok := v.(types.Quad); ok && d.Type == types.SQLBlob && s.in.Fields[i].SubType == 1 {
			stored, err := t.loadBlob(ctx, id)
			if err != nil {
				return nil, err
			}
			text, err := s.att.charset.Decode(stored.content())
			if err != nil {
				return nil, dberrors.Wrap(dberrors.KindData, "cannot transliterate BLOB", err)
			}
			args[i] = text
			continue
		}
		if args[i], err = bindValue(d, v); err != nil {
			return nil, err
		}
	}
	return args, nil
}

func (s *Statement) setAffected(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.affected = n
}

// writeRow packs the values of one SQLite row into out.
func (s *Statement) writeRow(t *Transaction, vals []any, out []byte) error {
	if len(out) < s.out.Length {
		return serverError("07002", -804, gdsDSQLError,
			fmt.Sprintf("output buffer of %d bytes is shorter than the message length %d", len(out), s.out.Length), nil)
	}
	c := s.att.codec()
	for i, d := range s.out.Fields {
		var raw any
		if i < len(vals) {
			raw = vals[i]
		}
		v, err := t.outputValue(d, raw)
		if err != nil {
			return err
		}
		if err := c.Pack(s.out, out, i, v); err != nil {
			return err
		}
	}
	s.att.engine.metrics.RowFetched()
	return nil
}

// Execute runs the statement. A select writes its first row into out; a
// RETURNING statement writes the returned row.
func (s *Statement) Execute(ctx context.Context, tra api.Transaction, inMeta *types.MessageMetadata, in []byte, out []byte) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if tra == nil {
		return false, errBadTransaction()
	}
	t, err := s.att.transaction(tra)
	if err != nil {
		return false, err
	}
	args, err := s.bindArgs(ctx, t, inMeta, in)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return false, err
	}
	hasRow, err := s.execute(ctx, t, args, out)
	if err != nil {
		t.logger.Debug("statement failed", "type", s.info.kind.String(), "error", err)
		return false, mapError(err)
	}
	s.att.engine.metrics.StatementExecuted(s.info.kind.String())
	return hasRow, nil
}

// execute runs on the transaction connection. Callers hold t.mu.
func (s *Statement) execute(ctx context.Context, t *Transaction, args []any, out []byte) (bool, error) {
	switch {
	case s.info.kind == types.StatementSavepoint:
		if _, err := t.conn.ExecContext(ctx, s.info.text); err != nil {
			return false, err
		}
		switch s.info.spOp {
		case savepointSet:
			t.sink.savepoint(s.info.spName)
		case savepointRelease:
			t.sink.release(s.info.spName)
		case savepointRollback:
			t.sink.rollbackTo(s.info.spName)
		}
		s.setAffected(-1)
		return false, nil
	case s.info.hasCursor() || s.info.returning:
		rows, err := t.conn.QueryxContext(ctx, s.info.text, args...)
		if err != nil {
			return false, err
		}
		defer rows.Close()
		hasRow := false
		var count int64
		for rows.Next() {
			count++
			if hasRow {
				continue
			}
			vals, err := rows.SliceScan()
			if err != nil {
				return false, err
			}
			if out != nil {
				if err := s.writeRow(t, vals, out); err != nil {
					return false, err
				}
				hasRow = true
			}
		}
		if err := rows.Err(); err != nil {
			return false, err
		}
		if s.info.returning {
			s.setAffected(count)
		} else {
			s.setAffected(-1)
		}
		return hasRow, nil
	}
	res, err := t.conn.ExecContext(ctx, s.info.text, args...)
	if err != nil {
		return false, err
	}
	if s.info.kind == types.StatementDDL {
		s.setAffected(-1)
		return false, nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = -1
	}
	s.setAffected(n)
	return false, nil
}

// OpenCursor executes a select and returns its result set. A scrollable
// cursor reads all rows up front.
func (s *Statement) OpenCursor(ctx context.Context, tra api.Transaction, inMeta *types.MessageMetadata, in []byte, flags types.CursorFlag) (api.ResultSet, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if !s.info.hasCursor() {
		return nil, serverError("07005", -502, gdsDSQLError,
			"Dynamic SQL Error\n-SQL error code = -502\n-Attempt to open a cursor on a statement without a result set", nil)
	}
	if tra == nil {
		return nil, errBadTransaction()
	}
	t, err := s.att.transaction(tra)
	if err != nil {
		return nil, err
	}
	args, err := s.bindArgs(ctx, t, inMeta, in)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return nil, err
	}
	rows, err := t.conn.QueryxContext(context.WithoutCancel(ctx), s.info.text, args...)
	if err != nil {
		return nil, mapError(err)
	}
	rs := &resultSet{stmt: s, tra: t, rows: rows, scrollable: flags&types.CursorScrollable != 0}
	if rs.scrollable {
		if err := rs.materialize(); err != nil {
			return nil, err
		}
	}
	t.cursors[rs] = struct{}{}
	s.setAffected(-1)
	s.att.engine.metrics.StatementExecuted(s.info.kind.String())
	return rs, nil
}
