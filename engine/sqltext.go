package engine

import (
	"strconv"
	"strings"

	"github.com/tomyedwab/fbdriver/codec"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokString
	tokNumber
	tokParam
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string
	pos   int
	depth int
}

// upper returns the keyword form of a word token. Other tokens are returned as is.
func (t token) upper() string {
	if t.kind == tokWord {
		return strings.ToUpper(t.text)
	}
	return t.text
}

// ident returns the identifier named by a word or quoted token.
func (t token) ident() string {
	if t.kind == tokQuoted {
		return t.text[1 : len(t.text)-1]
	}
	return t.text
}

func (t token) isIdent() bool {
	return t.kind == tokWord || t.kind == tokQuoted
}

func (t token) is(word string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, word)
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isWordChar(c byte) bool {
	return isWordStart(c) || c == '$' || (c >= '0' && c <= '9')
}

// tokenize splits SQL text into tokens. Comments and whitespace are dropped.
// Each token records its byte offset and parenthesis depth.
func tokenize(sql string) []token {
	var toks []token
	depth := 0
	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 4
			}
		case c == '\'' || c == '"' || c == '`':
			start := i
			i++
			for i < len(sql) {
				if sql[i] == c {
					if i+1 < len(sql) && sql[i+1] == c {
						i += 2
						continue
					}
					break
				}
				i++
			}
			if i < len(sql) {
				i++
			}
			kind := tokQuoted
			if c == '\'' {
				kind = tokString
			}
			toks = append(toks, token{kind: kind, text: sql[start:i], pos: start, depth: depth})
		case isWordStart(c):
			start := i
			for i < len(sql) && isWordChar(sql[i]) {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: sql[start:i], pos: start, depth: depth})
		case c >= '0' && c <= '9' || (c == '.' && i+1 < len(sql) && sql[i+1] >= '0' && sql[i+1] <= '9'):
			start := i
			for i < len(sql) && (sql[i] >= '0' && sql[i] <= '9' || sql[i] == '.' || sql[i] == 'e' || sql[i] == 'E' ||
				((sql[i] == '+' || sql[i] == '-') && (sql[i-1] == 'e' || sql[i-1] == 'E'))) {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: sql[start:i], pos: start, depth: depth})
		case c == '?':
			start := i
			i++
			for i < len(sql) && sql[i] >= '0' && sql[i] <= '9' {
				i++
			}
			toks = append(toks, token{kind: tokParam, text: sql[start:i], pos: start, depth: depth})
		default:
			start := i
			i++
			if i < len(sql) {
				switch sql[start : i+1] {
				case "<=", ">=", "<>", "!=", "==", "||", "<<", ">>":
					i++
				}
			}
			text := sql[start:i]
			if text == ")" && depth > 0 {
				depth--
			}
			toks = append(toks, token{kind: tokPunct, text: text, pos: start, depth: depth})
			if text == "(" {
				depth++
			}
		}
	}
	return toks
}

type savepointOp int

const (
	savepointNone savepointOp = iota
	savepointSet
	savepointRelease
	savepointRollback
)

// sqlInfo is what the engine learns from the statement text before SQLite
// compiles it.
type sqlInfo struct {
	kind      types.StatementType
	text      string
	toks      []token
	returning bool
	spOp      savepointOp
	spName    string
}

func dsqlError(format string, args ...any) error {
	err := dberrors.Databasef("42000", -104, "Dynamic SQL Error\n-SQL error code = -104\n-"+format, args...)
	err.GDSCodes = []int{gdsDSQLError}
	return err
}

// analyze classifies a statement and rewrites the parts SQLite does not accept.
func analyze(sql string, cs *codec.Charset) (*sqlInfo, error) {
	toks := tokenize(sql)
	for len(toks) > 0 && toks[len(toks)-1].text == ";" {
		sql = sql[:toks[len(toks)-1].pos]
		toks = toks[:len(toks)-1]
	}
	if len(toks) == 0 {
		return nil, dsqlError("Unexpected end of command")
	}
	// Semicolons are allowed inside trigger bodies only.
	blocks := 0
	for _, t := range toks {
		switch {
		case t.is("BEGIN") || t.is("CASE"):
			blocks++
		case t.is("END") && blocks > 0:
			blocks--
		case t.text == ";" && t.depth == 0 && t.kind == tokPunct && blocks == 0:
			return nil, dsqlError("Token unknown - ;")
		}
	}
	info := &sqlInfo{text: strings.TrimSpace(sql), toks: toks}
	word := func(i int) string {
		if i < len(toks) {
			return toks[i].upper()
		}
		return ""
	}
	switch first := word(0); first {
	case "SELECT", "WITH", "VALUES", "PRAGMA", "EXPLAIN":
		info.kind = types.StatementSelect
		if first == "SELECT" || first == "WITH" {
			info.stripForUpdate()
		}
	case "INSERT", "REPLACE":
		info.kind = types.StatementInsert
	case "UPDATE":
		info.kind = types.StatementUpdate
	case "DELETE":
		info.kind = types.StatementDelete
	case "CREATE", "ALTER", "DROP", "ANALYZE", "VACUUM", "REINDEX":
		info.kind = types.StatementDDL
		rewritten, err := rewriteArrayColumns(info.text, cs)
		if err != nil {
			return nil, dsqlError("%s", err.Error())
		}
		info.text = rewritten
	case "SAVEPOINT":
		if len(toks) != 2 || !toks[1].isIdent() {
			return nil, dsqlError("Token unknown - %s", word(2))
		}
		info.kind = types.StatementSavepoint
		info.spOp, info.spName = savepointSet, toks[1].ident()
	case "RELEASE":
		i := 1
		if word(i) == "SAVEPOINT" {
			i++
		}
		if i >= len(toks) || !toks[i].isIdent() {
			return nil, dsqlError("Unexpected end of command")
		}
		info.kind = types.StatementSavepoint
		info.spOp, info.spName = savepointRelease, toks[i].ident()
		// ONLY keeps nested savepoints in the server dialect; SQLite has no equivalent.
		info.text = "RELEASE SAVEPOINT " + toks[i].text
	case "ROLLBACK":
		i := 1
		if word(i) == "WORK" {
			i++
		}
		if word(i) != "TO" {
			return nil, dberrors.NotSupportedf("%s statements are not supported, use the transaction API", first)
		}
		i++
		if word(i) == "SAVEPOINT" {
			i++
		}
		if i >= len(toks) || !toks[i].isIdent() {
			return nil, dsqlError("Unexpected end of command")
		}
		info.kind = types.StatementSavepoint
		info.spOp, info.spName = savepointRollback, toks[i].ident()
		info.text = "ROLLBACK TO SAVEPOINT " + toks[i].text
	case "COMMIT", "BEGIN", "END":
		return nil, dberrors.NotSupportedf("%s statements are not supported, use the transaction API", first)
	case "SET":
		if word(1) == "TRANSACTION" {
			return nil, dberrors.NotSupportedf("SET TRANSACTION is not supported, use the transaction API")
		}
		return nil, dsqlError("Token unknown - %s", toks[0].text)
	case "EXECUTE":
		return nil, dberrors.NotSupportedf("stored procedures are not supported by the embedded engine")
	default:
		return nil, dsqlError("Token unknown - %s", toks[0].text)
	}
	switch info.kind {
	case types.StatementInsert, types.StatementUpdate, types.StatementDelete:
		for _, t := range toks {
			if t.depth == 0 && t.is("RETURNING") {
				info.returning = true
			}
		}
	}
	if info.text != sql {
		info.toks = tokenize(info.text)
	}
	return info, nil
}

// stripForUpdate removes a trailing FOR UPDATE [OF ...] [WITH LOCK] clause.
func (info *sqlInfo) stripForUpdate() {
	for i := len(info.toks) - 2; i >= 0; i-- {
		if info.toks[i].depth == 0 && info.toks[i].is("FOR") && info.toks[i+1].is("UPDATE") {
			info.text = strings.TrimSpace(info.text[:info.toks[i].pos])
			info.toks = info.toks[:i]
			info.kind = types.StatementSelectForUpd
			return
		}
	}
}

func (info *sqlInfo) hasCursor() bool {
	return info.kind == types.StatementSelect || info.kind == types.StatementSelectForUpd
}

// tableRef is a table named in a FROM, JOIN, UPDATE or INTO clause.
type tableRef struct {
	name  string
	alias string
}

var clauseWords = map[string]bool{
	"WHERE": true, "JOIN": true, "LEFT": true, "RIGHT": true, "INNER": true, "OUTER": true,
	"CROSS": true, "FULL": true, "NATURAL": true, "ON": true, "USING": true, "SET": true,
	"GROUP": true, "ORDER": true, "LIMIT": true, "OFFSET": true, "VALUES": true, "UNION": true,
	"EXCEPT": true, "INTERSECT": true, "HAVING": true, "RETURNING": true, "DEFAULT": true,
	"SELECT": true, "WINDOW": true, "INDEXED": true, "NOT": true,
}

func tableRefs(toks []token) []tableRef {
	var refs []tableRef
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if !(t.is("FROM") || t.is("JOIN") || t.is("UPDATE") || t.is("INTO")) {
			continue
		}
		for j := i + 1; j < len(toks); {
			if !toks[j].isIdent() || clauseWords[toks[j].upper()] {
				break
			}
			ref := tableRef{name: toks[j].ident()}
			j++
			if j+1 < len(toks) && toks[j].text == "." && toks[j+1].isIdent() {
				ref.name = toks[j+1].ident()
				j += 2
			}
			if j < len(toks) && toks[j].is("AS") {
				j++
			}
			if j < len(toks) && toks[j].isIdent() && !clauseWords[toks[j].upper()] {
				ref.alias = toks[j].ident()
				j++
			}
			refs = append(refs, ref)
			if !t.is("FROM") || j >= len(toks) || toks[j].text != "," {
				break
			}
			j++
		}
	}
	return refs
}

// resolveTable maps a qualifier to a table name through the aliases in refs.
func resolveTable(refs []tableRef, qualifier string) string {
	for _, r := range refs {
		if strings.EqualFold(r.alias, qualifier) || (r.alias == "" && strings.EqualFold(r.name, qualifier)) {
			return r.name
		}
	}
	return qualifier
}

// paramHint tells what a parameter is compared with or assigned to. Either a
// column reference or an explicit type is set.
type paramHint struct {
	qualifier string
	column    string
	decl      string
}

var comparisonOps = map[string]bool{
	"=": true, "==": true, "<>": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
	"LIKE": true, "GLOB": true, "IS": true,
}

// columnBefore reads a possibly qualified column reference ending at toks[i].
func columnBefore(toks []token, i int) (paramHint, bool) {
	if i < 0 || !toks[i].isIdent() || clauseWords[toks[i].upper()] {
		return paramHint{}, false
	}
	h := paramHint{column: toks[i].ident()}
	if i >= 2 && toks[i-1].text == "." && toks[i-2].isIdent() {
		h.qualifier = toks[i-2].ident()
	}
	return h, true
}

// columnAfter reads a possibly qualified column reference starting at toks[i].
func columnAfter(toks []token, i int) (paramHint, bool) {
	if i >= len(toks) || !toks[i].isIdent() || clauseWords[toks[i].upper()] {
		return paramHint{}, false
	}
	if i+2 < len(toks) && toks[i+1].text == "." && toks[i+2].isIdent() {
		return paramHint{qualifier: toks[i].ident(), column: toks[i+2].ident()}, true
	}
	if i+1 < len(toks) && toks[i+1].text == "(" {
		return paramHint{}, false
	}
	return paramHint{column: toks[i].ident()}, true
}

// paramHints finds a hint for each "?" in the statement, in order.
func paramHints(toks []token) []paramHint {
	var hints []paramHint
	insertCols, insertStart := insertColumns(toks)
	var betweenCol *paramHint
	betweenLeft := 0
	inCol := map[int]paramHint{}
	for i, t := range toks {
		if t.is("BETWEEN") {
			j := i - 1
			if j >= 0 && toks[j].is("NOT") {
				j--
			}
			if h, ok := columnBefore(toks, j); ok {
				betweenCol, betweenLeft = &h, 2
			}
		}
		if t.is("IN") && i+1 < len(toks) && toks[i+1].text == "(" {
			j := i - 1
			if j >= 0 && toks[j].is("NOT") {
				j--
			}
			if h, ok := columnBefore(toks, j); ok {
				inCol[toks[i+1].depth+1] = h
			}
		}
		if t.text == ")" && t.kind == tokPunct {
			delete(inCol, t.depth+1)
		}
		if t.kind != tokParam {
			continue
		}
		var h paramHint
		var prev, next token
		if i > 0 {
			prev = toks[i-1]
		}
		if i+1 < len(toks) {
			next = toks[i+1]
		}
		switch {
		case insertStart >= 0 && i > insertStart:
			h = insertHint(toks, insertStart, i, insertCols)
		case prev.text == "(" && i >= 2 && toks[i-2].is("CAST") && next.is("AS"):
			h.decl = castType(toks, i+2, t.depth)
		case prev.is("LIMIT") || prev.is("OFFSET"):
			h.decl = "BIGINT"
		case betweenLeft > 0 && (prev.is("BETWEEN") || prev.is("AND")):
			h = *betweenCol
			betweenLeft--
		case (prev.text == "(" || prev.text == ",") && inColFor(inCol, t.depth) != nil:
			h = *inColFor(inCol, t.depth)
		case i >= 2 && comparisonOps[prev.upper()] && !prev.is("IS"):
			if c, ok := columnBefore(toks, i-2); ok {
				h = c
			}
		case comparisonOps[next.upper()] && !next.is("IS"):
			if c, ok := columnAfter(toks, i+2); ok {
				h = c
			}
		}
		hints = append(hints, h)
	}
	return hints
}

func inColFor(m map[int]paramHint, depth int) *paramHint {
	if h, ok := m[depth]; ok {
		return &h
	}
	return nil
}

// castType collects the type text of CAST(? AS type).
func castType(toks []token, from, depth int) string {
	var parts []string
	for j := from; j < len(toks); j++ {
		if toks[j].depth < depth || (toks[j].text == ")" && toks[j].depth == depth-1) {
			break
		}
		parts = append(parts, toks[j].text)
	}
	return strings.Join(parts, " ")
}

// insertColumns returns the explicit column list of an INSERT and the index of
// its VALUES keyword, or -1 when the statement is not an INSERT ... VALUES.
func insertColumns(toks []token) ([]string, int) {
	if len(toks) == 0 || !(toks[0].is("INSERT") || toks[0].is("REPLACE")) {
		return nil, -1
	}
	values := -1
	for i, t := range toks {
		if t.depth == 0 && t.is("VALUES") {
			values = i
			break
		}
	}
	if values < 0 {
		return nil, -1
	}
	var cols []string
	for i := 0; i < values; i++ {
		if toks[i].text != "(" || toks[i].depth != 0 {
			continue
		}
		for j := i + 1; j < values && toks[j].depth == 1; j++ {
			if toks[j].isIdent() {
				cols = append(cols, toks[j].ident())
			}
		}
		break
	}
	return cols, values
}

// insertHint maps a parameter inside a VALUES tuple to its target column. A
// nil column list marks the position for table order lookup.
func insertHint(toks []token, values, i int, cols []string) paramHint {
	t := toks[i]
	if t.depth != 1 {
		return paramHint{}
	}
	prev := toks[i-1]
	if i+1 >= len(toks) {
		return paramHint{}
	}
	next := toks[i+1]
	if !(prev.text == "(" || prev.text == ",") || !(next.text == ")" || next.text == ",") {
		return paramHint{}
	}
	pos := 0
	for j := i - 1; j > values; j-- {
		if toks[j].depth == 1 && toks[j].text == "," {
			pos++
		}
		if toks[j].depth == 0 && toks[j].text == "(" {
			break
		}
	}
	if cols == nil {
		return paramHint{column: "#" + strconv.Itoa(pos)}
	}
	if pos < len(cols) {
		return paramHint{column: cols[pos]}
	}
	return paramHint{}
}

// selectItem is one entry of a top-level select list.
type selectItem struct {
	toks  []token
	alias string
}

// bareColumn returns the column a select item reads directly, if any.
func (s selectItem) bareColumn() (paramHint, bool) {
	switch len(s.toks) {
	case 1:
		if s.toks[0].isIdent() {
			return paramHint{column: s.toks[0].ident()}, true
		}
	case 3:
		if s.toks[0].isIdent() && s.toks[1].text == "." && s.toks[2].isIdent() {
			return paramHint{qualifier: s.toks[0].ident(), column: s.toks[2].ident()}, true
		}
	}
	return paramHint{}, false
}

// castDecl returns the target type of an item written as CAST(expr AS type).
func (s selectItem) castDecl() (string, bool) {
	if len(s.toks) < 5 || !s.toks[0].is("CAST") || s.toks[1].text != "(" || s.toks[len(s.toks)-1].text != ")" {
		return "", false
	}
	depth := s.toks[1].depth + 1
	for j := 2; j < len(s.toks)-1; j++ {
		if s.toks[j].depth == depth && s.toks[j].is("AS") {
			return castType(s.toks, j+1, depth), true
		}
	}
	return "", false
}

func (s selectItem) isCount() bool {
	return len(s.toks) >= 3 && s.toks[0].is("COUNT") && s.toks[1].text == "("
}

var valueWords = map[string]bool{"NULL": true, "END": true, "TRUE": true, "FALSE": true}

// selectList splits the top-level select list of a plain SELECT. It reports
// false when the list cannot be mapped one to one onto result columns.
func selectList(toks []token) ([]selectItem, bool) {
	if len(toks) == 0 || !toks[0].is("SELECT") {
		return nil, false
	}
	i := 1
	if i < len(toks) && (toks[i].is("DISTINCT") || toks[i].is("ALL")) {
		i++
	}
	return splitItems(toks[i:], func(t token) bool {
		return t.is("FROM") || t.is("UNION") || t.is("EXCEPT") || t.is("INTERSECT") ||
			t.is("WHERE") || t.is("ORDER") || t.is("LIMIT")
	})
}

// returningList splits the RETURNING clause of a DML statement.
func returningList(toks []token) ([]selectItem, bool) {
	for i, t := range toks {
		if t.depth == 0 && t.is("RETURNING") {
			return splitItems(toks[i+1:], func(token) bool { return false })
		}
	}
	return nil, false
}

// splitItems splits a comma separated expression list at depth 0, up to the
// first token stop accepts.
func splitItems(toks []token, stop func(token) bool) ([]selectItem, bool) {
	var items []selectItem
	var cur []token
	flush := func() bool {
		if len(cur) == 0 {
			return false
		}
		item := selectItem{toks: cur}
		n := len(cur)
		if n >= 3 && cur[n-2].is("AS") && cur[n-1].isIdent() {
			item.alias = cur[n-1].ident()
			item.toks = cur[:n-2]
		} else if n >= 2 && cur[n-1].isIdent() && !valueWords[cur[n-1].upper()] &&
			(n == 2 && cur[0].isIdent() || cur[n-2].text == ")" || cur[n-2].kind == tokString || cur[n-2].kind == tokNumber) {
			item.alias = cur[n-1].ident()
			item.toks = cur[:n-1]
		}
		items = append(items, item)
		cur = nil
		return true
	}
	for _, t := range toks {
		if t.depth == 0 && stop(t) {
			break
		}
		if t.depth == 0 && t.text == "*" && (len(cur) == 0 || cur[len(cur)-1].text == ".") {
			return nil, false
		}
		if t.depth == 0 && t.text == "," && t.kind == tokPunct {
			if !flush() {
				return nil, false
			}
			continue
		}
		cur = append(cur, t)
	}
	if !flush() {
		return nil, false
	}
	return items, true
}

// singleTable returns the only table of a SELECT's FROM clause.
func singleTable(toks []token) (tableRef, bool) {
	refs := tableRefs(toks)
	if len(refs) != 1 {
		return tableRef{}, false
	}
	for _, t := range toks {
		if t.depth == 0 && (t.is("JOIN") || t.is("UNION")) {
			return tableRef{}, false
		}
	}
	return refs[0], true
}
