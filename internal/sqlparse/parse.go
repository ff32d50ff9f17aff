package sqlparse

import (
	"errors"
	"strconv"
	"strings"

	"github.com/duckmesh/querygen/internal/compiler"
	"github.com/duckmesh/querygen/internal/qerr"
)

type TableRef struct {
	Schema        string
	Name          string
	Alias         string
	ImplicitAlias bool
}

// Ref is the identifier columns use to qualify this table.
func (t TableRef) Ref() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

type ColumnRef struct {
	Qualifier string
	Name      string
	Pos       int
}

func (c ColumnRef) String() string {
	if c.Qualifier == "" {
		return c.Name
	}
	return c.Qualifier + "." + c.Name
}

// SelectItem describes one entry of the outermost select list.
type SelectItem struct {
	Alias         string
	ImplicitAlias bool
	Aggregated    bool
	Windowed      bool
	// Columns holds references made outside aggregate calls.
	Columns []ColumnRef
}

type Statement struct {
	SQL     string
	Dialect compiler.Dialect
	Tokens  []Token

	// Tables lists base tables from FROM and JOIN at every depth, CTE
	// references excluded.
	Tables []TableRef
	// Derived holds aliases of subqueries, table functions and CTE
	// references.
	Derived []string
	CTEs    []string
	Columns []ColumnRef

	SelectAliases   []string
	ImplicitAliases []string
	Select          []SelectItem
	GroupBy         []ColumnRef
	GroupByAliases  []string
	GroupByOrdinal  bool

	HasLimit     bool
	Limit        int
	HasAggregate bool
	HasGroupBy   bool
	HasDistinct  bool
	HasSetOp     bool
}

// TableNames returns the distinct base table names in order of appearance.
func (s *Statement) TableNames() []string {
	seen := map[string]struct{}{}
	var names []string
	for _, t := range s.Tables {
		key := strings.ToLower(t.Name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, t.Name)
	}
	return names
}

// ResolveQualifier maps a column qualifier to the table it names. The
// second result is false when the qualifier is unknown; derived tables
// and CTEs resolve with a nil table.
func (s *Statement) ResolveQualifier(qualifier string) (*TableRef, bool) {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Ref(), qualifier) {
			return &s.Tables[i], true
		}
	}
	for i := range s.Tables {
		if s.Tables[i].Alias == "" {
			continue
		}
		if strings.EqualFold(s.Tables[i].Name, qualifier) {
			return &s.Tables[i], true
		}
	}
	for _, name := range append(append([]string(nil), s.Derived...), s.CTEs...) {
		if strings.EqualFold(name, qualifier) {
			return nil, true
		}
	}
	return nil, false
}

func (s *Statement) IsSelectAlias(name string) bool {
	for _, alias := range s.SelectAliases {
		if strings.EqualFold(alias, name) {
			return true
		}
	}
	return false
}

// Parse scans a single read-only statement. The returned error is a
// qerr syntax error whose message is safe to show to users and to feed
// back into a correction prompt.
func Parse(sql string, dialect compiler.Dialect) (*Statement, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, qerr.New(qerr.KindSyntax, "SQL query is empty")
	}
	tokens, lex := Tokenize(sql, dialect.QuoteChar())
	if lex.Unterminated {
		return nil, qerr.New(qerr.KindSyntax, "Syntax error: unterminated string, identifier or comment")
	}
	for _, tok := range tokens {
		if tok.Type == TOKEN_ILLEGAL {
			return nil, qerr.New(qerr.KindSyntax, "Syntax error: unexpected character %q at offset %d", tok.Literal, tok.Pos)
		}
	}
	for len(tokens) > 0 && tokens[len(tokens)-1].Type == TOKEN_SEMICOLON {
		tokens = tokens[:len(tokens)-1]
	}
	for _, tok := range tokens {
		if tok.Type == TOKEN_SEMICOLON {
			return nil, qerr.New(qerr.KindSyntax, "Multiple statements not allowed")
		}
	}
	if err := checkForbidden(tokens); err != nil {
		return nil, err
	}
	first := 0
	for first < len(tokens) && tokens[first].Type == TOKEN_LPAREN {
		first++
	}
	if first >= len(tokens) || !(tokens[first].Is("SELECT") || tokens[first].Is("WITH")) {
		return nil, qerr.New(qerr.KindSyntax, "Only SELECT queries are allowed")
	}
	if err := checkParens(tokens); err != nil {
		return nil, err
	}

	stmt := &Statement{SQL: sql, Dialect: dialect, Tokens: tokens, Limit: -1}
	w := &walker{stmt: stmt, tokens: tokens}
	w.run()

	if dialect == compiler.Postgres {
		if err := checkPostgres(sql); err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

func checkParens(tokens []Token) error {
	depth := 0
	for _, tok := range tokens {
		switch tok.Type {
		case TOKEN_LPAREN:
			depth++
		case TOKEN_RPAREN:
			depth--
			if depth < 0 {
				return qerr.New(qerr.KindSyntax, "Syntax error: unbalanced parentheses at offset %d", tok.Pos)
			}
		}
	}
	if depth != 0 {
		return qerr.New(qerr.KindSyntax, "Syntax error: unbalanced parentheses")
	}
	return nil
}

type clause int

const (
	clauseNone clause = iota
	clauseWith
	clauseSelect
	clauseFrom
	clauseOn
	clauseWhere
	clauseGroupBy
	clauseHaving
	clauseOrderBy
	clauseLimit
)

type frameKind int

const (
	frameQuery frameKind = iota
	frameFunction
	frameGroup
)

type frame struct {
	kind      frameKind
	query     *frame
	aggregate bool
	derived   bool
	cte       bool

	// query frames only
	top         bool
	clause      clause
	expectTable bool
	selects     int
}

type walker struct {
	stmt   *Statement
	tokens []Token
	i      int
	stack  []*frame
	item   int
	// itemsFrame owns the select list recorded in Statement.Select.
	itemsFrame *frame
}

func (w *walker) run() {
	root := &frame{kind: frameQuery, top: true}
	root.query = root
	w.stack = []*frame{root}
	w.item = -1

	for w.i < len(w.tokens) {
		tok := w.tokens[w.i]
		switch tok.Type {
		case TOKEN_LPAREN:
			w.openParen()
		case TOKEN_RPAREN:
			w.closeParen()
		case TOKEN_KEYWORD:
			w.keyword(tok)
		case TOKEN_IDENT:
			w.ident()
		case TOKEN_COMMA:
			w.comma()
		case TOKEN_NUMBER:
			if f := w.current(); f.kind == frameQuery && f.top && f.clause == clauseGroupBy {
				w.stmt.GroupByOrdinal = true
			}
			w.i++
		default:
			w.i++
		}
	}
}

func (w *walker) current() *frame {
	return w.stack[len(w.stack)-1]
}

func (w *walker) peek(offset int) Token {
	if j := w.i + offset; j >= 0 && j < len(w.tokens) {
		return w.tokens[j]
	}
	return Token{Type: TOKEN_EOF}
}

func (w *walker) push(f *frame) {
	if f.kind == frameQuery {
		f.query = f
	} else {
		f.query = w.current().query
	}
	w.stack = append(w.stack, f)
}

// inTopSelect reports whether the cursor is inside the first select list
// of the outermost query.
func (w *walker) inTopSelect() bool {
	q := w.current().query
	return q == w.itemsFrame && q.clause == clauseSelect && q.selects == 1 && w.item >= 0
}

func (w *walker) insideAggregate() bool {
	f := w.current()
	return f.kind != frameQuery && f.aggregate
}

func (w *walker) openParen() {
	parent := w.current()
	q := parent.query
	next := w.peek(1)
	prev := w.peek(-1)

	switch {
	case next.Is("SELECT") || next.Is("WITH") || next.Is("VALUES"):
		f := &frame{kind: frameQuery}
		if q.expectTable && parent.kind == frameQuery {
			f.derived = true
			q.expectTable = false
		}
		if q.clause == clauseWith && parent.kind == frameQuery {
			f.cte = true
		}
		// A parenthesized leading query, or a branch of a top-level set
		// operation, is still the outermost query.
		f.top = parent.kind == frameQuery && parent.top && parent.clause == clauseNone && !f.derived && !f.cte
		w.push(f)
	case prev.Type == TOKEN_IDENT || prev.Is("CAST") || prev.Is("LEFT") || prev.Is("RIGHT") || prev.Is("FILTER"):
		agg := prev.Type == TOKEN_IDENT && isAggregate(prev.Literal)
		if agg && q.top {
			w.stmt.HasAggregate = true
			if w.inTopSelect() {
				w.stmt.Select[w.item].Aggregated = true
			}
		}
		w.push(&frame{kind: frameFunction, aggregate: agg || (parent.kind != frameQuery && parent.aggregate)})
	default:
		w.push(&frame{kind: frameGroup, aggregate: parent.kind != frameQuery && parent.aggregate})
	}
	w.i++
}

func (w *walker) closeParen() {
	closed := w.current()
	if len(w.stack) > 1 {
		w.stack = w.stack[:len(w.stack)-1]
	}
	w.i++
	switch {
	case closed.cte:
		if w.peek(0).Type == TOKEN_COMMA {
			w.i++
			w.cteHeader()
		}
	case closed.derived:
		w.derivedAlias()
	}
}

func (w *walker) derivedAlias() {
	if w.peek(0).Is("AS") {
		w.i++
	}
	if tok := w.peek(0); tok.Type == TOKEN_IDENT {
		w.stmt.Derived = append(w.stmt.Derived, tok.Literal)
		w.i++
		if w.peek(0).Type == TOKEN_LPAREN {
			w.skipParens()
		}
	}
}

// skipParens advances past a parenthesized identifier list.
func (w *walker) skipParens() {
	depth := 0
	for w.i < len(w.tokens) {
		switch w.tokens[w.i].Type {
		case TOKEN_LPAREN:
			depth++
		case TOKEN_RPAREN:
			depth--
		}
		w.i++
		if depth == 0 {
			return
		}
	}
}

// cteHeader consumes `name [(columns)] AS [NOT] [MATERIALIZED]`, leaving
// the cursor on the opening parenthesis of the body.
func (w *walker) cteHeader() {
	if w.peek(0).Is("RECURSIVE") {
		w.i++
	}
	if tok := w.peek(0); tok.Type == TOKEN_IDENT {
		w.stmt.CTEs = append(w.stmt.CTEs, tok.Literal)
		w.i++
	}
	if w.peek(0).Type == TOKEN_LPAREN {
		w.skipParens()
	}
	if w.peek(0).Is("AS") {
		w.i++
	}
	for w.peek(0).Is("NOT") || (w.peek(0).Type == TOKEN_IDENT && strings.EqualFold(w.peek(0).Literal, "MATERIALIZED")) {
		w.i++
	}
	w.current().query.clause = clauseWith
}

func (w *walker) keyword(tok Token) {
	f := w.current()
	q := f.query
	clauseOwner := f.kind == frameQuery
	w.i++

	switch tok.Literal {
	case "WITH":
		if clauseOwner {
			w.cteHeader()
		}
	case "SELECT":
		q.clause = clauseSelect
		q.selects++
		if q.top && w.itemsFrame == nil {
			w.itemsFrame = q
			w.startItem()
		}
	case "DISTINCT":
		if q.top && q.clause == clauseSelect && clauseOwner {
			w.stmt.HasDistinct = true
		}
	case "FROM":
		if clauseOwner {
			q.clause = clauseFrom
			q.expectTable = true
		}
	case "JOIN":
		if clauseOwner {
			q.clause = clauseFrom
			q.expectTable = true
		}
	case "LATERAL":
	case "ON", "USING":
		if clauseOwner {
			q.clause = clauseOn
			q.expectTable = false
		}
	case "WHERE":
		if clauseOwner {
			q.clause = clauseWhere
			q.expectTable = false
		}
	case "GROUP":
		if clauseOwner && w.peek(0).Is("BY") {
			w.i++
			q.clause = clauseGroupBy
			q.expectTable = false
			if q.top {
				w.stmt.HasGroupBy = true
			}
		}
	case "HAVING":
		if clauseOwner {
			q.clause = clauseHaving
		}
	case "ORDER":
		if w.peek(0).Is("BY") {
			w.i++
			if clauseOwner {
				q.clause = clauseOrderBy
				q.expectTable = false
			}
		}
	case "LIMIT":
		if clauseOwner {
			q.clause = clauseLimit
			w.limit(q)
		}
	case "OFFSET":
		if clauseOwner {
			q.clause = clauseLimit
		}
	case "FETCH":
		if clauseOwner {
			q.clause = clauseLimit
			w.fetch(q)
		}
	case "UNION", "INTERSECT", "EXCEPT":
		if clauseOwner {
			q.clause = clauseNone
			q.expectTable = false
			if q.top {
				w.stmt.HasSetOp = true
			}
		}
	case "OVER":
		if w.inTopSelect() {
			w.stmt.Select[w.item].Windowed = true
		}
	case "NULLS":
		w.i++
	case "INTERVAL":
		if t := w.peek(0); t.Type == TOKEN_STRING || t.Type == TOKEN_NUMBER {
			w.i++
			if w.peek(0).Type == TOKEN_IDENT {
				w.i++
			}
		}
	case "AS":
		w.alias(false)
	}
}

func (w *walker) limit(q *frame) {
	if !q.top {
		return
	}
	w.stmt.HasLimit = true
	tok := w.peek(0)
	if tok.Type == TOKEN_OPERATOR && tok.Literal == "-" && w.peek(1).Type == TOKEN_NUMBER {
		// SQLite spells "no limit" as a negative count.
		w.stmt.HasLimit = false
		w.i += 2
		return
	}
	if tok.Type == TOKEN_NUMBER {
		n, err := strconv.Atoi(tok.Literal)
		w.i++
		if w.peek(0).Type == TOKEN_COMMA && w.peek(1).Type == TOKEN_NUMBER {
			n, err = strconv.Atoi(w.peek(1).Literal)
			w.i += 2
		}
		switch {
		case err == nil:
			w.stmt.Limit = n
		case errors.Is(err, strconv.ErrRange):
			// MySQL spells "no limit" as 2^64-1.
			w.stmt.HasLimit = false
		}
	}
}

func (w *walker) fetch(q *frame) {
	if q.top {
		w.stmt.HasLimit = true
	}
	for w.i < len(w.tokens) {
		tok := w.tokens[w.i]
		switch {
		case tok.Type == TOKEN_NUMBER:
			if n, err := strconv.Atoi(tok.Literal); err == nil && q.top {
				w.stmt.Limit = n
			}
		case tok.Is("ROWS"):
		case tok.Type == TOKEN_IDENT && isFetchWord(tok.Literal):
		default:
			return
		}
		w.i++
	}
}

func isFetchWord(word string) bool {
	switch strings.ToUpper(word) {
	case "FIRST", "NEXT", "ROW", "ONLY", "TIES":
		return true
	default:
		return false
	}
}

func (w *walker) startItem() {
	w.stmt.Select = append(w.stmt.Select, SelectItem{})
	w.item = len(w.stmt.Select) - 1
}

func (w *walker) comma() {
	f := w.current()
	q := f.query
	w.i++
	if f.kind != frameQuery {
		return
	}
	switch q.clause {
	case clauseFrom:
		q.expectTable = true
	case clauseSelect:
		if q == w.itemsFrame && q.selects == 1 {
			w.startItem()
		}
	}
}

// alias consumes the identifier after AS, or an implicit alias when
// implicit is set and the cursor already sits on it.
func (w *walker) alias(implicit bool) {
	tok := w.peek(0)
	if tok.Type != TOKEN_IDENT && tok.Type != TOKEN_STRING {
		return
	}
	w.i++
	f := w.current()
	if f.kind != frameQuery || f.clause != clauseSelect {
		return
	}
	w.stmt.SelectAliases = append(w.stmt.SelectAliases, tok.Literal)
	if implicit {
		w.stmt.ImplicitAliases = append(w.stmt.ImplicitAliases, tok.Literal)
	}
	if w.inTopSelect() {
		w.stmt.Select[w.item].Alias = tok.Literal
		w.stmt.Select[w.item].ImplicitAlias = implicit
	}
}

func (w *walker) ident() {
	f := w.current()
	q := f.query
	tok := w.tokens[w.i]
	next := w.peek(1)
	prev := w.peek(-1)

	if q.expectTable && (f.kind == frameQuery || f.kind == frameGroup) {
		w.tableRef()
		return
	}

	switch {
	case next.Type == TOKEN_LPAREN:
		// Function name; openParen classifies it.
		w.i++
		return
	case prev.Type == TOKEN_OPERATOR && prev.Literal == "::":
		w.i++
		return
	case next.Type == TOKEN_STRING:
		// Typed literal such as DATE '2024-01-01'.
		w.i++
		return
	case f.kind == frameFunction && next.Is("FROM"):
		// EXTRACT(YEAR FROM ts)
		w.i += 2
		return
	case f.kind == frameQuery && q.clause == clauseSelect && endsExpression(prev):
		w.alias(true)
		return
	}

	ref := ColumnRef{Name: tok.Literal, Pos: tok.Pos}
	w.i++
	for w.peek(0).Type == TOKEN_DOT {
		part := w.peek(1)
		if part.Type != TOKEN_IDENT && part.Type != TOKEN_STAR && part.Type != TOKEN_KEYWORD {
			break
		}
		ref.Qualifier = ref.Name
		ref.Name = part.Literal
		if part.Type == TOKEN_KEYWORD {
			ref.Name = part.Raw
		}
		w.i += 2
	}
	w.record(ref, q)
}

func (w *walker) record(ref ColumnRef, q *frame) {
	if ref.Qualifier == "" {
		switch q.clause {
		case clauseGroupBy, clauseOrderBy, clauseHaving:
			if w.stmt.IsSelectAlias(ref.Name) {
				if q.top && q.clause == clauseGroupBy {
					w.stmt.GroupByAliases = append(w.stmt.GroupByAliases, ref.Name)
				}
				return
			}
		}
	}
	w.stmt.Columns = append(w.stmt.Columns, ref)
	if !q.top {
		return
	}
	if w.inTopSelect() && !w.insideAggregate() {
		w.stmt.Select[w.item].Columns = append(w.stmt.Select[w.item].Columns, ref)
	}
	if q.clause == clauseGroupBy {
		w.stmt.GroupBy = append(w.stmt.GroupBy, ref)
	}
}

func (w *walker) tableRef() {
	q := w.current().query
	q.expectTable = false

	var parts []string
	parts = append(parts, w.tokens[w.i].Literal)
	w.i++
	for w.peek(0).Type == TOKEN_DOT && w.peek(1).Type == TOKEN_IDENT {
		parts = append(parts, w.peek(1).Literal)
		w.i += 2
	}

	if w.peek(0).Type == TOKEN_LPAREN {
		// Table function: its alias is a derived name.
		w.push(&frame{kind: frameFunction, derived: true})
		w.i++
		return
	}

	ref := TableRef{Name: parts[len(parts)-1]}
	if len(parts) > 1 {
		ref.Schema = strings.Join(parts[:len(parts)-1], ".")
	}
	switch tok := w.peek(0); {
	case tok.Is("AS"):
		if next := w.peek(1); next.Type == TOKEN_IDENT {
			ref.Alias = next.Literal
			w.i += 2
		}
	case tok.Type == TOKEN_IDENT:
		ref.Alias = tok.Literal
		ref.ImplicitAlias = true
		w.i++
	}
	if ref.ImplicitAlias {
		w.stmt.ImplicitAliases = append(w.stmt.ImplicitAliases, ref.Alias)
	}

	if ref.Schema == "" && w.isCTE(ref.Name) {
		w.stmt.Derived = append(w.stmt.Derived, ref.Ref())
		return
	}
	w.stmt.Tables = append(w.stmt.Tables, ref)
}

func (w *walker) isCTE(name string) bool {
	for _, cte := range w.stmt.CTEs {
		if strings.EqualFold(cte, name) {
			return true
		}
	}
	return false
}

func endsExpression(tok Token) bool {
	switch tok.Type {
	case TOKEN_IDENT, TOKEN_NUMBER, TOKEN_STRING, TOKEN_RPAREN, TOKEN_STAR:
		return true
	case TOKEN_KEYWORD:
		switch tok.Literal {
		case "END", "NULL", "TRUE", "FALSE":
			return true
		}
	}
	return false
}
