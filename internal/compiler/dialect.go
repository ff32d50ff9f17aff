package compiler

import (
	"fmt"
	"regexp"
	"strings"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
	DuckDB   Dialect = "duckdb"
)

type dialectRules struct {
	quote           byte
	ilike           bool
	trueLiteral     string
	falseLiteral    string
	fullJoin        bool
	backslashEscape bool
	// unboundedLimit is emitted before OFFSET when the query has no LIMIT
	// and the dialect rejects a bare OFFSET.
	unboundedLimit string
}

var dialects = map[Dialect]dialectRules{
	Postgres: {quote: '"', ilike: true, trueLiteral: "TRUE", falseLiteral: "FALSE", fullJoin: true},
	MySQL:    {quote: '`', trueLiteral: "1", falseLiteral: "0", backslashEscape: true, unboundedLimit: "18446744073709551615"},
	SQLite:   {quote: '"', trueLiteral: "1", falseLiteral: "0", fullJoin: true, unboundedLimit: "-1"},
	DuckDB:   {quote: '"', ilike: true, trueLiteral: "TRUE", falseLiteral: "FALSE", fullJoin: true},
}

// ParseDialect accepts the dialect names used by catalogs and agent
// configs, including common aliases such as "postgresql" and "mariadb".
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "duckdb":
		return DuckDB, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", name)
	}
}

func (d Dialect) rules() dialectRules {
	if r, ok := dialects[d]; ok {
		return r
	}
	return dialects[Postgres]
}

func (d Dialect) QuoteChar() byte {
	return d.rules().quote
}

func (d Dialect) SupportsILike() bool {
	return d.rules().ilike
}

// UnboundedLimit is the LIMIT value that means "all rows", or "" when the
// dialect accepts OFFSET on its own.
func (d Dialect) UnboundedLimit() string {
	return d.rules().unboundedLimit
}

func (d Dialect) SupportsFullJoin() bool {
	return d.rules().fullJoin
}

func (d Dialect) BoolLiteral(v bool) string {
	if v {
		return d.rules().trueLiteral
	}
	return d.rules().falseLiteral
}

var bareIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var reservedWords = map[string]struct{}{
	"all": {}, "and": {}, "any": {}, "as": {}, "asc": {}, "between": {}, "by": {}, "case": {},
	"check": {}, "column": {}, "constraint": {}, "create": {}, "cross": {}, "default": {},
	"delete": {}, "desc": {}, "distinct": {}, "drop": {}, "else": {}, "end": {}, "exists": {},
	"false": {}, "fetch": {}, "for": {}, "foreign": {}, "from": {}, "full": {}, "grant": {},
	"group": {}, "having": {}, "in": {}, "index": {}, "inner": {}, "insert": {}, "interval": {},
	"into": {}, "is": {}, "join": {}, "key": {}, "left": {}, "like": {}, "limit": {}, "natural": {},
	"not": {}, "null": {}, "offset": {}, "on": {}, "or": {}, "order": {}, "outer": {},
	"primary": {}, "references": {}, "right": {}, "rows": {}, "select": {}, "table": {},
	"then": {}, "to": {}, "true": {}, "union": {}, "unique": {}, "update": {}, "user": {},
	"using": {}, "values": {}, "when": {}, "where": {}, "window": {}, "with": {},
}

// IsReserved reports whether word needs quoting to be used as an identifier.
func IsReserved(word string) bool {
	_, ok := reservedWords[strings.ToLower(word)]
	return ok
}

// QuoteIdent emits name bare when it is a simple lowercase word that is not
// reserved, and quoted with the dialect's identifier quote otherwise.
// Dotted names are quoted part by part.
func (d Dialect) QuoteIdent(name string) string {
	if name == "*" {
		return name
	}
	if strings.Contains(name, ".") {
		parts := strings.Split(name, ".")
		for i, part := range parts {
			parts[i] = d.QuoteIdent(part)
		}
		return strings.Join(parts, ".")
	}
	if bareIdent.MatchString(name) && !IsReserved(name) {
		return name
	}
	q := string(d.QuoteChar())
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// QuoteString renders s as a string literal.
func (d Dialect) QuoteString(s string) string {
	if d.rules().backslashEscape {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
