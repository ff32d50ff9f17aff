// Package sqlparse is a dialect-aware SQL scanner for generated read-only
// queries. It extracts the tables, column references and structural flags
// the validator and enforcer need without building a full syntax tree.
package sqlparse

import "strings"

type TokenType int

const (
	TOKEN_EOF     TokenType = iota // end of input
	TOKEN_ILLEGAL                  // unexpected character

	TOKEN_IDENT   // identifier, quoted or bare
	TOKEN_KEYWORD // reserved word, Literal upper-cased
	TOKEN_NUMBER  // 123, 45.67, 1e10
	TOKEN_STRING  // 'hello'

	TOKEN_OPERATOR  // = <> != < > <= >= + - / % || :: and friends
	TOKEN_STAR      // *
	TOKEN_DOT       // .
	TOKEN_COMMA     // ,
	TOKEN_SEMICOLON // ;
	TOKEN_LPAREN    // (
	TOKEN_RPAREN    // )
	TOKEN_PARAM     // $1, ?, :name
)

type Token struct {
	Type    TokenType
	Literal string
	// Raw is the source text of the token, including quotes.
	Raw    string
	Quoted bool
	Pos    int
}

func (t Token) Is(keyword string) bool {
	return t.Type == TOKEN_KEYWORD && t.Literal == keyword
}

var keywords = map[string]struct{}{
	"ALL": {}, "ALTER": {}, "AND": {}, "ANY": {}, "AS": {}, "ASC": {}, "BETWEEN": {}, "BY": {},
	"CASE": {}, "CAST": {}, "CREATE": {}, "CROSS": {}, "CURRENT_DATE": {}, "CURRENT_TIME": {},
	"CURRENT_TIMESTAMP": {}, "DELETE": {}, "DESC": {}, "DISTINCT": {}, "DROP": {}, "ELSE": {},
	"END": {}, "EXCEPT": {}, "EXISTS": {}, "FALSE": {}, "FETCH": {}, "FOR": {}, "FROM": {},
	"FULL": {}, "GRANT": {}, "GROUP": {}, "HAVING": {}, "ILIKE": {}, "IN": {}, "INNER": {},
	"INSERT": {}, "INTERSECT": {}, "INTERVAL": {}, "INTO": {}, "IS": {}, "JOIN": {},
	"LATERAL": {}, "LEFT": {}, "LIKE": {}, "LIMIT": {}, "NATURAL": {}, "NOT": {}, "NULL": {},
	"NULLS": {}, "OFFSET": {}, "ON": {}, "OR": {}, "ORDER": {}, "OUTER": {}, "OVER": {},
	"PARTITION": {}, "RECURSIVE": {}, "REVOKE": {}, "RIGHT": {}, "ROWS": {}, "SELECT": {},
	"SIMILAR": {}, "SOME": {}, "TABLE": {}, "THEN": {}, "TRUE": {}, "TRUNCATE": {}, "UNION": {},
	"UPDATE": {}, "USING": {}, "VALUES": {}, "WHEN": {}, "WHERE": {}, "WINDOW": {}, "WITH": {},
}

func lookupKeyword(word string) (string, bool) {
	upper := strings.ToUpper(word)
	_, ok := keywords[upper]
	return upper, ok
}

// IsKeyword reports whether word is treated as a reserved word.
func IsKeyword(word string) bool {
	_, ok := lookupKeyword(word)
	return ok
}

var aggregateNames = map[string]struct{}{
	"COUNT": {}, "SUM": {}, "AVG": {}, "MIN": {}, "MAX": {}, "STDDEV": {}, "STDDEV_POP": {},
	"STDDEV_SAMP": {}, "VARIANCE": {}, "VAR_POP": {}, "VAR_SAMP": {}, "ARRAY_AGG": {},
	"STRING_AGG": {}, "GROUP_CONCAT": {}, "BOOL_AND": {}, "BOOL_OR": {}, "LIST": {},
	"MEDIAN": {}, "MODE": {}, "ANY_VALUE": {}, "JSON_AGG": {}, "JSONB_AGG": {},
}

func isAggregate(name string) bool {
	_, ok := aggregateNames[strings.ToUpper(name)]
	return ok
}
