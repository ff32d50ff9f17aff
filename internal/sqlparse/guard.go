package sqlparse

import (
	"sort"
	"strings"

	"github.com/duckmesh/querygen/internal/qerr"
)

var forbiddenWords = map[string]struct{}{
	"ALTER": {}, "ATTACH": {}, "BENCHMARK": {}, "CALL": {}, "COPY": {}, "CREATE": {}, "DELETE": {},
	"DETACH": {}, "DROP": {}, "EXEC": {}, "EXECUTE": {}, "GRANT": {}, "INSERT": {}, "INTO": {},
	"LOAD_FILE": {}, "MERGE": {}, "PG_READ_FILE": {}, "PG_SLEEP": {}, "PRAGMA": {}, "REPLACE": {},
	"REVOKE": {}, "SLEEP": {}, "SP_EXECUTESQL": {}, "TRUNCATE": {}, "UPDATE": {}, "WAITFOR": {},
	"XP_CMDSHELL": {},
}

var systemSchemas = map[string]struct{}{
	"INFORMATION_SCHEMA": {}, "MYSQL": {}, "PERFORMANCE_SCHEMA": {}, "PG_CATALOG": {},
	"PG_TOAST": {}, "SYS": {},
}

var systemTables = map[string]struct{}{
	"PG_AUTHID": {}, "PG_SHADOW": {}, "PG_USER": {}, "PG_ROLES": {}, "SQLITE_MASTER": {},
	"SQLITE_SCHEMA": {}, "SQLITE_TEMP_MASTER": {},
}

// checkForbidden rejects statements that write, touch system catalogs or
// call functions with side effects. Words inside string literals are not
// considered.
func checkForbidden(tokens []Token) error {
	found := map[string]struct{}{}
	for i, tok := range tokens {
		if tok.Type != TOKEN_IDENT && tok.Type != TOKEN_KEYWORD {
			continue
		}
		word := strings.ToUpper(tok.Literal)
		if _, ok := forbiddenWords[word]; ok && !tok.Quoted {
			// REPLACE is only a problem as a statement, not as the string function.
			if word == "REPLACE" && i+1 < len(tokens) && tokens[i+1].Type == TOKEN_LPAREN {
				continue
			}
			if word == "INTO" {
				if i+1 < len(tokens) && tokens[i+1].Type == TOKEN_IDENT {
					switch strings.ToUpper(tokens[i+1].Literal) {
					case "OUTFILE", "DUMPFILE":
						word = "INTO " + strings.ToUpper(tokens[i+1].Literal)
					}
				}
			}
			found[word] = struct{}{}
			continue
		}
		if _, ok := systemSchemas[word]; ok && i+1 < len(tokens) && tokens[i+1].Type == TOKEN_DOT {
			found[word] = struct{}{}
			continue
		}
		if _, ok := systemTables[word]; ok {
			found[word] = struct{}{}
		}
	}
	if len(found) > 0 {
		words := make([]string, 0, len(found))
		for word := range found {
			words = append(words, word)
		}
		sort.Strings(words)
		return qerr.New(qerr.KindSyntax, "Forbidden keyword detected: %s", strings.Join(words, ", "))
	}
	if tautology(tokens) {
		return qerr.New(qerr.KindSyntax, "Dangerous SQL pattern detected: constant OR condition")
	}
	return nil
}

// tautology finds OR <literal> = <same literal>.
func tautology(tokens []Token) bool {
	for i := 0; i+3 < len(tokens); i++ {
		if !tokens[i].Is("OR") {
			continue
		}
		left, op, right := tokens[i+1], tokens[i+2], tokens[i+3]
		literal := left.Type == TOKEN_NUMBER || left.Type == TOKEN_STRING
		if literal && op.Type == TOKEN_OPERATOR && op.Literal == "=" && right.Type == left.Type && right.Literal == left.Literal {
			return true
		}
	}
	return false
}
