package compiler

import (
	"strings"
	"unicode"

	"github.com/duckmesh/querygen/internal/qerr"
)

type fragmentTokenKind int

const (
	fragmentOther fragmentTokenKind = iota
	fragmentIdent
	fragmentDot
	fragmentStar
	fragmentLParen
)

type fragmentToken struct {
	kind   fragmentTokenKind
	text   string
	quoted bool
}

// subqueryTerminators end a FROM or JOIN table reference inside a raw
// fragment, so the word after the table name is not read as its alias.
var subqueryTerminators = map[string]struct{}{
	"WHERE": {}, "ON": {}, "USING": {}, "JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {},
	"FULL": {}, "CROSS": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {},
	"UNION": {}, "EXCEPT": {}, "INTERSECT": {},
}

// checkFragment rejects a raw expression or predicate whose qualifiers name
// neither a table in scope nor a table or alias declared by a subquery inside
// the fragment itself.
func (c *compilation) checkFragment(text string) error {
	tokens := tokenizeFragment(text, rune(c.dialect.QuoteChar()))
	local := fragmentLocals(tokens)
	for _, qualifier := range fragmentQualifiers(tokens) {
		if _, ok := local[strings.ToLower(qualifier)]; ok {
			continue
		}
		if _, ok := c.lookup(qualifier); !ok {
			return qerr.New(qerr.KindCompile, "unknown table alias %q in %s", qualifier, text)
		}
	}
	return nil
}

func fragmentQualifiers(tokens []fragmentToken) []string {
	var out []string
	for i := 0; i+2 < len(tokens); i++ {
		tok := tokens[i]
		if tok.kind != fragmentIdent || tokens[i+1].kind != fragmentDot {
			continue
		}
		if i > 0 && tokens[i-1].kind == fragmentDot {
			continue
		}
		next := tokens[i+2]
		if next.kind != fragmentIdent && next.kind != fragmentStar {
			continue
		}
		if i+3 < len(tokens) && tokens[i+3].kind == fragmentLParen {
			// schema-qualified function call
			continue
		}
		out = append(out, tok.text)
	}
	return out
}

func fragmentLocals(tokens []fragmentToken) map[string]struct{} {
	local := map[string]struct{}{}
	for i := 0; i+1 < len(tokens); i++ {
		if !isFragmentWord(tokens[i], "FROM") && !isFragmentWord(tokens[i], "JOIN") {
			continue
		}
		j := i + 1
		if tokens[j].kind != fragmentIdent {
			continue
		}
		for j+2 < len(tokens) && tokens[j+1].kind == fragmentDot && tokens[j+2].kind == fragmentIdent {
			j += 2
		}
		local[strings.ToLower(tokens[j].text)] = struct{}{}
		j++
		if j < len(tokens) && isFragmentWord(tokens[j], "AS") {
			j++
		}
		if j < len(tokens) && tokens[j].kind == fragmentIdent {
			if _, stop := subqueryTerminators[strings.ToUpper(tokens[j].text)]; !stop || tokens[j].quoted {
				local[strings.ToLower(tokens[j].text)] = struct{}{}
			}
		}
	}
	return local
}

func isFragmentWord(tok fragmentToken, word string) bool {
	return tok.kind == fragmentIdent && !tok.quoted && strings.EqualFold(tok.text, word)
}

// tokenizeFragment splits text into identifiers and the punctuation that
// matters for qualifier detection. String literals and numbers collapse
// into fragmentOther.
func tokenizeFragment(text string, quote rune) []fragmentToken {
	runes := []rune(text)
	var tokens []fragmentToken
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'' || (r == '"' && quote != '"'):
			i = skipQuoted(runes, i, r)
			tokens = append(tokens, fragmentToken{kind: fragmentOther})
		case r == quote:
			end := skipQuoted(runes, i, quote)
			closeAt := end
			if end-1 > i && runes[end-1] == quote {
				closeAt = end - 1
			}
			inner := strings.ReplaceAll(string(runes[i+1:closeAt]), string([]rune{quote, quote}), string(quote))
			tokens = append(tokens, fragmentToken{kind: fragmentIdent, text: inner, quoted: true})
			i = end
		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(runes) && (runes[i] == '_' || runes[i] == '$' || unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i])) {
				i++
			}
			tokens = append(tokens, fragmentToken{kind: fragmentIdent, text: string(runes[start:i])})
		case unicode.IsDigit(r):
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, fragmentToken{kind: fragmentOther})
		case r == '.':
			tokens = append(tokens, fragmentToken{kind: fragmentDot})
			i++
		case r == '*':
			tokens = append(tokens, fragmentToken{kind: fragmentStar})
			i++
		case r == '(':
			tokens = append(tokens, fragmentToken{kind: fragmentLParen})
			i++
		default:
			tokens = append(tokens, fragmentToken{kind: fragmentOther})
			i++
		}
	}
	return tokens
}

// skipQuoted returns the index just past the quoted run starting at i. A
// doubled quote character is an escape.
func skipQuoted(runes []rune, i int, quote rune) int {
	for j := i + 1; j < len(runes); j++ {
		if runes[j] != quote {
			continue
		}
		if j+1 < len(runes) && runes[j+1] == quote {
			j++
			continue
		}
		return j + 1
	}
	return len(runes)
}
