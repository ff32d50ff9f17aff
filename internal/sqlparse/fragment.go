package sqlparse

import "github.com/duckmesh/querygen/internal/compiler"

// FragmentColumns extracts column references from an expression fragment
// such as a raw predicate or a select expression. Function names, typed
// literals and cast targets are skipped.
func FragmentColumns(text string, dialect compiler.Dialect) []ColumnRef {
	tokens, _ := Tokenize(text, dialect.QuoteChar())
	var refs []ColumnRef
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Type != TOKEN_IDENT {
			continue
		}
		next := TOKEN_EOF
		if i+1 < len(tokens) {
			next = tokens[i+1].Type
		}
		switch {
		case next == TOKEN_LPAREN:
			continue
		case next == TOKEN_STRING && !tok.Quoted:
			continue
		case i > 0 && tokens[i-1].Type == TOKEN_OPERATOR && tokens[i-1].Literal == "::":
			continue
		}
		ref := ColumnRef{Name: tok.Literal, Pos: tok.Pos}
		for i+2 < len(tokens) && tokens[i+1].Type == TOKEN_DOT &&
			(tokens[i+2].Type == TOKEN_IDENT || tokens[i+2].Type == TOKEN_STAR) {
			ref.Qualifier = ref.Name
			ref.Name = tokens[i+2].Literal
			i += 2
		}
		if i+1 < len(tokens) && tokens[i+1].Type == TOKEN_LPAREN {
			// schema-qualified function call
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// HasBareStar reports whether any select list uses an unqualified *.
func (s *Statement) HasBareStar() bool {
	for i, tok := range s.Tokens {
		if tok.Type != TOKEN_STAR || i == 0 {
			continue
		}
		prev := s.Tokens[i-1]
		if prev.Is("SELECT") || prev.Is("DISTINCT") || prev.Is("ALL") || prev.Type == TOKEN_COMMA {
			return true
		}
	}
	return false
}
