package sqlparse

import (
	"strings"
	"unicode"
)

// Lexer tokenizes SQL input. The identifier quote depends on the dialect:
// backticks on MySQL, double quotes elsewhere. On MySQL a double-quoted
// run is a string literal.
type Lexer struct {
	input   string
	quote   byte
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      byte // current char under examination

	// Comments counts the comments skipped so far.
	Comments int
	// Unterminated is set when a string, quoted identifier or block comment
	// runs to the end of input.
	Unterminated bool
}

func NewLexer(input string, quote byte) *Lexer {
	l := &Lexer{input: input, quote: quote}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()

	start := l.pos
	tok := l.scan()
	tok.Pos = start
	if tok.Type != TOKEN_EOF {
		tok.Raw = l.input[start:min(l.pos, len(l.input))]
	}
	return tok
}

func (l *Lexer) scan() Token {
	switch l.ch {
	case 0:
		return Token{Type: TOKEN_EOF}
	case '*':
		l.readChar()
		return Token{Type: TOKEN_STAR, Literal: "*"}
	case '.':
		if isDigit(l.peekChar()) {
			return Token{Type: TOKEN_NUMBER, Literal: l.readNumber()}
		}
		l.readChar()
		return Token{Type: TOKEN_DOT, Literal: "."}
	case ',':
		l.readChar()
		return Token{Type: TOKEN_COMMA, Literal: ","}
	case ';':
		l.readChar()
		return Token{Type: TOKEN_SEMICOLON, Literal: ";"}
	case '(':
		l.readChar()
		return Token{Type: TOKEN_LPAREN, Literal: "("}
	case ')':
		l.readChar()
		return Token{Type: TOKEN_RPAREN, Literal: ")"}
	case '?':
		l.readChar()
		return Token{Type: TOKEN_PARAM, Literal: "?"}
	case '$':
		if isDigit(l.peekChar()) {
			start := l.pos
			l.readChar()
			for isDigit(l.ch) {
				l.readChar()
			}
			return Token{Type: TOKEN_PARAM, Literal: l.input[start:l.pos]}
		}
	case '\'':
		return Token{Type: TOKEN_STRING, Literal: l.readDelimited('\'')}
	case '`', '"':
		if l.ch == l.quote {
			return Token{Type: TOKEN_IDENT, Literal: l.readDelimited(l.quote), Quoted: true}
		}
		if l.ch == '"' {
			return Token{Type: TOKEN_STRING, Literal: l.readDelimited('"')}
		}
	}

	switch {
	case isLetter(l.ch) || l.ch == '_':
		word := l.readIdentifier()
		if upper, ok := lookupKeyword(word); ok {
			return Token{Type: TOKEN_KEYWORD, Literal: upper}
		}
		return Token{Type: TOKEN_IDENT, Literal: word}
	case isDigit(l.ch):
		return Token{Type: TOKEN_NUMBER, Literal: l.readNumber()}
	case strings.IndexByte("=<>!+-/%|:&^~@#", l.ch) >= 0:
		start := l.pos
		for strings.IndexByte("=<>!|:&^~@#", l.ch) >= 0 || (l.pos == start && strings.IndexByte("+-/%", l.ch) >= 0) {
			l.readChar()
		}
		return Token{Type: TOKEN_OPERATOR, Literal: l.input[start:l.pos]}
	}

	ch := l.ch
	l.readChar()
	return Token{Type: TOKEN_ILLEGAL, Literal: string(ch)}
}

func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
			l.readChar()
		}
		if (l.ch == '-' && l.peekChar() == '-') || (l.ch == '#' && l.quote == '`') {
			l.Comments++
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
			continue
		}
		if l.ch == '/' && l.peekChar() == '*' {
			l.Comments++
			l.readChar()
			l.readChar()
			closed := false
			for l.ch != 0 {
				if l.ch == '*' && l.peekChar() == '/' {
					l.readChar()
					l.readChar()
					closed = true
					break
				}
				l.readChar()
			}
			if !closed {
				l.Unterminated = true
			}
			continue
		}
		break
	}
}

// readDelimited reads a literal enclosed in delim, where a doubled delim
// is an escaped delimiter. Backslash escapes are honoured inside MySQL
// strings.
func (l *Lexer) readDelimited(delim byte) string {
	l.readChar()
	var result strings.Builder
	for {
		switch {
		case l.ch == 0:
			l.Unterminated = true
			return result.String()
		case l.ch == '\\' && l.quote == '`' && delim != '`':
			l.readChar()
			if l.ch != 0 {
				result.WriteByte(l.ch)
				l.readChar()
			}
		case l.ch == delim:
			if l.peekChar() == delim {
				result.WriteByte(delim)
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar()
			return result.String()
		default:
			result.WriteByte(l.ch)
			l.readChar()
		}
	}
}

func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '$' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

func (l *Lexer) readNumber() string {
	start := l.pos
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && (isDigit(l.peekChar()) || l.pos == start) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start:l.pos]
}

// Tokenize returns every token of input up to, not including, EOF.
func Tokenize(input string, quote byte) ([]Token, *Lexer) {
	l := NewLexer(input, quote)
	var tokens []Token
	for {
		tok := l.NextToken()
		if tok.Type == TOKEN_EOF {
			return tokens, l
		}
		tokens = append(tokens, tok)
	}
}

func isLetter(ch byte) bool {
	return ch >= 0x80 || unicode.IsLetter(rune(ch))
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
