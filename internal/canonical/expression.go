package canonical

import (
	"regexp"
	"strings"
)

var aggregateFuncs = map[string]string{
	"COUNT":    "COUNT",
	"SUM":      "SUM",
	"AVG":      "AVG",
	"MIN":      "MIN",
	"MAX":      "MAX",
	"STDDEV":   "STDDEV",
	"STD":      "STDDEV",
	"VARIANCE": "VARIANCE",
	"VAR":      "VARIANCE",
}

var identPattern = regexp.MustCompile(`^(?:([A-Za-z_][A-Za-z0-9_$]*)\.)?([A-Za-z_][A-Za-z0-9_$]*|\*)$`)

// AggregateFunc maps a function name, including the VAR and STD shorthands,
// to its canonical aggregate name.
func AggregateFunc(name string) (string, bool) {
	fn, ok := aggregateFuncs[strings.ToUpper(strings.TrimSpace(name))]
	return fn, ok
}

// ParseExpression resolves free-form column text into a ColumnRef, an
// Aggregate (when the text is a call to a known aggregate) or a
// RawExpression.
func ParseExpression(text string) Expression {
	text = strings.TrimSpace(text)
	if text == "" {
		return RawExpression{}
	}
	if ref, ok := parseColumnRef(text); ok {
		return ref
	}
	if name, inner, ok := outerCall(text); ok {
		if fn, isAgg := AggregateFunc(name); isAgg {
			arg, distinct := SplitDistinct(inner)
			agg := Aggregate{Func: fn, Distinct: distinct}
			if strings.TrimSpace(arg) != "*" {
				agg.Arg = ParseExpression(arg)
			}
			return agg
		}
	}
	return RawExpression{SQL: text}
}

// SplitDistinct strips a leading DISTINCT keyword.
func SplitDistinct(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > len("DISTINCT") && strings.EqualFold(trimmed[:len("DISTINCT")], "DISTINCT") {
		rest := trimmed[len("DISTINCT"):]
		if rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == '(' {
			return strings.TrimSpace(rest), true
		}
	}
	return trimmed, false
}

// Normalize re-resolves column text that smuggles an aggregate call into a
// plain column reference, and collapses an aggregate wrapped around an
// already aggregated argument.
func Normalize(expr Expression) Expression {
	switch e := expr.(type) {
	case ColumnRef:
		if e.Name == "*" || identPattern.MatchString(e.String()) {
			return e
		}
		return ParseExpression(e.String())
	case Aggregate:
		if e.Arg == nil {
			return e
		}
		arg := Normalize(e.Arg)
		switch a := arg.(type) {
		case Aggregate:
			return a
		case RawExpression:
			if containsCall(a.SQL, e.Func) {
				return a
			}
		}
		e.Arg = arg
		return e
	case RawExpression:
		return ParseExpression(e.SQL)
	default:
		return expr
	}
}

// FormatExpression renders expr in the loose text form used on the wire.
func FormatExpression(expr Expression) string {
	switch e := expr.(type) {
	case ColumnRef:
		return e.String()
	case Aggregate:
		arg := "*"
		if e.Arg != nil {
			arg = FormatExpression(e.Arg)
		}
		if e.Distinct {
			arg = "DISTINCT " + arg
		}
		return e.Func + "(" + arg + ")"
	case RawExpression:
		return e.SQL
	default:
		return ""
	}
}

func parseColumnRef(text string) (ColumnRef, bool) {
	unquoted := strings.NewReplacer(`"`, "", "`", "").Replace(text)
	m := identPattern.FindStringSubmatch(unquoted)
	if m == nil {
		return ColumnRef{}, false
	}
	return ColumnRef{Qualifier: m[1], Name: m[2]}, true
}

// outerCall splits "name(args)" when the parenthesis opened after name is
// the one closing the text.
func outerCall(text string) (string, string, bool) {
	open := strings.IndexByte(text, '(')
	if open <= 0 || !strings.HasSuffix(text, ")") {
		return "", "", false
	}
	name := strings.TrimSpace(text[:open])
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "", "", false
		}
	}
	depth := 0
	inString := false
	for i := open; i < len(text); i++ {
		switch ch := text[i]; {
		case ch == '\'':
			inString = !inString
		case inString:
		case ch == '(':
			depth++
		case ch == ')':
			depth--
			if depth == 0 && i != len(text)-1 {
				return "", "", false
			}
		}
	}
	if depth != 0 {
		return "", "", false
	}
	return name, text[open+1 : len(text)-1], true
}

func containsCall(sql, fn string) bool {
	pattern := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(fn) + `\s*\(`)
	return pattern.MatchString(sql)
}
