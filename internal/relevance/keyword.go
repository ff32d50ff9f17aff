package relevance

import (
	"regexp"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
)

var wordPattern = regexp.MustCompile(`\w+`)

// Tokens returns the distinct case-folded words of text in first-seen order.
func Tokens(text string) []string {
	words := wordPattern.FindAllString(fold(text), -1)
	out := make([]string, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// KeywordMatch reports whether a token names the table exactly, or is
// longer than two characters and within the fuzzy threshold of it.
func KeywordMatch(tokens []string, table string) bool {
	name := fold(table)
	for _, token := range tokens {
		if token == name {
			return true
		}
	}
	for _, token := range tokens {
		if utf8.RuneCountInString(token) > 2 && Ratio(token, name) > FuzzyThreshold {
			return true
		}
	}
	return false
}

// Ratio is 1 - distance/(len(a)+len(b)), so identical strings score 1 and
// a one-letter plural of a short name still clears FuzzyThreshold.
func Ratio(a, b string) float64 {
	total := utf8.RuneCountInString(a) + utf8.RuneCountInString(b)
	if total == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(total)
}

func fold(s string) string {
	return cases.Fold().String(s)
}
