package canonical

import "strings"

type Operator string

const (
	OpEq        Operator = "="
	OpNe        Operator = "!="
	OpGt        Operator = ">"
	OpLt        Operator = "<"
	OpGe        Operator = ">="
	OpLe        Operator = "<="
	OpLike      Operator = "LIKE"
	OpNotLike   Operator = "NOT LIKE"
	OpILike     Operator = "ILIKE"
	OpNotILike  Operator = "NOT ILIKE"
	OpIn        Operator = "IN"
	OpNotIn     Operator = "NOT IN"
	OpBetween   Operator = "BETWEEN"
	OpIsNull    Operator = "IS NULL"
	OpIsNotNull Operator = "IS NOT NULL"
	OpIs        Operator = "IS"
	OpIsNot     Operator = "IS NOT"
)

// ParseOperator folds spelling variants ("<>", "==", "not  like") into the
// canonical operator set. The second result is false for unknown operators.
func ParseOperator(raw string) (Operator, bool) {
	op := strings.ToUpper(strings.Join(strings.Fields(raw), " "))
	switch op {
	case "", "=", "==", "EQ":
		return OpEq, true
	case "!=", "<>", "NE":
		return OpNe, true
	case ">", "GT":
		return OpGt, true
	case "<", "LT":
		return OpLt, true
	case ">=", "GTE", "GE":
		return OpGe, true
	case "<=", "LTE", "LE":
		return OpLe, true
	case "LIKE":
		return OpLike, true
	case "NOT LIKE":
		return OpNotLike, true
	case "ILIKE":
		return OpILike, true
	case "NOT ILIKE":
		return OpNotILike, true
	case "IN":
		return OpIn, true
	case "NOT IN":
		return OpNotIn, true
	case "BETWEEN":
		return OpBetween, true
	case "IS NULL":
		return OpIsNull, true
	case "IS NOT NULL":
		return OpIsNotNull, true
	case "IS":
		return OpIs, true
	case "IS NOT":
		return OpIsNot, true
	default:
		return Operator(op), false
	}
}
