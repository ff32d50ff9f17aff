package enforcer

import "fmt"

type WarningKind string

const (
	WarningNonQueryableTable  WarningKind = "non_queryable_table"
	WarningNonQueryableColumn WarningKind = "non_queryable_column"
	WarningRestrictedColumn   WarningKind = "restricted_column"
	WarningPromotedPrimary    WarningKind = "promoted_primary_table"
	WarningMissingLimit       WarningKind = "missing_limit"
	WarningLimitExceedsMax    WarningKind = "limit_exceeds_max"
)

const SeverityWarning = "warning"

// Warning is a user-facing note about something the pipeline changed or
// noticed in the query.
type Warning struct {
	Kind     WarningKind `json:"kind"`
	Entity   string      `json:"entity"`
	Message  string      `json:"message"`
	Severity string      `json:"severity"`
}

func NewWarning(kind WarningKind, entity, format string, args ...any) Warning {
	return Warning{Kind: kind, Entity: entity, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning}
}

// Dedupe keeps the first warning for each message text.
func Dedupe(warnings []Warning) []Warning {
	if len(warnings) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(warnings))
	out := make([]Warning, 0, len(warnings))
	for _, w := range warnings {
		if _, ok := seen[w.Message]; ok {
			continue
		}
		seen[w.Message] = struct{}{}
		out = append(out, w)
	}
	return out
}

func tableWarning(table string) Warning {
	return NewWarning(WarningNonQueryableTable, table,
		"Table '%s' is not queryable and was removed from the query.", table)
}

func columnWarning(table string, col columnStatus) Warning {
	entity := table + "." + col.name
	if col.removed {
		return NewWarning(WarningRestrictedColumn, entity,
			"Column '%s' is restricted and was removed from the query.", entity)
	}
	return NewWarning(WarningNonQueryableColumn, entity,
		"Column '%s' is not queryable and was removed from the query.", entity)
}
