package catalog

import "strings"

// ApplySensitivity folds tenant sensitivity rules into a copy of c. Forbidden
// fields become non-queryable, schema-sensitive columns take the rule's
// masking strategy. A rule with an empty table matches the column in every
// table.
func ApplySensitivity(c *Catalog, rules SensitivityRules) *Catalog {
	out := c.Clone()
	if out == nil {
		return nil
	}
	for ti := range out.Tables {
		table := &out.Tables[ti]
		for ci := range table.Columns {
			col := &table.Columns[ci]
			for _, field := range rules.ForbiddenFields {
				if fieldMatches(field.Table, field.Column, table.Name, col.Name) {
					col.Queryable = false
				}
			}
			for _, rule := range rules.SensitiveColumns {
				if !fieldMatches(rule.Table, rule.Column, table.Name, col.Name) {
					continue
				}
				col.Sensitive = true
				if rule.Masking != "" {
					col.Masking = rule.Masking
				} else if col.Masking == "" || col.Masking == MaskNone {
					col.Masking = MaskFull
				}
			}
		}
	}
	return out
}

func fieldMatches(ruleTable, ruleColumn, table, column string) bool {
	if !strings.EqualFold(strings.TrimSpace(ruleColumn), column) {
		return false
	}
	ruleTable = strings.TrimSpace(ruleTable)
	return ruleTable == "" || strings.EqualFold(ruleTable, table)
}
