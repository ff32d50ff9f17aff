package nl2sql

import (
	"fmt"

	"github.com/duckmesh/querygen/internal/catalog"
)

const maxSampleValues = 5

// TableContexts describes the visible part of cat for a prompt. Restricted
// columns are left out; RestrictedEntities names them separately.
func TableContexts(cat *catalog.Catalog) []TableContext {
	if cat == nil {
		return nil
	}
	out := make([]TableContext, 0, len(cat.Tables))
	for _, t := range cat.Tables {
		if !t.Queryable {
			continue
		}
		tc := TableContext{Name: t.Name, Description: t.Description}
		for _, col := range t.Columns {
			if col.Restricted() {
				continue
			}
			cc := ColumnContext{Name: col.Name, Type: col.DataType, PrimaryKey: col.PrimaryKey, ForeignKey: col.ForeignKey}
			if !col.Sensitive {
				samples := col.SampleValues
				if len(samples) > maxSampleValues {
					samples = samples[:maxSampleValues]
				}
				cc.Samples = append([]string(nil), samples...)
			}
			tc.Columns = append(tc.Columns, cc)
		}
		out = append(out, tc)
	}
	return out
}

func RelationshipLines(cat *catalog.Catalog) []string {
	if cat == nil {
		return nil
	}
	lines := make([]string, 0, len(cat.Relationships))
	for _, rel := range cat.Relationships {
		lines = append(lines, fmt.Sprintf("%s.%s -> %s.%s", rel.SourceTable, rel.SourceColumn, rel.TargetTable, rel.TargetColumn))
	}
	return lines
}

func RestrictedEntities(cat *catalog.Catalog) []string {
	if cat == nil {
		return nil
	}
	var out []string
	for _, t := range cat.Tables {
		if !t.Queryable {
			out = append(out, t.Name)
			continue
		}
		for _, col := range t.Columns {
			if col.Restricted() {
				out = append(out, t.Name+"."+col.Name)
			}
		}
	}
	return out
}
