package indexer

import (
	"strings"

	"github.com/duckmesh/querygen/internal/catalog"
)

// TableContent is the text embedded for a table. Restricted columns are
// left out so the index never points a search at them.
func TableContent(t catalog.Table) string {
	var b strings.Builder
	b.WriteString("Table: ")
	b.WriteString(t.Name)
	if desc := strings.TrimSpace(t.Description); desc != "" {
		b.WriteString(" - ")
		b.WriteString(desc)
	}
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.Restricted() {
			continue
		}
		if c.DataType != "" {
			cols = append(cols, c.Name+" ("+c.DataType+")")
		} else {
			cols = append(cols, c.Name)
		}
	}
	if len(cols) > 0 {
		b.WriteString("\nColumns: ")
		b.WriteString(strings.Join(cols, ", "))
	}
	return b.String()
}
