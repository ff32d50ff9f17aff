package catalog

import (
	"fmt"
	"sort"
	"strings"
)

func (c Column) Restricted() bool {
	return !c.Queryable || c.Masking == MaskRemove
}

func (c Column) IsBoolean() bool {
	switch strings.ToLower(strings.TrimSpace(c.DataType)) {
	case "bool", "boolean", "bit", "tinyint(1)":
		return true
	default:
		return false
	}
}

func (c Column) IsNumeric() bool {
	kind := strings.ToLower(strings.TrimSpace(c.DataType))
	if i := strings.IndexByte(kind, '('); i >= 0 {
		kind = kind[:i]
	}
	switch kind {
	case "int", "integer", "smallint", "bigint", "tinyint", "mediumint", "serial", "bigserial",
		"decimal", "numeric", "real", "float", "double", "double precision", "float4", "float8",
		"int2", "int4", "int8", "hugeint", "ubigint", "uinteger":
		return true
	default:
		return false
	}
}

func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

func (t *Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, col := range t.Columns {
		names = append(names, col.Name)
	}
	return names
}

func (c *Catalog) Table(name string) (*Table, bool) {
	if c == nil {
		return nil, false
	}
	name = normalizeTableName(name)
	for i := range c.Tables {
		if strings.EqualFold(c.Tables[i].Name, name) {
			return &c.Tables[i], true
		}
	}
	return nil, false
}

func (c *Catalog) Column(table, column string) (*Column, bool) {
	t, ok := c.Table(table)
	if !ok {
		return nil, false
	}
	return t.Column(column)
}

func (c *Catalog) TableNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		names = append(names, t.Name)
	}
	return names
}

func (c *Catalog) HasTable(name string) bool {
	_, ok := c.Table(name)
	return ok
}

// Subset returns a restricted view holding only the named tables, in the
// order given, and the relationships whose endpoints both survive.
func (c *Catalog) Subset(names []string) *Catalog {
	out := &Catalog{TenantID: c.TenantID, LoadedAt: c.LoadedAt}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		t, ok := c.Table(name)
		if !ok {
			continue
		}
		key := strings.ToLower(t.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.Tables = append(out.Tables, cloneTable(*t))
	}
	for _, rel := range c.Relationships {
		_, src := seen[strings.ToLower(rel.SourceTable)]
		_, dst := seen[strings.ToLower(rel.TargetTable)]
		if src && dst {
			out.Relationships = append(out.Relationships, rel)
		}
	}
	return out
}

// Neighbors lists tables one relationship hop away from table, in either
// direction, sorted by name.
func (c *Catalog) Neighbors(table string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		key := strings.ToLower(name)
		if strings.EqualFold(name, table) {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	for _, rel := range c.Relationships {
		if strings.EqualFold(rel.SourceTable, table) {
			add(rel.TargetTable)
		}
		if strings.EqualFold(rel.TargetTable, table) {
			add(rel.SourceTable)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) RelationshipsFor(table string) []Relationship {
	var out []Relationship
	for _, rel := range c.Relationships {
		if strings.EqualFold(rel.SourceTable, table) || strings.EqualFold(rel.TargetTable, table) {
			out = append(out, rel)
		}
	}
	return out
}

func (c *Catalog) Validate() error {
	seen := map[string]struct{}{}
	for _, t := range c.Tables {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("table name is required")
		}
		key := strings.ToLower(t.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seen[key] = struct{}{}
	}
	for _, rel := range c.Relationships {
		if _, ok := c.Column(rel.SourceTable, rel.SourceColumn); !ok {
			return fmt.Errorf("relationship source %s.%s does not exist", rel.SourceTable, rel.SourceColumn)
		}
		if _, ok := c.Column(rel.TargetTable, rel.TargetColumn); !ok {
			return fmt.Errorf("relationship target %s.%s does not exist", rel.TargetTable, rel.TargetColumn)
		}
	}
	return nil
}

func (c *Catalog) Clone() *Catalog {
	if c == nil {
		return nil
	}
	out := &Catalog{TenantID: c.TenantID, LoadedAt: c.LoadedAt}
	out.Tables = make([]Table, 0, len(c.Tables))
	for _, t := range c.Tables {
		out.Tables = append(out.Tables, cloneTable(t))
	}
	out.Relationships = append([]Relationship(nil), c.Relationships...)
	return out
}

func cloneTable(t Table) Table {
	t.Columns = append([]Column(nil), t.Columns...)
	for i := range t.Columns {
		t.Columns[i].SampleValues = append([]string(nil), t.Columns[i].SampleValues...)
	}
	return t
}

// normalizeTableName drops a schema qualifier such as "public.orders".
func normalizeTableName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.Trim(name, "\"`[]")
}
