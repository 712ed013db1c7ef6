// Package rebuild emulates table alterations that a datastore cannot perform
// in place by creating a replacement table, copying rows into it, dropping
// the original and renaming the replacement.
package rebuild

import (
	"fmt"
	"strings"

	"github.com/root-talis/henkadb/dialect"
)

// Action is a referential action of a foreign key.
type Action string

const (
	NoAction   Action = "NO ACTION"
	Restrict   Action = "RESTRICT"
	Cascade    Action = "CASCADE"
	SetNull    Action = "SET NULL"
	SetDefault Action = "SET DEFAULT"
)

type Column struct {
	Name     string
	Type     string
	Nullable bool

	// Default is a SQL expression. Empty means the column has no default.
	Default string

	// AutoIncrement columns must be the whole primary key.
	AutoIncrement bool
}

func (c Column) HasDefault() bool {
	return c.Default != ""
}

type ForeignKey struct {
	Name       string
	Columns    []string
	RefTable   string
	RefColumns []string
	OnDelete   Action
	OnUpdate   Action
}

type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// Table describes the shape of a table. It is never read from the datastore.
type Table struct {
	Name        string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	Indexes     []Index
}

func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// CreateStatement renders CREATE TABLE for the shape under the given name.
func (t Table) CreateStatement(d dialect.Dialect, name string) string {
	return t.createStatement(d, name, true)
}

func (t Table) createStatement(d dialect.Dialect, name string, withForeignKeys bool) string {
	inlinePK := d.InlinePrimaryKey() && len(t.PrimaryKey) == 1 && t.isAutoIncrement(t.PrimaryKey[0])

	defs := make([]string, 0, len(t.Columns)+len(t.ForeignKeys)+1)
	for _, c := range t.Columns {
		defs = append(defs, columnDefinition(d, c, inlinePK))
	}

	if withForeignKeys {
		for _, fk := range t.ForeignKeys {
			defs = append(defs, foreignKeyDefinition(d, fk))
		}
	}

	if len(t.PrimaryKey) > 0 && !inlinePK {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteList(d, t.PrimaryKey)))
	}

	return fmt.Sprintf("CREATE TABLE %s (%s)", d.Quote(name), strings.Join(defs, ", "))
}

// IndexStatements renders CREATE INDEX for every index of the shape.
func (t Table) IndexStatements(d dialect.Dialect) []string {
	result := make([]string, 0, len(t.Indexes))
	for _, idx := range t.Indexes {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		result = append(result, fmt.Sprintf(
			"CREATE %sINDEX %s ON %s (%s)",
			unique,
			d.Quote(idx.Name),
			d.Quote(t.Name),
			quoteList(d, idx.Columns),
		))
	}
	return result
}

// ForeignKeyStatements renders ALTER TABLE ADD for every foreign key of the
// shape.
func (t Table) ForeignKeyStatements(d dialect.Dialect) []string {
	result := make([]string, 0, len(t.ForeignKeys))
	for _, fk := range t.ForeignKeys {
		result = append(result, fmt.Sprintf("ALTER TABLE %s ADD %s", d.Quote(t.Name), foreignKeyDefinition(d, fk)))
	}
	return result
}

func (t Table) identity() string {
	for _, c := range t.Columns {
		if c.AutoIncrement {
			return c.Name
		}
	}
	return ""
}

func (t Table) isAutoIncrement(column string) bool {
	c, ok := t.Column(column)
	return ok && c.AutoIncrement
}

func columnDefinition(d dialect.Dialect, c Column, inlinePK bool) string {
	parts := []string{d.Quote(c.Name), c.Type}

	if c.AutoIncrement && inlinePK {
		parts = append(parts, "PRIMARY KEY", d.AutoIncrement())
	}
	if !c.Nullable {
		parts = append(parts, "NOT NULL")
	}
	if c.HasDefault() {
		parts = append(parts, "DEFAULT", c.Default)
	}
	if c.AutoIncrement && !inlinePK {
		parts = append(parts, d.AutoIncrement())
	}

	return strings.Join(parts, " ")
}

func foreignKeyDefinition(d dialect.Dialect, fk ForeignKey) string {
	var b strings.Builder

	if fk.Name != "" {
		fmt.Fprintf(&b, "CONSTRAINT %s ", d.Quote(fk.Name))
	}
	fmt.Fprintf(&b, "FOREIGN KEY (%s) REFERENCES %s (%s)",
		quoteList(d, fk.Columns),
		d.Quote(fk.RefTable),
		quoteList(d, fk.RefColumns),
	)
	if fk.OnDelete != "" {
		fmt.Fprintf(&b, " ON DELETE %s", fk.OnDelete)
	}
	if fk.OnUpdate != "" {
		fmt.Fprintf(&b, " ON UPDATE %s", fk.OnUpdate)
	}

	return b.String()
}

func quoteList(d dialect.Dialect, idents []string) string {
	quoted := make([]string, len(idents))
	for i, ident := range idents {
		quoted[i] = d.Quote(ident)
	}
	return strings.Join(quoted, ", ")
}
