// Package dialect describes the few places where the statements emitted by
// henkadb differ between datastores.
package dialect

import (
	"fmt"
	"strings"
)

type Dialect interface {
	Name() string

	// Quote returns ident as a quoted identifier.
	Quote(ident string) string

	// Placeholder returns the bind parameter marker for the n-th (1-based) argument.
	Placeholder(n int) string

	// RenameTable returns a statement renaming table from to table to.
	RenameTable(from, to string) string

	// AutoIncrement is appended to an integer primary key column definition.
	AutoIncrement() string

	// InlinePrimaryKey reports whether an auto-increment column must carry its
	// PRIMARY KEY clause inline (sqlite) instead of a table-level constraint.
	InlinePrimaryKey() bool

	// DeferForeignKeys reports whether foreign key names are unique per
	// database rather than per table. A replacement table then cannot declare
	// the foreign keys of the table it replaces until that table is gone.
	DeferForeignKeys() bool

	// FinishRename returns the statements that give a table renamed from
	// from to to the names of implicit objects (primary key, identity
	// sequence) it would have had if created as to. identity is the
	// auto-increment column, if any.
	FinishRename(from, to string, hasPrimaryKey bool, identity string) []string
}

// ---

type sqlite struct{}

var SQLite Dialect = sqlite{} // nolint:gochecknoglobals

func (sqlite) Name() string                         { return "sqlite" }
func (sqlite) Quote(ident string) string            { return quoteWith(ident, '"') }
func (sqlite) Placeholder(int) string               { return "?" }
func (sqlite) AutoIncrement() string                { return "AUTOINCREMENT" }
func (sqlite) InlinePrimaryKey() bool               { return true }
func (sqlite) DeferForeignKeys() bool               { return false }
func (d sqlite) RenameTable(from, to string) string { return renameTable(d, from, to) }

func (sqlite) FinishRename(string, string, bool, string) []string { return nil }

// ---

type mysql struct{}

var MySQL Dialect = mysql{} // nolint:gochecknoglobals

func (mysql) Name() string              { return "mysql" }
func (mysql) Quote(ident string) string { return quoteWith(ident, '`') }
func (mysql) Placeholder(int) string    { return "?" }
func (mysql) AutoIncrement() string     { return "AUTO_INCREMENT" }
func (mysql) InlinePrimaryKey() bool    { return false }
func (mysql) DeferForeignKeys() bool    { return true }

// FinishRename has nothing to do: the primary key of a mysql table is always
// named PRIMARY and AUTO_INCREMENT follows the copied rows.
func (mysql) FinishRename(string, string, bool, string) []string { return nil }

func (d mysql) RenameTable(from, to string) string {
	return fmt.Sprintf("RENAME TABLE %s TO %s", d.Quote(from), d.Quote(to))
}

// ---

type postgres struct{}

var Postgres Dialect = postgres{} // nolint:gochecknoglobals

func (postgres) Name() string                         { return "postgres" }
func (postgres) Quote(ident string) string            { return quoteWith(ident, '"') }
func (postgres) Placeholder(n int) string             { return fmt.Sprintf("$%d", n) }
func (postgres) AutoIncrement() string                { return "GENERATED BY DEFAULT AS IDENTITY" }
func (postgres) InlinePrimaryKey() bool               { return false }
func (postgres) DeferForeignKeys() bool               { return false }
func (d postgres) RenameTable(from, to string) string { return renameTable(d, from, to) }

// FinishRename renames the primary key constraint (and its index) and the
// identity sequence, then moves the sequence past the copied rows, which
// were inserted with explicit values.
func (d postgres) FinishRename(from, to string, hasPrimaryKey bool, identity string) []string {
	var result []string

	if hasPrimaryKey {
		result = append(result, fmt.Sprintf("ALTER TABLE %s RENAME CONSTRAINT %s TO %s",
			d.Quote(to), d.Quote(from+"_pkey"), d.Quote(to+"_pkey")))
	}

	if identity != "" {
		result = append(result,
			fmt.Sprintf("ALTER SEQUENCE %s RENAME TO %s",
				d.Quote(from+"_"+identity+"_seq"), d.Quote(to+"_"+identity+"_seq")),
			fmt.Sprintf("SELECT setval(pg_get_serial_sequence(%s, %s), COALESCE(MAX(%s), 0) + 1, false) FROM %s",
				quoteWith(d.Quote(to), '\''), quoteWith(identity, '\''), d.Quote(identity), d.Quote(to)),
		)
	}

	return result
}

// ---

// ByName returns the dialect registered under name.
func ByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "postgres", "postgresql":
		return Postgres, nil
	}

	return nil, fmt.Errorf("unknown dialect \"%s\"", name)
}

func renameTable(d Dialect, from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.Quote(from), d.Quote(to))
}

// quoteWith wraps ident in q, doubling any q inside it.
func quoteWith(ident string, q rune) string {
	var b strings.Builder
	b.Grow(len(ident) + 2)
	b.WriteRune(q)
	for _, r := range ident {
		if r == q {
			b.WriteRune(q)
		}
		b.WriteRune(r)
	}
	b.WriteRune(q)
	return b.String()
}
