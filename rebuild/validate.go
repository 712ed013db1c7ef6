package rebuild

import (
	"fmt"
	"strings"

	"github.com/root-talis/henkadb/migration"
)

func validateShape(t Table) error { //nolint:cyclop
	if t.Name == "" {
		return fmt.Errorf("%w: table has no name", migration.ErrInvalidShape)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%w: table has no columns", migration.ErrInvalidShape)
	}

	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		switch {
		case c.Name == "":
			return fmt.Errorf("%w: column has no name", migration.ErrInvalidShape)
		case c.Type == "":
			return fmt.Errorf("%w: column \"%s\" has no type", migration.ErrInvalidShape, c.Name)
		case seen[c.Name]:
			return fmt.Errorf("%w: column \"%s\" is declared twice", migration.ErrInvalidShape, c.Name)
		case c.AutoIncrement && (len(t.PrimaryKey) != 1 || t.PrimaryKey[0] != c.Name):
			return fmt.Errorf("%w: auto-increment column \"%s\" must be the primary key", migration.ErrInvalidShape, c.Name)
		}
		seen[c.Name] = true
	}

	if err := knownColumns(seen, t.PrimaryKey, "primary key"); err != nil {
		return err
	}

	for _, fk := range t.ForeignKeys {
		if fk.RefTable == "" {
			return fmt.Errorf("%w: foreign key on (%s) references no table", migration.ErrInvalidShape, joinList(fk.Columns))
		}
		if len(fk.Columns) == 0 || len(fk.Columns) != len(fk.RefColumns) {
			return fmt.Errorf("%w: foreign key on (%s) references (%s)",
				migration.ErrInvalidShape, joinList(fk.Columns), joinList(fk.RefColumns))
		}
		if err := knownColumns(seen, fk.Columns, "foreign key"); err != nil {
			return err
		}
	}

	for _, idx := range t.Indexes {
		if idx.Name == "" || len(idx.Columns) == 0 {
			return fmt.Errorf("%w: index needs a name and columns", migration.ErrInvalidShape)
		}
		if err := knownColumns(seen, idx.Columns, "index "+idx.Name); err != nil {
			return err
		}
	}

	return nil
}

func knownColumns(declared map[string]bool, columns []string, where string) error {
	used := make(map[string]bool, len(columns))
	for _, c := range columns {
		if !declared[c] {
			return fmt.Errorf("%w: %s uses unknown column \"%s\"", migration.ErrInvalidShape, where, c)
		}
		if used[c] {
			return fmt.Errorf("%w: %s lists column \"%s\" twice", migration.ErrInvalidShape, where, c)
		}
		used[c] = true
	}
	return nil
}

func joinList(items []string) string {
	return strings.Join(items, ", ")
}
