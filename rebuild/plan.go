package rebuild

import (
	"context"
	"fmt"

	"github.com/root-talis/henkadb/dialect"
	"github.com/root-talis/henkadb/migration"
)

const tempPrefix = "temporary_"

// ColumnMap fills one column of the new shape. Source names the old column
// it is copied from; Expr, when set, replaces the plain column reference in
// the copy projection (for casts and coalescing).
type ColumnMap struct {
	Target string
	Source string
	Expr   string
}

// Plan is a single table rebuild. Old columns that no mapping reads are
// dropped; new columns that no mapping fills receive their default.
type Plan struct {
	Old     Table
	New     Table
	Columns []ColumnMap

	// TempName is the name of the replacement table until it is renamed.
	// Defaults to "temporary_<table>".
	TempName string
}

// ByName maps every new column to the old column of the same name.
func ByName(from, to Table) []ColumnMap {
	result := make([]ColumnMap, 0, len(to.Columns))
	for _, c := range to.Columns {
		if _, ok := from.Column(c.Name); ok {
			result = append(result, ColumnMap{Target: c.Name, Source: c.Name})
		}
	}
	return result
}

func (p Plan) tempName() string {
	if p.TempName != "" {
		return p.TempName
	}
	return tempPrefix + p.Old.Name
}

// Validate checks both shapes and the mapping. It is always called before
// any statement of the rebuild runs.
func (p Plan) Validate() error {
	if err := validateShape(p.Old); err != nil {
		return p.fail(fmt.Errorf("old shape: %w", err))
	}
	if err := validateShape(p.New); err != nil {
		return p.fail(fmt.Errorf("new shape: %w", err))
	}

	if p.New.Name != p.Old.Name {
		return p.fail(fmt.Errorf("%w: replacement is named \"%s\"", migration.ErrInvalidShape, p.New.Name))
	}
	if p.tempName() == p.Old.Name {
		return p.fail(fmt.Errorf("%w: temporary name equals table name", migration.ErrInvalidShape))
	}

	return p.validateMapping()
}

func (p Plan) validateMapping() error {
	if len(p.Columns) == 0 {
		return p.fail(fmt.Errorf("%w: no column is copied", migration.ErrInvalidMapping))
	}

	filled := make(map[string]bool, len(p.Columns))
	for _, m := range p.Columns {
		if _, ok := p.New.Column(m.Target); !ok {
			return p.fail(fmt.Errorf("%w: target column \"%s\" does not exist", migration.ErrInvalidMapping, m.Target))
		}
		if filled[m.Target] {
			return p.fail(fmt.Errorf("%w: column \"%s\" is filled twice", migration.ErrInvalidMapping, m.Target))
		}
		filled[m.Target] = true

		if m.Source == "" && m.Expr == "" {
			return p.fail(fmt.Errorf("%w: column \"%s\" has neither source nor expression", migration.ErrInvalidMapping, m.Target))
		}
		if _, ok := p.Old.Column(m.Source); m.Source != "" && !ok {
			return p.fail(fmt.Errorf("%w: source column \"%s\" does not exist", migration.ErrInvalidMapping, m.Source))
		}
	}

	for _, c := range p.New.Columns {
		if !filled[c.Name] && !c.Nullable && !c.HasDefault() && !c.AutoIncrement {
			return p.fail(fmt.Errorf("%w: column \"%s\"", migration.ErrNotNullWithoutDefault, c.Name))
		}
	}

	return nil
}

func (p Plan) fail(err error) error {
	return &migration.RebuildError{Table: p.Old.Name, Err: err}
}

// Statements validates the plan and returns the rebuild in execution order:
// create the replacement, copy rows, drop the original, rename the
// replacement, restore implicit names, recreate indexes.
//
// Where foreign key names are unique per database the replacement is created
// without its foreign keys, which are added once the original is dropped.
func (p Plan) Statements(d dialect.Dialect) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	temp := p.tempName()
	deferFKs := d.DeferForeignKeys()

	result := []string{
		p.New.createStatement(d, temp, !deferFKs),
		p.copyStatement(d, temp),
		fmt.Sprintf("DROP TABLE %s", d.Quote(p.Old.Name)),
		d.RenameTable(temp, p.Old.Name),
	}
	result = append(result, d.FinishRename(temp, p.Old.Name, len(p.New.PrimaryKey) > 0, p.New.identity())...)

	if deferFKs {
		result = append(result, p.New.ForeignKeyStatements(d)...)
	}

	return append(result, p.New.IndexStatements(d)...), nil
}

func (p Plan) copyStatement(d dialect.Dialect, temp string) string {
	targets := make([]string, len(p.Columns))
	projection := make([]string, len(p.Columns))

	for i, m := range p.Columns {
		targets[i] = m.Target
		projection[i] = p.project(d, m)
	}

	return fmt.Sprintf("INSERT INTO %s(%s) SELECT %s FROM %s",
		d.Quote(temp),
		quoteList(d, targets),
		joinList(projection),
		d.Quote(p.Old.Name),
	)
}

func (p Plan) project(d dialect.Dialect, m ColumnMap) string {
	if m.Expr != "" {
		return m.Expr
	}

	source, _ := p.Old.Column(m.Source)
	target, _ := p.New.Column(m.Target)

	if source.Nullable && !target.Nullable && target.HasDefault() {
		return fmt.Sprintf("COALESCE(%s, %s)", d.Quote(m.Source), target.Default)
	}

	return d.Quote(m.Source)
}

// Exec runs the rebuild on the unit's transaction.
func (p Plan) Exec(ctx context.Context, exec migration.Executor) error {
	statements, err := p.Statements(exec.Dialect())
	if err != nil {
		return err
	}

	for _, stmt := range statements {
		if err := migration.ExecStatement(ctx, exec, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Reverse returns the rebuild that restores the old shape. Expressions are
// not inverted: a mapped column is copied back as is.
func (p Plan) Reverse() Plan {
	columns := make([]ColumnMap, 0, len(p.Columns))
	for _, m := range p.Columns {
		if m.Source == "" {
			continue
		}
		columns = append(columns, ColumnMap{Target: m.Source, Source: m.Target})
	}

	return Plan{
		Old:      p.New,
		New:      p.Old,
		Columns:  columns,
		TempName: p.TempName,
	}
}
