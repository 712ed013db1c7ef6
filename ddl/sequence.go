// Package ddl orders the statements of one operation so that tables exist
// before anything refers to them and disappear only after nothing does.
package ddl

import (
	"context"
	"fmt"
	"strings"

	"github.com/root-talis/henkadb/migration"
)

type Kind uint

const (
	Statement Kind = iota
	CreateTable
	DropTable
	CreateIndex
	DropIndex
	AddForeignKey
	DropForeignKey
)

func (k Kind) String() string {
	switch k {
	case Statement:
		return "statement"
	case CreateTable:
		return "create table"
	case DropTable:
		return "drop table"
	case CreateIndex:
		return "create index"
	case DropIndex:
		return "drop index"
	case AddForeignKey:
		return "add foreign key"
	case DropForeignKey:
		return "drop foreign key"
	}
	return fmt.Sprintf("kind(%d)", uint(k))
}

// Intent is a primitive statement plus what it touches.
type Intent struct {
	Kind Kind

	// Table is the table created, dropped or altered.
	Table string

	// References lists tables the statement points at through foreign keys.
	References []string

	SQL string
}

func (in Intent) String() string {
	return fmt.Sprintf("%s %s", in.Kind, in.Table)
}

// Sequence returns intents in an order that satisfies their dependencies.
// Among valid orders it picks the one closest to the given order.
func Sequence(intents []Intent) ([]Intent, error) {
	n := len(intents)
	after := make([][]int, n)
	blockers := make([]int, n)

	for i := range intents {
		for j := range intents {
			if i != j && mustPrecede(intents[i], intents[j]) {
				after[i] = append(after[i], j)
				blockers[j]++
			}
		}
	}

	result := make([]Intent, 0, n)
	done := make([]bool, n)

	for len(result) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && blockers[i] == 0 {
				next = i
				break
			}
		}

		if next < 0 {
			return nil, cycleError(intents, done)
		}

		done[next] = true
		result = append(result, intents[next])
		for _, j := range after[next] {
			blockers[j]--
		}
	}

	return result, nil
}

// mustPrecede reports whether a has to run before b.
func mustPrecede(a, b Intent) bool { //nolint:cyclop
	switch a.Kind {
	case CreateTable:
		// the table must exist before anything lives on it or points at it
		switch b.Kind {
		case CreateTable:
			return b.Table != a.Table && refers(b, a.Table)
		case AddForeignKey:
			return b.Table == a.Table || refers(b, a.Table)
		case CreateIndex, Statement:
			return b.Table == a.Table
		case DropTable, DropIndex, DropForeignKey:
		}

	case DropIndex, DropForeignKey:
		// detach before the table goes away
		return b.Kind == DropTable && (b.Table == a.Table || refers(a, b.Table))

	case DropTable:
		// a table pointing at b's table must go first
		return b.Kind == DropTable && b.Table != a.Table && refers(a, b.Table)

	case Statement, CreateIndex, AddForeignKey:
	}

	return false
}

func refers(in Intent, table string) bool {
	for _, ref := range in.References {
		if ref == table {
			return true
		}
	}
	return false
}

func cycleError(intents []Intent, done []bool) error {
	var stuck []string
	for i, in := range intents {
		if !done[i] {
			stuck = append(stuck, in.String())
		}
	}
	return &migration.RegistryError{
		Err: fmt.Errorf("%w: %s", migration.ErrDependencyCycle, strings.Join(stuck, ", ")),
	}
}

// ---

// Batch is a migration step that sequences its intents before running them.
type Batch []Intent

func (b Batch) Exec(ctx context.Context, exec migration.Executor) error {
	ordered, err := Sequence(b)
	if err != nil {
		return err
	}

	for _, in := range ordered {
		if err := migration.ExecStatement(ctx, exec, in.SQL); err != nil {
			return err
		}
	}

	return nil
}
