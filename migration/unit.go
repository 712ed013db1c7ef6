package migration

import (
	"context"
	"database/sql"

	"github.com/root-talis/henkadb/dialect"
)

// Executor runs statements on behalf of a step. During a run it is always
// the transaction of the unit being executed.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Dialect() dialect.Dialect
}

// Step is one part of an Operation.
type Step interface {
	Exec(ctx context.Context, exec Executor) error
}

// Operation is the ordered list of steps that make up one direction of a
// migration. All of its steps share a single transaction.
type Operation []Step

func (op Operation) Exec(ctx context.Context, exec Executor) error {
	for _, step := range op {
		if err := step.Exec(ctx, exec); err != nil {
			return err
		}
	}
	return nil
}

// Unit is an authored, reversible schema change.
type Unit struct {
	Migration
	Up   Operation
	Down Operation
}

func (u Unit) Describe() Description {
	return Description{
		Migration: u.Migration,
		CanUndo:   len(u.Down) > 0,
	}
}

func (u Unit) Operation(dir Direction) Operation {
	if dir == Down {
		return u.Down
	}
	return u.Up
}

// ---

// SQL is a single statement executed verbatim.
type SQL string

func (s SQL) Exec(ctx context.Context, exec Executor) error {
	return ExecStatement(ctx, exec, string(s))
}

// Script holds several statements separated by semicolons.
type Script string

func (s Script) Exec(ctx context.Context, exec Executor) error {
	for _, stmt := range SplitStatements(string(s)) {
		if err := ExecStatement(ctx, exec, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ExecStatement runs stmt and reports a failure as a *StatementError.
func ExecStatement(ctx context.Context, exec Executor, stmt string, args ...any) error {
	if _, err := exec.ExecContext(ctx, stmt, args...); err != nil {
		return &StatementError{Statement: stmt, Err: err}
	}
	return nil
}
