package migration

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyRegistry    = errors.New("registry contains no migrations")
	ErrDuplicateVersion = errors.New("migration version is used more than once")
	ErrZeroVersion      = errors.New("migration version must be greater than zero")
	ErrEmptyName        = errors.New("migration name is empty")
	ErrNoUpOperation    = errors.New("migration has no up operation")
	ErrDependencyCycle  = errors.New("statements depend on each other in a cycle")

	ErrInvalidShape          = errors.New("invalid table shape")
	ErrInvalidMapping        = errors.New("invalid column mapping")
	ErrNotNullWithoutDefault = errors.New("cannot satisfy NOT NULL without default")

	ErrUnknownVersion = errors.New("history references a migration that is not registered")
	ErrNotPrefix      = errors.New("applied migrations are not a prefix of registered migrations")

	ErrIrreversible  = errors.New("migration cannot be reverted")
	ErrUnknownTarget = errors.New("target version is not registered")
	ErrCancelled     = errors.New("run was cancelled between migrations")
)

// RegistryError reports a malformed set of migrations. A registry that
// produced one is never usable.
type RegistryError struct {
	Migration Migration
	Err       error
}

func (e *RegistryError) Error() string {
	if e.Migration == (Migration{}) {
		return fmt.Sprintf("invalid registry: %s", e.Err)
	}
	return fmt.Sprintf("invalid registry: migration %s: %s", e.Migration, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// RebuildError is returned by a table rebuild whose inputs were rejected
// before any statement ran.
type RebuildError struct {
	Table string
	Err   error
}

func (e *RebuildError) Error() string {
	return fmt.Sprintf("cannot rebuild table \"%s\": %s", e.Table, e.Err)
}

func (e *RebuildError) Unwrap() error { return e.Err }

// StatementError is a statement rejected by the datastore.
type StatementError struct {
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement failed: %s: %s", e.Err, e.Statement)
}

func (e *StatementError) Unwrap() error { return e.Err }

// HistoryConsistencyError means the history table cannot be reconciled with
// the registry. Nothing is executed once it is seen.
type HistoryConsistencyError struct {
	Version Version
	Err     error
}

func (e *HistoryConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent migration history at version %d: %s", e.Version, e.Err)
}

func (e *HistoryConsistencyError) Unwrap() error { return e.Err }

// UnitError names the migration that failed during a run.
type UnitError struct {
	Migration Migration
	Direction Direction
	Err       error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("migration %s (%s) failed: %s", e.Migration, e.Direction, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }
