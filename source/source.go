package source

import (
	"errors"

	"github.com/root-talis/henkadb/migration"
)

// Source discovers authored migrations. The runner only needs them as a
// registry; how they are found is up to the source.
type Source interface {
	Units() ([]migration.Unit, error)
}

var (
	ErrMigrationDuplicated = errors.New("migration version already exists with different name")
	ErrMissingUpScript     = errors.New("migration has a down script but no up script")
)

// Registry loads src and validates it into a registry.
func Registry(src Source) (*migration.Registry, error) {
	units, err := src.Units()
	if err != nil {
		return nil, err
	}
	return migration.NewRegistry(units...)
}
