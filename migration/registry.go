package migration

import (
	"sort"
)

// Registry is the complete, ordered list of migrations known to a run.
// It is immutable once built.
type Registry struct {
	units []Unit
	index map[Version]int
}

// NewRegistry sorts units by version and validates them. Any defect is
// reported as a *RegistryError and no registry is returned.
func NewRegistry(units ...Unit) (*Registry, error) {
	if len(units) == 0 {
		return nil, &RegistryError{Err: ErrEmptyRegistry}
	}

	sorted := make([]Unit, len(units))
	copy(sorted, units)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})

	index := make(map[Version]int, len(sorted))
	for i, unit := range sorted {
		switch {
		case unit.Version == 0:
			return nil, &RegistryError{Migration: unit.Migration, Err: ErrZeroVersion}
		case unit.Name == "":
			return nil, &RegistryError{Migration: unit.Migration, Err: ErrEmptyName}
		case len(unit.Up) == 0:
			return nil, &RegistryError{Migration: unit.Migration, Err: ErrNoUpOperation}
		}

		if _, exists := index[unit.Version]; exists {
			return nil, &RegistryError{Migration: unit.Migration, Err: ErrDuplicateVersion}
		}
		index[unit.Version] = i
	}

	return &Registry{
		units: sorted,
		index: index,
	}, nil
}

// Units returns the migrations in ascending version order.
func (r *Registry) Units() []Unit {
	result := make([]Unit, len(r.units))
	copy(result, r.units)
	return result
}

func (r *Registry) Len() int {
	return len(r.units)
}

func (r *Registry) At(i int) Unit {
	return r.units[i]
}

// Index returns the position of version v, or -1.
func (r *Registry) Index(v Version) int {
	i, ok := r.index[v]
	if !ok {
		return -1
	}
	return i
}

func (r *Registry) Lookup(v Version) (Unit, bool) {
	i, ok := r.index[v]
	if !ok {
		return Unit{}, false
	}
	return r.units[i], true
}

func (r *Registry) Latest() Unit {
	return r.units[len(r.units)-1]
}
