package henkadb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/root-talis/henkadb/driver"
	"github.com/root-talis/henkadb/migration"
)

// ---

type Henka interface {
	// Status compares the registry with the history table. Unlike the other
	// methods it reports an inconsistent history instead of failing on it.
	Status(ctx context.Context) (*StatusResult, error)

	// Apply applies every pending migration in ascending version order.
	Apply(ctx context.Context) (*Report, error)

	// ApplyTo applies pending migrations up to and including target.
	ApplyTo(ctx context.Context, target migration.Version) (*Report, error)

	// Revert reverts the latest applied migration.
	Revert(ctx context.Context) (*Report, error)

	// RevertTo reverts applied migrations in descending version order down
	// to, but not including, target. A zero target reverts everything.
	RevertTo(ctx context.Context, target migration.Version) (*Report, error)
}

type StatusResult struct {
	Migrations   []migration.State
	AppliedCount uint
	PendingCount uint
	MissingCount uint
}

// ---

const DefaultLockKey = "henkadb"

type Option func(*henkaImpl)

// WithLogger sets the logger of the runner. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *henkaImpl) {
		m.logger = logger
	}
}

// WithLock makes every run hold locker's lock under DefaultLockKey. The
// runner itself never arbitrates between processes.
func WithLock(locker driver.Locker) Option {
	return func(m *henkaImpl) {
		m.locker = locker
	}
}

// WithClock sets the source of applied_at timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *henkaImpl) {
		m.now = now
	}
}

type henkaImpl struct {
	registry *migration.Registry
	driver   driver.Driver
	locker   driver.Locker
	logger   *slog.Logger
	now      func() time.Time
}

// ---

func New(registry *migration.Registry, drv driver.Driver, options ...Option) Henka {
	m := &henkaImpl{
		registry: registry,
		driver:   drv,
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// ---

func (m *henkaImpl) Status(ctx context.Context) (*StatusResult, error) {
	applied, err := m.loadHistory(ctx)
	if err != nil {
		return nil, err
	}

	appliedByVersion := make(map[migration.Version]migration.Record, len(applied))
	for _, rec := range applied {
		appliedByVersion[rec.Version] = rec
	}

	units := m.registry.Units()
	result := StatusResult{
		Migrations: make([]migration.State, 0, len(units)),
	}

	for _, unit := range units {
		state := migration.State{
			Description: unit.Describe(),
			Status:      migration.Pending,
		}

		if rec, ok := appliedByVersion[unit.Version]; ok {
			state.Status = migration.Applied
			state.AppliedAt = rec.AppliedAt
			result.AppliedCount++
		} else {
			result.PendingCount++
		}

		result.Migrations = append(result.Migrations, state)
	}

	for _, rec := range applied {
		if _, ok := m.registry.Lookup(rec.Version); ok {
			continue
		}

		result.Migrations = append(result.Migrations, migration.State{
			Description: migration.Description{Migration: rec.Migration, CanUndo: false},
			Status:      migration.Missing,
			AppliedAt:   rec.AppliedAt,
		})
		result.MissingCount++
	}

	sort.SliceStable(result.Migrations, func(i, j int) bool {
		return result.Migrations[i].Version < result.Migrations[j].Version
	})

	return &result, nil
}

func (m *henkaImpl) Apply(ctx context.Context) (*Report, error) {
	return m.run(ctx, migration.Up, func(applied int) ([]migration.Unit, error) {
		return m.registry.Units()[applied:], nil
	})
}

func (m *henkaImpl) ApplyTo(ctx context.Context, target migration.Version) (*Report, error) {
	return m.run(ctx, migration.Up, func(applied int) ([]migration.Unit, error) {
		last := m.registry.Index(target)
		if last < 0 {
			return nil, fmt.Errorf("%w: %d", migration.ErrUnknownTarget, target)
		}
		if last < applied {
			return nil, nil
		}
		return m.registry.Units()[applied : last+1], nil
	})
}

func (m *henkaImpl) Revert(ctx context.Context) (*Report, error) {
	return m.run(ctx, migration.Down, func(applied int) ([]migration.Unit, error) {
		if applied == 0 {
			return nil, nil
		}
		return []migration.Unit{m.registry.At(applied - 1)}, nil
	})
}

func (m *henkaImpl) RevertTo(ctx context.Context, target migration.Version) (*Report, error) {
	return m.run(ctx, migration.Down, func(applied int) ([]migration.Unit, error) {
		first := 0
		if target != 0 {
			idx := m.registry.Index(target)
			if idx < 0 {
				return nil, fmt.Errorf("%w: %d", migration.ErrUnknownTarget, target)
			}
			first = idx + 1
		}

		if first >= applied {
			return nil, nil
		}

		units := m.registry.Units()[first:applied]
		reversed := make([]migration.Unit, 0, len(units))
		for i := len(units) - 1; i >= 0; i-- {
			reversed = append(reversed, units[i])
		}
		return reversed, nil
	})
}

// ---

func (m *henkaImpl) loadHistory(ctx context.Context) ([]migration.Record, error) {
	if err := m.driver.EnsureHistory(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare history table: %w", err)
	}

	applied, err := m.driver.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of applied migrations: %w", err)
	}

	sort.SliceStable(applied, func(i, j int) bool {
		return applied[i].Version < applied[j].Version
	})

	return applied, nil
}

// checkPrefix returns the number of applied migrations, which are always the
// first migrations of the registry.
func (m *henkaImpl) checkPrefix(applied []migration.Record) (int, error) {
	for _, rec := range applied {
		if _, ok := m.registry.Lookup(rec.Version); !ok {
			return 0, &migration.HistoryConsistencyError{Version: rec.Version, Err: migration.ErrUnknownVersion}
		}
	}

	for i, rec := range applied {
		if expected := m.registry.At(i); expected.Version != rec.Version {
			return 0, &migration.HistoryConsistencyError{Version: expected.Version, Err: migration.ErrNotPrefix}
		}
	}

	return len(applied), nil
}
