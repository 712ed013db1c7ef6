package henkadb

import (
	"context"
	"fmt"
	"time"

	"github.com/root-talis/henkadb/migration"
)

type State uint

const (
	Idle State = iota
	Planning
	Executing
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Planning:
		return "planning"
	case Executing:
		return "executing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", uint(s))
}

// Report describes a run. It is returned together with the error of a
// failed run, so callers can see how far it got.
type Report struct {
	Direction migration.Direction
	State     State

	// Planned lists the migrations the run set out to execute, in order.
	Planned []migration.Migration

	// Completed is always a prefix of Planned.
	Completed []migration.Migration
}

// ---

type planFunc func(applied int) ([]migration.Unit, error)

func (m *henkaImpl) run(ctx context.Context, dir migration.Direction, plan planFunc) (*Report, error) {
	report := &Report{Direction: dir, State: Idle}

	if m.locker != nil {
		release, err := m.locker.Lock(ctx, DefaultLockKey)
		if err != nil {
			report.State = Aborted
			return report, fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		defer release()
	}

	units, err := m.plan(ctx, report, dir, plan)
	if err != nil {
		report.State = Aborted
		m.logger.Error("migration planning failed", "direction", dir.String(), "error", err)
		return report, err
	}

	report.State = Executing
	m.logger.Info("executing migrations", "direction", dir.String(), "count", len(units))

	if !m.driver.TransactionalDDL() && len(units) > 0 {
		m.logger.Warn("datastore does not roll back schema changes; a failed migration may leave partial changes behind",
			"dialect", m.driver.Dialect().Name())
	}

	for _, unit := range units {
		// cancellation is only honored between migrations
		if err := ctx.Err(); err != nil {
			report.State = Aborted
			m.logger.Warn("migration run cancelled",
				"direction", dir.String(),
				"completed", len(report.Completed),
				"planned", len(report.Planned))
			return report, fmt.Errorf("%w: %w", migration.ErrCancelled, err)
		}

		if err := m.execute(context.WithoutCancel(ctx), unit, dir); err != nil {
			report.State = Aborted
			m.logger.Error("migration failed",
				"version", uint64(unit.Version),
				"name", unit.Name,
				"direction", dir.String(),
				"error", err)
			return report, err
		}

		report.Completed = append(report.Completed, unit.Migration)
	}

	report.State = Committed
	m.logger.Info("migrations committed", "direction", dir.String(), "count", len(report.Completed))

	return report, nil
}

func (m *henkaImpl) plan(ctx context.Context, report *Report, dir migration.Direction, plan planFunc) ([]migration.Unit, error) {
	report.State = Planning

	applied, err := m.loadHistory(ctx)
	if err != nil {
		return nil, err
	}

	count, err := m.checkPrefix(applied)
	if err != nil {
		return nil, err
	}

	units, err := plan(count)
	if err != nil {
		return nil, err
	}

	report.Planned = make([]migration.Migration, 0, len(units))
	for _, unit := range units {
		if dir == migration.Down && len(unit.Down) == 0 {
			return nil, &migration.UnitError{Migration: unit.Migration, Direction: dir, Err: migration.ErrIrreversible}
		}
		report.Planned = append(report.Planned, unit.Migration)
	}

	return units, nil
}

// execute runs one migration and its history change in a single transaction.
func (m *henkaImpl) execute(ctx context.Context, unit migration.Unit, dir migration.Direction) (err error) {
	started := time.Now()
	log := m.logger.With("version", uint64(unit.Version), "name", unit.Name, "direction", dir.String())
	log.Info("executing migration")

	fail := func(cause error) error {
		return &migration.UnitError{Migration: unit.Migration, Direction: dir, Err: cause}
	}

	tx, err := m.driver.Begin(ctx)
	if err != nil {
		return fail(err)
	}

	committing := false
	defer func() {
		if err == nil || committing {
			return
		}
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.Error("failed to roll back migration", "error", rollbackErr)
		}
	}()

	if err := unit.Operation(dir).Exec(ctx, tx); err != nil {
		return fail(err)
	}

	switch dir {
	case migration.Up:
		err = tx.RecordApplied(ctx, unit.Migration, m.now())
	case migration.Down:
		err = tx.RecordReverted(ctx, unit.Version)
	}
	if err != nil {
		return fail(err)
	}

	committing = true
	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("failed to commit: %w", err))
	}

	log.Info("migration committed", "elapsed", time.Since(started))

	return nil
}
