package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/root-talis/henkadb/dialect"
	"github.com/root-talis/henkadb/migration"
)

// Queries holds the history table statements of one datastore flavor.
// Insert takes (unit_id, name, applied_at); Delete takes (unit_id).
type Queries struct {
	Create string
	Select string
	Insert string
	Delete string
}

type SQLConfig struct {
	Dialect          dialect.Dialect
	Queries          Queries
	TransactionalDDL bool

	// AlreadyExists recognizes the error returned when a concurrent
	// initializer created the history table first. Optional.
	AlreadyExists func(error) bool

	// OpenSession prepares the connection a migration is about to run on,
	// before its transaction begins. Optional; a nil Session means the
	// connection needs nothing.
	OpenSession func(ctx context.Context, conn *sql.Conn) (Session, error)
}

// Session holds connection settings changed for the duration of one
// migration.
type Session interface {
	// Verify runs inside the transaction right before it commits. An error
	// rolls the migration back.
	Verify(ctx context.Context, tx *sql.Tx) error

	// Close restores the connection after commit or rollback.
	Close(ctx context.Context) error
}

// SQLDriver implements Driver on top of database/sql.
type SQLDriver struct {
	conn   *sql.DB
	config SQLConfig
}

func NewSQLDriver(conn *sql.DB, config SQLConfig) *SQLDriver {
	return &SQLDriver{
		conn:   conn,
		config: config,
	}
}

func (drv *SQLDriver) DB() *sql.DB {
	return drv.conn
}

func (drv *SQLDriver) Dialect() dialect.Dialect {
	return drv.config.Dialect
}

func (drv *SQLDriver) TransactionalDDL() bool {
	return drv.config.TransactionalDDL
}

func (drv *SQLDriver) EnsureHistory(ctx context.Context) error {
	_, err := drv.conn.ExecContext(ctx, drv.config.Queries.Create)
	if err == nil {
		return nil
	}

	if drv.config.AlreadyExists != nil && drv.config.AlreadyExists(err) {
		return nil
	}

	// somebody may have won the race with an error we don't recognize
	if probeErr := drv.probeHistory(ctx); probeErr == nil {
		return nil
	}

	return fmt.Errorf("failed to create history table: %w", err)
}

func (drv *SQLDriver) probeHistory(ctx context.Context) error {
	rows, err := drv.conn.QueryContext(ctx, drv.config.Queries.Select)
	if err != nil {
		return err
	}
	defer rows.Close()
	return rows.Err()
}

func (drv *SQLDriver) Applied(ctx context.Context) ([]migration.Record, error) {
	rows, err := drv.conn.QueryContext(ctx, drv.config.Queries.Select)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	result := make([]migration.Record, 0)
	for rows.Next() {
		var (
			rec       migration.Record
			appliedAt Timestamp
		)

		if err := rows.Scan(&rec.Version, &rec.Name, &appliedAt); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidLogTable, err)
		}

		rec.AppliedAt = appliedAt.Time
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}

	return result, nil
}

func (drv *SQLDriver) Begin(ctx context.Context) (Tx, error) {
	if drv.config.OpenSession == nil {
		tx, err := drv.conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}

		return &sqlTx{ctx: ctx, tx: tx, drv: drv}, nil
	}

	// session settings only stick when the transaction runs on the very
	// connection they were applied to
	conn, err := drv.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}

	session, err := drv.config.OpenSession(ctx, conn)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to prepare connection: %w", err), conn.Close())
	}

	t := &sqlTx{ctx: ctx, drv: drv, conn: conn, session: session}

	t.tx, err = conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to begin transaction: %w", err), t.release())
	}

	return t, nil
}

// ---

type sqlTx struct {
	ctx context.Context // nolint:containedctx
	tx  *sql.Tx
	drv *SQLDriver

	// set when the driver opens sessions
	conn    *sql.Conn
	session Session
}

func (t *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *sqlTx) Dialect() dialect.Dialect {
	return t.drv.config.Dialect
}

func (t *sqlTx) RecordApplied(ctx context.Context, mig migration.Migration, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, t.drv.config.Queries.Insert,
		int64(mig.Version),
		mig.Name,
		FormatTimestamp(at),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration %s: %w", mig, err)
	}
	return nil
}

func (t *sqlTx) RecordReverted(ctx context.Context, version migration.Version) error {
	res, err := t.tx.ExecContext(ctx, t.drv.config.Queries.Delete, int64(version))
	if err != nil {
		return fmt.Errorf("failed to remove migration %d from history: %w", version, err)
	}

	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("%w: expected one history row for migration %d, found %d", ErrInvalidLogTable, version, n)
	}

	return nil
}

func (t *sqlTx) Commit() error {
	if t.session != nil {
		if err := t.session.Verify(t.ctx, t.tx); err != nil {
			return errors.Join(err, t.tx.Rollback(), t.release())
		}
	}

	return errors.Join(t.tx.Commit(), t.release())
}

func (t *sqlTx) Rollback() error {
	return errors.Join(t.tx.Rollback(), t.release())
}

// release restores the session and hands the connection back to the pool.
func (t *sqlTx) release() error {
	if t.conn == nil {
		return nil
	}

	var err error
	if t.session != nil {
		err = t.session.Close(t.ctx)
	}

	conn := t.conn
	t.conn, t.session = nil, nil

	return errors.Join(err, conn.Close())
}
