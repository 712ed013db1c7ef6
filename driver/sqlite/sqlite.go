package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers "sqlite"

	"github.com/root-talis/henkadb/dialect"
	"github.com/root-talis/henkadb/driver"
)

type DriverConfig struct {
	HistoryTableName string
}

// Driver keeps history in a SQLite database. SQLite has transactional DDL
// but almost no ALTER TABLE, which is what table rebuilds are for.
//
// Migrations run with foreign key enforcement switched off, as SQLite
// requires for table rebuilds: with it on, dropping a table deletes its rows
// first and cascades into child tables. When enforcement was on, the
// migration is checked with PRAGMA foreign_key_check before it commits and
// the setting is restored afterwards.
type Driver struct {
	*driver.SQLDriver
	lock chan struct{}
}

func NewDriver(conn *sql.DB, config DriverConfig) *Driver {
	table := config.HistoryTableName
	if table == "" {
		table = driver.DefaultHistoryTableName
	}
	table = dialect.SQLite.Quote(table)

	return &Driver{
		lock: make(chan struct{}, 1),
		SQLDriver: driver.NewSQLDriver(conn, driver.SQLConfig{
			Dialect:          dialect.SQLite,
			TransactionalDDL: true,
			OpenSession:      openSession,
			Queries: driver.Queries{
				Create: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
					"unit_id    INTEGER NOT NULL PRIMARY KEY, "+
					"name       TEXT NOT NULL, "+
					"applied_at DATETIME NOT NULL"+
					")", table),
				Select: fmt.Sprintf("SELECT unit_id, name, applied_at FROM %s ORDER BY unit_id", table),
				Insert: fmt.Sprintf("INSERT INTO %s (unit_id, name, applied_at) VALUES (?, ?, ?)", table),
				Delete: fmt.Sprintf("DELETE FROM %s WHERE unit_id = ?", table),
			},
		}),
	}
}

// Open connects to the database file at dsn. The pool is limited to one
// connection: SQLite has a single writer and ":memory:" databases are per
// connection.
func Open(dsn string, config DriverConfig) (*Driver, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	return NewDriver(conn, config), nil
}

// Lock serializes runs within this process; SQLite's file locking covers
// other processes.
func (drv *Driver) Lock(ctx context.Context, _ string) (func(), error) {
	select {
	case drv.lock <- struct{}{}:
		return func() { <-drv.lock }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", driver.ErrLockNotAcquired, ctx.Err())
	}
}

// ---

type foreignKeys struct {
	conn *sql.Conn
}

func openSession(ctx context.Context, conn *sql.Conn) (driver.Session, error) {
	var enabled int
	if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return nil, fmt.Errorf("failed to read foreign_keys: %w", err)
	}
	if enabled == 0 {
		return nil, nil
	}

	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return nil, fmt.Errorf("failed to disable foreign keys: %w", err)
	}

	return &foreignKeys{conn: conn}, nil
}

func (s *foreignKeys) Verify(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("failed to check foreign keys: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return rows.Err()
	}

	var (
		table, parent string
		rowid         sql.NullInt64
		fkid          int64
	)
	if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
		return fmt.Errorf("failed to check foreign keys: %w", err)
	}

	return fmt.Errorf("%w: row %d of \"%s\" references a missing row of \"%s\"",
		driver.ErrForeignKeyViolation, rowid.Int64, table, parent)
}

func (s *foreignKeys) Close(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to restore foreign keys: %w", err)
	}
	return nil
}
