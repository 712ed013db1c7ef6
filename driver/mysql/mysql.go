package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/root-talis/henkadb/dialect"
	"github.com/root-talis/henkadb/driver"
)

// ER_TABLE_EXISTS_ERROR
const errTableExists = 1050

type DriverConfig struct {
	// DatabaseName qualifies the history table. Empty means the connection's
	// current database.
	DatabaseName        string
	MigrationsTableName string

	// LockTimeout is passed to GET_LOCK, in seconds. Negative waits forever.
	LockTimeout int
}

// Driver keeps history in MySQL or MariaDB. Their DDL commits implicitly,
// so a failing migration may leave earlier statements of its own operation
// in place.
//
// Migrations run with foreign_key_checks off, so that a table rebuild can
// drop a table other tables reference. The session value is restored once
// the migration ends.
type Driver struct {
	*driver.SQLDriver
	config DriverConfig
}

func NewDriver(conn *sql.DB, config DriverConfig) *Driver {
	if config.MigrationsTableName == "" {
		config.MigrationsTableName = driver.DefaultHistoryTableName
	}

	tableName := makeEscapedMigrationsTableName(config)

	return &Driver{
		config: config,
		SQLDriver: driver.NewSQLDriver(conn, driver.SQLConfig{
			Dialect:          dialect.MySQL,
			TransactionalDDL: false,
			AlreadyExists:    isTableExists,
			OpenSession:      openSession,
			Queries: driver.Queries{
				Create: fmt.Sprintf(
					"CREATE TABLE IF NOT EXISTS %s ("+
						"unit_id    bigint unsigned not null, "+
						"name       varchar(255) not null, "+
						"applied_at datetime(6) not null, "+
						"primary key (unit_id)"+
						") default charset utf8mb4",
					tableName,
				),
				Select: fmt.Sprintf("SELECT unit_id, name, applied_at FROM %s ORDER BY unit_id", tableName),
				Insert: fmt.Sprintf("INSERT INTO %s (unit_id, name, applied_at) VALUES (?, ?, ?)", tableName),
				Delete: fmt.Sprintf("DELETE FROM %s WHERE unit_id = ?", tableName),
			},
		}),
	}
}

// Open connects using a go-sql-driver DSN.
func Open(dsn string, config DriverConfig) (*Driver, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	return NewDriver(conn, config), nil
}

// Lock takes a named lock with GET_LOCK. The lock belongs to a connection,
// so one is held out of the pool until release.
func (drv *Driver) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := drv.DB().Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", driver.ErrLockNotAcquired, err)
	}

	var acquired sql.NullInt64
	err = conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", key, drv.config.LockTimeout).Scan(&acquired)
	if err != nil || !acquired.Valid || acquired.Int64 != 1 {
		_ = conn.Close()
		if err == nil {
			err = fmt.Errorf("GET_LOCK(%s) timed out", key)
		}
		return nil, fmt.Errorf("%w: %s", driver.ErrLockNotAcquired, err)
	}

	return func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT RELEASE_LOCK(?)", key)
		_ = conn.Close()
	}, nil
}

// ---

type foreignKeyChecks struct {
	conn *sql.Conn
}

func openSession(ctx context.Context, conn *sql.Conn) (driver.Session, error) {
	var enabled int
	if err := conn.QueryRowContext(ctx, "SELECT @@SESSION.foreign_key_checks").Scan(&enabled); err != nil {
		return nil, fmt.Errorf("failed to read foreign_key_checks: %w", err)
	}
	if enabled == 0 {
		return nil, nil
	}

	if _, err := conn.ExecContext(ctx, "SET SESSION foreign_key_checks = 0"); err != nil {
		return nil, fmt.Errorf("failed to disable foreign_key_checks: %w", err)
	}

	return &foreignKeyChecks{conn: conn}, nil
}

// Verify has nothing to run: MySQL offers no equivalent of a foreign key
// check over existing rows.
func (s *foreignKeyChecks) Verify(context.Context, *sql.Tx) error {
	return nil
}

func (s *foreignKeyChecks) Close(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, "SET SESSION foreign_key_checks = 1"); err != nil {
		return fmt.Errorf("failed to restore foreign_key_checks: %w", err)
	}
	return nil
}

func makeEscapedMigrationsTableName(config DriverConfig) string {
	if config.DatabaseName == "" {
		return dialect.MySQL.Quote(config.MigrationsTableName)
	}

	return fmt.Sprintf(
		"%s.%s",
		dialect.MySQL.Quote(config.DatabaseName),
		dialect.MySQL.Quote(config.MigrationsTableName),
	)
}

func isTableExists(err error) bool {
	var myErr *mysqldrv.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errTableExists
}
