package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/lib/pq"

	"github.com/root-talis/henkadb/dialect"
	"github.com/root-talis/henkadb/driver"
)

const (
	codeDuplicateTable  = "42P07"
	codeUniqueViolation = "23505" // pg_type row of a concurrently created table
)

type DriverConfig struct {
	// SchemaName qualifies the history table. Empty means the search path.
	SchemaName       string
	HistoryTableName string
}

// Driver keeps history in PostgreSQL, whose DDL is transactional.
type Driver struct {
	*driver.SQLDriver
}

func NewDriver(conn *sql.DB, config DriverConfig) *Driver {
	if config.HistoryTableName == "" {
		config.HistoryTableName = driver.DefaultHistoryTableName
	}

	table := dialect.Postgres.Quote(config.HistoryTableName)
	if config.SchemaName != "" {
		table = dialect.Postgres.Quote(config.SchemaName) + "." + table
	}

	return &Driver{
		SQLDriver: driver.NewSQLDriver(conn, driver.SQLConfig{
			Dialect:          dialect.Postgres,
			TransactionalDDL: true,
			AlreadyExists:    isAlreadyExists,
			Queries: driver.Queries{
				Create: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
					"unit_id    BIGINT NOT NULL PRIMARY KEY, "+
					"name       TEXT NOT NULL, "+
					"applied_at TIMESTAMP NOT NULL"+
					")", table),
				Select: fmt.Sprintf("SELECT unit_id, name, applied_at FROM %s ORDER BY unit_id", table),
				Insert: fmt.Sprintf("INSERT INTO %s (unit_id, name, applied_at) VALUES ($1, $2, $3)", table),
				Delete: fmt.Sprintf("DELETE FROM %s WHERE unit_id = $1", table),
			},
		}),
	}
}

// Open connects using a lib/pq connection string.
func Open(dsn string, config DriverConfig) (*Driver, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return NewDriver(conn, config), nil
}

// Lock takes a session-level advisory lock on a dedicated connection.
func (drv *Driver) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := drv.DB().Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", driver.ErrLockNotAcquired, err)
	}

	id := lockID(key)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: pg_advisory_lock(%d): %s", driver.ErrLockNotAcquired, id, err)
	}

	return func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", id)
		_ = conn.Close()
	}, nil
}

func lockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // advisory lock keys are signed
}

func isAlreadyExists(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeDuplicateTable || pqErr.Code == codeUniqueViolation
}
