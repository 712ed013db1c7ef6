package driver

import (
	"context"
	"errors"
	"time"

	"github.com/root-talis/henkadb/dialect"
	"github.com/root-talis/henkadb/migration"
)

// Driver gives the runner access to a datastore and its history table.
type Driver interface {
	Dialect() dialect.Dialect

	// TransactionalDDL reports whether schema changes are rolled back with
	// the transaction that issued them.
	TransactionalDDL() bool

	// EnsureHistory creates the history table unless it exists. It is safe to
	// call concurrently from several processes.
	EnsureHistory(ctx context.Context) error

	// Applied lists applied migrations in ascending version order.
	Applied(ctx context.Context) ([]migration.Record, error)

	// Begin opens the transaction a single migration runs in.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is the transaction of one migration. History changes made through it
// share its fate.
type Tx interface {
	migration.Executor

	RecordApplied(ctx context.Context, mig migration.Migration, at time.Time) error
	RecordReverted(ctx context.Context, version migration.Version) error

	Commit() error
	Rollback() error
}

// Locker serializes runs across processes. The engine never takes the lock
// on its own; callers hand it to the runner when they need it.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

var (
	ErrInvalidLogTable = errors.New("an error has occurred when reading history table")
	ErrLockNotAcquired = errors.New("migration lock was not acquired")

	ErrForeignKeyViolation = errors.New("migration leaves rows that violate foreign keys")
)

const DefaultHistoryTableName = "henka_history"

// LockWithTimeout bounds the time spent waiting for locker's lock. Zero
// means no bound.
func LockWithTimeout(locker Locker, timeout time.Duration) Locker {
	if timeout <= 0 {
		return locker
	}
	return timeoutLocker{locker: locker, timeout: timeout}
}

type timeoutLocker struct {
	locker  Locker
	timeout time.Duration
}

func (l timeoutLocker) Lock(ctx context.Context, key string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	return l.locker.Lock(ctx, key)
}
