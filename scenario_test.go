package henkadb_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/henkadb"
	"github.com/root-talis/henkadb/driver"
	"github.com/root-talis/henkadb/driver/sqlite"
	"github.com/root-talis/henkadb/migration"
	"github.com/root-talis/henkadb/rebuild"
)

var (
	tNullable = rebuild.Table{ // nolint:gochecknoglobals
		Name:    "t",
		Columns: []rebuild.Column{{Name: "a", Type: "integer", Nullable: true}},
	}
	tNotNull = rebuild.Table{ // nolint:gochecknoglobals
		Name:    "t",
		Columns: []rebuild.Column{{Name: "a", Type: "integer", Default: "0"}},
	}

	u1 = migration.Unit{ // nolint:gochecknoglobals
		Migration: migration.Migration{Version: 1770663665431, Name: "create_t"},
		Up:        migration.Operation{migration.SQL(`CREATE TABLE "t" ("a" integer)`)},
		Down:      migration.Operation{migration.SQL(`DROP TABLE "t"`)},
	}
	u2Plan = rebuild.Plan{ // nolint:gochecknoglobals
		Old:     tNullable,
		New:     tNotNull,
		Columns: rebuild.ByName(tNullable, tNotNull),
	}
	u2 = migration.Unit{ // nolint:gochecknoglobals
		Migration: migration.Migration{Version: 1770663665432, Name: "t_a_not_null"},
		Up:        migration.Operation{u2Plan},
		Down:      migration.Operation{u2Plan.Reverse()},
	}
	u3 = migration.Unit{ // nolint:gochecknoglobals
		Migration: migration.Migration{Version: 1770663665433, Name: "create_u"},
		Up: migration.Operation{migration.Script(`
			CREATE TABLE "u" ("id" integer NOT NULL, PRIMARY KEY ("id"));
			CREATE INDEX "IDX_u_id" ON "u" ("id");
		`)},
		Down: migration.Operation{migration.SQL(`DROP TABLE "u"`)},
	}
)

type countingDriver struct {
	driver.Driver
	begins int
}

func (d *countingDriver) Begin(ctx context.Context) (driver.Tx, error) {
	d.begins++
	return d.Driver.Begin(ctx)
}

func openSqlite(t *testing.T) *sqlite.Driver {
	t.Helper()

	drv, err := sqlite.Open(":memory:", sqlite.DriverConfig{})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, drv.DB().Close())
	})

	return drv
}

func appliedVersions(t *testing.T, drv driver.Driver) []migration.Version {
	t.Helper()

	applied, err := drv.Applied(context.Background())
	require.NoError(t, err)

	result := make([]migration.Version, 0, len(applied))
	for _, rec := range applied {
		result = append(result, rec.Version)
	}
	return result
}

// schema lists every object of the database except the history table.
func schema(t *testing.T, conn *sql.DB) []string {
	t.Helper()

	rows, err := conn.Query(`SELECT type || ' ' || name || ' ' || coalesce(sql, '') FROM sqlite_master WHERE name <> ? ORDER BY type, name`,
		driver.DefaultHistoryTableName)
	require.NoError(t, err)
	defer rows.Close()

	result := []string{}
	for rows.Next() {
		var object string
		require.NoError(t, rows.Scan(&object))
		result = append(result, object)
	}
	require.NoError(t, rows.Err())

	return result
}

func columnNotNull(t *testing.T, conn *sql.DB, table, column string) bool {
	t.Helper()

	var notNull bool
	err := conn.QueryRow(`SELECT "notnull" FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&notNull)
	require.NoError(t, err)

	return notNull
}

func values(t *testing.T, conn *sql.DB) []int {
	t.Helper()

	rows, err := conn.Query(`SELECT coalesce("a", -1) FROM "t" ORDER BY rowid`)
	require.NoError(t, err)
	defer rows.Close()

	var result []int
	for rows.Next() {
		var v int
		require.NoError(t, rows.Scan(&v))
		result = append(result, v)
	}
	require.NoError(t, rows.Err())

	return result
}

func TestScenarioRebuildUpAndDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := openSqlite(t)

	reg, err := migration.NewRegistry(u2, u1)
	require.NoError(t, err)
	migrator := newRunner(reg, drv)

	_, err = migrator.ApplyTo(ctx, u1.Version)
	require.NoError(t, err)

	_, err = drv.DB().Exec(`INSERT INTO "t" ("a") VALUES (1), (NULL), (3)`)
	require.NoError(t, err)
	assert.False(t, columnNotNull(t, drv.DB(), "t", "a"))

	_, err = migrator.Apply(ctx)
	require.NoError(t, err)
	assert.True(t, columnNotNull(t, drv.DB(), "t", "a"))
	assert.Equal(t, []int{1, 0, 3}, values(t, drv.DB()), "NULL is backfilled with the default")
	assert.Equal(t, []migration.Version{u1.Version, u2.Version}, appliedVersions(t, drv))

	_, err = migrator.Revert(ctx)
	require.NoError(t, err)
	assert.False(t, columnNotNull(t, drv.DB(), "t", "a"))
	assert.Equal(t, []int{1, 0, 3}, values(t, drv.DB()), "rows survive the reverse rebuild")
	assert.Equal(t, []migration.Version{u1.Version}, appliedVersions(t, drv))

	_, err = migrator.Revert(ctx)
	require.NoError(t, err)
	assert.Empty(t, schema(t, drv.DB()), "table t is dropped")
	assert.Empty(t, appliedVersions(t, drv))
}

func TestScenarioRoundTripRestoresSchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := openSqlite(t)

	_, err := drv.DB().Exec(`CREATE TABLE "posts" ("id" integer NOT NULL, PRIMARY KEY ("id"))`)
	require.NoError(t, err)
	before := schema(t, drv.DB())

	reg, err := migration.NewRegistry(u1, u2, u3)
	require.NoError(t, err)
	migrator := newRunner(reg, drv)

	report, err := migrator.Apply(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Completed, 3)
	assert.NotEqual(t, before, schema(t, drv.DB()))

	report, err = migrator.RevertTo(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []migration.Migration{u3.Migration, u2.Migration, u1.Migration}, report.Completed)

	assert.Equal(t, before, schema(t, drv.DB()))
	assert.Empty(t, appliedVersions(t, drv))
}

func TestScenarioApplyIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := &countingDriver{Driver: openSqlite(t)}

	reg, err := migration.NewRegistry(u1, u2, u3)
	require.NoError(t, err)
	migrator := newRunner(reg, drv)

	_, err = migrator.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, drv.begins)

	report, err := migrator.Apply(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Planned)
	assert.Equal(t, henkadb.Committed, report.State)
	assert.Equal(t, 3, drv.begins, "nothing pending means no transaction at all")
}

func TestScenarioStatementErrorKeepsEarlierMigrations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := openSqlite(t)

	broken := migration.Unit{
		Migration: migration.Migration{Version: u2.Version, Name: "broken"},
		Up: migration.Operation{
			migration.SQL(`CREATE TABLE "half_done" ("id" integer)`),
			migration.SQL(`ALTER TABLE "no_such_table" ADD COLUMN "b" integer`),
		},
		Down: migration.Operation{migration.SQL(`DROP TABLE "half_done"`)},
	}

	reg, err := migration.NewRegistry(u1, broken, u3)
	require.NoError(t, err)

	report, err := newRunner(reg, drv).Apply(ctx)

	var stmtErr *migration.StatementError
	require.True(t, errors.As(err, &stmtErr), "expected a statement error, got %v", err)
	assert.Contains(t, stmtErr.Statement, "no_such_table")

	var unitErr *migration.UnitError
	require.True(t, errors.As(err, &unitErr))
	assert.Equal(t, broken.Migration, unitErr.Migration)

	assert.Equal(t, henkadb.Aborted, report.State)
	assert.Equal(t, []migration.Version{u1.Version}, appliedVersions(t, drv))
	assert.Equal(t, []string{
		`table t CREATE TABLE "t" ("a" integer)`,
	}, schema(t, drv.DB()), "the failed migration is rolled back and the next one never runs")
}

func TestScenarioRebuildValidationLeavesTableUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := openSqlite(t)

	withB := rebuild.Table{
		Name: "t",
		Columns: []rebuild.Column{
			{Name: "a", Type: "integer", Nullable: true},
			{Name: "b", Type: "integer"},
		},
	}
	invalid := migration.Unit{
		Migration: migration.Migration{Version: u2.Version, Name: "t_add_b"},
		Up: migration.Operation{rebuild.Plan{
			Old:     tNullable,
			New:     withB,
			Columns: rebuild.ByName(tNullable, withB),
		}},
	}

	reg, err := migration.NewRegistry(u1, invalid)
	require.NoError(t, err)
	migrator := newRunner(reg, drv)

	_, err = migrator.ApplyTo(ctx, u1.Version)
	require.NoError(t, err)
	_, err = drv.DB().Exec(`INSERT INTO "t" ("a") VALUES (7), (NULL)`)
	require.NoError(t, err)
	before := schema(t, drv.DB())

	_, err = migrator.Apply(ctx)

	assert.ErrorIs(t, err, migration.ErrNotNullWithoutDefault)
	var rebuildErr *migration.RebuildError
	if assert.True(t, errors.As(err, &rebuildErr)) {
		assert.Equal(t, "t", rebuildErr.Table)
	}

	assert.Equal(t, before, schema(t, drv.DB()))
	assert.Equal(t, []int{7, -1}, values(t, drv.DB()))
	assert.Equal(t, []migration.Version{u1.Version}, appliedVersions(t, drv))
}

func TestScenarioStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := openSqlite(t)

	reg, err := migration.NewRegistry(u1, u2, u3)
	require.NoError(t, err)
	migrator := newRunner(reg, drv)

	_, err = migrator.ApplyTo(ctx, u2.Version)
	require.NoError(t, err)

	status, err := migrator.Status(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint(2), status.AppliedCount)
	assert.Equal(t, uint(1), status.PendingCount)
	assert.Zero(t, status.MissingCount)
	if assert.Len(t, status.Migrations, 3) {
		assert.Equal(t, migration.Applied, status.Migrations[0].Status)
		assert.False(t, status.Migrations[0].AppliedAt.IsZero())
		assert.Equal(t, migration.Pending, status.Migrations[2].Status)
	}
}

// ---

var (
	postsNullableTitle = rebuild.Table{ // nolint:gochecknoglobals
		Name: "posts",
		Columns: []rebuild.Column{
			{Name: "id", Type: "integer"},
			{Name: "title", Type: "varchar", Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
	postsRequiredTitle = rebuild.Table{ // nolint:gochecknoglobals
		Name: "posts",
		Columns: []rebuild.Column{
			{Name: "id", Type: "integer"},
			{Name: "title", Type: "varchar", Default: "''"},
		},
		PrimaryKey: []string{"id"},
	}
)

// openSqliteWithPosts returns a database enforcing foreign keys, holding two
// posts and three hash tags that cascade from them.
func openSqliteWithPosts(t *testing.T) *sqlite.Driver {
	t.Helper()

	drv := openSqlite(t)
	_, err := drv.DB().Exec(`
		PRAGMA foreign_keys = ON;
		CREATE TABLE "posts" ("id" integer NOT NULL, "title" varchar, PRIMARY KEY ("id"));
		CREATE TABLE "hash_tag" (
			"id" integer NOT NULL,
			"postId" integer,
			"value" varchar NOT NULL,
			PRIMARY KEY ("id"),
			CONSTRAINT "FK_tag_post" FOREIGN KEY ("postId") REFERENCES "posts" ("id") ON DELETE CASCADE
		);
		INSERT INTO "posts" VALUES (1, 'first'), (2, NULL);
		INSERT INTO "hash_tag" VALUES (1, 1, 'a'), (2, 1, 'b'), (3, 2, 'c');
	`)
	require.NoError(t, err)
	require.True(t, foreignKeysEnabled(t, drv.DB()))

	return drv
}

func countRows(t *testing.T, conn *sql.DB, table string) int {
	t.Helper()

	var count int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM "`+table+`"`).Scan(&count))
	return count
}

func foreignKeysEnabled(t *testing.T, conn *sql.DB) bool {
	t.Helper()

	var enabled int
	require.NoError(t, conn.QueryRow("PRAGMA foreign_keys").Scan(&enabled))
	return enabled == 1
}

func TestScenarioRebuildKeepsCascadingChildRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := openSqliteWithPosts(t)

	plan := rebuild.Plan{
		Old:     postsNullableTitle,
		New:     postsRequiredTitle,
		Columns: rebuild.ByName(postsNullableTitle, postsRequiredTitle),
	}
	reg, err := migration.NewRegistry(migration.Unit{
		Migration: migration.Migration{Version: 1, Name: "posts_title_not_null"},
		Up:        migration.Operation{plan},
		Down:      migration.Operation{plan.Reverse()},
	})
	require.NoError(t, err)
	migrator := newRunner(reg, drv)

	_, err = migrator.Apply(ctx)
	require.NoError(t, err)

	assert.True(t, columnNotNull(t, drv.DB(), "posts", "title"))
	assert.Equal(t, 2, countRows(t, drv.DB(), "posts"))
	assert.Equal(t, 3, countRows(t, drv.DB(), "hash_tag"), "dropping the parent must not cascade")
	assert.True(t, foreignKeysEnabled(t, drv.DB()), "enforcement is restored after the migration")

	_, err = migrator.Revert(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, countRows(t, drv.DB(), "hash_tag"))

	_, err = drv.DB().Exec(`DELETE FROM "posts" WHERE "id" = 1`)
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, drv.DB(), "hash_tag"), "the foreign key still cascades")
}

func TestScenarioForeignKeyViolationRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := openSqliteWithPosts(t)

	orphan := migration.Unit{
		Migration: migration.Migration{Version: 1, Name: "orphan_tag"},
		Up:        migration.Operation{migration.SQL(`INSERT INTO "hash_tag" VALUES (4, 99, 'orphan')`)},
		Down:      migration.Operation{migration.SQL(`DELETE FROM "hash_tag" WHERE "id" = 4`)},
	}
	reg, err := migration.NewRegistry(orphan)
	require.NoError(t, err)

	report, err := newRunner(reg, drv).Apply(ctx)

	assert.ErrorIs(t, err, driver.ErrForeignKeyViolation)
	assert.Equal(t, henkadb.Aborted, report.State)
	assert.Empty(t, appliedVersions(t, drv))
	assert.Equal(t, 3, countRows(t, drv.DB(), "hash_tag"))
	assert.True(t, foreignKeysEnabled(t, drv.DB()))
}
