package ddl_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/henkadb/ddl"
	"github.com/root-talis/henkadb/dialect"
	"github.com/root-talis/henkadb/migration"
)

var (
	createUsers    = ddl.Intent{Kind: ddl.CreateTable, Table: "users", SQL: "CREATE TABLE users"}
	createPosts    = ddl.Intent{Kind: ddl.CreateTable, Table: "posts", References: []string{"users"}, SQL: "CREATE TABLE posts"}
	createLike     = ddl.Intent{Kind: ddl.CreateTable, Table: "like", References: []string{"users", "posts"}, SQL: "CREATE TABLE like"}
	createActivity = ddl.Intent{Kind: ddl.CreateTable, Table: "activity", SQL: "CREATE TABLE activity"}
	indexPosts     = ddl.Intent{Kind: ddl.CreateIndex, Table: "posts", SQL: "CREATE INDEX posts_user"}
	fkPostsUsers   = ddl.Intent{Kind: ddl.AddForeignKey, Table: "posts", References: []string{"users"}, SQL: "ALTER TABLE posts ADD FK"}
	dropUsers      = ddl.Intent{Kind: ddl.DropTable, Table: "users", SQL: "DROP TABLE users"}
	dropPosts      = ddl.Intent{Kind: ddl.DropTable, Table: "posts", References: []string{"users"}, SQL: "DROP TABLE posts"}
	dropLike       = ddl.Intent{Kind: ddl.DropTable, Table: "like", References: []string{"users", "posts"}, SQL: "DROP TABLE like"}
	dropIndexPosts = ddl.Intent{Kind: ddl.DropIndex, Table: "posts", SQL: "DROP INDEX posts_user"}
	dropFkPosts    = ddl.Intent{Kind: ddl.DropForeignKey, Table: "posts", References: []string{"users"}, SQL: "ALTER TABLE posts DROP FK"}
	rawStatement   = ddl.Intent{Kind: ddl.Statement, SQL: "UPDATE settings SET v = 1"}
	postsStatement = ddl.Intent{Kind: ddl.Statement, Table: "posts", SQL: "INSERT INTO posts"}
)

var sequenceTestTable = []struct { // nolint:gochecknoglobals
	name        string
	intents     []ddl.Intent
	expected    []ddl.Intent
	expectError bool
}{
	// -- success cases: ---
	/* s0 */ {
		name:     "test s0: should accept an empty batch",
		intents:  nil,
		expected: []ddl.Intent{},
	},
	/* s1 */ {
		name:     "test s1: should keep an already valid order",
		intents:  []ddl.Intent{createUsers, createPosts, createLike},
		expected: []ddl.Intent{createUsers, createPosts, createLike},
	},
	/* s2 */ {
		name:     "test s2: should create referenced tables first",
		intents:  []ddl.Intent{createLike, createPosts, createUsers},
		expected: []ddl.Intent{createUsers, createPosts, createLike},
	},
	/* s3 */ {
		name:     "test s3: should keep unrelated intents in authoring order",
		intents:  []ddl.Intent{createActivity, createPosts, rawStatement, createUsers},
		expected: []ddl.Intent{createActivity, rawStatement, createUsers, createPosts},
	},
	/* s4 */ {
		name:     "test s4: should place indexes, foreign keys and statements after their table",
		intents:  []ddl.Intent{indexPosts, fkPostsUsers, postsStatement, createPosts, createUsers},
		expected: []ddl.Intent{createUsers, createPosts, indexPosts, fkPostsUsers, postsStatement},
	},
	/* s5 */ {
		name:     "test s5: should drop referencing tables first",
		intents:  []ddl.Intent{dropUsers, dropPosts, dropLike},
		expected: []ddl.Intent{dropLike, dropPosts, dropUsers},
	},
	/* s6 */ {
		name:     "test s6: should detach indexes and foreign keys before dropping",
		intents:  []ddl.Intent{dropUsers, dropPosts, dropIndexPosts, dropFkPosts},
		expected: []ddl.Intent{dropIndexPosts, dropFkPosts, dropPosts, dropUsers},
	},
	/* s7 */ {
		name: "test s7: should allow self references",
		intents: []ddl.Intent{
			{Kind: ddl.CreateTable, Table: "tree", References: []string{"tree"}, SQL: "CREATE TABLE tree"},
		},
		expected: []ddl.Intent{
			{Kind: ddl.CreateTable, Table: "tree", References: []string{"tree"}, SQL: "CREATE TABLE tree"},
		},
	},

	// -- error cases: -----
	/* e0 */ {
		name: "test e0: should reject circular references",
		intents: []ddl.Intent{
			{Kind: ddl.CreateTable, Table: "a", References: []string{"b"}},
			{Kind: ddl.CreateTable, Table: "b", References: []string{"a"}},
		},
		expectError: true,
	},
}

func TestSequence(t *testing.T) {
	t.Parallel()

	for _, test := range sequenceTestTable {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			actual, err := ddl.Sequence(test.intents)

			if test.expectError {
				assert.ErrorIs(t, err, migration.ErrDependencyCycle)
				var regErr *migration.RegistryError
				assert.True(t, errors.As(err, &regErr))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.expected, actual)
		})
	}
}

// -- testing double for executor ----------

type recordingExecutor struct {
	statements []string
	failOn     string
}

func (e *recordingExecutor) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	if query == e.failOn {
		return nil, errors.New("rejected")
	}
	e.statements = append(e.statements, query)
	return nil, nil
}

func (e *recordingExecutor) Dialect() dialect.Dialect {
	return dialect.SQLite
}

func TestBatchExec(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	batch := ddl.Batch{createLike, createPosts, createUsers}

	require.NoError(t, batch.Exec(context.Background(), exec))
	assert.Equal(t, []string{"CREATE TABLE users", "CREATE TABLE posts", "CREATE TABLE like"}, exec.statements)
}

func TestBatchExecStopsOnFailure(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{failOn: "CREATE TABLE posts"}
	batch := ddl.Batch{createLike, createPosts, createUsers}

	err := batch.Exec(context.Background(), exec)

	var stmtErr *migration.StatementError
	require.True(t, errors.As(err, &stmtErr))
	assert.Equal(t, "CREATE TABLE posts", stmtErr.Statement)
	assert.Equal(t, []string{"CREATE TABLE users"}, exec.statements)
}
