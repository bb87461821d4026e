package batch

import (
	"context"
	stdsql "database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/compiler"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/dialect/sql"
	"github.com/syssam/quarry/expr"
	"github.com/syssam/quarry/query"
	"github.com/syssam/quarry/schema"
)

type User struct {
	ID        int    `db:"id,pk"`
	Name      string `db:"name"`
	Age       int    `db:"age"`
	IsEnabled bool   `db:"is_enabled"`
	Posts     []Post `nav:"fk=AuthorID"`
}

type Post struct {
	ID       int    `db:"id,pk"`
	AuthorID int    `db:"author_id"`
	Title    string `db:"title"`
}

var registry = schema.MustRegistry(schema.Entities(User{}, Post{}))

func newConfig(t *testing.T, p dialect.Provider, opts ...config.Option) *config.Config {
	t.Helper()
	cfg, err := config.New(p, registry, opts...)
	require.NoError(t, err)
	return cfg
}

func newMock(t *testing.T, name string) (*sql.Driver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sql.OpenDB(name, db), mock
}

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "age", "is_enabled"}).AddRow(int64(1), "ada", int64(36), true)
}

func TestSQL(t *testing.T) {
	ms := newConfig(t, dialect.SQLServerProvider{})
	b := New(ms, nil)
	List[User](b, query.New(ms, nil).From(User{}).Where(expr.Gt(expr.C("Age"), 18)))
	Value[int](b, query.New(ms, nil).From(User{}).Where(expr.Eq(expr.C("Name"), "x")).Select(expr.Count()))
	require.NoError(t, b.Err())
	assert.Equal(t, 2, b.Len())

	text, args := b.SQL()
	assert.Equal(t, "SELECT [id], [name], [age], [is_enabled] FROM [users] WHERE [age]>@m0_p0; SELECT COUNT(*) FROM [users] WHERE [name]=@m1_p0", text)
	assert.Equal(t, []any{stdsql.Named("m0_p0", 18), stdsql.Named("m1_p0", "x")}, args)

	pg := newConfig(t, dialect.PostgresProvider{})
	b = New(pg, nil)
	List[User](b, query.New(pg, nil).From(User{}).Where(expr.Gt(expr.C("Age"), 18)))
	Value[int](b, query.New(pg, nil).From(User{}).Where(expr.Eq(expr.C("Name"), "x")).Select(expr.Count()))
	text, args = b.SQL()
	assert.Equal(t, `SELECT "id", "name", "age", "is_enabled" FROM "users" WHERE "age">$1; SELECT COUNT(*) FROM "users" WHERE "name"=$2`, text)
	assert.Equal(t, []any{18, "x"}, args)
}

func TestExecuteMultiResultSets(t *testing.T) {
	cfg := newConfig(t, dialect.MySQLProvider{})
	drv, mock := newMock(t, dialect.MySQL)
	b := New(cfg, drv)
	users := List[User](b, query.New(cfg, nil).From(User{}).Where(expr.Gt(expr.C("Age"), 18)))
	total := Value[int](b, query.New(cfg, nil).From(User{}).Where(expr.Eq(expr.C("Name"), "x")).Select(expr.Count()))

	_, err := users.Get()
	assert.ErrorIs(t, err, ErrNotExecuted)

	mock.ExpectQuery("SELECT `id`, `name`, `age`, `is_enabled` FROM `users` WHERE `age`>?; SELECT COUNT(*) FROM `users` WHERE `name`=?").
		WithArgs(18, "x").
		WillReturnRows(userRows(), sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(int64(2)))
	require.NoError(t, b.Execute(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	list, err := users.Get()
	require.NoError(t, err)
	assert.Equal(t, []User{{ID: 1, Name: "ada", Age: 36, IsEnabled: true}}, list)
	n, err := total.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.ErrorIs(t, b.Execute(context.Background()), ErrExecuted)
	List[User](b, query.New(cfg, nil).From(User{}))
	assert.ErrorIs(t, b.Err(), ErrExecuted)
}

func TestExecuteResultMismatch(t *testing.T) {
	cfg := newConfig(t, dialect.MySQLProvider{})
	drv, mock := newMock(t, dialect.MySQL)
	b := New(cfg, drv)
	users := List[User](b, query.New(cfg, nil).From(User{}))
	names := List[string](b, query.New(cfg, nil).From(User{}).Select(expr.C("Name")))

	mock.ExpectQuery("SELECT `id`, `name`, `age`, `is_enabled` FROM `users`; SELECT `name` FROM `users`").
		WillReturnRows(userRows())
	err := b.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, quarry.IsBatchResultMismatch(err))
	var mismatch *quarry.BatchResultMismatchError
	require.ErrorAs(t, err, &mismatch)

	_, err = users.Get()
	assert.ErrorIs(t, err, ErrNotExecuted, "no handle is published after a failure")
	_, err = names.Get()
	assert.ErrorIs(t, err, ErrNotExecuted)
}

func TestExecuteSingleMiss(t *testing.T) {
	cfg := newConfig(t, dialect.MySQLProvider{})
	drv, mock := newMock(t, dialect.MySQL)
	b := New(cfg, drv)
	missing := Single[User](b, query.New(cfg, nil).From(User{}).Where(expr.Eq(expr.C("ID"), 7)))
	found := Single[User](b, query.New(cfg, nil).From(User{}).Where(expr.Eq(expr.C("ID"), 1)))

	mock.ExpectQuery("SELECT `id`, `name`, `age`, `is_enabled` FROM `users` WHERE `id`=? LIMIT 1; SELECT `id`, `name`, `age`, `is_enabled` FROM `users` WHERE `id`=? LIMIT 1").
		WithArgs(7, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "age", "is_enabled"}), userRows())
	require.NoError(t, b.Execute(context.Background()))

	_, err := missing.Get()
	assert.ErrorIs(t, err, quarry.ErrNotFound)
	u, err := found.Get()
	require.NoError(t, err)
	assert.Equal(t, "ada", u.Name)
}

func TestExecuteSequential(t *testing.T) {
	cfg := newConfig(t, dialect.PostgresProvider{})
	drv, mock := newMock(t, dialect.Postgres)
	b := New(cfg, drv)
	users := List[User](b, query.New(cfg, nil).From(User{}).Where(expr.Gt(expr.C("Age"), 18)))
	total := Value[int](b, query.New(cfg, nil).From(User{}).Select(expr.Count()))

	mock.ExpectQuery(`SELECT "id", "name", "age", "is_enabled" FROM "users" WHERE "age">$1`).WithArgs(18).WillReturnRows(userRows())
	mock.ExpectQuery(`SELECT COUNT(*) FROM "users"`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	require.NoError(t, b.Execute(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	list, err := users.Get()
	require.NoError(t, err)
	assert.Len(t, list, 1)
	n, err := total.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecuteErrors(t *testing.T) {
	cfg := newConfig(t, dialect.PostgresProvider{})

	t.Run("build error", func(t *testing.T) {
		b := New(cfg, nil)
		r := List[User](b, query.New(cfg, nil).From(User{}).Take(0))
		assert.ErrorIs(t, b.Err(), quarry.ErrInvalidPaging)
		assert.ErrorIs(t, b.Execute(context.Background()), quarry.ErrInvalidPaging)
		_, err := r.Get()
		assert.ErrorIs(t, err, ErrNotExecuted)
	})

	t.Run("empty", func(t *testing.T) {
		assert.NoError(t, New(cfg, nil).Execute(context.Background()))
	})

	t.Run("canceled", func(t *testing.T) {
		drv, mock := newMock(t, dialect.Postgres)
		b := New(cfg, drv)
		r := List[User](b, query.New(cfg, nil).From(User{}))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, b.Execute(ctx), context.Canceled)
		_, err := r.Get()
		assert.ErrorIs(t, err, ErrNotExecuted)
		assert.NoError(t, mock.ExpectationsWereMet(), "nothing is sent")
	})

	t.Run("driver error", func(t *testing.T) {
		drv, mock := newMock(t, dialect.Postgres)
		b := New(cfg, drv)
		List[User](b, query.New(cfg, nil).From(User{}))
		mock.ExpectQuery(`SELECT "id", "name", "age", "is_enabled" FROM "users"`).WillReturnError(errors.New("broken pipe"))
		err := b.Execute(context.Background())
		assert.ErrorContains(t, err, "quarry: batch statement 0")
		assert.ErrorContains(t, err, "broken pipe")
	})
}

func TestSQLiteBatch(t *testing.T) {
	db, err := stdsql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, age INTEGER, is_enabled INTEGER)",
		"CREATE TABLE posts (id INTEGER PRIMARY KEY, author_id INTEGER, title TEXT)",
		"INSERT INTO users VALUES (1, 'ada', 36, 1), (2, 'bob', 17, 1), (3, 'cy', 52, 0)",
		"INSERT INTO posts VALUES (1, 1, 'a1'), (2, 1, 'a2'), (3, 2, 'b1')",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	cfg := newConfig(t, dialect.SQLiteProvider{})
	b := New(cfg, sql.OpenDB(dialect.SQLite, db))

	withPosts := List[User](b, query.New(cfg, nil).From(User{}).Include("Posts").OrderBy(expr.C("ID")))
	page := Page[User](b, query.New(cfg, nil).From(User{}).OrderBy(expr.C("ID")), 1, 2)
	byName := Map(b, query.New(cfg, nil).From(User{}), func(u User) string { return u.Name })
	rows := Dynamic(b, query.New(cfg, nil).From(Post{}).Where(expr.Eq(expr.C("ID"), 3)).Select(expr.Obj(expr.As("Title", expr.C("Title")))))
	oldest := Value[int](b, query.New(cfg, nil).From(User{}).Select(expr.Fn("Max", expr.C("Age"))))
	var raw []Post
	c, err := query.New(cfg, nil).From(Post{}).Where(expr.Eq(expr.C("AuthorID"), 1)).Compile()
	require.NoError(t, err)
	b.Add(c, &raw)
	require.Equal(t, 7, b.Len(), "a page adds a count statement")

	require.NoError(t, b.Execute(context.Background()))

	users, err := withPosts.Get()
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Len(t, users[0].Posts, 2)
	assert.Len(t, users[1].Posts, 1)
	assert.Empty(t, users[2].Posts)

	p, err := page.Get()
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total)
	require.Len(t, p.Items, 2)
	assert.Equal(t, "bob", p.Items[1].Name)

	m, err := byName.Get()
	require.NoError(t, err)
	assert.Equal(t, 52, m["cy"].Age)

	dyn, err := rows.Get()
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"Title": "b1"}}, dyn)

	n, err := oldest.Get()
	require.NoError(t, err)
	assert.Equal(t, 52, n)
	assert.Len(t, raw, 2)
}

func deleteByID(p dialect.Provider, id int) *compiler.Statement {
	return compiler.NewStatement(p, compiler.Text("DELETE FROM t WHERE id=").Append(compiler.Bind(&compiler.Param{Name: "id0", Value: id})))
}

func TestCommandChunks(t *testing.T) {
	cfg := newConfig(t, dialect.MySQLProvider{})
	drv, mock := newMock(t, dialect.MySQL)
	p := cfg.Provider()
	cmd := NewCommand(cfg, drv).Chunk(2).AddStatements(deleteByID(p, 1), deleteByID(p, 2), deleteByID(p, 3))
	assert.Equal(t, 3, cmd.Len())

	// A MySQL multi-statement exec counts the last statement only.
	for id := 1; id <= 3; id++ {
		mock.ExpectExec("DELETE FROM t WHERE id=?").WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	n, err := cmd.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "every statement's rows are counted")
	require.NoError(t, mock.ExpectationsWereMet())

	ms := newConfig(t, dialect.SQLServerProvider{})
	p = ms.Provider()
	groups := NewCommand(ms, nil).Chunk(2).AddStatements(deleteByID(p, 1), deleteByID(p, 2), deleteByID(p, 3)).groups()
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 1)
}

func TestCommandGroups(t *testing.T) {
	ms := newConfig(t, dialect.SQLServerProvider{}, config.WithMaxParams(3))
	p := ms.Provider()
	pair := func(a, b int) *compiler.Statement {
		return compiler.NewStatement(p, compiler.Text("DELETE FROM t WHERE id IN (").Append(
			compiler.Bind(&compiler.Param{Name: "id0", Value: a}),
			compiler.Text(", "),
			compiler.Bind(&compiler.Param{Name: "id1", Value: b}),
			compiler.Text(")"),
		))
	}
	cmd := NewCommand(ms, nil).AddStatements(deleteByID(p, 1), pair(2, 3), pair(4, 5), deleteByID(p, 6))
	groups := cmd.groups()
	require.Len(t, groups, 2, "groups stay under the parameter ceiling")
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 2)

	text, args := render(ms, groups[0])
	assert.Equal(t, "DELETE FROM t WHERE id=@m0_id0; DELETE FROM t WHERE id IN (@m1_id0, @m1_id1)", text)
	assert.Equal(t, []any{stdsql.Named("m0_id0", 1), stdsql.Named("m1_id0", 2), stdsql.Named("m1_id1", 3)}, args)

	pg := newConfig(t, dialect.PostgresProvider{})
	cmd = NewCommand(pg, nil).AddStatements(deleteByID(pg.Provider(), 1), deleteByID(pg.Provider(), 2))
	assert.Len(t, cmd.groups(), 2, "one statement per round trip without multi-statement support")
}

func TestCommandCanceled(t *testing.T) {
	cfg := newConfig(t, dialect.PostgresProvider{})
	drv, mock := newMock(t, dialect.Postgres)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := NewCommand(cfg, drv).AddStatements(deleteByID(cfg.Provider(), 1)).Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
