package query

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	qsql "github.com/syssam/quarry/dialect/sql"
	"github.com/syssam/quarry/expr"
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
	Author   *User  `nav:"fk=AuthorID"`
}

type Category struct {
	ID       int    `db:"id,pk"`
	ParentID *int   `db:"parent_id"`
	Name     string `db:"name"`
}

type Order struct {
	ID    int     `db:"id,pk"`
	Total float64 `db:"total"`
}

var registry = schema.MustRegistry(schema.Entities(User{}, Post{}, Category{}, Order{}))

func newConfig(t *testing.T, p dialect.Provider, opts ...config.Option) *config.Config {
	t.Helper()
	cfg, err := config.New(p, registry, opts...)
	require.NoError(t, err)
	return cfg
}

func compileSQL(t *testing.T, q *Query) *Compiled {
	t.Helper()
	c, err := q.Compile()
	require.NoError(t, err)
	return c
}

func TestCompileWhere(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	c := compileSQL(t, New(cfg, nil).From(User{}).Where(expr.And(expr.Gt(expr.C("Age"), 18), expr.C("IsEnabled"))))
	assert.Equal(t, `SELECT "id", "name", "age", "is_enabled" FROM "users" WHERE "age">@p0 AND "is_enabled"=@p1`, c.SQL())
	assert.Equal(t, []any{sql.Named("p0", 18), sql.Named("p1", true)}, c.Args())
	assert.Equal(t, "users", c.Shape.Entity.Table)
	assert.Len(t, c.Shape.Columns(), 4)

	pg := newConfig(t, dialect.PostgresProvider{})
	c = compileSQL(t, New(pg, nil).From(User{}).Where(expr.Gt(expr.C("Age"), 18), expr.C("IsEnabled")))
	assert.Equal(t, `SELECT "id", "name", "age", "is_enabled" FROM "users" WHERE "age">$1 AND "is_enabled"=$2`, c.SQL())
	assert.Equal(t, []any{18, true}, c.Args())
}

func TestCompileDeterministic(t *testing.T) {
	cfg := newConfig(t, dialect.MySQLProvider{})
	build := func() string {
		q := New(cfg, nil).From(Post{}).Include("Author").
			Where(expr.In(expr.C("Author.Age"), 1, 2, 3)).
			OrderByDesc(expr.C("ID"))
		return compileSQL(t, q).SQL()
	}
	first := build()
	for range 5 {
		assert.Equal(t, first, build())
	}
}

func TestCompileJoin(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	q := New(cfg, nil).From(Post{}).
		InnerJoin(User{}, expr.Eq(expr.T(0, "AuthorID"), expr.T(1, "ID"))).
		Where(expr.Gt(expr.T(1, "Age"), 30)).
		Select(expr.Obj(expr.As("Title", expr.C("Title")), expr.As("Author", expr.T(1, "Name"))))
	c := compileSQL(t, q)
	assert.Equal(t, `SELECT a."title", b."name" AS "Author" FROM "posts" a INNER JOIN "users" b ON a."author_id"=b."id" WHERE b."age">@p0`, c.SQL())
	assert.Nil(t, c.Shape.Entity, "projections do not materialize entities")
}

func TestCompileNavigation(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	c := compileSQL(t, New(cfg, nil).From(Post{}).Where(expr.Eq(expr.C("Author.Name"), "ada")))
	assert.Equal(t, `SELECT a."id", a."author_id", a."title" FROM "posts" a LEFT JOIN "users" b ON a."author_id"=b."id" WHERE b."name"=@p0`, c.SQL())

	c = compileSQL(t, New(cfg, nil).From(Post{}).Include("Author"))
	assert.Equal(t, `SELECT a."id", a."author_id", a."title", b."id", b."name", b."age", b."is_enabled" FROM "posts" a LEFT JOIN "users" b ON a."author_id"=b."id"`, c.SQL())
	require.Len(t, c.Shape.Fields, 4)
	assert.Equal(t, "Author", c.Shape.Fields[3].Name)
	assert.Len(t, c.Shape.Fields[3].Nested, 4)

	c = compileSQL(t, New(cfg, nil).From(User{}).Include("Posts"))
	assert.Equal(t, `SELECT a."id", a."name", a."age", a."is_enabled" FROM "users" a`, c.SQL(), "collections are loaded by a second statement")
	assert.Len(t, c.collections, 1)
}

func TestCompilePaging(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	c := compileSQL(t, New(cfg, nil).From(User{}).OrderBy(expr.C("Name")).Page(2, 10))
	assert.Equal(t, `SELECT "id", "name", "age", "is_enabled" FROM "users" ORDER BY "name" LIMIT 10 OFFSET 10`, c.SQL())

	ms := newConfig(t, dialect.SQLServerProvider{})
	c = compileSQL(t, New(ms, nil).From(User{}).Skip(5).Take(10))
	assert.Equal(t, `SELECT [id], [name], [age], [is_enabled] FROM [users] ORDER BY (SELECT NULL) OFFSET 5 ROWS FETCH NEXT 10 ROWS ONLY`, c.SQL())

	for name, q := range map[string]*Query{
		"take":        New(cfg, nil).From(User{}).Take(0),
		"skip":        New(cfg, nil).From(User{}).Skip(-1),
		"page number": New(cfg, nil).From(User{}).Page(0, 10),
		"page size":   New(cfg, nil).From(User{}).Page(1, -2),
	} {
		_, err := q.Compile()
		assert.ErrorIs(t, err, quarry.ErrInvalidPaging, name)
	}
}

func TestCompileGroupBy(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	q := New(cfg, nil).From(Post{}).
		GroupBy(expr.C("AuthorID")).
		Having(expr.Gt(expr.Count(), 1)).
		Select(expr.Obj(expr.As("AuthorID", expr.C("AuthorID")), expr.As("Posts", expr.Count())))
	c := compileSQL(t, q)
	assert.Equal(t, `SELECT "author_id", COUNT(*) AS "Posts" FROM "posts" GROUP BY "author_id" HAVING COUNT(*)>@p0`, c.SQL())
}

func TestCompileUnion(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	q := New(cfg, nil).From(User{}).Where(expr.Gt(expr.C("Age"), 60)).Select(expr.C("Name")).
		Union(New(cfg, nil).From(Post{}).Select(expr.C("Title")))
	c := compileSQL(t, q)
	assert.Equal(t, `SELECT "name" FROM (SELECT "name" FROM "users" WHERE "age">@p0 UNION SELECT "title" FROM "posts") a`, c.SQL())

	_, err := New(cfg, nil).From(User{}).Select(expr.C("Name")).
		UnionAll(New(cfg, nil).From(User{}).Select(expr.C("Age"))).Compile()
	assert.True(t, quarry.IsJoinShapeMismatch(err), "string and number columns differ")

	_, err = New(cfg, nil).From(User{}).Select(expr.Obj(expr.As("A", expr.C("Name")), expr.As("B", expr.C("Age")))).
		Union(New(cfg, nil).From(User{}).Select(expr.C("Name"))).Compile()
	assert.True(t, quarry.IsJoinShapeMismatch(err))
	var shape *quarry.JoinShapeMismatchError
	assert.ErrorAs(t, err, &shape)
}

func TestCompileCte(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	adults := New(cfg, nil).From(User{}).Where(expr.Ge(expr.C("Age"), 18))
	c := compileSQL(t, New(cfg, nil).With("adults", adults).FromCte("adults").Where(expr.C("IsEnabled")))
	assert.Equal(t, `WITH "adults" AS (SELECT "id", "name", "age", "is_enabled" FROM "users" WHERE "age">=@p0) `+
		`SELECT "id", "name", "age", "is_enabled" FROM "adults" WHERE "is_enabled"=@p1`, c.SQL())
	assert.Equal(t, "users", c.Shape.Entity.Table, "the CTE keeps the entity of its body")

	anchor := New(cfg, nil).From(Category{}).Where(expr.IsNull(expr.C("ParentID")))
	step := New(cfg, nil).From(Category{}).InnerJoin(Cte("tree"), expr.Eq(expr.T(0, "ParentID"), expr.T(1, "ID")))
	c = compileSQL(t, Recursive("tree", anchor, step))
	assert.Equal(t, `WITH RECURSIVE "tree" AS (SELECT "id", "parent_id", "name" FROM "categories" WHERE "parent_id" IS NULL `+
		`UNION ALL SELECT b."id", b."parent_id", b."name" FROM "categories" b INNER JOIN "tree" c ON b."parent_id"=c."id") `+
		`SELECT "id", "parent_id", "name" FROM "tree"`, c.SQL())

	_, err := New(cfg, nil).With("x", adults).With("x", adults).FromCte("x").Compile()
	assert.True(t, quarry.IsAmbiguousAlias(err))
}

func TestCompileSharding(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	c := compileSQL(t, New(cfg, nil).From(Order{}).UseTable("orders_2024", "orders_2025").Where(expr.Gt(expr.C("Total"), 10)))
	assert.Equal(t, `SELECT "id", "total" FROM (SELECT * FROM "orders_2024" UNION ALL SELECT * FROM "orders_2025") a WHERE "total">@p0`, c.SQL())

	c = compileSQL(t, New(cfg, nil).From(Order{}).UseTable("orders_2024"))
	assert.Equal(t, `SELECT "id", "total" FROM "orders_2024"`, c.SQL())
}

func TestCountQuery(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	q := New(cfg, nil).From(User{}).Where(expr.C("IsEnabled")).OrderBy(expr.C("Name")).Take(5)
	c := compileSQL(t, q.CountQuery())
	assert.Equal(t, `SELECT COUNT(*) FROM "users" WHERE "is_enabled"=@p0`, c.SQL())

	c = compileSQL(t, New(cfg, nil).From(User{}).Select(expr.C("Name")).Distinct().CountQuery())
	assert.Equal(t, `SELECT COUNT(*) FROM (SELECT DISTINCT "name" FROM "users") a`, c.SQL())
}

func TestClone(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	base := New(cfg, nil).From(User{}).Where(expr.C("IsEnabled"))
	narrowed := base.Clone().Where(expr.Gt(expr.C("Age"), 30))
	assert.Equal(t, `SELECT "id", "name", "age", "is_enabled" FROM "users" WHERE "is_enabled"=@p0`, compileSQL(t, base).SQL())
	assert.Equal(t, `SELECT "id", "name", "age", "is_enabled" FROM "users" WHERE "is_enabled"=@p0 AND "age">@p1`, compileSQL(t, narrowed).SQL())
}

func TestCompileErrors(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	small := newConfig(t, dialect.SQLiteProvider{}, config.WithMaxTables(2))
	mysql := newConfig(t, dialect.MySQLProvider{})
	on := expr.Eq(expr.T(0, "ID"), expr.T(1, "AuthorID"))
	tests := []struct {
		name  string
		q     *Query
		check func(error) bool
	}{
		{"no table", New(cfg, nil), quarry.IsCompilationError},
		{"from twice", New(cfg, nil).From(User{}).From(Post{}), quarry.IsCompilationError},
		{"unmapped", New(cfg, nil).From(struct{ X int }{}), quarry.IsUnmappedEntity},
		{"unknown include", New(cfg, nil).From(User{}).Include("Friends"), quarry.IsCompilationError},
		{"filtered single include", New(cfg, nil).From(Post{}).Include("Author", expr.C("IsEnabled")), quarry.IsUnsupportedExpression},
		{"collection member", New(cfg, nil).From(User{}).Where(expr.Eq(expr.C("Posts.Title"), "x")), quarry.IsUnsupportedExpression},
		{"unknown member", New(cfg, nil).From(User{}).Where(expr.Eq(expr.C("Nick"), "x")), quarry.IsCompilationError},
		{"undefined cte", New(cfg, nil).FromCte("missing"), quarry.IsCompilationError},
		{"having without group", New(cfg, nil).From(User{}).Having(expr.C("IsEnabled")), quarry.IsCompilationError},
		{"then include first", New(cfg, nil).From(User{}).ThenInclude("Posts"), quarry.IsCompilationError},
		{"join without on", New(cfg, nil).From(User{}).InnerJoin(Post{}, nil), quarry.IsCompilationError},
		{"too many tables", New(small, nil).From(User{}).InnerJoin(Post{}, on).InnerJoin(Post{}, on), quarry.IsUnsupportedExpression},
		{"navigation past limit", New(small, nil).From(Post{}).InnerJoin(Post{}, expr.Eq(expr.T(0, "ID"), expr.T(1, "ID"))).Where(expr.C("Author.IsEnabled")), quarry.IsUnsupportedExpression},
		{"full join", New(mysql, nil).From(User{}).FullJoin(Post{}, on), quarry.IsUnsupportedExpression},
		{"use table on cte", New(cfg, nil).FromCte("x").UseTable("t"), quarry.IsCompilationError},
		{"flatten non struct", New(cfg, nil).From(User{}).SelectFlattenTo(1), quarry.IsCompilationError},
		{"flatten unmatched", New(cfg, nil).From(User{}).SelectFlattenTo(struct{ Nick string }{}), quarry.IsCompilationError},
		{"include with projection", New(cfg, nil).From(User{}).Include("Posts").Select(expr.C("Name")), quarry.IsUnsupportedExpression},
		{"include with flatten", New(cfg, nil).From(User{}).Include("Posts").SelectFlattenTo(struct{ Name string }{}), quarry.IsUnsupportedExpression},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.q.Compile()
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}
}

func TestLoadIncludesDestination(t *testing.T) {
	cfg := newConfig(t, dialect.SQLiteProvider{})
	c := compileSQL(t, New(cfg, nil).From(User{}).Include("Posts"))
	err := c.LoadIncludes(context.Background(), nil, &[]Post{{ID: 1}})
	assert.ErrorContains(t, err, "dest holds")
	assert.NoError(t, c.LoadIncludes(context.Background(), nil, &[]User{}), "no owners, no statement")
}

func TestSelectFlattenTo(t *testing.T) {
	type postView struct {
		Title      string
		AuthorName string
		Missing    *string
	}
	cfg := newConfig(t, dialect.SQLiteProvider{})
	c := compileSQL(t, New(cfg, nil).From(Post{}).SelectFlattenTo(postView{}))
	assert.Equal(t, `SELECT a."title", b."name" AS "AuthorName" FROM "posts" a LEFT JOIN "users" b ON a."author_id"=b."id"`, c.SQL())

	type joinView struct {
		Title    string
		UserName string
		Age      int
	}
	c = compileSQL(t, New(cfg, nil).From(Post{}).
		InnerJoin(User{}, expr.Eq(expr.T(0, "AuthorID"), expr.T(1, "ID"))).
		SelectFlattenTo(joinView{}))
	assert.Equal(t, `SELECT a."title", b."name" AS "UserName", b."age" FROM "posts" a INNER JOIN "users" b ON a."author_id"=b."id"`, c.SQL(), "joined tables fill fields the root leaves unmatched")
}

func seed(t *testing.T) (*qsql.Driver, *sql.DB, *config.Config) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, age INTEGER, is_enabled INTEGER)",
		"CREATE TABLE posts (id INTEGER PRIMARY KEY, author_id INTEGER, title TEXT)",
		"CREATE TABLE categories (id INTEGER PRIMARY KEY, parent_id INTEGER, name TEXT)",
		"CREATE TABLE orders_a (id INTEGER PRIMARY KEY, total REAL)",
		"CREATE TABLE orders_b (id INTEGER PRIMARY KEY, total REAL)",
		"INSERT INTO users VALUES (1, 'ada', 36, 1), (2, 'bob', 17, 1), (3, 'cy', 52, 0)",
		"INSERT INTO posts VALUES (1, 1, 'a1'), (2, 1, 'a2'), (3, 2, 'b1'), (4, 99, 'orphan')",
		"INSERT INTO categories VALUES (1, NULL, 'root'), (2, 1, 'child'), (3, 2, 'leaf'), (4, NULL, 'other')",
		"INSERT INTO orders_a VALUES (1, 5.5), (2, 20)",
		"INSERT INTO orders_b VALUES (3, 30)",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return qsql.OpenDB(dialect.SQLite, db), db, newConfig(t, dialect.SQLiteProvider{})
}

func names(users []User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Name
	}
	return out
}

func TestSQLiteList(t *testing.T) {
	drv, _, cfg := seed(t)
	ctx := context.Background()

	users, err := List[User](ctx, New(cfg, drv).From(User{}).Where(expr.And(expr.Gt(expr.C("Age"), 18), expr.C("IsEnabled"))))
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, User{ID: 1, Name: "ada", Age: 36, IsEnabled: true}, users[0])

	ptrs, err := List[*User](ctx, New(cfg, drv).From(User{}).OrderByDesc(expr.C("Age")).Take(2))
	require.NoError(t, err)
	require.Len(t, ptrs, 2)
	assert.Equal(t, "cy", ptrs[0].Name)
	assert.False(t, ptrs[0].IsEnabled)

	ages, err := List[int](ctx, New(cfg, drv).From(User{}).OrderBy(expr.C("ID")).Select(expr.C("Age")))
	require.NoError(t, err)
	assert.Equal(t, []int{36, 17, 52}, ages)

	byID, err := ToMap(ctx, New(cfg, drv).From(User{}), func(u User) int { return u.ID })
	require.NoError(t, err)
	assert.Equal(t, "bob", byID[2].Name)

	_, err = New(cfg, nil).From(User{}).Count(ctx)
	assert.ErrorIs(t, err, errNoDriver)
}

func TestSQLiteFirstAndCount(t *testing.T) {
	drv, _, cfg := seed(t)
	ctx := context.Background()

	u, err := Single[User](ctx, New(cfg, drv).From(User{}).Where(expr.Eq(expr.C("Name"), "bob")))
	require.NoError(t, err)
	assert.Equal(t, 17, u.Age)

	err = New(cfg, drv).From(User{}).Where(expr.Eq(expr.C("Name"), "nobody")).First(ctx, &u)
	assert.ErrorIs(t, err, quarry.ErrNotFound)

	n, err := New(cfg, drv).From(User{}).Where(expr.C("IsEnabled")).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := New(cfg, drv).From(User{}).Where(expr.Gt(expr.C("Age"), 100)).Exist(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = New(cfg, drv).From(Order{}).UseTable("orders_a", "orders_b").Where(expr.Gt(expr.C("Total"), 10)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "shards are read as one table")
}

func TestSQLitePage(t *testing.T) {
	drv, _, cfg := seed(t)
	page, err := ToPage[User](context.Background(), New(cfg, drv).From(User{}).OrderBy(expr.C("ID")), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Pages())
	assert.Equal(t, []string{"cy"}, names(page.Items))

	_, err = ToPage[User](context.Background(), New(cfg, drv).From(User{}), 0, 2)
	assert.ErrorIs(t, err, quarry.ErrInvalidPaging)
}

func TestSQLiteIncludes(t *testing.T) {
	drv, _, cfg := seed(t)
	ctx := context.Background()

	users, err := List[User](ctx, New(cfg, drv).From(User{}).Include("Posts").OrderBy(expr.C("ID")))
	require.NoError(t, err)
	require.Len(t, users, 3)
	require.Len(t, users[0].Posts, 2)
	assert.Equal(t, "a1", users[0].Posts[0].Title)
	assert.Equal(t, "a2", users[0].Posts[1].Title)
	require.Len(t, users[1].Posts, 1)
	assert.Equal(t, "b1", users[1].Posts[0].Title)
	assert.NotNil(t, users[2].Posts, "owners without children get an empty slice")
	assert.Empty(t, users[2].Posts)

	users, err = List[User](ctx, New(cfg, drv).From(User{}).Include("Posts", expr.Eq(expr.C("Title"), "a2")).OrderBy(expr.C("ID")))
	require.NoError(t, err)
	require.Len(t, users[0].Posts, 1)
	assert.Equal(t, 2, users[0].Posts[0].ID)
	assert.Empty(t, users[1].Posts)

	posts, err := List[Post](ctx, New(cfg, drv).From(Post{}).Include("Author").OrderBy(expr.C("ID")))
	require.NoError(t, err)
	require.Len(t, posts, 4)
	require.NotNil(t, posts[0].Author)
	assert.Equal(t, "ada", posts[0].Author.Name)
	assert.Equal(t, "bob", posts[2].Author.Name)
	assert.Nil(t, posts[3].Author, "unmatched joins leave the navigation nil")

	var post Post
	require.NoError(t, New(cfg, drv).From(Post{}).Include("Author").ThenInclude("Posts").Where(expr.Eq(expr.C("ID"), 3)).First(ctx, &post))
	require.NotNil(t, post.Author)
	require.Len(t, post.Author.Posts, 1)
	assert.Equal(t, "b1", post.Author.Posts[0].Title)

	chunked := newConfig(t, dialect.SQLiteProvider{}, config.WithMaxParams(1))
	users, err = List[User](ctx, New(chunked, drv).From(User{}).Include("Posts").OrderBy(expr.C("ID")))
	require.NoError(t, err)
	assert.Len(t, users[0].Posts, 2, "keys are split into chunks")
	assert.Len(t, users[1].Posts, 1)
}

func TestSQLiteProjections(t *testing.T) {
	drv, _, cfg := seed(t)
	ctx := context.Background()

	rows, err := New(cfg, drv).From(User{}).OrderBy(expr.C("ID")).
		Select(expr.Obj(expr.As("Name", expr.C("Name")), expr.As("Adult", expr.Ge(expr.C("Age"), 18)))).
		ToDynamic(ctx)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"Name": "ada", "Adult": int64(1)},
		{"Name": "bob", "Adult": int64(0)},
		{"Name": "cy", "Adult": int64(1)},
	}, rows)

	type postView struct {
		Title      string
		AuthorName string
	}
	views, err := List[postView](ctx, New(cfg, drv).From(Post{}).OrderBy(expr.C("ID")).SelectFlattenTo(postView{}))
	require.NoError(t, err)
	assert.Equal(t, []postView{{"a1", "ada"}, {"a2", "ada"}, {"b1", "bob"}, {"orphan", ""}}, views)

	type authorStats struct {
		AuthorID int
		Posts    int
	}
	stats, err := List[authorStats](ctx, New(cfg, drv).From(Post{}).
		GroupBy(expr.C("AuthorID")).
		Having(expr.Gt(expr.Count(), 1)).
		Select(expr.Obj(expr.As("AuthorID", expr.C("AuthorID")), expr.As("Posts", expr.Count()))))
	require.NoError(t, err)
	assert.Equal(t, []authorStats{{1, 2}}, stats)

	titles, err := List[string](ctx, New(cfg, drv).From(User{}).Where(expr.Gt(expr.C("Age"), 30)).Select(expr.C("Name")).
		UnionAll(New(cfg, drv).From(Post{}).Where(expr.Eq(expr.C("AuthorID"), 2)).Select(expr.C("Title"))).
		OrderBy(expr.C("Name")))
	require.NoError(t, err)
	assert.Equal(t, []string{"ada", "b1", "cy"}, titles)
}

func TestSQLiteSubquery(t *testing.T) {
	drv, _, cfg := seed(t)
	authors := New(cfg, nil).From(Post{}).Where(expr.Eq(expr.T(0, "AuthorID"), expr.Outer(0, "ID")))
	users, err := List[User](context.Background(), New(cfg, drv).From(User{}).Where(expr.Exist(authors)).OrderBy(expr.C("ID")))
	require.NoError(t, err)
	assert.Equal(t, []string{"ada", "bob"}, names(users))
}

func TestSQLiteRecursive(t *testing.T) {
	drv, _, cfg := seed(t)
	anchor := New(cfg, drv).From(Category{}).Where(expr.Eq(expr.C("ID"), 1))
	step := New(cfg, drv).From(Category{}).InnerJoin(Cte("tree"), expr.Eq(expr.T(0, "ParentID"), expr.T(1, "ID")))
	tree, err := List[Category](context.Background(), Recursive("tree", anchor, step).OrderBy(expr.C("ID")))
	require.NoError(t, err)
	require.Len(t, tree, 3)
	assert.Nil(t, tree[0].ParentID)
	require.NotNil(t, tree[2].ParentID)
	assert.Equal(t, 2, *tree[2].ParentID)
	assert.Equal(t, "leaf", tree[2].Name)
}

func TestSQLiteCached(t *testing.T) {
	drv, db, cfg := seed(t)
	ctx := context.Background()
	cache := quarry.NewMemoryCache()
	cached := func() *Query {
		return New(cfg, drv).From(User{}).OrderBy(expr.C("ID")).Cached(cache, time.Minute)
	}

	users, err := List[User](ctx, cached())
	require.NoError(t, err)
	require.Len(t, users, 3)

	_, err = db.Exec("INSERT INTO users VALUES (4, 'dee', 40, 1)")
	require.NoError(t, err)

	users, err = List[User](ctx, cached())
	require.NoError(t, err)
	assert.Len(t, users, 3, "served from cache")

	require.NoError(t, cache.DeletePrefix(ctx, "users:"))
	users, err = List[User](ctx, cached())
	require.NoError(t, err)
	assert.Len(t, users, 4)
}
