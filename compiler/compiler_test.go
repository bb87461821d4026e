package compiler

import (
	"database/sql"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/expr"
	"github.com/syssam/quarry/schema"
)

type user struct {
	ID        int     `db:"id,pk"`
	Name      string  `db:"name"`
	Age       int     `db:"age"`
	IsEnabled bool    `db:"is_enabled"`
	Email     *string `db:"email"`
	Score     float64 `db:"score"`
}

type account struct {
	ID   int    `db:"id,pk"`
	Kind string `db:"kind"`
}

// columns resolves members of a single unaliased table.
type columns struct {
	scope *Scope
	ent   *schema.EntityMap
}

func (r columns) Column(m expr.Member) (Column, error) {
	if m.Table != 0 || len(m.Path) != 1 {
		return Column{}, quarry.NewCompilationError(expr.Describe(m), "unknown table")
	}
	mm, ok := r.ent.Member(m.Path[0])
	if !ok {
		return Column{}, quarry.NewCompilationError(expr.Describe(m), "no mapped member")
	}
	return Column{Frag: Text(r.scope.Quote(mm.Column)), Member: mm, Type: mm.Type}, nil
}

func (r columns) Entity(int) (*schema.EntityMap, error) { return r.ent, nil }

func newCompiler(t *testing.T, p dialect.Provider, opts ...config.Option) *Compiler {
	t.Helper()
	reg := schema.MustRegistry(
		schema.Entities(user{}),
		schema.Entities(schema.Define(account{}, schema.Discriminate("Kind", "admin"))),
	)
	cfg, err := config.New(p, reg, opts...)
	require.NoError(t, err)
	ent, err := reg.Entity(user{})
	require.NoError(t, err)
	scope := NewScope(cfg)
	return New(scope, columns{scope: scope, ent: ent})
}

func predicate(t *testing.T, c *Compiler, e expr.Expr) (string, []any) {
	t.Helper()
	f, err := c.Predicate(e)
	require.NoError(t, err)
	st := NewStatement(c.Scope().Provider(), f)
	return st.SQL(), st.Args()
}

func TestPredicateByDialect(t *testing.T) {
	where := expr.And(expr.Gt(expr.C("Age"), 18), expr.C("IsEnabled"))
	tests := []struct {
		p    dialect.Provider
		sql  string
		args []any
	}{
		{dialect.SQLiteProvider{}, `"age">@p0 AND "is_enabled"=@p1`, []any{sql.Named("p0", 18), sql.Named("p1", true)}},
		{dialect.SQLServerProvider{}, `[age]>@p0 AND [is_enabled]=@p1`, []any{sql.Named("p0", 18), sql.Named("p1", true)}},
		{dialect.PostgresProvider{}, `"age">$1 AND "is_enabled"=$2`, []any{18, true}},
		{dialect.MySQLProvider{}, "`age`>? AND `is_enabled`=?", []any{18, true}},
	}
	for _, tt := range tests {
		t.Run(tt.p.Name(), func(t *testing.T) {
			q, args := predicate(t, newCompiler(t, tt.p), where)
			assert.Equal(t, tt.sql, q)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestPredicateDeterministic(t *testing.T) {
	where := expr.Or(expr.C("Age").In(1, 2, 3), expr.Contains(expr.C("Name"), "x"))
	first, _ := predicate(t, newCompiler(t, dialect.SQLiteProvider{}), where)
	for range 10 {
		again, _ := predicate(t, newCompiler(t, dialect.SQLiteProvider{}), where)
		assert.Equal(t, first, again)
	}
}

func TestPredicate(t *testing.T) {
	tests := []struct {
		name string
		e    expr.Expr
		sql  string
		args []any
	}{
		{"is null", expr.Eq(expr.C("Email"), nil), `"email" IS NULL`, nil},
		{"null first", expr.Ne(nil, expr.C("Email")), `"email" IS NOT NULL`, nil},
		{"null null", expr.Eq(nil, nil), "1=1", nil},
		{
			"grouping",
			expr.And(expr.Or(expr.Gt(expr.C("Age"), 60), expr.Lt(expr.C("Age"), 18)), expr.C("IsEnabled")),
			`("age">@p0 OR "age"<@p1) AND "is_enabled"=@p2`,
			[]any{sql.Named("p0", 60), sql.Named("p1", 18), sql.Named("p2", true)},
		},
		{
			"bool member first",
			expr.And(expr.C("IsEnabled"), expr.Gt(expr.C("Age"), 18), expr.Not(expr.C("IsEnabled"))),
			`"is_enabled"=@p0 AND "age">@p1 AND "is_enabled"=@p2`,
			[]any{sql.Named("p0", true), sql.Named("p1", 18), sql.Named("p2", false)},
		},
		{"not bool member", expr.Not(expr.C("IsEnabled")), `"is_enabled"=@p0`, []any{sql.Named("p0", false)}},
		{"not predicate", expr.Not(expr.Gt(expr.C("Age"), 1)), `NOT ("age">@p0)`, []any{sql.Named("p0", 1)}},
		{"not constant", expr.Not(true), "1=0", nil},
		{
			"in",
			expr.C("Age").In(1, 2),
			`"age" IN (@p0, @p1)`,
			[]any{sql.Named("p0", 1), sql.Named("p1", 2)},
		},
		{"in slice", expr.In(expr.C("Age"), []int{4}), `"age" IN (@p0)`, []any{sql.Named("p0", 4)}},
		{"in empty", expr.In(expr.C("Age"), []int{}), "1=0", nil},
		{
			"contains escaped",
			expr.Contains(expr.C("Name"), "50%"),
			`"name" LIKE @p0 ESCAPE '!'`,
			[]any{sql.Named("p0", "%50!%%")},
		},
		{"starts with", expr.StartsWith(expr.C("Name"), "ab"), `"name" LIKE @p0`, []any{sql.Named("p0", "ab%")}},
		{"ends with", expr.EndsWith(expr.C("Name"), "ab"), `"name" LIKE @p0`, []any{sql.Named("p0", "%ab")}},
		{"string coerced", expr.Eq(expr.C("Age"), "42"), `"age"=@p0`, []any{sql.Named("p0", 42)}},
		{"float kept", expr.Gt(expr.C("Age"), 18.5), `"age">@p0`, []any{sql.Named("p0", 18.5)}},
		{
			"null or empty",
			expr.IsNullOrEmpty(expr.C("Name")),
			`("name" IS NULL OR "name"='')`,
			nil,
		},
		{
			"raw",
			expr.And(expr.SQL(`"age" % ? = 0`, 2), expr.C("IsEnabled")),
			`"age" % @p0 = 0 AND "is_enabled"=@p1`,
			[]any{sql.Named("p0", 2), sql.Named("p1", true)},
		},
		{
			"typed field",
			expr.Ordered[int]("Age").Between(18, 30),
			`"age">=@p0 AND "age"<=@p1`,
			[]any{sql.Named("p0", 18), sql.Named("p1", 30)},
		},
		{
			"equal fold",
			expr.String("Name").EqualFold("Ada"),
			`LOWER("name")=LOWER(@p0)`,
			[]any{sql.Named("p0", "Ada")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args := predicate(t, newCompiler(t, dialect.SQLiteProvider{}), tt.e)
			assert.Equal(t, tt.sql, q)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestValue(t *testing.T) {
	tests := []struct {
		name string
		e    expr.Expr
		sql  string
		typ  reflect.Type
	}{
		{"add", expr.Add(expr.C("Age"), 1), `("age" + @p0)`, reflect.TypeOf(0)},
		{"promote", expr.Mul(expr.C("Age"), expr.C("Score")), `("age" * "score")`, reflect.TypeOf(0.0)},
		{"concat", expr.Add(expr.C("Name"), "!"), `("name" || @p0)`, reflect.TypeOf("")},
		{
			"format",
			expr.Format("{0} ({1})", expr.C("Name"), expr.C("Age")),
			`("name" || @p0 || "age" || @p1)`,
			reflect.TypeOf(""),
		},
		{
			"case",
			expr.If(expr.Gt(expr.C("Age"), 17), "adult", "minor"),
			`CASE WHEN "age">@p0 THEN @p1 ELSE @p2 END`,
			reflect.TypeOf(""),
		},
		{"cast", expr.Convert(expr.C("Age"), reflect.TypeOf("")), `CAST("age" AS TEXT)`, reflect.TypeOf("")},
		{"function", expr.Fn("Length", expr.C("Name")), `LENGTH("name")`, reflect.TypeOf(int64(0))},
		{"count", expr.Count(), "COUNT(*)", reflect.TypeOf(int64(0))},
		{"predicate value", expr.Gt(expr.C("Age"), 1), `CASE WHEN "age">@p0 THEN 1 ELSE 0 END`, reflect.TypeOf(false)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, typ, err := newCompiler(t, dialect.SQLiteProvider{}).Value(tt.e)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, f.String())
			assert.Equal(t, tt.typ, typ)
		})
	}
}

func TestInlineLiterals(t *testing.T) {
	c := newCompiler(t, dialect.SQLiteProvider{}, config.WithParameterized(false))
	q, args := predicate(t, c, expr.And(expr.Eq(expr.C("Name"), "o'k"), expr.C("IsEnabled")))
	assert.Equal(t, `"name"='o''k' AND "is_enabled"=1`, q)
	assert.Empty(t, args)

	q, args = predicate(t, c, expr.Eq(expr.C("Age"), expr.P(5)))
	assert.Equal(t, `"age"=@p0`, q, "explicit parameters stay bound")
	assert.Equal(t, []any{sql.Named("p0", 5)}, args)
}

func TestTypeIs(t *testing.T) {
	c := newCompiler(t, dialect.SQLiteProvider{})
	q, _ := predicate(t, c, expr.Is(expr.Entity(0), user{}))
	assert.Equal(t, "1=1", q)

	_, err := c.Predicate(expr.Is(expr.C("Name"), user{}))
	assert.True(t, quarry.IsUnsupportedExpression(err))
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		e     expr.Expr
		check func(error) bool
	}{
		{"not boolean", expr.C("Age"), quarry.IsUnsupportedExpression},
		{"null order", expr.Gt(expr.C("Email"), nil), quarry.IsUnsupportedExpression},
		{"unknown member", expr.Eq(expr.C("Nope"), 1), quarry.IsCompilationError},
		{"bad number", expr.Eq(expr.C("Age"), "x"), quarry.IsCompilationError},
		{"bad bool", expr.Eq(expr.C("IsEnabled"), "maybe"), quarry.IsCompilationError},
		{"no translation", expr.Eq(expr.Fn("Levenshtein", expr.C("Name"), "x"), 1), quarry.IsCompilationError},
		{"arity", expr.Eq(expr.Fn("Length", expr.C("Name"), "x"), 1), quarry.IsCompilationError},
		{"raw placeholders", expr.SQL("? = ?", 1), quarry.IsCompilationError},
		{"raw arguments", expr.SQL("1 = 1", 1), quarry.IsCompilationError},
		{"object", expr.Eq(expr.Obj(expr.As("A", 1)), 1), quarry.IsUnsupportedExpression},
		{"outer", expr.Eq(expr.Outer(0, "Age"), 1), quarry.IsCompilationError},
		{"arith", expr.Gt(expr.Sub(expr.C("IsEnabled"), 1), 0), quarry.IsUnsupportedExpression},
		{"subquery", expr.Exist(42), quarry.IsUnsupportedExpression},
		{"format", expr.Eq(expr.Format("{3}", expr.C("Name")), "x"), quarry.IsCompilationError},
		{"nil", nil, quarry.IsUnsupportedExpression},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newCompiler(t, dialect.SQLiteProvider{}).Predicate(tt.e)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
			assert.True(t, quarry.IsBuildError(err))
		})
	}
}

func TestProjection(t *testing.T) {
	c := newCompiler(t, dialect.SQLiteProvider{})
	out, err := c.Projection(expr.Obj(
		expr.As("Name", expr.C("Name")),
		expr.As("Next", expr.Add(expr.C("Age"), 1)),
		expr.As("Inner", expr.Obj(expr.As("Score", expr.C("Score")))),
	))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, `"name"`, out[0].Frag.String())
	assert.Equal(t, "Name", out[0].Member.Name)
	assert.Equal(t, `("age" + @p0)`, out[1].Frag.String())
	require.Len(t, out[2].Nested, 1)
	assert.Equal(t, "Score", out[2].Nested[0].Name)

	out, err = c.Projection(expr.Entity(0))
	require.NoError(t, err)
	assert.True(t, out[0].Entity)

	_, err = c.Projection(expr.Obj(expr.As("A", expr.C("Age")), expr.As("A", expr.C("Name"))))
	assert.ErrorContains(t, err, "duplicate member A")
	_, err = c.Projection(expr.Obj())
	assert.True(t, quarry.IsUnsupportedExpression(err))
}

func TestAssignAndBind(t *testing.T) {
	c := newCompiler(t, dialect.PostgresProvider{})
	ent, err := c.Scope().Config.Registry().Entity(user{})
	require.NoError(t, err)
	age, _ := ent.Member("Age")

	f, err := c.Assign(age, expr.Add(expr.C("Age"), 1))
	require.NoError(t, err)
	assert.Equal(t, `("age" + @p0)`, f.String())

	f, err = c.Bind(age, int64(7))
	require.NoError(t, err)
	assert.Equal(t, "@age0", f.String())
	st := NewStatement(dialect.PostgresProvider{}, f)
	assert.Equal(t, []any{7}, st.Args())

	v, err := Storage(age, "9")
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestRender(t *testing.T) {
	names := NewNames()
	p0, p1 := names.New("p", 18), names.New("p", true)
	var w Writer
	w.WriteString("a>").Arg(p0).WriteString(" AND b=").Arg(p1).WriteString(" OR a<").Arg(p0)
	f := w.Frag()

	q, args := f.Render(dialect.SQLiteProvider{}, "m1_", 0)
	assert.Equal(t, "a>@m1_p0 AND b=@m1_p1 OR a<@m1_p0", q)
	assert.Equal(t, []any{sql.Named("m1_p0", 18), sql.Named("m1_p1", true)}, args, "named parameters bind once")

	q, args = f.Render(dialect.PostgresProvider{}, "", 2)
	assert.Equal(t, "a>$3 AND b=$4 OR a<$5", q)
	assert.Equal(t, []any{18, true, 18}, args)

	q, _ = f.Render(dialect.MySQLProvider{}, "", 0)
	assert.Equal(t, "a>? AND b=? OR a<?", q)

	assert.Equal(t, "a>@p0 AND b=@p1 OR a<@p0", f.String())
	assert.Len(t, f.Params(), 2)
	assert.Equal(t, "(x)", Text("x").Wrap().String())
	assert.Equal(t, "x, y", Join(", ", Text("x"), Text("y")).String())
	assert.True(t, Text("").Empty())
}

func TestStatementRebind(t *testing.T) {
	names := NewNames()
	var w Writer
	w.WriteString("UPDATE t SET a=").Arg(names.New("a", 1)).WriteString(" WHERE id=").Arg(names.New("id", 10)).
		WriteString(" AND tenant=").Arg(names.New("p", "x"))
	st := NewStatement(dialect.SQLiteProvider{}, w.Frag())

	next := st.Rebind([]any{2, 11})
	assert.Equal(t, st.SQL(), next.SQL())
	assert.Equal(t, []any{sql.Named("a0", 2), sql.Named("id0", 11), sql.Named("p0", "x")}, next.Args())
	assert.Equal(t, []any{sql.Named("a0", 1), sql.Named("id0", 10), sql.Named("p0", "x")}, st.Args(), "the original is unchanged")

	sql2, args := next.Render("m2_", 0)
	assert.Equal(t, "UPDATE t SET a=@m2_a0 WHERE id=@m2_id0 AND tenant=@m2_p0", sql2)
	assert.Len(t, args, 3)
	assert.Equal(t, dialect.SQLite, next.Provider().Name())
}

func TestNames(t *testing.T) {
	n := NewNames()
	assert.Equal(t, "p0", n.Next("p"))
	assert.Equal(t, "p1", n.Next("p"))
	assert.Equal(t, "age0", n.Next("age"))
}

func TestAliases(t *testing.T) {
	a := NewAliases('a')
	assert.Equal(t, "a", a.Next())
	require.NoError(t, a.Reserve("b"))
	assert.Equal(t, "c", a.Next())

	err := a.Reserve("c")
	assert.True(t, quarry.IsAmbiguousAlias(err))

	a = NewAliases('y')
	assert.Equal(t, []string{"y", "z", "aa", "ab"}, []string{a.Next(), a.Next(), a.Next(), a.Next()})
	assert.Equal(t, "ba", aliasName(52))

	a = NewAliases('a')
	var got []string
	for range 100 {
		got = append(got, a.Next())
	}
	assert.Equal(t, "ar", got[43])
	assert.Equal(t, "au", got[44], "as and at are keywords")
	for _, kw := range []string{"as", "at", "by", "if", "in", "is", "on", "or", "to"} {
		assert.NotContains(t, got, kw)
	}
}

func TestParamBase(t *testing.T) {
	assert.Equal(t, "is_enabled", ParamBase("is_enabled"))
	assert.Equal(t, "c1stcol", ParamBase("1st col"))
	assert.Equal(t, "c", ParamBase(""))
	assert.Equal(t, "c", ParamBase("+-"))
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		in   any
		typ  reflect.Type
		want any
	}{
		{"12", reflect.TypeOf(int64(0)), int64(12)},
		{12, reflect.TypeOf(""), "12"},
		{"true", reflect.TypeOf(false), true},
		{1, reflect.TypeOf(false), true},
		{false, reflect.TypeOf(""), "false"},
		{int32(3), reflect.TypeOf(sql.NullInt64{}), int64(3)},
		{nil, reflect.TypeOf(0), nil},
	}
	for _, tt := range tests {
		got, err := coerce(tt.in, tt.typ)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := coerce("soon", timeType)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, quarry.ErrCompilation))
}
