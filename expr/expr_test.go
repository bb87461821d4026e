package expr

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilders(t *testing.T) {
	m := C("Author.Name")
	assert.Equal(t, []string{"Author", "Name"}, m.Path)
	assert.Equal(t, "Author.Name", m.Name())
	assert.Equal(t, "Name", m.Last())
	assert.Equal(t, "", Entity(1).Last())

	b := Eq(C("Age"), 18)
	assert.Equal(t, OpEq, b.Op)
	assert.Equal(t, Constant{Value: 18}, b.Right)
	assert.Equal(t, C("Age"), Of(C("Age")), "expressions are not wrapped twice")

	assert.Nil(t, And())
	and := And(C("A"), C("B"), C("C")).(Binary)
	assert.Equal(t, OpAnd, and.Op)
	assert.Equal(t, C("C"), and.Right)
	assert.Equal(t, Binary{Op: OpAnd, Left: C("A"), Right: C("B")}, and.Left)
}

func TestIn(t *testing.T) {
	in := In(C("ID"), []int{1, 2})
	list := in.Args[1].(List)
	assert.Equal(t, []Expr{Constant{Value: 1}, Constant{Value: 2}}, list.Items)

	in = In(C("Data"), []byte("ab"))
	list = in.Args[1].(List)
	require.Len(t, list.Items, 1, "byte slices are single values")

	not := NotIn(C("ID"), 3)
	assert.Equal(t, OpNot, not.Op)
}

func TestOp(t *testing.T) {
	assert.Equal(t, "<>", OpNe.String())
	assert.True(t, OpLe.Comparison())
	assert.False(t, OpAdd.Comparison())
	assert.True(t, OpOr.Logical())
	assert.False(t, OpEq.Logical())
}

func TestFields(t *testing.T) {
	var (
		name    = String("Name")
		age     = Ordered[int]("Age")
		enabled = Bool("IsEnabled")
		email   = Field[string]("Email")
	)
	assert.Equal(t, Eq(C("Name"), "ada"), name.EQ("ada"))
	assert.Equal(t, Gt(C("Age"), 18), age.GT(18))
	assert.Equal(t, Le(C("Age"), 65), age.LTE(65))
	assert.Equal(t, C("IsEnabled"), enabled.IsTrue())
	assert.Equal(t, Not(C("IsEnabled")), enabled.IsFalse())
	assert.Equal(t, IsNull(C("Email")), email.IsNull())
	assert.Equal(t, T(2, "Email"), email.On(2))
	assert.Equal(t, "Contains", name.Contains("a").Method)
	assert.Equal(t, "StartsWith", name.HasPrefix("a").Method)

	in := age.In(1, 2)
	assert.Len(t, in.Args[1].(List).Items, 2)
}

func TestWalk(t *testing.T) {
	e := And(
		Gt(C("Age"), 18),
		Or(Contains(C("Name"), "x"), If(C("IsEnabled"), T(1, "A"), Outer(0, "B"))),
	)
	var members []string
	Walk(e, func(x Expr) bool {
		if m, ok := x.(Member); ok {
			members = append(members, m.Name())
		}
		return true
	})
	assert.Equal(t, []string{"Age", "Name", "IsEnabled", "A", "B"}, members)

	assert.True(t, Any(e, func(x Expr) bool {
		m, ok := x.(Member)
		return ok && m.Outer
	}))
	assert.False(t, Any(e, func(x Expr) bool {
		_, ok := x.(Raw)
		return ok
	}))

	var visited int
	Walk(e, func(x Expr) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited, "children are skipped")
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		e    Expr
		want string
	}{
		{nil, "<nil>"},
		{C("Name"), "Name"},
		{T(1, "Name"), "t1.Name"},
		{Outer(0, "ID"), "outer.t0.ID"},
		{Gt(C("Age"), 18), "(Age > 18)"},
		{Eq(C("Name"), "x"), `(Name = "x")`},
		{Not(C("A")), "NOT A"},
		{Neg(C("A")), "-A"},
		{Convert(C("A"), reflect.TypeOf("")), "convert(A, string)"},
		{Fn("Length", C("Name")), "Length(Name)"},
		{If(C("A"), 1, 2), "if(A, 1, 2)"},
		{Obj(As("X", C("A"))), "{X: A}"},
		{Items(1, 2), "[1, 2]"},
		{P(3), "@3"},
		{SQL("now()"), "now()"},
		{Star{}, "*"},
		{Exist(nil), "exists(...)"},
		{InSub(C("ID"), nil), "ID in (...)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Describe(tt.e))
	}
}
