// Package expr defines the expression trees compiled into SQL by the
// compiler package: predicates, projections and assignments over the
// members of mapped entities.
//
// Table segments are referenced by registration index. C refers to the
// first registered entity, T(i, ...) to the i-th:
//
//	// x.Age > 18 && x.IsEnabled
//	expr.And(expr.Gt(expr.C("Age"), 18), expr.C("IsEnabled"))
//
//	// join condition between the first and second table
//	expr.Eq(expr.T(1, "AuthorID"), expr.C("ID"))
//
// Values that are not expressions are wrapped as constants.
package expr

import (
	"reflect"
	"strings"
)

// Expr is an expression tree node.
type Expr interface {
	expr()
}

// Member references a member of a registered table segment. A path longer
// than one element walks single-valued navigations, e.g. Post.Author.Name.
type Member struct {
	Table int
	Path  []string
	Outer bool // resolved against the enclosing statement of a sub-query
}

// Constant is a literal value. It is bound as a parameter, or inlined when
// the configuration disables parameterization.
type Constant struct {
	Value any
}

// Param is a value that is always bound as a parameter.
type Param struct {
	Value any
}

// Op is a binary operator.
type Op int

// Binary operators.
const (
	OpAdd Op = iota + 1
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpEq
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
)

var opNames = map[Op]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%",
	OpAnd: "AND", OpOr: "OR", OpEq: "=", OpNe: "<>",
	OpGt: ">", OpGe: ">=", OpLt: "<", OpLe: "<=",
}

// String returns the SQL spelling of the operator.
func (o Op) String() string { return opNames[o] }

// Comparison reports whether o yields a boolean from two operands.
func (o Op) Comparison() bool { return o >= OpEq && o <= OpLe }

// Logical reports whether o is AND or OR.
func (o Op) Logical() bool { return o == OpAnd || o == OpOr }

// Binary is a two-operand expression.
type Binary struct {
	Op          Op
	Left, Right Expr
}

// UnaryOp is a unary operator.
type UnaryOp int

// Unary operators.
const (
	OpNot UnaryOp = iota + 1
	OpNeg
	OpConvert
)

// Unary is a one-operand expression. Type is the target of OpConvert.
type Unary struct {
	Op      UnaryOp
	Operand Expr
	Type    reflect.Type
}

// Call is a method call translated through the dialect function table.
// String methods take the receiver as their first argument.
type Call struct {
	Method string
	Args   []Expr
}

// Conditional is a ternary expression, compiled to CASE WHEN.
type Conditional struct {
	Test, Then, Else Expr
}

// Binding assigns an expression to a named member of a projection.
type Binding struct {
	Name  string
	Value Expr
}

// New constructs an object from member bindings.
type New struct {
	Bindings []Binding
}

// List is a list or array literal.
type List struct {
	Items []Expr
}

// TypeIs tests the runtime type of an entity reference.
type TypeIs struct {
	Operand Expr
	Type    reflect.Type
}

// Raw is SQL text inserted as-is. Each ? in SQL binds the next argument.
type Raw struct {
	SQL  string
	Args []any
}

// Star is the * of COUNT(*) or SELECT *.
type Star struct{}

// Exists is an EXISTS (sub-query) predicate. Query is compiled by the
// compiler package and must implement compiler.Subquery.
type Exists struct {
	Query any
}

// InQuery is an x IN (sub-query) predicate.
type InQuery struct {
	Operand Expr
	Query   any
}

func (Member) expr()      {}
func (Constant) expr()    {}
func (Param) expr()       {}
func (Binary) expr()      {}
func (Unary) expr()       {}
func (Call) expr()        {}
func (Conditional) expr() {}
func (New) expr()         {}
func (List) expr()        {}
func (TypeIs) expr()      {}
func (Raw) expr()         {}
func (Star) expr()        {}
func (Exists) expr()      {}
func (InQuery) expr()     {}

// Name returns the dotted member path.
func (m Member) Name() string { return strings.Join(m.Path, ".") }

// Last returns the final path element.
func (m Member) Last() string {
	if len(m.Path) == 0 {
		return ""
	}
	return m.Path[len(m.Path)-1]
}
