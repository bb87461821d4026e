package expr

import (
	"fmt"
	"reflect"
	"strings"
)

// Of wraps v as a Constant unless it already is an expression.
func Of(v any) Expr {
	if e, ok := v.(Expr); ok {
		return e
	}
	return Constant{Value: v}
}

func of(vs []any) []Expr {
	out := make([]Expr, len(vs))
	for i, v := range vs {
		out[i] = Of(v)
	}
	return out
}

func splitPath(path []string) []string {
	var out []string
	for _, p := range path {
		out = append(out, strings.Split(p, ".")...)
	}
	return out
}

// C references a member of the first registered table.
func C(path ...string) Member { return Member{Path: splitPath(path)} }

// T references a member of the table registered at index table.
func T(table int, path ...string) Member { return Member{Table: table, Path: splitPath(path)} }

// Outer references a member of the enclosing statement from a sub-query.
func Outer(table int, path ...string) Member {
	return Member{Table: table, Path: splitPath(path), Outer: true}
}

// Entity references a whole table segment, used with Is.
func Entity(table int) Member { return Member{Table: table} }

// V returns a constant.
func V(v any) Constant { return Constant{Value: v} }

// P returns a value that is always bound as a parameter.
func P(v any) Param { return Param{Value: v} }

func binary(op Op, a, b any) Binary { return Binary{Op: op, Left: Of(a), Right: Of(b)} }

// Eq returns a = b. Comparing with nil yields IS NULL.
func Eq(a, b any) Binary { return binary(OpEq, a, b) }

// Ne returns a <> b. Comparing with nil yields IS NOT NULL.
func Ne(a, b any) Binary { return binary(OpNe, a, b) }

// Gt returns a > b.
func Gt(a, b any) Binary { return binary(OpGt, a, b) }

// Ge returns a >= b.
func Ge(a, b any) Binary { return binary(OpGe, a, b) }

// Lt returns a < b.
func Lt(a, b any) Binary { return binary(OpLt, a, b) }

// Le returns a <= b.
func Le(a, b any) Binary { return binary(OpLe, a, b) }

// Add returns a + b, numeric addition or string concatenation depending
// on the operand types.
func Add(a, b any) Binary { return binary(OpAdd, a, b) }

// Sub returns a - b.
func Sub(a, b any) Binary { return binary(OpSub, a, b) }

// Mul returns a * b.
func Mul(a, b any) Binary { return binary(OpMul, a, b) }

// Div returns a / b.
func Div(a, b any) Binary { return binary(OpDiv, a, b) }

// Mod returns a % b.
func Mod(a, b any) Binary { return binary(OpMod, a, b) }

func fold(op Op, xs []any) Expr {
	if len(xs) == 0 {
		return nil
	}
	e := Of(xs[0])
	for _, x := range xs[1:] {
		e = Binary{Op: op, Left: e, Right: Of(x)}
	}
	return e
}

// And joins predicates with AND.
func And(xs ...any) Expr { return fold(OpAnd, xs) }

// Or joins predicates with OR.
func Or(xs ...any) Expr { return fold(OpOr, xs) }

// Not negates a predicate.
func Not(x any) Unary { return Unary{Op: OpNot, Operand: Of(x)} }

// Neg negates a number.
func Neg(x any) Unary { return Unary{Op: OpNeg, Operand: Of(x)} }

// Convert casts x to the SQL type of t.
func Convert(x any, t reflect.Type) Unary { return Unary{Op: OpConvert, Operand: Of(x), Type: t} }

// Fn calls a translated method.
func Fn(method string, args ...any) Call { return Call{Method: method, Args: of(args)} }

// In returns x IN (values...). A single slice argument is expanded.
func In(x any, values ...any) Call {
	if len(values) == 1 {
		if rv := reflect.ValueOf(values[0]); rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
			values = make([]any, rv.Len())
			for i := range values {
				values[i] = rv.Index(i).Interface()
			}
		}
	}
	return Call{Method: "In", Args: []Expr{Of(x), List{Items: of(values)}}}
}

// NotIn returns x NOT IN (values...).
func NotIn(x any, values ...any) Unary { return Not(In(x, values...)) }

// Between returns lo <= x AND x <= hi.
func Between(x, lo, hi any) Expr { return And(Ge(x, lo), Le(x, hi)) }

// IsNull returns x IS NULL.
func IsNull(x any) Binary { return Eq(x, nil) }

// NotNull returns x IS NOT NULL.
func NotNull(x any) Binary { return Ne(x, nil) }

// Contains returns s LIKE %sub%.
func Contains(s, sub any) Call { return Fn("Contains", s, sub) }

// StartsWith returns s LIKE prefix%.
func StartsWith(s, prefix any) Call { return Fn("StartsWith", s, prefix) }

// EndsWith returns s LIKE %suffix.
func EndsWith(s, suffix any) Call { return Fn("EndsWith", s, suffix) }

// Like returns s LIKE pattern with the pattern used verbatim.
func Like(s, pattern any) Call { return Fn("Like", s, pattern) }

// IsNullOrEmpty returns s IS NULL OR s = ''.
func IsNullOrEmpty(s any) Call { return Fn("IsNullOrEmpty", s) }

// Concat concatenates strings. Nested Concat calls are flattened.
func Concat(xs ...any) Call { return Fn("Concat", xs...) }

// Format concatenates the parts of a format string with {0}, {1}, ...
// placeholders replaced by args.
func Format(format string, args ...any) Call {
	return Fn("Format", append([]any{V(format)}, args...)...)
}

// Coalesce returns the first non-NULL argument.
func Coalesce(xs ...any) Call { return Fn("Coalesce", xs...) }

// Count returns COUNT(*).
func Count() Call { return Call{Method: "Count"} }

// CountOf returns COUNT(x).
func CountOf(x any) Call { return Fn("Count", x) }

// CountDistinct returns COUNT(DISTINCT x).
func CountDistinct(x any) Call { return Fn("CountDistinct", x) }

// Sum returns SUM(x).
func Sum(x any) Call { return Fn("Sum", x) }

// Avg returns AVG(x).
func Avg(x any) Call { return Fn("Avg", x) }

// Max returns MAX(x).
func Max(x any) Call { return Fn("Max", x) }

// Min returns MIN(x).
func Min(x any) Call { return Fn("Min", x) }

// If returns CASE WHEN test THEN then ELSE els END.
func If(test, then, els any) Conditional {
	return Conditional{Test: Of(test), Then: Of(then), Else: Of(els)}
}

// Is tests whether the entity referenced by x is of type t.
func Is(x any, t any) TypeIs {
	rt, ok := t.(reflect.Type)
	if !ok {
		rt = reflect.TypeOf(t)
	}
	return TypeIs{Operand: Of(x), Type: rt}
}

// As binds an expression to a projection member name.
func As(name string, v any) Binding { return Binding{Name: name, Value: Of(v)} }

// Obj constructs a projection from bindings.
func Obj(bindings ...Binding) New { return New{Bindings: bindings} }

// Items returns a list literal.
func Items(xs ...any) List { return List{Items: of(xs)} }

// SQL returns raw SQL text. Each ? binds the next argument.
func SQL(text string, args ...any) Raw { return Raw{SQL: text, Args: args} }

// Exist returns EXISTS (q).
func Exist(q any) Exists { return Exists{Query: q} }

// InSub returns x IN (q).
func InSub(x any, q any) InQuery { return InQuery{Operand: Of(x), Query: q} }

// Member helpers.

// Eq returns m = v.
func (m Member) Eq(v any) Binary { return Eq(m, v) }

// Ne returns m <> v.
func (m Member) Ne(v any) Binary { return Ne(m, v) }

// Gt returns m > v.
func (m Member) Gt(v any) Binary { return Gt(m, v) }

// Ge returns m >= v.
func (m Member) Ge(v any) Binary { return Ge(m, v) }

// Lt returns m < v.
func (m Member) Lt(v any) Binary { return Lt(m, v) }

// Le returns m <= v.
func (m Member) Le(v any) Binary { return Le(m, v) }

// In returns m IN (values...).
func (m Member) In(values ...any) Call { return In(m, values...) }

// IsNull returns m IS NULL.
func (m Member) IsNull() Binary { return IsNull(m) }

// NotNull returns m IS NOT NULL.
func (m Member) NotNull() Binary { return NotNull(m) }

// Describe renders an expression for error messages.
func Describe(e Expr) string {
	switch e := e.(type) {
	case nil:
		return "<nil>"
	case Member:
		name := e.Name()
		if e.Table > 0 || e.Outer {
			prefix := fmt.Sprintf("t%d", e.Table)
			if e.Outer {
				prefix = "outer." + prefix
			}
			return prefix + "." + name
		}
		return name
	case Constant:
		return fmt.Sprintf("%#v", e.Value)
	case Param:
		return fmt.Sprintf("@%#v", e.Value)
	case Binary:
		return "(" + Describe(e.Left) + " " + e.Op.String() + " " + Describe(e.Right) + ")"
	case Unary:
		switch e.Op {
		case OpNot:
			return "NOT " + Describe(e.Operand)
		case OpNeg:
			return "-" + Describe(e.Operand)
		}
		return fmt.Sprintf("convert(%s, %v)", Describe(e.Operand), e.Type)
	case Call:
		args := make([]string, len(e.Args))
		for i, a := range e.Args {
			args[i] = Describe(a)
		}
		return e.Method + "(" + strings.Join(args, ", ") + ")"
	case Conditional:
		return "if(" + Describe(e.Test) + ", " + Describe(e.Then) + ", " + Describe(e.Else) + ")"
	case New:
		parts := make([]string, len(e.Bindings))
		for i, b := range e.Bindings {
			parts[i] = b.Name + ": " + Describe(b.Value)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case List:
		parts := make([]string, len(e.Items))
		for i, x := range e.Items {
			parts[i] = Describe(x)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TypeIs:
		return fmt.Sprintf("%s is %v", Describe(e.Operand), e.Type)
	case Raw:
		return e.SQL
	case Star:
		return "*"
	case Exists:
		return "exists(...)"
	case InQuery:
		return Describe(e.Operand) + " in (...)"
	}
	return fmt.Sprintf("%T", e)
}
