// Package compiler translates expression trees into SQL fragments for the
// configured dialect.
//
// Compilation runs in two passes over every node: children are compiled
// into segments first, then the parent resolves the segments it received.
// This lets a constant compared with a member bind with the member's
// storage type and converter, and lets + choose between numeric addition
// and string concatenation once both operand types are known.
package compiler

import (
	"reflect"
	"strings"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/expr"
	"github.com/syssam/quarry/schema"
)

// Column is a resolved member reference.
type Column struct {
	Frag   Frag
	Member *schema.MemberMap // nil for derived columns
	Type   reflect.Type
}

// Resolver resolves member references against the table segments of one
// statement.
type Resolver interface {
	// Column resolves a member path.
	Column(m expr.Member) (Column, error)
	// Entity returns the entity mapped by a table segment, nil for derived
	// tables.
	Entity(table int) (*schema.EntityMap, error)
}

// Subquery is a query compiled inside another statement.
type Subquery interface {
	CompileSubquery(scope *Scope) (Frag, error)
}

// Scope is the state shared by a statement and its sub-queries: parameter
// names and table aliases are unique across all of them.
type Scope struct {
	Config  *config.Config
	Names   *Names
	Aliases *Aliases
	// Outer resolves members of the enclosing statement.
	Outer Resolver
}

// NewScope returns the scope of a top-level statement.
func NewScope(cfg *config.Config) *Scope {
	return &Scope{
		Config:  cfg,
		Names:   NewNames(),
		Aliases: NewAliases(cfg.AliasStart()),
	}
}

// Child returns the scope of a sub-query nested in a statement resolved
// by outer.
func (s *Scope) Child(outer Resolver) *Scope {
	return &Scope{Config: s.Config, Names: s.Names, Aliases: s.Aliases, Outer: outer}
}

// Provider returns the dialect provider of the scope.
func (s *Scope) Provider() dialect.Provider { return s.Config.Provider() }

// Quote quotes an identifier for the scope dialect.
func (s *Scope) Quote(ident string) string { return s.Config.Provider().Quote(ident) }

// Compiler compiles expressions against one statement.
type Compiler struct {
	scope *Scope
	res   Resolver
}

// New returns a compiler resolving members with res.
func New(scope *Scope, res Resolver) *Compiler {
	return &Compiler{scope: scope, res: res}
}

// Scope returns the compilation scope.
func (c *Compiler) Scope() *Scope { return c.scope }

// Predicate compiles a boolean expression.
func (c *Compiler) Predicate(e expr.Expr) (Frag, error) {
	s, err := c.visit(e)
	if err != nil {
		return Frag{}, err
	}
	return c.predicate(s, e)
}

// Value compiles a value expression.
func (c *Compiler) Value(e expr.Expr) (Frag, reflect.Type, error) {
	s, err := c.visit(e)
	if err != nil {
		return Frag{}, nil, err
	}
	f, err := c.materialize(s, nil, nil)
	if err != nil {
		return Frag{}, nil, err
	}
	return f, s.typ, nil
}

// Segment compiles e without resolving a trailing constant.
func (c *Compiler) Segment(e expr.Expr) (*Segment, error) { return c.visit(e) }

// Assign compiles the value written to member m.
func (c *Compiler) Assign(m *schema.MemberMap, e expr.Expr) (Frag, error) {
	s, err := c.visit(e)
	if err != nil {
		return Frag{}, err
	}
	return c.materialize(s, m, m.Type)
}

// Bind returns the parameter, or inlined literal, holding v for member m.
// Parameter names derive from the column name.
func (c *Compiler) Bind(m *schema.MemberMap, v any) (Frag, error) {
	v, err := storage(m, v)
	if err != nil {
		return Frag{}, err
	}
	if !c.scope.Config.Parameterized() {
		return c.literal(v)
	}
	return Bind(c.scope.Names.New(paramBase(m.Column), v)), nil
}

// Output is one compiled projection column or nested object.
type Output struct {
	Name   string // member name in the result shape
	Frag   Frag
	Type   reflect.Type
	Member *schema.MemberMap
	// Entity is set when the output expands to every column of a table
	// segment.
	Entity bool
	Table  int
	Nested []Output
}

// Projection compiles a select expression into its output columns.
func (c *Compiler) Projection(e expr.Expr) ([]Output, error) {
	switch e := e.(type) {
	case expr.New:
		if len(e.Bindings) == 0 {
			return nil, quarry.NewUnsupportedExpressionError(expr.Describe(e), "empty projection")
		}
		seen := make(map[string]bool, len(e.Bindings))
		out := make([]Output, 0, len(e.Bindings))
		for _, b := range e.Bindings {
			if seen[b.Name] {
				return nil, quarry.NewCompilationError(expr.Describe(e), "duplicate member "+b.Name)
			}
			seen[b.Name] = true
			o, err := c.output(b.Name, b.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, o)
		}
		return out, nil
	case expr.Member:
		o, err := c.output(e.Last(), e)
		if err != nil {
			return nil, err
		}
		return []Output{o}, nil
	default:
		o, err := c.output("", e)
		if err != nil {
			return nil, err
		}
		return []Output{o}, nil
	}
}

func (c *Compiler) output(name string, e expr.Expr) (Output, error) {
	switch v := e.(type) {
	case expr.New:
		nested, err := c.Projection(v)
		if err != nil {
			return Output{}, err
		}
		return Output{Name: name, Nested: nested, Table: -1}, nil
	case expr.Member:
		if len(v.Path) == 0 {
			return Output{Name: name, Entity: true, Table: v.Table}, nil
		}
	}
	s, err := c.visit(e)
	if err != nil {
		return Output{}, err
	}
	f, err := c.materialize(s, nil, nil)
	if err != nil {
		return Output{}, err
	}
	return Output{Name: name, Frag: f, Type: s.typ, Member: s.member, Table: -1}, nil
}

func (c *Compiler) visit(e expr.Expr) (*Segment, error) {
	switch e := e.(type) {
	case nil:
		return nil, quarry.NewUnsupportedExpressionError("<nil>", "missing expression")
	case expr.Member:
		return c.member(e)
	case expr.Constant:
		return constSeg(e.Value, false), nil
	case expr.Param:
		return constSeg(e.Value, true), nil
	case expr.Binary:
		return c.binary(e)
	case expr.Unary:
		return c.unary(e)
	case expr.Call:
		return c.call(e)
	case expr.Conditional:
		return c.conditional(e)
	case expr.List:
		s := &Segment{kind: segList}
		for _, x := range e.Items {
			item, err := c.visit(x)
			if err != nil {
				return nil, err
			}
			s.items = append(s.items, item)
		}
		return s, nil
	case expr.TypeIs:
		return c.typeIs(e)
	case expr.Raw:
		return c.raw(e)
	case expr.Star:
		return valueSeg(Text("*"), nil), nil
	case expr.Exists:
		f, err := c.subquery(e.Query)
		if err != nil {
			return nil, err
		}
		return predSeg(Text("EXISTS (").Append(f, Text(")"))), nil
	case expr.InQuery:
		x, err := c.visit(e.Operand)
		if err != nil {
			return nil, err
		}
		xf, err := c.materialize(x, nil, nil)
		if err != nil {
			return nil, err
		}
		f, err := c.subquery(e.Query)
		if err != nil {
			return nil, err
		}
		return predSeg(xf.Append(Text(" IN ("), f, Text(")"))), nil
	case expr.New:
		return nil, quarry.NewUnsupportedExpressionError(expr.Describe(e), "object construction is only valid in a projection")
	}
	return nil, quarry.NewUnsupportedExpressionError(expr.Describe(e), "unknown node")
}

func (c *Compiler) subquery(q any) (Frag, error) {
	sq, ok := q.(Subquery)
	if !ok {
		return Frag{}, quarry.NewUnsupportedExpressionError("sub-query", "value does not compile as a sub-query")
	}
	return sq.CompileSubquery(c.scope.Child(c.res))
}

func (c *Compiler) member(m expr.Member) (*Segment, error) {
	res, outer := c.res, m.Outer
	if outer {
		if c.scope.Outer == nil {
			return nil, quarry.NewCompilationError(expr.Describe(m), "no enclosing statement")
		}
		res = c.scope.Outer
		m.Outer = false
	}
	if len(m.Path) == 0 {
		return &Segment{kind: segEntity, table: m.Table, outer: outer}, nil
	}
	col, err := res.Column(m)
	if err != nil {
		return nil, err
	}
	s := valueSeg(col.Frag, col.Type)
	s.member = col.Member
	if s.typ == nil && col.Member != nil {
		s.typ = col.Member.Type
	}
	return s, nil
}

func (c *Compiler) binary(e expr.Binary) (*Segment, error) {
	if e.Op.Logical() {
		return c.logical(e)
	}
	l, err := c.visit(e.Left)
	if err != nil {
		return nil, err
	}
	r, err := c.visit(e.Right)
	if err != nil {
		return nil, err
	}
	switch {
	case e.Op.Comparison():
		return c.compare(e.Op, l, r)
	default:
		return c.arith(e.Op, l, r)
	}
}

// logical resolves each operand into a condition before visiting the next,
// so parameters are named in textual order.
func (c *Compiler) logical(e expr.Binary) (*Segment, error) {
	l, err := c.visit(e.Left)
	if err != nil {
		return nil, err
	}
	lf, err := c.predicate(l, e.Left)
	if err != nil {
		return nil, err
	}
	r, err := c.visit(e.Right)
	if err != nil {
		return nil, err
	}
	rf, err := c.predicate(r, e.Right)
	if err != nil {
		return nil, err
	}
	return predSeg(Join(" "+e.Op.String()+" ", group(e.Op, e.Left, lf), group(e.Op, e.Right, rf))), nil
}

// group wraps a logical operand whose operator differs from the parent's.
func group(parent expr.Op, child expr.Expr, f Frag) Frag {
	if b, ok := child.(expr.Binary); ok && b.Op.Logical() && b.Op != parent {
		return f.Wrap()
	}
	return f
}

func (c *Compiler) compare(op expr.Op, l, r *Segment) (*Segment, error) {
	if l.isNull() && !r.isNull() {
		l, r = r, l
	}
	if r.isNull() {
		if l.isNull() {
			if op == expr.OpEq {
				return predSeg(Text("1=1")), nil
			}
			return predSeg(Text("1=0")), nil
		}
		lf, err := c.materialize(l, nil, nil)
		if err != nil {
			return nil, err
		}
		switch op {
		case expr.OpEq:
			return predSeg(lf.Append(Text(" IS NULL"))), nil
		case expr.OpNe:
			return predSeg(lf.Append(Text(" IS NOT NULL"))), nil
		}
		return nil, quarry.NewUnsupportedExpressionError(op.String()+" NULL", "only = and <> compare with NULL")
	}
	lf, rf, err := c.pair(l, r)
	if err != nil {
		return nil, err
	}
	return predSeg(lf.Append(Text(op.String()), rf)), nil
}

// pair materializes two operands, each hinted with the other's member.
func (c *Compiler) pair(l, r *Segment) (Frag, Frag, error) {
	lf, err := c.materialize(l, r.member, r.typ)
	if err != nil {
		return Frag{}, Frag{}, err
	}
	rf, err := c.materialize(r, l.member, l.typ)
	if err != nil {
		return Frag{}, Frag{}, err
	}
	return lf, rf, nil
}

func (c *Compiler) arith(op expr.Op, l, r *Segment) (*Segment, error) {
	if op == expr.OpAdd && (isString(l.typ) || isString(r.typ)) {
		lp, err := c.concatParts(l)
		if err != nil {
			return nil, err
		}
		rp, err := c.concatParts(r)
		if err != nil {
			return nil, err
		}
		return c.concat(append(lp, rp...)), nil
	}
	if l.typ != nil && !isNumber(schema.StorageType(l.typ).Kind()) && l.typ != timeType ||
		r.typ != nil && !isNumber(schema.StorageType(r.typ).Kind()) && r.typ != timeType {
		return nil, quarry.NewUnsupportedExpressionError(op.String(), "arithmetic on non-numeric operands")
	}
	lf, rf, err := c.pair(l, r)
	if err != nil {
		return nil, err
	}
	return valueSeg(Text("(").Append(lf, Text(" "+op.String()+" "), rf, Text(")")), promote(l.typ, r.typ)), nil
}

func (c *Compiler) concatParts(s *Segment) ([]Frag, error) {
	if s.concat != nil {
		return s.concat, nil
	}
	f, err := c.materialize(s, nil, stringType)
	if err != nil {
		return nil, err
	}
	return []Frag{f}, nil
}

func (c *Compiler) concat(parts []Frag) *Segment {
	f := splice(c.scope.Provider().Concat(slots(len(parts))), parts)
	s := valueSeg(f, stringType)
	s.concat = parts
	return s
}

func (c *Compiler) unary(e expr.Unary) (*Segment, error) {
	x, err := c.visit(e.Operand)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case expr.OpNot:
		switch {
		case x.kind == segConst && isBool(x.typ):
			b, _ := reflect.ValueOf(x.value).Convert(boolType).Interface().(bool)
			if b {
				return predSeg(Text("1=0")), nil
			}
			return predSeg(Text("1=1")), nil
		case x.kind == segValue && isBool(x.typ):
			f, err := c.materialize(constSeg(false, false), x.member, x.typ)
			if err != nil {
				return nil, err
			}
			return predSeg(x.frag.Append(Text("="), f)), nil
		}
		f, err := c.predicate(x, e.Operand)
		if err != nil {
			return nil, err
		}
		return predSeg(Text("NOT ").Append(f.Wrap())), nil
	case expr.OpNeg:
		f, err := c.materialize(x, nil, nil)
		if err != nil {
			return nil, err
		}
		return valueSeg(Text("-").Append(f), x.typ), nil
	case expr.OpConvert:
		name, ok := c.scope.Provider().CastType(e.Type)
		if !ok {
			return nil, quarry.NewCompilationError(expr.Describe(e), "no SQL type for "+e.Type.String())
		}
		f, err := c.materialize(x, nil, nil)
		if err != nil {
			return nil, err
		}
		return valueSeg(Text("CAST(").Append(f, Text(" AS "+name+")")), e.Type), nil
	}
	return nil, quarry.NewUnsupportedExpressionError(expr.Describe(e), "unknown operator")
}

func (c *Compiler) conditional(e expr.Conditional) (*Segment, error) {
	var (
		w    Writer
		node = e
		typ  reflect.Type
	)
	w.WriteString("CASE")
	for {
		t, err := c.visit(node.Test)
		if err != nil {
			return nil, err
		}
		tf, err := c.predicate(t, node.Test)
		if err != nil {
			return nil, err
		}
		then, err := c.visit(node.Then)
		if err != nil {
			return nil, err
		}
		if typ == nil {
			typ = then.typ
		}
		thenf, err := c.materialize(then, nil, typ)
		if err != nil {
			return nil, err
		}
		w.WriteString(" WHEN ").Write(tf).WriteString(" THEN ").Write(thenf)
		next, ok := node.Else.(expr.Conditional)
		if !ok {
			break
		}
		node = next
	}
	els, err := c.visit(node.Else)
	if err != nil {
		return nil, err
	}
	if typ == nil {
		typ = els.typ
	}
	elsf, err := c.materialize(els, nil, typ)
	if err != nil {
		return nil, err
	}
	w.WriteString(" ELSE ").Write(elsf).WriteString(" END")
	return valueSeg(w.Frag(), typ), nil
}

func (c *Compiler) typeIs(e expr.TypeIs) (*Segment, error) {
	m, ok := e.Operand.(expr.Member)
	if !ok || len(m.Path) > 0 {
		return nil, quarry.NewUnsupportedExpressionError(expr.Describe(e), "type test needs an entity reference")
	}
	res := c.res
	if m.Outer {
		if c.scope.Outer == nil {
			return nil, quarry.NewCompilationError(expr.Describe(e), "no enclosing statement")
		}
		res, m.Outer = c.scope.Outer, false
	}
	src, err := res.Entity(m.Table)
	if err != nil {
		return nil, err
	}
	target, err := c.scope.Config.Registry().Entity(e.Type)
	if err != nil {
		return nil, err
	}
	if d := target.Discriminator; d != nil {
		col, err := res.Column(expr.Member{Table: m.Table, Path: []string{d.Member}})
		if err != nil {
			return nil, err
		}
		v, err := c.materialize(constSeg(d.Value, false), col.Member, col.Type)
		if err != nil {
			return nil, err
		}
		return predSeg(col.Frag.Append(Text("="), v)), nil
	}
	if src != nil && src.Type == target.Type {
		return predSeg(Text("1=1")), nil
	}
	return nil, quarry.NewUnsupportedExpressionError(expr.Describe(e), target.Name+" has no discriminator")
}

func (c *Compiler) raw(e expr.Raw) (*Segment, error) {
	var (
		w    Writer
		text = e.SQL
		n    int
	)
	for {
		i := strings.IndexByte(text, '?')
		if i < 0 {
			w.WriteString(text)
			break
		}
		if n >= len(e.Args) {
			return nil, quarry.NewCompilationError(e.SQL, "more placeholders than arguments")
		}
		w.WriteString(text[:i])
		f, err := c.materialize(constSeg(e.Args[n], true), nil, nil)
		if err != nil {
			return nil, err
		}
		w.Write(f)
		n++
		text = text[i+1:]
	}
	if n != len(e.Args) {
		return nil, quarry.NewCompilationError(e.SQL, "more arguments than placeholders")
	}
	return valueSeg(w.Frag(), nil), nil
}

// predicate turns a segment into a boolean condition. Bare boolean values
// compare with true.
func (c *Compiler) predicate(s *Segment, e expr.Expr) (Frag, error) {
	switch {
	case s.kind == segPredicate:
		return s.frag, nil
	case s.kind == segValue && s.typ == nil:
		// raw SQL used as a condition
		return s.frag, nil
	case s.kind == segValue && isBool(s.typ):
		f, err := c.materialize(constSeg(true, false), s.member, s.typ)
		if err != nil {
			return Frag{}, err
		}
		return s.frag.Append(Text("="), f), nil
	case s.kind == segConst && isBool(s.typ):
		if b, _ := reflect.ValueOf(s.value).Convert(boolType).Interface().(bool); b {
			return Text("1=1"), nil
		}
		return Text("1=0"), nil
	}
	return Frag{}, quarry.NewUnsupportedExpressionError(expr.Describe(e), "not a boolean expression")
}

// materialize resolves a segment into SQL. Constants bind with the storage
// type and converter of hint, or of typ when no member is known.
func (c *Compiler) materialize(s *Segment, hint *schema.MemberMap, typ reflect.Type) (Frag, error) {
	switch s.kind {
	case segValue:
		return s.frag, nil
	case segPredicate:
		t, err := c.literal(true)
		if err != nil {
			return Frag{}, err
		}
		f, err := c.literal(false)
		if err != nil {
			return Frag{}, err
		}
		return Text("CASE WHEN ").Append(s.frag, Text(" THEN "), t, Text(" ELSE "), f, Text(" END")), nil
	case segList:
		parts := make([]Frag, len(s.items))
		for i, item := range s.items {
			f, err := c.materialize(item, hint, typ)
			if err != nil {
				return Frag{}, err
			}
			parts[i] = f
		}
		return Join(", ", parts...).Wrap(), nil
	case segEntity:
		return Frag{}, quarry.NewUnsupportedExpressionError("entity reference", "not a value")
	}
	var (
		v   = s.value
		err error
	)
	if hint != nil {
		v, err = storage(hint, v)
	} else {
		v, err = coerce(v, typ)
	}
	if err != nil {
		return Frag{}, err
	}
	if !s.param && !c.scope.Config.Parameterized() {
		return c.literal(v)
	}
	return Bind(c.scope.Names.New("p", v)), nil
}

func (c *Compiler) literal(v any) (Frag, error) {
	lit, err := c.scope.Provider().Literal(v)
	if err != nil {
		return Frag{}, &quarry.CompilationError{Subject: "literal", Reason: "cannot inline value", Err: err}
	}
	return Text(lit), nil
}
