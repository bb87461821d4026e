package query

import (
	"fmt"
	"reflect"
	"time"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/compiler"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/expr"
	"github.com/syssam/quarry/schema"
)

// Compiled is a compiled query: the statement, the shape of its result
// rows and the deferred collection fetches of its includes.
type Compiled struct {
	*compiler.Statement
	Shape *Shape

	cfg         *config.Config
	fields      []field
	collections []*collection
	rootTable   string
}

// Compile builds the statement. It is deterministic: identical queries
// produce identical SQL text and argument order.
func (q *Query) Compile() (*Compiled, error) {
	if q.err != nil {
		return nil, q.err
	}
	return compile(q, compiler.NewScope(q.cfg), newEnv(), true)
}

// CompileSubquery implements compiler.Subquery, so a Query can be used in
// expr.Exist and expr.InSub.
func (q *Query) CompileSubquery(scope *compiler.Scope) (compiler.Frag, error) {
	if q.err != nil {
		return compiler.Frag{}, q.err
	}
	c, err := compile(q, scope, newEnv(), true)
	if err != nil {
		return compiler.Frag{}, err
	}
	return c.Statement.Frag, nil
}

var _ compiler.Subquery = (*Query)(nil)

// signature compiles q on its own to read its output columns.
func signature(q *Query) ([]field, error) {
	c, err := compile(q, compiler.NewScope(q.cfg), newEnv(), true)
	if err != nil {
		return nil, err
	}
	return c.fields, nil
}

func compile(q *Query, scope *compiler.Scope, env *env, top bool) (*Compiled, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.set != nil {
		return compileSet(q, scope, env)
	}
	if len(q.tables) == 0 {
		return nil, quarry.NewCompilationError("query", "no table registered")
	}
	b := &builder{
		q:      q,
		cfg:    q.cfg,
		scope:  scope,
		env:    env,
		top:    top,
		incSeg: map[*include]int{},
	}
	for _, ct := range q.ctes {
		if err := b.defineCte(ct); err != nil {
			return nil, err
		}
	}
	b.qualify = b.needsQualify()
	b.c = compiler.New(scope, b)
	b.segs = make([]*segment, len(q.tables))
	for i, s := range q.tables {
		cs := *s
		cs.alias = scope.Aliases.Next()
		b.segs[i] = &cs
	}
	for _, seg := range b.segs {
		if err := b.setup(seg); err != nil {
			return nil, err
		}
	}
	for _, seg := range b.segs[1:] {
		if seg.on == nil {
			continue
		}
		f, err := b.c.Predicate(seg.on)
		if err != nil {
			return nil, err
		}
		seg.onFrag = f
	}
	if top {
		if len(q.includes) > 0 && q.sel != nil {
			return nil, quarry.NewUnsupportedExpressionError("Include "+q.includes[0].name, "a projection drops the entity rows includes attach to")
		}
		if err := b.resolveIncludes(q.includes, 0, nil); err != nil {
			return nil, err
		}
	}
	shape, err := b.projection()
	if err != nil {
		return nil, err
	}
	var w compiler.Writer
	w.WriteString("SELECT ")
	if q.distinct {
		w.WriteString("DISTINCT ")
	}
	w.Write(compiler.Join(", ", b.cols...))
	tail, err := b.clauses()
	if err != nil {
		return nil, err
	}
	// Navigation joins found while compiling the clauses.
	for i := len(q.tables); i < len(b.segs); i++ {
		seg := b.segs[i]
		f, err := b.c.Predicate(seg.on)
		if err != nil {
			return nil, err
		}
		seg.onFrag = f
	}
	w.WriteString(" FROM ")
	for i, seg := range b.segs {
		if i > 0 {
			if seg.join == JoinNone {
				w.WriteString(", ")
			} else {
				w.WriteString(joinNames[seg.join])
			}
		}
		w.Write(seg.source)
		if i > 0 && seg.join != JoinNone {
			w.WriteString(" ON ").Write(seg.onFrag)
		}
	}
	w.Write(tail)
	body := w.Frag()
	if top && len(env.defs) > 0 {
		body = b.with().Append(body)
	}
	c := &Compiled{
		Statement:   compiler.NewStatement(scope.Provider(), body),
		Shape:       shape,
		cfg:         q.cfg,
		fields:      b.fields,
		collections: b.colls,
	}
	if e := b.segs[0].entity; e != nil {
		c.rootTable = e.Table
	}
	return c, nil
}

// clauses compiles WHERE, GROUP BY, HAVING, ORDER BY and paging.
func (b *builder) clauses() (compiler.Frag, error) {
	var (
		q = b.q
		w compiler.Writer
	)
	if len(q.where) > 0 {
		f, err := b.c.Predicate(expr.And(anys(q.where)...))
		if err != nil {
			return compiler.Frag{}, err
		}
		w.WriteString(" WHERE ").Write(f)
	}
	if len(q.group) > 0 {
		keys := make([]compiler.Frag, len(q.group))
		for i, g := range q.group {
			f, _, err := b.c.Value(g)
			if err != nil {
				return compiler.Frag{}, err
			}
			keys[i] = f
		}
		w.WriteString(" GROUP BY ").Write(compiler.Join(", ", keys...))
	}
	if len(q.having) > 0 {
		f, err := b.c.Predicate(expr.And(anys(q.having)...))
		if err != nil {
			return compiler.Frag{}, err
		}
		w.WriteString(" HAVING ").Write(f)
	}
	paged := q.skip > 0 || q.take >= 0
	p := b.scope.Provider()
	if len(q.order) > 0 {
		keys := make([]compiler.Frag, len(q.order))
		for i, o := range q.order {
			f, _, err := b.c.Value(o.e)
			if err != nil {
				return compiler.Frag{}, err
			}
			if o.desc {
				f = f.Append(compiler.Text(" DESC"))
			}
			keys[i] = f
		}
		w.WriteString(" ORDER BY ").Write(compiler.Join(", ", keys...))
	} else if paged && p.PagingNeedsOrder() {
		w.WriteString(" ORDER BY (SELECT NULL)")
	}
	if paged {
		w.WriteString(p.Paging(q.skip, q.take))
	}
	return w.Frag(), nil
}

func anys(es []expr.Expr) []any {
	out := make([]any, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

// with renders the CTE prefix of the outermost statement.
func (b *builder) with() compiler.Frag {
	var w compiler.Writer
	w.WriteString("WITH ")
	for _, d := range b.env.defs {
		if d.recursive {
			w.WriteString(b.scope.Provider().RecursiveKeyword())
			break
		}
	}
	for i, d := range b.env.defs {
		if i > 0 {
			w.WriteString(", ")
		}
		w.WriteString(b.scope.Quote(d.name) + " AS (").Write(d.body).WriteString(")")
	}
	w.WriteString(" ")
	return w.Frag()
}

func (b *builder) defineCte(ct *cte) error {
	if _, dup := b.env.byName[ct.name]; dup {
		return quarry.NewAmbiguousAliasError(ct.name)
	}
	if err := b.scope.Aliases.Reserve(ct.name); err != nil {
		return err
	}
	anchor, err := compile(ct.anchor, b.scope.Child(nil), b.env, false)
	if err != nil {
		return err
	}
	def := &cteDef{
		name:      ct.name,
		recursive: ct.step != nil,
		entity:    anchor.Shape.Entity,
		fields:    anchor.fields,
		body:      anchor.Statement.Frag,
	}
	if ct.step != nil {
		// The step reads the expression it belongs to.
		b.env.byName[ct.name] = def
		step, err := compile(ct.step, b.scope.Child(nil), b.env, false)
		if err != nil {
			return err
		}
		if err := compatible("recursive CTE "+ct.name, anchor.fields, step.fields); err != nil {
			return err
		}
		def.body = def.body.Append(compiler.Text(" UNION ALL "), step.Statement.Frag)
	}
	b.env.byName[ct.name] = def
	b.env.defs = append(b.env.defs, def)
	return nil
}

func compileSet(q *Query, scope *compiler.Scope, env *env) (*Compiled, error) {
	var (
		w     compiler.Writer
		first *Compiled
	)
	var root *schema.EntityMap
	for i, br := range q.set.branches {
		c, err := compile(br, scope.Child(nil), env, false)
		if err != nil {
			return nil, err
		}
		op := "UNION"
		if q.set.all[i] {
			op = "UNION ALL"
		}
		if i == 0 {
			first, root = c, c.Shape.Entity
		} else {
			if err := compatible(op, first.fields, c.fields); err != nil {
				return nil, err
			}
			if c.Shape.Entity != root {
				root = nil
			}
			w.WriteString(" " + op + " ")
		}
		f := c.Statement.Frag
		if len(br.order) > 0 || br.skip > 0 || br.take >= 0 {
			f = compiler.Text("SELECT * FROM (").Append(f, compiler.Text(") "+scope.Aliases.Next()))
		}
		w.Write(f)
	}
	return &Compiled{
		Statement: compiler.NewStatement(scope.Provider(), w.Frag()),
		Shape:     &Shape{Entity: root, Fields: first.Shape.Fields, Width: first.Shape.Width},
		cfg:       q.cfg,
		fields:    first.fields,
	}, nil
}

// typeClass groups Go types that a UNION may mix in one column.
func typeClass(t reflect.Type) string {
	if t == nil {
		return ""
	}
	st := schema.StorageType(t)
	switch st.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "bool"
	}
	if st == reflect.TypeOf(time.Time{}) {
		return "time"
	}
	return st.String()
}

// compatible checks that two projections have the same arity and
// compatible column types.
func compatible(op string, left, right []field) error {
	if len(left) != len(right) {
		return quarry.NewArityMismatchError(op, len(left), len(right))
	}
	for i := range left {
		l, r := typeClass(left[i].typ), typeClass(right[i].typ)
		if l != "" && r != "" && l != r {
			return quarry.NewColumnMismatchError(op, i, fmt.Sprintf("%s is %s, %s is %s", left[i].column, l, right[i].column, r))
		}
	}
	return nil
}
