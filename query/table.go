package query

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/compiler"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/expr"
	"github.com/syssam/quarry/schema"
)

// segment is one table, derived table or CTE reference of a statement.
type segment struct {
	join   JoinKind
	on     expr.Expr
	entity *schema.EntityMap
	sub    *Query
	cte    string
	raw    *expr.Raw
	shard  shard

	// navigation joins registered while compiling
	parent int
	nav    *schema.Navigation

	// set while compiling
	alias  string
	fields []field
	source compiler.Frag
	onFrag compiler.Frag
}

// field is an output column of a derived table or CTE.
type field struct {
	name   string // member name
	column string // output column name
	typ    reflect.Type
	member *schema.MemberMap
}

type shard struct {
	tables []string
	filter func(string) bool
	values []any
}

// resolve returns the physical tables of an entity segment.
func (s shard) resolve(cfg *config.Config, e *schema.EntityMap) ([]string, error) {
	switch {
	case len(s.tables) > 0:
		return s.tables, nil
	case s.filter != nil:
		return cfg.Sharding().Filter(e.Type, e.Table, s.filter)
	default:
		return cfg.Sharding().Resolve(e.Type, e.Table, s.values...)
	}
}

type cte struct {
	name   string
	anchor *Query
	step   *Query
}

type cteDef struct {
	name      string
	recursive bool
	body      compiler.Frag
	entity    *schema.EntityMap
	fields    []field
}

// env holds the CTE definitions of a statement tree. They are emitted once,
// in front of the outermost SELECT.
type env struct {
	defs   []*cteDef
	byName map[string]*cteDef
}

func newEnv() *env { return &env{byName: map[string]*cteDef{}} }

type setOp struct {
	branches []*Query
	all      []bool
}

// include is one node of the eager-loading graph.
type include struct {
	name     string
	filters  []expr.Expr
	parent   *include
	children []*include
}

// builder compiles one Query. It implements compiler.Resolver.
type builder struct {
	q       *Query
	cfg     *config.Config
	scope   *compiler.Scope
	env     *env
	segs    []*segment
	c       *compiler.Compiler
	qualify bool
	top     bool

	cols   []compiler.Frag
	fields []field
	incSeg map[*include]int
	colls  []*collection
}

var _ compiler.Resolver = (*builder)(nil)

func (b *builder) segment(i int) (*segment, error) {
	if i < 0 || i >= len(b.segs) {
		return nil, quarry.NewCompilationError("table "+itoa(i), "not registered")
	}
	return b.segs[i], nil
}

// Entity implements compiler.Resolver.
func (b *builder) Entity(table int) (*schema.EntityMap, error) {
	seg, err := b.segment(table)
	if err != nil {
		return nil, err
	}
	return seg.entity, nil
}

// Column implements compiler.Resolver. Leading path elements naming
// single-valued navigations join the navigation target.
func (b *builder) Column(m expr.Member) (compiler.Column, error) {
	idx, path := m.Table, m.Path
	seg, err := b.segment(idx)
	if err != nil {
		return compiler.Column{}, err
	}
	for len(path) > 1 && seg.entity != nil {
		nav, ok := seg.entity.Navigation(path[0])
		if !ok {
			break
		}
		if nav.Kind == schema.NavMany {
			return compiler.Column{}, quarry.NewUnsupportedExpressionError(m.Name(), "collection navigation in an expression; use a sub-query")
		}
		if idx, err = b.navJoin(idx, nav); err != nil {
			return compiler.Column{}, err
		}
		seg, path = b.segs[idx], path[1:]
	}
	name := strings.Join(path, ".")
	if seg.fields != nil {
		for _, f := range seg.fields {
			if f.name == name || f.column == name {
				return compiler.Column{Frag: b.ref(seg, f.column), Member: f.member, Type: f.typ}, nil
			}
		}
		return compiler.Column{}, quarry.NewCompilationError(m.Name(), "no such column in derived table "+seg.alias)
	}
	mm, ok := seg.entity.Member(name)
	if !ok {
		return compiler.Column{}, quarry.NewCompilationError(m.Name(), "no mapped member on "+seg.entity.Name)
	}
	return compiler.Column{Frag: b.ref(seg, mm.Column), Member: mm, Type: mm.Type}, nil
}

// ref renders a column reference, qualified with the segment alias when
// the statement reads more than one table.
func (b *builder) ref(seg *segment, column string) compiler.Frag {
	if b.qualify {
		return compiler.Text(seg.alias + "." + b.scope.Quote(column))
	}
	return compiler.Text(b.scope.Quote(column))
}

// navJoin returns the segment joining nav from segment parent, adding a
// LEFT JOIN the first time.
func (b *builder) navJoin(parent int, nav *schema.Navigation) (int, error) {
	for i, s := range b.segs {
		if s.nav == nav && s.parent == parent {
			return i, nil
		}
	}
	if len(b.segs) >= b.cfg.MaxTables() {
		return 0, quarry.NewUnsupportedExpressionError(nav.Name, "join exceeds "+itoa(b.cfg.MaxTables())+" tables")
	}
	target, err := b.cfg.Registry().Entity(nav.Target)
	if err != nil {
		return 0, err
	}
	idx := len(b.segs)
	seg := &segment{
		join:   JoinLeft,
		entity: target,
		parent: parent,
		nav:    nav,
		alias:  b.scope.Aliases.Next(),
	}
	if nav.Kind == schema.NavOne {
		seg.on = expr.Eq(expr.T(parent, nav.ForeignKey), expr.T(idx, nav.References))
	} else {
		seg.on = expr.Eq(expr.T(idx, nav.ForeignKey), expr.T(parent, nav.References))
	}
	b.segs = append(b.segs, seg)
	if err := b.setup(seg); err != nil {
		return 0, err
	}
	return idx, nil
}

// setup resolves the source of a segment: its physical tables, derived
// body or CTE reference.
func (b *builder) setup(seg *segment) error {
	alias := ""
	if b.qualify {
		alias = " " + seg.alias
	}
	switch {
	case seg.cte != "":
		def, ok := b.env.byName[seg.cte]
		if !ok {
			return quarry.NewCompilationError("CTE "+seg.cte, "not defined")
		}
		seg.entity, seg.fields = def.entity, def.fields
		seg.source = compiler.Text(b.scope.Quote(seg.cte) + alias)
	case seg.sub != nil:
		c, err := compile(seg.sub, b.scope.Child(nil), b.env, false)
		if err != nil {
			return err
		}
		seg.entity, seg.fields = c.Shape.Entity, c.fields
		seg.source = compiler.Text("(").Append(c.Statement.Frag, compiler.Text(") "+seg.alias))
	case seg.raw != nil:
		f, _, err := b.c.Value(*seg.raw)
		if err != nil {
			return err
		}
		seg.source = compiler.Text("(").Append(f, compiler.Text(") "+seg.alias))
	default:
		tables, err := seg.shard.resolve(b.cfg, seg.entity)
		if err != nil {
			return err
		}
		if len(tables) == 1 {
			seg.source = compiler.Text(b.scope.Quote(tables[0]) + alias)
			break
		}
		parts := make([]string, len(tables))
		for i, t := range tables {
			parts[i] = "SELECT * FROM " + b.scope.Quote(t)
		}
		seg.source = compiler.Text("(" + strings.Join(parts, " UNION ALL ") + ") " + seg.alias)
	}
	return nil
}

// needsQualify reports whether column references carry table aliases.
func (b *builder) needsQualify() bool {
	q := b.q
	if len(q.tables) > 1 || len(q.includes) > 0 || b.scope.Outer != nil {
		return true
	}
	multi := func(e expr.Expr) bool {
		switch e := e.(type) {
		case expr.Member:
			return e.Table > 0 || e.Outer || len(e.Path) > 1
		case expr.Exists, expr.InQuery, expr.Raw:
			return true
		}
		return false
	}
	all := append(append(append([]expr.Expr{q.sel}, q.where...), q.group...), q.having...)
	for _, o := range q.order {
		all = append(all, o.e)
	}
	for _, e := range all {
		if e != nil && expr.Any(e, multi) {
			return true
		}
	}
	return false
}

func itoa(i int) string { return strconv.Itoa(i) }
