// Package query assembles SELECT statements over mapped entities: table
// registration and joins, navigation includes, set operations, common
// table expressions, grouping, ordering and paging, and materializes the
// result rows into Go values.
//
// A Query is a single-statement builder. It is not safe for concurrent use
// and records the first build error it meets; every later call is a no-op
// and Compile and the execution methods return that error.
//
//	users, err := query.List[User](ctx, query.New(cfg, drv).
//		From(User{}).
//		Where(expr.And(expr.Gt(expr.C("Age"), 18), expr.C("IsEnabled"))).
//		OrderBy(expr.C("Name")).
//		Page(1, 20))
package query

import (
	"fmt"
	"time"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/expr"
)

// JoinKind is the join type of a table segment.
type JoinKind int

// Join kinds.
const (
	JoinNone JoinKind = iota
	JoinInner
	JoinLeft
	JoinRight
	JoinFull
)

var joinNames = [...]string{"", " INNER JOIN ", " LEFT JOIN ", " RIGHT JOIN ", " FULL OUTER JOIN "}

// Cte names a common table expression registered with With or
// WithRecursive, for use with From and the join methods.
type Cte string

// Query builds one SELECT statement.
type Query struct {
	cfg *config.Config
	drv dialect.ExecQuerier
	err error

	tables   []*segment
	ctes     []*cte
	set      *setOp
	where    []expr.Expr
	group    []expr.Expr
	having   []expr.Expr
	order    []ordering
	distinct bool
	skip     int
	take     int
	sel      expr.Expr
	includes []*include
	last     *include

	cache quarry.Cache
	ttl   time.Duration
}

type ordering struct {
	e    expr.Expr
	desc bool
}

// New returns an empty query. drv may be nil for queries that are only
// compiled, e.g. to be added to a batch.
func New(cfg *config.Config, drv dialect.ExecQuerier) *Query {
	return &Query{cfg: cfg, drv: drv, take: -1}
}

// Err returns the first build error.
func (q *Query) Err() error { return q.err }

// Config returns the configuration the query was created with.
func (q *Query) Config() *config.Config { return q.cfg }

func (q *Query) fail(err error) *Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

// From registers the first table segment: an entity value or type, a
// derived *Query, or a Cte.
func (q *Query) From(source any) *Query {
	if q.err != nil {
		return q
	}
	if len(q.tables) > 0 {
		return q.fail(quarry.NewCompilationError("From", "called twice; use a join to add tables"))
	}
	return q.register(source, JoinNone, nil)
}

// FromQuery registers a derived table.
func (q *Query) FromQuery(sub *Query) *Query { return q.From(sub) }

// FromCte registers a common table expression as the first segment.
func (q *Query) FromCte(name string) *Query { return q.From(Cte(name)) }

// FromSQL registers a raw SQL body mapped as entity. Each ? binds the next
// argument.
func (q *Query) FromSQL(entity any, text string, args ...any) *Query {
	if q.err != nil {
		return q
	}
	if len(q.tables) > 0 {
		return q.fail(quarry.NewCompilationError("FromSQL", "called after From"))
	}
	e, err := q.cfg.Registry().Entity(entity)
	if err != nil {
		return q.fail(err)
	}
	raw := expr.SQL(text, args...)
	q.tables = append(q.tables, &segment{entity: e, raw: &raw, parent: -1})
	return q
}

// InnerJoin adds an INNER JOIN segment.
func (q *Query) InnerJoin(source any, on expr.Expr) *Query {
	return q.join(source, JoinInner, on)
}

// LeftJoin adds a LEFT JOIN segment.
func (q *Query) LeftJoin(source any, on expr.Expr) *Query {
	return q.join(source, JoinLeft, on)
}

// RightJoin adds a RIGHT JOIN segment.
func (q *Query) RightJoin(source any, on expr.Expr) *Query {
	return q.join(source, JoinRight, on)
}

// FullJoin adds a FULL OUTER JOIN segment.
func (q *Query) FullJoin(source any, on expr.Expr) *Query {
	if q.err == nil && !q.cfg.Provider().FullJoin() {
		return q.fail(quarry.NewUnsupportedExpressionError("FULL OUTER JOIN", q.cfg.Provider().Name()+" has no full joins"))
	}
	return q.join(source, JoinFull, on)
}

func (q *Query) join(source any, kind JoinKind, on expr.Expr) *Query {
	if q.err != nil {
		return q
	}
	if len(q.tables) == 0 {
		return q.fail(quarry.NewCompilationError("join", "From must precede joins"))
	}
	if on == nil {
		return q.fail(quarry.NewCompilationError("join", "missing ON condition"))
	}
	return q.register(source, kind, on)
}

func (q *Query) register(source any, kind JoinKind, on expr.Expr) *Query {
	if len(q.tables) >= q.cfg.MaxTables() {
		return q.fail(quarry.NewUnsupportedExpressionError("join", fmt.Sprintf("more than %d tables", q.cfg.MaxTables())))
	}
	seg := &segment{join: kind, on: on, parent: -1}
	switch s := source.(type) {
	case *Query:
		if s.err != nil {
			return q.fail(s.err)
		}
		seg.sub = s
	case Cte:
		seg.cte = string(s)
	default:
		e, err := q.cfg.Registry().Entity(source)
		if err != nil {
			return q.fail(err)
		}
		seg.entity = e
	}
	q.tables = append(q.tables, seg)
	return q
}

// UseTable pins the physical tables of the most recently registered
// segment. More than one table reads their UNION ALL.
func (q *Query) UseTable(names ...string) *Query {
	return q.shard(func(s *shard) { s.tables = names })
}

// UseTableWhere selects the physical tables of the most recently
// registered segment among those enumerated by its sharding rule.
func (q *Query) UseTableWhere(pred func(table string) bool) *Query {
	return q.shard(func(s *shard) { s.filter = pred })
}

// UseTableBy routes the most recently registered segment by one to three
// key or range values through its sharding rule.
func (q *Query) UseTableBy(values ...any) *Query {
	return q.shard(func(s *shard) { s.values = values })
}

func (q *Query) shard(fn func(*shard)) *Query {
	if q.err != nil {
		return q
	}
	if len(q.tables) == 0 {
		return q.fail(quarry.NewCompilationError("UseTable", "no table registered"))
	}
	seg := q.tables[len(q.tables)-1]
	if seg.entity == nil || seg.raw != nil {
		return q.fail(quarry.NewCompilationError("UseTable", "segment is not an entity table"))
	}
	fn(&seg.shard)
	return q
}

// Where adds predicates joined with AND.
func (q *Query) Where(preds ...expr.Expr) *Query {
	if q.err != nil {
		return q
	}
	for _, p := range preds {
		if p != nil {
			q.where = append(q.where, p)
		}
	}
	return q
}

// GroupBy sets the grouping keys.
func (q *Query) GroupBy(keys ...expr.Expr) *Query {
	if q.err == nil {
		q.group = append(q.group, keys...)
	}
	return q
}

// Having adds group predicates joined with AND. GroupBy must be called
// first.
func (q *Query) Having(preds ...expr.Expr) *Query {
	if q.err != nil {
		return q
	}
	if len(q.group) == 0 {
		return q.fail(quarry.NewCompilationError("Having", "requires GroupBy"))
	}
	q.having = append(q.having, preds...)
	return q
}

// OrderBy appends ascending sort keys.
func (q *Query) OrderBy(keys ...expr.Expr) *Query {
	if q.err == nil {
		for _, k := range keys {
			q.order = append(q.order, ordering{e: k})
		}
	}
	return q
}

// OrderByDesc appends descending sort keys.
func (q *Query) OrderByDesc(keys ...expr.Expr) *Query {
	if q.err == nil {
		for _, k := range keys {
			q.order = append(q.order, ordering{e: k, desc: true})
		}
	}
	return q
}

// Distinct removes duplicate rows.
func (q *Query) Distinct() *Query {
	q.distinct = true
	return q
}

// Skip skips the first n rows.
func (q *Query) Skip(n int) *Query {
	if q.err != nil {
		return q
	}
	if n < 0 {
		return q.fail(fmt.Errorf("%w: skip %d", quarry.ErrInvalidPaging, n))
	}
	q.skip = n
	return q
}

// Take limits the result to n rows.
func (q *Query) Take(n int) *Query {
	if q.err != nil {
		return q
	}
	if n <= 0 {
		return q.fail(fmt.Errorf("%w: take %d", quarry.ErrInvalidPaging, n))
	}
	q.take = n
	return q
}

// Page selects the 1-based page number of the given size.
func (q *Query) Page(number, size int) *Query {
	if q.err != nil {
		return q
	}
	if size <= 0 {
		return q.fail(fmt.Errorf("%w: page size %d", quarry.ErrInvalidPaging, size))
	}
	if number <= 0 {
		return q.fail(fmt.Errorf("%w: page number %d", quarry.ErrInvalidPaging, number))
	}
	q.skip, q.take = (number-1)*size, size
	return q
}

// Select sets the projection: a member, an expression, or an object built
// with expr.Obj.
func (q *Query) Select(e expr.Expr) *Query {
	if q.err == nil {
		q.sel = e
	}
	return q
}

// Include eager-loads a navigation of the root entity. Single-valued
// navigations are joined into the statement; collections are fetched by a
// second statement keyed by the parent keys actually read. filters apply to
// collection includes and reference the navigation target as table 0.
func (q *Query) Include(nav string, filters ...expr.Expr) *Query {
	if q.err != nil {
		return q
	}
	inc := &include{name: nav, filters: filters}
	q.includes = append(q.includes, inc)
	q.last = inc
	return q
}

// ThenInclude eager-loads a navigation of the previously included entity.
func (q *Query) ThenInclude(nav string, filters ...expr.Expr) *Query {
	if q.err != nil {
		return q
	}
	if q.last == nil {
		return q.fail(quarry.NewCompilationError("ThenInclude", "no preceding Include"))
	}
	inc := &include{name: nav, filters: filters, parent: q.last}
	q.last.children = append(q.last.children, inc)
	q.last = inc
	return q
}

// Cached serves ToList from cache for ttl, keyed by the compiled statement.
func (q *Query) Cached(cache quarry.Cache, ttl time.Duration) *Query {
	q.cache, q.ttl = cache, ttl
	return q
}

// With registers a common table expression.
func (q *Query) With(name string, body *Query) *Query {
	if q.err != nil {
		return q
	}
	if body.err != nil {
		return q.fail(body.err)
	}
	q.ctes = append(q.ctes, &cte{name: name, anchor: body})
	return q
}

// WithRecursive registers a recursive common table expression. step reads
// the expression itself through Cte(name) and must project the same columns
// as anchor.
func (q *Query) WithRecursive(name string, anchor, step *Query) *Query {
	if q.err != nil {
		return q
	}
	for _, b := range []*Query{anchor, step} {
		if b.err != nil {
			return q.fail(b.err)
		}
	}
	q.ctes = append(q.ctes, &cte{name: name, anchor: anchor, step: step})
	return q
}

// Recursive returns a query reading every row of the recursive common
// table expression built from anchor and step.
func Recursive(name string, anchor, step *Query) *Query {
	return New(anchor.cfg, anchor.drv).WithRecursive(name, anchor, step).FromCte(name)
}

// Union combines q with other, removing duplicates. The combined rows
// become a derived table; later calls filter, sort and page them.
func (q *Query) Union(other *Query) *Query { return q.union(other, false) }

// UnionAll combines q with other, keeping duplicates.
func (q *Query) UnionAll(other *Query) *Query { return q.union(other, true) }

func (q *Query) union(other *Query, all bool) *Query {
	if q.err != nil {
		return q
	}
	if other.err != nil {
		return q.fail(other.err)
	}
	left, err := signature(q)
	if err != nil {
		return q.fail(err)
	}
	right, err := signature(other)
	if err != nil {
		return q.fail(err)
	}
	op := "UNION"
	if all {
		op = "UNION ALL"
	}
	if err := compatible(op, left, right); err != nil {
		return q.fail(err)
	}
	body := &Query{cfg: q.cfg, take: -1, set: &setOp{branches: []*Query{q.clone(), other}, all: []bool{false, all}}}
	*q = Query{cfg: q.cfg, drv: q.drv, take: -1, cache: q.cache, ttl: q.ttl}
	q.tables = []*segment{{sub: body, parent: -1}}
	return q
}

// Clone returns a copy of q whose clauses can be extended independently.
func (q *Query) Clone() *Query { return q.clone() }

func (q *Query) clone() *Query {
	c := *q
	c.tables = make([]*segment, len(q.tables))
	for i, s := range q.tables {
		cs := *s
		c.tables[i] = &cs
	}
	c.ctes = append([]*cte(nil), q.ctes...)
	c.where = append([]expr.Expr(nil), q.where...)
	c.group = append([]expr.Expr(nil), q.group...)
	c.having = append([]expr.Expr(nil), q.having...)
	c.order = append([]ordering(nil), q.order...)
	c.includes = append([]*include(nil), q.includes...)
	return &c
}

// CountQuery returns a query counting the rows q selects, ignoring its
// ordering, paging and includes.
func (q *Query) CountQuery() *Query {
	if q.err != nil {
		return &Query{cfg: q.cfg, drv: q.drv, err: q.err}
	}
	c := q.clone()
	c.order, c.skip, c.take, c.includes, c.last, c.cache = nil, 0, -1, nil, nil, nil
	if len(c.group) > 0 || c.distinct {
		ctes := c.ctes
		c.ctes = nil
		w := New(q.cfg, q.drv).From(c)
		w.ctes = ctes
		w.sel = expr.Count()
		return w
	}
	c.sel = expr.Count()
	return c
}
