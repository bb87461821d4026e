// Package mutation assembles INSERT, UPDATE and DELETE statements over
// mapped entities, including bulk variants that compile one SQL template
// and re-bind only parameter values per row.
//
//	n, err := mutation.Update(cfg, User{}).
//		Set("IsEnabled", false).
//		Where(expr.Lt(expr.C("LastSeen"), cutoff)).
//		Execute(ctx, drv)
//
// Builders record the first error they meet; Compile and Execute return it.
package mutation

import (
	"context"
	"fmt"
	"reflect"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/batch"
	"github.com/syssam/quarry/compiler"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/expr"
	"github.com/syssam/quarry/schema"
)

// target is the entity and physical tables a mutation writes.
type target struct {
	cfg    *config.Config
	entity *schema.EntityMap
	err    error

	tables []string
	values []any
	filter func(string) bool
}

func newTarget(cfg *config.Config, entity any) target {
	t := target{cfg: cfg}
	e, err := cfg.Registry().Entity(entity)
	if err != nil {
		t.err = err
		return t
	}
	t.entity = e
	return t
}

func (t *target) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

// resolve returns the physical tables of the statement.
func (t *target) resolve() ([]string, error) {
	e := t.entity
	switch {
	case len(t.tables) > 0:
		return t.tables, nil
	case t.filter != nil:
		return t.cfg.Sharding().Filter(e.Type, e.Table, t.filter)
	default:
		return t.cfg.Sharding().Resolve(e.Type, e.Table, t.values...)
	}
}

// route groups row indexes by physical table, in first-seen order. Rows
// are routed one by one when the sharding rule names key members and no
// table was pinned; otherwise every row goes to every resolved table. one
// requires a single table per row.
func (t *target) route(rows []reflect.Value, one bool) ([]string, map[string][]int, error) {
	check := func(tables []string) error {
		if one && len(tables) != 1 {
			return quarry.NewUnsupportedExpressionError("write to "+t.entity.Name, fmt.Sprintf("resolves to %d tables; pin one with UseTable", len(tables)))
		}
		return nil
	}
	var (
		order  []string
		groups = map[string][]int{}
	)
	add := func(table string, i int) {
		if _, ok := groups[table]; !ok {
			order = append(order, table)
		}
		groups[table] = append(groups[table], i)
	}
	rule, ok := t.cfg.Sharding().Rule(t.entity.Type)
	if len(t.tables) > 0 || len(t.values) > 0 || t.filter != nil || !ok || len(rule.KeyMembers()) == 0 {
		tables, err := t.resolve()
		if err != nil {
			return nil, nil, err
		}
		if err := check(tables); err != nil {
			return nil, nil, err
		}
		for _, table := range tables {
			for i := range rows {
				add(table, i)
			}
		}
		return order, groups, nil
	}
	keys := make([]*schema.MemberMap, len(rule.KeyMembers()))
	for i, name := range rule.KeyMembers() {
		m, err := member(t.entity, name)
		if err != nil {
			return nil, nil, err
		}
		keys[i] = m
	}
	for n, r := range rows {
		vals := make([]any, len(keys))
		for i, m := range keys {
			vals[i] = m.Get(r)
		}
		tables, err := t.cfg.Sharding().Resolve(t.entity.Type, t.entity.Table, vals...)
		if err != nil {
			return nil, nil, err
		}
		if len(tables) != 1 {
			return nil, nil, quarry.NewShardingUnresolvedError(t.entity.Name, vals...)
		}
		add(tables[0], n)
	}
	return order, groups, nil
}

// pick returns rows[i] for every index.
func pick(rows []reflect.Value, idx []int) []reflect.Value {
	out := make([]reflect.Value, len(idx))
	for i, n := range idx {
		out[i] = rows[n]
	}
	return out
}

// resolver resolves members of the mutated entity. Columns are qualified
// with the table name when the statement holds sub-queries.
type resolver struct {
	scope     *compiler.Scope
	entity    *schema.EntityMap
	qualifier string
}

var _ compiler.Resolver = (*resolver)(nil)

func newResolver(scope *compiler.Scope, e *schema.EntityMap, table string, qualify bool) *resolver {
	r := &resolver{scope: scope, entity: e}
	if qualify {
		r.qualifier = scope.Quote(table) + "."
	}
	return r
}

// Column implements compiler.Resolver.
func (r *resolver) Column(m expr.Member) (compiler.Column, error) {
	if m.Table != 0 {
		return compiler.Column{}, quarry.NewCompilationError(m.Name(), "a mutation reads a single table")
	}
	if len(m.Path) > 1 {
		if _, ok := r.entity.Navigation(m.Path[0]); ok {
			return compiler.Column{}, quarry.NewUnsupportedExpressionError(m.Name(), "navigation in a mutation; use a sub-query")
		}
	}
	mm, ok := r.entity.Member(m.Name())
	if !ok {
		return compiler.Column{}, quarry.NewCompilationError(m.Name(), "no mapped member on "+r.entity.Name)
	}
	return compiler.Column{Frag: compiler.Text(r.qualifier + r.scope.Quote(mm.Column)), Member: mm, Type: mm.Type}, nil
}

// Entity implements compiler.Resolver.
func (r *resolver) Entity(table int) (*schema.EntityMap, error) {
	if table != 0 {
		return nil, quarry.NewCompilationError(fmt.Sprintf("table %d", table), "a mutation reads a single table")
	}
	return r.entity, nil
}

func hasSubquery(es ...expr.Expr) bool {
	for _, e := range es {
		if e != nil && expr.Any(e, func(x expr.Expr) bool {
			switch x.(type) {
			case expr.Exists, expr.InQuery:
				return true
			}
			return false
		}) {
			return true
		}
	}
	return false
}

// member looks up a writable member.
func member(e *schema.EntityMap, name string) (*schema.MemberMap, error) {
	m, ok := e.Member(name)
	if !ok {
		return nil, quarry.NewCompilationError(name, "no mapped member on "+e.Name)
	}
	return m, nil
}

// rowsOf expands v, a struct, a pointer, or a slice of either, into its
// struct values.
func rowsOf(e *schema.EntityMap, v any) ([]reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, quarry.NewCompilationError("rows", "nil value")
	}
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]reflect.Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			row, err := rowOf(e, rv.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, row)
		}
		return out, nil
	}
	row, err := rowOf(e, rv)
	if err != nil {
		return nil, err
	}
	return []reflect.Value{row}, nil
}

func rowOf(e *schema.EntityMap, rv reflect.Value) (reflect.Value, error) {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return reflect.Value{}, quarry.NewCompilationError("rows", "nil row")
		}
		rv = rv.Elem()
	}
	if rv.Type() != e.Type {
		return reflect.Value{}, quarry.NewCompilationError("rows", fmt.Sprintf("%s is not %s", rv.Type(), e.Name))
	}
	return rv, nil
}

// keyPredicate matches the key members of the given rows: IN over a single
// key, an OR of ANDs over composite keys. A key is an entity value, a
// scalar for single keys, or a []any tuple.
func keyPredicate(e *schema.EntityMap, keys []any) (expr.Expr, error) {
	if len(e.Keys) == 0 {
		return nil, quarry.NewCompilationError(e.Name, "has no key members")
	}
	tuples := make([][]any, 0, len(keys))
	for _, k := range keys {
		tuple, err := keyTuple(e, k)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}
	if len(tuples) == 0 {
		return expr.V(false), nil
	}
	if len(e.Keys) == 1 {
		vals := make([]any, len(tuples))
		for i, t := range tuples {
			vals[i] = t[0]
		}
		if len(vals) == 1 {
			return expr.Eq(expr.C(e.Keys[0].Name), vals[0]), nil
		}
		return expr.In(expr.C(e.Keys[0].Name), vals...), nil
	}
	ors := make([]any, len(tuples))
	for i, t := range tuples {
		ands := make([]any, len(e.Keys))
		for j, m := range e.Keys {
			ands[j] = expr.Eq(expr.C(m.Name), t[j])
		}
		ors[i] = expr.And(ands...)
	}
	return expr.Or(ors...), nil
}

func keyTuple(e *schema.EntityMap, k any) ([]any, error) {
	rv := reflect.ValueOf(k)
	for rv.IsValid() && rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct {
		rv = rv.Elem()
	}
	switch {
	case rv.IsValid() && rv.Type() == e.Type:
		out := make([]any, len(e.Keys))
		for i, m := range e.Keys {
			out[i] = m.Get(rv)
		}
		return out, nil
	case rv.IsValid() && rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Interface:
		if rv.Len() != len(e.Keys) {
			return nil, quarry.NewCompilationError(e.Name, fmt.Sprintf("key tuple has %d values, expected %d", rv.Len(), len(e.Keys)))
		}
		tuple := make([]any, rv.Len())
		for i := range tuple {
			tuple[i] = rv.Index(i).Interface()
		}
		return tuple, nil
	case len(e.Keys) == 1:
		return []any{k}, nil
	}
	return nil, quarry.NewCompilationError(e.Name, fmt.Sprintf("%T is not a key of a composite key entity", k))
}

// execute runs the statements through a command buffer.
func execute(ctx context.Context, cfg *config.Config, drv dialect.ExecQuerier, stmts []*compiler.Statement, chunk int) (int64, error) {
	return batch.NewCommand(cfg, drv).Chunk(chunk).AddStatements(stmts...).Execute(ctx)
}
