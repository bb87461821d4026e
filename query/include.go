package query

import (
	"context"
	"fmt"
	"reflect"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/dialect/sql/sqlgraph"
	"github.com/syssam/quarry/expr"
	"github.com/syssam/quarry/schema"
)

// collection is a collection-valued include, loaded by a second statement
// once the owner rows are read.
type collection struct {
	path []*schema.Navigation // single-valued navigations from the root to the owner
	nav  *schema.Navigation
	node *include
}

// resolveIncludes joins the single-valued includes below segment owner and
// defers the collection-valued ones.
func (b *builder) resolveIncludes(incs []*include, owner int, path []*schema.Navigation) error {
	for _, inc := range incs {
		e := b.segs[owner].entity
		if e == nil {
			return quarry.NewCompilationError("Include "+inc.name, "owner is not an entity table")
		}
		nav, ok := e.Navigation(inc.name)
		if !ok {
			return quarry.NewCompilationError("Include "+inc.name, "no navigation on "+e.Name)
		}
		if nav.Kind == schema.NavMany {
			b.colls = append(b.colls, &collection{
				path: append([]*schema.Navigation(nil), path...),
				nav:  nav,
				node: inc,
			})
			continue
		}
		if len(inc.filters) > 0 {
			return quarry.NewUnsupportedExpressionError("Include "+inc.name, "filters apply to collection navigations only")
		}
		idx, err := b.navJoin(owner, nav)
		if err != nil {
			return err
		}
		b.incSeg[inc] = idx
		if err := b.resolveIncludes(inc.children, idx, append(path, nav)); err != nil {
			return err
		}
	}
	return nil
}

// LoadIncludes fetches the collection includes of the rows in dest, a
// pointer to a slice or to a single entity, and attaches them. Each
// collection costs one statement per chunk of distinct owner keys.
func (c *Compiled) LoadIncludes(ctx context.Context, drv dialect.ExecQuerier, dest any) error {
	if len(c.collections) == 0 {
		return nil
	}
	roots := values(reflect.ValueOf(dest))
	for _, col := range c.collections {
		owner := col.nav.Owner
		if len(col.path) > 0 {
			owner = col.path[0].Owner
		}
		if len(roots) > 0 && roots[0].Type() != owner.Type {
			return fmt.Errorf("quarry: include %s: dest holds %s, not %s", col.nav.Name, roots[0].Type(), owner.Type)
		}
		if err := c.load(ctx, drv, col, owners(roots, col.path)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiled) load(ctx context.Context, drv dialect.ExecQuerier, col *collection, owners []reflect.Value) error {
	nav := col.nav
	ref, ok := nav.Owner.Member(nav.References)
	if !ok {
		return quarry.NewCompilationError("Include "+nav.Name, "no member "+nav.References)
	}
	target, err := c.cfg.Registry().Entity(nav.Target)
	if err != nil {
		return err
	}
	fk, ok := target.Member(nav.ForeignKey)
	if !ok {
		return quarry.NewCompilationError("Include "+nav.Name, "no member "+nav.ForeignKey)
	}
	keys := make([]any, 0, len(owners))
	raw := make(map[any]any, len(owners))
	for _, o := range owners {
		v := ref.Get(o)
		k := sqlgraph.Key(v)
		if k == nil {
			continue
		}
		if _, ok := raw[k]; !ok {
			raw[k] = v
		}
		keys = append(keys, k)
	}
	keys = sqlgraph.Distinct(keys)
	var children []reflect.Value
	chunk := c.cfg.MaxParams() - len(col.node.filters)
	if chunk <= 0 {
		chunk = 1
	}
	for start := 0; start < len(keys); start += chunk {
		end := min(start+chunk, len(keys))
		in := make([]any, 0, end-start)
		for _, k := range keys[start:end] {
			in = append(in, raw[k])
		}
		cq := New(c.cfg, drv).From(target.Type).Where(expr.In(expr.C(nav.ForeignKey), in...)).Where(col.node.filters...)
		cq.includes = col.node.children
		ptrs := reflect.New(reflect.SliceOf(reflect.PointerTo(target.Type)))
		if err := cq.ToList(ctx, ptrs.Interface()); err != nil {
			return fmt.Errorf("quarry: include %s: %w", nav.Name, err)
		}
		for i := 0; i < ptrs.Elem().Len(); i++ {
			children = append(children, ptrs.Elem().Index(i))
		}
	}
	groups := sqlgraph.GroupByKey(children, func(v reflect.Value) any { return sqlgraph.Key(fk.Get(v)) })
	for _, o := range owners {
		fv := fieldAlloc(o, nav.Index)
		group := groups[sqlgraph.Key(ref.Get(o))]
		s := reflect.MakeSlice(fv.Type(), 0, len(group))
		for _, ch := range group {
			if !nav.ElemPointer {
				ch = ch.Elem()
			}
			s = reflect.Append(s, ch)
		}
		fv.Set(s)
	}
	return nil
}

// values returns the addressable struct values held by v, a pointer to a
// struct, a pointer to a slice, or a slice.
func values(v reflect.Value) []reflect.Value {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		return []reflect.Value{v}
	case reflect.Slice:
		out := make([]reflect.Value, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, values(v.Index(i).Addr())...)
		}
		return out
	}
	return nil
}

// owners follows single-valued navigations from the roots, skipping
// unmatched ones.
func owners(roots []reflect.Value, path []*schema.Navigation) []reflect.Value {
	cur := roots
	for _, nav := range path {
		next := make([]reflect.Value, 0, len(cur))
		for _, v := range cur {
			f := v.FieldByIndex(nav.Index)
			if f.Kind() == reflect.Pointer {
				if f.IsNil() {
					continue
				}
				f = f.Elem()
			}
			next = append(next, f)
		}
		cur = next
	}
	return cur
}
