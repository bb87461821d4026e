package query

import (
	"reflect"
	"strings"

	"golang.org/x/text/cases"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/expr"
	"github.com/syssam/quarry/schema"
)

// SelectFlattenTo projects the root entity onto the exported fields of the
// struct type of dto. A field matches a member of the same name, compared
// case-insensitively, or a member of a single-valued navigation prefixed
// with the navigation name: AuthorName reads Author.Name. Fields the root
// leaves unmatched are looked up on the joined entity tables in join order,
// by member name or prefixed with the entity name. Unmatched pointer fields
// stay nil; an unmatched value field is a compilation error.
func (q *Query) SelectFlattenTo(dto any) *Query {
	if q.err != nil {
		return q
	}
	if len(q.tables) == 0 || q.tables[0].entity == nil {
		return q.fail(quarry.NewCompilationError("SelectFlattenTo", "the first table is not an entity"))
	}
	t := reflect.TypeOf(dto)
	if rt, ok := dto.(reflect.Type); ok {
		t = rt
	}
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return q.fail(quarry.NewCompilationError("SelectFlattenTo", "destination must be a struct"))
	}
	root := q.tables[0].entity
	fold := cases.Fold()
	key := func(s string) string { return fold.String(s) }
	var bindings []expr.Binding
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		table, path, ok := q.flattenField(key(sf.Name), key)
		if !ok {
			if sf.Type.Kind() == reflect.Pointer {
				continue
			}
			return q.fail(quarry.NewCompilationError("SelectFlattenTo "+t.Name()+"."+sf.Name, "no matching member on "+root.Name))
		}
		bindings = append(bindings, expr.As(sf.Name, expr.T(table, path...)))
	}
	if len(bindings) == 0 {
		return q.fail(quarry.NewCompilationError("SelectFlattenTo "+t.Name(), "no field matches "+root.Name))
	}
	return q.Select(expr.Obj(bindings...))
}

// flattenField returns the table index and member path a folded field name
// reads.
func (q *Query) flattenField(name string, key func(string) string) (int, []string, bool) {
	reg := q.cfg.Registry()
	if path, ok := flattenPath(reg, q.tables[0].entity, name, key); ok {
		return 0, path, true
	}
	for i, t := range q.tables[1:] {
		if t.entity == nil {
			continue
		}
		if path, ok := flattenPath(reg, t.entity, name, key); ok {
			return i + 1, path, true
		}
		prefix := key(t.entity.Name)
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			if path, ok := flattenPath(reg, t.entity, name[len(prefix):], key); ok {
				return i + 1, path, true
			}
		}
	}
	return 0, nil, false
}

// flattenPath finds the member path of a folded field name on e.
func flattenPath(reg *schema.Registry, e *schema.EntityMap, name string, key func(string) string) ([]string, bool) {
	for _, m := range e.Members {
		if key(m.Name) == name {
			return []string{m.Name}, true
		}
	}
	for _, nav := range e.Navigations {
		prefix := key(nav.Name)
		if nav.Kind != schema.NavOne || !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			continue
		}
		target, err := reg.Entity(nav.Target)
		if err != nil {
			continue
		}
		if rest, ok := flattenPath(reg, target, name[len(prefix):], key); ok {
			return append([]string{nav.Name}, rest...), true
		}
	}
	return nil, false
}
