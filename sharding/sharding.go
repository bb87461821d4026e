// Package sharding maps logical entities onto physical tables.
//
// A Rule can resolve tables in three ways:
//
//   - an explicit list of candidate tables filtered by a predicate,
//   - single-key routing to exactly one table,
//   - range routing over one to three bound values, returning every table
//     whose key range intersects them.
//
// Entities without a rule always resolve to their default table.
package sharding

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"strconv"
	"time"

	"github.com/syssam/quarry"
)

// RouteFunc maps one key value to one physical table.
type RouteFunc func(key any) (string, error)

// RangeFunc maps one to three bound values to the physical tables they cover.
type RangeFunc func(values ...any) ([]string, error)

// Rule describes how one entity is spread over physical tables.
type Rule struct {
	entity reflect.Type
	tables []string
	route  RouteFunc
	rng    RangeFunc
	keys   []string
}

// For starts a rule for the entity type of v.
func For(v any) *Rule {
	t, ok := v.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(v)
	}
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return &Rule{entity: t}
}

// Tables sets the explicit candidate tables.
func (r *Rule) Tables(names ...string) *Rule {
	r.tables = append(r.tables, names...)
	return r
}

// Route sets single-key routing.
func (r *Rule) Route(fn RouteFunc) *Rule {
	r.route = fn
	return r
}

// Range sets range routing.
func (r *Rule) Range(fn RangeFunc) *Rule {
	r.rng = fn
	return r
}

// Keys names the members whose values route a row written by an insert.
func (r *Rule) Keys(members ...string) *Rule {
	r.keys = members
	return r
}

// KeyMembers returns the routing members of inserted rows.
func (r *Rule) KeyMembers() []string { return r.keys }

// Entity returns the entity type the rule applies to.
func (r *Rule) Entity() reflect.Type { return r.entity }

// Registry holds the sharding rules of a process. It is read-only once built.
type Registry struct {
	rules map[reflect.Type]*Rule
}

// NewRegistry builds a registry from rules. Each entity may have one rule.
func NewRegistry(rules ...*Rule) (*Registry, error) {
	r := &Registry{rules: make(map[reflect.Type]*Rule, len(rules))}
	for _, rule := range rules {
		if rule.entity == nil {
			return nil, fmt.Errorf("sharding: rule without entity")
		}
		if len(rule.tables) == 0 && rule.route == nil && rule.rng == nil {
			return nil, fmt.Errorf("sharding: rule for %s resolves no tables", rule.entity)
		}
		if _, ok := r.rules[rule.entity]; ok {
			return nil, fmt.Errorf("sharding: entity %s has more than one rule", rule.entity)
		}
		r.rules[rule.entity] = rule
	}
	return r, nil
}

// Rule returns the rule of an entity type.
func (r *Registry) Rule(t reflect.Type) (*Rule, bool) {
	if r == nil {
		return nil, false
	}
	rule, ok := r.rules[t]
	return rule, ok
}

// Resolve returns the physical tables for the bound values. With no values
// the explicit candidates are returned; one value uses single-key routing
// when available; up to three values use range routing.
func (r *Registry) Resolve(t reflect.Type, defaultTable string, values ...any) ([]string, error) {
	rule, ok := r.Rule(t)
	if !ok {
		return []string{defaultTable}, nil
	}
	var (
		tables []string
		err    error
	)
	switch n := len(values); {
	case n == 0:
		tables = rule.tables
	case n == 1 && rule.route != nil:
		var name string
		if name, err = rule.route(values[0]); err == nil && name != "" {
			tables = []string{name}
		}
	case n <= 3 && rule.rng != nil:
		tables, err = rule.rng(values...)
	case n > 3:
		return nil, quarry.NewUnsupportedExpressionError("sharding", fmt.Sprintf("range routing takes at most 3 values, got %d", n))
	default:
		return nil, quarry.NewShardingUnresolvedError(t.Name(), values...)
	}
	if err != nil {
		return nil, fmt.Errorf("sharding: resolve %s: %w", t.Name(), err)
	}
	return unresolved(t, distinct(tables), values)
}

// Filter returns the explicit candidates accepted by pred.
func (r *Registry) Filter(t reflect.Type, defaultTable string, pred func(table string) bool) ([]string, error) {
	rule, ok := r.Rule(t)
	if !ok {
		return []string{defaultTable}, nil
	}
	var tables []string
	for _, name := range rule.tables {
		if pred == nil || pred(name) {
			tables = append(tables, name)
		}
	}
	return unresolved(t, distinct(tables), nil)
}

func unresolved(t reflect.Type, tables []string, values []any) ([]string, error) {
	if len(tables) == 0 {
		return nil, quarry.NewShardingUnresolvedError(t.Name(), values...)
	}
	return tables, nil
}

func distinct(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// ModHash routes a key to one of n tables named base_0 .. base_<n-1>.
// Integer keys use their value modulo n, other keys an FNV-1a hash.
func ModHash(base string, n int) RouteFunc {
	return func(key any) (string, error) {
		if n <= 0 {
			return "", fmt.Errorf("sharding: ModHash needs a positive table count")
		}
		if u, ok := magnitude(key); ok {
			return base + "_" + strconv.FormatUint(u%uint64(n), 10), nil
		}
		h := fnv.New32a()
		fmt.Fprint(h, key)
		return base + "_" + strconv.FormatUint(uint64(h.Sum32()%uint32(n)), 10), nil
	}
}

// Ranges splits integer keys at the given ascending bounds. Table base_0
// holds keys below bounds[0], base_i keys in [bounds[i-1], bounds[i]) and
// the last table keys at or above the last bound. One value selects one
// table, two values select every table intersecting the closed range.
func Ranges(base string, bounds ...int64) RangeFunc {
	index := func(v int64) int {
		i := 0
		for i < len(bounds) && v >= bounds[i] {
			i++
		}
		return i
	}
	return func(values ...any) ([]string, error) {
		lo, ok := toInt64(values[0])
		if !ok {
			return nil, fmt.Errorf("sharding: Ranges needs integer values, got %T", values[0])
		}
		hi := lo
		if len(values) > 1 {
			if hi, ok = toInt64(values[1]); !ok {
				return nil, fmt.Errorf("sharding: Ranges needs integer values, got %T", values[1])
			}
		}
		if hi < lo {
			return nil, nil
		}
		var out []string
		for i := index(lo); i <= index(hi); i++ {
			out = append(out, base+"_"+strconv.Itoa(i))
		}
		return out, nil
	}
}

// Monthly names tables by month, e.g. orders_202601. One time value
// selects its month, two values every month of the closed range.
func Monthly(base string) RangeFunc {
	return func(values ...any) ([]string, error) {
		from, ok := values[0].(time.Time)
		if !ok {
			return nil, fmt.Errorf("sharding: Monthly needs time values, got %T", values[0])
		}
		to := from
		if len(values) > 1 {
			if to, ok = values[1].(time.Time); !ok {
				return nil, fmt.Errorf("sharding: Monthly needs time values, got %T", values[1])
			}
		}
		cur := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
		var out []string
		for !cur.After(end) {
			out = append(out, base+"_"+cur.Format("200601"))
			cur = cur.AddDate(0, 1, 0)
		}
		return out, nil
	}
}

// magnitude returns the absolute value of an integer key.
func magnitude(v any) (uint64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i := rv.Int(); i < 0 {
			return uint64(-(i + 1)) + 1, true
		}
		return uint64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	}
	return 0, false
}
