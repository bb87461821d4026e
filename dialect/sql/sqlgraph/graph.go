// Package sqlgraph provides helpers for loading entity graphs in several
// round trips: distinct parent key extraction, grouping of child rows by
// their foreign key and classification of backend constraint errors.
package sqlgraph

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"time"
)

// KeyFunc extracts a key from an entity.
type KeyFunc[K comparable, V any] func(V) K

// GroupByKey groups entities by a key function, keeping the order in which
// entities were read.
//
//	posts := ...
//	grouped := GroupByKey(posts, func(p Post) any { return Key(p.AuthorID) })
//	// grouped[authorID] contains all posts for that author
func GroupByKey[K comparable, V any](values []V, keyFn KeyFunc[K, V]) map[K][]V {
	result := make(map[K][]V)
	for _, v := range values {
		key := keyFn(v)
		result[key] = append(result[key], v)
	}
	return result
}

// OrderGroupsByKeys reorders grouped entities to match the order of requested keys.
// Returns a slice of slices where each inner slice contains entities for that key.
func OrderGroupsByKeys[K comparable, V any](keys []K, groups map[K][]V) [][]V {
	result := make([][]V, len(keys))
	for i, key := range keys {
		result[i] = groups[key]
	}
	return result
}

// Distinct returns the keys without duplicates, in first-seen order.
func Distinct[K comparable](keys []K) []K {
	seen := make(map[K]struct{}, len(keys))
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Key normalizes a column value into a comparable map key, so that parent
// keys read as int and foreign keys read as int64 (or []byte and string)
// group together. Nil and NULL-valued keys return nil.
func Key(v any) any {
	if valuer, ok := v.(driver.Valuer); ok {
		dv, err := valuer.Value()
		if err != nil {
			return fmt.Sprint(v)
		}
		v = dv
	}
	if v == nil {
		return nil
	}
	switch v := v.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().UnixNano()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return Key(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}
	if rv.Type().Comparable() {
		return v
	}
	return fmt.Sprint(v)
}
