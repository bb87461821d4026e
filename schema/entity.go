package schema

import (
	"database/sql"
	"database/sql/driver"
	"reflect"
	"time"
)

// MemberMap maps one struct field to one column.
type MemberMap struct {
	Name      string       // Go field name
	Column    string       // column name
	Type      reflect.Type // Go field type
	Index     []int        // field index path, for embedded structs
	Key       bool         // part of the primary key
	Auto      bool         // generated by the database, skipped on insert
	ReadOnly  bool         // never written by insert or update
	Converter Converter    // optional value handler
	Entity    *EntityMap
}

// Nullable reports whether the member can hold NULL.
func (m *MemberMap) Nullable() bool {
	t := m.Type
	if t.Kind() == reflect.Pointer || t.Kind() == reflect.Interface {
		return true
	}
	if reflect.PointerTo(t).Implements(scannerType) && t.Kind() == reflect.Struct {
		if f, ok := t.FieldByName("Valid"); ok && f.Type.Kind() == reflect.Bool {
			return true
		}
	}
	return false
}

// StorageType returns the type used for type promotion of compared values:
// pointers are dereferenced and sql.Null* wrappers unwrapped.
func (m *MemberMap) StorageType() reflect.Type {
	return StorageType(m.Type)
}

// StorageType unwraps pointers and sql.Null* wrappers.
func StorageType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if nt, ok := nullTypes[t]; ok {
		return nt
	}
	return t
}

var (
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	valuerType  = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	timeType    = reflect.TypeOf(time.Time{})
	bytesType   = reflect.TypeOf([]byte(nil))
	nullTypes   = map[reflect.Type]reflect.Type{
		reflect.TypeOf(sql.NullString{}):  reflect.TypeOf(""),
		reflect.TypeOf(sql.NullInt64{}):   reflect.TypeOf(int64(0)),
		reflect.TypeOf(sql.NullInt32{}):   reflect.TypeOf(int32(0)),
		reflect.TypeOf(sql.NullInt16{}):   reflect.TypeOf(int16(0)),
		reflect.TypeOf(sql.NullFloat64{}): reflect.TypeOf(float64(0)),
		reflect.TypeOf(sql.NullBool{}):    reflect.TypeOf(false),
		reflect.TypeOf(sql.NullTime{}):    timeType,
		reflect.TypeOf(sql.NullByte{}):    reflect.TypeOf(byte(0)),
	}
)

// NavKind distinguishes single-valued from collection-valued navigations.
type NavKind int

// Navigation kinds.
const (
	NavOne NavKind = iota + 1
	NavMany
)

func (k NavKind) String() string {
	if k == NavMany {
		return "many"
	}
	return "one"
}

// Navigation describes a relationship member of an entity.
//
// For NavOne the foreign key lives on the owning entity and references the
// target key. For NavMany the foreign key lives on the target entity and
// references the owner key.
type Navigation struct {
	Name        string       // Go field name
	Kind        NavKind      // NavOne or NavMany
	Target      reflect.Type // target struct type
	Index       []int        // field index path
	ForeignKey  string       // member holding the foreign key
	References  string       // member referenced by the foreign key
	Pointer     bool         // NavOne declared as *T
	ElemPointer bool         // NavMany declared as []*T
	Owner       *EntityMap
}

// Discriminator selects the rows of one entity type within a shared table.
type Discriminator struct {
	Member string
	Value  any
}

// EntityMap describes how a struct type maps to a table.
type EntityMap struct {
	Type          reflect.Type
	Name          string // Go type name
	Table         string
	Members       []*MemberMap
	Keys          []*MemberMap
	Navigations   []*Navigation
	Discriminator *Discriminator

	byName map[string]*MemberMap
	byCol  map[string]*MemberMap
	byNav  map[string]*Navigation
}

// Member returns the member with the given Go field name.
func (e *EntityMap) Member(name string) (*MemberMap, bool) {
	m, ok := e.byName[name]
	return m, ok
}

// MemberByColumn returns the member mapped to the given column.
func (e *EntityMap) MemberByColumn(column string) (*MemberMap, bool) {
	m, ok := e.byCol[column]
	return m, ok
}

// Navigation returns the navigation with the given Go field name.
func (e *EntityMap) Navigation(name string) (*Navigation, bool) {
	n, ok := e.byNav[name]
	return n, ok
}

// Writable returns the members written by inserts, in declaration order.
func (e *EntityMap) Writable() []*MemberMap {
	out := make([]*MemberMap, 0, len(e.Members))
	for _, m := range e.Members {
		if !m.Auto && !m.ReadOnly {
			out = append(out, m)
		}
	}
	return out
}

// Get returns the value of member m read from the struct value v.
func (m *MemberMap) Get(v reflect.Value) any {
	f, ok := fieldByIndex(v, m.Index)
	if !ok {
		return nil
	}
	return f.Interface()
}

// fieldByIndex walks the index path without allocating nil embedded pointers.
func fieldByIndex(v reflect.Value, index []int) (reflect.Value, bool) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	for i, x := range index {
		if i > 0 {
			for v.Kind() == reflect.Pointer {
				if v.IsNil() {
					return reflect.Value{}, false
				}
				v = v.Elem()
			}
		}
		v = v.Field(x)
	}
	return v, true
}

// isScalar reports whether t is stored in a single column.
func isScalar(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == timeType || t == bytesType {
		return true
	}
	if t.Implements(valuerType) || reflect.PointerTo(t).Implements(scannerType) {
		return true
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Map, reflect.Func, reflect.Chan, reflect.Interface:
		return false
	case reflect.Slice:
		return t.Elem().Kind() == reflect.Uint8
	case reflect.Array:
		return t.Elem().Kind() == reflect.Uint8
	}
	return true
}
