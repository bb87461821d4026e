package compiler

import (
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/schema"
)

type segKind int

const (
	segValue     segKind = iota // resolved value expression
	segPredicate                // boolean condition
	segConst                    // value not yet bound or inlined
	segEntity                   // whole table segment reference
	segList                     // list literal
)

// Segment is the intermediate result of compiling one expression node.
// Constants stay unresolved until the parent node knows which member they
// are compared with, so bindings carry the member's storage type.
type Segment struct {
	kind   segKind
	frag   Frag
	typ    reflect.Type
	member *schema.MemberMap

	value any
	param bool // constant is bound even when inlining is enabled

	concat []Frag // operands of a string concatenation
	items  []*Segment
	table  int
	outer  bool
	agg    bool
}

// Type returns the Go type of the segment value, nil when unknown.
func (s *Segment) Type() reflect.Type { return s.typ }

// Member returns the mapped member of a plain member reference.
func (s *Segment) Member() *schema.MemberMap { return s.member }

// Aggregate reports whether the segment is an aggregate call.
func (s *Segment) Aggregate() bool { return s.agg }

func valueSeg(f Frag, t reflect.Type) *Segment {
	return &Segment{kind: segValue, frag: f, typ: t}
}

func predSeg(f Frag) *Segment {
	return &Segment{kind: segPredicate, frag: f, typ: boolType}
}

func constSeg(v any, param bool) *Segment {
	s := &Segment{kind: segConst, value: v, param: param}
	if v != nil {
		s.typ = reflect.TypeOf(v)
	}
	return s
}

// isNull reports whether the segment is a NULL constant.
func (s *Segment) isNull() bool {
	if s.kind != segConst {
		return false
	}
	if s.value == nil {
		return true
	}
	rv := reflect.ValueOf(s.value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

var (
	boolType   = reflect.TypeOf(false)
	stringType = reflect.TypeOf("")
	int64Type  = reflect.TypeOf(int64(0))
	floatType  = reflect.TypeOf(float64(0))
	timeType   = reflect.TypeOf(time.Time{})
)

func isString(t reflect.Type) bool {
	return t != nil && schema.StorageType(t).Kind() == reflect.String
}

func isBool(t reflect.Type) bool {
	return t != nil && schema.StorageType(t).Kind() == reflect.Bool
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUint(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isFloat(k reflect.Kind) bool { return k == reflect.Float32 || k == reflect.Float64 }

func isNumber(k reflect.Kind) bool { return isInt(k) || isUint(k) || isFloat(k) }

// promote returns the result type of arithmetic over a and b.
func promote(a, b reflect.Type) reflect.Type {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	sa, sb := schema.StorageType(a), schema.StorageType(b)
	if isFloat(sa.Kind()) || isFloat(sb.Kind()) {
		return floatType
	}
	return a
}

// coerce converts a constant to the storage type of the member it is
// compared with or assigned to.
func coerce(v any, t reflect.Type) (any, error) {
	if v == nil || t == nil {
		return v, nil
	}
	if _, ok := v.(driver.Valuer); ok {
		return v, nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	st := schema.StorageType(t)
	if rv.Type() == st {
		return rv.Interface(), nil
	}
	k, sk := rv.Kind(), st.Kind()
	switch {
	case isNumber(sk) && isNumber(k):
		if isFloat(k) && !isFloat(sk) && rv.Float() != math.Trunc(rv.Float()) {
			// 18.5 compared with an integer column keeps its fraction.
			return rv.Interface(), nil
		}
		return rv.Convert(st).Interface(), nil
	case isNumber(sk) && k == reflect.String:
		return parseNumber(rv.String(), st)
	case sk == reflect.String && isNumber(k):
		return reflect.ValueOf(fmt.Sprint(rv.Interface())).Convert(st).Interface(), nil
	case sk == reflect.Bool && k == reflect.String:
		b, err := strconv.ParseBool(rv.String())
		if err != nil {
			return nil, quarry.NewCompilationError(fmt.Sprintf("%q", rv.String()), "not a boolean")
		}
		return reflect.ValueOf(b).Convert(st).Interface(), nil
	case sk == reflect.Bool && isNumber(k):
		return reflect.ValueOf(rv.Convert(floatType).Float() != 0).Convert(st).Interface(), nil
	case sk == reflect.String && k == reflect.Bool:
		return reflect.ValueOf(strconv.FormatBool(rv.Bool())).Convert(st).Interface(), nil
	case st == timeType && k == reflect.String:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", time.DateOnly} {
			if ts, err := time.Parse(layout, rv.String()); err == nil {
				return ts, nil
			}
		}
		return nil, quarry.NewCompilationError(fmt.Sprintf("%q", rv.String()), "not a time value")
	case k == sk && rv.Type().ConvertibleTo(st):
		return rv.Convert(st).Interface(), nil
	}
	return rv.Interface(), nil
}

func parseNumber(s string, t reflect.Type) (any, error) {
	var (
		out reflect.Value
		err error
	)
	switch k := t.Kind(); {
	case isInt(k):
		var n int64
		n, err = strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		out = reflect.ValueOf(n)
	case isUint(k):
		var n uint64
		n, err = strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		out = reflect.ValueOf(n)
	default:
		var f float64
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		out = reflect.ValueOf(f)
	}
	if err != nil {
		return nil, quarry.NewCompilationError(fmt.Sprintf("%q", s), "not a number")
	}
	return out.Convert(t).Interface(), nil
}

// storage converts a Go value to what is sent to the driver for member m.
func storage(m *schema.MemberMap, v any) (any, error) {
	if m == nil {
		return v, nil
	}
	if m.Converter != nil {
		out, err := m.Converter.ToStorage(v)
		if err != nil {
			return nil, &quarry.CompilationError{Subject: m.Name, Reason: "converter", Err: err}
		}
		return out, nil
	}
	return coerce(v, m.Type)
}

// Storage converts a member value to the value bound for its column.
func Storage(m *schema.MemberMap, v any) (any, error) { return storage(m, v) }

// ParamBase returns the parameter name prefix used for a column.
func ParamBase(column string) string { return paramBase(column) }

// paramBase derives a parameter name prefix from a column name.
func paramBase(column string) string {
	var b strings.Builder
	for _, r := range column {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if b.Len() == 0 {
				b.WriteByte('c')
			}
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "c"
	}
	return b.String()
}
