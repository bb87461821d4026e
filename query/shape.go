package query

import (
	"database/sql"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/compiler"
	"github.com/syssam/quarry/schema"
)

// ReaderField maps one result column, or one nested object, to a member of
// the destination. Fields appear in SELECT list order.
type ReaderField struct {
	Name   string // destination member name
	Column int    // result column index, -1 for nested objects
	Type   reflect.Type
	Member *schema.MemberMap
	// Nested objects: a joined navigation or an object projection.
	Nav    *schema.Navigation
	Nested []*ReaderField
}

// Shape describes the result rows of a compiled query.
type Shape struct {
	// Entity is the entity rows materialize into when the query selects whole
	// entities, nil for projections.
	Entity *schema.EntityMap
	Fields []*ReaderField
	Width  int
}

// Columns returns the flattened column fields of s.
func (s *Shape) Columns() []*ReaderField {
	var out []*ReaderField
	var walk func([]*ReaderField)
	walk = func(fs []*ReaderField) {
		for _, f := range fs {
			if f.Column >= 0 {
				out = append(out, f)
			}
			walk(f.Nested)
		}
	}
	walk(s.Fields)
	return out
}

// add appends a SELECT column and returns its index.
func (b *builder) add(f compiler.Frag) int {
	b.cols = append(b.cols, f)
	return len(b.cols) - 1
}

// projection compiles the SELECT list and the matching shape.
func (b *builder) projection() (*Shape, error) {
	q := b.q
	if q.sel == nil {
		seg := b.segs[0]
		fields, err := b.entityShape(0, b.rootIncludes(), "")
		if err != nil {
			return nil, err
		}
		return &Shape{Entity: seg.entity, Fields: fields, Width: len(b.cols)}, nil
	}
	outs, err := b.c.Projection(q.sel)
	if err != nil {
		return nil, err
	}
	fields, err := b.outputs(outs, "", true)
	if err != nil {
		return nil, err
	}
	shape := &Shape{Fields: fields, Width: len(b.cols)}
	if len(outs) == 1 && outs[0].Entity {
		shape.Entity, shape.Fields = b.segs[outs[0].Table].entity, fields[0].Nested
	}
	return shape, nil
}

func (b *builder) rootIncludes() []*include {
	if !b.top {
		return nil
	}
	return b.q.includes
}

// entityShape selects every column of segment idx and of the single-valued
// includes joined below it.
func (b *builder) entityShape(idx int, incs []*include, prefix string) ([]*ReaderField, error) {
	seg, err := b.segment(idx)
	if err != nil {
		return nil, err
	}
	var out []*ReaderField
	if seg.fields != nil {
		for _, f := range seg.fields {
			col := b.add(b.ref(seg, f.column))
			out = append(out, &ReaderField{Name: f.name, Column: col, Type: f.typ, Member: f.member})
			b.fields = append(b.fields, field{name: prefix + f.name, column: f.column, typ: f.typ, member: f.member})
		}
	} else {
		if seg.entity == nil {
			return nil, quarry.NewCompilationError("table "+seg.alias, "has no mapped columns")
		}
		for _, m := range seg.entity.Members {
			col := b.add(b.ref(seg, m.Column))
			out = append(out, &ReaderField{Name: m.Name, Column: col, Type: m.Type, Member: m})
			b.fields = append(b.fields, field{name: prefix + m.Name, column: m.Column, typ: m.Type, member: m})
		}
	}
	for _, inc := range incs {
		child, ok := b.incSeg[inc]
		if !ok {
			continue
		}
		nested, err := b.entityShape(child, inc.children, prefix+inc.name+".")
		if err != nil {
			return nil, err
		}
		out = append(out, &ReaderField{Name: inc.name, Column: -1, Nav: b.segs[child].nav, Nested: nested})
	}
	return out, nil
}

// outputs turns compiled projection outputs into reader fields. Top-level
// columns are aliased with their member name.
func (b *builder) outputs(outs []compiler.Output, prefix string, top bool) ([]*ReaderField, error) {
	out := make([]*ReaderField, 0, len(outs))
	for _, o := range outs {
		switch {
		case o.Entity:
			nested, err := b.entityShape(o.Table, nil, prefix+o.Name+".")
			if err != nil {
				return nil, err
			}
			out = append(out, &ReaderField{Name: o.Name, Column: -1, Nested: nested})
		case o.Nested != nil:
			nested, err := b.outputs(o.Nested, prefix+o.Name+".", false)
			if err != nil {
				return nil, err
			}
			out = append(out, &ReaderField{Name: o.Name, Column: -1, Nested: nested})
		default:
			f, column := o.Frag, o.Name
			if o.Member != nil && (o.Name == "" || o.Name == o.Member.Name) {
				column = o.Member.Column
			}
			if top && o.Name != "" && (o.Member == nil || column != o.Member.Column || o.Name != o.Member.Name) {
				column = o.Name
				f = f.Append(compiler.Text(" AS " + b.scope.Quote(column)))
			}
			col := b.add(f)
			out = append(out, &ReaderField{Name: o.Name, Column: col, Type: o.Type, Member: o.Member})
			b.fields = append(b.fields, field{name: prefix + o.Name, column: column, typ: o.Type, member: o.Member})
		}
	}
	return out, nil
}

// binding is the scan plan of one reader field against a destination type.
type binding struct {
	rf     *ReaderField
	index  []int // destination field index, nil for a sink
	nested []binding
	elem   reflect.Type // struct type of nested objects
}

// plan maps the reader fields onto the struct type t by member name.
// Fields without a destination member are read and dropped.
func plan(fields []*ReaderField, t reflect.Type) []binding {
	out := make([]binding, 0, len(fields))
	for _, rf := range fields {
		b := binding{rf: rf}
		if sf, ok := t.FieldByName(rf.Name); ok && sf.IsExported() {
			b.index = sf.Index
			if rf.Column < 0 {
				b.elem = sf.Type
				for b.elem.Kind() == reflect.Pointer {
					b.elem = b.elem.Elem()
				}
				if b.elem.Kind() == reflect.Struct {
					b.nested = plan(rf.Nested, b.elem)
				} else {
					b.index = nil
				}
			}
		}
		out = append(out, b)
	}
	return out
}

// structType reports whether rows materialize into t field by field.
func structType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t == reflect.TypeOf(time.Time{}) {
		return false
	}
	return !reflect.PointerTo(t).Implements(scannerType)
}

var scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()

// ColumnScanner is the subset of *sql.Rows read by the materializer.
type ColumnScanner interface {
	Columns() ([]string, error)
	Next() bool
	Err() error
	Scan(dest ...any) error
}

// scan reads the current row into driver values.
func (s *Shape) scan(rows ColumnScanner) ([]any, error) {
	vals := make([]any, s.Width)
	ptrs := make([]any, s.Width)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

func (s *Shape) check(rows ColumnScanner) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	if len(cols) != s.Width {
		return fmt.Errorf("quarry: result has %d columns, expected %d", len(cols), s.Width)
	}
	return nil
}

// ReadAll appends every remaining row to the slice dest points to. The
// element type is a struct, a pointer to a struct, or a single-column
// scalar.
func (s *Shape) ReadAll(rows ColumnScanner, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("quarry: ReadAll requires a non-nil pointer to slice, got %T", dest)
	}
	if err := s.check(rows); err != nil {
		return err
	}
	sv := rv.Elem()
	sv.Set(sv.Slice(0, 0))
	et := sv.Type().Elem()
	read, err := s.reader(et)
	if err != nil {
		return err
	}
	for rows.Next() {
		vals, err := s.scan(rows)
		if err != nil {
			return err
		}
		item := reflect.New(et).Elem()
		if err := read(item, vals); err != nil {
			return err
		}
		sv.Set(reflect.Append(sv, item))
	}
	return rows.Err()
}

// ReadOne reads the next row into dest. It returns quarry.ErrNotFound when
// no row is left.
func (s *Shape) ReadOne(rows ColumnScanner, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("quarry: ReadOne requires a non-nil pointer, got %T", dest)
	}
	if err := s.check(rows); err != nil {
		return err
	}
	read, err := s.reader(rv.Elem().Type())
	if err != nil {
		return err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return quarry.ErrNotFound
	}
	vals, err := s.scan(rows)
	if err != nil {
		return err
	}
	return read(rv.Elem(), vals)
}

// ReadDynamic reads every remaining row into a map keyed by output name,
// nested objects as nested maps.
func (s *Shape) ReadDynamic(rows ColumnScanner) ([]map[string]any, error) {
	if err := s.check(rows); err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dynamic(s.Fields, vals))
	}
	return out, rows.Err()
}

func dynamic(fields []*ReaderField, vals []any) map[string]any {
	m := make(map[string]any, len(fields))
	for i, f := range fields {
		name := f.Name
		if name == "" {
			name = "value" + strconv.Itoa(i)
		}
		if f.Column < 0 {
			if allNull(f.Nested, vals) {
				m[name] = nil
			} else {
				m[name] = dynamic(f.Nested, vals)
			}
			continue
		}
		v := vals[f.Column]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		m[name] = v
	}
	return m
}

// reader returns the function filling a value of type t from one row.
func (s *Shape) reader(t reflect.Type) (func(reflect.Value, []any) error, error) {
	if !structType(t) {
		if s.Width != 1 {
			return nil, fmt.Errorf("quarry: reading %d columns into %s requires a struct", s.Width, t)
		}
		var m *schema.MemberMap
		if cols := s.Columns(); len(cols) == 1 {
			m = cols[0].Member
		}
		return func(v reflect.Value, vals []any) error {
			return setValue(v, vals[0], m)
		}, nil
	}
	st := t
	for st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	bs := plan(s.Fields, st)
	return func(v reflect.Value, vals []any) error {
		for v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		return fill(v, bs, vals)
	}, nil
}

// fill assigns the planned fields of the struct value v.
func fill(v reflect.Value, bs []binding, vals []any) error {
	for _, b := range bs {
		if b.index == nil {
			continue
		}
		fv := fieldAlloc(v, b.index)
		if b.rf.Column >= 0 {
			if err := setValue(fv, vals[b.rf.Column], b.rf.Member); err != nil {
				return fmt.Errorf("quarry: member %s: %w", b.rf.Name, err)
			}
			continue
		}
		// A joined object whose columns are all NULL was not matched.
		if allNull(b.rf.Nested, vals) {
			continue
		}
		target := fv
		if fv.Kind() == reflect.Pointer {
			fv.Set(reflect.New(b.elem))
			target = fv.Elem()
		}
		if err := fill(target, b.nested, vals); err != nil {
			return err
		}
	}
	return nil
}

func allNull(fields []*ReaderField, vals []any) bool {
	for _, f := range fields {
		if f.Column >= 0 && vals[f.Column] != nil {
			return false
		}
		if f.Column < 0 && !allNull(f.Nested, vals) {
			return false
		}
	}
	return true
}

// fieldAlloc walks a struct by index path, allocating nil embedded
// pointers on the way but not the leaf.
func fieldAlloc(v reflect.Value, index []int) reflect.Value {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v
}

// setValue assigns the driver value src to dst, converting between the
// representations drivers return and the member type.
func setValue(dst reflect.Value, src any, m *schema.MemberMap) error {
	if m != nil && m.Converter != nil {
		v, err := m.Converter.FromStorage(src, dst.Type())
		if err != nil {
			return err
		}
		if v == nil {
			dst.SetZero()
			return nil
		}
		return assign(dst, reflect.ValueOf(v))
	}
	if dst.CanAddr() {
		if sc, ok := dst.Addr().Interface().(sql.Scanner); ok {
			return sc.Scan(src)
		}
	}
	if src == nil {
		dst.SetZero()
		return nil
	}
	if dst.Kind() == reflect.Pointer {
		p := reflect.New(dst.Type().Elem())
		if err := setValue(p.Elem(), src, nil); err != nil {
			return err
		}
		dst.Set(p)
		return nil
	}
	return assign(dst, reflect.ValueOf(src))
}

func assign(dst, sv reflect.Value) error {
	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}
	src := sv.Interface()
	if b, ok := src.([]byte); ok && dst.Kind() != reflect.Slice {
		src = string(b)
		sv = reflect.ValueOf(src)
	}
	switch dst.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt(src)
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := toInt(src)
		if err != nil {
			return err
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := toFloat(src)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil
	case reflect.Bool:
		switch v := src.(type) {
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			dst.SetBool(b)
			return nil
		default:
			n, err := toInt(src)
			if err != nil {
				return err
			}
			dst.SetBool(n != 0)
			return nil
		}
	case reflect.String:
		switch v := src.(type) {
		case string:
			dst.SetString(v)
		case time.Time:
			dst.SetString(v.Format(time.RFC3339Nano))
		default:
			dst.SetString(fmt.Sprint(v))
		}
		return nil
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			if s, ok := src.(string); ok {
				dst.SetBytes([]byte(s))
				return nil
			}
		}
	case reflect.Struct:
		if dst.Type() == reflect.TypeOf(time.Time{}) {
			if s, ok := src.(string); ok {
				t, err := parseTime(s)
				if err != nil {
					return err
				}
				dst.Set(reflect.ValueOf(t))
				return nil
			}
		}
	}
	if sv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", src, dst.Type())
}

func toInt(src any) (int64, error) {
	rv := reflect.ValueOf(src)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return int64(rv.Float()), nil
	case reflect.Bool:
		if rv.Bool() {
			return 1, nil
		}
		return 0, nil
	case reflect.String:
		s := strings.TrimSpace(rv.String())
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to an integer", s)
		}
		return int64(f), nil
	}
	return 0, fmt.Errorf("cannot convert %T to an integer", src)
}

func toFloat(src any) (float64, error) {
	rv := reflect.ValueOf(src)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return strconv.ParseFloat(strings.TrimSpace(rv.String()), 64)
	}
	n, err := toInt(src)
	return float64(n), err
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999", time.DateOnly}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a time", s)
}
