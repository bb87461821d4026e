package schema

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-openapi/inflect"

	"github.com/syssam/quarry"
)

// Tabler is implemented by entities that name their own table.
type Tabler interface {
	TableName() string
}

var tablerType = reflect.TypeOf((*Tabler)(nil)).Elem()

// Registry holds the entity maps of a process. It is built once and is
// read-only afterwards, so it can be shared by concurrent builders.
type Registry struct {
	entities   map[reflect.Type]*EntityMap
	byName     map[string]*EntityMap
	converters map[string]Converter
}

// Option configures a Registry.
type Option func(*registryBuilder)

type registryBuilder struct {
	converters map[string]Converter
	tableName  func(typeName string) string
	defs       []*Definition
}

// WithConverter registers a named converter, referenced from struct tags
// as `db:"column,convert=<name>"`.
func WithConverter(name string, c Converter) Option {
	return func(b *registryBuilder) {
		b.converters[name] = c
	}
}

// WithTableNamer overrides the default table naming (snake case plural of
// the type name).
func WithTableNamer(fn func(typeName string) string) Option {
	return func(b *registryBuilder) {
		b.tableName = fn
	}
}

// Entities registers entities. Each value is a struct value, a pointer to
// one, a reflect.Type or a *Definition.
func Entities(values ...any) Option {
	return func(b *registryBuilder) {
		for _, v := range values {
			if d, ok := v.(*Definition); ok {
				b.defs = append(b.defs, d)
				continue
			}
			b.defs = append(b.defs, Define(v))
		}
	}
}

// DefaultTableName returns the snake case plural of a type name,
// e.g. "OrderLine" becomes "order_lines".
func DefaultTableName(typeName string) string {
	return inflect.Pluralize(inflect.Underscore(typeName))
}

// DefaultColumnName returns the snake case form of a field name.
func DefaultColumnName(field string) string {
	return inflect.Underscore(field)
}

// NewRegistry builds the entity maps for the given options.
func NewRegistry(opts ...Option) (*Registry, error) {
	b := &registryBuilder{
		converters: map[string]Converter{
			"json":       JSONConverter{},
			"msgpack":    MsgpackConverter{},
			"uuid":       UUIDConverter{},
			"uuid_bytes": UUIDConverter{Binary: true},
		},
		tableName: DefaultTableName,
	}
	for _, opt := range opts {
		opt(b)
	}
	r := &Registry{
		entities:   make(map[reflect.Type]*EntityMap, len(b.defs)),
		byName:     make(map[string]*EntityMap, len(b.defs)),
		converters: b.converters,
	}
	for _, d := range b.defs {
		e, err := b.build(d)
		if err != nil {
			return nil, err
		}
		if _, ok := r.entities[e.Type]; ok {
			return nil, fmt.Errorf("schema: entity %s registered twice", e.Name)
		}
		r.entities[e.Type] = e
		r.byName[e.Name] = e
	}
	// Navigations are validated once every target is known.
	for _, e := range r.entities {
		for _, n := range e.Navigations {
			if err := r.resolveNavigation(e, n); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error.
func MustRegistry(opts ...Option) *Registry {
	r, err := NewRegistry(opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Entity returns the entity map of v, which is a struct value, a pointer,
// a slice of either, or a reflect.Type.
func (r *Registry) Entity(v any) (*EntityMap, error) {
	t, ok := v.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(v)
	}
	if t == nil {
		return nil, quarry.NewUnmappedEntityError("<nil>")
	}
	t = indirectType(t)
	if e, ok := r.entities[t]; ok {
		return e, nil
	}
	return nil, quarry.NewUnmappedEntityError(t.String())
}

// EntityByName returns the entity map registered under the Go type name.
func (r *Registry) EntityByName(name string) (*EntityMap, error) {
	if e, ok := r.byName[name]; ok {
		return e, nil
	}
	return nil, quarry.NewUnmappedEntityError(name)
}

// Entities returns all entity maps sorted by name.
func (r *Registry) Entities() []*EntityMap {
	out := make([]*EntityMap, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Converter returns a named converter.
func (r *Registry) Converter(name string) (Converter, bool) {
	c, ok := r.converters[name]
	return c, ok
}

func indirectType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		if t.Kind() != reflect.Pointer && t.Elem().Kind() == reflect.Uint8 {
			break
		}
		t = t.Elem()
	}
	return t
}

// Definition overrides what struct tags declare for one entity.
type Definition struct {
	typ     reflect.Type
	table   string
	columns map[string]string
	keys    []string
	ignore  map[string]bool
	convert map[string]Converter
	disc    *Discriminator
}

// DefineOption configures a Definition.
type DefineOption func(*Definition)

// Define starts the definition of an entity.
func Define(v any, opts ...DefineOption) *Definition {
	t, ok := v.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(v)
	}
	d := &Definition{
		typ:     indirectType(t),
		columns: map[string]string{},
		ignore:  map[string]bool{},
		convert: map[string]Converter{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Table sets the table name.
func Table(name string) DefineOption {
	return func(d *Definition) { d.table = name }
}

// Column maps a member to a column name.
func Column(member, column string) DefineOption {
	return func(d *Definition) { d.columns[member] = column }
}

// Keys sets the primary key members.
func Keys(members ...string) DefineOption {
	return func(d *Definition) { d.keys = members }
}

// Ignore excludes members from the mapping.
func Ignore(members ...string) DefineOption {
	return func(d *Definition) {
		for _, m := range members {
			d.ignore[m] = true
		}
	}
}

// Convert attaches a converter to a member.
func Convert(member string, c Converter) DefineOption {
	return func(d *Definition) { d.convert[member] = c }
}

// Discriminate marks the entity as one type of a shared table, selected by
// member = value.
func Discriminate(member string, value any) DefineOption {
	return func(d *Definition) { d.disc = &Discriminator{Member: member, Value: value} }
}

// tag is a parsed `db` struct tag.
type tag struct {
	column   string
	skip     bool
	key      bool
	auto     bool
	readonly bool
	convert  string
}

func parseTag(s string) tag {
	if s == "-" {
		return tag{skip: true}
	}
	parts := strings.Split(s, ",")
	t := tag{column: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		switch {
		case p == "pk" || p == "key":
			t.key = true
		case p == "auto":
			t.auto = true
		case p == "readonly":
			t.readonly = true
		case strings.HasPrefix(p, "convert="):
			t.convert = strings.TrimPrefix(p, "convert=")
		}
	}
	return t
}

func (b *registryBuilder) build(d *Definition) (*EntityMap, error) {
	t := d.typ
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: entity %s is not a struct", t)
	}
	e := &EntityMap{
		Type:   t,
		Name:   t.Name(),
		byName: map[string]*MemberMap{},
		byCol:  map[string]*MemberMap{},
		byNav:  map[string]*Navigation{},
	}
	switch {
	case d.table != "":
		e.Table = d.table
	case t.Implements(tablerType):
		e.Table = reflect.Zero(t).Interface().(Tabler).TableName()
	case reflect.PointerTo(t).Implements(tablerType):
		e.Table = reflect.New(t).Interface().(Tabler).TableName()
	default:
		e.Table = b.tableName(t.Name())
	}
	if err := b.walk(d, e, t, nil); err != nil {
		return nil, err
	}
	if len(d.keys) > 0 {
		for _, m := range e.Members {
			m.Key = false
		}
		for _, k := range d.keys {
			m, ok := e.byName[k]
			if !ok {
				return nil, fmt.Errorf("schema: key member %s.%s does not exist", e.Name, k)
			}
			m.Key = true
		}
	}
	for _, m := range e.Members {
		if m.Key {
			e.Keys = append(e.Keys, m)
		}
	}
	if len(e.Keys) == 0 {
		if m, ok := e.byName["ID"]; ok {
			m.Key = true
			e.Keys = []*MemberMap{m}
		}
	}
	if d.disc != nil {
		if _, ok := e.byName[d.disc.Member]; !ok {
			return nil, fmt.Errorf("schema: discriminator member %s.%s does not exist", e.Name, d.disc.Member)
		}
		e.Discriminator = d.disc
	}
	return e, nil
}

// walk flattens the struct fields of t, descending into anonymous
// embedded structs the way encoding/json does.
func (b *registryBuilder) walk(d *Definition, e *EntityMap, t reflect.Type, index []int) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() && !sf.Anonymous {
			continue
		}
		path := append(append([]int(nil), index...), i)
		if nav, ok := sf.Tag.Lookup("nav"); ok {
			n, err := parseNavigation(e, sf, path, nav)
			if err != nil {
				return err
			}
			e.Navigations = append(e.Navigations, n)
			e.byNav[n.Name] = n
			continue
		}
		raw, hasTag := sf.Tag.Lookup("db")
		tg := parseTag(raw)
		if tg.skip || d.ignore[sf.Name] {
			continue
		}
		ft := sf.Type
		if sf.Anonymous && !hasTag {
			et := ft
			if et.Kind() == reflect.Pointer {
				et = et.Elem()
			}
			if et.Kind() == reflect.Struct && !isScalar(et) {
				if err := b.walk(d, e, et, path); err != nil {
					return err
				}
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		conv := d.convert[sf.Name]
		if conv == nil && tg.convert != "" {
			c, ok := b.converters[tg.convert]
			if !ok {
				return fmt.Errorf("schema: unknown converter %q on %s.%s", tg.convert, e.Name, sf.Name)
			}
			conv = c
		}
		if conv == nil && !isScalar(ft) {
			// Structs, maps and slices without a converter are not columns.
			continue
		}
		col := tg.column
		if c, ok := d.columns[sf.Name]; ok {
			col = c
		}
		if col == "" {
			col = DefaultColumnName(sf.Name)
		}
		if _, ok := e.byCol[col]; ok {
			return fmt.Errorf("schema: column %q is mapped twice on %s", col, e.Name)
		}
		m := &MemberMap{
			Name:      sf.Name,
			Column:    col,
			Type:      ft,
			Index:     path,
			Key:       tg.key,
			Auto:      tg.auto,
			ReadOnly:  tg.readonly,
			Converter: conv,
			Entity:    e,
		}
		e.Members = append(e.Members, m)
		e.byName[m.Name] = m
		e.byCol[m.Column] = m
	}
	return nil
}

// parseNavigation reads `nav:"fk=AuthorID,ref=ID"`.
func parseNavigation(e *EntityMap, sf reflect.StructField, path []int, raw string) (*Navigation, error) {
	n := &Navigation{Name: sf.Name, Index: path, Owner: e}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		switch {
		case strings.HasPrefix(p, "fk="):
			n.ForeignKey = strings.TrimPrefix(p, "fk=")
		case strings.HasPrefix(p, "ref="):
			n.References = strings.TrimPrefix(p, "ref=")
		}
	}
	t := sf.Type
	switch t.Kind() {
	case reflect.Slice:
		n.Kind = NavMany
		t = t.Elem()
		if t.Kind() == reflect.Pointer {
			n.ElemPointer = true
			t = t.Elem()
		}
	case reflect.Pointer:
		n.Kind = NavOne
		n.Pointer = true
		t = t.Elem()
	case reflect.Struct:
		n.Kind = NavOne
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: navigation %s.%s must reference a struct, got %s", e.Name, sf.Name, sf.Type)
	}
	n.Target = t
	return n, nil
}

// resolveNavigation fills default key members and checks they exist.
func (r *Registry) resolveNavigation(owner *EntityMap, n *Navigation) error {
	target, ok := r.entities[n.Target]
	if !ok {
		return fmt.Errorf("schema: navigation %s.%s targets unregistered entity %s", owner.Name, n.Name, n.Target)
	}
	// The side holding the foreign key and the side being referenced.
	fkSide, refSide := owner, target
	if n.Kind == NavMany {
		fkSide, refSide = target, owner
	}
	if n.References == "" {
		if len(refSide.Keys) != 1 {
			return fmt.Errorf("schema: navigation %s.%s needs ref= since %s has %d key members", owner.Name, n.Name, refSide.Name, len(refSide.Keys))
		}
		n.References = refSide.Keys[0].Name
	}
	if n.ForeignKey == "" {
		n.ForeignKey = refSide.Name + "ID"
	}
	if _, ok := fkSide.byName[n.ForeignKey]; !ok {
		return fmt.Errorf("schema: navigation %s.%s: foreign key member %s.%s does not exist", owner.Name, n.Name, fkSide.Name, n.ForeignKey)
	}
	if _, ok := refSide.byName[n.References]; !ok {
		return fmt.Errorf("schema: navigation %s.%s: referenced member %s.%s does not exist", owner.Name, n.Name, refSide.Name, n.References)
	}
	return nil
}
