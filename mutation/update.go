package mutation

import (
	"context"
	"fmt"
	"reflect"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/compiler"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/expr"
	"github.com/syssam/quarry/schema"
)

type assignment struct {
	member *schema.MemberMap
	value  any
	from   expr.Expr // set for SetFrom
}

// UpdateBuilder assembles UPDATE statements.
type UpdateBuilder struct {
	target
	sets  []assignment
	where []expr.Expr
	all   bool

	rows      []reflect.Value
	bulkCount int
}

// Update starts an update of the table of entity.
func Update(cfg *config.Config, entity any) *UpdateBuilder {
	return &UpdateBuilder{target: newTarget(cfg, entity)}
}

func (b *UpdateBuilder) set(name string, a assignment) *UpdateBuilder {
	if b.err != nil {
		return b
	}
	m, err := member(b.entity, name)
	if err != nil {
		b.fail(err)
		return b
	}
	if m.ReadOnly || m.Auto {
		b.fail(quarry.NewCompilationError(name, "member is not writable"))
		return b
	}
	for _, s := range b.sets {
		if s.member == m {
			b.fail(quarry.NewCompilationError(name, "assigned twice"))
			return b
		}
	}
	a.member = m
	b.sets = append(b.sets, a)
	return b
}

// Set assigns a value to a member.
func (b *UpdateBuilder) Set(member string, v any) *UpdateBuilder {
	return b.set(member, assignment{value: v})
}

// SetFrom assigns an expression over the same row to a member.
func (b *UpdateBuilder) SetFrom(member string, e expr.Expr) *UpdateBuilder {
	if e == nil {
		b.fail(quarry.NewCompilationError(member, "nil expression"))
		return b
	}
	return b.set(member, assignment{from: e})
}

// SetWith assigns every field of obj that matches a writable, non-key
// member by name. obj may be the entity or any other struct. With members,
// only those are assigned.
func (b *UpdateBuilder) SetWith(obj any, members ...string) *UpdateBuilder {
	if b.err != nil {
		return b
	}
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		b.fail(quarry.NewCompilationError("SetWith", fmt.Sprintf("%T is not a struct", obj)))
		return b
	}
	if len(members) > 0 {
		for _, name := range members {
			f := rv.FieldByName(name)
			if !f.IsValid() {
				b.fail(quarry.NewCompilationError("SetWith", fmt.Sprintf("%s has no field %s", rv.Type(), name)))
				return b
			}
			b.Set(name, f.Interface())
		}
		return b
	}
	for _, m := range b.entity.Writable() {
		if m.Key {
			continue
		}
		sf, ok := rv.Type().FieldByName(m.Name)
		if !ok || !sf.IsExported() {
			continue
		}
		b.Set(m.Name, rv.FieldByIndex(sf.Index).Interface())
	}
	return b
}

// Where adds predicates joined with AND.
func (b *UpdateBuilder) Where(preds ...expr.Expr) *UpdateBuilder {
	for _, p := range preds {
		if p != nil {
			b.where = append(b.where, p)
		}
	}
	return b
}

// WhereKeys matches rows by key: entity values, scalar keys, or []any
// tuples for composite keys.
func (b *UpdateBuilder) WhereKeys(keys ...any) *UpdateBuilder {
	if b.err != nil {
		return b
	}
	p, err := keyPredicate(b.entity, keys)
	if err != nil {
		b.fail(err)
		return b
	}
	return b.Where(p)
}

// All allows an update without predicate to touch every row.
func (b *UpdateBuilder) All() *UpdateBuilder {
	b.all = true
	return b
}

// SetBulk updates each row by key, writing its non-key members. One SQL
// template is compiled and re-bound per row; at most bulkCount statements
// travel in one round trip.
func (b *UpdateBuilder) SetBulk(rows any, bulkCount int) *UpdateBuilder {
	if b.err != nil {
		return b
	}
	if bulkCount < 1 {
		b.fail(quarry.NewCompilationError("SetBulk", fmt.Sprintf("bulk count %d is not positive", bulkCount)))
		return b
	}
	vs, err := rowsOf(b.entity, rows)
	if err != nil {
		b.fail(err)
		return b
	}
	b.rows = append(b.rows, vs...)
	b.bulkCount = bulkCount
	return b
}

// UseTable pins the physical tables.
func (b *UpdateBuilder) UseTable(names ...string) *UpdateBuilder {
	b.tables = names
	return b
}

// UseTableWhere selects the physical tables among the sharding candidates.
func (b *UpdateBuilder) UseTableWhere(pred func(table string) bool) *UpdateBuilder {
	b.filter = pred
	return b
}

// UseTableBy routes by the given sharding values.
func (b *UpdateBuilder) UseTableBy(values ...any) *UpdateBuilder {
	b.values = values
	return b
}

// Compile builds one statement per physical table, or one per row for
// SetBulk.
func (b *UpdateBuilder) Compile() ([]*compiler.Statement, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.rows) > 0 {
		return b.compileBulk()
	}
	if len(b.sets) == 0 {
		return nil, quarry.NewCompilationError("update "+b.entity.Table, "no assignments")
	}
	if len(b.where) == 0 && !b.all {
		return nil, quarry.ErrMissingWhere
	}
	tables, err := b.resolve()
	if err != nil {
		return nil, err
	}
	from := make([]expr.Expr, 0, len(b.sets))
	for _, s := range b.sets {
		from = append(from, s.from)
	}
	qualify := hasSubquery(append(from, b.where...)...)
	out := make([]*compiler.Statement, 0, len(tables))
	for _, table := range tables {
		scope := compiler.NewScope(b.cfg)
		c := compiler.New(scope, newResolver(scope, b.entity, table, qualify))
		var w compiler.Writer
		w.WriteString("UPDATE " + scope.Quote(table) + " SET ")
		for i, s := range b.sets {
			if i > 0 {
				w.WriteString(", ")
			}
			var (
				f   compiler.Frag
				err error
			)
			if s.from != nil {
				f, err = c.Assign(s.member, s.from)
			} else {
				f, err = c.Bind(s.member, s.value)
			}
			if err != nil {
				return nil, err
			}
			w.WriteString(scope.Quote(s.member.Column) + "=").Write(f)
		}
		if len(b.where) > 0 {
			f, err := c.Predicate(expr.And(anys(b.where)...))
			if err != nil {
				return nil, err
			}
			w.WriteString(" WHERE ").Write(f)
		}
		out = append(out, compiler.NewStatement(scope.Provider(), w.Frag()))
	}
	return out, nil
}

// bulkMembers returns the members written by SetBulk.
func (b *UpdateBuilder) bulkMembers() []*schema.MemberMap {
	var out []*schema.MemberMap
	for _, m := range b.entity.Writable() {
		if !m.Key {
			out = append(out, m)
		}
	}
	return out
}

func (b *UpdateBuilder) compileBulk() ([]*compiler.Statement, error) {
	if len(b.entity.Keys) == 0 {
		return nil, quarry.NewCompilationError("SetBulk", b.entity.Name+" has no key members")
	}
	cols := b.bulkMembers()
	if len(cols) == 0 {
		return nil, quarry.NewCompilationError("SetBulk", b.entity.Name+" has no non-key members")
	}
	order, groups, err := b.route(b.rows, false)
	if err != nil {
		return nil, err
	}
	var out []*compiler.Statement
	for _, table := range order {
		var tmpl *compiler.Statement
		for _, i := range groups[table] {
			r := b.rows[i]
			if tmpl != nil {
				vals, err := values(cols, r)
				if err != nil {
					return nil, err
				}
				kv, err := values(b.entity.Keys, r)
				if err != nil {
					return nil, err
				}
				out = append(out, tmpl.Rebind(append(vals, kv...)))
				continue
			}
			stmt, err := b.bulkRow(table, cols, r)
			if err != nil {
				return nil, err
			}
			if b.cfg.Parameterized() {
				tmpl = stmt
			}
			out = append(out, stmt)
		}
	}
	return out, nil
}

// bulkRow compiles SET non-keys WHERE keys [AND where] for one row.
func (b *UpdateBuilder) bulkRow(table string, cols []*schema.MemberMap, r reflect.Value) (*compiler.Statement, error) {
	scope := compiler.NewScope(b.cfg)
	c := compiler.New(scope, newResolver(scope, b.entity, table, hasSubquery(b.where...)))
	var w compiler.Writer
	w.WriteString("UPDATE " + scope.Quote(table) + " SET ")
	for i, m := range cols {
		if i > 0 {
			w.WriteString(", ")
		}
		f, err := c.Bind(m, m.Get(r))
		if err != nil {
			return nil, err
		}
		w.WriteString(scope.Quote(m.Column) + "=").Write(f)
	}
	w.WriteString(" WHERE ")
	for i, m := range b.entity.Keys {
		if i > 0 {
			w.WriteString(" AND ")
		}
		f, err := c.Bind(m, m.Get(r))
		if err != nil {
			return nil, err
		}
		w.WriteString(scope.Quote(m.Column) + "=").Write(f)
	}
	if len(b.where) > 0 {
		f, err := c.Predicate(expr.And(anys(b.where)...))
		if err != nil {
			return nil, err
		}
		w.WriteString(" AND ").Write(f.Wrap())
	}
	return compiler.NewStatement(scope.Provider(), w.Frag()), nil
}

// Execute runs the statements and returns the number of affected rows.
func (b *UpdateBuilder) Execute(ctx context.Context, drv dialect.ExecQuerier) (int64, error) {
	stmts, err := b.Compile()
	if err != nil {
		return 0, err
	}
	return execute(ctx, b.cfg, drv, stmts, b.bulkCount)
}
