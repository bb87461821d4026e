package mutation

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/compiler"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/dialect/sql"
	"github.com/syssam/quarry/expr"
	"github.com/syssam/quarry/schema"
)

// InsertBuilder assembles INSERT statements.
type InsertBuilder struct {
	target
	rows      []reflect.Value
	bulk      int
	only      []string
	ignore    []string
	guard     bool
	guardPred expr.Expr
	returning []string
}

// Insert starts an insert into the table of entity.
func Insert(cfg *config.Config, entity any) *InsertBuilder {
	return &InsertBuilder{target: newTarget(cfg, entity)}
}

// Values adds rows: entity values, pointers or slices of either.
func (b *InsertBuilder) Values(rows ...any) *InsertBuilder {
	if b.err != nil {
		return b
	}
	for _, r := range rows {
		vs, err := rowsOf(b.entity, r)
		if err != nil {
			b.fail(err)
			return b
		}
		b.rows = append(b.rows, vs...)
	}
	return b
}

// WithBulk adds rows written by multi-row statements of at most bulkCount
// rows. Every statement of one size shares a compiled template.
func (b *InsertBuilder) WithBulk(rows any, bulkCount int) *InsertBuilder {
	if b.err != nil {
		return b
	}
	if bulkCount < 1 {
		b.fail(quarry.NewCompilationError("WithBulk", fmt.Sprintf("bulk count %d is not positive", bulkCount)))
		return b
	}
	b.bulk = bulkCount
	return b.Values(rows)
}

// OnlyFields restricts the written members.
func (b *InsertBuilder) OnlyFields(members ...string) *InsertBuilder {
	b.only = append(b.only, members...)
	return b
}

// IgnoreFields excludes members from the written ones.
func (b *InsertBuilder) IgnoreFields(members ...string) *InsertBuilder {
	b.ignore = append(b.ignore, members...)
	return b
}

// IfNotExists writes each row only when no row matches pred, or, without a
// predicate, no row has the same key values.
func (b *InsertBuilder) IfNotExists(pred ...expr.Expr) *InsertBuilder {
	b.guard = true
	if len(pred) > 0 {
		b.guardPred = expr.And(anys(pred)...)
	}
	return b
}

// Returning reads back members of the written rows, on dialects that
// support it.
func (b *InsertBuilder) Returning(members ...string) *InsertBuilder {
	b.returning = append(b.returning, members...)
	return b
}

// UseTable pins the physical table.
func (b *InsertBuilder) UseTable(names ...string) *InsertBuilder {
	b.tables = names
	return b
}

// UseTableBy routes every row by the given sharding values.
func (b *InsertBuilder) UseTableBy(values ...any) *InsertBuilder {
	b.values = values
	return b
}

func anys(es []expr.Expr) []any {
	out := make([]any, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

// columns returns the written members.
func (b *InsertBuilder) columns() ([]*schema.MemberMap, error) {
	writable := b.entity.Writable()
	if len(b.only) > 0 {
		out := make([]*schema.MemberMap, 0, len(b.only))
		for _, name := range b.only {
			m, err := member(b.entity, name)
			if err != nil {
				return nil, err
			}
			if m.ReadOnly {
				return nil, quarry.NewCompilationError(name, "member is read-only")
			}
			out = append(out, m)
		}
		writable = out
	}
	if len(b.ignore) > 0 {
		skip := make(map[string]bool, len(b.ignore))
		for _, name := range b.ignore {
			if _, err := member(b.entity, name); err != nil {
				return nil, err
			}
			skip[name] = true
		}
		out := writable[:0:0]
		for _, m := range writable {
			if !skip[m.Name] {
				out = append(out, m)
			}
		}
		writable = out
	}
	if len(writable) == 0 {
		return nil, quarry.NewCompilationError("insert into "+b.entity.Table, "no writable members")
	}
	return writable, nil
}

// Compile builds the insert statements.
func (b *InsertBuilder) Compile() ([]*compiler.Statement, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.rows) == 0 {
		return nil, quarry.NewCompilationError("insert into "+b.entity.Table, "no rows")
	}
	cols, err := b.columns()
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, name := range b.returning {
		m, err := member(b.entity, name)
		if err != nil {
			return nil, err
		}
		ret = append(ret, m.Column)
	}
	order, groups, err := b.route(b.rows, true)
	if err != nil {
		return nil, err
	}
	var out []*compiler.Statement
	for _, table := range order {
		rows := pick(b.rows, groups[table])
		var stmts []*compiler.Statement
		if b.guard {
			stmts, err = b.guarded(table, cols, ret, rows)
		} else {
			stmts, err = b.multiRow(table, cols, ret, rows)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, stmts...)
	}
	return out, nil
}

func (b *InsertBuilder) head(scope *compiler.Scope, table string, cols []*schema.MemberMap, ret []string) (string, string, error) {
	names := make([]string, len(cols))
	for i, m := range cols {
		names[i] = scope.Quote(m.Column)
	}
	prefix, suffix := "", ""
	if len(ret) > 0 {
		p := scope.Provider()
		if prefix, suffix = p.Returning(ret); prefix == "" && suffix == "" {
			return "", "", quarry.NewUnsupportedExpressionError("Returning", p.Name()+" cannot return inserted columns")
		}
	}
	return "INSERT INTO " + scope.Quote(table) + " (" + strings.Join(names, ", ") + ")" + prefix, suffix, nil
}

// values returns the stored values of one row, in column order.
func values(cols []*schema.MemberMap, row reflect.Value) ([]any, error) {
	out := make([]any, len(cols))
	for i, m := range cols {
		v, err := compiler.Storage(m, m.Get(row))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// tuple compiles (v1, v2, ...) for one row.
func tuple(c *compiler.Compiler, cols []*schema.MemberMap, row reflect.Value) (compiler.Frag, error) {
	frags := make([]compiler.Frag, len(cols))
	for i, m := range cols {
		f, err := c.Bind(m, m.Get(row))
		if err != nil {
			return compiler.Frag{}, err
		}
		frags[i] = f
	}
	return compiler.Join(", ", frags...), nil
}

// chunkSize returns the number of rows per multi-row statement.
func (b *InsertBuilder) chunkSize(width int) int {
	n := len(b.rows)
	if b.bulk > 0 {
		n = min(n, b.bulk)
	}
	if limit := b.cfg.MaxParams() / width; limit > 0 {
		n = min(n, limit)
	}
	return max(n, 1)
}

func (b *InsertBuilder) multiRow(table string, cols []*schema.MemberMap, ret []string, rows []reflect.Value) ([]*compiler.Statement, error) {
	var (
		size      = b.chunkSize(len(cols))
		templates = map[int]*compiler.Statement{}
		out       []*compiler.Statement
	)
	for start := 0; start < len(rows); start += size {
		chunk := rows[start:min(start+size, len(rows))]
		if t, ok := templates[len(chunk)]; ok {
			vals := make([]any, 0, len(chunk)*len(cols))
			for _, r := range chunk {
				v, err := values(cols, r)
				if err != nil {
					return nil, err
				}
				vals = append(vals, v...)
			}
			out = append(out, t.Rebind(vals))
			continue
		}
		scope := compiler.NewScope(b.cfg)
		c := compiler.New(scope, newResolver(scope, b.entity, table, false))
		head, suffix, err := b.head(scope, table, cols, ret)
		if err != nil {
			return nil, err
		}
		var w compiler.Writer
		w.WriteString(head + " VALUES ")
		for i, r := range chunk {
			if i > 0 {
				w.WriteString(", ")
			}
			f, err := tuple(c, cols, r)
			if err != nil {
				return nil, err
			}
			w.WriteString("(").Write(f).WriteString(")")
		}
		w.WriteString(suffix)
		stmt := compiler.NewStatement(scope.Provider(), w.Frag())
		if b.cfg.Parameterized() {
			templates[len(chunk)] = stmt
		}
		out = append(out, stmt)
	}
	return out, nil
}

// guarded compiles INSERT ... SELECT ... WHERE NOT EXISTS per row.
func (b *InsertBuilder) guarded(table string, cols []*schema.MemberMap, ret []string, rows []reflect.Value) ([]*compiler.Statement, error) {
	var (
		tmpl *compiler.Statement
		out  []*compiler.Statement
	)
	if b.guardPred == nil && len(b.entity.Keys) == 0 {
		return nil, quarry.NewCompilationError("IfNotExists", b.entity.Name+" has no key members")
	}
	for _, r := range rows {
		if tmpl != nil {
			vals, err := values(cols, r)
			if err != nil {
				return nil, err
			}
			if b.guardPred == nil {
				kv, err := values(b.entity.Keys, r)
				if err != nil {
					return nil, err
				}
				vals = append(vals, kv...)
			}
			out = append(out, tmpl.Rebind(vals))
			continue
		}
		scope := compiler.NewScope(b.cfg)
		c := compiler.New(scope, newResolver(scope, b.entity, table, false))
		head, suffix, err := b.head(scope, table, cols, ret)
		if err != nil {
			return nil, err
		}
		f, err := tuple(c, cols, r)
		if err != nil {
			return nil, err
		}
		pred := b.guardPred
		if pred == nil {
			ands := make([]any, len(b.entity.Keys))
			for i, m := range b.entity.Keys {
				ands[i] = expr.Eq(expr.C(m.Name), expr.P(m.Get(r)))
			}
			pred = expr.And(ands...)
		}
		pf, err := c.Predicate(pred)
		if err != nil {
			return nil, err
		}
		var w compiler.Writer
		w.WriteString(head + " SELECT ").Write(f)
		w.WriteString(scope.Provider().Dual())
		w.WriteString(" WHERE NOT EXISTS (SELECT 1 FROM " + scope.Quote(table) + " WHERE ").Write(pf).WriteString(")")
		w.WriteString(suffix)
		stmt := compiler.NewStatement(scope.Provider(), w.Frag())
		if b.cfg.Parameterized() {
			tmpl = stmt
		}
		out = append(out, stmt)
	}
	return out, nil
}

// Execute runs the statements and returns the number of inserted rows.
func (b *InsertBuilder) Execute(ctx context.Context, drv dialect.ExecQuerier) (int64, error) {
	stmts, err := b.Compile()
	if err != nil {
		return 0, err
	}
	if len(b.returning) > 0 {
		var n int64
		for _, s := range stmts {
			keys, err := returned(ctx, drv, s)
			if err != nil {
				return n, err
			}
			n += int64(len(keys))
		}
		return n, nil
	}
	return execute(ctx, b.cfg, drv, stmts, 0)
}

// identity returns the member holding generated keys.
func (b *InsertBuilder) identity() (*schema.MemberMap, error) {
	for _, m := range b.entity.Keys {
		if m.Auto {
			return m, nil
		}
	}
	if len(b.entity.Keys) > 0 {
		return b.entity.Keys[0], nil
	}
	return nil, quarry.NewCompilationError(b.entity.Name, "has no key members")
}

// ExecuteIdentity runs the statements and returns the generated key of
// every inserted row. Rows added by pointer or in a slice get the key
// assigned.
// Existence-guarded rows that were skipped have no key.
func (b *InsertBuilder) ExecuteIdentity(ctx context.Context, drv dialect.ExecQuerier) ([]int64, error) {
	if b.err != nil {
		return nil, b.err
	}
	id, err := b.identity()
	if err != nil {
		return nil, err
	}
	var ids []int64
	p := b.cfg.Provider()
	if pre, suf := p.Returning([]string{id.Column}); pre != "" || suf != "" {
		saved := b.returning
		b.returning = []string{id.Name}
		stmts, err := b.Compile()
		b.returning = saved
		if err != nil {
			return nil, err
		}
		for _, s := range stmts {
			keys, err := returned(ctx, drv, s)
			if err != nil {
				return ids, err
			}
			for _, k := range keys {
				n, ok := asInt64(k)
				if !ok {
					return ids, fmt.Errorf("quarry: insert: generated key %T is not an integer", k)
				}
				ids = append(ids, n)
			}
		}
	} else {
		stmts, err := b.Compile()
		if err != nil {
			return nil, err
		}
		for _, s := range stmts {
			var res sql.Result
			if err := drv.Exec(ctx, s.SQL(), s.Args(), &res); err != nil {
				return ids, fmt.Errorf("quarry: insert: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return ids, err
			}
			first, err := res.LastInsertId()
			if err != nil {
				return ids, err
			}
			// Multi-row inserts report the first generated key.
			for i := int64(0); i < n; i++ {
				ids = append(ids, first+i)
			}
		}
	}
	if b.guard || len(ids) != len(b.rows) {
		return ids, nil
	}
	// Keys arrive in statement order; map them back to the rows.
	order, groups, err := b.route(b.rows, true)
	if err != nil {
		return ids, err
	}
	out := make([]int64, len(ids))
	k := 0
	for _, table := range order {
		for _, i := range groups[table] {
			out[i] = ids[k]
			k++
		}
	}
	for i, r := range b.rows {
		if err := assignID(r, id, out[i]); err != nil {
			return out, err
		}
	}
	return out, nil
}

func assignID(row reflect.Value, m *schema.MemberMap, id int64) error {
	if !row.CanSet() {
		return nil
	}
	f := row.FieldByIndex(m.Index)
	switch f.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f.SetInt(id)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f.SetUint(uint64(id))
	}
	return nil
}

// returned reads the first column of the rows returned by s.
func returned(ctx context.Context, drv dialect.ExecQuerier, s *compiler.Statement) ([]any, error) {
	rows := &sql.Rows{}
	if err := drv.Query(ctx, s.SQL(), s.Args(), rows); err != nil {
		return nil, fmt.Errorf("quarry: insert: %w", err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []any
	for rows.Next() {
		vals := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, vals[0])
	}
	return out, rows.Err()
}

func asInt64(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	}
	return 0, false
}
