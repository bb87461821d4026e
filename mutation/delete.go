package mutation

import (
	"context"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/compiler"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/expr"
)

// DeleteBuilder assembles DELETE statements.
type DeleteBuilder struct {
	target
	where []expr.Expr
	all   bool
}

// Delete starts a delete from the table of entity.
func Delete(cfg *config.Config, entity any) *DeleteBuilder {
	return &DeleteBuilder{target: newTarget(cfg, entity)}
}

// Where adds predicates joined with AND.
func (b *DeleteBuilder) Where(preds ...expr.Expr) *DeleteBuilder {
	for _, p := range preds {
		if p != nil {
			b.where = append(b.where, p)
		}
	}
	return b
}

// WhereKeys deletes the rows with the given keys. A single key member
// compiles to IN, composite keys to an OR of per-row conditions.
func (b *DeleteBuilder) WhereKeys(keys ...any) *DeleteBuilder {
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

// All allows a delete without predicate.
func (b *DeleteBuilder) All() *DeleteBuilder {
	b.all = true
	return b
}

// UseTable pins the physical tables.
func (b *DeleteBuilder) UseTable(names ...string) *DeleteBuilder {
	b.tables = names
	return b
}

// UseTableWhere selects the physical tables among the sharding candidates.
func (b *DeleteBuilder) UseTableWhere(pred func(table string) bool) *DeleteBuilder {
	b.filter = pred
	return b
}

// UseTableBy routes by the given sharding values.
func (b *DeleteBuilder) UseTableBy(values ...any) *DeleteBuilder {
	b.values = values
	return b
}

// Compile builds one statement per physical table.
func (b *DeleteBuilder) Compile() ([]*compiler.Statement, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.where) == 0 && !b.all {
		return nil, quarry.ErrMissingWhere
	}
	tables, err := b.resolve()
	if err != nil {
		return nil, err
	}
	qualify := hasSubquery(b.where...)
	out := make([]*compiler.Statement, 0, len(tables))
	for _, table := range tables {
		scope := compiler.NewScope(b.cfg)
		c := compiler.New(scope, newResolver(scope, b.entity, table, qualify))
		var w compiler.Writer
		w.WriteString("DELETE FROM " + scope.Quote(table))
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

// Execute runs the statements and returns the number of deleted rows.
func (b *DeleteBuilder) Execute(ctx context.Context, drv dialect.ExecQuerier) (int64, error) {
	stmts, err := b.Compile()
	if err != nil {
		return 0, err
	}
	return execute(ctx, b.cfg, drv, stmts, 0)
}
