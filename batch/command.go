package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/syssam/quarry/compiler"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/dialect/sql"
)

// Command is a buffer of mutation statements executed together.
type Command struct {
	cfg   *config.Config
	drv   dialect.ExecQuerier
	stmts []*compiler.Statement
	chunk int
}

// NewCommand returns an empty command buffer executing on drv.
func NewCommand(cfg *config.Config, drv dialect.ExecQuerier) *Command {
	return &Command{cfg: cfg, drv: drv}
}

// AddStatements appends statements to the buffer.
func (c *Command) AddStatements(stmts ...*compiler.Statement) *Command {
	c.stmts = append(c.stmts, stmts...)
	return c
}

// Chunk limits the number of statements sent per round trip. Zero or less
// sends as many as the parameter ceiling allows.
func (c *Command) Chunk(n int) *Command {
	c.chunk = n
	return c
}

// Len returns the number of buffered statements.
func (c *Command) Len() int { return len(c.stmts) }

// Statements returns the buffered statements.
func (c *Command) Statements() []*compiler.Statement { return c.stmts }

// Execute runs the buffered statements in order and returns the total
// number of affected rows.
func (c *Command) Execute(ctx context.Context) (int64, error) {
	var total int64
	for _, group := range c.groups() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var (
			text string
			args []any
		)
		if len(group) == 1 {
			text, args = group[0].SQL(), group[0].Args()
		} else {
			text, args = render(c.cfg, group)
		}
		c.cfg.Logger().DebugContext(ctx, "quarry: exec", slog.String("sql", text), slog.Int("statements", len(group)))
		var res sql.Result
		if err := c.drv.Exec(ctx, text, args, &res); err != nil {
			return total, fmt.Errorf("quarry: exec: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// groups splits the statements into round trips. Dialects that cannot
// send several statements, or cannot count the rows they affect, send one
// statement at a time.
func (c *Command) groups() [][]*compiler.Statement {
	if p := c.cfg.Provider(); !p.MultiStatements() || !p.SummedRowsAffected() {
		out := make([][]*compiler.Statement, len(c.stmts))
		for i, s := range c.stmts {
			out[i] = []*compiler.Statement{s}
		}
		return out
	}
	var (
		out    [][]*compiler.Statement
		cur    []*compiler.Statement
		params int
	)
	limit := c.cfg.MaxParams()
	for _, s := range c.stmts {
		n := len(s.Args())
		if len(cur) > 0 && ((c.chunk > 0 && len(cur) >= c.chunk) || params+n > limit) {
			out = append(out, cur)
			cur, params = nil, 0
		}
		cur = append(cur, s)
		params += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
