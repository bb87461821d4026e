// Package batch sends several compiled statements to the backend in one
// command and reads their result sets back positionally.
//
// Statements are joined with the dialect separator. Parameters of the
// statement at position N are renamed m<N>_<name> for dialects with named
// parameters and renumbered for positional ones, so the combined command
// binds every value exactly once. Dialects that cannot return several
// result sets from one round trip run the statements one after the other
// on the same driver, in order.
//
//	b := batch.New(cfg, drv)
//	users := batch.List[User](b, query.New(cfg, nil).From(User{}))
//	total := batch.Value[int](b, query.New(cfg, nil).From(Post{}).Select(expr.Count()))
//	if err := b.Execute(ctx); err != nil {
//		return err
//	}
//	list, _ := users.Get()
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/compiler"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/dialect/sql"
	"github.com/syssam/quarry/query"
)

var (
	// ErrNotExecuted is returned by a result handle read before its batch
	// executed successfully.
	ErrNotExecuted = errors.New("quarry: batch not executed")

	// ErrExecuted is returned when a batch is executed or extended twice.
	ErrExecuted = errors.New("quarry: batch already executed")
)

// item is one statement of a batch and the steps materializing its
// result set.
type item struct {
	stmt *compiler.Statement
	// read consumes the current result set into staged values.
	read func(rows query.ColumnScanner) error
	// after runs follow-up statements, such as collection includes, once
	// the batch cursor is closed.
	after func(ctx context.Context) error
	// publish makes the staged values visible through the handle.
	publish func()
}

// Batch collects statements for one round trip.
type Batch struct {
	cfg   *config.Config
	drv   dialect.ExecQuerier
	items []*item
	err   error
	done  bool
}

// New returns an empty batch executing on drv.
func New(cfg *config.Config, drv dialect.ExecQuerier) *Batch {
	return &Batch{cfg: cfg, drv: drv}
}

// Len returns the number of statements added.
func (b *Batch) Len() int { return len(b.items) }

// Err returns the first error recorded while adding statements.
func (b *Batch) Err() error { return b.err }

func (b *Batch) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Batch) add(it *item) {
	if b.done {
		b.fail(ErrExecuted)
		return
	}
	b.items = append(b.items, it)
}

// Add appends a compiled query whose rows are read into dest, a pointer to
// a slice, when the batch executes.
func (b *Batch) Add(c *query.Compiled, dest any) {
	b.add(&item{
		stmt:    c.Statement,
		read:    func(rows query.ColumnScanner) error { return c.Shape.ReadAll(rows, dest) },
		after:   func(ctx context.Context) error { return c.LoadIncludes(ctx, b.drv, dest) },
		publish: func() {},
	})
}

// SQL renders the combined command text and arguments.
func (b *Batch) SQL() (string, []any) {
	return render(b.cfg, statements(b.items))
}

func statements(items []*item) []*compiler.Statement {
	out := make([]*compiler.Statement, len(items))
	for i, it := range items {
		out[i] = it.stmt
	}
	return out
}

// render joins statements with the dialect separator, namespacing the
// parameters of each by its position.
func render(cfg *config.Config, stmts []*compiler.Statement) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	sep := cfg.Provider().Separator()
	for i, s := range stmts {
		if i > 0 {
			b.WriteString(sep)
			b.WriteByte(' ')
		}
		text, a := s.Render("m"+strconv.Itoa(i)+"_", len(args))
		b.WriteString(text)
		args = append(args, a...)
	}
	return b.String(), args
}

// Execute runs every statement and materializes the results. Handles are
// published only when every result set was read; on error or cancellation
// none is.
func (b *Batch) Execute(ctx context.Context) error {
	if b.err != nil {
		return b.err
	}
	if b.done {
		return ErrExecuted
	}
	if len(b.items) == 0 {
		b.done = true
		return nil
	}
	multi := b.cfg.Provider().MultiStatements() && len(b.items) > 1
	b.cfg.Logger().DebugContext(ctx, "quarry: batch", slog.Int("statements", len(b.items)), slog.Bool("multi", multi))
	var err error
	if multi {
		err = b.executeMulti(ctx)
	} else {
		err = b.executeEach(ctx)
	}
	if err != nil {
		return err
	}
	for _, it := range b.items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := it.after(ctx); err != nil {
			return err
		}
	}
	for _, it := range b.items {
		it.publish()
	}
	b.done = true
	return nil
}

func (b *Batch) executeMulti(ctx context.Context) (rerr error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	text, args := b.SQL()
	rows := &sql.Rows{}
	if err := b.drv.Query(ctx, text, args, rows); err != nil {
		return fmt.Errorf("quarry: batch: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()
	for i, it := range b.items {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !rows.NextResultSet() {
				if err := rows.Err(); err != nil {
					return err
				}
				return quarry.NewBatchResultMismatchError(len(b.items), i)
			}
		}
		if err := it.read(rows); err != nil {
			return fmt.Errorf("quarry: batch statement %d: %w", i, err)
		}
	}
	return nil
}

func (b *Batch) executeEach(ctx context.Context) error {
	for i, it := range b.items {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows := &sql.Rows{}
		if err := b.drv.Query(ctx, it.stmt.SQL(), it.stmt.Args(), rows); err != nil {
			return fmt.Errorf("quarry: batch statement %d: %w", i, err)
		}
		err := it.read(rows)
		if cerr := rows.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("quarry: batch statement %d: %w", i, err)
		}
	}
	return nil
}

// Result is the handle of one batched query.
type Result[T any] struct {
	value T
	err   error
	ready bool
}

// Get returns the materialized value. It returns ErrNotExecuted until the
// batch executed successfully.
func (r *Result[T]) Get() (T, error) {
	if !r.ready {
		var zero T
		return zero, ErrNotExecuted
	}
	return r.value, r.err
}

// compile adds the compiled form of q, or records its build error.
func compile(b *Batch, q *query.Query) *query.Compiled {
	c, err := q.Compile()
	if err != nil {
		b.fail(err)
		return nil
	}
	return c
}

// List reads every row of q as T.
func List[T any](b *Batch, q *query.Query) *Result[[]T] {
	r := &Result[[]T]{}
	c := compile(b, q)
	if c == nil {
		return r
	}
	var staged []T
	b.add(&item{
		stmt:    c.Statement,
		read:    func(rows query.ColumnScanner) error { return c.Shape.ReadAll(rows, &staged) },
		after:   func(ctx context.Context) error { return c.LoadIncludes(ctx, b.drv, &staged) },
		publish: func() { r.value, r.ready = staged, true },
	})
	return r
}

// Single reads the first row of q as T. The handle reports
// quarry.ErrNotFound when q selects no row.
func Single[T any](b *Batch, q *query.Query) *Result[T] {
	r := &Result[T]{}
	c := compile(b, q.Clone().Take(1))
	if c == nil {
		return r
	}
	var (
		staged T
		miss   error
	)
	b.add(&item{
		stmt: c.Statement,
		read: func(rows query.ColumnScanner) error {
			err := c.Shape.ReadOne(rows, &staged)
			if errors.Is(err, quarry.ErrNotFound) {
				miss = err
				return drain(rows)
			}
			if err != nil {
				return err
			}
			return drain(rows)
		},
		after: func(ctx context.Context) error {
			if miss != nil {
				return nil
			}
			return c.LoadIncludes(ctx, b.drv, &staged)
		},
		publish: func() { r.value, r.err, r.ready = staged, miss, true },
	})
	return r
}

// Value reads the single column of the first row of q, typically an
// aggregate. No row reads as the zero value.
func Value[T any](b *Batch, q *query.Query) *Result[T] {
	r := &Result[T]{}
	c := compile(b, q)
	if c == nil {
		return r
	}
	var staged T
	b.add(&item{
		stmt: c.Statement,
		read: func(rows query.ColumnScanner) error {
			if err := c.Shape.ReadOne(rows, &staged); err != nil && !errors.Is(err, quarry.ErrNotFound) {
				return err
			}
			return drain(rows)
		},
		after:   func(context.Context) error { return nil },
		publish: func() { r.value, r.ready = staged, true },
	})
	return r
}

// Page reads the 1-based page number of size rows of q. A count statement
// over the unpaged query is added in front of the data statement.
func Page[T any](b *Batch, q *query.Query, number, size int) *Result[query.Page[T]] {
	r := &Result[query.Page[T]]{}
	paged := q.Clone().Page(number, size)
	if err := paged.Err(); err != nil {
		b.fail(err)
		return r
	}
	total := Value[int](b, q.CountQuery())
	items := List[T](b, paged)
	if b.err != nil {
		return r
	}
	// The data statement publishes after the count statement.
	last := b.items[len(b.items)-1]
	inner := last.publish
	last.publish = func() {
		inner()
		n, _ := total.Get()
		list, _ := items.Get()
		r.value = query.Page[T]{Items: list, Total: n, Number: number, Size: size}
		r.ready = true
	}
	return r
}

// Map reads every row of q as V and indexes the values by key.
func Map[K comparable, V any](b *Batch, q *query.Query, key func(V) K) *Result[map[K]V] {
	r := &Result[map[K]V]{}
	items := List[V](b, q)
	if b.err != nil {
		return r
	}
	last := b.items[len(b.items)-1]
	inner := last.publish
	last.publish = func() {
		inner()
		list, _ := items.Get()
		m := make(map[K]V, len(list))
		for _, v := range list {
			m[key(v)] = v
		}
		r.value, r.ready = m, true
	}
	return r
}

// Dynamic reads every row of q into a map keyed by output member name.
func Dynamic(b *Batch, q *query.Query) *Result[[]map[string]any] {
	r := &Result[[]map[string]any]{}
	c := compile(b, q)
	if c == nil {
		return r
	}
	var staged []map[string]any
	b.add(&item{
		stmt: c.Statement,
		read: func(rows query.ColumnScanner) (err error) {
			staged, err = c.Shape.ReadDynamic(rows)
			return err
		},
		after:   func(context.Context) error { return nil },
		publish: func() { r.value, r.ready = staged, true },
	})
	return r
}

// drain skips the rest of the current result set.
func drain(rows query.ColumnScanner) error {
	for rows.Next() {
	}
	return rows.Err()
}
