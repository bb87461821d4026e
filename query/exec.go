package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/dialect/sql"
)

var errNoDriver = errors.New("quarry: query has no driver")

// Exec runs the statement and returns its rows. The caller closes them.
func (c *Compiled) Exec(ctx context.Context, drv dialect.ExecQuerier) (*sql.Rows, error) {
	if drv == nil {
		return nil, errNoDriver
	}
	c.cfg.Logger().DebugContext(ctx, "quarry: query", slog.String("sql", c.SQL()), slog.Int("args", len(c.Args())))
	rows := &sql.Rows{}
	if err := drv.Query(ctx, c.SQL(), c.Args(), rows); err != nil {
		return nil, fmt.Errorf("quarry: query: %w", err)
	}
	return rows, nil
}

func (c *Compiled) cacheKey() string {
	return quarry.CacheKey{Table: c.rootTable, SQL: c.SQL(), Args: c.Args()}.String()
}

// ToList reads every row into dest, a pointer to a slice of entities,
// projections or scalars, and loads the collection includes.
func (q *Query) ToList(ctx context.Context, dest any) error {
	c, err := q.Compile()
	if err != nil {
		return err
	}
	if q.cache != nil {
		if ok := q.cached(ctx, c, dest); ok {
			return nil
		}
	}
	if err := c.list(ctx, q.drv, dest); err != nil {
		return err
	}
	if q.cache != nil {
		q.store(ctx, c, dest)
	}
	return nil
}

func (c *Compiled) list(ctx context.Context, drv dialect.ExecQuerier, dest any) error {
	rows, err := c.Exec(ctx, drv)
	if err != nil {
		return err
	}
	if err := c.Shape.ReadAll(rows, dest); err != nil {
		rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}
	return c.LoadIncludes(ctx, drv, dest)
}

func (q *Query) cached(ctx context.Context, c *Compiled, dest any) bool {
	b, err := q.cache.Get(ctx, c.cacheKey())
	if err != nil {
		q.cfg.Logger().WarnContext(ctx, "quarry: cache get failed", slog.Any("error", err))
		return false
	}
	if b == nil {
		return false
	}
	if err := msgpack.Unmarshal(b, dest); err != nil {
		q.cfg.Logger().WarnContext(ctx, "quarry: cache decode failed", slog.Any("error", err))
		return false
	}
	return true
}

func (q *Query) store(ctx context.Context, c *Compiled, dest any) {
	b, err := msgpack.Marshal(dest)
	if err == nil {
		err = q.cache.Set(ctx, c.cacheKey(), b, q.ttl)
	}
	if err != nil {
		q.cfg.Logger().WarnContext(ctx, "quarry: cache set failed", slog.Any("error", err))
	}
}

// First reads the first row into dest. It returns quarry.ErrNotFound when
// the query selects no row.
func (q *Query) First(ctx context.Context, dest any) error {
	c, err := q.clone().Take(1).Compile()
	if err != nil {
		return err
	}
	rows, err := c.Exec(ctx, q.drv)
	if err != nil {
		return err
	}
	if err := c.Shape.ReadOne(rows, dest); err != nil {
		rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}
	return c.LoadIncludes(ctx, q.drv, dest)
}

// Count returns the number of rows the query selects.
func (q *Query) Count(ctx context.Context) (int, error) {
	c, err := q.CountQuery().Compile()
	if err != nil {
		return 0, err
	}
	rows, err := c.Exec(ctx, q.drv)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int
	if err := c.Shape.ReadOne(rows, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Exist reports whether the query selects any row.
func (q *Query) Exist(ctx context.Context) (bool, error) {
	n, err := q.Count(ctx)
	return n > 0, err
}

// ToDynamic reads every row into a map keyed by output member name.
func (q *Query) ToDynamic(ctx context.Context) ([]map[string]any, error) {
	c, err := q.Compile()
	if err != nil {
		return nil, err
	}
	rows, err := c.Exec(ctx, q.drv)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return c.Shape.ReadDynamic(rows)
}

// List reads every row of q as T.
func List[T any](ctx context.Context, q *Query) ([]T, error) {
	var out []T
	if err := q.ToList(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Single reads the first row of q as T.
func Single[T any](ctx context.Context, q *Query) (T, error) {
	var v T
	err := q.First(ctx, &v)
	return v, err
}

// Page is one page of a paged query with the total number of rows.
type Page[T any] struct {
	Items  []T `msgpack:"items"`
	Total  int `msgpack:"total"`
	Number int `msgpack:"number"`
	Size   int `msgpack:"size"`
}

// Pages returns the number of pages.
func (p Page[T]) Pages() int {
	if p.Size <= 0 {
		return 0
	}
	return (p.Total + p.Size - 1) / p.Size
}

// ToPage reads the 1-based page number of size rows and counts the rows of
// the unpaged query.
func ToPage[T any](ctx context.Context, q *Query, number, size int) (Page[T], error) {
	paged := q.clone().Page(number, size)
	if paged.err != nil {
		return Page[T]{}, paged.err
	}
	total, err := q.Count(ctx)
	if err != nil {
		return Page[T]{}, err
	}
	items, err := List[T](ctx, paged)
	if err != nil {
		return Page[T]{}, err
	}
	return Page[T]{Items: items, Total: total, Number: number, Size: size}, nil
}

// ToMap reads every row of q as V and indexes the values by key.
// Later rows replace earlier ones with the same key.
func ToMap[K comparable, V any](ctx context.Context, q *Query, key func(V) K) (map[K]V, error) {
	items, err := List[V](ctx, q)
	if err != nil {
		return nil, err
	}
	out := make(map[K]V, len(items))
	for _, v := range items {
		out[key(v)] = v
	}
	return out, nil
}
