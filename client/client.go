// Package client binds a configuration to a driver and hands out query,
// mutation and batch builders that execute on it.
//
//	db, err := client.Open(dialect.SQLite, "file:app.db", reg)
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//	adults, err := query.List[User](ctx, db.From(User{}).Where(expr.Gt(expr.C("Age"), 18)))
//	n, err := db.Delete(User{}).WhereKeys(7).Execute(ctx, db)
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/syssam/quarry/batch"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/dialect/sql"
	"github.com/syssam/quarry/mutation"
	"github.com/syssam/quarry/query"
	"github.com/syssam/quarry/schema"
)

// ErrTxStarted is returned when Tx is called on a transactional handle.
var ErrTxStarted = errors.New("quarry: cannot start a transaction within a transaction")

// DB is a configuration bound to a driver. It implements
// dialect.ExecQuerier and is safe for concurrent use; the builders it
// returns are not.
type DB struct {
	cfg *config.Config
	drv dialect.ExecQuerier
	// closer is nil for transactional handles.
	closer dialect.Driver
}

// New returns a DB executing on drv.
func New(cfg *config.Config, drv dialect.Driver) *DB {
	return &DB{cfg: cfg, drv: drv, closer: drv}
}

// Open opens a database/sql connection and builds a configuration for the
// dialect of name.
func Open(name, source string, reg *schema.Registry, opts ...config.Option) (*DB, error) {
	p, err := dialect.ProviderFor(name)
	if err != nil {
		return nil, err
	}
	cfg, err := config.New(p, reg, opts...)
	if err != nil {
		return nil, err
	}
	drv, err := sql.Open(name, source)
	if err != nil {
		return nil, err
	}
	return New(cfg, drv), nil
}

// Config returns the configuration.
func (db *DB) Config() *config.Config { return db.cfg }

// Driver returns the executor of the handle.
func (db *DB) Driver() dialect.ExecQuerier { return db.drv }

// Close closes the underlying driver. Closing a transactional handle is a
// no-op.
func (db *DB) Close() error {
	if db.closer == nil {
		return nil
	}
	return db.closer.Close()
}

// From starts a SELECT over entity.
func (db *DB) From(entity any) *query.Query { return query.New(db.cfg, db.drv).From(entity) }

// Select starts an empty SELECT, for FromQuery, FromCte or FromSQL.
func (db *DB) Select() *query.Query { return query.New(db.cfg, db.drv) }

// Insert starts an INSERT into the table of entity. Pass db to Execute.
func (db *DB) Insert(entity any) *mutation.InsertBuilder { return mutation.Insert(db.cfg, entity) }

// Update starts an UPDATE of the table of entity.
func (db *DB) Update(entity any) *mutation.UpdateBuilder { return mutation.Update(db.cfg, entity) }

// Delete starts a DELETE from the table of entity.
func (db *DB) Delete(entity any) *mutation.DeleteBuilder { return mutation.Delete(db.cfg, entity) }

// Exec implements dialect.ExecQuerier.
func (db *DB) Exec(ctx context.Context, query string, args, v any) error {
	return db.drv.Exec(ctx, query, args, v)
}

// Query implements dialect.ExecQuerier.
func (db *DB) Query(ctx context.Context, query string, args, v any) error {
	return db.drv.Query(ctx, query, args, v)
}

// Batch returns an empty query batch.
func (db *DB) Batch() *batch.Batch { return batch.New(db.cfg, db.drv) }

// Command returns an empty mutation command buffer.
func (db *DB) Command() *batch.Command { return batch.NewCommand(db.cfg, db.drv) }

// Tx runs fn in a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (db *DB) Tx(ctx context.Context, fn func(tx *DB) error) error {
	if db.closer == nil {
		return ErrTxStarted
	}
	tx, err := db.closer.Tx(ctx)
	if err != nil {
		return fmt.Errorf("quarry: starting a transaction: %w", err)
	}
	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback()
			panic(v)
		}
	}()
	if err := fn(&DB{cfg: db.cfg, drv: tx}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			err = fmt.Errorf("%w: rolling back transaction: %v", err, rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("quarry: committing transaction: %w", err)
	}
	return nil
}

var _ dialect.ExecQuerier = (*DB)(nil)
