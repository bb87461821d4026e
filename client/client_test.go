package client

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/syssam/quarry/batch"
	"github.com/syssam/quarry/config"
	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/dialect/sql"
	"github.com/syssam/quarry/expr"
	"github.com/syssam/quarry/query"
	"github.com/syssam/quarry/schema"
)

type User struct {
	ID   int    `db:"id,pk,auto"`
	Name string `db:"name"`
	Age  int    `db:"age"`
}

var (
	registry = schema.MustRegistry(schema.Entities(User{}))
	errAbort = errors.New("abort")
)

func mockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cfg, err := config.New(dialect.MySQLProvider{}, registry)
	require.NoError(t, err)
	return New(cfg, sql.OpenDB(dialect.MySQL, db)), mock
}

func TestTxCommit(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `users` WHERE `id`=?").WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var deleted int64
	err := db.Tx(context.Background(), func(tx *DB) error {
		var err error
		deleted, err = tx.Delete(User{}).WhereKeys(1).Execute(context.Background(), tx)
		if err != nil {
			return err
		}
		assert.ErrorIs(t, tx.Tx(context.Background(), func(*DB) error { return nil }), ErrTxStarted)
		assert.NoError(t, tx.Close(), "closing a transactional handle is a no-op")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRollback(t *testing.T) {
	boom := errors.New("boom")
	t.Run("error", func(t *testing.T) {
		db, mock := mockDB(t)
		mock.ExpectBegin()
		mock.ExpectRollback()
		err := db.Tx(context.Background(), func(*DB) error { return boom })
		assert.ErrorIs(t, err, boom)
		require.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("rollback fails", func(t *testing.T) {
		db, mock := mockDB(t)
		mock.ExpectBegin()
		mock.ExpectRollback().WillReturnError(errors.New("conn lost"))
		err := db.Tx(context.Background(), func(*DB) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "conn lost")
	})
	t.Run("panic", func(t *testing.T) {
		db, mock := mockDB(t)
		mock.ExpectBegin()
		mock.ExpectRollback()
		assert.PanicsWithValue(t, "oops", func() {
			_ = db.Tx(context.Background(), func(*DB) error { panic("oops") })
		})
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTxErrors(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectBegin().WillReturnError(errors.New("busy"))
	err := db.Tx(context.Background(), func(*DB) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting a transaction")

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))
	err = db.Tx(context.Background(), func(*DB) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "committing transaction")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen(t *testing.T) {
	_, err := Open("oracle", "", registry)
	assert.Error(t, err)

	db, err := Open(dialect.SQLite, ":memory:", registry)
	require.NoError(t, err)
	defer db.Close()
	db.Driver().(*sql.Driver).DB().SetMaxOpenConns(1)
	assert.Equal(t, dialect.SQLiteProvider{}, db.Config().Provider())

	ctx := context.Background()
	require.NoError(t, db.Exec(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT, age INTEGER)", []any{}, nil))

	err = db.Tx(ctx, func(tx *DB) error {
		_, err := tx.Insert(User{}).Values([]User{{Name: "ada", Age: 36}, {Name: "bob", Age: 17}}).Execute(ctx, tx)
		return err
	})
	require.NoError(t, err)
	err = db.Tx(ctx, func(tx *DB) error {
		if _, err := tx.Insert(User{}).Values(User{Name: "cy"}).Execute(ctx, tx); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	adults, err := query.List[User](ctx, db.From(User{}).Where(expr.Gt(expr.C("Age"), 18)))
	require.NoError(t, err)
	assert.Equal(t, []User{{ID: 1, Name: "ada", Age: 36}}, adults)

	n, err := db.From(User{}).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the rolled back insert is not visible")

	b := db.Batch()
	names := batch.List[string](b, db.From(User{}).OrderBy(expr.C("Name")).Select(expr.C("Name")))
	require.NoError(t, b.Execute(ctx))
	got, err := names.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"ada", "bob"}, got)

	stmts, err := db.Update(User{}).Set("Age", 18).WhereKeys(2).Compile()
	require.NoError(t, err)
	affected, err := db.Command().AddStatements(stmts...).Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
}
