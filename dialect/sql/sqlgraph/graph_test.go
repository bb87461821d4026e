package sqlgraph

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type post struct {
	ID       int
	AuthorID int64
}

func TestGroupByKey(t *testing.T) {
	posts := []post{{1, 10}, {2, 20}, {3, 10}, {4, 30}}
	grouped := GroupByKey(posts, func(p post) any { return Key(p.AuthorID) })
	assert.Equal(t, []post{{1, 10}, {3, 10}}, grouped[int64(10)])
	assert.Equal(t, []post{{4, 30}}, grouped[Key(30)], "int parent keys meet int64 foreign keys")

	ordered := OrderGroupsByKeys([]any{Key(30), Key(99), Key(10)}, grouped)
	require.Len(t, ordered, 3)
	assert.Equal(t, []post{{4, 30}}, ordered[0])
	assert.Nil(t, ordered[1])
	assert.Len(t, ordered[2], 2)
}

func TestDistinct(t *testing.T) {
	assert.Equal(t, []int{3, 1, 2}, Distinct([]int{3, 1, 3, 2, 1}))
	assert.Empty(t, Distinct[string](nil))
}

func TestKey(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var nilPtr *int
	seven := 7
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"nil pointer", nilPtr, nil},
		{"pointer", &seven, int64(7)},
		{"int", 7, int64(7)},
		{"uint", uint32(7), int64(7)},
		{"whole float", 7.0, int64(7)},
		{"float", 7.5, 7.5},
		{"bytes", []byte("ab"), "ab"},
		{"string", "ab", "ab"},
		{"bool", true, true},
		{"time", at.In(time.FixedZone("x", 3600)), at.UnixNano()},
		{"null valuer", sql.NullInt64{}, nil},
		{"valuer", sql.NullInt64{Int64: 7, Valid: true}, int64(7)},
		{"slice", []int{1}, "[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.in))
		})
	}
}

// stateError reports a SQLSTATE code the way pgx errors do.
type stateError string

func (e stateError) Error() string    { return "server error " + string(e) }
func (e stateError) SQLState() string { return string(e) }

// serverError reports an error number the way go-mssqldb errors do.
type serverError struct {
	number int32
	msg    string
}

func (e serverError) Error() string         { return e.msg }
func (e serverError) SQLErrorNumber() int32 { return e.number }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Violation
	}{
		{"nil", nil, NoViolation},
		{"other", errors.New("connection reset"), NoViolation},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, UniqueViolation},
		{"mysql parent", &mysql.MySQLError{Number: 1451}, ForeignKeyViolation},
		{"mysql child", fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1452}), ForeignKeyViolation},
		{"mysql check", &mysql.MySQLError{Number: 3819}, CheckViolation},
		{"mysql null", &mysql.MySQLError{Number: 1048, Message: "Column 'name' cannot be null"}, NotNullViolation},
		{"mysql other", &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}, NoViolation},
		{"sqlstate unique", stateError("23505"), UniqueViolation},
		{"sqlstate foreign", fmt.Errorf("w: %w", stateError("23503")), ForeignKeyViolation},
		{"sqlstate check", stateError("23514"), CheckViolation},
		{"sqlstate null", stateError("23502"), NotNullViolation},
		{"sqlserver unique", serverError{2627, "Violation of UNIQUE KEY constraint"}, UniqueViolation},
		{"sqlserver foreign", serverError{547, `The INSERT statement conflicted with the FOREIGN KEY constraint "fk"`}, ForeignKeyViolation},
		{"sqlserver check", serverError{547, `The INSERT statement conflicted with the CHECK constraint "ck"`}, CheckViolation},
		{"text unique", errors.New(`duplicate key value violates unique constraint "users_email_key"`), UniqueViolation},
		{"text foreign", errors.New("FOREIGN KEY constraint failed"), ForeignKeyViolation},
		{"text check", errors.New("CHECK constraint failed: age"), CheckViolation},
		{"text null", errors.New("NOT NULL constraint failed: users.name"), NotNullViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			assert.Equal(t, tt.want == UniqueViolation, IsUniqueConstraintError(tt.err))
			assert.Equal(t, tt.want == ForeignKeyViolation, IsForeignKeyConstraintError(tt.err))
			assert.Equal(t, tt.want == CheckViolation, IsCheckConstraintError(tt.err))
			assert.Equal(t, tt.want == NotNullViolation, IsNotNullConstraintError(tt.err))
			assert.Equal(t, tt.want != NoViolation, IsConstraintError(tt.err))
		})
	}
	assert.Equal(t, "foreign key", ForeignKeyViolation.String())
	assert.Equal(t, "none", NoViolation.String())
}

func TestSQLiteConstraintErrors(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA foreign_keys = ON",
		"CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT UNIQUE, age INTEGER CHECK (age >= 0))",
		"CREATE TABLE posts (id INTEGER PRIMARY KEY, author_id INTEGER REFERENCES users(id))",
		"INSERT INTO users (id, email, age) VALUES (1, 'a@x', 30)",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	_, err = db.Exec("INSERT INTO users (id, email, age) VALUES (2, 'a@x', 1)")
	require.Error(t, err)
	assert.True(t, IsUniqueConstraintError(err))

	_, err = db.Exec("INSERT INTO users (id, email, age) VALUES (3, 'b@x', -1)")
	require.Error(t, err)
	assert.True(t, IsCheckConstraintError(err))

	_, err = db.Exec("INSERT INTO posts (id, author_id) VALUES (1, 42)")
	require.Error(t, err)
	assert.True(t, IsForeignKeyConstraintError(err))
	assert.True(t, IsConstraintError(err))
}
