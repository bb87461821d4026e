package sqlgraph

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Violation is the kind of constraint a backend error reports.
type Violation int

// Constraint kinds.
const (
	NoViolation Violation = iota
	UniqueViolation
	ForeignKeyViolation
	CheckViolation
	NotNullViolation
)

func (v Violation) String() string {
	switch v {
	case UniqueViolation:
		return "unique"
	case ForeignKeyViolation:
		return "foreign key"
	case CheckViolation:
		return "check"
	case NotNullViolation:
		return "not null"
	}
	return "none"
}

type (
	// pgx and lib/pq expose the SQLSTATE of server errors.
	sqlStater interface{ SQLState() string }
	coder     interface{ Code() string }
	// go-mssqldb errors.
	sqlServerNumberer interface{ SQLErrorNumber() int32 }
	numberer          interface{ Number() uint16 }
)

// Class 23 SQLSTATE codes.
var pgStates = map[string]Violation{
	"23505": UniqueViolation,
	"23503": ForeignKeyViolation,
	"23514": CheckViolation,
	"23502": NotNullViolation,
}

var mysqlNumbers = map[uint16]Violation{
	1062: UniqueViolation,
	1451: ForeignKeyViolation, // parent row referenced
	1452: ForeignKeyViolation, // child row without parent
	3819: CheckViolation,
	1048: NotNullViolation,
}

var sqlServerNumbers = map[int32]Violation{
	2627: UniqueViolation,
	2601: UniqueViolation,
	515:  NotNullViolation,
}

// messages classifies drivers that expose no code, SQLite among them.
// Order matters: the first match wins.
var messages = []struct {
	text string
	kind Violation
}{
	{"UNIQUE constraint failed", UniqueViolation},
	{"violates unique constraint", UniqueViolation},
	{"Error 1062", UniqueViolation},
	{"FOREIGN KEY constraint failed", ForeignKeyViolation},
	{"violates foreign key constraint", ForeignKeyViolation},
	{"Error 1451", ForeignKeyViolation},
	{"Error 1452", ForeignKeyViolation},
	{"CHECK constraint failed", CheckViolation},
	{"violates check constraint", CheckViolation},
	{"Error 3819", CheckViolation},
	{"NOT NULL constraint failed", NotNullViolation},
	{"violates not-null constraint", NotNullViolation},
}

// Classify returns the constraint violated by err, looking through wrapped
// errors. Backend errors are returned to callers unchanged; classification
// never alters them.
func Classify(err error) Violation {
	if err == nil {
		return NoViolation
	}
	if e, ok := asError[sqlStater](err); ok {
		if v, ok := pgStates[e.SQLState()]; ok {
			return v
		}
	}
	if e, ok := asError[coder](err); ok {
		if v, ok := pgStates[e.Code()]; ok {
			return v
		}
	}
	if num, ok := mysqlNumber(err); ok {
		if v, ok := mysqlNumbers[num]; ok {
			return v
		}
	}
	if e, ok := asError[sqlServerNumberer](err); ok {
		num := e.SQLErrorNumber()
		if v, ok := sqlServerNumbers[num]; ok {
			return v
		}
		// 547 covers both foreign key and check conflicts.
		if num == 547 {
			if strings.Contains(err.Error(), "CHECK") {
				return CheckViolation
			}
			return ForeignKeyViolation
		}
	}
	msg := err.Error()
	for _, m := range messages {
		if strings.Contains(msg, m.text) {
			return m.kind
		}
	}
	return NoViolation
}

func mysqlNumber(err error) (uint16, bool) {
	var e *mysql.MySQLError
	if errors.As(err, &e) {
		return e.Number, true
	}
	if e, ok := asError[numberer](err); ok {
		return e.Number(), true
	}
	return 0, false
}

// IsConstraintError reports whether err is a constraint violation of any kind.
func IsConstraintError(err error) bool { return Classify(err) != NoViolation }

// IsUniqueConstraintError reports whether err is a uniqueness violation.
func IsUniqueConstraintError(err error) bool { return Classify(err) == UniqueViolation }

// IsForeignKeyConstraintError reports whether err is a foreign-key violation.
func IsForeignKeyConstraintError(err error) bool { return Classify(err) == ForeignKeyViolation }

// IsCheckConstraintError reports whether err is a check constraint violation.
func IsCheckConstraintError(err error) bool { return Classify(err) == CheckViolation }

// IsNotNullConstraintError reports whether err is a NOT NULL violation.
func IsNotNullConstraintError(err error) bool { return Classify(err) == NotNullViolation }

func asError[T any](err error) (T, bool) {
	var target T
	for err != nil {
		if e, ok := err.(T); ok {
			return e, true
		}
		err = errors.Unwrap(err)
	}
	return target, false
}
