package dialect

import (
	"reflect"
	"strings"
)

// SQLiteProvider renders SQLite statements with @name placeholders.
type SQLiteProvider struct{}

var sqliteFuncs = funcs{
	"IndexOf":  func(a []string) string { return "(INSTR(" + a[0] + ", " + a[1] + ") - 1)" },
	"Year":     strftime("%Y"),
	"Month":    strftime("%m"),
	"Day":      strftime("%d"),
	"Hour":     strftime("%H"),
	"Minute":   strftime("%M"),
	"Second":   strftime("%S"),
	"AddDays":  func(a []string) string { return "DATETIME(" + a[0] + ", (" + a[1] + ") || ' days')" },
	"AddHours": func(a []string) string { return "DATETIME(" + a[0] + ", (" + a[1] + ") || ' hours')" },
}

func strftime(f string) func([]string) string {
	return func(a []string) string { return "CAST(STRFTIME('" + f + "', " + a[0] + ") AS INTEGER)" }
}

func (SQLiteProvider) Name() string { return SQLite }

func (SQLiteProvider) Quote(ident string) string { return quoteWith(ident, '"', '"') }

func (SQLiteProvider) Placeholder(name string, _ int) string { return "@" + name }

func (SQLiteProvider) NamedParams() bool { return true }

func (SQLiteProvider) Literal(v any) (string, error) {
	return literal(v, quoteString, hexBlob, "1", "0")
}

func (SQLiteProvider) Paging(skip, take int) string { return limitOffset(skip, take, "-1") }

func (SQLiteProvider) PagingNeedsOrder() bool { return false }

func (SQLiteProvider) Function(method string, args []string) (string, bool) {
	return translate(sqliteFuncs, method, args)
}

func (SQLiteProvider) Concat(args []string) string {
	return "(" + strings.Join(args, " || ") + ")"
}

func (SQLiteProvider) Separator() string { return ";" }

func (SQLiteProvider) MultiStatements() bool { return false }

func (SQLiteProvider) SummedRowsAffected() bool { return false }

func (SQLiteProvider) MaxParams() int { return 32766 }

func (SQLiteProvider) RecursiveKeyword() string { return "RECURSIVE " }

func (SQLiteProvider) FullJoin() bool { return true }

func (p SQLiteProvider) Returning(cols []string) (string, string) {
	if len(cols) == 0 {
		return "", ""
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = p.Quote(c)
	}
	return "", " RETURNING " + strings.Join(quoted, ", ")
}

func (SQLiteProvider) Dual() string { return "" }

func (SQLiteProvider) CastType(t reflect.Type) (string, bool) {
	return castType(t, "TEXT", "INTEGER", "REAL", "INTEGER", "TEXT")
}

var _ Provider = SQLiteProvider{}
