package dialect

import (
	"reflect"
	"strconv"
	"strings"
)

// SQLServerProvider renders SQL Server statements with @name placeholders.
type SQLServerProvider struct{}

var sqlserverFuncs = funcs{
	"Length":   call("LEN"),
	"Ceiling":  call("CEILING"),
	"IndexOf":  func(a []string) string { return "(CHARINDEX(" + a[1] + ", " + a[0] + ") - 1)" },
	"Year":     datepart("year"),
	"Month":    datepart("month"),
	"Day":      datepart("day"),
	"Hour":     datepart("hour"),
	"Minute":   datepart("minute"),
	"Second":   datepart("second"),
	"Now":      func([]string) string { return "GETDATE()" },
	"AddDays":  func(a []string) string { return "DATEADD(day, " + a[1] + ", " + a[0] + ")" },
	"AddHours": func(a []string) string { return "DATEADD(hour, " + a[1] + ", " + a[0] + ")" },
	"Substring": func(a []string) string {
		if len(a) == 2 {
			return "SUBSTRING(" + a[0] + ", " + a[1] + " + 1, LEN(" + a[0] + "))"
		}
		return "SUBSTRING(" + a[0] + ", " + a[1] + " + 1, " + a[2] + ")"
	},
	"Round": func(a []string) string {
		if len(a) == 1 {
			return "ROUND(" + a[0] + ", 0)"
		}
		return "ROUND(" + a[0] + ", " + a[1] + ")"
	},
}

func datepart(part string) func([]string) string {
	return func(a []string) string { return "DATEPART(" + part + ", " + a[0] + ")" }
}

func (SQLServerProvider) Name() string { return SQLServer }

func (SQLServerProvider) Quote(ident string) string { return quoteWith(ident, '[', ']') }

func (SQLServerProvider) Placeholder(name string, _ int) string { return "@" + name }

func (SQLServerProvider) NamedParams() bool { return true }

func (SQLServerProvider) Literal(v any) (string, error) {
	return literal(v, func(s string) string { return "N" + quoteString(s) }, func(b []byte) string {
		return "0x" + strings.TrimSuffix(strings.TrimPrefix(hexBlob(b), "X'"), "'")
	}, "1", "0")
}

func (SQLServerProvider) Paging(skip, take int) string {
	s := " OFFSET " + strconv.Itoa(skip) + " ROWS"
	if take >= 0 {
		s += " FETCH NEXT " + strconv.Itoa(take) + " ROWS ONLY"
	}
	return s
}

func (SQLServerProvider) PagingNeedsOrder() bool { return true }

func (SQLServerProvider) Function(method string, args []string) (string, bool) {
	return translate(sqlserverFuncs, method, args)
}

func (SQLServerProvider) Concat(args []string) string {
	return "CONCAT(" + strings.Join(args, ", ") + ")"
}

func (SQLServerProvider) Separator() string { return ";" }

func (SQLServerProvider) MultiStatements() bool { return true }

func (SQLServerProvider) SummedRowsAffected() bool { return true }

func (SQLServerProvider) MaxParams() int { return 2100 }

func (SQLServerProvider) RecursiveKeyword() string { return "" }

func (SQLServerProvider) FullJoin() bool { return true }

func (p SQLServerProvider) Returning(cols []string) (string, string) {
	if len(cols) == 0 {
		return "", ""
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "INSERTED." + p.Quote(c)
	}
	return " OUTPUT " + strings.Join(quoted, ", "), ""
}

func (SQLServerProvider) Dual() string { return "" }

func (SQLServerProvider) CastType(t reflect.Type) (string, bool) {
	return castType(t, "NVARCHAR(MAX)", "BIGINT", "FLOAT", "BIT", "DATETIME2")
}

var _ Provider = SQLServerProvider{}
