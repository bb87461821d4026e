package dialect

import (
	"reflect"
	"strings"
)

// MySQLProvider renders MySQL statements with positional ? placeholders.
type MySQLProvider struct{}

var mysqlFuncs = funcs{
	"Length":   call("CHAR_LENGTH"),
	"Ceiling":  call("CEILING"),
	"IndexOf":  func(a []string) string { return "(LOCATE(" + a[1] + ", " + a[0] + ") - 1)" },
	"Year":     call("YEAR"),
	"Month":    call("MONTH"),
	"Day":      call("DAY"),
	"Hour":     call("HOUR"),
	"Minute":   call("MINUTE"),
	"Second":   call("SECOND"),
	"Now":      func([]string) string { return "NOW()" },
	"AddDays":  func(a []string) string { return "DATE_ADD(" + a[0] + ", INTERVAL " + a[1] + " DAY)" },
	"AddHours": func(a []string) string { return "DATE_ADD(" + a[0] + ", INTERVAL " + a[1] + " HOUR)" },
	"Substring": func(a []string) string {
		if len(a) == 2 {
			return "SUBSTRING(" + a[0] + ", " + a[1] + " + 1)"
		}
		return "SUBSTRING(" + a[0] + ", " + a[1] + " + 1, " + a[2] + ")"
	},
}

func (MySQLProvider) Name() string { return MySQL }

func (MySQLProvider) Quote(ident string) string { return quoteWith(ident, '`', '`') }

func (MySQLProvider) Placeholder(string, int) string { return "?" }

func (MySQLProvider) NamedParams() bool { return false }

func (MySQLProvider) Literal(v any) (string, error) {
	return literal(v, func(s string) string {
		return quoteString(strings.ReplaceAll(s, `\`, `\\`))
	}, hexBlob, "1", "0")
}

func (MySQLProvider) Paging(skip, take int) string {
	return limitOffset(skip, take, "18446744073709551615")
}

func (MySQLProvider) PagingNeedsOrder() bool { return false }

func (MySQLProvider) Function(method string, args []string) (string, bool) {
	return translate(mysqlFuncs, method, args)
}

func (MySQLProvider) Concat(args []string) string {
	return "CONCAT(" + strings.Join(args, ", ") + ")"
}

func (MySQLProvider) Separator() string { return ";" }

// MultiStatements requires the multiStatements DSN flag, which
// dialect/sql.Open sets for MySQL sources.
func (MySQLProvider) MultiStatements() bool { return true }

// SummedRowsAffected is false: the driver reports the last statement's
// count only.
func (MySQLProvider) SummedRowsAffected() bool { return false }

func (MySQLProvider) MaxParams() int { return 65535 }

func (MySQLProvider) RecursiveKeyword() string { return "RECURSIVE " }

func (MySQLProvider) FullJoin() bool { return false }

func (MySQLProvider) Returning([]string) (string, string) { return "", "" }

func (MySQLProvider) Dual() string { return " FROM DUAL" }

func (MySQLProvider) CastType(t reflect.Type) (string, bool) {
	return castType(t, "CHAR", "SIGNED", "DOUBLE", "UNSIGNED", "DATETIME")
}

var _ Provider = MySQLProvider{}
