package dialect

import (
	"encoding/hex"
	"reflect"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// PostgresProvider renders PostgreSQL statements with positional $n placeholders.
type PostgresProvider struct{}

var postgresFuncs = funcs{
	"IndexOf": func(a []string) string { return "(STRPOS(" + a[0] + ", " + a[1] + ") - 1)" },
	"Year":    extract("YEAR"),
	"Month":   extract("MONTH"),
	"Day":     extract("DAY"),
	"Hour":    extract("HOUR"),
	"Minute":  extract("MINUTE"),
	"Second":  extract("SECOND"),
	"Now":     func([]string) string { return "NOW()" },
	"AddDays": func(a []string) string { return "(" + a[0] + " + (" + a[1] + ") * INTERVAL '1 day')" },
	"AddHours": func(a []string) string {
		return "(" + a[0] + " + (" + a[1] + ") * INTERVAL '1 hour')"
	},
}

func extract(part string) func([]string) string {
	return func(a []string) string { return "CAST(EXTRACT(" + part + " FROM " + a[0] + ") AS INTEGER)" }
}

func (PostgresProvider) Name() string { return Postgres }

func (PostgresProvider) Quote(ident string) string {
	if ident == "*" {
		return ident
	}
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func (PostgresProvider) Placeholder(_ string, ordinal int) string {
	return "$" + strconv.Itoa(ordinal)
}

func (PostgresProvider) NamedParams() bool { return false }

func (PostgresProvider) Literal(v any) (string, error) {
	return literal(v, pq.QuoteLiteral, func(b []byte) string {
		return `'\x` + hex.EncodeToString(b) + `'`
	}, "TRUE", "FALSE")
}

func (PostgresProvider) Paging(skip, take int) string { return limitOffset(skip, take, "") }

func (PostgresProvider) PagingNeedsOrder() bool { return false }

func (PostgresProvider) Function(method string, args []string) (string, bool) {
	return translate(postgresFuncs, method, args)
}

func (PostgresProvider) Concat(args []string) string {
	return "(" + strings.Join(args, " || ") + ")"
}

func (PostgresProvider) Separator() string { return ";" }

// MultiStatements is false: the extended query protocol used for bound
// parameters accepts a single statement.
func (PostgresProvider) MultiStatements() bool { return false }

func (PostgresProvider) SummedRowsAffected() bool { return false }

func (PostgresProvider) MaxParams() int { return 65535 }

func (PostgresProvider) RecursiveKeyword() string { return "RECURSIVE " }

func (PostgresProvider) FullJoin() bool { return true }

func (p PostgresProvider) Returning(cols []string) (string, string) {
	if len(cols) == 0 {
		return "", ""
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = p.Quote(c)
	}
	return "", " RETURNING " + strings.Join(quoted, ", ")
}

func (PostgresProvider) Dual() string { return "" }

func (PostgresProvider) CastType(t reflect.Type) (string, bool) {
	return castType(t, "TEXT", "BIGINT", "DOUBLE PRECISION", "BOOLEAN", "TIMESTAMP")
}

var _ Provider = PostgresProvider{}
