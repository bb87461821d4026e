package dialect

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Provider renders the dialect-specific parts of a statement: identifier
// quoting, parameter placeholders, literals, paging, function names and
// multi-statement separators.
type Provider interface {
	// Name returns the dialect name, one of the constants above.
	Name() string
	// Quote quotes an identifier.
	Quote(ident string) string
	// Placeholder renders the parameter with the given name and its
	// 1-based ordinal within the statement text.
	Placeholder(name string, ordinal int) string
	// NamedParams reports whether placeholders bind by name.
	NamedParams() bool
	// Literal renders v as an inline SQL literal.
	Literal(v any) (string, error)
	// Paging renders the LIMIT/OFFSET tail. take < 0 means no limit.
	Paging(skip, take int) string
	// PagingNeedsOrder reports whether paging is only valid after ORDER BY.
	PagingNeedsOrder() bool
	// Function renders a translated method call, reporting false when the
	// method has no equivalent in the dialect.
	Function(method string, args []string) (string, bool)
	// Concat renders string concatenation of the given operands.
	Concat(args []string) string
	// Separator is placed between statements of one command text.
	Separator() string
	// MultiStatements reports whether several statements, and their result
	// sets, can travel in one round trip.
	MultiStatements() bool
	// SummedRowsAffected reports whether a multi-statement exec reports
	// the affected rows of all its statements rather than the last one.
	SummedRowsAffected() bool
	// MaxParams is the bound parameter ceiling of one command text.
	MaxParams() int
	// RecursiveKeyword is the keyword following WITH for recursive CTEs.
	RecursiveKeyword() string
	// FullJoin reports whether FULL OUTER JOIN is available.
	FullJoin() bool
	// Returning renders the clauses used to read back inserted columns,
	// placed before VALUES (prefix) or at the end of the statement (suffix).
	// Both are empty when unsupported.
	Returning(cols []string) (prefix, suffix string)
	// Dual is appended to a SELECT without FROM that carries a WHERE clause.
	Dual() string
	// CastType maps a Go type to a SQL type name for CAST.
	CastType(t reflect.Type) (string, bool)
}

// ProviderFor returns the provider registered for the dialect name.
func ProviderFor(name string) (Provider, error) {
	switch name {
	case Postgres, "postgresql", "pgx":
		return PostgresProvider{}, nil
	case MySQL:
		return MySQLProvider{}, nil
	case SQLite, SQLite3:
		return SQLiteProvider{}, nil
	case SQLServer, "mssql":
		return SQLServerProvider{}, nil
	default:
		return nil, fmt.Errorf("dialect: unsupported dialect %q", name)
	}
}

// funcs is a method translation table; entries override those of base.
type funcs map[string]func(args []string) string

func call(name string) func(args []string) string {
	return func(args []string) string {
		return name + "(" + strings.Join(args, ", ") + ")"
	}
}

// base holds the translations shared by every dialect.
var base = funcs{
	"ToUpper":       call("UPPER"),
	"ToLower":       call("LOWER"),
	"Trim":          call("TRIM"),
	"TrimStart":     call("LTRIM"),
	"TrimEnd":       call("RTRIM"),
	"Length":        call("LENGTH"),
	"Replace":       call("REPLACE"),
	"Abs":           call("ABS"),
	"Ceiling":       call("CEIL"),
	"Floor":         call("FLOOR"),
	"Round":         call("ROUND"),
	"Pow":           call("POWER"),
	"Sqrt":          call("SQRT"),
	"Sign":          call("SIGN"),
	"Coalesce":      call("COALESCE"),
	"Count":         countFunc,
	"CountDistinct": func(args []string) string { return "COUNT(DISTINCT " + args[0] + ")" },
	"Sum":           call("SUM"),
	"Avg":           call("AVG"),
	"Max":           call("MAX"),
	"Min":           call("MIN"),
	"Now":           func([]string) string { return "CURRENT_TIMESTAMP" },
	"Substring": func(args []string) string {
		if len(args) == 2 {
			return "SUBSTR(" + args[0] + ", " + args[1] + " + 1)"
		}
		return "SUBSTR(" + args[0] + ", " + args[1] + " + 1, " + args[2] + ")"
	},
}

func countFunc(args []string) string {
	if len(args) == 0 {
		return "COUNT(*)"
	}
	return "COUNT(" + args[0] + ")"
}

// arity lists the accepted argument counts of the translated methods.
var arity = map[string][2]int{
	"ToUpper": {1, 1}, "ToLower": {1, 1}, "Trim": {1, 1}, "TrimStart": {1, 1}, "TrimEnd": {1, 1},
	"Length": {1, 1}, "Replace": {3, 3}, "IndexOf": {2, 2}, "Substring": {2, 3},
	"Abs": {1, 1}, "Ceiling": {1, 1}, "Floor": {1, 1}, "Round": {1, 2}, "Pow": {2, 2},
	"Sqrt": {1, 1}, "Sign": {1, 1}, "Coalesce": {2, 32},
	"Count": {0, 1}, "CountDistinct": {1, 1}, "Sum": {1, 1}, "Avg": {1, 1}, "Max": {1, 1}, "Min": {1, 1},
	"Now": {0, 0}, "Year": {1, 1}, "Month": {1, 1}, "Day": {1, 1}, "Hour": {1, 1},
	"Minute": {1, 1}, "Second": {1, 1}, "AddDays": {2, 2}, "AddHours": {2, 2},
}

// translate looks a method up in the dialect table, then in base.
func translate(own funcs, method string, args []string) (string, bool) {
	if n, ok := arity[method]; ok && (len(args) < n[0] || len(args) > n[1]) {
		return "", false
	}
	if f, ok := own[method]; ok {
		return f(args), true
	}
	if f, ok := base[method]; ok {
		return f(args), true
	}
	return "", false
}

// quoteWith doubles embedded quote characters and wraps ident, keeping
// dotted schema.table names as separate parts.
func quoteWith(ident string, open, close byte) string {
	if ident == "*" {
		return ident
	}
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		if p == "*" {
			continue
		}
		parts[i] = string(open) + strings.ReplaceAll(p, string(close), string(close)+string(close)) + string(close)
	}
	return strings.Join(parts, ".")
}

// literal renders the literal forms shared by the dialects. quote renders
// string literals and blob renders byte slices.
func literal(v any, quote func(string) string, blob func([]byte) string, tru, fls string) (string, error) {
	switch v := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return quote(v), nil
	case []byte:
		return blob(v), nil
	case bool:
		if v {
			return tru, nil
		}
		return fls, nil
	case time.Time:
		return quote(v.UTC().Format("2006-01-02 15:04:05.999999")), nil
	case fmt.Stringer:
		return quote(v.String()), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64), nil
	case reflect.String:
		return quote(rv.String()), nil
	case reflect.Bool:
		return literal(rv.Bool(), quote, blob, tru, fls)
	case reflect.Pointer:
		if rv.IsNil() {
			return "NULL", nil
		}
		return literal(rv.Elem().Interface(), quote, blob, tru, fls)
	}
	return "", fmt.Errorf("dialect: cannot render %T as a literal", v)
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func hexBlob(b []byte) string {
	return "X'" + hex.EncodeToString(b) + "'"
}

// castType is the shared Go type to SQL type mapping.
func castType(t reflect.Type, text, integer, float, boolean, timestamp string) (string, bool) {
	if t == reflect.TypeOf(time.Time{}) {
		return timestamp, true
	}
	switch t.Kind() {
	case reflect.String:
		return text, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return integer, true
	case reflect.Float32, reflect.Float64:
		return float, true
	case reflect.Bool:
		return boolean, true
	}
	return "", false
}

func limitOffset(skip, take int, unlimited string) string {
	var b strings.Builder
	switch {
	case take >= 0:
		b.WriteString(" LIMIT " + strconv.Itoa(take))
	case skip > 0 && unlimited != "":
		b.WriteString(" LIMIT " + unlimited)
	}
	if skip > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(skip))
	}
	return b.String()
}
