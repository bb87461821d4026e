// Package dialect provides database dialect abstraction for quarry.
//
// This package defines the interfaces used for database-specific rendering
// and execution, allowing the compiler and the assemblers to target
// PostgreSQL, MySQL, SQLite and SQL Server from the same expression trees.
//
// # Dialect Constants
//
//	dialect.Postgres  = "postgres"
//	dialect.MySQL     = "mysql"
//	dialect.SQLite    = "sqlite"
//	dialect.SQLServer = "sqlserver"
//
// # Providers
//
// A Provider renders everything that differs between backends:
//
//	p, err := dialect.ProviderFor(dialect.Postgres)
//	p.Quote("users")          // "users"
//	p.Placeholder("p0", 1)    // $1
//	p.Paging(20, 10)          //  LIMIT 10 OFFSET 20
//
// The SQLite and SQL Server providers bind parameters by name (@p0), the
// PostgreSQL and MySQL providers positionally ($1, ?).
//
// # Driver Interface
//
//	type Driver interface {
//	    Exec(ctx context.Context, query string, args, v any) error
//	    Query(ctx context.Context, query string, args, v any) error
//	    Tx(ctx context.Context) (Tx, error)
//	    Close() error
//	    Dialect() string
//	}
//
// The dialect/sql package implements Driver on top of database/sql.
package dialect
