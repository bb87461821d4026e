// Package sql provides the database/sql backed implementation of dialect.Driver.
//
// Statements compiled by the quarry builders are executed through a Driver:
//
//	drv, err := sql.Open(dialect.Postgres, "postgres://...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer drv.Close()
//
//	rows := &sql.Rows{}
//	err = drv.Query(ctx, "SELECT name FROM users WHERE id = $1", []any{1}, rows)
//
// # Multiple result sets
//
// Rows exposes NextResultSet, which the batch coordinator relies on to read
// every statement of a multi-statement command text in order. MySQL sources
// opened through Open get the multiStatements DSN flag set.
//
// # Statistics and debugging
//
// StatsDriver counts queries and reports slow ones through log/slog;
// DebugDriver logs every statement before it is sent.
//
//	drv, stats, err := sql.OpenWithStats("postgres", dsn,
//	    sql.WithSlowThreshold(100*time.Millisecond),
//	    sql.WithSlowQueryLog(),
//	)
package sql
