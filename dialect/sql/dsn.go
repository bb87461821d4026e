package sql

import (
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// MultiStatementDSN returns the MySQL data source name with the
// multiStatements flag enabled. Batched statements are sent as a single
// command text and rejected by the server without it.
func MultiStatementDSN(source string) (string, error) {
	cfg, err := mysql.ParseDSN(source)
	if err != nil {
		return "", fmt.Errorf("dialect/sql: parse mysql dsn: %w", err)
	}
	cfg.MultiStatements = true
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}
