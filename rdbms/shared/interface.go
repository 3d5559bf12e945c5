package shared

import (
	"context"
	"database/sql"
)

// Connector abstracts all access to Go SQL functionality.
type Connector interface {
	// Go SQL entry points:
	Begin() (Transacter, error)
	BeginTx(ctx context.Context) (Transacter, error)
	Exec(query string, args ...interface{}) (Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	Close()
	// ogdsync functionality:
	GetType() string
	GetDb() *sql.DB
	GetDmlGenerator() DmlGenerator
}

type Transacter interface {
	Exec(query string, args ...interface{}) (Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (Result, error)
	Commit() error
	Rollback() error
}

type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// DmlGenerator produces the dialect specific SQL used by the writers.
type DmlGenerator interface {
	NewInsertGenerator(cfg *SqlStatementGeneratorConfig) (SqlStmtTxtBatcher, error)
	NewUpsertGenerator(cfg *SqlStatementGeneratorConfig) (SqlStmtTxtBatcher, error)
	// GetBindVar returns the placeholder for the 1-based bind variable n.
	GetBindVar(n int) string
	// GetLockTableStatement returns the statement that locks table for the rest of a transaction
	// or "" if the dialect does not support explicit table locks.
	GetLockTableStatement(schema string, table string) string
	// GetQualifiedName returns schema.table or table if the dialect has no schema.
	GetQualifiedName(schema string, table string) string
	// GetMaxRowsPerStatement caps rows per multi-row statement so numCols*rows stays within the
	// dialect's bind variable limit. It returns -1 when there is no limit.
	GetMaxRowsPerStatement(numCols int) int
}

// SqlStmtGenerator is used as part of SqlStmtTxtBatcher.
type SqlStmtGenerator interface {
	GetStatement() string
}

// SqlStmtTxtBatcher is used to combine DML statements that affect individual records into one statement, aiming
// to improve performance and reduce network round trips.
type SqlStmtTxtBatcher interface {
	SqlStmtGenerator
	InitBatch(batchSize int)                             // reset variables and preallocate slices for the given batch size.
	AddValuesToBatch(values []interface{}) (bool, error) // add values to SQL statement.
	GetValues() []interface{}                            // get all values added to the batch so they can be supplied as args to exec the SQL returned by getStatement().
	GetRowsInBatch() int
}
