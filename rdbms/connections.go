package rdbms

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms/shared"
	"github.com/xo/dburl"
)

const (
	maxBindVarsPostgres = 65535
	maxBindVarsSqlite   = 32766 // SQLITE_MAX_VARIABLE_NUMBER since 3.32.
)

// OpenDbConnection opens a database connection using the supplied ConnectionDetails struct in c.
func OpenDbConnection(log logger.Logger, c shared.ConnectionDetails) (db shared.Connector, err error) {
	if c.Type == "" {
		if err = c.Parse(); err != nil {
			return nil, err
		}
	}
	log.Debug("opening connection type ", c.Type, " with logicalName ", c.LogicalName) // don't log password details!
	switch c.Type {
	case constants.ConnectionTypePostgres, constants.ConnectionTypeSqlite:
		db, err = newConnectionWithDsn(log, &c)
	default: // else we have an unsupported database...
		err = fmt.Errorf("unsupported database type, %q", c.Type)
	}
	return
}

func newConnectionWithDsn(log logger.Logger, c *shared.ConnectionDetails) (shared.Connector, error) {
	log.Info("Opening database connection: ", c)
	u, err := dburl.Parse(c.Dsn)
	if err != nil { // if the DSN could not be parsed...
		return nil, fmt.Errorf("error parsing DSN for connection %q: %w", c.LogicalName, err)
	}
	// Open the connection.
	db, err := sql.Open(u.Driver, u.DSN)
	if err != nil {
		return nil, err
	}
	if c.Type == constants.ConnectionTypeSqlite {
		// SQLite allows one writer at a time; a single connection avoids "database is locked".
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	// Test the connection.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("Successful connection to: ", c)
	return NewConnectionFromDb(db, c.Type), nil
}

// NewConnectionFromDb wraps an open *sql.DB with the DML generator that suits connectionType.
func NewConnectionFromDb(db *sql.DB, connectionType string) shared.Connector {
	return &shared.HpConnection{
		DbSql:  db,
		Dml:    NewDmlGenerator(connectionType),
		DbType: connectionType,
	}
}

// NewDmlGenerator returns the DML generator for the given connection type.
func NewDmlGenerator(connectionType string) shared.DmlGenerator {
	switch connectionType {
	case constants.ConnectionTypeSqlite:
		return &shared.DmlGeneratorTxtBatch{BindStyle: shared.BindStyleQuestion, MaxBindVars: maxBindVarsSqlite}
	default:
		return &shared.DmlGeneratorTxtBatch{BindStyle: shared.BindStyleDollar, SupportsSchemas: true, SupportsLockTable: true, MaxBindVars: maxBindVarsPostgres}
	}
}

// OpenSqliteMemory opens a private in-memory SQLite database, used by tests and dry runs.
func OpenSqliteMemory(name string) (shared.Connector, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%v?mode=memory&cache=shared&_busy_timeout=5000", name))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, err
	}
	return NewConnectionFromDb(db, constants.ConnectionTypeSqlite), nil
}
