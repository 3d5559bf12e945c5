// Package migrations creates and upgrades the destination schema using golang-migrate with SQL
// embedded in the binary, one directory per dialect.
package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms/shared"
)

//go:embed sql/postgres/*.sql sql/sqlite3/*.sql
var migrationFiles embed.FS

const migrationsTableName = "schema_migrations"

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Result reports the schema version after a migration.
type Result struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// Migrate applies all migrations in direction dir to the database behind conn.
// On postgres the objects are created in schema, which is created if missing.
// A database that is already up to date is not an error.
func Migrate(ctx context.Context, log logger.Logger, conn shared.Connector, schema string, dir Direction) (Result, error) {
	m, closeFn, err := newMigrator(ctx, conn, schema)
	if err != nil {
		return Result{}, err
	}
	defer closeFn()
	log.Info("running migrations ", dir, " for ", conn.GetType())
	switch dir {
	case Up:
		err = m.Up()
	case Down:
		err = m.Down()
	default:
		return Result{}, fmt.Errorf("unsupported migration direction %q", dir)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Result{}, fmt.Errorf("migrate %v: %w", dir, err)
	}
	return version(m)
}

// Version returns the current schema version without changing anything.
func Version(ctx context.Context, conn shared.Connector, schema string) (Result, error) {
	m, closeFn, err := newMigrator(ctx, conn, schema)
	if err != nil {
		return Result{}, err
	}
	defer closeFn()
	return version(m)
}

func version(m *migrate.Migrate) (Result, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("read migration version: %w", err)
	}
	return Result{Version: v, Dirty: dirty}, nil
}

// newMigrator builds the migrate instance for the connection type.
// The returned close func releases the source and any dedicated connection, but never closes the
// caller's *sql.DB.
func newMigrator(ctx context.Context, conn shared.Connector, schema string) (*migrate.Migrate, func(), error) {
	var (
		drv     database.Driver
		err     error
		closeFn = func() {}
	)
	switch conn.GetType() {
	case constants.ConnectionTypePostgres:
		if schema == "" {
			schema = constants.DefaultSchemaPostgres
		}
		if _, err = conn.ExecContext(ctx, fmt.Sprintf("create schema if not exists %v", schema)); err != nil {
			return nil, nil, fmt.Errorf("create schema %v: %w", schema, err)
		}
		c, err := conn.GetDb().Conn(ctx)
		if err != nil {
			return nil, nil, err
		}
		// Unqualified names in the migrations resolve to schema on this connection only.
		if _, err = c.ExecContext(ctx, fmt.Sprintf("set search_path to %v", schema)); err != nil {
			_ = c.Close()
			return nil, nil, err
		}
		drv, err = postgres.WithConnection(ctx, c, &postgres.Config{SchemaName: schema, MigrationsTable: migrationsTableName})
		if err != nil {
			_ = c.Close()
			return nil, nil, fmt.Errorf("postgres migration driver: %w", err)
		}
		closeFn = func() { _ = c.Close() }
	case constants.ConnectionTypeSqlite:
		drv, err = sqlite3.WithInstance(conn.GetDb(), &sqlite3.Config{MigrationsTable: migrationsTableName})
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite3 migration driver: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("migrations are not available for database type %q", conn.GetType())
	}
	src, err := iofs.New(migrationFiles, "sql/"+conn.GetType())
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, conn.GetType(), drv)
	if err != nil {
		_ = src.Close()
		closeFn()
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}
	prev := closeFn
	return m, func() {
		_ = src.Close()
		prev()
	}, nil
}
