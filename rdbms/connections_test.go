package rdbms_test

import (
	"testing"

	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms"
	"github.com/relloyd/ogdsync/rdbms/shared"
)

func TestNewDmlGenerator(t *testing.T) {
	pg := rdbms.NewDmlGenerator(constants.ConnectionTypePostgres)
	if got := pg.GetBindVar(3); got != "$3" {
		t.Fatalf("expected postgres bind var $3; got %v", got)
	}
	if got := pg.GetQualifiedName("ogd_analytics", "datasets"); got != "ogd_analytics.datasets" {
		t.Fatalf("unexpected qualified name %v", got)
	}
	lite := rdbms.NewDmlGenerator(constants.ConnectionTypeSqlite)
	if got := lite.GetBindVar(3); got != "?" {
		t.Fatalf("expected sqlite bind var ?; got %v", got)
	}
	if got := lite.GetQualifiedName("ogd_analytics", "datasets"); got != "datasets" {
		t.Fatalf("expected sqlite to ignore the schema; got %v", got)
	}
	if got := lite.GetLockTableStatement("ogd_analytics", "datasets"); got != "" {
		t.Fatalf("expected no lock statement for sqlite; got %v", got)
	}
	if got := lite.GetMaxRowsPerStatement(18); got != 1820 {
		t.Fatalf("expected 1820 rows of 18 columns per sqlite statement; got %v", got)
	}
	if got := pg.GetMaxRowsPerStatement(18); got != 3640 {
		t.Fatalf("expected 3640 rows of 18 columns per postgres statement; got %v", got)
	}
}

func TestOpenSqliteMemory(t *testing.T) {
	conn, err := rdbms.OpenSqliteMemory(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if conn.GetType() != constants.ConnectionTypeSqlite {
		t.Fatalf("unexpected connection type %v", conn.GetType())
	}
	if _, err = conn.Exec("create table t (a integer)"); err != nil {
		t.Fatal(err)
	}
	if _, err = conn.Exec("insert into t values (?)", 42); err != nil {
		t.Fatal(err)
	}
	var a int
	if err = conn.GetDb().QueryRow("select a from t").Scan(&a); err != nil {
		t.Fatal(err)
	}
	if a != 42 {
		t.Fatalf("expected 42; got %v", a)
	}
}

func TestOpenDbConnectionRejectsUnsupportedType(t *testing.T) {
	log := logger.NewLogger("ogdsync", "error", false)
	_, err := rdbms.OpenDbConnection(log, shared.ConnectionDetails{Type: "oracle", LogicalName: "x", Dsn: "oracle://u:p@h/db"})
	if err == nil {
		t.Fatal("expected error for unsupported database type")
	}
}

func TestOpenDbConnectionSqliteFile(t *testing.T) {
	log := logger.NewLogger("ogdsync", "error", false)
	dsn := "sqlite3:" + t.TempDir() + "/test.db"
	conn, err := rdbms.OpenDbConnection(log, shared.ConnectionDetails{LogicalName: "test", Dsn: dsn})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if conn.GetType() != constants.ConnectionTypeSqlite {
		t.Fatalf("unexpected connection type %v", conn.GetType())
	}
}
