package actions

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relloyd/ogdsync/config"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms"
	"github.com/relloyd/ogdsync/rdbms/shared"
	"golang.org/x/net/context"
)

type QueryConfig struct {
	Settings         config.Settings
	Query            string `errorTxt:"SQL query" mandatory:"yes"`
	PrintHeader      bool
	DryRun           bool
	StackDumpOnPanic bool
	Writer           io.Writer
	Conn             shared.Connector // optional, the settings DSN is opened if nil.
}

type sqlHandler struct {
	printHeader bool
	w           *csv.Writer
}

func (s *sqlHandler) HandleHeader(i []interface{}) error {
	if s.printHeader {
		if err := s.w.Write(helper.InterfaceToString(i)); err != nil {
			return fmt.Errorf("error outputting SQL header: %v", err)
		}
		s.w.Flush()
	}
	return nil
}

func (s *sqlHandler) HandleRow(i []interface{}) error {
	if err := s.w.Write(helper.InterfaceToString(i)); err != nil {
		return fmt.Errorf("error outputting SQL row: %v", err)
	}
	s.w.Flush()
	return s.w.Error()
}

// RunQuery executes cfg.Query against the destination and writes the results as CSV.
func RunQuery(cfg *QueryConfig) error {
	var err error
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	if cfg.DryRun { // if we only need to print the SQL...
		if cfg.Query == "" {
			return fmt.Errorf("please supply a SQL query")
		}
		_, err = fmt.Fprintln(w, cfg.Query)
		return err
	}
	if err = helper.ValidateStructIsPopulated(cfg); err != nil {
		return err
	}
	log := logger.NewLogger(constants.AppName, cfg.Settings.LogLevel, cfg.StackDumpOnPanic)
	db := cfg.Conn
	if db == nil {
		if db, err = openDestination(log, cfg.Settings); err != nil {
			return err
		}
		defer db.Close()
	}
	// Create context.
	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	h := sqlHandler{printHeader: cfg.PrintHeader, w: csv.NewWriter(w)}
	// Handle interrupts.
	chanQuit := make(chan os.Signal, 2)
	chanSql := make(chan error, 1)
	signal.Notify(chanQuit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(chanQuit)
	// Start the SQL.
	go func() {
		chanSql <- rdbms.SqlQuery(ctx, log, db, cfg.Query, &h)
	}()
	// Wait for SQL or interrupt.
	select {
	case <-chanQuit: // if we were interrupted...
		fmt.Println("\nUser abort. Stopping SQL execution...")
		cancelFn() // cancel the SQL.
		select {
		case <-time.After(5 * time.Second): // timeout.
			fmt.Println("Timeout waiting for SQL to end - aborted")
		case <-chanSql: // sql ended.
		}
		return nil
	case err = <-chanSql: // SQL ended.
	}
	return err
}
