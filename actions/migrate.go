package actions

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/relloyd/ogdsync/config"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms/migrations"
	"github.com/relloyd/ogdsync/rdbms/shared"
)

const MigrateVersion = "version"

type MigrateConfig struct {
	Settings         config.Settings
	Direction        string `errorTxt:"direction (up, down or version)" mandatory:"yes"`
	StackDumpOnPanic bool
	Writer           io.Writer
	Conn             shared.Connector // optional, the settings DSN is opened if nil.
}

// RunMigrate applies or inspects the destination schema migrations.
func RunMigrate(cfg *MigrateConfig) error {
	if err := cfg.Settings.Validate(); err != nil {
		return err
	}
	if cfg.Direction == "" {
		return fmt.Errorf("please supply a direction: %v, %v or %v", migrations.Up, migrations.Down, MigrateVersion)
	}
	log := logger.NewLogger(constants.AppName, cfg.Settings.LogLevel, cfg.StackDumpOnPanic)
	conn := cfg.Conn
	if conn == nil {
		var err error
		if conn, err = openDestination(log, cfg.Settings); err != nil {
			return err
		}
		defer conn.Close()
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	ctx := context.Background()
	var (
		res migrations.Result
		err error
	)
	switch cfg.Direction {
	case MigrateVersion:
		res, err = migrations.Version(ctx, conn, cfg.Settings.Schema)
	case string(migrations.Up), string(migrations.Down):
		res, err = migrations.Migrate(ctx, log, conn, cfg.Settings.Schema, migrations.Direction(cfg.Direction))
	default:
		return fmt.Errorf("unsupported migration direction %q", cfg.Direction)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "schema version %v (dirty = %v)\n", res.Version, res.Dirty)
	return err
}
