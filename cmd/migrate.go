package cmd

import (
	"github.com/relloyd/ogdsync/actions"
	"github.com/relloyd/ogdsync/rdbms/migrations"
	"github.com/spf13/cobra"
)

var migrateCfg = actions.MigrateConfig{}

var migrateCmd = &cobra.Command{
	Use:   "migrate up|down|version",
	Short: "Create, drop or inspect the destination schema",
	Long: `Apply the embedded schema migrations to the destination database.

- up creates the raw tables, the watermark table and the daily views.
- down drops them again, including all synced data.
- version prints the applied schema version.

On postgres the objects live in --schema, which is created if it is missing.`,
	Args:      cobra.ExactValidArgs(1),
	ValidArgs: []string{string(migrations.Up), string(migrations.Down), actions.MigrateVersion},
	RunE: func(cmd *cobra.Command, args []string) error {
		migrateCfg.Direction = args[0]
		return runMigrate()
	},
}

func runMigrate() error {
	s, err := loadSettings(nil)
	if err != nil {
		return err
	}
	migrateCfg.Settings = s
	migrateCfg.StackDumpOnPanic = stackDumpOnPanic
	return actions.RunMigrate(&migrateCfg)
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().SortFlags = false
	migrateCmd.SilenceUsage = true
	addSettingsFlags(migrateCmd, dbSettingsKeys...)
}
