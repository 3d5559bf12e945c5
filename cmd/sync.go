package cmd

import (
	"fmt"

	"github.com/relloyd/ogdsync/actions"
	c "github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/trigger"
	"github.com/spf13/cobra"
)

var syncCfg = actions.SyncConfig{}

var syncCmd = &cobra.Command{
	Use:   "sync events|datasets|all",
	Short: "Fetch new user actions and the dataset catalogue into the warehouse",
	Long: `Fetch records from the monitoring API and upsert them into the destination database.

- events are fetched incrementally from the stored watermark (inclusive), up to the start of
  the current day in the portal timezone. Replayed records are ignored by the unique keys.
- datasets are fetched as a full snapshot stamped with the run time.
- The watermark only advances past rows that are committed, so an interrupted run resumes
  where it stopped.
- A source is skipped while its watermark is fresh: events lag by one day and datasets
  must be from an earlier day. Use --force to fetch anyway.

Use --trigger cron to keep running on --schedule, retrying failed runs.
`,
	Args:      cobra.ExactValidArgs(1),
	ValidArgs: []string{c.SourceEvents, c.SourceDatasets, c.SourceAll},
	RunE: func(cmd *cobra.Command, args []string) error {
		syncCfg.Source = args[0]
		return runSync()
	},
}

func runSync() error {
	s, err := loadSettings(nil)
	if err != nil {
		return err
	}
	syncCfg.Settings = s
	syncCfg.StackDumpOnPanic = stackDumpOnPanic
	return actions.RunSync(&syncCfg)
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().SortFlags = false
	syncCmd.SilenceUsage = true
	switches.addFlag(syncCmd, &syncCfg.Force, "force", "false", false, "")
	switches.addFlag(syncCmd, &syncCfg.Trigger, "trigger", trigger.KindOnce, false, "")
	switches.addFlag(syncCmd, &syncCfg.MigrateUp, "migrate", "false", false, "")
	switches.addFlag(syncCmd, &syncCfg.StatsDumpFrequencySeconds, "stats", fmt.Sprint(c.StatsDumpFrequencySeconds), false, "")
	addSettingsFlags(syncCmd, syncSettingsKeys...)
}
