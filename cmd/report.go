package cmd

import (
	"github.com/relloyd/ogdsync/actions"
	"github.com/spf13/cobra"
)

var reportCfg = actions.ReportConfig{}

// reportDefaults keep reports quiet unless a log level is configured.
var reportDefaults = map[string]interface{}{"log-level": "warn"}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the combined daily report of unique visitors and interactions",
	Long: `Print one row per day, latest first, with the number of distinct visitor IP addresses
and the number of qualifying dataset interactions. Days without qualifying events are
reported with zero counts.

Only anonymous users with a dataset id and a user agent that does not match --bot-pattern
are counted. Set --qualifier-rule to narrow this further with a JSON Logic rule, which
requires --engine go.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReport()
	},
}

func runReport() error {
	s, err := loadSettings(reportDefaults)
	if err != nil {
		return err
	}
	reportCfg.Settings = s
	reportCfg.StackDumpOnPanic = stackDumpOnPanic
	return actions.RunReport(&reportCfg)
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().SortFlags = false
	reportCmd.SilenceUsage = true
	switches.addFlag(reportCmd, &reportCfg.Days, "days", "0", false, "")
	switches.addFlag(reportCmd, &reportCfg.Output, "output", "", false, "")
	switches.addFlag(reportCmd, &reportCfg.Engine, "engine", actions.ReportEngineSql, false, "")
	addSettingsFlags(reportCmd, append(dbSettingsKeys, "bot-pattern", "qualifier-rule", "timezone")...)
}
