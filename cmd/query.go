package cmd

import (
	"errors"
	"strings"

	"github.com/relloyd/ogdsync/actions"
	"github.com/spf13/cobra"
)

const queryArgsDefinitionTxt string = "<SQL-optionally-quoted>"

var queryCmd = &cobra.Command{
	Use:   "query " + queryArgsDefinitionTxt,
	Short: "Run a SQL query against the destination database",
	Long: `Execute a query by supplying the SQL as plain arguments. 
It's only necessary to wrap the statement in quotes if it contains special characters 
that will be interpreted by your shell. You can use a dry-run to check formatting.
Results are returned as CSV lines, optionally enclosed by quotes '"'`,
	Args: getQueryFromArgsFunc(&queryCfg.Query, ""),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings(queryDefaults)
		if err != nil {
			return err
		}
		queryCfg.Settings = s
		queryCfg.StackDumpOnPanic = stackDumpOnPanic
		return actions.RunQuery(&queryCfg)
	},
}

var queryCfg = actions.QueryConfig{}

// queryDefaults keep log lines out of the CSV output.
var queryDefaults = map[string]interface{}{"log-level": "error"}

// getQueryFromArgsFunc concatenates all args into a string.
// Returns an error if there are no args.
func getQueryFromArgsFunc(query *string, customErrMsg string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 { // if we are missing arguments...
			if customErrMsg != "" {
				return errors.New(customErrMsg)
			}
			return errors.New("please supply a SQL query")
		}
		*query = strings.Join(args, " ")
		return nil
	}
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().SortFlags = false
	queryCmd.SilenceUsage = true // avoid dumping command help when a SQL syntax error occurs.
	switches.addFlag(queryCmd, &queryCfg.DryRun, "dry-run", "false", false, "")
	switches.addFlag(queryCmd, &queryCfg.PrintHeader, "print-header", "false", false, "")
	addSettingsFlags(queryCmd, dbSettingsKeys...)
}
