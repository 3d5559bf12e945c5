package cmd

import (
	"fmt"
	"net"

	"github.com/relloyd/ogdsync/actions"
	c "github.com/relloyd/ogdsync/constants"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a web service to launch syncs and read reports over HTTP",
	Long: `Start a web service with the following routes:

  GET  /health                 liveness
  GET  /report?days=N          combined daily report as JSON (optional engine=sql|go)
  GET  /watermarks             stored watermark per source
  POST /sync/{source}          launch a sync of events, datasets or all (optional force=true)
  GET  /runs                   runs started by this process, latest first
  GET  /runs/{runId}/status    progress of one run
  GET  /runs/{runId}/stats     step statistics of one run
  POST /runs/{runId}/stop      cancel a run
  GET  /metrics                Prometheus metrics
  POST /stop                   shut the server down

Use --trigger cron to also sync all sources on --schedule.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCfg = actions.WebServerConfig{
	Scheme: "http",
	Addr:   net.IP{0, 0, 0, 0},
	Port:   8080,
}

func runServe() error {
	s, err := loadSettings(nil)
	if err != nil {
		return err
	}
	serveCfg.Settings = s
	serveCfg.StackDumpOnPanic = stackDumpOnPanic
	return actions.RunWebServer(&serveCfg)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().SortFlags = false
	if !twelveFactorMode {
		serveCmd.Flags().IPVarP(&serveCfg.Addr, "address", "a", net.IP{0, 0, 0, 0}, "Address to listen on")
	}
	switches.addFlag(serveCmd, &serveCfg.Port, "port", "8080", false, "")
	switches.addFlag(serveCmd, &serveCfg.Trigger, "trigger", "", false, " (serve supports \"cron\" only)")
	switches.addFlag(serveCmd, &serveCfg.MigrateUp, "migrate", "false", false, "")
	switches.addFlag(serveCmd, &serveCfg.StatsDumpFrequencySeconds, "stats", fmt.Sprint(c.StatsDumpFrequencySeconds), false, "")
	addSettingsFlags(serveCmd, syncSettingsKeys...)
}
