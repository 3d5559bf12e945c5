package cmd

import (
	"fmt"
	"os"

	"github.com/relloyd/ogdsync/config"
	"github.com/spf13/cobra"
)

var (
	// Default values may be set at compile time.
	version          = "0.1.0"
	buildDate        = "2024-01-02T03:04+0100"
	osArch           = "linux"
	stackDumpOnPanic bool
	configFile       string // YAML settings file, default config.Main.
	envFile          string // dotenv file ranked below real environment variables.
	// settingsOverrides holds the settings flags changed on the command line.
	settingsOverrides map[string]interface{}
)

var rootCmd = &cobra.Command{
	Use:   "ogdsync",
	Short: "Sync and cleanse portal usage analytics",
	Long: fmt.Sprintf(`ogdsync copies user actions and the dataset catalogue from the open data portal's
monitoring API into a relational warehouse, then derives gap-free daily series of
qualifying interactions and unique visitors.

Settings are read from built-in defaults, then %q (or --config), then the
dotenv file, then OGD_ environment variables and finally command-line flags.`, config.Main.FullPath),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		settingsOverrides = changedSettings(cmd)
		return nil
	},
}

func init() {
	// General setup.
	cobra.EnableCommandSorting = false
	// Global flags.
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("Settings `<file>` (default %v)", config.Main.FullPath))
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv `<file>` of OGD_ variables, ignored if missing")
	rootCmd.PersistentFlags().BoolVar(&stackDumpOnPanic, "print-stack", false, "Print a stack dump if there is a panic")
	_ = rootCmd.PersistentFlags().MarkHidden("print-stack")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if twelveFactorMode { // if we are running based on environment variables...
		if err := execute12FactorMode(twelveFactorActions); err != nil {
			// execute12FactorMode prints the error.
			os.Exit(1)
		}
	} else { // else we're using CLI args and flags via Cobra...
		if err := rootCmd.Execute(); err != nil {
			// Execute() prints the error.
			os.Exit(1)
		}
	}
}

// loadSettings builds the settings for a command, layering the changed flags last.
// commandDefaults replace the built-in defaults for this command only.
func loadSettings(commandDefaults map[string]interface{}) (config.Settings, error) {
	return config.Load(config.LoadOptions{
		ConfigFile:      configFile,
		EnvFile:         envFile,
		CommandDefaults: commandDefaults,
		Overrides:       settingsOverrides,
	})
}
