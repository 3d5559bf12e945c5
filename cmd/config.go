package cmd

import (
	"fmt"
	"strings"

	"github.com/relloyd/ogdsync/actions"
	"github.com/relloyd/ogdsync/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Save settings in the config file",
	Long: fmt.Sprintf(`Save settings in config file %q, where keys match the
settings flag names:

  %v

Values in the file rank below the environment and command-line flags.`,
		config.Main.FullPath, strings.Join(config.SettingsKeys(), "\n  ")),
}

var configSetCfg = actions.ConfigSetConfig{}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Add or set a value in the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		configSetCfg.ConfigFile = configFileForEdit()
		configSetCfg.Key = args[0]
		configSetCfg.Value = args[1]
		return actions.RunConfigSet(&configSetCfg)
	},
}

var configRemoveCfg = actions.ConfigRemoveConfig{}

var configRemoveCmd = &cobra.Command{
	Use:     "remove <key>",
	Aliases: []string{"rm", "del", "delete"},
	Short:   "Remove a value from the config file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configRemoveCfg.ConfigFile = configFileForEdit()
		configRemoveCfg.Key = args[0]
		return actions.RunConfigRemove(&configRemoveCfg)
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print all values in the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return actions.RunConfigList(&actions.ConfigListConfig{ConfigFile: configFileForEdit()})
	},
}

// configFileForEdit returns the file named by --config, else the main config file.
func configFileForEdit() *config.File {
	if configFile != "" {
		return config.NewConfigFile(configFile)
	}
	return config.Main
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd, configRemoveCmd, configListCmd)
	switches.addFlag(configSetCmd, &configSetCfg.Force, "key-force", "false", false, "")
	configSetCmd.SilenceUsage = true
	configRemoveCmd.SilenceUsage = true
}
