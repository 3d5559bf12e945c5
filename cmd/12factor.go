package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/relloyd/ogdsync/actions"
	c "github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms/migrations"
	"github.com/relloyd/ogdsync/trigger"
)

// init will be called first due to the lexical order in which these functions are executed.
// This ensures the value of twelveFactorMode is set such that other init() functions that configure
// Cobra can do the job of processing all environment variables that would contain equivalent of the CLI flag
// structures used by the actions.
func init() {
	setupTwelveFactorMode()
}

// setupTwelveFactorMode will enable or disable 12 factor mode based on environment variable.
func setupTwelveFactorMode() {
	mode := os.Getenv(envVarTwelveFactorMode)
	if mode != "" { // if variable for 12factor mode is set and we should read env vars to determine actions...
		twelveFactorMode = true
		lambdaMode = strings.ToLower(mode) == "lambda"
	} else { // else 12factor mode should be off...
		twelveFactorMode = false // explicitly turn off this mode since tests may have turned it on while others require it off.
		lambdaMode = false
	}
}

const (
	envVarTwelveFactorMode = c.EnvVarPrefix + "_" + "12FACTOR_MODE"
	envVarCommand          = c.EnvVarPrefix + "_" + "COMMAND"
	envVarSubcommand       = c.EnvVarPrefix + "_" + "SUBCOMMAND"
	envVarConfigFile       = c.EnvVarPrefix + "_" + "CONFIG"
	envVarEnvFile          = c.EnvVarPrefix + "_" + "ENV_FILE"
	envVarStackDump        = c.EnvVarPrefix + "_" + "STACK_DUMP"
	envVarLogLevel         = c.EnvVarPrefix + "_" + "LOG_LEVEL"
	envVarToken            = c.EnvVarPrefix + "_" + "TOKEN"
	envVarDsn              = c.EnvVarPrefix + "_" + "DSN"
)

var (
	twelveFactorMode bool // true if os env var envVarTwelveFactorMode is set
	lambdaMode       bool // true if envVarTwelveFactorMode is "lambda"
	twelveFactorVars = map[string]string{
		envVarCommand:    "",
		envVarSubcommand: "",
		envVarConfigFile: "",
		envVarEnvFile:    "",
		envVarStackDump:  "",
		envVarLogLevel:   "",
		envVarToken:      "",
		envVarDsn:        "",
	}
	twelveFactorVarsSensitive = map[string]string{ // used to flag some of the above variables as being sensitive.
		envVarToken: "",
		envVarDsn:   "",
	}
)

type twelveFactorAction struct {
	runnerFunc func() error
	// handlesLambda is true if the action reuses its engine across Lambda invocations itself.
	handlesLambda bool
}

var twelveFactorActions = map[string]twelveFactorAction{
	"sync-events":     {runnerFunc: get12FactorSync(c.SourceEvents), handlesLambda: true},
	"sync-datasets":   {runnerFunc: get12FactorSync(c.SourceDatasets), handlesLambda: true},
	"sync-all":        {runnerFunc: get12FactorSync(c.SourceAll), handlesLambda: true},
	"report":          {runnerFunc: runReport},
	"migrate-up":      {runnerFunc: get12FactorMigrate(string(migrations.Up))},
	"migrate-down":    {runnerFunc: get12FactorMigrate(string(migrations.Down))},
	"migrate-version": {runnerFunc: get12FactorMigrate(actions.MigrateVersion)},
	"serve":           {runnerFunc: runServe},
}

func get12FactorSync(source string) func() error {
	return func() error {
		syncCfg.Source = source
		if lambdaMode {
			syncCfg.Trigger = trigger.KindLambda
		}
		return runSync()
	}
}

func get12FactorMigrate(direction string) func() error {
	return func() error {
		migrateCfg.Direction = direction
		return runMigrate()
	}
}

// twelveFactorActionName joins command and subcommand, e.g. sync-events or report.
func twelveFactorActionName(command string, subcommand string) string {
	if subcommand == "" {
		return command
	}
	return fmt.Sprintf("%v-%v", command, subcommand)
}

func execute12FactorMode(acts map[string]twelveFactorAction) (err error) {
	logLevel := helper.ReadValueFromEnvWithDefault(envVarLogLevel, "warn")
	log := logger.NewLogger(c.AppName, logLevel, stackDumpOnPanic)
	log.Info("running in 12 Factor mode...")
	// Save values for the required variables.
	for k := range twelveFactorVars { // for each env variable that we need...
		// Save it and log it.
		twelveFactorVars[k] = os.Getenv(k)
		_, sensitive := twelveFactorVarsSensitive[k]
		if !sensitive { // if the env variable does not contain sensitive values...
			log.Debug(k, "=", twelveFactorVars[k])
		} else { // else output obfuscated value...
			log.Debug(k, "=", "<obfuscated>")
		}
	}
	if v := twelveFactorVars[envVarConfigFile]; v != "" {
		configFile = v
	}
	if v := twelveFactorVars[envVarEnvFile]; v != "" {
		envFile = v
	}
	if twelveFactorVars[envVarStackDump] != "" {
		stackDumpOnPanic = true
	}
	// Use command and subcommand to fetch the appropriate action.
	action := twelveFactorActionName(twelveFactorVars[envVarCommand], twelveFactorVars[envVarSubcommand])
	a, ok := acts[action]
	if !ok {
		err = fmt.Errorf("invalid combination of command (%v) and subcommand (%v)", twelveFactorVars[envVarCommand], twelveFactorVars[envVarSubcommand])
		log.Error(err.Error())
		return
	}
	// Run the action.
	if lambdaMode && !a.handlesLambda { // if each invocation should run the action afresh...
		lambda.Start(a.runnerFunc)
		return nil
	}
	err = a.runnerFunc()
	if err != nil {
		log.Error("Error: ", err)
	}
	return err
}
