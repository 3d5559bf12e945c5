package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/rdbms/shared"
	"github.com/xo/dburl"
)

// Settings is the complete configuration of a sync or report run.
// The mapstructure tags are the keys used in the config file, the flag names and, upper-cased with
// an OGD_ prefix, the environment variable names.
type Settings struct {
	Dsn             string        `mapstructure:"dsn" yaml:"dsn" errorTxt:"database DSN" mandatory:"yes"`
	Schema          string        `mapstructure:"schema" yaml:"schema"`
	ApiBaseUrl      string        `mapstructure:"api-base-url" yaml:"api-base-url" errorTxt:"monitoring API base URL" mandatory:"yes"`
	RecordsPath     string        `mapstructure:"records-path" yaml:"records-path"`
	EventsDataset   string        `mapstructure:"events-dataset" yaml:"events-dataset" errorTxt:"events dataset" mandatory:"yes"`
	DatasetsDataset string        `mapstructure:"datasets-dataset" yaml:"datasets-dataset" errorTxt:"datasets dataset" mandatory:"yes"`
	Token           string        `mapstructure:"token" yaml:"token"`
	Proxy           string        `mapstructure:"proxy" yaml:"proxy"`
	PageSize        int           `mapstructure:"page-size" yaml:"page-size"`
	MaxOffsetWindow int           `mapstructure:"max-offset-window" yaml:"max-offset-window"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit       float64       `mapstructure:"rate-limit" yaml:"rate-limit"`
	RetryMax        int           `mapstructure:"retry-max" yaml:"retry-max"`
	BotPattern      string        `mapstructure:"bot-pattern" yaml:"bot-pattern"`
	QualifierRule   string        `mapstructure:"qualifier-rule" yaml:"qualifier-rule"` // optional JSON Logic rule ANDed with the default filter.
	Timezone        string        `mapstructure:"timezone" yaml:"timezone" errorTxt:"portal timezone" mandatory:"yes"`
	ExecBatchSize   int           `mapstructure:"exec-batch-size" yaml:"exec-batch-size"`
	LockTables      bool          `mapstructure:"lock-tables" yaml:"lock-tables"`
	Schedule        string        `mapstructure:"schedule" yaml:"schedule"`
	Retries         int           `mapstructure:"retries" yaml:"retries"`
	RetryDelay      time.Duration `mapstructure:"retry-delay" yaml:"retry-delay"`
	S3Bucket        string        `mapstructure:"s3-bucket" yaml:"s3-bucket"`
	S3Region        string        `mapstructure:"s3-region" yaml:"s3-region"`
	LogLevel        string        `mapstructure:"log-level" yaml:"log-level"`
}

// Legacy environment variables of the original job.
const (
	LegacyEnvHost     = "ogd_analytics_host"
	LegacyEnvDb       = "ogd_analytics_db"
	LegacyEnvUser     = "ogd_analytics_user"
	LegacyEnvPassword = "ogd_analytics_password"
	LegacyEnvPort     = "ogd_analytics_port"
	LegacyEnvToken    = "ogd_opendatasoft_token"
)

// Defaults returns the built-in settings.
func Defaults() Settings {
	retryDelay, _ := time.ParseDuration(constants.DefaultCronRetryDelay)
	return Settings{
		Schema:          constants.DefaultSchemaPostgres,
		ApiBaseUrl:      constants.DefaultApiBaseUrl,
		RecordsPath:     "records",
		EventsDataset:   constants.DefaultEventsDataset,
		DatasetsDataset: constants.DefaultDatasetsDataset,
		PageSize:        constants.DefaultPageSize,
		MaxOffsetWindow: constants.DefaultMaxOffsetWindow,
		Timeout:         constants.DefaultHttpTimeoutSec * time.Second,
		RateLimit:       constants.DefaultRequestsPerSec,
		RetryMax:        constants.DefaultRetryMax,
		BotPattern:      constants.DefaultBotPattern,
		Timezone:        constants.DefaultTimezone,
		ExecBatchSize:   constants.DefaultExecBatchSize,
		Schedule:        constants.DefaultCronSchedule,
		Retries:         constants.DefaultCronRetries,
		RetryDelay:      retryDelay,
		LogLevel:        "info",
	}
}

// LoadOptions say where Load looks for settings.
type LoadOptions struct {
	// ConfigFile is the YAML file to read. If empty the default file is used, and it may be missing.
	ConfigFile string
	// EnvFile is a dotenv file whose values rank below real environment variables. It may be missing.
	EnvFile string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(key string) (string, bool)
	// CommandDefaults replace built-in defaults for one command, e.g. a quieter log level.
	CommandDefaults map[string]interface{}
	// Overrides are applied last, usually from changed CLI flags.
	Overrides map[string]interface{}
}

// Load builds Settings from defaults, then the config file, the dotenv file, the environment and
// finally the overrides. The result is not validated.
func Load(opts LoadOptions) (Settings, error) {
	s := Defaults()
	if err := Apply(&s, opts.CommandDefaults, "command defaults"); err != nil {
		return s, err
	}
	// Config file.
	f := Main
	if opts.ConfigFile != "" {
		f = NewConfigFile(opts.ConfigFile)
	}
	data, err := f.Data()
	if err != nil {
		if !errors.As(err, &FileNotFoundError{}) || opts.ConfigFile != "" { // if the error is not a missing default file...
			return s, err
		}
	}
	if err = Apply(&s, data, f.FullPath); err != nil {
		return s, err
	}
	// Environment, including the dotenv file.
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if opts.EnvFile != "" {
		dotenv, err := godotenv.Read(opts.EnvFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return s, fmt.Errorf("error reading env file %v: %w", opts.EnvFile, err)
		}
		lookup = withFallback(lookup, dotenv)
	}
	if err = Apply(&s, envValues(lookup), "environment"); err != nil {
		return s, err
	}
	// Flags.
	if err = Apply(&s, opts.Overrides, "flags"); err != nil {
		return s, err
	}
	return s, nil
}

// Apply decodes values over s. Keys must be settings keys; origin is used in errors.
func Apply(s *Settings, values map[string]interface{}, origin string) error {
	if len(values) == 0 {
		return nil
	}
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           s,
	})
	if err != nil {
		return err
	}
	if err = d.Decode(values); err != nil {
		return fmt.Errorf("error decoding settings from %v: %w", origin, err)
	}
	return nil
}

// Validate reports missing mandatory settings and values that cannot work.
func (s Settings) Validate() error {
	if err := helper.ValidateStructIsPopulated(s); err != nil {
		return err
	}
	if _, err := shared.NewConnectionDetails("target", s.Dsn); err != nil {
		return err
	}
	if _, err := helper.LoadLocation(s.Timezone); err != nil {
		return err
	}
	if s.PageSize <= 0 || s.ExecBatchSize <= 0 || s.MaxOffsetWindow <= 0 {
		return errors.New("page-size, exec-batch-size and max-offset-window must be positive")
	}
	if s.PageSize > s.MaxOffsetWindow {
		return fmt.Errorf("page-size %v exceeds max-offset-window %v", s.PageSize, s.MaxOffsetWindow)
	}
	if s.RetryMax < 0 || s.Retries < 0 {
		return errors.New("retry-max and retries must not be negative")
	}
	return nil
}

// Redacted returns a copy of s that is safe to log.
func (s Settings) Redacted() Settings {
	if u, err := dburl.Parse(s.Dsn); err == nil {
		s.Dsn = u.Redacted()
	}
	if s.Token != "" {
		s.Token = "****"
	}
	return s
}

// SettingsKeys returns every key accepted in the config file, environment and flags.
func SettingsKeys() []string {
	t := reflect.TypeOf(Settings{})
	keys := make([]string, 0, t.NumField())
	for idx := 0; idx < t.NumField(); idx++ {
		keys = append(keys, t.Field(idx).Tag.Get("mapstructure"))
	}
	return keys
}

func IsSettingsKey(key string) bool {
	for _, k := range SettingsKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// envValues collects the settings found in the environment.
// Legacy variables rank below OGD_ variables.
func envValues(lookup func(string) (string, bool)) map[string]interface{} {
	m := make(map[string]interface{})
	if dsn := legacyDsn(lookup); dsn != "" {
		m["dsn"] = dsn
	}
	if v, ok := lookup(LegacyEnvToken); ok && v != "" {
		m["token"] = v
	}
	for _, k := range SettingsKeys() {
		if v, ok := lookup(helper.GetEnvVarName(k)); ok && v != "" {
			m[k] = v
		}
	}
	return m
}

// legacyDsn builds a postgres DSN from the original job's variables.
// It returns an empty string unless host and database are both set.
func legacyDsn(lookup func(string) (string, bool)) string {
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}
	host, db := get(LegacyEnvHost), get(LegacyEnvDb)
	if host == "" || db == "" {
		return ""
	}
	if port := get(LegacyEnvPort); port != "" {
		host = net.JoinHostPort(host, port)
	}
	u := url.URL{Scheme: "postgres", Host: host, Path: "/" + db}
	if user := get(LegacyEnvUser); user != "" {
		if pw, ok := lookup(LegacyEnvPassword); ok {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}

func withFallback(lookup func(string) (string, bool), fallback map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		if v, ok := lookup(k); ok {
			return v, ok
		}
		v, ok := fallback[k]
		return v, ok
	}
}
