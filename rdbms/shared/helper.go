package shared

import (
	"errors"
)

// FixSqlStatementGeneratorConfig validates the config and sets the schema separator.
func FixSqlStatementGeneratorConfig(cfg *SqlStatementGeneratorConfig) error {
	if cfg.OutputTable == "" {
		return errors.New("missing output table name")
	}
	if cfg.TargetKeyCols == nil || cfg.TargetKeyCols.Len() == 0 {
		return errors.New("missing target key columns")
	}
	if cfg.OutputSchema == "" {
		cfg.SchemaSeparator = ""
		if cfg.Log != nil {
			cfg.Log.Debug("No output schema supplied; setting a blank separator.")
		}
	} else {
		cfg.SchemaSeparator = "."
	}
	return nil
}
