package actions

import (
	"io"
	"os"

	"github.com/ghodss/yaml"
	"github.com/goccy/go-json"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/relloyd/ogdsync/config"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms"
	"github.com/relloyd/ogdsync/rdbms/shared"
)

const (
	OutputTable = "table"
	OutputJson  = "json"
	OutputYaml  = "yaml"
)

// openDestination connects to the settings DSN.
func openDestination(log logger.Logger, s config.Settings) (shared.Connector, error) {
	cd, err := shared.NewConnectionDetails("target", s.Dsn)
	if err != nil {
		return nil, err
	}
	conn, err := rdbms.OpenDbConnection(log, *cd)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open the destination database")
	}
	return conn, nil
}

// defaultOutput returns table for terminals and json otherwise, unless format is set.
func defaultOutput(format string, w io.Writer) string {
	if format != "" {
		return format
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return OutputTable
	}
	return OutputJson
}

// writeStructured writes i to w as indented JSON or YAML.
func writeStructured(w io.Writer, i interface{}, format string) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case OutputYaml:
		data, err = yaml.Marshal(i)
	case OutputJson:
		data, err = json.MarshalIndent(i, "", "  ")
		data = append(data, '\n')
	default:
		return errors.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		return errors.Wrap(err, "unable to marshal the output")
	}
	_, err = w.Write(data)
	return err
}
