package shared

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/relloyd/ogdsync/constants"
	"github.com/xo/dburl"
)

// ConnectionDetails holds the credentials for a logical database connection.
type ConnectionDetails struct {
	Type        string `json:"type" yaml:"type"`
	LogicalName string `json:"logicalName" errorTxt:"database logical name" mandatory:"yes" yaml:"logicalName"`
	Dsn         string `json:"dsn" errorTxt:"database DSN i.e. connect string" mandatory:"yes" yaml:"dsn"`
}

// NewConnectionDetails parses dsn and returns ConnectionDetails with the Type set from the DSN scheme.
// Only postgres and sqlite3 targets are supported.
func NewConnectionDetails(logicalName string, dsn string) (*ConnectionDetails, error) {
	c := &ConnectionDetails{LogicalName: logicalName, Dsn: dsn}
	if err := c.Parse(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse validates the DSN and saves the connection type.
func (c *ConnectionDetails) Parse() error {
	if c.Dsn == "" { // if the Dsn is invalid...
		return errors.New("DSN not found")
	}
	u, err := dburl.Parse(c.Dsn)
	if err != nil {
		return errors.Wrap(err, "DSN could not be parsed")
	}
	switch u.Driver {
	case "postgres":
		c.Type = constants.ConnectionTypePostgres
	case "sqlite3":
		c.Type = constants.ConnectionTypeSqlite
	default:
		return fmt.Errorf("unsupported database type %q in DSN; use postgres or sqlite3", u.Driver)
	}
	return nil
}

// String redacts passwords and pretty-prints the contents of ConnectionDetails.
func (c ConnectionDetails) String() string {
	v := "<invalid>"
	if u, err := dburl.Parse(c.Dsn); err == nil {
		v = u.Redacted()
	}
	return fmt.Sprintf("%v (type = %v; dsn = %v)", c.LogicalName, c.Type, v)
}
