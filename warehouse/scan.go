package warehouse

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/relloyd/ogdsync/constants"
)

// Layouts that SQLite hands back for timestamp and date values. go-sqlite3 writes time.Time
// using the first one.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	constants.TimeFormatNaive,
	constants.TimeFormatDay,
}

// naive returns the wall clock of t in the UTC location, which is how naive timestamps are
// carried around. lib/pq hands back "timestamp without time zone" in a nameless zero offset zone.
func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// sqlTime scans a naive timestamp stored as a native time or as text.
type sqlTime struct {
	Time  time.Time
	Valid bool
}

func (s *sqlTime) Scan(src interface{}) error {
	s.Time, s.Valid = time.Time{}, false
	switch v := src.(type) {
	case nil:
		return nil
	case time.Time:
		s.Time = naive(v)
	case string:
		t, err := parseSqlTime(v)
		if err != nil {
			return err
		}
		s.Time = t
	case []byte:
		t, err := parseSqlTime(string(v))
		if err != nil {
			return err
		}
		s.Time = t
	default:
		return fmt.Errorf("unable to scan %T into a timestamp", src)
	}
	s.Valid = true
	return nil
}

func (s sqlTime) Value() (driver.Value, error) {
	if !s.Valid {
		return nil, nil
	}
	return s.Time, nil
}

// sqlDay scans a calendar day; SQLite views return dates as text.
type sqlDay struct {
	sqlTime
}

func (d *sqlDay) Scan(src interface{}) error {
	if err := d.sqlTime.Scan(src); err != nil {
		return err
	}
	if d.Valid {
		d.Time = time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), 0, 0, 0, 0, time.UTC)
	}
	return nil
}

func parseSqlTime(s string) (time.Time, error) {
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return naive(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse %q as a timestamp", s)
}
