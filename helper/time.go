package helper

import (
	"fmt"
	"time"

	"github.com/relloyd/ogdsync/constants"
)

// Raw timestamps are stored naive, i.e. as wall clock time in the portal timezone. In Go we carry
// them as time.Time values in the UTC location so drivers write the wall clock fields unchanged.
// Cursors and watermarks are absolute instants in UTC, because naive values repeat an hour when
// the portal timezone falls back from summer time.

var apiTimestampFormats = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	constants.TimeFormatDay,
}

// LoadLocation loads the IANA zone name, defaulting to the portal timezone when name is empty.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = constants.DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unable to load timezone %q: %w", name, err)
	}
	return loc, nil
}

// Naive converts t to the wall clock time in loc, drops fractional seconds and returns the
// result in the UTC location.
func Naive(t time.Time, loc *time.Location) time.Time {
	w := t.In(loc)
	return time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), 0, time.UTC)
}

// FromNaive interprets the wall clock fields of n as a time in loc.
// A wall clock that occurs twice resolves to the earlier instant.
func FromNaive(n time.Time, loc *time.Location) time.Time {
	t := time.Date(n.Year(), n.Month(), n.Day(), n.Hour(), n.Minute(), n.Second(), n.Nanosecond(), loc)
	if e := t.Add(-time.Hour).In(loc); sameWallClock(e, n) {
		return e
	}
	return t
}

func sameWallClock(t time.Time, n time.Time) bool {
	return t.Year() == n.Year() && t.YearDay() == n.YearDay() && t.Hour() == n.Hour() &&
		t.Minute() == n.Minute() && t.Second() == n.Second() && t.Nanosecond() == n.Nanosecond()
}

// DayStart returns the instant, in UTC, of midnight in loc on the day containing t.
func DayStart(t time.Time, loc *time.Location) time.Time {
	return FromNaive(StartOfDay(Naive(t, loc)), loc).UTC()
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// ParseApiInstant parses an ISO-8601 timestamp returned by the monitoring API and returns the
// instant in UTC, without fractional seconds. Values without an offset are taken to be in loc.
func ParseApiInstant(s string, loc *time.Location) (time.Time, error) {
	for idx, f := range apiTimestampFormats {
		t, err := time.ParseInLocation(f, s, time.UTC)
		if err != nil {
			continue
		}
		if idx > 0 { // if the layout carries no offset...
			t = FromNaive(t, loc)
		}
		return t.UTC().Truncate(time.Second), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp %q", s)
}

// ParseApiTimestamp parses an ISO-8601 timestamp returned by the monitoring API and returns it
// naive in loc.
func ParseApiTimestamp(s string, loc *time.Location) (time.Time, error) {
	t, err := ParseApiInstant(s, loc)
	if err != nil {
		return time.Time{}, err
	}
	return Naive(t, loc), nil
}

// FormatApiTimestamp renders instant t as an ISO-8601 string with the offset of loc, suitable for
// use in API where clauses.
func FormatApiTimestamp(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.RFC3339)
}
