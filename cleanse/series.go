package cleanse

import (
	"sort"
	"time"

	"github.com/relloyd/ogdsync/constants"
	h "github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/stream"
)

// DailyCount is one day of a derived series.
type DailyCount struct {
	Date  time.Time `json:"date"`
	Count int64     `json:"count"`
}

// CombinedReportRow joins the daily series by date.
type CombinedReportRow struct {
	Date                time.Time `json:"date" yaml:"date"`
	UniqueIpCount       int64     `json:"unique_ip_count" yaml:"unique_ip_count"`
	DatasetInteractions int64     `json:"dataset_interactions" yaml:"dataset_interactions"`
}

// DateString returns the row's date as YYYY-MM-DD.
func (r CombinedReportRow) DateString() string {
	return r.Date.Format(constants.TimeFormatDay)
}

// Day truncates a naive timestamp to its calendar day.
func Day(t time.Time) time.Time {
	return h.StartOfDay(t)
}

// CalendarSpine returns every calendar day from the day of from to the day of to, both included.
// It returns nil if to is before from.
func CalendarSpine(from time.Time, to time.Time) []time.Time {
	first, last := Day(from), Day(to)
	if last.Before(first) {
		return nil
	}
	spine := make([]time.Time, 0, int(last.Sub(first).Hours()/24)+1)
	// AddDate keeps wall clock midnight across DST changes in zoned locations.
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		spine = append(spine, d)
	}
	return spine
}

// FillSpine returns one value per day of spine: values[day] where present, otherwise fill.
// Values for days outside the spine are dropped.
func FillSpine[T any](spine []time.Time, values map[time.Time]T, fill T) []T {
	retval := make([]T, len(spine))
	for idx, d := range spine {
		if v, ok := values[d]; ok {
			retval[idx] = v
		} else {
			retval[idx] = fill
		}
	}
	return retval
}

// dayRange returns the first and last day seen in events.
func dayRange(events []stream.RawEvent) (time.Time, time.Time, bool) {
	if len(events) == 0 {
		return time.Time{}, time.Time{}, false
	}
	first, last := events[0].Timestamp, events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return Day(first), Day(last), true
}

// series builds the gap free series over the day range of all events, counting the qualifying
// events of each day with countFn.
func series(events []stream.RawEvent, q Qualifier, countFn func(day []stream.RawEvent) int64) []DailyCount {
	first, last, ok := dayRange(events)
	if !ok {
		return []DailyCount{}
	}
	byDay := make(map[time.Time][]stream.RawEvent)
	for _, e := range events {
		if q.IsQualifying(e) {
			d := Day(e.Timestamp)
			byDay[d] = append(byDay[d], e)
		}
	}
	counts := make(map[time.Time]int64, len(byDay))
	for d, day := range byDay {
		counts[d] = countFn(day)
	}
	spine := CalendarSpine(first, last)
	filled := FillSpine(spine, counts, 0)
	retval := make([]DailyCount, len(spine))
	for idx, d := range spine {
		retval[idx] = DailyCount{Date: d, Count: filled[idx]}
	}
	return retval
}

// DailyInteractions counts qualifying events per day. Every day between the first and last raw
// event appears exactly once in ascending order, with 0 where nothing qualified.
func DailyInteractions(events []stream.RawEvent, q Qualifier) []DailyCount {
	return series(events, q, func(day []stream.RawEvent) int64 {
		return int64(len(day))
	})
}

// DailyUniqueIPs counts distinct client IPs among qualifying events per day, over the same days
// as DailyInteractions. Events without an IP are not counted.
func DailyUniqueIPs(events []stream.RawEvent, q Qualifier) []DailyCount {
	return series(events, q, func(day []stream.RawEvent) int64 {
		ips := make(map[string]struct{})
		for _, e := range day {
			if e.UserIpAddr != nil {
				ips[*e.UserIpAddr] = struct{}{}
			}
		}
		return int64(len(ips))
	})
}

// CombinedReport joins the two series on date and orders the rows by date descending.
// Only days present in both series are returned.
func CombinedReport(interactions []DailyCount, uniques []DailyCount) []CombinedReportRow {
	u := make(map[time.Time]int64, len(uniques))
	for _, d := range uniques {
		u[Day(d.Date)] = d.Count
	}
	retval := make([]CombinedReportRow, 0, len(interactions))
	for _, i := range interactions {
		day := Day(i.Date)
		uc, ok := u[day]
		if !ok {
			continue
		}
		retval = append(retval, CombinedReportRow{Date: day, UniqueIpCount: uc, DatasetInteractions: i.Count})
	}
	sort.Slice(retval, func(a, b int) bool {
		return retval[a].Date.After(retval[b].Date)
	})
	return retval
}
