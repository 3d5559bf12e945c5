package cleanse_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/relloyd/ogdsync/cleanse"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/stream"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func event(ts time.Time, userId string, ip string, agent *string) stream.RawEvent {
	return stream.RawEvent{
		Timestamp:  ts,
		UserId:     stream.StrPtr(userId),
		UserIpAddr: stream.StrPtr(ip),
		DatasetId:  stream.StrPtr("10650"),
		UserAgent:  agent,
	}
}

// The scenario: 3 qualifying events from 2 IPs on 2024-01-01, nothing on 2024-01-02 and only a
// bot on 2024-01-03.
func scenarioEvents() []stream.RawEvent {
	return []stream.RawEvent{
		event(day(1).Add(8*time.Hour), "anonymous", "10.0.0.1", nil),
		event(day(1).Add(9*time.Hour), "anonymous", "10.0.0.1", stream.StrPtr("Mozilla/5.0 Firefox/121.0")),
		event(day(1).Add(10*time.Hour), "anonymous", "10.0.0.2", nil),
		event(day(1).Add(11*time.Hour), "editor", "10.0.0.3", nil),
		event(day(3).Add(7*time.Hour), "anonymous", "10.0.0.4", stream.StrPtr("Googlebot/2.1")),
	}
}

var _ = Describe("Qualifier", func() {
	var q *cleanse.DefaultQualifier

	BeforeEach(func() {
		var err error
		q, err = cleanse.NewDefaultQualifier("")
		Expect(err).NotTo(HaveOccurred())
	})

	It("counts only the anonymous human event of a day", func() {
		events := []stream.RawEvent{
			event(day(1), "anonymous", "10.0.0.1", nil),
			event(day(1), "alice", "10.0.0.2", nil),
			event(day(1), "anonymous", "10.0.0.3", stream.StrPtr("Googlebot")),
		}
		got := cleanse.DailyInteractions(events, q)
		Expect(got).To(HaveLen(1))
		Expect(got[0].Count).To(Equal(int64(1)))
	})

	It("qualifies on the user, not the action", func() {
		e := event(day(1), "anonymous", "10.0.0.1", nil)
		e.Action = stream.StrPtr("login")
		Expect(q.IsQualifying(e)).To(BeTrue())
		e.UserId = stream.StrPtr("alice")
		Expect(q.IsQualifying(e)).To(BeFalse())
	})

	It("rejects dataset ids holding the NULL marker and missing dataset ids", func() {
		e := event(day(1), "anonymous", "10.0.0.1", nil)
		Expect(q.IsQualifying(e)).To(BeTrue())
		e.DatasetId = stream.StrPtr("NULL")
		Expect(q.IsQualifying(e)).To(BeFalse())
		e.DatasetId = nil
		Expect(q.IsQualifying(e)).To(BeFalse())
		e.DatasetId = stream.StrPtr("annullierung") // case sensitive.
		Expect(q.IsQualifying(e)).To(BeTrue())
	})

	It("rejects a missing user id", func() {
		e := event(day(1), "anonymous", "10.0.0.1", nil)
		e.UserId = nil
		Expect(q.IsQualifying(e)).To(BeFalse())
	})

	It("matches bot terms case insensitively", func() {
		for _, agent := range []string{"CURL/8.0", "Mozilla/5.0 (compatible; YandexBot/3.0)", "python-requests/2.31", "Site24x7 Monitor"} {
			Expect(q.IsQualifying(event(day(1), "anonymous", "10.0.0.1", stream.StrPtr(agent)))).To(BeFalse(), agent)
		}
	})

	It("builds the default pattern from the default terms", func() {
		Expect(cleanse.DefaultBotPatternFromTerms(cleanse.DefaultBotTerms)).To(Equal(constants.DefaultBotPattern))
	})

	It("returns an error for an invalid pattern", func() {
		_, err := cleanse.NewDefaultQualifier("(")
		Expect(err).To(HaveOccurred())
	})

	It("combines qualifiers with AllOf", func() {
		downloadsOnly := cleanse.QualifierFunc(func(e stream.RawEvent) bool {
			return e.Action != nil && *e.Action == "download"
		})
		both := cleanse.AllOf(q, downloadsOnly)
		e := event(day(1), "anonymous", "10.0.0.1", nil)
		Expect(both.IsQualifying(e)).To(BeFalse())
		e.Action = stream.StrPtr("download")
		Expect(both.IsQualifying(e)).To(BeTrue())
	})
})

var _ = Describe("JsonLogicQualifier", func() {
	log := logger.NewLogger("ogdsync", "error", false)

	It("evaluates the rule against event columns", func() {
		q, err := cleanse.NewJsonLogicQualifier(log, `{"==": [{"var": "api_type"}, "download"]}`)
		Expect(err).NotTo(HaveOccurred())
		e := event(day(1), "anonymous", "10.0.0.1", nil)
		Expect(q.IsQualifying(e)).To(BeFalse())
		e.ApiType = stream.StrPtr("download")
		Expect(q.IsQualifying(e)).To(BeTrue())
	})

	It("rejects invalid rules", func() {
		_, err := cleanse.NewJsonLogicQualifier(log, `{"==": [`)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Daily series", func() {
	var q cleanse.Qualifier

	BeforeEach(func() {
		dq, err := cleanse.NewDefaultQualifier("")
		Expect(err).NotTo(HaveOccurred())
		q = dq
	})

	It("fills gaps between the first and last raw event", func() {
		interactions := cleanse.DailyInteractions(scenarioEvents(), q)
		Expect(interactions).To(Equal([]cleanse.DailyCount{
			{Date: day(1), Count: 3},
			{Date: day(2), Count: 0},
			{Date: day(3), Count: 0},
		}))
		uniques := cleanse.DailyUniqueIPs(scenarioEvents(), q)
		Expect(uniques).To(Equal([]cleanse.DailyCount{
			{Date: day(1), Count: 2},
			{Date: day(2), Count: 0},
			{Date: day(3), Count: 0},
		}))
	})

	It("orders the combined report by date descending", func() {
		events := scenarioEvents()
		report := cleanse.CombinedReport(cleanse.DailyInteractions(events, q), cleanse.DailyUniqueIPs(events, q))
		Expect(report).To(Equal([]cleanse.CombinedReportRow{
			{Date: day(3), UniqueIpCount: 0, DatasetInteractions: 0},
			{Date: day(2), UniqueIpCount: 0, DatasetInteractions: 0},
			{Date: day(1), UniqueIpCount: 2, DatasetInteractions: 3},
		}))
		Expect(report[0].DateString()).To(Equal("2024-01-03"))
	})

	It("returns empty series without events", func() {
		Expect(cleanse.DailyInteractions(nil, q)).To(BeEmpty())
		Expect(cleanse.CombinedReport(nil, nil)).To(BeEmpty())
	})
})
