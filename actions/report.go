package actions

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/relloyd/ogdsync/cleanse"
	"github.com/relloyd/ogdsync/config"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms/shared"
	"github.com/relloyd/ogdsync/warehouse"
)

const (
	ReportEngineSql = "sql"
	ReportEngineGo  = "go"
)

type ReportConfig struct {
	Settings         config.Settings
	Days             int    // latest days to show, 0 for all.
	Output           string // table, json or yaml; empty picks table for terminals.
	Engine           string // sql reads the views, go derives the series from raw events.
	StackDumpOnPanic bool
	Writer           io.Writer
	Conn             shared.Connector // optional, the settings DSN is opened if nil.
}

// ReportRow is one output row of the combined daily report.
type ReportRow struct {
	Date                string `json:"date"`
	UniqueIpCount       int64  `json:"unique_ip_count"`
	DatasetInteractions int64  `json:"dataset_interactions"`
}

// RunReport prints the combined daily report, latest day first.
func RunReport(cfg *ReportConfig) error {
	if err := cfg.Settings.Validate(); err != nil {
		return err
	}
	if err := validateDays(cfg.Days); err != nil {
		return err
	}
	log := logger.NewLogger(constants.AppName, cfg.Settings.LogLevel, cfg.StackDumpOnPanic)
	conn := cfg.Conn
	if conn == nil {
		var err error
		if conn, err = openDestination(log, cfg.Settings); err != nil {
			return err
		}
		defer conn.Close()
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	rows, err := combinedReport(context.Background(), log, warehouse.NewReader(log, conn, cfg.Settings.Schema), cfg)
	if err != nil {
		return err
	}
	out := make([]ReportRow, len(rows))
	for idx, r := range rows {
		out[idx] = ReportRow{Date: r.DateString(), UniqueIpCount: r.UniqueIpCount, DatasetInteractions: r.DatasetInteractions}
	}
	format := defaultOutput(cfg.Output, w)
	if format == OutputTable {
		return writeReportTable(w, out)
	}
	return writeStructured(w, out, format)
}

func combinedReport(ctx context.Context, log logger.Logger, r *warehouse.Reader, cfg *ReportConfig) ([]cleanse.CombinedReportRow, error) {
	switch cfg.Engine {
	case "", ReportEngineSql:
		if cfg.Settings.QualifierRule != "" {
			log.Warn("the qualifier rule is only applied by the ", ReportEngineGo, " report engine")
		}
		return r.CombinedReport(ctx, cfg.Days)
	case ReportEngineGo:
		q, err := NewQualifier(log, cfg.Settings)
		if err != nil {
			return nil, err
		}
		from, err := reportWindowStart(ctx, r, cfg.Days)
		if err != nil {
			return nil, err
		}
		events, err := r.RawEvents(ctx, from, nil)
		if err != nil {
			return nil, err
		}
		log.Debug("deriving the report from ", len(events), " raw events")
		rows := cleanse.CombinedReport(cleanse.DailyInteractions(events, q), cleanse.DailyUniqueIPs(events, q))
		if from != nil {
			rows = padToDay(rows, *from)
		}
		if cfg.Days > 0 && len(rows) > cfg.Days {
			rows = rows[:cfg.Days]
		}
		return rows, nil
	default:
		return nil, errors.Errorf("unsupported report engine %q, use %v or %v", cfg.Engine, ReportEngineSql, ReportEngineGo)
	}
}

// reportWindowStart returns the first day of the latest days of events, no earlier than the
// first event, or nil to read every event.
func reportWindowStart(ctx context.Context, r *warehouse.Reader, days int) (*time.Time, error) {
	if days <= 0 {
		return nil, nil
	}
	first, last, err := r.EventRange(ctx)
	if err != nil || last == nil {
		return nil, err
	}
	from := cleanse.Day(*last).AddDate(0, 0, 1-days)
	if from.Before(cleanse.Day(*first)) {
		from = cleanse.Day(*first)
	}
	return &from, nil
}

// padToDay extends rows, ordered by date descending, with empty days back to day.
// A bounded read may start on days without events that the full series would show as zeros.
func padToDay(rows []cleanse.CombinedReportRow, day time.Time) []cleanse.CombinedReportRow {
	if len(rows) == 0 {
		return rows
	}
	for d := rows[len(rows)-1].Date.AddDate(0, 0, -1); !d.Before(day); d = d.AddDate(0, 0, -1) {
		rows = append(rows, cleanse.CombinedReportRow{Date: d})
	}
	return rows
}

// NewQualifier returns the default qualifier for s, narrowed by its JSON Logic rule if one is set.
func NewQualifier(log logger.Logger, s config.Settings) (cleanse.Qualifier, error) {
	q, err := cleanse.NewDefaultQualifier(s.BotPattern)
	if err != nil {
		return nil, err
	}
	if s.QualifierRule == "" {
		return q, nil
	}
	jl, err := cleanse.NewJsonLogicQualifier(log, s.QualifierRule)
	if err != nil {
		return nil, err
	}
	return cleanse.AllOf(q, jl), nil
}

func writeReportTable(w io.Writer, rows []ReportRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(tw, "DATE\tUNIQUE IPS\tINTERACTIONS\t")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t\n", r.Date, r.UniqueIpCount, r.DatasetInteractions)
	}
	return tw.Flush()
}

// validateDays is shared by the CLI and the web handler.
func validateDays(days int) error {
	if days < 0 {
		return errors.New("days must not be negative")
	}
	return nil
}
