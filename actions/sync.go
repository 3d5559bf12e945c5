package actions

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/relloyd/ogdsync/config"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/pipeline"
	"github.com/relloyd/ogdsync/trigger"
)

type SyncConfig struct {
	Settings                  config.Settings
	Source                    string `errorTxt:"source (events, datasets or all)" mandatory:"yes"`
	Trigger                   string // once, cron or lambda; empty means once.
	Force                     bool
	MigrateUp                 bool
	StatsDumpFrequencySeconds int
	StackDumpOnPanic          bool
	Output                    io.Writer // run summaries; defaults to stdout.
	EngineOptions             EngineOptions
}

// ResolveSources expands source into the sources to run.
func ResolveSources(source string) ([]string, error) {
	switch source {
	case constants.SourceEvents, constants.SourceDatasets:
		return []string{source}, nil
	case constants.SourceAll:
		return []string{constants.SourceEvents, constants.SourceDatasets}, nil
	default:
		return nil, fmt.Errorf("unknown source %q, use %v, %v or %v", source, constants.SourceEvents, constants.SourceDatasets, constants.SourceAll)
	}
}

// RunSync syncs the configured sources each time the trigger fires.
// It returns an error naming every failed source of the last run.
func RunSync(cfg *SyncConfig) error {
	if err := helper.ValidateStructIsPopulated(cfg); err != nil {
		return err
	}
	log := logger.NewLogger(constants.AppName, cfg.Settings.LogLevel, cfg.StackDumpOnPanic)
	sources, err := ResolveSources(cfg.Source)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	opts := cfg.EngineOptions
	opts.Force = opts.Force || cfg.Force
	opts.MigrateUp = opts.MigrateUp || cfg.MigrateUp
	opts.StatsDumpFrequencySeconds = cfg.StatsDumpFrequencySeconds
	e, err := NewEngine(ctx, log, cfg.Settings, opts)
	if err != nil {
		return err
	}
	defer e.Close()
	trig, err := trigger.New(log, trigger.Config{
		Kind:       cfg.Trigger,
		Schedule:   cfg.Settings.Schedule,
		Location:   e.Location,
		Retries:    cfg.Settings.Retries,
		RetryDelay: cfg.Settings.RetryDelay,
	})
	if err != nil {
		return err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	log.Debug("settings: ", fmt.Sprintf("%+v", cfg.Settings.Redacted()))
	return trig.Start(ctx, func(ctx context.Context) error {
		results := e.Runner.RunAll(ctx, sources)
		if err := writeRunResults(out, results); err != nil {
			log.Warn("unable to write the run summary: ", err)
		}
		e.Runner.Registry().Prune(time.Now().Add(-24 * time.Hour))
		return pipeline.Failed(results)
	})
}

// writeRunResults prints one line per source.
func writeRunResults(w io.Writer, results []pipeline.RunResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SOURCE\tRUN\tSTATE\tBATCHES\tFETCHED\tWRITTEN\tWATERMARK (UTC)\tNOTE")
	for _, r := range results {
		wm := "-"
		if r.Watermark != nil {
			wm = r.Watermark.UTC().Format(constants.TimeFormatNaive)
		}
		note := r.Skipped
		if r.Err != nil {
			note = r.Err.Error()
		}
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\n", r.Source, r.RunID, r.State, r.Batches, r.RowsFetched, r.RowsWritten, wm, note)
	}
	return tw.Flush()
}
