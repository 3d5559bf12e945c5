package actions

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/relloyd/ogdsync/aws/s3"
	"github.com/relloyd/ogdsync/config"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/fetch"
	"github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/monitoring"
	"github.com/relloyd/ogdsync/pipeline"
	"github.com/relloyd/ogdsync/rdbms"
	"github.com/relloyd/ogdsync/rdbms/migrations"
	"github.com/relloyd/ogdsync/rdbms/shared"
	"github.com/relloyd/ogdsync/stats"
	"github.com/relloyd/ogdsync/warehouse"
)

// Engine is the sync stack wired to one destination database.
type Engine struct {
	Log        logger.Logger
	Settings   config.Settings
	Conn       shared.Connector
	Location   *time.Location
	Runner     *pipeline.Runner
	Reader     *warehouse.Reader
	Watermarks *warehouse.WatermarkStore
	Metrics    *stats.Metrics
	Gatherer   prometheus.Gatherer
}

// EngineOptions replace parts of the stack, mostly for tests.
type EngineOptions struct {
	Force                     bool
	Client                    fetch.PageClient       // nil builds the monitoring client from the settings.
	Archiver                  pipeline.BatchArchiver // nil builds the S3 archiver when a bucket is configured.
	Conn                      shared.Connector       // nil opens the settings DSN.
	Registry                  *prometheus.Registry   // nil creates a registry with the process collectors.
	Now                       func() time.Time
	StatsDumpFrequencySeconds int
	MigrateUp                 bool // apply migrations before use.
}

// NewEngine validates s and builds the stack. Close the engine to release the database.
func NewEngine(ctx context.Context, log logger.Logger, s config.Settings, opts EngineOptions) (*Engine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	loc, err := helper.LoadLocation(s.Timezone)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StatsDumpFrequencySeconds <= 0 {
		opts.StatsDumpFrequencySeconds = constants.StatsDumpFrequencySeconds
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	// Destination.
	conn := opts.Conn
	if conn == nil {
		cd, err := shared.NewConnectionDetails("target", s.Dsn)
		if err != nil {
			return nil, err
		}
		if conn, err = rdbms.OpenDbConnection(log, *cd); err != nil {
			return nil, errors.Wrap(err, "unable to open the destination database")
		}
	}
	e := &Engine{Log: log, Settings: s, Conn: conn, Location: loc, Gatherer: reg}
	if opts.MigrateUp {
		if _, err = migrations.Migrate(ctx, log, conn, s.Schema, migrations.Up); err != nil {
			e.Close()
			return nil, err
		}
	}
	// Source.
	client := opts.Client
	if client == nil {
		if client, err = monitoring.NewClient(log, monitoringConfig(s)); err != nil {
			e.Close()
			return nil, err
		}
	}
	fetcher := fetch.NewFetcher(log, client,
		fetch.Options{
			PageSize:         s.PageSize,
			MaxOffsetWindow:  s.MaxOffsetWindow,
			Location:         loc,
			CompleteDaysOnly: true,
			Now:              opts.Now,
		},
		fetch.Source{Name: constants.SourceEvents, Dataset: s.EventsDataset, Mode: fetch.ModeIncremental},
		fetch.Source{Name: constants.SourceDatasets, Dataset: s.DatasetsDataset, Mode: fetch.ModeSnapshot, OrderBy: "dataset_id"})
	// Archive.
	archiver := opts.Archiver
	if archiver == nil && s.S3Bucket != "" {
		if archiver, err = newS3Archiver(log, s); err != nil {
			e.Close()
			return nil, err
		}
	}
	// Warehouse.
	tables := warehouse.DefaultTableSpecs()
	e.Watermarks = warehouse.NewWatermarkStore(log, conn, s.Schema, tables).WithLocation(loc)
	e.Reader = warehouse.NewReader(log, conn, s.Schema)
	e.Metrics = stats.NewMetrics(reg)
	writer := warehouse.NewWriter(log, conn, warehouse.WriterConfig{
		Schema:        s.Schema,
		ExecBatchSize: s.ExecBatchSize,
		LockTables:    s.LockTables,
		Tables:        tables,
	})
	e.Runner, err = pipeline.NewRunner(pipeline.Config{
		Log:                       log,
		Fetcher:                   fetcher,
		Writer:                    writer,
		Watermarks:                e.Watermarks,
		Locker:                    warehouse.NewRunLocker(log, conn),
		Archiver:                  archiver,
		Metrics:                   e.Metrics,
		Force:                     opts.Force,
		Location:                  loc,
		Now:                       opts.Now,
		StatsDumpFrequencySeconds: opts.StatsDumpFrequencySeconds,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) Close() {
	if e.Conn != nil {
		e.Conn.Close()
	}
}

func monitoringConfig(s config.Settings) monitoring.Config {
	return monitoring.Config{
		BaseUrl:        s.ApiBaseUrl,
		RecordsPath:    s.RecordsPath,
		Token:          s.Token,
		Proxy:          s.Proxy,
		Timezone:       s.Timezone,
		Timeout:        s.Timeout,
		RequestsPerSec: s.RateLimit,
		RetryMax:       s.RetryMax,
	}
}

func newS3Archiver(log logger.Logger, s config.Settings) (pipeline.BatchArchiver, error) {
	b, err := s3.ParseDSN(s.S3Bucket, s.S3Region)
	if err != nil {
		return nil, err
	}
	if err = helper.ValidateStructIsPopulated(b); err != nil {
		return nil, err
	}
	putter, err := s3.NewBasicClient(b.Name, b.Region, b.Prefix)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create the S3 client")
	}
	log.Info("archiving fetched pages to s3://", b.Name, "/", b.Prefix)
	return s3.NewBatchArchiver(log, putter), nil
}
