package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/fetch"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms/shared"
	"github.com/relloyd/ogdsync/stream"
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	Schema        string
	ExecBatchSize int  // rows per INSERT statement, capped by the dialect's bind variable limit.
	LockTables    bool // lock the target table for the duration of each batch where supported.
	Tables        map[string]*TableSpec
}

// WriteResult describes the outcome of writing one batch.
type WriteResult struct {
	RowsAffected int64     // rows inserted; conflicting rows that already existed are not counted.
	Written      int       // records sent to the database.
	Skipped      int       // records rejected before writing.
	MaxPersisted time.Time // max timestamp of the records sent, zero if none.
}

// Writer idempotently writes record batches into their raw tables.
type Writer struct {
	log  logger.Logger
	conn shared.Connector
	cfg  WriterConfig
}

// NewWriter returns a Writer that uses conn for all sources in cfg.Tables.
func NewWriter(log logger.Logger, conn shared.Connector, cfg WriterConfig) *Writer {
	if cfg.ExecBatchSize <= 0 {
		cfg.ExecBatchSize = constants.DefaultExecBatchSize
	}
	if cfg.Tables == nil {
		cfg.Tables = DefaultTableSpecs()
	}
	return &Writer{log: log, conn: conn, cfg: cfg}
}

// WriteBatch writes batch in a single transaction and returns the number of rows inserted.
func (w *Writer) WriteBatch(ctx context.Context, batch *fetch.RecordBatch) (int64, error) {
	res, err := w.WriteBatchResult(ctx, batch)
	return res.RowsAffected, err
}

// WriteBatchResult writes batch in a single transaction using "insert ... on conflict do nothing"
// so replaying a batch changes nothing. Any failure rolls back the whole batch and returns a
// WriteConflictError.
func (w *Writer) WriteBatchResult(ctx context.Context, batch *fetch.RecordBatch) (res WriteResult, err error) {
	spec, ok := w.cfg.Tables[batch.Source]
	if !ok {
		return res, fmt.Errorf("no table is configured for source %q", batch.Source)
	}
	log := w.log.WithField("table", spec.Table)
	dml := w.conn.GetDmlGenerator()
	gen, err := dml.NewUpsertGenerator(&shared.SqlStatementGeneratorConfig{
		Log:             log,
		OutputSchema:    w.cfg.Schema,
		OutputTable:     spec.Table,
		TargetKeyCols:   spec.KeyCols,
		TargetOtherCols: spec.OtherCols,
	})
	if err != nil {
		return res, err
	}
	cols := spec.Columns()
	chunkRows := w.cfg.ExecBatchSize
	if n := dml.GetMaxRowsPerStatement(len(cols)); n > 0 && n < chunkRows {
		chunkRows = n
	}
	tsIdx := indexOf(cols, stream.FieldTimestamp)
	// Build all rows before touching the database.
	rows := make([][]interface{}, 0, len(batch.Records))
	for _, r := range batch.Records {
		rec, keep, reason := spec.Prepare(r)
		if !keep {
			res.Skipped++
			log.Warn("skipping record: ", reason)
			continue
		}
		values := make([]interface{}, len(cols))
		for idx, c := range cols {
			values[idx], _ = rec.Lookup(c)
		}
		if tsIdx >= 0 {
			if ts, ok := values[tsIdx].(time.Time); ok && ts.After(res.MaxPersisted) {
				res.MaxPersisted = ts
			}
		}
		rows = append(rows, values)
	}
	if len(rows) == 0 {
		return res, nil
	}
	tx, err := w.conn.BeginTx(ctx)
	if err != nil {
		return res, &WriteConflictError{Table: spec.Table, Err: err}
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error("error during rollback: ", rbErr)
			}
			res.RowsAffected = 0
			res.Written = 0
			res.MaxPersisted = time.Time{}
			err = &WriteConflictError{Table: spec.Table, Err: err}
		}
	}()
	if w.cfg.LockTables {
		if stmt := dml.GetLockTableStatement(w.cfg.Schema, spec.Table); stmt != "" {
			log.Debug("locking table: ", stmt)
			if _, err = tx.ExecContext(ctx, stmt); err != nil {
				err = errors.Wrap(err, "error locking table")
				return
			}
		}
	}
	gen.InitBatch(chunkRows)
	for idx, values := range rows {
		var batchIsFull bool
		if batchIsFull, err = gen.AddValuesToBatch(values); err != nil {
			return
		}
		if batchIsFull || idx == len(rows)-1 {
			var n int64
			if n, err = execBatch(ctx, tx, gen); err != nil {
				return
			}
			res.RowsAffected += n
			gen.InitBatch(chunkRows)
		}
	}
	if err = tx.Commit(); err != nil {
		err = errors.Wrap(err, "error during commit")
		return
	}
	res.Written = len(rows)
	log.Debug("batch ", batch.Page, " committed ", res.RowsAffected, " new rows of ", res.Written)
	return res, nil
}

func execBatch(ctx context.Context, tx shared.Transacter, gen shared.SqlStmtTxtBatcher) (int64, error) {
	r, err := tx.ExecContext(ctx, gen.GetStatement(), gen.GetValues()...)
	if err != nil {
		return 0, errors.Wrapf(err, "error executing statement for %v rows", gen.GetRowsInBatch())
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "error fetching rows affected")
	}
	return n, nil
}

func indexOf(s []string, v string) int {
	for idx := range s {
		if s[idx] == v {
			return idx
		}
	}
	return -1
}
