package s3

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/fetch"
	"github.com/relloyd/ogdsync/logger"
)

// BatchArchiver writes each fetched batch as newline delimited JSON, one object per record.
type BatchArchiver struct {
	log    logger.Logger
	putter Putter
	now    func() time.Time
}

func NewBatchArchiver(log logger.Logger, putter Putter) *BatchArchiver {
	return &BatchArchiver{log: log, putter: putter, now: time.Now}
}

// Archive stores batch under <source>/<day of its max timestamp>/<source>-<fetch time>-<page>.ndjson.
func (a *BatchArchiver) Archive(ctx context.Context, batch *fetch.RecordBatch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	buf := bytes.Buffer{}
	for _, r := range batch.Records {
		j, err := r.GetJson(r.GetSortedDataMapKeys())
		if err != nil {
			return errors.Wrap(err, "error rendering record for the archive")
		}
		buf.WriteString(j)
		buf.WriteString("\n")
	}
	key := ArchiveKey(batch, a.now())
	if err := a.putter.Put(ctx, key, buf.Bytes()); err != nil {
		return errors.Wrapf(err, "error archiving batch to %v", key)
	}
	a.log.Debug("archived ", len(batch.Records), " records to ", key)
	return nil
}

// ArchiveKey returns the object key of batch fetched at t.
func ArchiveKey(batch *fetch.RecordBatch, t time.Time) string {
	return fmt.Sprintf("%v/%v/%v-%v-%05d.ndjson",
		batch.Source,
		batch.MaxTimestamp.UTC().Format(constants.TimeFormatDay),
		batch.Source,
		t.UTC().Format(constants.TimeFormatYearSeconds),
		batch.Page)
}
