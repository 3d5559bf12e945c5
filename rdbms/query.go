package rdbms

import (
	"fmt"

	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms/shared"
	"golang.org/x/net/context"
)

// SqlResultHandler receives the column names followed by each row of a query.
type SqlResultHandler interface {
	HandleHeader(i []interface{}) error
	HandleRow(i []interface{}) error
}

// SqlQuery executes sqltext and streams the header and rows to i.
// It stops early if ctx is cancelled.
func SqlQuery(ctx context.Context, log logger.Logger, db shared.Connector, sqltext string, i SqlResultHandler, args ...interface{}) error {
	rows, err := db.QueryContext(ctx, sqltext, args...)
	if err != nil {
		return fmt.Errorf("error during database query using SQL: '%v': %w", sqltext, err)
	}
	defer func() {
		_ = rows.Close()
	}()
	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("error fetching columns: %w", err)
	}
	log.Debug("query columns = ", cols)
	// Scan the values dynamically.
	scanPtrs := make([]interface{}, len(cols))
	scanVals := make([]interface{}, len(cols))
	for idx := range cols { // for each column...
		scanPtrs[idx] = &scanVals[idx]
	}
	// Build and send the header.
	header := make([]interface{}, len(cols))
	for idx := range cols {
		header[idx] = cols[idx]
	}
	if err = i.HandleHeader(header); err != nil {
		return err
	}
	// Send the rows via callback interface.
	for rows.Next() {
		if err = ctx.Err(); err != nil { // quit if asked to...
			return err
		}
		if err = rows.Scan(scanPtrs...); err != nil {
			return fmt.Errorf("error scanning row: %w", err)
		}
		row := make([]interface{}, len(cols))
		copy(row, scanVals)
		if err = i.HandleRow(row); err != nil {
			return err
		}
	}
	return rows.Err()
}
