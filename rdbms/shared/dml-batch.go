package shared

import (
	"fmt"
	"strings"

	om "github.com/cevaris/ordered_map"
	"github.com/relloyd/ogdsync/logger"
)

// BindStyle decides how bind variables are written into generated SQL.
type BindStyle int

const (
	BindStyleDollar   BindStyle = iota // $1, $2, ... as used by lib/pq.
	BindStyleQuestion                  // ?, ?, ... as used by mattn/go-sqlite3.
)

// DmlGeneratorTxtBatch generates multi-row DML for dialects that accept "insert ... values (...),(...)".
type DmlGeneratorTxtBatch struct {
	BindStyle         BindStyle
	SupportsSchemas   bool
	SupportsLockTable bool
	MaxBindVars       int // 0 means unlimited.
}

type SqlStatementGeneratorConfig struct {
	Log             logger.Logger
	OutputSchema    string
	SchemaSeparator string
	OutputTable     string
	TargetKeyCols   *om.OrderedMap // ordered map of: key = record field name; value = target table column name
	TargetOtherCols *om.OrderedMap // ordered map of: key = record field name; value = target table column name
}

type sqlCoreCfg struct {
	sqlStmt                string
	sqlStmtTemplate        string
	sqlValues              []interface{} // slice to hold data values for all rows in batch
	batchSize              int
	rowsInBatch            int
	previousNumRowsInBatch int
}

func (d *DmlGeneratorTxtBatch) GetBindVar(n int) string {
	if d.BindStyle == BindStyleQuestion {
		return "?"
	}
	return fmt.Sprintf("$%v", n)
}

func (d *DmlGeneratorTxtBatch) GetQualifiedName(schema string, table string) string {
	if schema == "" || !d.SupportsSchemas {
		return table
	}
	return schema + "." + table
}

func (d *DmlGeneratorTxtBatch) GetLockTableStatement(schema string, table string) string {
	if !d.SupportsLockTable {
		return ""
	}
	return fmt.Sprintf("lock table %v in share row exclusive mode", d.GetQualifiedName(schema, table))
}

func (d *DmlGeneratorTxtBatch) GetMaxRowsPerStatement(numCols int) int {
	if d.MaxBindVars <= 0 || numCols <= 0 {
		return -1
	}
	if n := d.MaxBindVars / numCols; n > 0 {
		return n
	}
	return 1
}

// getValuesOfBindVars builds "( $1,$2 ),( $3,$4 )" for numRows rows of numCols columns.
func getValuesOfBindVars(d *DmlGeneratorTxtBatch, numRows int, numCols int) string {
	allRows := strings.Builder{}
	valIdx := 1
	for rowIdx := 0; rowIdx < numRows; rowIdx++ { // for each row in the batch...
		row := strings.Builder{}
		for idy := 0; idy < numCols; idy++ { // for each field in the current row...
			row.WriteString(",")
			row.WriteString(d.GetBindVar(valIdx))
			valIdx++
		}
		// Save the row of bind variables: ',( $1,$2,$n )'  <<< ltrim later.
		allRows.WriteString(fmt.Sprintf(",( %v )", strings.TrimLeft(row.String(), ",")))
	}
	return strings.TrimLeft(allRows.String(), ",")
}

// getColumnList returns the target key columns followed by the other columns.
func getColumnList(cfg *SqlStatementGeneratorConfig) []string {
	cols := make([]string, 0)
	for _, m := range []*om.OrderedMap{cfg.TargetKeyCols, cfg.TargetOtherCols} {
		if m == nil {
			continue
		}
		iter := m.IterFunc()
		for kv, ok := iter(); ok; kv, ok = iter() {
			cols = append(cols, kv.Value.(string))
		}
	}
	return cols
}
