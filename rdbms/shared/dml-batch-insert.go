package shared

import (
	"strings"

	"github.com/pkg/errors"
)

// SqlInsertTxtBatch implements interface SqlStmtTxtBatcher.
// It is able to generate INSERT statements with batches of rows supplied.
type SqlInsertTxtBatch struct {
	SqlStatementGeneratorConfig // mandatory to be populated.
	sqlCoreCfg
	ColList []string // list of columns extracted from SqlStatementGeneratorConfig.
	dml     *DmlGeneratorTxtBatch
	suffix  string // appended after the VALUES, e.g. an ON CONFLICT clause.
}

// NewInsertGenerator creates a new SqlStmtGenerator that implements interface SqlStmtTxtBatcher.
func (d *DmlGeneratorTxtBatch) NewInsertGenerator(cfg *SqlStatementGeneratorConfig) (SqlStmtTxtBatcher, error) {
	o, err := d.newInsertTxtBatch(cfg, "")
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (d *DmlGeneratorTxtBatch) newInsertTxtBatch(cfg *SqlStatementGeneratorConfig, suffix string) (*SqlInsertTxtBatch, error) {
	if err := FixSqlStatementGeneratorConfig(cfg); err != nil {
		return nil, err
	}
	o := &SqlInsertTxtBatch{SqlStatementGeneratorConfig: *cfg, dml: d, suffix: suffix}
	o.setupSqlStatement()
	return o, nil
}

func (o *SqlInsertTxtBatch) setupSqlStatement() {
	o.ColList = getColumnList(&o.SqlStatementGeneratorConfig)
	// Populate the SQL template.
	o.sqlStmtTemplate = `insert into <TABLE> (<TGT-COLS>) values <VALUES><SUFFIX>`
	o.sqlStmtTemplate = strings.Replace(o.sqlStmtTemplate, "<TABLE>", o.dml.GetQualifiedName(o.OutputSchema, o.OutputTable), 1)
	o.sqlStmtTemplate = strings.Replace(o.sqlStmtTemplate, "<TGT-COLS>", strings.Join(o.ColList, ","), 1)
	o.sqlStmtTemplate = strings.Replace(o.sqlStmtTemplate, "<SUFFIX>", o.suffix, 1)
	o.sqlStmt = o.sqlStmtTemplate
	o.previousNumRowsInBatch = -1
	if o.Log != nil {
		o.Log.Debug("setup INSERT generator with SQL (VALUES pending): ", o.sqlStmtTemplate)
	}
}

func (o *SqlInsertTxtBatch) InitBatch(batchSize int) {
	o.batchSize = batchSize
	o.rowsInBatch = 0
	// Allocate a new buffer to hold all values (args) to exec.
	o.sqlValues = make([]interface{}, 0, o.batchSize*len(o.ColList)) // many values per row in a batch.
}

func (o *SqlInsertTxtBatch) AddValuesToBatch(values []interface{}) (batchIsFull bool, err error) {
	if o.rowsInBatch >= o.batchSize {
		err = errors.New("no more rows allowed in INSERT batch")
		batchIsFull = true
		return
	}
	if len(values) != len(o.ColList) {
		err = errors.Errorf("the number of values supplied (%v) does not match the number of table columns (%v)", len(values), len(o.ColList))
		return
	}
	// Append values to buffer.
	o.sqlValues = append(o.sqlValues, values...)
	o.rowsInBatch++
	// The caller should exec SQL when the batch is full.
	batchIsFull = o.rowsInBatch >= o.batchSize
	return
}

func (o *SqlInsertTxtBatch) GetValues() []interface{} {
	return o.sqlValues
}

func (o *SqlInsertTxtBatch) GetRowsInBatch() int {
	return o.rowsInBatch
}

// GetStatement returns SQL with bind variables for the rows added so far.
// The statement is cached while the number of rows stays the same, which is the common case
// of full batches followed by a single short one.
func (o *SqlInsertTxtBatch) GetStatement() string {
	if o.previousNumRowsInBatch != o.rowsInBatch { // if we have a new number of rows and need to generate SQL...
		values := getValuesOfBindVars(o.dml, o.rowsInBatch, len(o.ColList))
		o.sqlStmt = strings.Replace(o.sqlStmtTemplate, "<VALUES>", values, 1)
		o.previousNumRowsInBatch = o.rowsInBatch
	}
	return o.sqlStmt
}
