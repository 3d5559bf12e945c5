package shared

import (
	"fmt"
	"strings"

	h "github.com/relloyd/ogdsync/helper"
)

// NewUpsertGenerator creates a SqlStmtTxtBatcher that inserts rows and ignores those whose
// TargetKeyCols already exist, i.e. "insert ... on conflict (<keys>) do nothing".
// Re-applying the same batch leaves the table unchanged.
// Postgres and SQLite (3.24+) both accept this form.
func (d *DmlGeneratorTxtBatch) NewUpsertGenerator(cfg *SqlStatementGeneratorConfig) (SqlStmtTxtBatcher, error) {
	if cfg.TargetKeyCols == nil || cfg.TargetKeyCols.Len() == 0 {
		return nil, fmt.Errorf("upsert into %v requires key columns", cfg.OutputTable)
	}
	keys := make([]string, 0, cfg.TargetKeyCols.Len())
	for _, k := range h.OrderedMapKeys(cfg.TargetKeyCols) {
		v, _ := cfg.TargetKeyCols.Get(k)
		keys = append(keys, v.(string))
	}
	suffix := fmt.Sprintf(" on conflict (%v) do nothing", strings.Join(keys, ","))
	o, err := d.newInsertTxtBatch(cfg, suffix)
	if err != nil {
		return nil, err
	}
	return o, nil
}
