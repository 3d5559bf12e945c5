// Package warehouse persists raw monitoring records, tracks the per source watermark and reads
// the derived daily series back.
package warehouse

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	om "github.com/cevaris/ordered_map"
	"github.com/relloyd/ogdsync/constants"
	h "github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/stream"
)

// FieldEventKey is the column holding the hash of a user action's identifying tuple.
const FieldEventKey = "event_key"

// eventKeyFields identify a user action; two actions with the same values are the same action.
var eventKeyFields = []string{
	stream.FieldTimestamp,
	stream.FieldUserIpAddr,
	stream.FieldDatasetId,
	stream.FieldAction,
	stream.FieldAttributes,
}

// TableSpec describes how the records of a source land in its raw table.
type TableSpec struct {
	Source    string
	Table     string
	KeyCols   *om.OrderedMap // record field name -> column name
	OtherCols *om.OrderedMap // record field name -> column name
	// Prepare returns the record to write, or false plus a reason to skip it.
	Prepare func(r stream.Record) (stream.Record, bool, string)
}

// Columns returns the key columns followed by the other columns.
func (t *TableSpec) Columns() []string {
	return append(h.OrderedMapKeys(t.KeyCols), h.OrderedMapKeys(t.OtherCols)...)
}

// NewEventsTableSpec returns the spec for user actions. Their natural key is the whole
// identifying tuple, which may contain nulls, so rows are keyed by a hash of it.
func NewEventsTableSpec() *TableSpec {
	return &TableSpec{
		Source:    constants.SourceEvents,
		Table:     constants.TableUserActions,
		KeyCols:   h.StringSliceToOrderedMap([]string{FieldEventKey}),
		OtherCols: h.StringSliceToOrderedMap(stream.EventColumns),
		Prepare: func(r stream.Record) (stream.Record, bool, string) {
			key, err := EventKey(r)
			if err != nil {
				return r, false, err.Error()
			}
			k := stream.NewRecord()
			k.SetData(FieldEventKey, key)
			out, err := stream.MergeDataStreams(r, k, true)
			if err != nil {
				return r, false, err.Error()
			}
			return out, true, ""
		},
	}
}

// NewDatasetsTableSpec returns the spec for catalogue snapshots keyed by (timestamp, dataset_id).
func NewDatasetsTableSpec() *TableSpec {
	return &TableSpec{
		Source:    constants.SourceDatasets,
		Table:     constants.TableDatasets,
		KeyCols:   h.StringSliceToOrderedMap(stream.SnapshotColumns[:2]),
		OtherCols: h.StringSliceToOrderedMap(stream.SnapshotColumns[2:]),
		Prepare: func(r stream.Record) (stream.Record, bool, string) {
			if v, ok := r.Lookup(stream.FieldDatasetId); !ok || v == nil {
				return r, false, "missing dataset_id"
			}
			return r, true, ""
		},
	}
}

// DefaultTableSpecs returns the specs of all sources keyed by source name.
func DefaultTableSpecs() map[string]*TableSpec {
	return map[string]*TableSpec{
		constants.SourceEvents:   NewEventsTableSpec(),
		constants.SourceDatasets: NewDatasetsTableSpec(),
	}
}

// EventKey returns the hex SHA-256 of the identifying fields of r.
// Nulls and empty strings hash differently.
func EventKey(r stream.Record) (string, error) {
	parts := make([]string, len(eventKeyFields))
	for idx, f := range eventKeyFields {
		v, _ := r.Lookup(f)
		switch t := v.(type) {
		case nil:
			parts[idx] = "\x00"
		case time.Time:
			parts[idx] = "\x01" + t.Format(constants.TimeFormatNaive)
		case string:
			parts[idx] = "\x01" + t
		default:
			if f == stream.FieldTimestamp {
				return "", fmt.Errorf("unexpected %v value of type %T", f, v)
			}
			parts[idx] = "\x01" + fmt.Sprintf("%v", t)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:]), nil
}
