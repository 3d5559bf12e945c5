package monitoring

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	h "github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/stream"
)

type recordsResponse struct {
	TotalCount *int64            `json:"total_count"`
	Results    []json.RawMessage `json:"results"`
}

// DecodePage splits a response body into raw records.
// It accepts the records endpoint shape {"results": [...]} and the export shape, a bare array.
func DecodePage(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	switch body[0] {
	case '[':
		var recs []json.RawMessage
		if err := json.Unmarshal(body, &recs); err != nil {
			return nil, fmt.Errorf("error decoding records array: %w", err)
		}
		return recs, nil
	case '{':
		var resp recordsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("error decoding records response: %w", err)
		}
		if resp.Results == nil {
			return nil, fmt.Errorf("response has no results field")
		}
		return resp.Results, nil
	default:
		return nil, fmt.Errorf("unexpected response body starting with %q", body[0])
	}
}

// DecodeRecord unmarshals one raw record into a Record. Numbers are kept as json.Number.
func DecodeRecord(raw json.RawMessage) (stream.Record, error) {
	m := make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return stream.NewNilRecord(), fmt.Errorf("error decoding record: %w", err)
	}
	return stream.NewRecordFromMap(m), nil
}

// NormalizeEvent converts a decoded user action into the stored form: a naive timestamp in loc,
// the first dataset id and text for every other column.
func NormalizeEvent(rec stream.Record, loc *time.Location) (stream.Record, error) {
	out := stream.NewRecord()
	ts, err := EventInstant(rec, loc)
	if err != nil {
		return stream.NewNilRecord(), err
	}
	out.SetData(stream.FieldTimestamp, h.Naive(ts, loc))
	for _, col := range stream.EventColumns[1:] {
		v, _ := rec.Lookup(col)
		if col == stream.FieldDatasetId {
			v = firstElement(v)
		}
		out.SetData(col, textValue(v))
	}
	return out, nil
}

// NormalizeSnapshot converts a decoded catalogue row into the stored form stamped with stamp.
// Records without a dataset id keep a nil dataset_id and are left to the writer to reject.
func NormalizeSnapshot(rec stream.Record, stamp time.Time) (stream.Record, error) {
	out := stream.NewRecord()
	out.SetData(stream.FieldTimestamp, stamp)
	for _, col := range stream.SnapshotColumns[1:] {
		v, _ := rec.Lookup(col)
		if col == stream.FieldDatasetId {
			v = firstElement(v)
		}
		if stream.SnapshotCountColumns[col] {
			n, err := intValue(v)
			if err != nil {
				return stream.NewNilRecord(), fmt.Errorf("column %v: %w", col, err)
			}
			out.SetData(col, n)
			continue
		}
		out.SetData(col, textValue(v))
	}
	return out, nil
}

// EventInstant returns the absolute time of a decoded user action in UTC. The API orders records
// by this instant, which unlike the stored naive value never goes back.
func EventInstant(rec stream.Record, loc *time.Location) (time.Time, error) {
	v, _ := rec.Lookup(stream.FieldTimestamp)
	switch t := v.(type) {
	case string:
		return h.ParseApiInstant(t, loc)
	case time.Time:
		return t.UTC().Truncate(time.Second), nil
	case nil:
		return time.Time{}, fmt.Errorf("record has no %v", stream.FieldTimestamp)
	default:
		return time.Time{}, fmt.Errorf("unexpected %v value %v of type %T", stream.FieldTimestamp, v, v)
	}
}

// firstElement returns the first item of a JSON list, nil for an empty list, or v itself.
func firstElement(v interface{}) interface{} {
	if l, ok := v.([]interface{}); ok {
		if len(l) == 0 {
			return nil
		}
		return l[0]
	}
	return v
}

// textValue returns v as a string, or nil so JSON null stays NULL.
func textValue(v interface{}) interface{} {
	s := h.GetStringFromInterface(v)
	if s == nil {
		return nil
	}
	return *s
}

func intValue(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		return int64(math.Round(f)), nil
	case float64:
		return int64(math.Round(n)), nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return nil, nil
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", n)
		}
		return i, nil
	default:
		return nil, fmt.Errorf("unexpected integer value %v of type %T", v, v)
	}
}
