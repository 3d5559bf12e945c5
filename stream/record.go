package stream

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	h "github.com/relloyd/ogdsync/helper"
)

// Record is a loosely typed row of field values. Decoded monitoring records travel as Records
// until they are mapped to typed rows, and rule based qualifiers evaluate against them.
type Record struct {
	data map[string]interface{} // raw data values, where nil represents a JSON or database null.
}

// NewRecord creates a new Record and returns it by value.
func NewRecord() Record {
	return Record{data: make(map[string]interface{})}
}

// NewRecordFromMap wraps m without copying it.
func NewRecordFromMap(m map[string]interface{}) Record {
	if m == nil {
		m = make(map[string]interface{})
	}
	return Record{data: m}
}

func NewNilRecord() Record {
	return Record{}
}

func (sr Record) RecordIsNil() bool {
	return sr.data == nil
}

func (sr Record) SetData(name string, value interface{}) {
	sr.data[name] = value
}

// GetData returns the value of field name.
// It panics if the field does not exist since that means the caller built the record wrongly.
func (sr Record) GetData(name string) interface{} {
	val, ok := sr.data[name]
	if !ok {
		panic(fmt.Sprintf("Invalid key name %q supplied while trying to fetch value from record: %v", name, sr.data))
	}
	return val
}

// Lookup returns the value of field name and whether it exists.
func (sr Record) Lookup(name string) (interface{}, bool) {
	val, ok := sr.data[name]
	return val, ok
}

// GetDataAsString returns the text form of field name, or nil if the field is null or missing.
func (sr Record) GetDataAsString(name string) *string {
	return h.GetStringFromInterface(sr.data[name])
}

func (sr Record) GetDataMap() map[string]interface{} {
	return sr.data
}

func (sr Record) GetDataLen() int {
	return len(sr.data)
}

// GetSortedDataMapKeys will return a slice of the keys found in map sr.data.
func (sr Record) GetSortedDataMapKeys() []string {
	retval := make([]string, 0, len(sr.data))
	for k := range sr.data {
		retval = append(retval, k)
	}
	sort.Strings(retval)
	return retval
}

func (sr Record) CopyTo(t Record) {
	for k, v := range sr.data {
		t.SetData(k, v)
	}
}

// GetJson returns the JSON representation of sr.data using the supplied keys to fetch the data.
// Values are rendered as JSON strings, or null.
func (sr Record) GetJson(keys []string) (string, error) {
	out := make([]string, len(keys))
	for idx, key := range keys { // for each key...
		jsonKey, err := json.Marshal(key)
		if err != nil {
			return "", err
		}
		jsonValue, err := json.Marshal(sr.GetDataAsString(key))
		if err != nil {
			return "", fmt.Errorf("error marshalling the value of key %q to JSON: %w", key, err)
		}
		out[idx] = fmt.Sprintf("%s: %s", jsonKey, jsonValue)
	}
	return fmt.Sprintf("{%v}", strings.Join(out, ", ")), nil
}

// MergeDataStreams will combine records from s1 into a new record, followed by s2 into the new record before
// returning it. You can supply a nil s2 to create a copy of s1 that is returned.
// If allowOverwrite is false, an error is returned if a field in s2 already exists in s1.
func MergeDataStreams(s1 Record, s2 Record, allowOverwrite bool) (Record, error) {
	retval := NewRecord()
	for k, v := range s1.GetDataMap() { // for each key:value in the 1st source...
		retval.data[k] = v
	}
	if !s2.RecordIsNil() { // if s2 is not empty...
		for k, v := range s2.GetDataMap() {
			if _, ok := retval.data[k]; ok && !allowOverwrite { // if the key already exists...
				return Record{}, fmt.Errorf("field %v exists in stream record", k)
			}
			retval.data[k] = v
		}
	}
	return retval, nil
}
