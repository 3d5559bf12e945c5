package stream

import (
	"time"

	h "github.com/relloyd/ogdsync/helper"
)

// Field names shared by decoded records, raw table columns and typed rows.
const (
	FieldTimestamp  = "timestamp"
	FieldUserIpAddr = "user_ip_addr"
	FieldUserId     = "user_id"
	FieldDatasetId  = "dataset_id"
	FieldUserAgent  = "user_agent"
	FieldAction     = "action"
	FieldAttributes = "attributes"
)

// EventColumns lists the columns of a raw user action in table order.
var EventColumns = []string{
	FieldTimestamp,
	FieldUserIpAddr,
	FieldUserId,
	FieldDatasetId,
	"api_type",
	"mobile",
	FieldAction,
	FieldAttributes,
	"filename",
	"query_text",
	"domain_id",
	"query_string",
	"format",
	FieldUserAgent,
	"referer",
	"geo_coordinates",
	"hostname",
}

// SnapshotColumns lists the columns of a dataset catalogue snapshot in table order.
var SnapshotColumns = []string{
	FieldTimestamp,
	FieldDatasetId,
	"title",
	"modified",
	"publisher",
	"license",
	"keyword",
	"theme",
	"api_call_count",
	"download_count",
	"records_count",
	"visibility",
}

// SnapshotCountColumns are the snapshot columns holding integer counts.
var SnapshotCountColumns = map[string]bool{
	"api_call_count": true,
	"download_count": true,
	"records_count":  true,
}

// RawEvent is one user action as stored in the raw events table.
// Timestamp is naive wall clock time in the portal timezone.
type RawEvent struct {
	Timestamp      time.Time `db:"timestamp" json:"timestamp"`
	UserIpAddr     *string   `db:"user_ip_addr" json:"user_ip_addr"`
	UserId         *string   `db:"user_id" json:"user_id"`
	DatasetId      *string   `db:"dataset_id" json:"dataset_id"`
	ApiType        *string   `db:"api_type" json:"api_type"`
	Mobile         *string   `db:"mobile" json:"mobile"`
	Action         *string   `db:"action" json:"action"`
	Attributes     *string   `db:"attributes" json:"attributes"`
	Filename       *string   `db:"filename" json:"filename"`
	QueryText      *string   `db:"query_text" json:"query_text"`
	DomainId       *string   `db:"domain_id" json:"domain_id"`
	QueryString    *string   `db:"query_string" json:"query_string"`
	Format         *string   `db:"format" json:"format"`
	UserAgent      *string   `db:"user_agent" json:"user_agent"`
	Referer        *string   `db:"referer" json:"referer"`
	GeoCoordinates *string   `db:"geo_coordinates" json:"geo_coordinates"`
	Hostname       *string   `db:"hostname" json:"hostname"`
}

func (e *RawEvent) textFields() map[string]**string {
	return map[string]**string{
		FieldUserIpAddr:   &e.UserIpAddr,
		FieldUserId:       &e.UserId,
		FieldDatasetId:    &e.DatasetId,
		"api_type":        &e.ApiType,
		"mobile":          &e.Mobile,
		FieldAction:       &e.Action,
		FieldAttributes:   &e.Attributes,
		"filename":        &e.Filename,
		"query_text":      &e.QueryText,
		"domain_id":       &e.DomainId,
		"query_string":    &e.QueryString,
		"format":          &e.Format,
		FieldUserAgent:    &e.UserAgent,
		"referer":         &e.Referer,
		"geo_coordinates": &e.GeoCoordinates,
		"hostname":        &e.Hostname,
	}
}

// ToRecord returns the event as a Record holding every column in EventColumns.
// Null columns are nil.
func (e RawEvent) ToRecord() Record {
	r := NewRecord()
	r.SetData(FieldTimestamp, e.Timestamp)
	for k, p := range e.textFields() {
		if *p == nil {
			r.SetData(k, nil)
		} else {
			r.SetData(k, **p)
		}
	}
	return r
}

// RawEventFromRecord builds a typed event from a normalised record.
// Missing or null fields are left nil.
func RawEventFromRecord(r Record) RawEvent {
	e := RawEvent{}
	if ts, ok := r.data[FieldTimestamp].(time.Time); ok {
		e.Timestamp = ts
	}
	for k, p := range e.textFields() {
		*p = h.GetStringFromInterface(r.data[k])
	}
	return e
}

// DatasetSnapshot is one dataset catalogue row captured at Timestamp.
type DatasetSnapshot struct {
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
	DatasetId     string    `db:"dataset_id" json:"dataset_id"`
	Title         *string   `db:"title" json:"title"`
	Modified      *string   `db:"modified" json:"modified"`
	Publisher     *string   `db:"publisher" json:"publisher"`
	License       *string   `db:"license" json:"license"`
	Keyword       *string   `db:"keyword" json:"keyword"`
	Theme         *string   `db:"theme" json:"theme"`
	ApiCallCount  *int64    `db:"api_call_count" json:"api_call_count"`
	DownloadCount *int64    `db:"download_count" json:"download_count"`
	RecordsCount  *int64    `db:"records_count" json:"records_count"`
	Visibility    *string   `db:"visibility" json:"visibility"`
}

// StrPtr returns a pointer to s, which is handy for building rows.
func StrPtr(s string) *string {
	return &s
}
