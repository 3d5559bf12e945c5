package constants

// Naming

const (
	AppName      = "ogdsync"
	EnvVarPrefix = "OGD" // prefixed for environment variables in twelveFactorMode and config overrides
	MainDir      = ".ogdsync"
)

// Sources

const (
	SourceEvents   = "events"
	SourceDatasets = "datasets"
	SourceAll      = "all"
)

// Tables

const (
	TableUserActions        = "user_actions"
	TableDatasets           = "datasets"
	TableWatermarks         = "sync_watermarks"
	TableCompletions        = "sync_completions"
	ViewDailyInteractions   = "daily_external_user_dataset_interactions"
	ViewDailyUniqueIps      = "daily_unique_external_user_ip_count"
	ViewCombinedDailyReport = "combined_daily_report"
	DefaultSchemaPostgres   = "ogd_analytics"
)

// Connection types

const (
	ConnectionTypePostgres = "postgres"
	ConnectionTypeSqlite   = "sqlite3"
)

// Defaults

const (
	DefaultApiBaseUrl      = "https://data.bl.ch/api/explore/v2.1/monitoring/datasets"
	DefaultEventsDataset   = "ods-api-monitoring"
	DefaultDatasetsDataset = "ods-datasets-monitoring"
	DefaultApiLang         = "de"
	DefaultTimezone        = "Europe/Berlin"
	DefaultPageSize        = 100
	DefaultMaxOffsetWindow = 10000 // the records API rejects offset+limit beyond this
	DefaultExecBatchSize   = 2000
	DefaultRetryMax        = 5
	DefaultRequestsPerSec  = 5
	DefaultHttpTimeoutSec  = 60
	DefaultCronSchedule    = "0 5 * * *"
	DefaultCronRetries     = 2
	DefaultCronRetryDelay  = "4h"
	DefaultBotPattern      = `(?i)(bot|crawler|spider|slurp|curl|wget|python-requests|httpclient|monitor|preview|scrapy)`
	AnonymousUserId        = "anonymous"
	NullDatasetMarker      = "NULL"
)

// Stats

const (
	StatsCaptureFrequencySeconds = 5
	StatsDumpFrequencySeconds    = 30
)

// Formats

const (
	TimeFormatDay         = "2006-01-02"
	TimeFormatNaive       = "2006-01-02 15:04:05"
	TimeFormatYearSeconds = "20060102T150405" // used for human readable object keys
)
