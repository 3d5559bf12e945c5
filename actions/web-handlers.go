package actions

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/pipeline"
	"github.com/relloyd/ogdsync/warehouse"
)

type WebServerResponse uint32

const (
	Okay WebServerResponse = iota + 1
	Error
)

func (w WebServerResponse) MarshalJSON() ([]byte, error) {
	var retval string
	switch w {
	case Okay:
		retval = "ok"
	case Error:
		retval = "error"
	default:
		err := fmt.Errorf("unhandled WebServerResponse value in MarshalJSON() conversion")
		return nil, err
	}
	return json.Marshal(retval)
}

func (w *WebServerResponse) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "ok":
		*w = Okay
	case "error":
		*w = Error
	default:
		return fmt.Errorf("unknown server status %q", s)
	}
	return nil
}

type ResponseSimple struct {
	ServerStatus WebServerResponse `json:"status"`
}

type ResponseReport struct {
	Status  WebServerResponse `json:"status"`
	Message string            `json:"message,omitempty"`
	Rows    []ReportRow       `json:"rows"`
}

type ResponseWatermarks struct {
	Status     WebServerResponse     `json:"status"`
	Message    string                `json:"message,omitempty"`
	Watermarks []warehouse.Watermark `json:"watermarks"`
}

type ResponseRunList struct {
	Status  WebServerResponse      `json:"status"`
	RunList []pipeline.RunListItem `json:"runs"`
}

type ResponseRunStats struct {
	Status       WebServerResponse `json:"status"`
	Message      string            `json:"message"`
	StatsSummary interface{}       `json:"runStats"`
}

type ResponseRunStatus struct {
	Status    WebServerResponse  `json:"status"`
	Message   string             `json:"message"`
	RunStatus pipeline.RunStatus `json:"runStatus"`
}

type ResponseRunStop struct {
	Status  WebServerResponse `json:"status"`
	Message string            `json:"message"`
	RunId   string            `json:"runId"`
}

type ResponseSyncLaunch struct {
	Status  WebServerResponse `json:"status"`
	Message string            `json:"message"`
	Sources []string          `json:"sources"`
}

// syncLauncher starts background syncs that outlive the request.
type syncLauncher struct {
	log     logger.Logger
	ctx     context.Context // cancelled when the server shuts down.
	runner  *pipeline.Runner
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]bool
}

func newSyncLauncher(ctx context.Context, log logger.Logger, runner *pipeline.Runner) *syncLauncher {
	return &syncLauncher{log: log, ctx: ctx, runner: runner, running: make(map[string]bool)}
}

// claim marks sources as running unless one of them already is.
func (l *syncLauncher) claim(sources []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range sources {
		if l.running[s] {
			return fmt.Errorf("source %v is already running", s)
		}
	}
	for _, s := range sources {
		l.running[s] = true
	}
	l.wg.Add(1)
	return nil
}

func (l *syncLauncher) release(sources []string) {
	l.mu.Lock()
	for _, s := range sources {
		delete(l.running, s)
	}
	l.mu.Unlock()
	l.wg.Done()
}

// launch starts sources in the background.
func (l *syncLauncher) launch(sources []string, force bool) error {
	if err := l.claim(sources); err != nil {
		return err
	}
	runner := l.runner.WithForce(force)
	go func() {
		defer l.release(sources)
		if err := pipeline.Failed(runner.RunAll(l.ctx, sources)); err != nil {
			l.log.Error("background sync failed: ", err)
		}
	}()
	return nil
}

// runNow runs sources in the foreground, for triggers.
func (l *syncLauncher) runNow(ctx context.Context, sources []string) error {
	if err := l.claim(sources); err != nil {
		return err
	}
	defer l.release(sources)
	return pipeline.Failed(l.runner.RunAll(ctx, sources))
}

// wait blocks until every launched sync has returned.
func (l *syncLauncher) wait() {
	l.wg.Wait()
}

func GetHandlerHealth(log logger.Logger) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		respond(log, w, ResponseSimple{ServerStatus: Okay})
	}
}

func GetHandlerStopServer(log logger.Logger, chanStop chan string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		select {
		case chanStop <- "stop":
			log.Info("Stop signal sent")
		default: // a stop is already pending.
		}
		respond(log, w, ResponseSimple{ServerStatus: Okay})
	}
}

func GetHandlerReport(log logger.Logger, reader *warehouse.Reader, cfg ReportConfig) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		c := cfg
		if v := r.URL.Query().Get("days"); v != "" {
			days, err := strconv.Atoi(v)
			if err == nil {
				err = validateDays(days)
			}
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				respond(log, w, ResponseReport{Status: Error, Message: fmt.Sprintf("invalid days %q", v), Rows: []ReportRow{}})
				return
			}
			c.Days = days
		}
		if v := r.URL.Query().Get("engine"); v != "" {
			c.Engine = v
		}
		rows, err := combinedReport(r.Context(), log, reader, &c)
		if err != nil {
			log.Error(err)
			w.WriteHeader(http.StatusInternalServerError)
			respond(log, w, ResponseReport{Status: Error, Message: err.Error(), Rows: []ReportRow{}})
			return
		}
		out := make([]ReportRow, len(rows))
		for idx, row := range rows {
			out[idx] = ReportRow{Date: row.DateString(), UniqueIpCount: row.UniqueIpCount, DatasetInteractions: row.DatasetInteractions}
		}
		w.WriteHeader(http.StatusOK)
		respond(log, w, ResponseReport{Status: Okay, Rows: out})
	}
}

func GetHandlerWatermarks(log logger.Logger, store *warehouse.WatermarkStore) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		wms, err := store.ListWatermarks(r.Context())
		if err != nil {
			log.Error(err)
			w.WriteHeader(http.StatusInternalServerError)
			respond(log, w, ResponseWatermarks{Status: Error, Message: err.Error(), Watermarks: []warehouse.Watermark{}})
			return
		}
		w.WriteHeader(http.StatusOK)
		respond(log, w, ResponseWatermarks{Status: Okay, Watermarks: wms})
	}
}

func GetHandlerSyncLaunch(log logger.Logger, l *syncLauncher) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := ResolveSources(mux.Vars(r)["source"])
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			respond(log, w, ResponseSyncLaunch{Status: Error, Message: err.Error()})
			return
		}
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
		if err = l.launch(sources, force); err != nil {
			log.Info("HTTP request to sync rejected: ", err)
			w.WriteHeader(http.StatusConflict)
			respond(log, w, ResponseSyncLaunch{Status: Error, Message: err.Error(), Sources: sources})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		respond(log, w, ResponseSyncLaunch{Status: Okay, Message: "sync launched", Sources: sources})
	}
}

func GetHandlerRunStop(log logger.Logger, allRunInfo *pipeline.SafeMapRunInfo) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["runId"]
		ri, ok := allRunInfo.Load(id)
		if ok { // if the run exists...
			w.WriteHeader(http.StatusOK)
			if ri.Status.Finished { // if the run has already finished...
				log.Info("HTTP request to stop run ", id, " which has already finished.")
				respond(log, w, ResponseRunStop{Status: Error, Message: "run already ended", RunId: id})
			} else { // else the run is still going...
				log.Info("Stopping run ", id)
				ri.Cancel()
				respond(log, w, ResponseRunStop{Status: Okay, Message: "shutting down", RunId: id})
			}
		} else { // else the run doesn't exist...
			w.WriteHeader(http.StatusNotFound)
			log.Info("HTTP request to stop run ", id, " that doesn't exist.")
			respond(log, w, ResponseRunStop{Status: Error, Message: "run does not exist", RunId: id})
		}
	}
}

func GetHandlerRunList(log logger.Logger, allRunInfo *pipeline.SafeMapRunInfo) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		respond(log, w, ResponseRunList{Status: Okay, RunList: allRunInfo.List()})
	}
}

func GetHandlerRunStats(log logger.Logger, allRunInfo *pipeline.SafeMapRunInfo) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["runId"]
		ri, ok := allRunInfo.Load(id)
		if ok && ri.Stats != nil { // if the run exists...
			w.WriteHeader(http.StatusOK)
			respond(log, w, ResponseRunStats{Status: Okay, StatsSummary: ri.Stats.GetStats()})
		} else { // else the run doesn't exist...
			w.WriteHeader(http.StatusNotFound)
			log.Info("HTTP request to fetch stats for run ", id, " that doesn't exist.")
			respond(log, w, ResponseRunStats{Status: Error, Message: fmt.Sprintf("run %v does not exist", id)})
		}
	}
}

func GetHandlerRunStatus(log logger.Logger, allRunInfo *pipeline.SafeMapRunInfo) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["runId"]
		ri, ok := allRunInfo.Load(id)
		if ok { // if the run exists...
			w.WriteHeader(http.StatusOK)
			respond(log, w, ResponseRunStatus{Status: Okay, RunStatus: ri.Status})
		} else { // else the run doesn't exist...
			w.WriteHeader(http.StatusNotFound)
			log.Info("HTTP request for status of run ", id, " that doesn't exist.")
			respond(log, w, ResponseRunStatus{Status: Error, Message: fmt.Sprintf("run %v does not exist", id)})
		}
	}
}

// respond will marshal i to a string and write it to w.
func respond(log logger.Logger, w http.ResponseWriter, i interface{}) {
	j, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		log.Panic(err)
	}
	_, err = fmt.Fprint(w, string(j))
	if err != nil {
		log.Error(err)
	}
}
