package actions

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relloyd/ogdsync/config"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/trigger"
)

const (
	shutdownWait      = 15 * time.Second
	runRetentionHours = 24
)

type WebServerConfig struct {
	Settings                  config.Settings
	Scheme                    string `errorTxt:"scheme" mandatory:"no"`
	Addr                      net.IP `errorTxt:"address" mandatory:"no"`
	Port                      int    `errorTxt:"port" mandatory:"yes"`
	Trigger                   string // empty or cron; cron syncs all sources on the settings schedule.
	MigrateUp                 bool
	StatsDumpFrequencySeconds int
	StackDumpOnPanic          bool
	EngineOptions             EngineOptions
}

func RunWebServer(web *WebServerConfig) error {
	if web == nil {
		return errors.New("nil pointer to web server config supplied")
	}
	// Check if we have valid input params.
	if err := helper.ValidateStructIsPopulated(web); err != nil {
		return err
	}
	// Setup logging.
	log := logger.NewLogger(constants.AppName, web.Settings.LogLevel, web.StackDumpOnPanic)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := web.EngineOptions
	opts.MigrateUp = opts.MigrateUp || web.MigrateUp
	opts.StatsDumpFrequencySeconds = web.StatsDumpFrequencySeconds
	e, err := NewEngine(ctx, log, web.Settings, opts)
	if err != nil {
		return err
	}
	defer e.Close()
	launcher := newSyncLauncher(ctx, log, e.Runner)
	if err = startScheduledSyncs(ctx, log, web, e, launcher); err != nil {
		return err
	}
	// Start the web server.
	srv, chanStopServer := runServer(log, web, e, launcher)
	// Block & wait for completion.
	return waitForServer(log, srv, chanStopServer, cancel, launcher)
}

// newRouter creates the routes of the API.
func newRouter(log logger.Logger, e *Engine, launcher *syncLauncher, chanStopServer chan string) *mux.Router {
	registry := e.Runner.Registry()
	r := mux.NewRouter()
	r.HandleFunc("/stop", GetHandlerStopServer(log, chanStopServer)).Methods(http.MethodPost)
	r.Path("/health").HandlerFunc(GetHandlerHealth(log))
	r.Path("/report").Methods(http.MethodGet).HandlerFunc(GetHandlerReport(log, e.Reader, ReportConfig{Settings: e.Settings}))
	r.Path("/watermarks").Methods(http.MethodGet).HandlerFunc(GetHandlerWatermarks(log, e.Watermarks))
	r.Path("/runs").Methods(http.MethodGet).HandlerFunc(GetHandlerRunList(log, registry))
	r.Path("/runs/{runId}/stats").Methods(http.MethodGet).HandlerFunc(GetHandlerRunStats(log, registry))
	r.Path("/runs/{runId}/status").Methods(http.MethodGet).HandlerFunc(GetHandlerRunStatus(log, registry))
	r.Path("/runs/{runId}/stop").Methods(http.MethodPost).HandlerFunc(GetHandlerRunStop(log, registry))
	r.Path("/sync/{source}").Methods(http.MethodPost).HandlerFunc(GetHandlerSyncLaunch(log, launcher))
	r.Path("/metrics").Handler(promhttp.HandlerFor(e.Gatherer, promhttp.HandlerOpts{}))
	return r
}

// runServer starts a web server and returns:
// 1) the server; and
// 2) a channel that can be used to stop the web server
func runServer(log logger.Logger, web *WebServerConfig, e *Engine, launcher *syncLauncher) (*http.Server, chan string) {
	chanStopServer := make(chan string, 1)
	// Configure HTTP server.
	srv := &http.Server{ // Good practice to set timeouts to avoid Slowloris attacks.
		Addr:         net.JoinHostPort(web.Addr.String(), fmt.Sprint(web.Port)),
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      newRouter(log, e, launcher, chanStopServer),
	}
	// Run HTTP server non-blocking.
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if err == http.ErrServerClosed {
				log.Info(err)
			} else {
				log.Error(err)
				select {
				case chanStopServer <- "listen failed":
				default:
				}
			}
		}
	}()
	scheme := web.Scheme
	if scheme == "" {
		scheme = "http"
	}
	log.Info(fmt.Sprintf("Listening on %v://%v", strings.ToLower(scheme), srv.Addr))
	return srv, chanStopServer
}

// startScheduledSyncs runs all sources on the cron schedule while the server is up.
func startScheduledSyncs(ctx context.Context, log logger.Logger, web *WebServerConfig, e *Engine, launcher *syncLauncher) error {
	switch web.Trigger {
	case "":
		return nil
	case trigger.KindCron:
	default:
		return fmt.Errorf("unsupported trigger %q for the web server, use %v", web.Trigger, trigger.KindCron)
	}
	sources, _ := ResolveSources(constants.SourceAll)
	c, err := trigger.New(log, trigger.Config{
		Kind:       trigger.KindCron,
		Schedule:   e.Settings.Schedule,
		Location:   e.Location,
		Retries:    e.Settings.Retries,
		RetryDelay: e.Settings.RetryDelay,
	})
	if err != nil {
		return err
	}
	go func() {
		_ = c.Start(ctx, func(ctx context.Context) error {
			defer e.Runner.Registry().Prune(time.Now().Add(-runRetentionHours * time.Hour))
			return launcher.runNow(ctx, sources)
		})
	}()
	return nil
}

func waitForServer(log logger.Logger, srv *http.Server, chanStopServer chan string, cancelRuns context.CancelFunc, launcher *syncLauncher) error {
	// Block & wait for shutdown signals.
	// Accept graceful shutdowns when quit via SIGINT (Ctrl+C) or SIGTERM.
	chanOS := make(chan os.Signal, 1)
	signal.Notify(chanOS, os.Interrupt, syscall.SIGTERM) // request signals be sent to chanOS.
	defer signal.Stop(chanOS)
	select {
	case <-chanStopServer:
	case <-chanOS:
	}
	log.Info("Shutting down web server...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait) // create a timeout to wait for.
	defer cancel()
	// Stop accepting requests, then cancel running syncs and wait for their last batch to settle.
	err := srv.Shutdown(ctx) // Doesn't block if no connections, but will otherwise wait until the timeout deadline.
	cancelRuns()
	done := make(chan struct{})
	go func() {
		launcher.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("timeout waiting for running syncs to stop")
	}
	return err
}
