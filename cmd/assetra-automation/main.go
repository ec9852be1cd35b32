// Package main starts the Assetra automation server.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/assetra/automation/dispatcher"
	dispatcherhttp "github.com/assetra/automation/dispatcher/http"
	"github.com/assetra/automation/engine"
	enginehttp "github.com/assetra/automation/engine/http"
	httpcmd "github.com/assetra/automation/http"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/metrics"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/stdlogfmt"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "assetra"
	apiRealm    = "assetra-automation"
)

func main() {
	var (
		flDebug    = flag.Bool("debug", false, "log debug messages")
		flListen   = flag.String("listen", ":9010", "HTTP listen address")
		flVersion  = flag.Bool("version", false, "print version and exit")
		flDumpIn   = flag.Bool("dump-inbound", false, "dump inbound webhook requests")
		flAPIKey   = flag.String("api", "", "API key for API endpoints")
		flStorage  = flag.String("storage", "file", "name of engine storage backend")
		flDSN      = flag.String("storage-dsn", "", "engine data source name (e.g. connection string or path)")
		flWHStore  = flag.String("webhook-storage", "", "name of webhook storage backend (default follows -storage)")
		flWHDSN    = flag.String("webhook-storage-dsn", "", "webhook data source name (e.g. connection string or path)")
		flSchema   = flag.Bool("apply-schema", false, "create webhook tables at startup (pgsql only)")
		flWorkSec  = flag.Uint("worker-interval", uint(engine.DefaultDuration/time.Second), "interval for on_time workflow worker in seconds")
		flRetrySec = flag.Uint("retry-interval", uint(dispatcher.DefaultWorkerDuration/time.Second), "interval for webhook retry worker in seconds")
		flRetryLim = flag.Int("retry-limit", dispatcher.DefaultWorkerLimit, "maximum due webhook deliveries per retry interval")
		flAttempts = flag.Int("webhook-max-attempts", 0, "maximum webhook delivery attempts (0 for default)")
		flBaseSec  = flag.Uint("webhook-retry-base", 0, "base webhook retry delay in seconds (0 for default)")
		flTimeout  = flag.Uint("webhook-timeout", uint(dispatcher.DefaultTimeout/time.Second), "webhook request timeout in seconds")
	)
	envflag.Parse("ASSETRA_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	if *flAPIKey == "" {
		logger.Info(logkeys.Error, "API key required")
		os.Exit(1)
	}

	ctx := context.Background()

	// configure storage
	storage, err := parseStorage(ctx, *flStorage, *flDSN, *flWHStore, *flWHDSN, *flSchema)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	// configure instruments
	mp, reader := metrics.NewReaderProvider()
	m, err := metrics.New(metrics.WithMeterProvider(mp))
	if err != nil {
		logger.Info(logkeys.Message, "creating metrics", logkeys.Error, err)
		os.Exit(1)
	}

	// configure the webhook dispatcher
	dOpts := []dispatcher.Option{
		dispatcher.WithLogger(logger.With("service", "dispatcher")),
		dispatcher.WithMetrics(m),
		dispatcher.WithClient(&http.Client{
			Timeout:   time.Second * time.Duration(*flTimeout),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	if *flAttempts > 0 {
		dOpts = append(dOpts, dispatcher.WithMaxAttempts(*flAttempts))
	}
	if *flBaseSec > 0 {
		dOpts = append(dOpts, dispatcher.WithRetryBase(time.Second*time.Duration(*flBaseSec)))
	}
	d := dispatcher.New(storage.webhook, dOpts...)

	// configure the workflow engine, publishing run events as webhooks
	e := engine.New(
		storage.engine,
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithMetrics(m),
		engine.WithNotifier(dispatcher.NewPublisher(d, storage.webhook, logger.With("service", "publisher"))),
	)

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	mux.Group(func(mux *flow.Mux) {
		mux.Use(func(h http.Handler) http.Handler {
			return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
		})

		mux.Handle("/metrics", metrics.Handler(reader, logger.With("handler", "metrics")), "GET")

		mux.Group(func(mux *flow.Mux) {
			mux.Use(httpcmd.TenantHandler)
			if *flDumpIn {
				mux.Use(func(h http.Handler) http.Handler {
					return dumpInbound(h, "/v1/webhooks/inbound")
				})
			}

			enginehttp.HandleAPIv1("/v1", mux, logger, e, storage.engine)
			dispatcherhttp.HandleAPIv1("/v1", mux, logger, d, storage.webhook)
		})
	})

	if *flWorkSec > 0 {
		eWorker := engine.NewWorker(
			e,
			storage.engine,
			engine.WithWorkerLogger(logger.With("service", "engine worker")),
			engine.WithWorkerDuration(time.Second*time.Duration(*flWorkSec)),
		)
		go runWorker(logger, "engine worker", eWorker.Run)
	}

	if *flRetrySec > 0 {
		dWorker := dispatcher.NewWorker(
			d,
			storage.webhook,
			dispatcher.WithWorkerLogger(logger.With("service", "dispatcher worker")),
			dispatcher.WithWorkerDuration(time.Second*time.Duration(*flRetrySec)),
			dispatcher.WithWorkerLimit(*flRetryLim),
		)
		go runWorker(logger, "dispatcher worker", dWorker.Run)
	}

	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// runWorker runs a background worker until it stops.
func runWorker(logger log.Logger, name string, run func(context.Context) error) {
	err := run(context.Background())
	logs := []interface{}{logkeys.Message, name + " stopped"}
	if err != nil {
		logger.Info(append(logs, logkeys.Error, err)...)
		return
	}
	logger.Debug(logs...)
}

// dumpInbound dumps requests to path to stdout.
func dumpInbound(next http.Handler, path string) http.Handler {
	dump := httpcmd.DumpHandler(next, os.Stdout)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path {
			dump.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// newTraceID generates a new HTTP trace ID for context logging.
// Currently this just makes a random string.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
