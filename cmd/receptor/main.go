// Command receptor runs the Open Finance data-collection pipeline:
// consent engine, batch scheduler, and sync worker pool, in one process
// or split by role across several.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/openfinancebr/receptor/auth"
	"github.com/openfinancebr/receptor/cache"
	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/consent"
	"github.com/openfinancebr/receptor/directory"
	"github.com/openfinancebr/receptor/events"
	"github.com/openfinancebr/receptor/queue"
	"github.com/openfinancebr/receptor/report"
	"github.com/openfinancebr/receptor/scheduler"
	"github.com/openfinancebr/receptor/store"
	"github.com/openfinancebr/receptor/transmitter"
	"github.com/openfinancebr/receptor/worker"
)

// Config is the top-level configuration object of the receptor.
var Config = new(struct {
	Receptor struct {
		Role          string        `long:"role" env:"ROLE" default:"both" choice:"both" choice:"scheduler" choice:"worker" description:"Pipeline roles this process runs"`
		NodeID        string        `long:"node-id" env:"NODE_ID" description:"Worker identity for job leases; defaults to the hostname"`
		StorePath     string        `long:"store-path" env:"STORE_PATH" default:"receptor.db" description:"Path of the sqlite database"`
		CacheSize     int           `long:"cache-size" env:"CACHE_SIZE" default:"4096" description:"Entries held by the in-process cache"`
		ShutdownGrace time.Duration `long:"shutdown-grace" env:"SHUTDOWN_GRACE" default:"30s" description:"How long a drain may take before forced exit"`
	} `group:"Receptor" env-namespace:"RECEPTOR"`

	Directory struct {
		File            string        `long:"file" env:"FILE" required:"true" description:"Path of the participants JSON listing"`
		RefreshInterval time.Duration `long:"refresh-interval" env:"REFRESH_INTERVAL" default:"2h" description:"Participants listing refresh cadence"`
	} `group:"Directory" namespace:"directory" env-namespace:"DIRECTORY"`

	Transmitter struct {
		CertFile        string        `long:"cert" env:"CERT" description:"Client mTLS certificate (PEM)"`
		KeyFile         string        `long:"key" env:"KEY" description:"Client mTLS private key (PEM)"`
		CAFile          string        `long:"ca" env:"CA" description:"Optional private CA bundle (PEM)"`
		CredentialsFile string        `long:"credentials" env:"CREDENTIALS" required:"true" description:"Path of the client credentials JSON file"`
		Timeout         time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"Per-request HTTP timeout"`
		QPS             float64       `long:"qps" env:"QPS" default:"10" description:"Per-organisation request rate"`
		Burst           int           `long:"burst" env:"BURST" default:"5" description:"Per-organisation request burst"`
	} `group:"Transmitter" namespace:"transmitter" env-namespace:"TRANSMITTER"`

	Kafka struct {
		Brokers []string `long:"broker" env:"BROKERS" env-delim:"," description:"Kafka seed brokers; omit to log events locally"`
	} `group:"Kafka" namespace:"kafka" env-namespace:"KAFKA"`

	Scheduler struct {
		Cooldown            time.Duration `long:"cooldown" env:"COOLDOWN" default:"6h" description:"Minimum gap between syncs of one consent"`
		IncrementalInterval time.Duration `long:"incremental-interval" env:"INCREMENTAL_INTERVAL" default:"5m" description:"Catch-up dispatch cadence"`
		MaxDepth            int64         `long:"max-depth" env:"MAX_DEPTH" default:"10000" description:"Pending-job depth that pauses dispatch"`
	} `group:"Scheduler" env-namespace:"SCHEDULER"`

	Worker struct {
		Concurrency int           `long:"concurrency" env:"CONCURRENCY" default:"8" description:"Concurrent job executors"`
		BatchSize   int           `long:"batch-size" env:"BATCH_SIZE" default:"16" description:"Jobs leased per poll"`
		Visibility  time.Duration `long:"visibility-timeout" env:"VISIBILITY_TIMEOUT" default:"2m" description:"Job lease duration"`
		PerOrg      int           `long:"per-org" env:"PER_ORG" default:"4" description:"Concurrent jobs per organisation"`
	} `group:"Worker" env-namespace:"WORKER"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`

	Metrics struct {
		Addr string `long:"addr" env:"ADDR" default:":9090" description:"Bind address of the metrics and health listener"`
	} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
})

func main() { os.Exit(run()) }

// errStoreUnavailable marks the store being unreachable at startup,
// reported with exit code 2.
var errStoreUnavailable = errors.New("store unavailable")

// exitCode maps a serve failure onto the process exit code: 2 when the
// store was unreachable at startup, 1 for any other error.
func exitCode(err error) int {
	if errors.Is(err, errStoreUnavailable) {
		return 2
	}
	return 1
}

func run() int {
	var parser = flags.NewParser(Config, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		// Configuration error.
		return 1
	}
	initLog()

	if Config.Receptor.NodeID == "" {
		var hostname, err = os.Hostname()
		if err != nil {
			hostname = clock.NewID()
		}
		Config.Receptor.NodeID = hostname
	}

	log.WithFields(log.Fields{
		"role":   Config.Receptor.Role,
		"nodeId": Config.Receptor.NodeID,
		"store":  Config.Receptor.StorePath,
	}).Info("receptor starting")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var gotInterrupt = make(chan os.Signal, 1)
	go func() {
		var sig = <-sigCh
		log.WithField("signal", sig).Info("shutdown signal received; draining")
		gotInterrupt <- sig
		cancel()
	}()

	if err := serve(ctx); err != nil {
		log.WithField("err", err).Error("receptor failed")
		return exitCode(err)
	}

	select {
	case sig := <-gotInterrupt:
		if sig == syscall.SIGINT {
			return 130
		}
	default:
	}
	return 0
}

// serve wires the pipeline per role and blocks until every loop exits.
func serve(ctx context.Context) error {
	var clk = clock.Real{}

	var st, err = store.Open(Config.Receptor.StorePath, clk)
	if err != nil {
		return fmt.Errorf("%w: %s", errStoreUnavailable, err)
	}
	defer st.Close()
	if err = st.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", errStoreUnavailable, err)
	}

	blobCache, err := cache.New(Config.Receptor.CacheSize, clk)
	if err != nil {
		return err
	}

	var resolver = directory.NewCached(
		participantsFileFetch(Config.Directory.File), clk, Config.Directory.RefreshInterval)

	httpClient, err := buildHTTPClient()
	if err != nil {
		return err
	}

	credentials, err := loadCredentials(Config.Transmitter.CredentialsFile)
	if err != nil {
		return err
	}

	var tokens = auth.NewProvider(resolver, credentials, blobCache, clk, httpClient)
	var client = transmitter.NewClient(resolver, tokens, httpClient, clk,
		transmitter.DefaultRetryPolicy, Config.Transmitter.QPS, Config.Transmitter.Burst)

	var publisher events.Publisher
	if len(Config.Kafka.Brokers) > 0 {
		var kafka *events.Kafka
		if kafka, err = events.NewKafka(Config.Kafka.Brokers, st, clk); err != nil {
			return err
		}
		defer kafka.Close()
		publisher = kafka
	} else {
		log.Warn("no Kafka brokers configured; events stay in-process")
		publisher = events.NewLocal()
	}

	var engine = consent.NewEngine(st, blobCache, publisher, client, clk, consent.DefaultConfig)
	var q = queue.New(st, clk, queue.DefaultBackoff)
	var reports = report.New(st, clk)

	var g, gctx = errgroup.WithContext(ctx)

	g.Go(func() error { return resolver.RunRefreshLoop(gctx) })
	g.Go(func() error { return runMaintenance(gctx, st, clk) })
	g.Go(func() error { return serveMetrics(gctx, st) })

	var role = Config.Receptor.Role
	if role == "both" || role == "scheduler" {
		var schedConfig = scheduler.DefaultConfig
		schedConfig.Cooldown = Config.Scheduler.Cooldown
		schedConfig.IncrementalInterval = Config.Scheduler.IncrementalInterval
		schedConfig.MaxDepth = Config.Scheduler.MaxDepth

		var sched = scheduler.New(engine, q, reports, publisher, clk, schedConfig)
		g.Go(func() error { return sched.RunWindows(gctx) })
		g.Go(func() error { return sched.RunIncremental(gctx) })
		g.Go(func() error { return engine.RunExpirySweep(gctx) })
		g.Go(func() error { return engine.RunSyncSweep(gctx) })
	}
	if role == "both" || role == "worker" {
		var workerConfig = worker.DefaultConfig
		workerConfig.Node = Config.Receptor.NodeID
		workerConfig.Workers = Config.Worker.Concurrency
		workerConfig.LeaseBatch = Config.Worker.BatchSize
		workerConfig.Visibility = Config.Worker.Visibility
		workerConfig.PerOrgInflight = Config.Worker.PerOrg

		var pool = worker.NewPool(q, st, engine, client, publisher, reports, clk, workerConfig)
		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error { return q.RunRecoveryLoop(gctx, workerConfig.Visibility/2) })
	}

	// Bound the drain: loops honour cancellation quickly, but in-flight
	// jobs run to their own deadlines.
	var done = make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
	}
	select {
	case err = <-done:
		return err
	case <-time.After(Config.Receptor.ShutdownGrace):
		return errors.New("drain exceeded shutdown grace")
	}
}

func initLog() {
	if Config.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	var level, err = log.ParseLevel(Config.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func buildHTTPClient() (*http.Client, error) {
	if Config.Transmitter.CertFile != "" {
		return auth.NewMTLSClient(
			Config.Transmitter.CertFile,
			Config.Transmitter.KeyFile,
			Config.Transmitter.CAFile,
			Config.Transmitter.Timeout,
		)
	}
	log.Warn("no client certificate configured; transmitter calls go out without mTLS")
	return &http.Client{Timeout: Config.Transmitter.Timeout}, nil
}

// runMaintenance sweeps expired and soft-deleted documents hourly.
func runMaintenance(ctx context.Context, st *store.Store, clk clock.Clock) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(time.Hour):
		}
		if _, err := st.SweepRetention(ctx, 7*24*time.Hour); err != nil {
			log.WithField("err", err).Warn("retention sweep failed")
		}
	}
}

// serveMetrics exposes Prometheus metrics and a liveness probe.
func serveMetrics(ctx context.Context, st *store.Store) error {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	var srv = &http.Server{Addr: Config.Metrics.Addr, Handler: mux}
	var errCh = make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
