// pillquest serves the medication tracker web UI and, optionally, sends dose
// reminders.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RaphaLefth/pillquest/backup"
	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/healthz"
	"github.com/RaphaLefth/pillquest/httpmetrics"
	"github.com/RaphaLefth/pillquest/metrics"
	"github.com/RaphaLefth/pillquest/poller"
	"github.com/RaphaLefth/pillquest/recordstore/backend"
	"github.com/RaphaLefth/pillquest/recordstore/badgerstore"
	"github.com/RaphaLefth/pillquest/tracker"
	"github.com/RaphaLefth/pillquest/webui"

	"cloud.google.com/go/profiler"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/storage"
	"contrib.go.opencensus.io/exporter/stackdriver"
	cloudmetrics "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/golang/glog"
	"github.com/sendgrid/sendgrid-go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	googleopt "google.golang.org/api/option"
	secretmanagerpb "google.golang.org/genproto/googleapis/cloud/secretmanager/v1"
)

var (
	listen      = flag.String("listen", "127.0.0.1:8080", "Server address:port for the web UI.")
	debugListen = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")

	storeKind   = flag.String("store", backend.KindBadger, "Record store: badger or firestore.")
	dataDir     = flag.String("data-dir", "./pillquest-data", "Directory for the badger store.")
	dataProject = flag.String("data-project", "", "GCP project that contains the application state.")

	timezone     = flag.String("timezone", "", "IANA zone that defines calendar days and schedule times.  Defaults to the local zone.")
	tolerance    = flag.Duration("tolerance", 60*time.Minute, "How far on either side of its scheduled time a dose may be taken.")
	durationDays = flag.Int("default-duration-days", tracker.DefaultDurationDays, "Treatment length used when none is given.")

	reminders         = flag.Bool("reminders", false, "Send dose reminders?")
	recheckPeriod     = flag.Duration("recheck-period", 5*time.Minute, "Time between reminder scans.")
	sendgridKeySecret = flag.String("sendgrid-key-secret", "", "GCP Secret Manager secret name that contains the Sendgrid API key.  If empty, reminders are only logged.")
	mailFrom          = flag.String("mail-from", "bot@pillquest.dev", "Sender address for reminder emails.")
	baseURL           = flag.String("base-url", "http://127.0.0.1:8080", "External URL of the web UI, for links in reminders.")

	gcInterval     = flag.Duration("badger-gc-interval", 10*time.Minute, "Time between badger value log GC passes.")
	backupBucket   = flag.String("backup-bucket", "", "GCS bucket for periodic badger backups.  Empty disables them.")
	backupInterval = flag.Duration("backup-interval", 24*time.Hour, "Time between backups.")

	monitoring           = flag.Bool("monitoring", false, "Enable monitoring?")
	monitoringProject    = flag.String("monitoring-project", "", "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", 0.0001, "What ratio of traces should be exported?")
	enableProfiling      = flag.Bool("enable-profiling", false, "Enable Cloud Profiler?")
)

func main() {
	flag.Parse()

	glog.CopyStandardLogTo("INFO")

	glog.Infof("flags:")
	flag.VisitAll(func(f *flag.Flag) {
		glog.Infof("%s: %q", f.Name, f.Value.String())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *enableProfiling {
		if err := profiler.Start(profiler.Config{
			Service:        "pillquest",
			ServiceVersion: "0.1.0",
		}); err != nil {
			glog.Fatalf("Error initializing profiler: %v", err)
		}
	}

	if *monitoring {
		metricsOpts := []cloudmetrics.Option{}
		traceOpts := []cloudtrace.Option{}
		if *monitoringProject != "" {
			metricsOpts = append(metricsOpts, cloudmetrics.WithProjectID(*monitoringProject))
			traceOpts = append(traceOpts, cloudtrace.WithProjectID(*monitoringProject))
		}

		_, traceShutdown, err := cloudtrace.InstallNewPipeline(traceOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(*monitoringTraceRatio)))
		if err != nil {
			glog.Fatalf("Failed to install Cloud Trace OpenTelemetry trace pipeline: %v", err)
		}
		defer traceShutdown()

		pusher, err := cloudmetrics.InstallNewPipeline(metricsOpts)
		if err != nil {
			glog.Fatalf("Failed to install Cloud Metrics OpenTelemetry meter pipeline: %v", err)
		}
		defer pusher.Stop(ctx)

		// The domain counters are opencensus views.
		sdOpts := stackdriver.Options{
			MetricPrefix:      "pillquest",
			ReportingInterval: 60 * time.Second,
		}
		if *monitoringProject != "" {
			sdOpts.ProjectID = *monitoringProject
		}
		exporter, err := stackdriver.NewExporter(sdOpts)
		if err != nil {
			glog.Fatalf("Failed to create Stackdriver metrics exporter: %v", err)
		}
		if err := exporter.StartMetricsExporter(); err != nil {
			glog.Fatalf("Failed to start Stackdriver metrics exporter: %v", err)
		}
		defer exporter.Flush()
		defer exporter.StopMetricsExporter()
	}

	if err := do(ctx); err != nil {
		glog.Errorf("Error: %v", err)
		glog.Flush()
		os.Exit(255)
	}

	glog.Flush()
}

func do(ctx context.Context) error {
	if err := metrics.RegisterViews(); err != nil {
		return fmt.Errorf("while registering metric views: %w", err)
	}

	loc := time.Local
	if *timezone != "" {
		var err error
		loc, err = time.LoadLocation(*timezone)
		if err != nil {
			return fmt.Errorf("while loading timezone %q: %w", *timezone, err)
		}
	}

	store, err := backend.Open(ctx, backend.Config{
		Kind:        *storeKind,
		DataDir:     *dataDir,
		Project:     *dataProject,
		Collections: dbtypes.All,
	})
	if err != nil {
		return fmt.Errorf("while opening record store: %w", err)
	}
	defer store.Close()

	tr := tracker.New(
		store,
		tracker.WithLocation(loc),
		tracker.WithTolerance(*tolerance),
		tracker.WithDefaultDurationDays(*durationDays),
	)

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New(nil))
	debugServeMux.Handle("/readyz", healthz.New(store.Ping))
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	uiServeMux := http.NewServeMux()
	webui.New(tr).Register(uiServeMux)
	uiHandler := httpmetrics.New(uiServeMux)
	if err := uiHandler.RegisterMetrics(); err != nil {
		return fmt.Errorf("while registering UI metrics: %w", err)
	}
	uiServer := &http.Server{
		Addr:    *listen,
		Handler: uiHandler,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("Debug server died: %v", err)
		}
	}()

	go func() {
		if err := uiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("UI server died: %v", err)
		}
	}()

	if bs, ok := store.(*badgerstore.Store); ok {
		go bs.RunGC(ctx, *gcInterval, 0.5)

		if *backupBucket != "" {
			gcs, err := storage.NewClient(ctx, googleopt.WithGRPCConnectionPool(1))
			if err != nil {
				return fmt.Errorf("while creating GCS client: %w", err)
			}
			archive := backup.NewArchive(gcs, *backupBucket)
			go archive.Run(ctx, bs, *backupInterval)
		}
	}

	if *reminders {
		var sender poller.Sender = poller.LogSender{BaseURL: *baseURL}
		if *sendgridKeySecret != "" {
			sg, err := newSendgridClient(ctx)
			if err != nil {
				return fmt.Errorf("while creating Sendgrid client: %w", err)
			}
			sender = poller.NewSendgridSender(sg, "PillQuest", *mailFrom, *baseURL)
		}

		p := poller.New(store, sender, *recheckPeriod, poller.WithTolerance(*tolerance))
		go func() {
			p.Run(ctx)
		}()
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-signalCh:
	case <-ctx.Done():
	}

	glog.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := uiServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("Error while shutting down UI server: %v", err)
	}
	if err := debugServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("Error while shutting down debug server: %v", err)
	}

	return nil
}

func newSendgridClient(ctx context.Context) (*sendgrid.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secretClient, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("while creating Secret Manager client: %w", err)
	}
	defer secretClient.Close()

	resp, err := secretClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", *dataProject, *sendgridKeySecret),
	})
	if err != nil {
		return nil, fmt.Errorf("while pulling secret: %w", err)
	}

	return sendgrid.NewSendClient(string(resp.GetPayload().GetData())), nil
}
