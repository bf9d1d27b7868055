// Package main is the entry point for the askanna worker.
// The worker consumes tasks: it executes runs, launches schedules, sends
// notifications and performs housekeeping.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"askanna/internal/askannayml"
	"askanna/internal/config"
	"askanna/internal/dispatch"
	"askanna/internal/housekeeping"
	"askanna/internal/image"
	"askanna/internal/logger"
	"askanna/internal/logqueue"
	"askanna/internal/notify"
	"askanna/internal/observability"
	"askanna/internal/orchestrator"
	"askanna/internal/pkgconfig"
	"askanna/internal/scheduler"
	"askanna/internal/storage"
	"askanna/internal/store/postgres"
	"askanna/internal/telemetry"
	"askanna/internal/upload"
	"askanna/internal/variables"
	"askanna/internal/worker"
	"askanna/internal/worker/runtime"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: askanna.yaml in current directory)")
	queuesFlag := flag.String("queues", "", "Comma separated queues to consume (default: all)")
	metricsAddr := flag.String("metrics-addr", ":6162", "Listen address of the metrics server")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg := logger.New(cfg.LogLevel)
	slog.SetDefault(lg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()
	db.SetMaxRetries(cfg.TaskMaxRetries)

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "askanna-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()
	runMetrics, err := observability.NewRunMetrics(otel.Meter("askanna-worker"))
	if err != nil {
		log.Fatalf("Failed to init run metrics: %v", err)
	}

	objects, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open object storage: %v", err)
	}
	files := upload.NewManager(db, objects, lg)
	loader := pkgconfig.NewLoader(files, cfg.TimeZone)
	sink := telemetry.NewSink(db, db, files, lg)

	logs, err := logqueue.NewManager(files, db, 0, lg)
	if err != nil {
		log.Fatalf("Failed to create log manager: %v", err)
	}

	broker, err := cfg.Broker()
	if err != nil {
		log.Fatalf("Invalid broker: %v", err)
	}
	var (
		publisher dispatch.Publisher = dispatch.NewQueuePublisher(db)
		amqp      *dispatch.AMQP
	)
	if broker == config.BrokerAMQP {
		amqp, err = dispatch.DialAMQP(ctx, dispatch.AMQPOptions{
			URL:        cfg.BrokerURL,
			MaxRetries: cfg.TaskMaxRetries,
		}, lg)
		if err != nil {
			log.Fatalf("Failed to connect to broker: %v", err)
		}
		defer amqp.Close()
		publisher = amqp
	}

	// Select runtime based on configuration. Containers stays nil without a
	// container daemon.
	var (
		rt         runtime.Runtime
		images     orchestrator.Images
		containers housekeeping.Containers
	)
	switch cfg.Runtime {
	case config.RuntimeExec:
		rt = runtime.NewExecRuntime(cfg.RuntimeWorkDir)
		images = image.NewUnmanaged(db)
		log.Printf("Using exec runtime (workdir: %s)", cfg.RuntimeWorkDir)
	default:
		cli, err := runtime.NewDockerClient()
		if err != nil {
			log.Fatalf("Failed to create Docker client: %v", err)
		}
		defer cli.Close()
		docker := runtime.NewDockerRuntime(cli)
		rt = docker
		containers = docker
		images = image.NewManager(image.NewDockerRegistry(cli), db, image.Options{
			Environment: cfg.Environment,
			Timeout:     cfg.RegistryTimeout,
			RunUtilsURL: cfg.RunUtilsURL,
		}, lg)
		log.Println("Using docker runtime")
	}

	var credentials *askannayml.Credentials
	if cfg.DefaultImageUser != "" || cfg.DefaultImagePass != "" {
		credentials = &askannayml.Credentials{Username: cfg.DefaultImageUser, Password: cfg.DefaultImagePass}
	}
	orch := orchestrator.New(orchestrator.Deps{
		Runs:      db,
		Projects:  db,
		Variables: db,
		Access:    db,
		Files:     files,
		Config:    loader,
		Resolver:  variables.NewResolver(sink, lg),
		Images:    images,
		Runtime:   rt,
		Logs:      logs,
		Publisher: publisher,
		Metrics:   runMetrics,
	}, orchestrator.Options{
		Environment:        cfg.Environment,
		DefaultImage:       cfg.DefaultImage,
		DefaultCredentials: credentials,
		Remote:             cfg.APIURL,
		PrintLog:           cfg.PrintContainerLog,
	}, lg)

	var mailer notify.Mailer = notify.NewLogMailer(lg)
	if cfg.MailEnabled() {
		mailer = notify.NewSMTPMailer(notify.SMTPOptions{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			From:       cfg.SMTP.From,
			MaxRetries: 3,
		})
	}

	registry := dispatch.NewRegistry()
	orch.Register(registry)
	sink.Register(registry)
	notify.New(db, db, db, loader, mailer, notify.Options{UIURL: cfg.UIURL}, lg).Register(registry)
	scheduler.New(db, db, db, db, loader, publisher, lg).Register(registry)
	housekeeping.New(containers, db, objects, files, housekeeping.Options{
		Environment:  cfg.Environment,
		ContainerTTL: cfg.ContainerTTL,
		ObjectTTL:    cfg.ObjectRemovalTTL,
		UploadTTL:    cfg.UploadTTL,
	}, lg).Register(registry)

	var queues []string
	if *queuesFlag != "" {
		for _, q := range strings.Split(*queuesFlag, ",") {
			if q = strings.TrimSpace(q); q != "" {
				queues = append(queues, q)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if amqp != nil {
		if len(queues) == 0 {
			queues = []string{dispatch.QueueDefault, dispatch.QueueRunner}
		}
		g.Go(func() error {
			return amqp.Consume(gctx, queues, registry, cfg.WorkerConcurrency)
		})
	} else {
		hostname, _ := os.Hostname()
		agent := worker.New(db, registry, worker.AgentConfig{
			ID:                  hostname,
			Concurrency:         cfg.WorkerConcurrency,
			Queues:              queues,
			PollInterval:        cfg.WorkerPollInterval,
			MaxBackoff:          cfg.WorkerMaxBackoff,
			HeartbeatInterval:   cfg.WorkerHeartbeatInterval,
			VisibilityExtension: cfg.HeartVisibilityExtension,
		})
		g.Go(func() error {
			return agent.Run(gctx)
		})
	}
	log.Printf("Worker started with concurrency %d (broker: %s, tasks: %s)", cfg.WorkerConcurrency, broker, strings.Join(registry.Names(), ","))

	// Start a dedicated metrics server
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
	g.Go(func() error {
		log.Printf("Worker metrics listening on %s", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Worker stopped: %v", err)
	}
	log.Println("Worker exited properly")
}

// openStorage returns the configured object store.
func openStorage(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	if cfg.StorageBackend == config.StorageS3 {
		s3, err := storage.NewS3(ctx, storage.S3Options{
			Endpoint:         cfg.ObjectStorage.Endpoint,
			UseHTTPS:         cfg.ObjectStorage.UseHTTPS,
			AccessKey:        cfg.ObjectStorage.AccessKey,
			SecretKey:        cfg.ObjectStorage.SecretKey,
			Region:           cfg.ObjectStorage.Region,
			Bucket:           cfg.ObjectStorage.Bucket,
			ExternalEndpoint: cfg.ObjectStorage.ExternalEndpoint,
			ExternalUseHTTPS: cfg.ObjectStorage.ExternalUseHTTPS,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	return storage.NewLocal(cfg.LocalStorageRoot, cfg.APIURL, cfg.SecretKey), nil
}
