// Package main is the entry point for the askanna controller.
// The controller serves the HTTP API and publishes tasks for the workers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"askanna/internal/auth"
	"askanna/internal/config"
	"askanna/internal/controller"
	"askanna/internal/controller/handlers"
	"askanna/internal/dispatch"
	"askanna/internal/logger"
	"askanna/internal/logqueue"
	"askanna/internal/observability"
	"askanna/internal/pkgconfig"
	"askanna/internal/storage"
	"askanna/internal/store/postgres"
	"askanna/internal/telemetry"
	"askanna/internal/upload"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: askanna.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg := logger.New(cfg.LogLevel)
	slog.SetDefault(lg)

	// Setup Database
	ctx := context.Background()
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()
	db.SetMaxRetries(cfg.TaskMaxRetries)

	// Run migrations if requested
	if *migrateFlag {
		log.Println("Running database migrations...")
		version, err := postgres.Migrate(db.DB())
		if err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Printf("Migrations completed successfully (version %d)", version)
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "askanna-controller", cfg.OTELEndpoint)
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

	broker, err := cfg.Broker()
	if err != nil {
		log.Fatalf("Invalid broker: %v", err)
	}
	if broker == config.BrokerDatabase {
		if err := observability.RegisterTaskDepth(otel.Meter("askanna-controller"), db); err != nil {
			log.Printf("Failed to register task depth metric: %v", err)
		}
	}

	// Object storage
	objects, signed, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open object storage: %v", err)
	}
	files := upload.NewManager(db, objects, lg)

	logs, err := logqueue.NewManager(files, db, 0, lg)
	if err != nil {
		log.Fatalf("Failed to create log manager: %v", err)
	}

	// Task publisher
	var publisher dispatch.Publisher = dispatch.NewQueuePublisher(db)
	if broker == config.BrokerAMQP {
		amqp, err := dispatch.DialAMQP(ctx, dispatch.AMQPOptions{URL: cfg.BrokerURL, MaxRetries: cfg.TaskMaxRetries}, lg)
		if err != nil {
			log.Fatalf("Failed to connect to broker: %v", err)
		}
		defer amqp.Close()
		publisher = amqp
	}

	deps := handlers.Deps{
		Store:       db,
		Files:       files,
		Logs:        logs,
		Telemetry:   telemetry.NewSink(db, db, files, lg),
		Config:      pkgconfig.NewLoader(files, cfg.TimeZone),
		Invitations: auth.NewInvitations(cfg.SecretKey, cfg.InvitationValidity),
		Publisher:   publisher,
		Signed:      signed,
		Objects:     objects,
		Logger:      lg,
	}

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, deps, controller.Options{
		InternalSecret: cfg.InternalSecret,
		RateLimit:      cfg.RateLimit,
		RateLimitBurst: cfg.RateLimitBurst,
		Metrics:        metricsHandler,
	})

	go func() {
		log.Printf("AskAnna Controller starting on %s (storage: %s, broker: %s)", addr, cfg.StorageBackend, broker)
		if err := srv.Run(ctx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down controller...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited properly")
}

// openStorage returns the configured object store. The local store is also
// returned as signed, since the controller serves its presigned URLs.
func openStorage(ctx context.Context, cfg *config.Config) (storage.Backend, *storage.Local, error) {
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
			return nil, nil, err
		}
		return s3, nil, nil
	}
	local := storage.NewLocal(cfg.LocalStorageRoot, cfg.APIURL, cfg.SecretKey)
	return local, local, nil
}
