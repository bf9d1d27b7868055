// Package main is the entry point for the askanna beat.
// The beat publishes the periodic tasks of a deployment.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"askanna/internal/config"
	"askanna/internal/dispatch"
	"askanna/internal/logger"
	"askanna/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: askanna.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg := logger.New(cfg.LogLevel)
	slog.SetDefault(lg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := cfg.Broker()
	if err != nil {
		log.Fatalf("Invalid broker: %v", err)
	}

	var publisher dispatch.Publisher
	switch broker {
	case config.BrokerAMQP:
		amqp, err := dispatch.DialAMQP(ctx, dispatch.AMQPOptions{URL: cfg.BrokerURL, MaxRetries: cfg.TaskMaxRetries}, lg)
		if err != nil {
			log.Fatalf("Failed to connect to broker: %v", err)
		}
		defer amqp.Close()
		publisher = amqp
	default:
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		defer db.Close()
		db.SetMaxRetries(cfg.TaskMaxRetries)
		publisher = dispatch.NewQueuePublisher(db)
	}

	beat, err := dispatch.NewBeat(publisher, dispatch.DefaultSchedule(), lg)
	if err != nil {
		log.Fatalf("Failed to create beat: %v", err)
	}

	log.Printf("Beat started with %d periodic tasks (broker: %s)", beat.Entries(), broker)
	if err := beat.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Beat stopped: %v", err)
	}
	log.Println("Beat exited properly")
}
