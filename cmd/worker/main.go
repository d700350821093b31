package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yyvfuruta/orderpipe/internal/broker"
	"github.com/yyvfuruta/orderpipe/internal/config"
	"github.com/yyvfuruta/orderpipe/internal/logger"
	"github.com/yyvfuruta/orderpipe/internal/metrics"
	"github.com/yyvfuruta/orderpipe/internal/worker"
)

func main() {
	var dev bool
	flag.BoolVar(&dev, "dev", false, "Enable godotenv")
	flag.Parse()

	logger := logger.New()

	if dev {
		if err := config.LoadDotEnv(); err != nil {
			logger.Error("Error loading .env file", "error", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rabbit, err := broker.Dial(cfg.RabbitMQ, "orderpipe-worker")
	if err != nil {
		return err
	}
	defer rabbit.Close()

	topology := broker.OrderCreatedTopology(cfg.DeadLetterEnabled, cfg.DeliveryLimit)
	if err := rabbit.EnsureTopology(topology); err != nil {
		if errors.Is(err, broker.ErrTopologyConflict) {
			logger.Error("Topology conflicts with existing broker objects, fix the broker configuration", "error", err)
		}
		return err
	}

	ch, err := rabbit.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	w := worker.New(ch, topology.Queue, &handler{logger: logger},
		worker.WithConcurrency(cfg.WorkerConcurrency),
		worker.WithPrefetch(cfg.WorkerPrefetch),
		worker.WithLogger(logger),
		worker.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
	)

	srv := newMetricsServer(cfg.MetricsPort, prometheus.DefaultGatherer, logger)
	metricsErr := make(chan error, 1)
	go func() {
		err := serveMetrics(ctx, srv, logger)
		if err != nil {
			// Without metrics the worker is unobservable; stop consuming too.
			cancel()
		}
		metricsErr <- err
	}()

	runErr := w.Run(ctx)
	cancel()

	return errors.Join(runErr, <-metricsErr)
}
