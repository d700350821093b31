package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yyvfuruta/orderpipe/internal/broker"
	"github.com/yyvfuruta/orderpipe/internal/config"
	"github.com/yyvfuruta/orderpipe/internal/logger"
	"github.com/yyvfuruta/orderpipe/internal/metrics"
)

type application struct {
	cfg       config.Config
	logger    *slog.Logger
	publisher orderPublisher
	ready     func() bool
	gatherer  prometheus.Gatherer

	// outcomes tracks goroutines still waiting for a publish verdict.
	outcomes sync.WaitGroup
}

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
		logger.Error("API stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rabbit, err := broker.Dial(cfg.RabbitMQ, "orderpipe-api")
	if err != nil {
		return err
	}
	defer rabbit.Close()

	topology := broker.OrderCreatedTopology(cfg.DeadLetterEnabled, cfg.DeliveryLimit)
	if err := rabbit.EnsureTopology(topology); err != nil {
		return err
	}

	publisher, err := rabbit.NewPublisher(topology,
		broker.WithConfirmTimeout(cfg.ConfirmTimeout),
		broker.WithLogger(logger),
		broker.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return err
	}
	defer publisher.Close()

	app := &application{
		cfg:       cfg,
		logger:    logger,
		publisher: brokerPublisher{publisher},
		ready:     func() bool { return !rabbit.IsClosed() },
		gatherer:  prometheus.DefaultGatherer,
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.APIPort),
		Handler:           app.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	connClosed := rabbit.NotifyClose()
	shutdownErr := make(chan error, 1)
	go func() {
		var cause error
		select {
		case <-ctx.Done():
			logger.Info("Shutting down API")
		case amqpErr := <-connClosed:
			cause = fmt.Errorf("%w: %v", broker.ErrConnectionClosed, amqpErr)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr <- errors.Join(cause, srv.Shutdown(shutdownCtx))
	}()

	logger.Info("API starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	err = <-shutdownErr

	// Accepted orders get their verdict logged before teardown.
	app.outcomes.Wait()
	if err != nil {
		return err
	}

	logger.Info("API stopped")
	return nil
}
