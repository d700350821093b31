package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyvfuruta/orderpipe/internal/logger"
	"github.com/yyvfuruta/orderpipe/internal/metrics"
)

func TestMetricsRoutesExposeDeliveries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Delivery(metrics.DeliveryAcked)
	m.Delivery(metrics.DeliveryPoison)

	rr := httptest.NewRecorder()
	metricsRoutes(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `orderpipe_deliveries_total{result="acked"} 1`)
	assert.Contains(t, rr.Body.String(), `orderpipe_deliveries_total{result="poison"} 1`)
}

func TestMetricsRoutesHealthz(t *testing.T) {
	rr := httptest.NewRecorder()
	metricsRoutes(prometheus.NewRegistry()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServeMetricsShutsDownOnCancel(t *testing.T) {
	srv := newMetricsServer("0", prometheus.NewRegistry(), logger.NewWithWriter(io.Discard, "info"))
	srv.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serveMetrics(ctx, srv, logger.NewWithWriter(io.Discard, "info")) }()

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestServeMetricsListenError(t *testing.T) {
	srv := newMetricsServer("0", prometheus.NewRegistry(), logger.NewWithWriter(io.Discard, "info"))
	srv.Addr = "127.0.0.1:-1"

	err := serveMetrics(context.Background(), srv, logger.NewWithWriter(io.Discard, "info"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics server")
}
