// The controller binary runs the quantum-network control plane: it answers
// agent registrations, routes entanglement requests, schedules experiment
// and calibration runs, and persists monitoring events.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/quantnet-project/quantnet-controller/internal/config"
	"github.com/quantnet-project/quantnet-controller/internal/controller"
	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/internal/observability"
	"github.com/quantnet-project/quantnet-controller/internal/store"
)

// Exit codes: 0 on an orderly shutdown, 3 when startup fails before the
// controller is serving.
const exitStartupFailure = 3

func main() {
	configPath := flag.String("config", "", "Path to the controller YAML configuration")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(ctx, "loading configuration failed", logging.Err(err))
		os.Exit(exitStartupFailure)
	}

	collector, err := observability.NewControllerCollector(nil)
	if err != nil {
		log.Error(ctx, "initialising metrics collector failed", logging.Err(err))
		os.Exit(exitStartupFailure)
	}
	metricsSrv := serveMetrics(*metricsAddr, collector, log)

	st, err := store.Open(cfg.Database.Default)
	if err != nil {
		log.Error(ctx, "opening document store failed", logging.Err(err))
		os.Exit(exitStartupFailure)
	}

	tr, err := controller.ConnectTransport(cfg, log)
	if err != nil {
		log.Error(ctx, "connecting broker failed", logging.Err(err))
		os.Exit(exitStartupFailure)
	}

	c, err := controller.New(ctx, cfg, log, st, tr, collector)
	if err != nil {
		log.Error(ctx, "assembling controller failed", logging.Err(err))
		os.Exit(exitStartupFailure)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := c.Run(runCtx); err != nil {
		log.Error(ctx, "controller exited", logging.Err(err))
		os.Exit(exitStartupFailure)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

func serveMetrics(addr string, collector *observability.ControllerCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
