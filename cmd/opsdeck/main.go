/*
 * cmd/opsdeck/main.go
 *
 * Composition root for the realtime cluster dashboard backend. Wires the
 * cluster client, state aggregator, broadcast hub and operational HTTP API
 * together and runs the server until interrupted.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/opsdeck/opsdeck/internal/aggregate"
	"github.com/opsdeck/opsdeck/internal/broadcast"
	"github.com/opsdeck/opsdeck/internal/cluster"
	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/httpapi"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/metrics"
	"github.com/opsdeck/opsdeck/internal/services"
	"github.com/opsdeck/opsdeck/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr      = flag.String("listen", ":8080", "address for the HTTP server")
		kubeconfig      = flag.String("kubeconfig", "", "path to a kubeconfig file (empty for in-cluster)")
		kubeContext     = flag.String("context", "", "kubeconfig context to use")
		namespace       = flag.String("namespace", "", "namespace to watch (empty for all)")
		definitionsPath = flag.String("definitions", "", "path to a service definitions YAML file")
		enableMetrics   = flag.Bool("metrics", false, "poll node metrics from the metrics API")
	)
	klog.InitFlags(nil)
	flag.Parse()

	logger := logging.NewBuffer(config.LogBufferMaxEntries)
	recorder := telemetry.NewRecorder()

	restConfig, err := cluster.BuildRestConfig(*kubeconfig, *kubeContext)
	if err != nil {
		return fmt.Errorf("failed to build cluster config: %v", err)
	}
	clientset, err := cluster.NewClientset(restConfig)
	if err != nil {
		return fmt.Errorf("failed to create cluster client: %v", err)
	}
	lister := cluster.NewClient(clientset, *namespace)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Service definitions: file-backed and hot-reloaded when a path is
	// given, compiled-in defaults otherwise.
	store := services.NewStore(services.Defaults())
	var watcher *services.Watcher
	if *definitionsPath != "" {
		defs, err := services.Load(*definitionsPath)
		if err != nil {
			return fmt.Errorf("failed to load service definitions: %v", err)
		}
		store.Replace(defs)
		watcher, err = services.NewWatcher(*definitionsPath, store, logger)
		if err != nil {
			return fmt.Errorf("failed to watch service definitions: %v", err)
		}
		defer watcher.Close()
	}

	var provider metrics.Provider
	if *enableMetrics {
		metricsClient, err := cluster.NewMetricsClientset(restConfig)
		if err != nil {
			return fmt.Errorf("failed to create metrics client: %v", err)
		}
		poller := metrics.NewPoller(metricsClient, config.MetricsPollInterval, logger)
		go poller.Run(ctx)
		provider = poller
	}

	hub := broadcast.NewHub(logger, recorder)
	aggregator, err := aggregate.New(aggregate.Config{
		Lister:      lister,
		Broadcaster: hub,
		Definitions: store.Definitions,
		Metrics:     provider,
		Interval:    config.AggregateTickInterval,
		Logger:      logger,
		Telemetry:   recorder,
	})
	if err != nil {
		return fmt.Errorf("failed to build aggregator: %v", err)
	}
	hub.SetRunner(aggregator)

	stream, err := broadcast.NewHandler(hub, logger)
	if err != nil {
		return fmt.Errorf("failed to build stream handler: %v", err)
	}

	mux := http.NewServeMux()
	api := httpapi.NewServer(stream, hub, aggregator, store, logger, recorder)
	api.Register(mux)

	server := &http.Server{
		Addr:    *listenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("listening on %s", *listenAddr), "Server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %v", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "Server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(fmt.Sprintf("shutdown incomplete: %v", err), "Server")
	}
	hub.Shutdown()
	return nil
}
