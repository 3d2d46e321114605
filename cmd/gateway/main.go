// Package main is the entry point for the BleepStore S3-compatible
// gateway: an HTTP server backed by a PostgreSQL metadata catalog and an
// S3-compatible backing store, with a background worker draining the
// garbage-collection queues the two leave behind.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/gc"
	"github.com/bleepstore/bleepstore/internal/logging"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/metrics"
	"github.com/bleepstore/bleepstore/internal/server"
	"github.com/bleepstore/bleepstore/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.API.Port = *port
	}
	if *host != "" {
		cfg.API.Host = *host
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx := context.Background()

	metaStore, err := metadata.NewPostgresStore(ctx, cfg.DB.ConnString())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to metadata database: %v\n", err)
		os.Exit(1)
	}
	defer metaStore.Close()

	backing, err := storage.NewAWSGatewayBackend(ctx, cfg.API.Region, cfg.Storage.EndpointURL(),
		true, cfg.Storage.AccessKey, cfg.Storage.SecretKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize backing store client: %v\n", err)
		os.Exit(1)
	}

	placement := storage.NewPlacement(cfg.API.Region, cfg.Storage.Bucket)

	srv, err := server.New(cfg, metaStore, backing, placement)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	if cfg.Observability.Metrics {
		metrics.Register()
		prometheus.MustRegister(gc.Collectors()...)
	}

	worker := gc.NewWorker(metaStore, backing,
		gc.WithInterval(time.Duration(cfg.GC.IntervalSeconds)*time.Second),
		gc.WithBatchSize(cfg.GC.BatchSize))
	worker.Start(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		log.Printf("BleepStore listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)

		shutdownTimeout := time.Duration(cfg.API.ShutdownTimeout) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		worker.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		log.Printf("Server stopped.")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}
