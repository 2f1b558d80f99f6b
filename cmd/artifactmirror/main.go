// Package main implements the artifactmirror command-line tool: a caching
// forward proxy for Maven-style artifact repositories.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/artifactmirror/artifactmirror/internal/bridge"
	"github.com/artifactmirror/artifactmirror/internal/config"
	"github.com/artifactmirror/artifactmirror/internal/fetch"
	"github.com/artifactmirror/artifactmirror/internal/httpserver"
	"github.com/artifactmirror/artifactmirror/internal/metrics"
	"github.com/artifactmirror/artifactmirror/internal/negcache"
	"github.com/artifactmirror/artifactmirror/internal/race"
	"github.com/artifactmirror/artifactmirror/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "artifactmirror",
	Short: "Caching forward proxy for Maven-style artifact repositories",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy server",
	Run:   runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("artifactmirror %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := newStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to create store", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}

	neg := negcache.New(cfg.FailedPathCacheTTL())
	coordinator := race.New(backend, neg, fetch.NewClient(), os.TempDir())
	proxyBridge := bridge.New(coordinator, cfg.Upstreams, cfg.CoalesceMisses)

	handler := httpserver.New(&httpserver.Handler{
		Store:  backend,
		Neg:    neg,
		Bridge: proxyBridge,
	})

	h2s := &http2.Server{}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h2c.NewHandler(handler, h2s),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	if pinger, ok := backend.(store.Pinger); ok {
		metricsMux.Handle("/healthz", &metrics.HealthHandler{Store: pinger})
	}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		slog.Info("starting server", "addr", cfg.ListenAddr, "backend", cfg.StorageBackend, "upstreams", cfg.Upstreams)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	go func() {
		slog.Info("starting metrics server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	slog.Info("shutdown complete")
}

func newStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StorageBackend {
	case "fs":
		return store.NewFSStore(cfg.StoreRoot), nil
	case "s3":
		return store.NewS3Store(ctx, cfg.S3Bucket)
	case "minio":
		return store.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccess, cfg.MinioSecret, cfg.MinioBucket)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.StorageBackend)
	}
}
