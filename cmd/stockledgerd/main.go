// Command stockledgerd serves the inventory ledger and allocation engine over HTTP.
package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stockledger/internal/adapters/httpapi"
	"stockledger/internal/blob"
	"stockledger/internal/config"
	"stockledger/internal/core"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, nil); err != nil {
		fmt.Fprintf(os.Stderr, "stockledgerd: %v\n", err)
		os.Exit(1)
	}
}

// run boots the daemon and blocks until ctx is cancelled or the listener
// fails. When ready is not nil it receives the bound address.
func run(ctx context.Context, args []string, stdout io.Writer, ready chan<- string) error {
	fs := flag.NewFlagSet("stockledgerd", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	level, _ := cfg.LogLevel()
	logger := cfg.NewLogger(stdout)

	store, closeStore, err := core.OpenPersistentStore(ctx, cfg.StorageConfig(), nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	opts := append(cfg.ServiceOptions(),
		core.WithLogger(logger),
		core.WithAuditRecorder(core.NewLogAuditRecorder(logger)),
	)
	if level <= slog.LevelDebug {
		opts = append(opts, core.WithTracer(core.NewJSONTracer(stdout)))
	}
	var metricsHandler http.Handler
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		switch cfg.Metrics.Backend {
		case config.MetricsExpvar:
			opts = append(opts, core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("stockledger")))
			metricsHandler = expvar.Handler()
		default:
			registry = prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			recorder, err := core.NewPrometheusMetricsRecorder(registry)
			if err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}
			opts = append(opts, core.WithMetricsRecorder(recorder))
			metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
		}
	}
	svc := core.NewService(store, opts...)
	if registry != nil {
		if err := registry.Register(core.NewStockCollector(svc)); err != nil {
			return fmt.Errorf("register stock collector: %w", err)
		}
	}

	report, err := svc.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover pending allocations: %w", err)
	}
	logger.Info("startup recovery complete",
		"finalized", report.Count(core.RecoveryFinalized),
		"compensated", report.Count(core.RecoveryCompensated),
		"skipped", report.Count(core.RecoverySkipped))

	archive, err := blob.Open(ctx, cfg.BlobConfig())
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	if level > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(svc, httpapi.Options{
		Archive:     archive,
		Metrics:     metricsHandler,
		MetricsPath: cfg.Metrics.Path,
		Logger:      logger,
	})
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("http listen", "addr", ln.Addr().String(), "storage", cfg.Storage.Driver, "archive", archive.Driver())
	if ready != nil {
		ready <- ln.Addr().String()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("service stopped")
	return nil
}
