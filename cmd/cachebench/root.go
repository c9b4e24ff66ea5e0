package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/llxisdsh/objcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	workers     int
	metricsAddr string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "cachebench",
	Short: "Exercise objcache components under concurrent load",
	Long: `cachebench drives the objcache components with many concurrent
workers and reports what they observed: index sizes and resizes, lock mode
transitions and upgrade gaps, query cache hit rates, and interned strings.

With --metrics-addr the run also serves Prometheus metrics.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", runtime.GOMAXPROCS(0), "Number of concurrent workers")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every subcommand needs: a logger and the metrics sinks.
type env struct {
	logger  *objcache.Logger
	basic   *objcache.BasicMetricsCollector
	metrics objcache.MetricsCollector
	stop    func()
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return l, fmt.Errorf("invalid --log-level %q: %w", s, err)
	}
	return l, nil
}

// setup builds the logger and metrics and, if requested, starts the metrics
// server. The returned env.stop shuts the server down.
func setup() (*env, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("--workers must be positive, got %d", workers)
	}
	level, err := parseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	e := &env{
		logger: objcache.NewTextLogger(level),
		basic:  &objcache.BasicMetricsCollector{},
		stop:   func() {},
	}
	e.metrics = e.basic
	if metricsAddr == "" {
		return e, nil
	}

	reg := prometheus.NewRegistry()
	pc, err := objcache.NewPrometheusCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	e.metrics = objcache.MultiMetricsCollector(e.basic, pc)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server failed", "addr", metricsAddr, "error", err)
		}
	}()
	e.logger.Info("serving metrics", "addr", metricsAddr)
	e.stop = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return e, nil
}

// report prints name/value pairs in aligned columns.
func report(title string, kv ...any) {
	fmt.Printf("%s\n", title)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Printf("  %-20s %v\n", fmt.Sprint(kv[i])+":", kv[i+1])
	}
}
