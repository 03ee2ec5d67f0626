// Package cmd wires the ingest command tree: run (HTTP server), version,
// and eval (offline flag evaluation for debugging).
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/posthog/capture-flags/internal/obslog"
	"github.com/posthog/capture-flags/pkg/capture/config"
	"github.com/posthog/capture-flags/pkg/capture/httpapi"
	kafkasink "github.com/posthog/capture-flags/pkg/capture/sink/kafka"
	"github.com/posthog/capture-flags/pkg/clock"
	"github.com/posthog/capture-flags/pkg/health"
	"github.com/posthog/capture-flags/pkg/quota"
	"github.com/posthog/capture-flags/pkg/teamcache"
	"github.com/posthog/capture-flags/pkg/teamstore"
)

// serverConfig binds the §6 environment variables, composing each
// dependency's own Config struct rather than flattening them into one.
type serverConfig struct {
	Addr            string        `env:"INGEST_ADDR" envDefault:":8000"`
	RedisURL        string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	KafkaConfigPath string        `env:"KAFKA_CONFIG_PATH,required"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT_SECS" envDefault:"10s"`

	TeamStore teamstore.Config
	Log       obslog.Config
}

// IngestCommand builds the root `ingest` command.
func IngestCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ingest",
		Short: "Edge ingestion and feature-flag evaluation service",
	}

	root.AddCommand(runCommand())
	root.AddCommand(initVersion())
	root.AddCommand(evalCommand())
	return root
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the capture and flags HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	var cfg serverConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger, err := obslog.New(cfg.Log)
	if err != nil {
		return err
	}

	kafkaRaw, err := os.ReadFile(cfg.KafkaConfigPath)
	if err != nil {
		return fmt.Errorf("read kafka config: %w", err)
	}
	kafkaCfg, err := kafkasink.ParseConfig(kafkaRaw)
	if err != nil {
		return fmt.Errorf("parse kafka config: %w", err)
	}

	store, err := teamstore.Open(ctx, cfg.TeamStore)
	if err != nil {
		return fmt.Errorf("open team store: %w", err)
	}
	defer store.Close()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	clk := clock.Real{}
	teams := teamcache.New(rdb, store, clk, teamcache.Config{})
	billing := quota.RedisBillingChecker{Client: rdb}
	partitioner := quota.NewPartitionLimiter(1000, 2000, clk)

	sink, err := kafkasink.New(*kafkaCfg, logger, partitioner)
	if err != nil {
		return fmt.Errorf("build kafka sink: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := httpapi.NewMetrics(reg)

	hc := health.New(clk)
	hc.Register("teamstore", 30*time.Second)
	hc.Register("kafka_sink", 30*time.Second)
	hc.Beat("teamstore")
	hc.Beat("kafka_sink")

	captureHandler := &httpapi.CaptureHandler{
		Teams:   teams,
		Billing: billing,
		Sink:    sink,
		Clock:   clk,
		Log:     logger,
		Metrics: metrics,
	}
	flagsHandler := &httpapi.FlagsHandler{
		Teams:   teams,
		Store:   store,
		Billing: billing,
		Config:  config.RedisReader{Client: rdb},
		Log:     logger,
		Metrics: metrics,
	}

	mux := http.NewServeMux()
	mux.Handle("/e", captureHandler)
	mux.Handle("/e/", captureHandler)
	mux.Handle("/capture", captureHandler)
	mux.Handle("/capture/", captureHandler)
	mux.Handle("/batch", captureHandler)
	mux.Handle("/batch/", captureHandler)
	mux.Handle("/engage", captureHandler)
	mux.Handle("/engage/", captureHandler)
	mux.Handle("/track", captureHandler)
	mux.Handle("/i/v0/e", captureHandler)
	mux.Handle("/flags", flagsHandler)
	mux.Handle("/flags/", flagsHandler)
	mux.Handle("/decide", flagsHandler)
	mux.Handle("/decide/", flagsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/_health", func(w http.ResponseWriter, _ *http.Request) {
		if !hc.Live() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(hc.Report())
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return sink.Close(shutdownCtx)
}
