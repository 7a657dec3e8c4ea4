package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hlandau/parazap/config"
	"github.com/hlandau/parazap/internal/logger"
)

// loadConfig loads the configuration and initializes the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, err
	}

	if err := InitLogger(cfg); err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	return cfg, nil
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if _, err := os.Stat(config.GetDefaultConfigPath()); err == nil {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// newRegistry returns a registry with the Go and process collectors, and
// starts serving it on /metrics when metrics are enabled. The server stops
// when ctx is done.
func newRegistry(ctx context.Context, cfg config.MetricsConfig) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	if !cfg.Enabled {
		return reg
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Metrics enabled", logger.KeyListen, cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", logger.KeyError, err)
		}
	}()

	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})

	return reg
}
