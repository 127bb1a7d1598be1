package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mbiondo/logfanout/core"

	// Import plugins for auto-registration
	_ "github.com/mbiondo/logfanout/plugins/filter/attribute"
	_ "github.com/mbiondo/logfanout/plugins/filter/category"
	_ "github.com/mbiondo/logfanout/plugins/filter/rate_limit"
	_ "github.com/mbiondo/logfanout/plugins/filter/regex"
	_ "github.com/mbiondo/logfanout/plugins/source/kafka"
	_ "github.com/mbiondo/logfanout/plugins/source/tail"
	_ "github.com/mbiondo/logfanout/plugins/target/console"
	_ "github.com/mbiondo/logfanout/plugins/target/elasticsearch"
	_ "github.com/mbiondo/logfanout/plugins/target/file"
	_ "github.com/mbiondo/logfanout/plugins/target/kafka"
	_ "github.com/mbiondo/logfanout/plugins/target/loki"
	_ "github.com/mbiondo/logfanout/plugins/target/prometheus"
	_ "github.com/mbiondo/logfanout/plugins/target/redis"
	_ "github.com/mbiondo/logfanout/plugins/target/slack"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Command line flags
	configFile := flag.String("config", "", "Path to configuration file (YAML)")
	flag.Parse()

	os.Exit(run(*configFile))
}

func run(configFile string) int {
	// Load configuration
	config := core.DefaultConfig()
	if configFile != "" {
		loaded, err := core.LoadConfig(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file: %v\n", err)
			return 1
		}
		config = loaded
	}

	logger, err := core.NewLogger(config.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()
	core.SetLogger(logger)

	if configFile != "" {
		logger.Info("loaded configuration", zap.String("file", configFile))
	} else {
		logger.Info("using default configuration")
	}

	var metrics *core.Metrics
	if config.Metrics.Enabled {
		metrics, err = core.NewMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			logger.Error("error registering metrics", zap.Error(err))
			return 1
		}
	}

	// Targets that fail to link are completed before this returns
	manager := core.NewLogManager(core.WithMetrics(metrics))
	targets, err := manager.ConfigureTargets(config, core.WithMetrics(metrics))
	if err != nil {
		logger.Error("error configuring targets", zap.Error(err))
		return 1
	}

	var server *http.Server
	if config.Metrics.Enabled {
		server = startHTTPServer(config.Metrics.Address, manager, logger)
	}

	sources, err := core.BuildSources(config, manager)
	if err != nil {
		logger.Error("error building sources", zap.Error(err))
		return shutdown(manager, nil, server, logger)
	}
	started := make([]core.InputPlugin, 0, len(sources))
	for i, source := range sources {
		if err := source.Start(); err != nil {
			logger.Error("error starting source", zap.String("source", config.Sources[i].Name), zap.Error(err))
			return shutdown(manager, started, server, logger)
		}
		started = append(started, source)
	}

	// Filters of linked targets follow the config file
	if configFile != "" {
		watcher, err := core.NewConfigWatcher(configFile, func(cfg *core.Config) {
			if err := manager.ReloadFilters(cfg); err != nil {
				logger.Error("filter reload failed", zap.Error(err))
				return
			}
			logger.Info("filters reloaded")
		})
		if err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	logger.Info("logfanout started", zap.Int("targets", len(targets)), zap.Int("sources", len(started)))

	// Wait for shutdown signal or a pipeline fault
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-manager.Done():
		logger.Warn("log manager stopped unexpectedly")
	}

	return shutdown(manager, started, server, logger)
}

// shutdown stops sources first so nothing is logged after completion
func shutdown(manager *core.LogManager, sources []core.InputPlugin, server *http.Server, logger *zap.Logger) int {
	for _, source := range sources {
		if err := source.Stop(); err != nil {
			logger.Warn("error stopping source", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	code := 0
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error("pipeline did not complete cleanly", zap.Error(err))
		code = 1
	}
	if dropped := manager.Dropped(); dropped > 0 {
		logger.Warn("entries dropped", zap.Uint64("count", dropped))
	}

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("error stopping http server", zap.Error(err))
		}
	}

	logger.Info("logfanout shutdown complete")
	return code
}

func startHTTPServer(addr string, manager *core.LogManager, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := manager.Health(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status != core.HealthHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	return server
}
