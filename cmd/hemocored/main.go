// Command hemocored runs the fulfillment engine daemon: it wires the
// persistent store, eligibility matcher, fan-out dispatcher, notification
// sink, background sweeper, and metrics endpoint from a TOML configuration.
package main

import (
	"context"
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
	"go.uber.org/zap/zapcore"

	"hemocore/internal/config"
	"hemocore/internal/core"
	"hemocore/internal/fanout"
	"hemocore/internal/infra/metrics"
	kafkanotify "hemocore/internal/infra/notify/kafka"
	"hemocore/internal/infra/persistence/memory"
	"hemocore/internal/infra/persistence/postgres"
	"hemocore/internal/infra/persistence/sqlite"
	"hemocore/internal/match"
	"hemocore/pkg/domain"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hemocored:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg, loadedFrom, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	if loadedFrom != "" {
		logger.Info("configuration loaded", zap.String("path", loadedFrom))
	} else {
		logger.Info("using default configuration")
	}

	engine := core.DefaultRulesEngine()
	store, closeStore, err := openStore(cfg.Storage, engine)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()
	logger.Info("store opened", zap.String("backend", string(cfg.Storage.Backend)))

	var notifier core.NotificationSink
	if cfg.Notify.BrokerAddress != "" {
		sink := kafkanotify.NewSink(kafkanotify.Config{
			BrokerAddress: cfg.Notify.BrokerAddress,
			Topic:         cfg.Notify.Topic,
		}, logger.Named("notify"))
		defer func() { _ = sink.Close() }()
		notifier = sink
	}

	matcher := match.New(store, match.Config{
		BloodRadiusMeters:  cfg.Matching.BloodRadiusMeters,
		PlasmaRadiusMeters: cfg.Matching.PlasmaRadiusMeters,
		OrganRadiusMeters:  cfg.Matching.OrganRadiusMeters,
		DonorRadiusMeters:  cfg.Matching.DonorRadiusMeters,
		DirectoryTimeout:   cfg.Matching.DirectoryTimeoutDuration(),
		DonorCooldown:      cfg.Matching.DonorCooldown(),
	}, match.WithLogger(logger.Named("match")))

	dispatcher := fanout.New(store, notifier,
		fanout.WithLogger(logger.Named("fanout")),
		fanout.WithConcurrency(cfg.Fanout.Concurrency))

	opts := []core.Option{
		core.WithMatcher(matcher),
		core.WithDispatcher(dispatcher),
		core.WithLogger(logger.Named("core")),
		core.WithDonorCooldown(cfg.Matching.DonorCooldown()),
	}
	if notifier != nil {
		opts = append(opts, core.WithNotificationSink(notifier))
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, core.WithMetricsRecorder(metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)))
	} else {
		// Without the Prometheus endpoint, operation metrics stay reachable
		// through the process expvar surface.
		opts = append(opts, core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("fulfillment")))
	}
	service := core.NewService(store, opts...)

	sweeper := core.NewSweeper(service, cfg.Sweep.SweepInterval(), logger.Named("sweep"))
	sweeper.Start()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
		go func() {
			logger.Info("metrics listening", zap.String("address", cfg.Metrics.ListenAddress))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("sweeper shutdown failed", zap.Error(err))
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

func openStore(cfg config.StorageConfig, engine *domain.RulesEngine) (domain.PersistentStore, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewStore(engine), func() {}, nil
	case config.BackendPostgres:
		store, err := postgres.NewStore(cfg.DSN, engine)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.DB().Close() }, nil
	default:
		store, err := sqlite.NewStore(cfg.Path, engine)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}
