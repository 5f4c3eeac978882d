// collector accepts telemetry events over HTTP (and optionally MQTT and a
// TCP line protocol), queues them on a durable topic and writes them to the
// ingestion table from a background worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"nsready/internal/api"
	"nsready/internal/config"
	"nsready/internal/ingest"
	"nsready/internal/logging"
	"nsready/internal/metrics"
	"nsready/internal/queue"
	"nsready/internal/rejects"
	"nsready/internal/storage"
	"nsready/internal/worker"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		watchConfig time.Duration
		initSchema  bool
	)
	flags := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", os.Getenv("COLLECTOR_CONFIG"), "path to a YAML or JSON config file (environment only when empty)")
	flags.DurationVar(&watchConfig, "watch-config", 3*time.Second, "poll interval for config file changes, 0 to disable")
	flags.BoolVar(&initSchema, "init-schema", true, "create the ingestion table if it does not exist")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	manager, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg := manager.Get()

	logger, level := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting collector", "queue_driver", cfg.Queue.Driver, "db_driver", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if manager.Path() != "" && watchConfig > 0 {
		go manager.Watch(watchConfig, func(next *config.Config) {
			level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("config reloaded", "path", manager.Path(), "log_level", next.LogLevel)
		}, func(err error) {
			logger.Warn("config reload failed", "path", manager.Path(), "err", err)
		}, ctx.Done())
	}

	store, err := storage.NewStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	if err := storage.Connect(ctx, store, cfg.Queue.MaxRetries, cfg.Queue.RetryDelay, initSchema, logger); err != nil {
		logger.Error("database healthcheck failed", "err", err)
		return err
	}
	logger.Info("database connection verified", "driver", cfg.Database.Driver)

	client, err := queue.New(cfg.Queue, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx, cfg.Queue.MaxRetries, cfg.Queue.RetryDelay); err != nil {
		logger.Error("failed to connect to queue", "err", err)
		return err
	}
	defer client.Disconnect()

	m := metrics.New(cfg.Metrics.RateWindow)
	rejected := rejects.NewLog(cfg.Rejects.StoreLimit)

	var w *worker.Worker
	if cfg.Worker.Enabled {
		w = worker.New(client, store, m, rejected, cfg.Worker, logger)
		if err := w.Start(ctx); err != nil {
			return err
		}
	} else {
		logger.Info("worker disabled")
	}

	svc := ingest.NewService(client, m, logger)
	server := api.NewServer(ingest.NewHTTPHandler(svc, cfg.HTTP.MaxBodyBytes, logger), store, client, m, rejected, logger)
	listener, err := api.Start(ctx, cfg.HTTP, server.Routes(), logger)
	if err != nil {
		return fmt.Errorf("start api: %w", err)
	}

	if cfg.MQTT.Enabled {
		bridge := ingest.NewMQTTBridge(svc, cfg.MQTT, logger)
		if err := bridge.Start(ctx); err != nil {
			logger.Error("mqtt ingest unavailable", "broker", cfg.MQTT.Broker, "err", err)
		}
	}
	var tcp *ingest.TCPStream
	if cfg.TCPStream.Enabled {
		tcp = ingest.NewTCPStream(svc, logger)
		if err := tcp.Start(ctx, cfg.TCPStream.Addr); err != nil {
			logger.Error("tcp stream ingest unavailable", "addr", cfg.TCPStream.Addr, "err", err)
			tcp = nil
		}
	}

	go reportQueueDepth(ctx, client, m)

	<-ctx.Done()
	logger.Info("shutting down collector")
	<-listener.Done()
	if tcp != nil {
		tcp.Wait()
	}
	if w != nil {
		w.Stop()
	}
	logger.Info("collector stopped")
	return nil
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return config.NewStaticManager(cfg), nil
	}
	manager, err := config.NewManager(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return manager, nil
}

// reportQueueDepth keeps the depth gauge fresh between health checks.
func reportQueueDepth(ctx context.Context, client *queue.Client, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetQueueDepth(client.QueueDepth(ctx))
		}
	}
}
