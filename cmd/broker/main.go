package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"logsub/internal/couchbase"
	"logsub/internal/sub/gateway"
	"logsub/internal/sub/metrics"
	"logsub/internal/sub/tracing"
)

var version = "dev"

type Config struct {
	Namespace         string        `env:"NAMESPACE" envDefault:"default"`
	TopicName         string        `env:"TOPIC_NAME" envDefault:"orders"`
	Partitions        int           `env:"PARTITIONS" envDefault:"1"`
	DataDir           string        `env:"DATA_DIR" envDefault:"./data"`
	FsyncMode         string        `env:"FSYNC_MODE" envDefault:"interval"`
	FsyncInterval     time.Duration `env:"FSYNC_INTERVAL" envDefault:"5ms"`
	AckStore          string        `env:"ACK_STORE" envDefault:"pebble"`
	SnapshotDir       string        `env:"SNAPSHOT_DIR"`
	SnapshotInterval  time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"5m"`
	SnapshotKeep      int           `env:"SNAPSHOT_KEEP" envDefault:"1"`
	PushRetryInterval time.Duration `env:"PUSH_RETRY_INTERVAL" envDefault:"10ms"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`

	Gateway   gateway.ServerConfig
	Metrics   metrics.ServerConfig
	Tracing   tracing.Config
	Couchbase couchbase.Config
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	cmd := &cobra.Command{
		Use:           "broker",
		Short:         "Serve resumable, flow-controlled subscriptions over a partitioned log",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := run(cmd.Context(), cfg, logger); err != nil {
				logger.Error("broker failed", zap.Error(err))
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "log namespace")
	flags.StringVar(&cfg.TopicName, "topic", cfg.TopicName, "topic served by this broker")
	flags.IntVar(&cfg.Partitions, "partitions", cfg.Partitions, "number of partitions")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "pebble data directory")
	flags.StringVar(&cfg.FsyncMode, "fsync", cfg.FsyncMode, "WAL sync mode: always, interval or never")
	flags.StringVar(&cfg.AckStore, "ack-store", cfg.AckStore, "ack store backend: pebble or couchbase")
	flags.StringVar(&cfg.SnapshotDir, "snapshot-dir", cfg.SnapshotDir, "checkpoint directory; empty disables snapshots")
	flags.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "time between checkpoints")
	flags.StringVar(&cfg.Gateway.Addr, "listen", cfg.Gateway.Addr, "gateway listen address")
	flags.IntVar(&cfg.Metrics.Port, "metrics-port", cfg.Metrics.Port, "metrics server port")
	flags.BoolVar(&cfg.Tracing.Enabled, "tracing", cfg.Tracing.Enabled, "export traces over OTLP")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")

	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", level, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
