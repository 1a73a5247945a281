package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/couchbase/gocb/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"logsub/internal/couchbase"
	pebblestore "logsub/internal/storage/pebble"
	"logsub/internal/sub"
	"logsub/internal/sub/ackstore"
	"logsub/internal/sub/gateway"
	"logsub/internal/sub/manager"
	"logsub/internal/sub/metrics"
	"logsub/internal/sub/partition"
	"logsub/internal/sub/tracing"
)

const (
	ackStorePebble    = "pebble"
	ackStoreCouchbase = "couchbase"
)

func run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if cfg.Partitions < 1 {
		return fmt.Errorf("invalid partition count %d", cfg.Partitions)
	}
	fsync, err := pebblestore.ParseFsyncMode(cfg.FsyncMode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	registry.SetSystemInfo(version, uuid.NewString())
	metricsServer := metrics.NewServer(cfg.Metrics, registry, logger)

	tracer, cleanup, err := newTracer(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := cleanup(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", zap.Error(err))
		}
	}()

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.DataDir,
		Fsync:         fsync,
		FsyncInterval: cfg.FsyncInterval,
		Metrics:       registry,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close pebble", zap.Error(err))
		}
	}()

	stores, closeStores, err := newAckStores(cfg, db, registry, tracer)
	if err != nil {
		return err
	}
	defer closeStores()

	hub := gateway.NewHub(cfg.Gateway.SendBuffer, logger, gateway.WithConnectionObserver(registry.UpdateConnections))
	transport := gateway.NewMetricsTransport(hub, registry)

	partitions := make([]*partition.Partition, cfg.Partitions)
	served := make([]sub.Partition, cfg.Partitions)
	for i := range partitions {
		p, err := partition.New(partition.Config{
			Namespace:         cfg.Namespace,
			Topic:             cfg.TopicName,
			ID:                int32(i),
			PushRetryInterval: cfg.PushRetryInterval,
		}, db, stores[i], transport, logger, manager.WithRecorder(registry))
		if err != nil {
			return err
		}
		if err := p.Recover(ctx); err != nil {
			return fmt.Errorf("failed to recover partition %d: %w", i, err)
		}
		partitions[i] = p
		served[i] = partition.NewTracedPartition(p, tracer)
	}

	server, err := gateway.NewServer(cfg.Gateway, hub, served, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range partitions {
		g.Go(func() error {
			defer p.Close()
			return p.Run(ctx)
		})
	}
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return metricsServer.Start(ctx) })
	if cfg.SnapshotDir != "" {
		snapshotter := &pebblestore.Snapshotter{
			DB:       db,
			Dir:      cfg.SnapshotDir,
			Interval: cfg.SnapshotInterval,
			Keep:     cfg.SnapshotKeep,
			Logger:   logger.Named("snapshot"),
		}
		g.Go(func() error { return snapshotter.Run(ctx) })
	}

	metricsServer.SetReady(true)
	logger.Info("broker started",
		zap.String("topic", cfg.TopicName),
		zap.Int("partitions", cfg.Partitions),
		zap.String("ack_store", cfg.AckStore),
		zap.String("listen", cfg.Gateway.Addr))

	err = g.Wait()
	metricsServer.SetReady(false)
	logger.Info("broker stopped")
	return err
}

func newTracer(cfg tracing.Config) (*tracing.Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		return tracing.NewTracerFromProvider(noop.NewTracerProvider(), cfg.ServiceName), func(context.Context) error { return nil }, nil
	}
	tracer, cleanup, err := tracing.NewTracer(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	return tracer, cleanup, nil
}

// newAckStores builds one decorated ack store per partition.
func newAckStores(
	cfg Config,
	db *pebblestore.DB,
	registry *metrics.Registry,
	tracer *tracing.Tracer,
) ([]sub.AckStore, func(), error) {
	stores := make([]sub.AckStore, cfg.Partitions)
	closeFn := func() {}

	switch cfg.AckStore {
	case ackStorePebble:
		for i := range stores {
			s, err := ackstore.NewPebbleStore(db, cfg.Namespace, cfg.TopicName, uint32(i))
			if err != nil {
				return nil, nil, err
			}
			stores[i] = s
		}
	case ackStoreCouchbase:
		cluster, bucket, err := couchbase.Connect(cfg.Couchbase)
		if err != nil {
			return nil, nil, err
		}
		acks, err := newCouchbaseStores(cfg, cluster, bucket, stores)
		if err != nil {
			_ = cluster.Close(nil)
			return nil, nil, err
		}
		// the document stores share the cluster connection
		closeFn = func() { _ = acks.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown ack store %q", cfg.AckStore)
	}

	traced := tracer.WithStoreSystem(cfg.AckStore)
	for i, s := range stores {
		stores[i] = ackstore.NewTracedStore(ackstore.NewMetricsStore(s, registry), traced, int32(i))
	}
	return stores, closeFn, nil
}

func newCouchbaseStores(
	cfg Config,
	cluster *gocb.Cluster,
	bucket *gocb.Bucket,
	stores []sub.AckStore,
) (*couchbase.Couchbase[ackstore.AckDocument], error) {
	acks, err := ackstore.NewAckDocumentsStore(cluster, bucket, cfg.Couchbase.ScopeName)
	if err != nil {
		return nil, err
	}
	processed, err := ackstore.NewProcessedDocumentsStore(cluster, bucket, cfg.Couchbase.ScopeName)
	if err != nil {
		return nil, err
	}
	transactions, err := couchbase.NewTransactions(cluster)
	if err != nil {
		return nil, err
	}

	for i := range stores {
		s, err := ackstore.NewCouchbaseStore(acks, processed, transactions, cfg.TopicName, int32(i))
		if err != nil {
			return nil, err
		}
		stores[i] = s
	}
	return acks, nil
}
