package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"logsub/internal/sub"
	"logsub/internal/sub/gateway"
)

type Config struct {
	GatewayURL            string        `env:"GATEWAY_URL" envDefault:"ws://localhost:7070/ws"`
	TopicName             string        `env:"TOPIC_NAME" envDefault:"orders"`
	Partitions            int           `env:"PARTITIONS" envDefault:"1"`
	Subscribers           int           `env:"SUBSCRIBERS" envDefault:"4"`
	PrefetchCapacity      int32         `env:"PREFETCH_CAPACITY" envDefault:"32"`
	EventCount            int           `env:"EVENT_COUNT" envDefault:"100"`
	PublishRounds         int           `env:"PUBLISH_ROUNDS" envDefault:"1"`
	PublishInterval       time.Duration `env:"PUBLISH_INTERVAL" envDefault:"1s"`
	ConsumerMaxEmptyCount int           `env:"CONSUMER_MAX_EMPTY_COUNT" envDefault:"20"`
	ConsumerTick          time.Duration `env:"CONSUMER_TICK" envDefault:"100ms"`
	LogLevel              string        `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var published, received atomic.Int64
	now := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	for i := range cfg.Subscribers {
		name := fmt.Sprintf("e2e-%s", uuid.NewString()[:8])
		partition := int32(i % max(cfg.Partitions, 1))
		g.Go(func() error {
			return consume(gctx, logger.With(zap.String("subscription", name)), cfg, partition, name, &received)
		})
	}

	// subscriptions start at the tail, give them a moment to open
	time.Sleep(500 * time.Millisecond)
	g.Go(func() error {
		return publish(gctx, logger, cfg, &published)
	})

	if err := g.Wait(); err != nil {
		logger.Error("e2e run failed", zap.Error(err))
	}

	logger.Info("test complete",
		zap.Int64("published", published.Load()),
		zap.Int64("received", received.Load()),
		zap.Duration("elapsed", time.Since(now)))
}

func publish(ctx context.Context, logger *zap.Logger, cfg Config, published *atomic.Int64) error {
	c, err := gateway.Dial(ctx, cfg.GatewayURL)
	if err != nil {
		return err
	}
	defer c.Close()

	var failed atomic.Int64
	go func() {
		for f := range c.Frames() {
			if f.Kind == sub.FrameError {
				failed.Add(1)
				logger.Warn("publish rejected", zap.String("error", f.Error))
			}
		}
	}()

	ticker := time.NewTicker(cfg.PublishInterval)
	defer ticker.Stop()
	rounds := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for i, e := range events(cfg.EventCount) {
				value, err := json.Marshal(e)
				if err != nil {
					return err
				}
				if _, err := c.Publish(cfg.TopicName, nil, int64(i), "ORDER", "CREATED", value); err != nil {
					return fmt.Errorf("failed to publish events: %w", err)
				}
				published.Add(1)
			}
			rounds++
			logger.Info("published round", zap.Int("round", rounds), zap.Int("events", cfg.EventCount))
			if rounds >= cfg.PublishRounds {
				logger.Info("publish rounds complete, stopping producer", zap.Int64("rejected", failed.Load()))
				return nil
			}
		}
	}
}

// consume acks every record it receives and stops after maxEmpty idle ticks.
func consume(ctx context.Context, logger *zap.Logger, cfg Config, partition int32, name string, received *atomic.Int64) error {
	c, err := gateway.Dial(ctx, cfg.GatewayURL)
	if err != nil {
		return err
	}
	defer c.Close()

	rec := sub.NewSubscriberRecord(cfg.TopicName, partition, name)
	rec.PrefetchCapacity = cfg.PrefetchCapacity
	if _, err := c.Subscribe(partition, rec); err != nil {
		return err
	}

	var empty, count int
	tick := time.NewTicker(cfg.ConsumerTick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-c.Frames():
			if !ok {
				return fmt.Errorf("subscription %s: connection closed: %w", name, c.Err())
			}
			switch f.Kind {
			case sub.FrameError:
				return fmt.Errorf("subscription %s: %s", name, f.Error)
			case sub.FrameRecord:
				empty = 0
				count++
				received.Add(1)
				if _, err := c.Ack(cfg.TopicName, partition, name, f.Position); err != nil {
					return err
				}
			}
		case <-tick.C:
			empty++
			if empty >= cfg.ConsumerMaxEmptyCount {
				logger.Info("no records within max empty count, stopping consumer", zap.Int("received", count))
				return nil
			}
		}
	}
}

type order struct {
	OrderID    string  `json:"order_id"`
	CustomerID string  `json:"customer_id"`
	ProductID  string  `json:"product_id"`
	Amount     float64 `json:"amount"`
	Timestamp  string  `json:"timestamp"`
}

func events(count int) []order {
	customers := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	products := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "10"}
	events := make([]order, 0, count)

	for i := range count {
		events = append(events, order{
			OrderID:    fmt.Sprintf("ORD-%04d", i+1),
			CustomerID: customers[rand.Intn(len(customers))],
			ProductID:  products[rand.Intn(len(products))],
			Amount:     10.0 + rand.Float64()*990.0,
			Timestamp:  time.Now().Format(time.RFC3339),
		})
	}
	return events
}
