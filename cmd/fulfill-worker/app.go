package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/BearBump/FulfillBox/config"
	"github.com/BearBump/FulfillBox/internal/bootstrap"
	"github.com/BearBump/FulfillBox/internal/broker/kafka"
	"github.com/BearBump/FulfillBox/internal/broker/messages"
	"github.com/BearBump/FulfillBox/internal/cache"
	"github.com/BearBump/FulfillBox/internal/cache/rediscache"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier"
	"github.com/BearBump/FulfillBox/internal/payment"
	"github.com/BearBump/FulfillBox/internal/services/fulfillment"
	"github.com/BearBump/FulfillBox/internal/services/notify"
	"github.com/BearBump/FulfillBox/internal/services/reconciler"
	"github.com/BearBump/FulfillBox/internal/services/shipments"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// workerStore is everything the sweep touches in postgres.
type workerStore interface {
	reconciler.Repository
	fulfillment.Repository
	fulfillment.Catalog
	fulfillment.CartClearer
	shipments.Repository
}

type eventProducer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type notificationConsumer interface {
	Consume(ctx context.Context, handler kafka.Handler) error
	Close() error
}

type workerFactories struct {
	newStorage       func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repo workerStore, closeFn func(), err error)
	newProducer      func(cfg *config.Config) (eventProducer, func())
	newConsumer      func(cfg *config.Config) notificationConsumer
	newRateLimiter   func(cfg *config.Config) cache.Limiter
	newCache         func(cfg *config.Config) cache.BytesCache
	newCarrierClient func(cfg *config.Config, logger *zap.Logger) carrier.Client
}

func redisOptions(cfg *config.Config) rediscache.Options {
	return rediscache.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB}
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (workerStore, func(), error) {
			st, err := bootstrap.OpenPostgres(ctx, cfg.Database.ConnString(), 60*time.Second, logger)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) (eventProducer, func()) {
			brokers := cfg.Kafka.Brokers()
			if len(brokers) == 0 {
				return nil, func() {}
			}
			p := kafka.NewProducer(brokers)
			return p, func() { _ = p.Close() }
		},
		newConsumer: func(cfg *config.Config) notificationConsumer {
			brokers := cfg.Kafka.Brokers()
			if len(brokers) == 0 {
				return nil
			}
			group := cfg.Worker.ConsumerGroup
			if group == "" {
				group = "fulfill-worker-notify"
			}
			return kafka.NewConsumer(brokers, messages.TopicOrderPlaced, group)
		},
		newRateLimiter: func(cfg *config.Config) cache.Limiter {
			return rediscache.NewRateLimiter(redisOptions(cfg))
		},
		newCache: func(cfg *config.Config) cache.BytesCache {
			return rediscache.New(redisOptions(cfg))
		},
		newCarrierClient: bootstrap.NewCarrier,
	}
}

type workerSettings struct {
	pollInterval time.Duration
	batchSize    int
	concurrency  int
	lease        time.Duration
	rlPerMin     int64
	orderGrace   time.Duration
}

func settingsFromConfig(w config.WorkerConfig) workerSettings {
	s := workerSettings{
		pollInterval: time.Duration(w.PollIntervalSeconds) * time.Second,
		batchSize:    w.BatchSize,
		concurrency:  w.Concurrency,
		lease:        time.Duration(w.LeaseSeconds) * time.Second,
		rlPerMin:     int64(w.RateLimitPerMinute),
		orderGrace:   time.Duration(w.OrderGraceSeconds) * time.Second,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Second
	}
	if s.batchSize <= 0 {
		s.batchSize = 50
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	if s.lease <= 0 {
		s.lease = 120 * time.Second
	}
	if s.rlPerMin <= 0 {
		s.rlPerMin = 60
	}
	if s.orderGrace <= 0 {
		s.orderGrace = 2 * time.Minute
	}
	return s
}

// RunFulfillWorker runs the reconciliation sweep, the OrderPlaced email
// consumer and, when swaggerPath is set, the ops HTTP server until ctx ends.
func RunFulfillWorker(ctx context.Context, cfg *config.Config, f workerFactories, logger *zap.Logger, httpOpts workerHTTPOpts) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := settingsFromConfig(cfg.Worker)

	repo, closeFn, err := f.newStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer, closeProducer := f.newProducer(cfg)
	defer closeProducer()
	pub := notify.NewPublisher(producer, logger, notify.PublisherOptions{})
	defer pub.Wait()

	rl := f.newRateLimiter(cfg)
	c := f.newCache(cfg)
	cc := f.newCarrierClient(cfg, logger)
	planner := bootstrap.NewPlanner(cfg.Worker)

	pricing, err := bootstrap.Pricing(cfg.Pricing)
	if err != nil {
		return err
	}
	orders := fulfillment.New(repo, repo, repo, payment.NewVerifier(cfg.Payment.KeySecret), cc, c, pub, logger, fulfillment.Options{
		Pricing:    pricing,
		CacheTTL:   time.Duration(cfg.FulfillBox.OrderCacheTTLSeconds) * time.Second,
		RetryDelay: planner.BackoffDelay,
	})
	ship := shipments.New(repo, cc, rl, c, pub, logger, shipments.Options{Scheduler: planner})

	rec := reconciler.New(repo, orders, ship, cc, rl, logger).
		WithSettings(s.pollInterval, s.batchSize, s.concurrency, s.lease, s.rlPerMin).
		WithOrderGrace(s.orderGrace).
		WithPlanner(planner)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("reconciler started",
			zap.Duration("poll_interval", s.pollInterval),
			zap.Int("batch_size", s.batchSize),
			zap.Int("concurrency", s.concurrency),
		)
		return rec.Run(gctx)
	})

	if consumer := f.newConsumer(cfg); consumer != nil {
		defer func() { _ = consumer.Close() }()
		d := notify.NewDispatcher(notify.LogSender{Logger: logger}, logger)
		g.Go(func() error {
			logger.Info("notification consumer started", zap.String("topic", messages.TopicOrderPlaced))
			if err := consumer.Consume(gctx, d.Handle); err != nil && gctx.Err() == nil {
				// Emails are best effort; the sweep keeps running.
				logger.Error("notification consumer stopped", zap.Error(err))
			}
			return nil
		})
	} else {
		logger.Warn("kafka not configured, order emails disabled")
	}

	if httpOpts.swaggerPath != "" {
		httpOpts.reconciler = rec
		httpOpts.linkageMissing = orders.LinkageMissing
		httpOpts.cfg = cfg
		g.Go(func() error {
			err := runWorkerHTTPServer(gctx, httpOpts)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}
