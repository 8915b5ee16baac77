package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/FulfillBox/config"
	storefrontapi "github.com/BearBump/FulfillBox/internal/api/storefront_api"
	"github.com/BearBump/FulfillBox/internal/bootstrap"
	"github.com/BearBump/FulfillBox/internal/broker/kafka"
	"github.com/BearBump/FulfillBox/internal/cache/rediscache"
	"github.com/BearBump/FulfillBox/internal/payment"
	"github.com/BearBump/FulfillBox/internal/services/fulfillment"
	"github.com/BearBump/FulfillBox/internal/services/notify"
	"github.com/BearBump/FulfillBox/internal/services/shipments"
	"go.uber.org/zap"
)

type storeAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   storeAPIOpts
	api    *storefrontapi.StorefrontAPI
	checks []readinessCheck
	logger *zap.Logger

	// closers run in reverse order.
	closers []func()
}

func mustBootstrapStoreAPI() *storeAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config parse failed: %v", err))
	}
	if cfg.Payment.KeySecret == "" {
		panic("payment.key_secret (or PAYMENT_KEY_SECRET) is required")
	}

	logger, err := bootstrap.NewLogger(cfg.FulfillBox.LogLevel)
	if err != nil {
		panic(err)
	}

	grpcAddr := cfg.FulfillBox.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}
	httpAddr := cfg.FulfillBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	cacheTTL := time.Duration(cfg.FulfillBox.OrderCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	trackPerMin := int64(cfg.FulfillBox.TrackRateLimitPerMinute)
	if trackPerMin <= 0 {
		trackPerMin = 60
	}
	pricing, err := bootstrap.Pricing(cfg.Pricing)
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app := &storeAPIApp{ctx: ctx, cancel: cancel, logger: logger}

	st, err := bootstrap.OpenPostgres(ctx, cfg.Database.ConnString(), 60*time.Second, logger)
	if err != nil {
		panic(err)
	}
	app.closers = append(app.closers, st.Close)
	if err := bootstrap.SeedProducts(ctx, st, cfg.Products); err != nil {
		panic(err)
	}

	redisOpts := rediscache.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	rc := rediscache.New(redisOpts)
	rl := rediscache.NewRateLimiter(redisOpts)
	app.closers = append(app.closers, func() { _ = rc.Close() }, func() { _ = rl.Close() })

	var pub *notify.Publisher
	if brokers := cfg.Kafka.Brokers(); len(brokers) > 0 {
		producer := kafka.NewProducer(brokers)
		app.closers = append(app.closers, func() { _ = producer.Close() })
		pub = notify.NewPublisher(producer, logger, notify.PublisherOptions{})
	} else {
		logger.Warn("kafka not configured, events are only logged")
		pub = notify.NewPublisher(nil, logger, notify.PublisherOptions{})
	}
	// In-flight publishes finish before the producer closes.
	app.closers = append(app.closers, pub.Wait)

	cc := bootstrap.NewCarrier(cfg, logger)
	planner := bootstrap.NewPlanner(cfg.Worker)

	orders := fulfillment.New(st, st, st, payment.NewVerifier(cfg.Payment.KeySecret), cc, rc, pub, logger, fulfillment.Options{
		Pricing:    pricing,
		CacheTTL:   cacheTTL,
		RetryDelay: planner.BackoffDelay,
	})
	shipSvc := shipments.New(st, cc, rl, rc, pub, logger, shipments.Options{
		TrackPerMinute: trackPerMin,
		Scheduler:      planner,
	})

	app.api = storefrontapi.New(orders, shipSvc, cfg.FulfillBox.AdminKeyHash, logger)
	app.checks = []readinessCheck{
		{name: "postgres", check: st.Ping},
		{name: "redis", check: rc.Ping},
	}
	app.opts = storeAPIOpts{
		grpcAddr:    grpcAddr,
		httpAddr:    httpAddr,
		swaggerPath: swaggerPath,
	}
	return app
}

func (a *storeAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *storeAPIApp) Run() error {
	return runStoreAPI(a.ctx, a.opts, a.api, a.checks, a.logger)
}
