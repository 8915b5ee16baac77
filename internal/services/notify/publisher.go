// Package notify fans domain events out to Kafka and turns OrderPlaced
// events into customer emails.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/BearBump/FulfillBox/internal/broker/messages"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type jsonProducer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type PublisherOptions struct {
	Timeout    time.Duration
	MaxRetries uint64
	// Sync publishes on the caller's goroutine.
	Sync bool
}

// Publisher is fire-and-forget: publish failures are retried with backoff,
// then logged and dropped. It never blocks the request that produced the
// event unless Sync is set.
type Publisher struct {
	producer jsonProducer
	logger   *zap.Logger
	opts     PublisherOptions
	wg       sync.WaitGroup
}

// NewPublisher builds a Publisher. A nil producer only logs the events.
func NewPublisher(p jsonProducer, logger *zap.Logger, opts PublisherOptions) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &Publisher{producer: p, logger: logger, opts: opts}
}

func (p *Publisher) OrderPlaced(ctx context.Context, m messages.OrderPlaced) {
	p.publish(ctx, messages.TopicOrderPlaced, m.OrderNumber, m)
}

func (p *Publisher) ShipmentUpdated(ctx context.Context, m messages.ShipmentUpdated) {
	p.publish(ctx, messages.TopicShipmentUpdated, m.OrderNumber, m)
}

func (p *Publisher) ShipmentLinkageMissing(ctx context.Context, m messages.ShipmentLinkageMissing) {
	p.publish(ctx, messages.TopicShipmentLinkageMissing, m.OrderNumber, m)
}

// Wait blocks until in-flight publishes finish.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) publish(ctx context.Context, topic, key string, v any) {
	if p.producer == nil {
		p.logger.Info("event", zap.String("topic", topic), zap.String("key", key), zap.Any("payload", v))
		return
	}
	// Detach from the request so a finished handler does not cancel delivery.
	ctx = context.WithoutCancel(ctx)
	if p.opts.Sync {
		p.send(ctx, topic, key, v)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.send(ctx, topic, key, v)
	}()
}

func (p *Publisher) send(ctx context.Context, topic, key string, v any) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.opts.MaxRetries), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return p.producer.PublishJSON(ctx, topic, key, v)
	}, b)
	if err != nil {
		p.logger.Error("publish event dropped",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
}
