// Package reconciler is the background sweep of the fulfill-worker. Each
// cycle it leases paid orders the carrier never accepted and retries their
// shipment, then leases shipments whose tracking poll is due and feeds the
// carrier status into the shipment state machine.
package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/BearBump/FulfillBox/internal/cache"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier"
	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/BearBump/FulfillBox/internal/services/shipments"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Repository interface {
	ClaimUnlinkedOrders(ctx context.Context, now, createdBefore time.Time, limit int, lease time.Duration) ([]*models.Order, error)
	ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.ShiprocketOrder, error)
	RecordPollFailure(ctx context.Context, shipmentID int64, reason string, nextPollAt time.Time) error
}

type ShipmentRetrier interface {
	RetryShipment(ctx context.Context, orderNumber string) (*models.Order, error)
}

type StatusApplier interface {
	Apply(ctx context.Context, sh *models.ShiprocketOrder, res carrier.TrackingResult, source string) (bool, error)
}

type Reconciler struct {
	repo    Repository
	orders  ShipmentRetrier
	applier StatusApplier
	carrier carrier.Client
	rl      cache.Limiter
	logger  *zap.Logger

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	orderGrace         time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	totalDeferred       atomic.Int64
	ordersLinked        atomic.Int64
	shipmentsChanged    atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, orders ShipmentRetrier, applier StatusApplier, cc carrier.Client, rl cache.Limiter, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		repo:               repo,
		orders:             orders,
		applier:            applier,
		carrier:            cc,
		rl:                 rl,
		logger:             logger,
		planner:            DefaultPlanner(),
		pollInterval:       30 * time.Second,
		batchSize:          50,
		concurrency:        4,
		lease:              2 * time.Minute,
		orderGrace:         2 * time.Minute,
		rateLimitPerMinute: 60,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (r *Reconciler) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Reconciler {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if lease > 0 {
		r.lease = lease
	}
	if rlPerMin > 0 {
		r.rateLimitPerMinute = rlPerMin
	}
	return r
}

// WithOrderGrace sets how old an unlinked order must be before the sweep
// touches it; younger ones may still be in the request path.
func (r *Reconciler) WithOrderGrace(d time.Duration) *Reconciler {
	if d >= 0 {
		r.orderGrace = d
	}
	return r
}

func (r *Reconciler) WithPlanner(p *Planner) *Reconciler {
	if p != nil {
		r.planner = p
	}
	return r
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (r *Reconciler) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastCycleAt      *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt    *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed     int64      `json:"totalClaimed"`
	TotalProcessed   int64      `json:"totalProcessed"`
	TotalErrors      int64      `json:"totalErrors"`
	TotalDeferred    int64      `json:"totalDeferred"`
	OrdersLinked     int64      `json:"ordersLinked"`
	ShipmentsChanged int64      `json:"shipmentsChanged"`
	InFlight         int64      `json:"inFlight"`
	LastError        string     `json:"lastError,omitempty"`
}

func (r *Reconciler) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:     r.totalClaimed.Load(),
		TotalProcessed:   r.totalProcessed.Load(),
		TotalErrors:      r.totalErrors.Load(),
		TotalDeferred:    r.totalDeferred.Load(),
		OrdersLinked:     r.ordersLinked.Load(),
		ShipmentsChanged: r.shipmentsChanged.Load(),
		InFlight:         r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.lastCycleUnixNano.Store(now.UnixNano())

	orders, err := r.repo.ClaimUnlinkedOrders(ctx, now, now.Add(-r.orderGrace), r.batchSize, r.lease)
	if err != nil {
		r.fail("claim unlinked orders", err)
	} else {
		r.totalClaimed.Add(int64(len(orders)))
		r.fanOut(len(orders), func(i int) error { return r.processOrder(ctx, orders[i]) })
	}

	due, err := r.repo.ClaimDueShipments(ctx, now, r.batchSize, r.lease)
	if err != nil {
		r.fail("claim due shipments", err)
		return
	}
	r.totalClaimed.Add(int64(len(due)))
	r.fanOut(len(due), func(i int) error { return r.processShipment(ctx, due[i]) })
}

func (r *Reconciler) fanOut(n int, fn func(i int) error) {
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		r.inFlight.Add(1)
		go func(i int) {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := fn(i); err != nil {
				r.fail("reconcile item", err)
			}
			r.totalProcessed.Add(1)
		}(i)
	}
	wg.Wait()
}

func (r *Reconciler) fail(msg string, err error) {
	r.totalErrors.Add(1)
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
	r.logger.Error(msg, zap.String("kind", apperr.Kind(err)), zap.Error(err))
}

// processOrder retries shipment creation. The fulfillment service records
// the failure and the next attempt time itself.
func (r *Reconciler) processOrder(ctx context.Context, o *models.Order) error {
	linked, err := r.orders.RetryShipment(ctx, o.OrderNumber)
	if err != nil {
		return errors.Wrapf(err, "retry shipment for %s (attempt %d)", o.OrderNumber, o.ShipmentAttempts+1)
	}
	if linked != nil && linked.HasShipmentLinkage() {
		r.ordersLinked.Add(1)
		r.logger.Info("unlinked order recovered", zap.String("order_number", o.OrderNumber))
	}
	return nil
}

func (r *Reconciler) processShipment(ctx context.Context, sh *models.ShiprocketOrder) error {
	now := time.Now().UTC()

	if r.rl != nil && r.rateLimitPerMinute > 0 {
		d, err := r.rl.Allow(ctx, cache.TrackLimitKey("worker"), r.rateLimitPerMinute, time.Minute)
		if err != nil {
			r.logger.Warn("track limiter unavailable", zap.Error(err))
		} else if !d.Allowed {
			// The lease taken by the claim doubles as the retry delay.
			r.totalDeferred.Add(1)
			r.logger.Debug("tracking poll deferred", zap.Int64("shipment_id", sh.ShipmentID), zap.Int64("count", d.Count))
			return nil
		}
	}

	res, err := r.carrier.Track(ctx, sh.AWBCode)
	if err != nil {
		delay := r.planner.BackoffDelay(sh.PollFailCount + 1)
		var rl *apperr.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > delay {
			delay = rl.RetryAfter
		}
		if recErr := r.repo.RecordPollFailure(ctx, sh.ShipmentID, err.Error(), now.Add(delay)); recErr != nil {
			r.logger.Error("record poll failure", zap.Int64("shipment_id", sh.ShipmentID), zap.Error(recErr))
		}
		return errors.Wrapf(err, "track shipment %d", sh.ShipmentID)
	}

	changed, err := r.applier.Apply(ctx, sh, res, shipments.SourceReconcile)
	if err != nil {
		return err
	}
	if changed {
		r.shipmentsChanged.Add(1)
	}
	return nil
}
