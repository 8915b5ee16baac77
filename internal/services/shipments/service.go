// Package shipments drives the carrier-side lifecycle of a shipment: fresh
// tracking, cancellation and the reconciliation of carrier status into the
// commercial order status.
package shipments

import (
	"context"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/BearBump/FulfillBox/internal/broker/messages"
	"github.com/BearBump/FulfillBox/internal/cache"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier"
	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/BearBump/FulfillBox/internal/storage/pgstore"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	SourceTrack     = "track"
	SourceCancel    = "cancel"
	SourceReconcile = "reconcile"

	defaultPollEvery  = 30 * time.Minute
	defaultTrackLimit = 60
)

type Repository interface {
	GetShipmentByAWB(ctx context.Context, awb string) (*models.ShiprocketOrder, error)
	GetShipmentByShipmentID(ctx context.Context, shipmentID int64) (*models.ShiprocketOrder, error)
	SaveShipmentUpdate(ctx context.Context, upd pgstore.ShipmentUpdate) (bool, error)
	AdvanceOrderStatus(ctx context.Context, orderNumber string, next models.OrderStatus) (bool, error)
	ListShipmentEvents(ctx context.Context, shipmentID int64, limit, offset int) ([]*models.ShipmentEvent, error)
}

type Publisher interface {
	ShipmentUpdated(ctx context.Context, msg messages.ShipmentUpdated)
}

// Scheduler decides when a shipment in status should be polled again.
type Scheduler interface {
	NextPoll(now time.Time, status models.ShipmentStatus) time.Time
}

type fixedSchedule time.Duration

func (f fixedSchedule) NextPoll(now time.Time, _ models.ShipmentStatus) time.Time {
	return now.Add(time.Duration(f))
}

type Options struct {
	// TrackPerMinute caps UI-initiated carrier tracking calls.
	TrackPerMinute int64
	Scheduler      Scheduler
	Now            func() time.Time
}

type Service struct {
	repo      Repository
	carrier   carrier.Client
	limiter   cache.Limiter
	cache     cache.BytesCache
	publisher Publisher
	logger    *zap.Logger

	trackPerMinute int64
	scheduler      Scheduler
	now            func() time.Time
}

func New(repo Repository, cc carrier.Client, limiter cache.Limiter, c cache.BytesCache, pub Publisher, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TrackPerMinute <= 0 {
		opts.TrackPerMinute = defaultTrackLimit
	}
	if opts.Scheduler == nil {
		opts.Scheduler = fixedSchedule(defaultPollEvery)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:           repo,
		carrier:        cc,
		limiter:        limiter,
		cache:          c,
		publisher:      pub,
		logger:         logger,
		trackPerMinute: opts.TrackPerMinute,
		scheduler:      opts.Scheduler,
		now:            opts.Now,
	}
}

// TrackView is the stored shipment after the fresh carrier state was applied.
type TrackView struct {
	Shipment *models.ShiprocketOrder
	Tracking carrier.TrackingResult
	Changed  bool
}

// Track fetches fresh tracking for awb and applies it when the status moved.
func (s *Service) Track(ctx context.Context, awb string) (*TrackView, error) {
	if awb == "" {
		return nil, &apperr.ValidationError{Field: "awb", Msg: "is required"}
	}
	sh, err := s.repo.GetShipmentByAWB(ctx, awb)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx); err != nil {
		return nil, err
	}

	res, err := s.carrier.Track(ctx, awb)
	if err != nil {
		return nil, errors.Wrapf(err, "track %s", awb)
	}
	changed, err := s.Apply(ctx, sh, res, SourceTrack)
	if err != nil {
		return nil, err
	}
	return &TrackView{Shipment: sh, Tracking: res, Changed: changed}, nil
}

// admit spends one slot of the shared carrier tracking budget. A broken
// limiter lets the call through.
func (s *Service) admit(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	d, err := s.limiter.Allow(ctx, cache.TrackLimitKey("ui"), s.trackPerMinute, time.Minute)
	if err != nil {
		s.logger.Warn("track limiter unavailable", zap.Error(err))
		return nil
	}
	if !d.Allowed {
		return &apperr.RateLimitedError{RetryAfter: d.RetryAfter}
	}
	return nil
}

// Apply feeds one carrier observation into the state machine, persists it and
// moves the order forward. It reports whether the shipment changed.
func (s *Service) Apply(ctx context.Context, sh *models.ShiprocketOrder, res carrier.TrackingResult, source string) (bool, error) {
	now := s.now().UTC()
	prev := sh.Status

	if prev.IsTerminal() && res.Status != prev {
		s.logger.Info("ignoring status for terminal shipment",
			zap.Int64("shipment_id", sh.ShipmentID),
			zap.String("status", string(prev)),
			zap.String("incoming", string(res.Status)),
			zap.String("source", source),
		)
		return false, nil
	}

	at := now
	if res.StatusAt != nil {
		at = *res.StatusAt
	}
	changed := false
	if res.Status.IsValid() {
		changed = sh.ApplyStatus(res.Status, at)
	}
	if len(res.Payload) > 0 {
		sh.LastTrackingPayload = res.Payload
	}
	for _, e := range res.Events {
		e.ShipmentID = sh.ShipmentID
	}

	next := s.scheduler.NextPoll(now, sh.Status)
	saved, err := s.repo.SaveShipmentUpdate(ctx, pgstore.ShipmentUpdate{
		Shipment:   sh,
		Events:     res.Events,
		NextPollAt: next,
	})
	if err != nil {
		return false, errors.Wrapf(err, "save shipment %d", sh.ShipmentID)
	}
	if !saved {
		// A concurrent writer moved the row to a terminal state first.
		s.logger.Info("shipment update lost to terminal state",
			zap.Int64("shipment_id", sh.ShipmentID),
			zap.String("incoming", string(res.Status)),
		)
		return false, nil
	}
	sh.NextPollAt = next

	s.reconcileOrder(ctx, sh)

	if changed {
		s.logger.Info("shipment status applied",
			zap.Int64("shipment_id", sh.ShipmentID),
			zap.String("order_number", sh.OrderID),
			zap.String("from", string(prev)),
			zap.String("to", string(sh.Status)),
			zap.String("source", source),
		)
		if s.publisher != nil {
			s.publisher.ShipmentUpdated(ctx, messages.ShipmentUpdated{
				OrderNumber: sh.OrderID,
				ShipmentID:  sh.ShipmentID,
				AWBCode:     sh.AWBCode,
				PrevStatus:  string(prev),
				Status:      string(sh.Status),
				StatusRaw:   res.StatusRaw,
				StatusAt:    res.StatusAt,
				Source:      source,
				CheckedAt:   now,
			})
		}
	}
	return changed, nil
}

// reconcileOrder pushes the commercial status forward. Failures are logged;
// the next observation retries.
func (s *Service) reconcileOrder(ctx context.Context, sh *models.ShiprocketOrder) {
	if target, ok := sh.Status.OrderStatus(); ok {
		moved, err := s.repo.AdvanceOrderStatus(ctx, sh.OrderID, target)
		if err != nil {
			s.logger.Error("advance order status",
				zap.String("order_number", sh.OrderID),
				zap.String("target", string(target)),
				zap.Error(err),
			)
		} else if moved {
			s.logger.Info("order status advanced",
				zap.String("order_number", sh.OrderID),
				zap.String("status", string(target)),
			)
		}
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, cache.OrderKey(sh.OrderID)); err != nil {
			s.logger.Warn("invalidate order cache", zap.String("order_number", sh.OrderID), zap.Error(err))
		}
	}
}

// Cancel asks the carrier to cancel the shipment and records CANCELLED.
func (s *Service) Cancel(ctx context.Context, shipmentID int64, comment string) (*models.ShiprocketOrder, error) {
	if shipmentID <= 0 {
		return nil, &apperr.ValidationError{Field: "shipment_id", Msg: "must be positive"}
	}
	sh, err := s.repo.GetShipmentByShipmentID(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if !sh.Status.Cancellable() {
		return nil, &apperr.PolicyError{Action: "cancel", Status: string(sh.Status)}
	}
	if sh.AWBCode == "" {
		return nil, &apperr.ValidationError{Field: "awb", Msg: "shipment has no waybill yet"}
	}

	if err := s.carrier.Cancel(ctx, []string{sh.AWBCode}); err != nil {
		return nil, errors.Wrapf(err, "cancel shipment %d", shipmentID)
	}
	s.logger.Info("shipment cancelled on carrier",
		zap.Int64("shipment_id", shipmentID),
		zap.String("awb", sh.AWBCode),
		zap.String("comment", comment),
	)

	now := s.now().UTC()
	if _, err := s.Apply(ctx, sh, carrier.TrackingResult{
		Status:    models.ShipmentStatusCancelled,
		StatusRaw: "CANCELLED",
		StatusAt:  &now,
	}, SourceCancel); err != nil {
		return nil, err
	}
	return sh, nil
}

func (s *Service) Events(ctx context.Context, shipmentID int64, limit, offset int) ([]*models.ShipmentEvent, error) {
	return s.repo.ListShipmentEvents(ctx, shipmentID, limit, offset)
}
