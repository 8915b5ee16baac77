// Package fulfillment turns a verified payment callback into a committed
// order and, on a best-effort basis, a carrier shipment.
//
// The order commit is the only step whose failure reaches the caller. Cart
// clearing, shipment creation and notifications are logged and counted but
// never undo a paid order.
package fulfillment

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/BearBump/FulfillBox/internal/broker/messages"
	"github.com/BearBump/FulfillBox/internal/cache"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier"
	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxLines       = 50
	maxLineQty     = 100
	defaultRetryIn = 5 * time.Minute
)

type Repository interface {
	CreateOrder(ctx context.Context, o *models.Order) (*models.Order, bool, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	AttachShipment(ctx context.Context, sh *models.ShiprocketOrder, trackingURL string) error
	RecordShipmentFailure(ctx context.Context, orderNumber, reason string, nextAttemptAt time.Time) error
}

type Catalog interface {
	ProductPrices(ctx context.Context, ids []string) (map[string]models.Product, error)
}

type CartClearer interface {
	ClearCart(ctx context.Context, userID string) (int64, error)
}

type Verifier interface {
	Check(providerOrderID, providerPaymentID, signature string) error
}

type Notifier interface {
	OrderPlaced(ctx context.Context, m messages.OrderPlaced)
	ShipmentLinkageMissing(ctx context.Context, m messages.ShipmentLinkageMissing)
}

// Pricing is the server-side price policy applied on top of catalog prices.
type Pricing struct {
	TaxRate           decimal.Decimal
	ShippingFee       decimal.Decimal
	FreeShippingAbove decimal.Decimal
}

// Quote computes tax, shipping and total for a subtotal. Shipping is free
// once the subtotal reaches FreeShippingAbove (when that is positive).
func (p Pricing) Quote(subtotal decimal.Decimal) (tax, shipping, total decimal.Decimal) {
	tax = subtotal.Mul(p.TaxRate).Round(2)
	shipping = p.ShippingFee
	if p.FreeShippingAbove.IsPositive() && subtotal.GreaterThanOrEqual(p.FreeShippingAbove) {
		shipping = decimal.Zero
	}
	total = subtotal.Add(tax).Add(shipping)
	return tax, shipping, total
}

type Options struct {
	Pricing  Pricing
	CacheTTL time.Duration
	// RetryDelay gives the wait before shipment attempt n+1 after n failures.
	RetryDelay func(failures int) time.Duration
	Now        func() time.Time
}

type Service struct {
	repo     Repository
	catalog  Catalog
	carts    CartClearer
	verifier Verifier
	carrier  carrier.Client
	cache    cache.BytesCache
	notifier Notifier
	logger   *zap.Logger
	opts     Options

	linkageMissing atomic.Int64
}

func New(
	repo Repository,
	catalog Catalog,
	carts CartClearer,
	verifier Verifier,
	cc carrier.Client,
	c cache.BytesCache,
	notifier Notifier,
	logger *zap.Logger,
	opts Options,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RetryDelay == nil {
		opts.RetryDelay = func(int) time.Duration { return defaultRetryIn }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:     repo,
		catalog:  catalog,
		carts:    carts,
		verifier: verifier,
		carrier:  cc,
		cache:    c,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
	}
}

type Result struct {
	Order *models.Order
	// Created is false for a replayed callback.
	Created bool
}

// LinkageMissing counts orders committed without a carrier shipment.
func (s *Service) LinkageMissing() int64 {
	return s.linkageMissing.Load()
}

// FulfillAfterPayment verifies cb, commits the order once per provider
// payment id and tries to book the shipment.
func (s *Service) FulfillAfterPayment(ctx context.Context, cb models.PaymentCallback) (*Result, error) {
	if err := s.verifier.Check(cb.ProviderOrderID, cb.ProviderPaymentID, cb.ProviderSignature); err != nil {
		s.logger.Warn("payment callback rejected",
			zap.String("provider_order_id", cb.ProviderOrderID),
			zap.String("provider_payment_id", cb.ProviderPaymentID),
		)
		return nil, err
	}
	if err := validateCallback(cb); err != nil {
		return nil, err
	}

	items, err := s.reprice(ctx, cb.Items)
	if err != nil {
		return nil, err
	}

	now := s.opts.Now().UTC()
	order := &models.Order{
		ID:                uuid.New(),
		OrderNumber:       newOrderNumber(now),
		UserID:            cb.UserID,
		Items:             items,
		PaymentMethod:     cb.PaymentMethod,
		PaymentStatus:     models.PaymentStatusPaid,
		Status:            models.OrderStatusConfirmed,
		ProviderOrderID:   cb.ProviderOrderID,
		ProviderPaymentID: cb.ProviderPaymentID,
		ProviderSignature: cb.ProviderSignature,
		ShippingAddress:   cb.ShippingAddress,
	}
	order.Subtotal = order.ItemsTotal()
	order.Tax, order.Shipping, order.Total = s.opts.Pricing.Quote(order.Subtotal)

	stored, created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return nil, errors.Wrap(err, "persist order")
	}
	if !created {
		s.logger.Info("payment callback replayed",
			zap.String("order_number", stored.OrderNumber),
			zap.String("provider_payment_id", cb.ProviderPaymentID),
		)
		return &Result{Order: stored}, nil
	}
	s.logger.Info("order committed",
		zap.String("order_number", stored.OrderNumber),
		zap.String("user_id", stored.UserID),
		zap.String("total", stored.Total.StringFixed(2)),
		zap.String("payment_method", string(stored.PaymentMethod)),
	)

	if s.carts != nil {
		if n, err := s.carts.ClearCart(ctx, stored.UserID); err != nil {
			s.logger.Warn("clear cart", zap.String("user_id", stored.UserID), zap.Error(err))
		} else {
			s.logger.Debug("cart cleared", zap.String("user_id", stored.UserID), zap.Int64("lines", n))
		}
	}

	_ = s.createShipment(ctx, stored)

	if s.notifier != nil {
		s.notifier.OrderPlaced(ctx, orderPlaced(stored))
	}
	return &Result{Order: stored, Created: true}, nil
}

// RetryShipment books the carrier shipment for an order that still lacks
// one. An already linked order is returned unchanged.
func (s *Service) RetryShipment(ctx context.Context, orderNumber string) (*models.Order, error) {
	o, err := s.repo.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if o.HasShipmentLinkage() {
		return o, nil
	}
	if o.PaymentStatus != models.PaymentStatusPaid {
		return nil, &apperr.ValidationError{Field: "payment_status", Msg: "order is not paid"}
	}
	if err := s.createShipment(ctx, o); err != nil {
		return o, err
	}
	return o, nil
}

// Order reads the order projection through the cache.
func (s *Service) Order(ctx context.Context, orderNumber string) (*models.Order, error) {
	key := cache.OrderKey(orderNumber)
	useCache := s.cache != nil && s.opts.CacheTTL > 0

	if useCache {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var o models.Order
			if json.Unmarshal(b, &o) == nil {
				return &o, nil
			}
		}
	}

	o, err := s.repo.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if useCache {
		if b, err := json.Marshal(o); err == nil {
			if err := s.cache.Set(ctx, key, b, s.opts.CacheTTL); err != nil {
				s.logger.Debug("cache order", zap.String("order_number", orderNumber), zap.Error(err))
			}
		}
	}
	return o, nil
}

// createShipment books o with the carrier and links it. On failure the
// order stays as committed and the failure is recorded for the sweep.
func (s *Service) createShipment(ctx context.Context, o *models.Order) error {
	subTotal := o.ItemsTotal()
	res, err := s.carrier.CreateOrder(ctx, carrier.CreateOrderRequest{
		OrderNumber:   o.OrderNumber,
		OrderDate:     o.CreatedAt,
		PaymentMethod: o.PaymentMethod,
		Billing:       o.ShippingAddress,
		Items:         o.Items,
		SubTotal:      subTotal,
		ShippingFee:   o.Shipping,
	})
	if err != nil {
		s.recordLinkageMissing(ctx, o, err)
		return err
	}

	sh := &models.ShiprocketOrder{
		OrderID:        o.OrderNumber,
		CarrierOrderID: res.CarrierOrderID,
		ShipmentID:     res.ShipmentID,
		AWBCode:        res.AWBCode,
		Status:         models.ShipmentStatusNew,
		PaymentMethod:  o.PaymentMethod,
		SubTotal:       subTotal,
	}
	if res.Status.IsValid() {
		sh.ApplyStatus(res.Status, s.opts.Now().UTC())
	}
	sh.NormalizeCOD()

	if err := s.repo.AttachShipment(ctx, sh, res.TrackingURL); err != nil {
		err = errors.Wrap(err, "attach shipment")
		s.logger.Error("carrier accepted order but linkage was not stored",
			zap.String("order_number", o.OrderNumber),
			zap.Int64("shipment_id", res.ShipmentID),
			zap.String("awb", res.AWBCode),
			zap.Error(err),
		)
		s.recordLinkageMissing(ctx, o, err)
		return err
	}

	o.ShipmentID = &sh.ShipmentID
	o.OrderCreatedOnCarrier = true
	if sh.AWBCode != "" {
		awb := sh.AWBCode
		o.AWBCode = &awb
	}
	if res.TrackingURL != "" {
		u := res.TrackingURL
		o.TrackingURL = &u
	}
	if o.Status.Advances(models.OrderStatusProcessing) {
		o.Status = models.OrderStatusProcessing
	}
	s.invalidate(ctx, o.OrderNumber)

	s.logger.Info("shipment linked",
		zap.String("order_number", o.OrderNumber),
		zap.Int64("shipment_id", sh.ShipmentID),
		zap.String("awb", sh.AWBCode),
		zap.String("cod_amount", sh.CODAmount.StringFixed(2)),
	)
	return nil
}

func (s *Service) recordLinkageMissing(ctx context.Context, o *models.Order, cause error) {
	s.linkageMissing.Add(1)
	attempt := o.ShipmentAttempts + 1
	kind := apperr.Kind(cause)

	fields := []zap.Field{
		zap.String("order_number", o.OrderNumber),
		zap.Int("attempt", attempt),
		zap.String("kind", kind),
		zap.Error(cause),
	}
	var pe *apperr.PermissionError
	if errors.As(cause, &pe) {
		fields = append(fields, zap.String("remediation", pe.Remediation))
	}
	s.logger.Error("shipment_linkage_missing", fields...)

	next := s.opts.Now().UTC().Add(s.opts.RetryDelay(attempt))
	if err := s.repo.RecordShipmentFailure(ctx, o.OrderNumber, cause.Error(), next); err != nil {
		s.logger.Error("record shipment failure", zap.String("order_number", o.OrderNumber), zap.Error(err))
	} else {
		o.ShipmentAttempts = attempt
		msg := cause.Error()
		o.ShipmentLastError = &msg
		o.NextShipmentAttemptAt = &next
	}

	if s.notifier != nil {
		s.notifier.ShipmentLinkageMissing(ctx, messages.ShipmentLinkageMissing{
			OrderNumber: o.OrderNumber,
			Attempt:     attempt,
			Kind:        kind,
			Reason:      cause.Error(),
			At:          s.opts.Now().UTC(),
		})
	}
}

func (s *Service) invalidate(ctx context.Context, orderNumber string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.OrderKey(orderNumber)); err != nil {
		s.logger.Warn("invalidate order cache", zap.String("order_number", orderNumber), zap.Error(err))
	}
}

// reprice prices every line from the catalog. Lines for the same product are
// merged; each line is already bounded by maxLineQty and there are at most
// maxLines of them, so the merged sum cannot overflow.
func (s *Service) reprice(ctx context.Context, lines []models.CartItem) ([]models.OrderItem, error) {
	qty := make(map[string]int, len(lines))
	order := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, seen := qty[l.ProductID]; !seen {
			order = append(order, l.ProductID)
		}
		qty[l.ProductID] += l.Quantity
	}

	prices, err := s.catalog.ProductPrices(ctx, order)
	if err != nil {
		return nil, errors.Wrap(err, "load product prices")
	}

	items := make([]models.OrderItem, 0, len(order))
	for _, id := range order {
		p, ok := prices[id]
		if !ok {
			return nil, &apperr.ValidationError{Field: "items", Msg: "unknown product " + id}
		}
		if qty[id] > maxLineQty {
			return nil, &apperr.ValidationError{Field: "items", Msg: "quantity too large for " + id}
		}
		items = append(items, models.OrderItem{
			ProductID: p.ID,
			SKU:       p.SKU,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  qty[id],
		})
	}
	return items, nil
}

func validateCallback(cb models.PaymentCallback) error {
	switch {
	case strings.TrimSpace(cb.UserID) == "":
		return &apperr.ValidationError{Field: "user_id", Msg: "is required"}
	case !cb.PaymentMethod.IsValid():
		return &apperr.ValidationError{Field: "payment_method", Msg: "must be prepaid or cod"}
	case len(cb.Items) == 0:
		return &apperr.ValidationError{Field: "items", Msg: "must not be empty"}
	case len(cb.Items) > maxLines:
		return &apperr.ValidationError{Field: "items", Msg: "too many lines"}
	}
	for _, it := range cb.Items {
		if it.ProductID == "" {
			return &apperr.ValidationError{Field: "items.product_id", Msg: "is required"}
		}
		if it.Quantity <= 0 {
			return &apperr.ValidationError{Field: "items.quantity", Msg: "must be positive"}
		}
		if it.Quantity > maxLineQty {
			return &apperr.ValidationError{Field: "items.quantity", Msg: "too large"}
		}
	}

	a := cb.ShippingAddress
	for _, f := range []struct{ name, v string }{
		{"shipping_address.name", a.Name},
		{"shipping_address.phone", a.Phone},
		{"shipping_address.line1", a.Line1},
		{"shipping_address.city", a.City},
		{"shipping_address.state", a.State},
		{"shipping_address.postal_code", a.PostalCode},
		{"shipping_address.country", a.Country},
	} {
		if strings.TrimSpace(f.v) == "" {
			return &apperr.ValidationError{Field: f.name, Msg: "is required"}
		}
	}
	return nil
}

// newOrderNumber renders FB-<yyyymmdd>-<8 hex>.
func newOrderNumber(now time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "FB-" + now.Format("20060102") + "-" + id[:8]
}

func orderPlaced(o *models.Order) messages.OrderPlaced {
	m := messages.OrderPlaced{
		OrderNumber:    o.OrderNumber,
		UserID:         o.UserID,
		CustomerName:   o.ShippingAddress.Name,
		CustomerEmail:  o.ShippingAddress.Email,
		PaymentMethod:  string(o.PaymentMethod),
		Total:          o.Total.StringFixed(2),
		PlacedAt:       o.CreatedAt,
		ShipmentLinked: o.HasShipmentLinkage(),
	}
	if o.AWBCode != nil {
		m.AWBCode = *o.AWBCode
	}
	if o.TrackingURL != nil {
		m.TrackingURL = *o.TrackingURL
	}
	for _, it := range o.Items {
		m.Items = append(m.Items, messages.OrderLine{
			SKU:       it.SKU,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
		})
	}
	return m
}
