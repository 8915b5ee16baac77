package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const orderColumns = `
  id::text, order_number, user_id, items,
  subtotal::text, tax::text, shipping::text, total::text,
  payment_method, payment_status, status,
  provider_order_id, provider_payment_id, provider_signature,
  shipping_address,
  shipment_id, awb_code, tracking_url, order_created_on_carrier,
  shipment_attempts, shipment_last_error, next_shipment_attempt_at,
  created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		o                                  models.Order
		id                                 string
		items, addr                        []byte
		subtotal, tax, shipping, total     string
		paymentMethod, paymentStatus, stat string
	)
	if err := row.Scan(
		&id, &o.OrderNumber, &o.UserID, &items,
		&subtotal, &tax, &shipping, &total,
		&paymentMethod, &paymentStatus, &stat,
		&o.ProviderOrderID, &o.ProviderPaymentID, &o.ProviderSignature,
		&addr,
		&o.ShipmentID, &o.AWBCode, &o.TrackingURL, &o.OrderCreatedOnCarrier,
		&o.ShipmentAttempts, &o.ShipmentLastError, &o.NextShipmentAttemptAt,
		&o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if o.ID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse order id")
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, errors.Wrap(err, "decode order items")
	}
	if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
		return nil, errors.Wrap(err, "decode shipping address")
	}
	for _, m := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.Subtotal, subtotal}, {&o.Tax, tax}, {&o.Shipping, shipping}, {&o.Total, total}} {
		if *m.dst, err = decimal.NewFromString(m.src); err != nil {
			return nil, errors.Wrap(err, "parse amount")
		}
	}
	o.PaymentMethod = models.PaymentMethod(paymentMethod)
	o.PaymentStatus = models.PaymentStatus(paymentStatus)
	o.Status = models.OrderStatus(stat)
	return &o, nil
}

// CreateOrder stores o once per provider payment id. A replay of an already
// recorded payment returns the stored order and created=false.
func (s *Storage) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, bool, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, false, errors.Wrap(err, "encode items")
	}
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return nil, false, errors.Wrap(err, "encode shipping address")
	}
	now := time.Now().UTC()

	tag, err := s.db.Exec(ctx, `
INSERT INTO orders (
  id, order_number, user_id, items,
  subtotal, tax, shipping, total,
  payment_method, payment_status, status,
  provider_order_id, provider_payment_id, provider_signature,
  shipping_address, created_at, updated_at
)
VALUES ($1::uuid,$2,$3,$4,$5::numeric,$6::numeric,$7::numeric,$8::numeric,$9,$10,$11,$12,$13,$14,$15,$16,$16)
ON CONFLICT (provider_payment_id) DO NOTHING
`,
		o.ID.String(), o.OrderNumber, o.UserID, items,
		o.Subtotal.String(), o.Tax.String(), o.Shipping.String(), o.Total.String(),
		string(o.PaymentMethod), string(o.PaymentStatus), string(o.Status),
		o.ProviderOrderID, o.ProviderPaymentID, o.ProviderSignature,
		addr, now,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "insert order")
	}

	stored, err := s.GetOrderByPaymentID(ctx, o.ProviderPaymentID)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *Storage) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, orderNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &apperr.NotFoundError{Resource: "order", ID: orderNumber}
	}
	return o, errors.Wrap(err, "select order")
}

func (s *Storage) GetOrderByPaymentID(ctx context.Context, providerPaymentID string) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE provider_payment_id = $1`, providerPaymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &apperr.NotFoundError{Resource: "payment", ID: providerPaymentID}
	}
	return o, errors.Wrap(err, "select order by payment")
}

// AttachShipment records the carrier shipment and links it to its order in
// one transaction. The order moves to processing unless it is already past
// that point.
func (s *Storage) AttachShipment(ctx context.Context, sh *models.ShiprocketOrder, trackingURL string) error {
	sh.NormalizeCOD()
	now := time.Now().UTC()
	if sh.NextPollAt.IsZero() {
		sh.NextPollAt = now
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE orders
SET
  shipment_id = $2,
  awb_code = NULLIF($3, ''),
  tracking_url = NULLIF($4, ''),
  order_created_on_carrier = TRUE,
  status = CASE WHEN status IN ('pending', 'confirmed') THEN 'processing' ELSE status END,
  shipment_last_error = NULL,
  next_shipment_attempt_at = NULL,
  updated_at = $5
WHERE order_number = $1
`, sh.OrderID, sh.ShipmentID, sh.AWBCode, trackingURL, now)
	if err != nil {
		return errors.Wrap(err, "link order")
	}
	if tag.RowsAffected() == 0 {
		return &apperr.NotFoundError{Resource: "order", ID: sh.OrderID}
	}

	var payload []byte
	if len(sh.LastTrackingPayload) > 0 {
		payload = sh.LastTrackingPayload
	}
	err = tx.QueryRow(ctx, `
INSERT INTO shiprocket_orders (
  order_id, carrier_order_id, shipment_id, awb_code, status,
  pickup_scheduled_date, shipped_date, delivered_date, cancelled_date, returned_date,
  payment_method, sub_total, cod_amount, last_tracking_payload,
  next_poll_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::numeric,$13::numeric,$14,$15,$16,$16)
ON CONFLICT (shipment_id) DO UPDATE SET updated_at = shiprocket_orders.updated_at
RETURNING id, created_at, updated_at
`,
		sh.OrderID, sh.CarrierOrderID, sh.ShipmentID, sh.AWBCode, string(sh.Status),
		sh.PickupScheduledDate, sh.ShippedDate, sh.DeliveredDate, sh.CancelledDate, sh.ReturnedDate,
		string(sh.PaymentMethod), sh.SubTotal.String(), sh.CODAmount.String(), payload,
		sh.NextPollAt.UTC(), now,
	).Scan(&sh.ID, &sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "insert shipment")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// AdvanceOrderStatus moves the order to next only when that goes forward.
// It reports whether the row changed.
func (s *Storage) AdvanceOrderStatus(ctx context.Context, orderNumber string, next models.OrderStatus) (bool, error) {
	var lower []string
	for _, st := range models.OrderStatuses {
		if st.Advances(next) {
			lower = append(lower, string(st))
		}
	}
	if len(lower) == 0 {
		return false, nil
	}
	tag, err := s.db.Exec(ctx, `
UPDATE orders SET status = $2, updated_at = now()
WHERE order_number = $1 AND status = ANY($3)
`, orderNumber, string(next), lower)
	if err != nil {
		return false, errors.Wrap(err, "advance order status")
	}
	return tag.RowsAffected() == 1, nil
}

// RecordShipmentFailure counts a failed carrier order creation and schedules
// the next attempt.
func (s *Storage) RecordShipmentFailure(ctx context.Context, orderNumber, reason string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE orders
SET
  shipment_attempts = shipment_attempts + 1,
  shipment_last_error = $2,
  next_shipment_attempt_at = $3,
  updated_at = now()
WHERE order_number = $1 AND order_created_on_carrier = FALSE
`, orderNumber, reason, nextAttemptAt.UTC())
	return errors.Wrap(err, "record shipment failure")
}

// ClaimUnlinkedOrders picks paid orders the carrier never accepted and leases
// them so concurrent workers skip them. Orders younger than createdBefore are
// left alone; the request path may still be working on them.
func (s *Storage) ClaimUnlinkedOrders(ctx context.Context, now, createdBefore time.Time, limit int, lease time.Duration) ([]*models.Order, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+orderColumns+`
FROM orders
WHERE payment_status = $1
  AND order_created_on_carrier = FALSE
  AND created_at <= $2
  AND (next_shipment_attempt_at IS NULL OR next_shipment_attempt_at <= $3)
ORDER BY created_at ASC
LIMIT $4
FOR UPDATE SKIP LOCKED
`, string(models.PaymentStatusPaid), createdBefore.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select unlinked orders")
	}

	var picked []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan unlinked order")
		}
		picked = append(picked, o)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, o := range picked {
		if _, err := tx.Exec(ctx, `UPDATE orders SET next_shipment_attempt_at = $2, updated_at = now() WHERE id = $1::uuid`, o.ID.String(), leaseUntil); err != nil {
			return nil, errors.Wrap(err, "lease order")
		}
		o.NextShipmentAttemptAt = &leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}
