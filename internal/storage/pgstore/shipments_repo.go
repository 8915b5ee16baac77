package pgstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const shipmentColumns = `
  id, order_id, carrier_order_id, shipment_id, awb_code, status,
  pickup_scheduled_date, shipped_date, delivered_date, cancelled_date, returned_date,
  payment_method, sub_total::text, cod_amount::text, last_tracking_payload,
  next_poll_at, poll_fail_count, last_error,
  created_at, updated_at`

// ShipmentUpdate is one observation of carrier state for a shipment.
type ShipmentUpdate struct {
	Shipment   *models.ShiprocketOrder
	Events     []*models.ShipmentEvent
	NextPollAt time.Time
}

func scanShipment(row pgx.Row) (*models.ShiprocketOrder, error) {
	var (
		s                   models.ShiprocketOrder
		status, method      string
		subTotal, codAmount string
		payload             []byte
	)
	if err := row.Scan(
		&s.ID, &s.OrderID, &s.CarrierOrderID, &s.ShipmentID, &s.AWBCode, &status,
		&s.PickupScheduledDate, &s.ShippedDate, &s.DeliveredDate, &s.CancelledDate, &s.ReturnedDate,
		&method, &subTotal, &codAmount, &payload,
		&s.NextPollAt, &s.PollFailCount, &s.LastError,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if s.SubTotal, err = decimal.NewFromString(subTotal); err != nil {
		return nil, errors.Wrap(err, "parse sub_total")
	}
	if s.CODAmount, err = decimal.NewFromString(codAmount); err != nil {
		return nil, errors.Wrap(err, "parse cod_amount")
	}
	s.Status = models.ShipmentStatus(status)
	s.PaymentMethod = models.PaymentMethod(method)
	if len(payload) > 0 {
		s.LastTrackingPayload = json.RawMessage(payload)
	}
	return &s, nil
}

func (s *Storage) getShipment(ctx context.Context, where, id string, arg any) (*models.ShiprocketOrder, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shiprocket_orders WHERE `+where+` = $1`, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &apperr.NotFoundError{Resource: "shipment", ID: id}
	}
	return sh, errors.Wrap(err, "select shipment")
}

func (s *Storage) GetShipmentByAWB(ctx context.Context, awb string) (*models.ShiprocketOrder, error) {
	if awb == "" {
		return nil, &apperr.NotFoundError{Resource: "shipment", ID: awb}
	}
	return s.getShipment(ctx, "awb_code", awb, awb)
}

func (s *Storage) GetShipmentByShipmentID(ctx context.Context, shipmentID int64) (*models.ShiprocketOrder, error) {
	return s.getShipment(ctx, "shipment_id", strconv.FormatInt(shipmentID, 10), shipmentID)
}

func (s *Storage) GetShipmentByOrderNumber(ctx context.Context, orderNumber string) (*models.ShiprocketOrder, error) {
	return s.getShipment(ctx, "order_id", orderNumber, orderNumber)
}

// SaveShipmentUpdate persists a status change and its events. Timestamps
// already stamped are never overwritten and a terminal row only accepts a
// write that keeps its status. It reports whether the row was written.
func (s *Storage) SaveShipmentUpdate(ctx context.Context, upd ShipmentUpdate) (bool, error) {
	sh := upd.Shipment
	sh.NormalizeCOD()

	terminal := make([]string, 0, len(models.TerminalStatuses))
	for _, st := range models.TerminalStatuses {
		terminal = append(terminal, string(st))
	}
	var payload []byte
	if len(sh.LastTrackingPayload) > 0 {
		payload = sh.LastTrackingPayload
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE shiprocket_orders
SET
  status = $2,
  pickup_scheduled_date = COALESCE(pickup_scheduled_date, $3),
  shipped_date = COALESCE(shipped_date, $4),
  delivered_date = COALESCE(delivered_date, $5),
  cancelled_date = COALESCE(cancelled_date, $6),
  returned_date = COALESCE(returned_date, $7),
  awb_code = CASE WHEN awb_code = '' THEN $8 ELSE awb_code END,
  cod_amount = $9::numeric,
  last_tracking_payload = COALESCE($10, last_tracking_payload),
  next_poll_at = $11,
  poll_fail_count = 0,
  last_error = NULL,
  updated_at = now()
WHERE shipment_id = $1
  AND (status = $2 OR NOT (status = ANY($12)))
`,
		sh.ShipmentID, string(sh.Status),
		sh.PickupScheduledDate, sh.ShippedDate, sh.DeliveredDate, sh.CancelledDate, sh.ReturnedDate,
		sh.AWBCode, sh.CODAmount.String(), payload, upd.NextPollAt.UTC(), terminal,
	)
	if err != nil {
		return false, errors.Wrap(err, "update shipment")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	for _, e := range upd.Events {
		loc := ""
		if e.Location != nil {
			loc = *e.Location
		}
		msgText := ""
		if e.Message != nil {
			msgText = *e.Message
		}
		_, err := tx.Exec(ctx, `
INSERT INTO shipment_events (
  shipment_id, status, status_raw, event_time, location, message, created_at
)
VALUES ($1,$2,$3,$4,$5,$6, now())
ON CONFLICT (shipment_id, status_raw, event_time, location, message) DO NOTHING
`, sh.ShipmentID, string(e.Status), e.StatusRaw, e.EventTime.UTC(), loc, msgText)
		if err != nil {
			return false, errors.Wrap(err, "insert shipment event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return true, nil
}

// RecordPollFailure keeps the shipment as is and reschedules the next poll.
func (s *Storage) RecordPollFailure(ctx context.Context, shipmentID int64, reason string, nextPollAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE shiprocket_orders
SET
  poll_fail_count = poll_fail_count + 1,
  last_error = $2,
  next_poll_at = $3,
  updated_at = now()
WHERE shipment_id = $1
`, shipmentID, reason, nextPollAt.UTC())
	return errors.Wrap(err, "record poll failure")
}

// ClaimDueShipments picks non-terminal shipments with a waybill whose poll is
// due and leases them. Uses SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.ShiprocketOrder, error) {
	terminal := make([]string, 0, len(models.TerminalStatuses))
	for _, st := range models.TerminalStatuses {
		terminal = append(terminal, string(st))
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+shipmentColumns+`
FROM shiprocket_orders
WHERE next_poll_at <= $1
  AND awb_code <> ''
  AND NOT (status = ANY($2))
ORDER BY next_poll_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, now.UTC(), terminal, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}

	var picked []*models.ShiprocketOrder
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan due shipment")
		}
		picked = append(picked, sh)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, sh := range picked {
		if _, err := tx.Exec(ctx, `UPDATE shiprocket_orders SET next_poll_at = $2, updated_at = now() WHERE id = $1`, sh.ID, leaseUntil); err != nil {
			return nil, errors.Wrap(err, "lease shipment")
		}
		sh.NextPollAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func (s *Storage) ListShipmentEvents(ctx context.Context, shipmentID int64, limit, offset int) ([]*models.ShipmentEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, shipment_id, status, status_raw, event_time, location, message, created_at
FROM shipment_events
WHERE shipment_id = $1
ORDER BY event_time DESC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select shipment events")
	}
	defer rows.Close()

	var out []*models.ShipmentEvent
	for rows.Next() {
		var (
			e                 models.ShipmentEvent
			status, loc, text string
		)
		if err := rows.Scan(&e.ID, &e.ShipmentID, &status, &e.StatusRaw, &e.EventTime, &loc, &text, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan shipment event")
		}
		e.Status = models.ShipmentStatus(status)
		if loc != "" {
			e.Location = &loc
		}
		if text != "" {
			e.Message = &text
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
