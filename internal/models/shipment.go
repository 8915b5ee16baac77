package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ShipmentStatus is the normalized carrier lifecycle.
type ShipmentStatus string

const (
	ShipmentStatusNew             ShipmentStatus = "NEW"
	ShipmentStatusPickupScheduled ShipmentStatus = "PICKUP_SCHEDULED"
	ShipmentStatusPickedUp        ShipmentStatus = "PICKED_UP"
	ShipmentStatusInTransit       ShipmentStatus = "IN_TRANSIT"
	ShipmentStatusOutForDelivery  ShipmentStatus = "OUT_FOR_DELIVERY"
	ShipmentStatusDelivered       ShipmentStatus = "DELIVERED"
	ShipmentStatusCancelled       ShipmentStatus = "CANCELLED"
	ShipmentStatusRTOInitiated    ShipmentStatus = "RTO_INITIATED"
	ShipmentStatusRTODelivered    ShipmentStatus = "RTO_DELIVERED"
	ShipmentStatusLost            ShipmentStatus = "LOST"
	ShipmentStatusDamaged         ShipmentStatus = "DAMAGED"
	ShipmentStatusPending         ShipmentStatus = "PENDING"
)

func (s ShipmentStatus) IsValid() bool {
	switch s {
	case ShipmentStatusNew,
		ShipmentStatusPickupScheduled,
		ShipmentStatusPickedUp,
		ShipmentStatusInTransit,
		ShipmentStatusOutForDelivery,
		ShipmentStatusDelivered,
		ShipmentStatusCancelled,
		ShipmentStatusRTOInitiated,
		ShipmentStatusRTODelivered,
		ShipmentStatusLost,
		ShipmentStatusDamaged,
		ShipmentStatusPending:
		return true
	default:
		return false
	}
}

// TerminalStatuses are the states that accept no further transition.
var TerminalStatuses = []ShipmentStatus{
	ShipmentStatusDelivered,
	ShipmentStatusCancelled,
	ShipmentStatusRTODelivered,
	ShipmentStatusLost,
	ShipmentStatusDamaged,
}

// IsTerminal reports whether no further transition is accepted.
func (s ShipmentStatus) IsTerminal() bool {
	switch s {
	case ShipmentStatusDelivered,
		ShipmentStatusCancelled,
		ShipmentStatusRTODelivered,
		ShipmentStatusLost,
		ShipmentStatusDamaged:
		return true
	default:
		return false
	}
}

// Cancellable reports whether the carrier cancel call may be attempted. No
// terminal status can become CANCELLED, so none of them is cancellable.
func (s ShipmentStatus) Cancellable() bool {
	return !s.IsTerminal()
}

// OrderStatus maps a shipment status onto the commercial order lifecycle.
// ok is false for statuses that do not move the order.
func (s ShipmentStatus) OrderStatus() (OrderStatus, bool) {
	switch s {
	case ShipmentStatusPickedUp, ShipmentStatusInTransit, ShipmentStatusOutForDelivery:
		return OrderStatusShipped, true
	case ShipmentStatusDelivered:
		return OrderStatusDelivered, true
	default:
		return "", false
	}
}

// ShiprocketOrder is the carrier-facing shadow of an Order.
type ShiprocketOrder struct {
	ID             uint64
	OrderID        string // Order.OrderNumber
	CarrierOrderID int64
	ShipmentID     int64
	AWBCode        string

	Status ShipmentStatus

	PickupScheduledDate *time.Time
	ShippedDate         *time.Time
	DeliveredDate       *time.Time
	CancelledDate       *time.Time
	ReturnedDate        *time.Time

	PaymentMethod PaymentMethod
	SubTotal      decimal.Decimal
	CODAmount     decimal.Decimal

	LastTrackingPayload json.RawMessage

	// Poll scheduling.
	NextPollAt    time.Time
	PollFailCount int
	LastError     *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeCOD enforces cod_amount = sub_total for COD and 0 otherwise.
func (s *ShiprocketOrder) NormalizeCOD() {
	if s.PaymentMethod == PaymentMethodCOD {
		s.CODAmount = s.SubTotal
		return
	}
	s.CODAmount = decimal.Zero
}

// ApplyStatus moves the shipment to next and stamps the status timestamp the
// first time that status is reached. A shipment already in a terminal state
// is left untouched. It returns true when anything changed.
func (s *ShiprocketOrder) ApplyStatus(next ShipmentStatus, at time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	changed := s.Status != next
	s.Status = next

	at = at.UTC()
	stamp := func(field **time.Time) {
		if *field == nil {
			*field = &at
			changed = true
		}
	}
	switch next {
	case ShipmentStatusPickupScheduled:
		stamp(&s.PickupScheduledDate)
	case ShipmentStatusPickedUp, ShipmentStatusInTransit:
		stamp(&s.ShippedDate)
	case ShipmentStatusDelivered:
		stamp(&s.DeliveredDate)
	case ShipmentStatusCancelled:
		stamp(&s.CancelledDate)
	case ShipmentStatusRTODelivered:
		stamp(&s.ReturnedDate)
	}
	return changed
}

// ShipmentEvent is one entry of the carrier's tracking history.
type ShipmentEvent struct {
	ID         uint64
	ShipmentID int64
	Status     ShipmentStatus
	StatusRaw  string
	EventTime  time.Time
	Location   *string
	Message    *string
	CreatedAt  time.Time
}
