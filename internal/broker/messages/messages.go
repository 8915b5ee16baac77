// Package messages holds the JSON payloads exchanged over Kafka.
package messages

import (
	"time"
)

const (
	TopicOrderPlaced            = "fulfillbox.order-placed"
	TopicShipmentUpdated        = "fulfillbox.shipment-updated"
	TopicShipmentLinkageMissing = "fulfillbox.shipment-linkage-missing"
)

// OrderPlaced is emitted once per committed order.
type OrderPlaced struct {
	OrderNumber   string      `json:"order_number"`
	UserID        string      `json:"user_id"`
	CustomerName  string      `json:"customer_name"`
	CustomerEmail string      `json:"customer_email"`
	PaymentMethod string      `json:"payment_method"`
	Total         string      `json:"total"`
	Items         []OrderLine `json:"items"`
	PlacedAt      time.Time   `json:"placed_at"`

	ShipmentLinked bool   `json:"shipment_linked"`
	AWBCode        string `json:"awb_code,omitempty"`
	TrackingURL    string `json:"tracking_url,omitempty"`
}

type OrderLine struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

// ShipmentUpdated is emitted whenever a carrier status is applied.
type ShipmentUpdated struct {
	OrderNumber string     `json:"order_number"`
	ShipmentID  int64      `json:"shipment_id"`
	AWBCode     string     `json:"awb_code"`
	PrevStatus  string     `json:"prev_status"`
	Status      string     `json:"status"`
	StatusRaw   string     `json:"status_raw,omitempty"`
	StatusAt    *time.Time `json:"status_at,omitempty"`
	Source      string     `json:"source"`
	CheckedAt   time.Time  `json:"checked_at"`
}

// ShipmentLinkageMissing reports a paid order the carrier did not accept.
type ShipmentLinkageMissing struct {
	OrderNumber string    `json:"order_number"`
	Attempt     int       `json:"attempt"`
	Kind        string    `json:"kind"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}
