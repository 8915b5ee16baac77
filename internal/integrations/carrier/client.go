package carrier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/shopspring/decimal"
)

type CreateOrderRequest struct {
	OrderNumber   string
	OrderDate     time.Time
	PaymentMethod models.PaymentMethod
	Billing       models.ShippingAddress
	Items         []models.OrderItem
	SubTotal      decimal.Decimal
	ShippingFee   decimal.Decimal
}

type CreateOrderResult struct {
	CarrierOrderID int64
	ShipmentID     int64
	AWBCode        string
	Status         models.ShipmentStatus
	TrackingURL    string
}

type TrackingResult struct {
	Status    models.ShipmentStatus
	StatusRaw string
	StatusAt  *time.Time
	TrackURL  string
	Events    []*models.ShipmentEvent
	Payload   json.RawMessage
}

type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error)
	Track(ctx context.Context, awb string) (TrackingResult, error)
	Cancel(ctx context.Context, awbs []string) error
}
