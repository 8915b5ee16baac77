package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// OrderStatus is the commercial lifecycle. It is distinct from the carrier's
// ShipmentStatus and only moves forward.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
)

// OrderStatuses lists the lifecycle in order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
}

var orderStatusRank = map[OrderStatus]int{
	OrderStatusPending:    0,
	OrderStatusConfirmed:  1,
	OrderStatusProcessing: 2,
	OrderStatusShipped:    3,
	OrderStatusDelivered:  4,
}

// Advances reports whether moving from s to next goes forward.
func (s OrderStatus) Advances(next OrderStatus) bool {
	cur, ok := orderStatusRank[s]
	if !ok {
		return false
	}
	n, ok := orderStatusRank[next]
	return ok && n > cur
}

type PaymentMethod string

const (
	PaymentMethodPrepaid PaymentMethod = "prepaid"
	PaymentMethodCOD     PaymentMethod = "cod"
)

func (m PaymentMethod) IsValid() bool {
	return m == PaymentMethodPrepaid || m == PaymentMethodCOD
}

type ShippingAddress struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type OrderItem struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID          uuid.UUID `json:"id"`
	OrderNumber string    `json:"order_number"`
	UserID      string    `json:"user_id"`

	Items []OrderItem `json:"items"`

	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Shipping decimal.Decimal `json:"shipping"`
	Total    decimal.Decimal `json:"total"`

	PaymentMethod PaymentMethod `json:"payment_method"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Status        OrderStatus   `json:"status"`

	ProviderOrderID   string `json:"provider_order_id"`
	ProviderPaymentID string `json:"provider_payment_id"`
	ProviderSignature string `json:"-"`

	ShippingAddress ShippingAddress `json:"shipping_address"`

	ShipmentID            *int64  `json:"shipment_id,omitempty"`
	AWBCode               *string `json:"awb_code,omitempty"`
	TrackingURL           *string `json:"tracking_url,omitempty"`
	OrderCreatedOnCarrier bool    `json:"order_created_on_carrier"`

	// Bookkeeping for shipment creation retries.
	ShipmentAttempts      int        `json:"-"`
	ShipmentLastError     *string    `json:"-"`
	NextShipmentAttemptAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ItemsTotal is the sum of line totals.
func (o *Order) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.LineTotal())
	}
	return sum
}

// HasShipmentLinkage reports whether the carrier already accepted the order.
func (o *Order) HasShipmentLinkage() bool {
	return o.OrderCreatedOnCarrier && o.ShipmentID != nil
}

// ShipmentLinkage is what gets attached to an Order once the carrier accepts
// the order creation call.
type ShipmentLinkage struct {
	ShipmentID  int64
	AWBCode     string
	TrackingURL string
}

// PaymentCallback is the provider's payment-success callback together with
// the purchase it settles. Amounts are deliberately absent: prices are looked
// up server side.
type PaymentCallback struct {
	ProviderOrderID   string          `json:"razorpay_order_id"`
	ProviderPaymentID string          `json:"razorpay_payment_id"`
	ProviderSignature string          `json:"razorpay_signature"`
	UserID            string          `json:"user_id"`
	PaymentMethod     PaymentMethod   `json:"payment_method"`
	Items             []CartItem      `json:"items"`
	ShippingAddress   ShippingAddress `json:"shipping_address"`
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Product is the trusted catalog view used for repricing.
type Product struct {
	ID    string
	SKU   string
	Name  string
	Price decimal.Decimal
}
