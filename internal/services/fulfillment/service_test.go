package fulfillment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/BearBump/FulfillBox/internal/broker/messages"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier/fake"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier/shiprocket"
	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/BearBump/FulfillBox/internal/payment"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSecret = "rzp_test_secret"

type memRepo struct {
	mu        sync.Mutex
	orders    map[string]*models.Order
	byPayment map[string]string
	shipments map[string]*models.ShiprocketOrder
	failures  map[string]int

	createErr error
	attachErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		orders:    map[string]*models.Order{},
		byPayment: map[string]string{},
		shipments: map[string]*models.ShiprocketOrder{},
		failures:  map[string]int{},
	}
}

func (r *memRepo) CreateOrder(_ context.Context, o *models.Order) (*models.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, false, r.createErr
	}
	if n, ok := r.byPayment[o.ProviderPaymentID]; ok {
		cp := *r.orders[n]
		return &cp, false, nil
	}
	o.CreatedAt = time.Now().UTC()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	r.orders[o.OrderNumber] = &cp
	r.byPayment[o.ProviderPaymentID] = o.OrderNumber
	out := cp
	return &out, true, nil
}

func (r *memRepo) GetOrderByNumber(_ context.Context, n string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[n]
	if !ok {
		return nil, &apperr.NotFoundError{Resource: "order", ID: n}
	}
	cp := *o
	return &cp, nil
}

func (r *memRepo) AttachShipment(_ context.Context, sh *models.ShiprocketOrder, trackingURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachErr != nil {
		return r.attachErr
	}
	o, ok := r.orders[sh.OrderID]
	if !ok {
		return &apperr.NotFoundError{Resource: "order", ID: sh.OrderID}
	}
	id := sh.ShipmentID
	awb := sh.AWBCode
	o.ShipmentID = &id
	o.AWBCode = &awb
	o.TrackingURL = &trackingURL
	o.OrderCreatedOnCarrier = true
	if o.Status.Advances(models.OrderStatusProcessing) {
		o.Status = models.OrderStatusProcessing
	}
	cp := *sh
	r.shipments[sh.OrderID] = &cp
	return nil
}

func (r *memRepo) RecordShipmentFailure(_ context.Context, n, _ string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[n]++
	if o, ok := r.orders[n]; ok {
		o.ShipmentAttempts++
	}
	return nil
}

func (r *memRepo) orderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

type staticCatalog map[string]models.Product

func (c staticCatalog) ProductPrices(_ context.Context, ids []string) (map[string]models.Product, error) {
	out := map[string]models.Product{}
	for _, id := range ids {
		if p, ok := c[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

var catalog = staticCatalog{
	"p1": {ID: "p1", SKU: "MUG", Name: "Mug", Price: decimal.NewFromInt(100)},
	"p2": {ID: "p2", SKU: "CAP", Name: "Cap", Price: decimal.NewFromInt(200)},
	"p3": {ID: "p3", SKU: "TEE", Name: "Tee", Price: decimal.NewFromInt(300)},
}

type countingCarts struct{ calls int }

func (c *countingCarts) ClearCart(context.Context, string) (int64, error) {
	c.calls++
	return 3, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	placed  []messages.OrderPlaced
	missing []messages.ShipmentLinkageMissing
}

func (n *recordingNotifier) OrderPlaced(_ context.Context, m messages.OrderPlaced) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.placed = append(n.placed, m)
}

func (n *recordingNotifier) ShipmentLinkageMissing(_ context.Context, m messages.ShipmentLinkageMissing) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missing = append(n.missing, m)
}

type fixture struct {
	repo     *memRepo
	carts    *countingCarts
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(cc carrier.Client) *fixture {
	f := &fixture{repo: newMemRepo(), carts: &countingCarts{}, notifier: &recordingNotifier{}}
	f.svc = New(f.repo, catalog, f.carts, payment.NewVerifier(testSecret), cc, nil, f.notifier, nil, Options{
		Pricing: Pricing{
			TaxRate:           decimal.RequireFromString("0.18"),
			ShippingFee:       decimal.NewFromInt(50),
			FreeShippingAbove: decimal.NewFromInt(500),
		},
	})
	return f
}

func callback(paymentID string, method models.PaymentMethod, items ...models.CartItem) models.PaymentCallback {
	orderID := "order_" + paymentID
	return models.PaymentCallback{
		ProviderOrderID:   orderID,
		ProviderPaymentID: paymentID,
		ProviderSignature: payment.Sign(orderID, paymentID, testSecret),
		UserID:            "u1",
		PaymentMethod:     method,
		Items:             items,
		ShippingAddress: models.ShippingAddress{
			Name:       "Asha Rao",
			Email:      "asha@example.com",
			Phone:      "9876543210",
			Line1:      "12 MG Road",
			City:       "Pune",
			State:      "Maharashtra",
			PostalCode: "411001",
			Country:    "India",
		},
	}
}

var threeItems = []models.CartItem{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}, {ProductID: "p3", Quantity: 1}}

func TestFulfill_CODShipmentCarriesLineTotal(t *testing.T) {
	f := newFixture(fake.New())

	res, err := f.svc.FulfillAfterPayment(context.Background(), callback("pay_cod", models.PaymentMethodCOD, threeItems...))
	require.NoError(t, err)
	require.True(t, res.Created)
	require.True(t, res.Order.HasShipmentLinkage())
	require.Equal(t, models.OrderStatusProcessing, res.Order.Status)

	sh := f.repo.shipments[res.Order.OrderNumber]
	require.NotNil(t, sh)
	require.True(t, sh.SubTotal.Equal(decimal.NewFromInt(600)))
	require.True(t, sh.CODAmount.Equal(decimal.NewFromInt(600)))
	require.Equal(t, 1, f.carts.calls)
	require.Len(t, f.notifier.placed, 1)
	require.True(t, f.notifier.placed[0].ShipmentLinked)
}

func TestFulfill_PrepaidShipmentHasNoCOD(t *testing.T) {
	f := newFixture(fake.New())

	res, err := f.svc.FulfillAfterPayment(context.Background(), callback("pay_pre", models.PaymentMethodPrepaid, threeItems...))
	require.NoError(t, err)
	sh := f.repo.shipments[res.Order.OrderNumber]
	require.True(t, sh.CODAmount.IsZero())
}

func TestFulfill_TotalIsComputedServerSide(t *testing.T) {
	f := newFixture(fake.New())

	res, err := f.svc.FulfillAfterPayment(context.Background(), callback("pay_small", models.PaymentMethodPrepaid,
		models.CartItem{ProductID: "p1", Quantity: 1},
		models.CartItem{ProductID: "p1", Quantity: 1},
	))
	require.NoError(t, err)
	o := res.Order
	require.Len(t, o.Items, 1)
	require.Equal(t, 2, o.Items[0].Quantity)
	require.Equal(t, "200.00", o.Subtotal.StringFixed(2))
	require.Equal(t, "36.00", o.Tax.StringFixed(2))
	require.Equal(t, "50.00", o.Shipping.StringFixed(2))
	require.Equal(t, "286.00", o.Total.StringFixed(2))
	require.True(t, o.Total.Equal(o.Subtotal.Add(o.Tax).Add(o.Shipping)))

	res, err = f.svc.FulfillAfterPayment(context.Background(), callback("pay_big", models.PaymentMethodPrepaid, threeItems...))
	require.NoError(t, err)
	require.True(t, res.Order.Shipping.IsZero())
	require.Equal(t, "708.00", res.Order.Total.StringFixed(2))
}

func TestFulfill_ReplayHasNoSideEffects(t *testing.T) {
	f := newFixture(fake.New())
	cb := callback("pay_replay", models.PaymentMethodCOD, threeItems...)

	first, err := f.svc.FulfillAfterPayment(context.Background(), cb)
	require.NoError(t, err)
	second, err := f.svc.FulfillAfterPayment(context.Background(), cb)
	require.NoError(t, err)

	require.False(t, second.Created)
	require.Equal(t, first.Order.OrderNumber, second.Order.OrderNumber)
	require.Equal(t, 1, f.repo.orderCount())
	require.Equal(t, 1, f.carts.calls)
	require.Len(t, f.notifier.placed, 1)
}

func TestFulfill_BadSignatureWritesNothing(t *testing.T) {
	f := newFixture(fake.New())
	cb := callback("pay_bad", models.PaymentMethodCOD, threeItems...)
	cb.ProviderSignature = payment.Sign(cb.ProviderOrderID, cb.ProviderPaymentID, "wrong")

	_, err := f.svc.FulfillAfterPayment(context.Background(), cb)
	require.True(t, apperr.IsAuthentication(err))
	require.Zero(t, f.repo.orderCount())
	require.Zero(t, f.carts.calls)
	require.Empty(t, f.notifier.placed)
}

func TestFulfill_Validation(t *testing.T) {
	f := newFixture(fake.New())

	unknown := callback("pay_unknown", models.PaymentMethodCOD, models.CartItem{ProductID: "nope", Quantity: 1})
	_, err := f.svc.FulfillAfterPayment(context.Background(), unknown)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Msg, "nope")

	badQty := callback("pay_qty", models.PaymentMethodCOD, models.CartItem{ProductID: "p1", Quantity: 0})
	_, err = f.svc.FulfillAfterPayment(context.Background(), badQty)
	require.ErrorAs(t, err, &ve)

	noCity := callback("pay_city", models.PaymentMethodCOD, threeItems...)
	noCity.ShippingAddress.City = " "
	_, err = f.svc.FulfillAfterPayment(context.Background(), noCity)
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "shipping_address.city", ve.Field)

	badMethod := callback("pay_method", models.PaymentMethod("card"), threeItems...)
	_, err = f.svc.FulfillAfterPayment(context.Background(), badMethod)
	require.ErrorAs(t, err, &ve)

	require.Zero(t, f.repo.orderCount())
}

func TestFulfill_LineQuantities(t *testing.T) {
	tests := []struct {
		name    string
		items   []models.CartItem
		wantQty int
		wantErr string
	}{
		{
			name:    "duplicates merge",
			items:   []models.CartItem{{ProductID: "p1", Quantity: 3}, {ProductID: "p1", Quantity: 4}},
			wantQty: 7,
		},
		{
			name:    "merged lines over limit",
			items:   []models.CartItem{{ProductID: "p1", Quantity: 60}, {ProductID: "p1", Quantity: 60}},
			wantErr: "items",
		},
		{
			name:    "single line over limit",
			items:   []models.CartItem{{ProductID: "p1", Quantity: maxLineQty + 1}},
			wantErr: "items.quantity",
		},
		{
			name:    "huge duplicates cannot wrap",
			items:   []models.CartItem{{ProductID: "p1", Quantity: 1 << 62}, {ProductID: "p1", Quantity: 1 << 62}},
			wantErr: "items.quantity",
		},
		{
			name:    "negative line",
			items:   []models.CartItem{{ProductID: "p1", Quantity: 5}, {ProductID: "p1", Quantity: -3}},
			wantErr: "items.quantity",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(fake.New())

			res, err := f.svc.FulfillAfterPayment(context.Background(), callback("pay_qty_lines", models.PaymentMethodPrepaid, tt.items...))
			if tt.wantErr != "" {
				var ve *apperr.ValidationError
				require.ErrorAs(t, err, &ve)
				require.Equal(t, tt.wantErr, ve.Field)
				require.Zero(t, f.repo.orderCount())
				return
			}
			require.NoError(t, err)
			require.Len(t, res.Order.Items, 1)
			require.Equal(t, tt.wantQty, res.Order.Items[0].Quantity)
			require.False(t, res.Order.Subtotal.IsNegative())
			require.False(t, res.Order.Total.IsNegative())
		})
	}
}

type createStatusCarrier struct {
	*fake.FakeClient
	status models.ShipmentStatus
}

func (c createStatusCarrier) CreateOrder(ctx context.Context, req carrier.CreateOrderRequest) (carrier.CreateOrderResult, error) {
	res, err := c.FakeClient.CreateOrder(ctx, req)
	res.Status = c.status
	return res, err
}

func TestFulfill_CreationStatusIsStamped(t *testing.T) {
	created := time.Date(2025, 3, 2, 11, 15, 0, 0, time.UTC)
	tests := []struct {
		name       string
		status     models.ShipmentStatus
		wantStatus models.ShipmentStatus
		stamped    func(sh *models.ShiprocketOrder) *time.Time
	}{
		{
			name:       "pickup scheduled",
			status:     models.ShipmentStatusPickupScheduled,
			wantStatus: models.ShipmentStatusPickupScheduled,
			stamped:    func(sh *models.ShiprocketOrder) *time.Time { return sh.PickupScheduledDate },
		},
		{
			name:       "picked up",
			status:     models.ShipmentStatusPickedUp,
			wantStatus: models.ShipmentStatusPickedUp,
			stamped:    func(sh *models.ShiprocketOrder) *time.Time { return sh.ShippedDate },
		},
		{
			name:       "new",
			status:     models.ShipmentStatusNew,
			wantStatus: models.ShipmentStatusNew,
		},
		{
			name:       "unknown falls back to new",
			status:     models.ShipmentStatus("SOMETHING_ELSE"),
			wantStatus: models.ShipmentStatusNew,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(createStatusCarrier{FakeClient: fake.New(), status: tt.status})
			f.svc.opts.Now = func() time.Time { return created }

			res, err := f.svc.FulfillAfterPayment(context.Background(), callback("pay_stamp", models.PaymentMethodPrepaid, threeItems...))
			require.NoError(t, err)
			sh := f.repo.shipments[res.Order.OrderNumber]
			require.NotNil(t, sh)
			require.Equal(t, tt.wantStatus, sh.Status)

			if tt.stamped == nil {
				require.Nil(t, sh.PickupScheduledDate)
				require.Nil(t, sh.ShippedDate)
				return
			}
			at := tt.stamped(sh)
			require.NotNil(t, at)
			require.Equal(t, created, *at)
		})
	}
}

func TestFulfill_CommitFailureIsReturned(t *testing.T) {
	f := newFixture(fake.New())
	f.repo.createErr = errors.New("connection reset")

	_, err := f.svc.FulfillAfterPayment(context.Background(), callback("pay_db", models.PaymentMethodCOD, threeItems...))
	require.Error(t, err)
	require.Contains(t, err.Error(), "persist order")
	require.Zero(t, f.carts.calls)
}

// A carrier that never answers in time must not fail the paid order.
func TestFulfill_CarrierTimeoutLeavesPaidOrderUnlinked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/login" {
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cc := shiprocket.New(shiprocket.Config{
		BaseURL:  srv.URL,
		Email:    "ops@example.com",
		Password: "secret",
		Timeout:  100 * time.Millisecond,
	}, nil)
	f := newFixture(cc)

	res, err := f.svc.FulfillAfterPayment(context.Background(), callback("pay_timeout", models.PaymentMethodCOD, threeItems...))
	require.NoError(t, err)
	require.True(t, res.Created)

	o := res.Order
	require.Equal(t, models.PaymentStatusPaid, o.PaymentStatus)
	require.Equal(t, models.OrderStatusConfirmed, o.Status)
	require.False(t, o.OrderCreatedOnCarrier)
	require.Nil(t, o.ShipmentID)
	require.Nil(t, o.AWBCode)

	require.EqualValues(t, 1, f.svc.LinkageMissing())
	require.Equal(t, 1, f.repo.failures[o.OrderNumber])
	require.Len(t, f.notifier.missing, 1)
	require.Equal(t, "connectivity", f.notifier.missing[0].Kind)
	require.Len(t, f.notifier.placed, 1)
	require.False(t, f.notifier.placed[0].ShipmentLinked)
}

func TestRetryShipment_LinksPreviouslyFailedOrder(t *testing.T) {
	fc := fake.New()
	fc.CreateErr = &apperr.PermissionError{Endpoint: "/orders/create/adhoc", Remediation: "enable"}
	f := newFixture(fc)

	res, err := f.svc.FulfillAfterPayment(context.Background(), callback("pay_retry", models.PaymentMethodPrepaid, threeItems...))
	require.NoError(t, err)
	require.False(t, res.Order.HasShipmentLinkage())
	require.Equal(t, "permission", f.notifier.missing[0].Kind)

	_, err = f.svc.RetryShipment(context.Background(), res.Order.OrderNumber)
	require.True(t, apperr.IsPermission(err))
	require.Equal(t, 2, f.repo.failures[res.Order.OrderNumber])

	fc.CreateErr = nil
	o, err := f.svc.RetryShipment(context.Background(), res.Order.OrderNumber)
	require.NoError(t, err)
	require.True(t, o.HasShipmentLinkage())

	again, err := f.svc.RetryShipment(context.Background(), res.Order.OrderNumber)
	require.NoError(t, err)
	require.Equal(t, *o.ShipmentID, *again.ShipmentID)

	_, err = f.svc.RetryShipment(context.Background(), "FB-missing")
	require.True(t, apperr.IsNotFound(err))
}

func TestFulfill_AttachFailureCountsAsMissing(t *testing.T) {
	f := newFixture(fake.New())
	f.repo.attachErr = errors.New("deadlock detected")

	res, err := f.svc.FulfillAfterPayment(context.Background(), callback("pay_attach", models.PaymentMethodCOD, threeItems...))
	require.NoError(t, err)
	require.False(t, res.Order.HasShipmentLinkage())
	require.EqualValues(t, 1, f.svc.LinkageMissing())
}

func TestPricing_Quote(t *testing.T) {
	p := Pricing{TaxRate: decimal.RequireFromString("0.05"), ShippingFee: decimal.NewFromInt(40)}
	tax, ship, total := p.Quote(decimal.RequireFromString("99.99"))
	require.Equal(t, "5.00", tax.StringFixed(2))
	require.Equal(t, "40.00", ship.StringFixed(2))
	require.Equal(t, "144.99", total.StringFixed(2))
}

func TestNewOrderNumber(t *testing.T) {
	n := newOrderNumber(time.Date(2025, 3, 2, 23, 0, 0, 0, time.UTC))
	require.Regexp(t, `^FB-20250302-[0-9A-F]{8}$`, n)
}
