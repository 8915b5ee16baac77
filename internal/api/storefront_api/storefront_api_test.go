package storefront_api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier"
	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/BearBump/FulfillBox/internal/services/fulfillment"
	"github.com/BearBump/FulfillBox/internal/services/shipments"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type mockOrders struct{ mock.Mock }

func (m *mockOrders) FulfillAfterPayment(ctx context.Context, cb models.PaymentCallback) (*fulfillment.Result, error) {
	args := m.Called(ctx, cb)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fulfillment.Result), args.Error(1)
}

func (m *mockOrders) Order(ctx context.Context, orderNumber string) (*models.Order, error) {
	args := m.Called(ctx, orderNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *mockOrders) RetryShipment(ctx context.Context, orderNumber string) (*models.Order, error) {
	args := m.Called(ctx, orderNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

type mockShipments struct{ mock.Mock }

func (m *mockShipments) Track(ctx context.Context, awb string) (*shipments.TrackView, error) {
	args := m.Called(ctx, awb)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*shipments.TrackView), args.Error(1)
}

func (m *mockShipments) Cancel(ctx context.Context, shipmentID int64, comment string) (*models.ShiprocketOrder, error) {
	args := m.Called(ctx, shipmentID, comment)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ShiprocketOrder), args.Error(1)
}

func (m *mockShipments) Events(ctx context.Context, shipmentID int64, limit, offset int) ([]*models.ShipmentEvent, error) {
	args := m.Called(ctx, shipmentID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.ShipmentEvent), args.Error(1)
}

const adminKey = "let-me-in"

func newRouter(t *testing.T) (http.Handler, *mockOrders, *mockShipments) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
	require.NoError(t, err)

	o := &mockOrders{}
	s := &mockShipments{}
	r := chi.NewRouter()
	New(o, s, string(hash), nil).Mount(r)
	return r, o, s
}

func do(h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const callbackBody = `{
	"razorpay_payment_id": "pay_1",
	"razorpay_order_id": "order_1",
	"razorpay_signature": "sig",
	"user_id": "u1",
	"payment_method": "cod",
	"items": [{"product_id": "p1", "quantity": 2}],
	"shipping_address": {"name": "A", "phone": "9", "line1": "L", "city": "C", "state": "S", "postal_code": "1", "country": "IN"}
}`

func TestPaymentCallback_CreatedThenReplay(t *testing.T) {
	h, o, _ := newRouter(t)
	order := &models.Order{OrderNumber: "FB-20250302-AAAA1111", Total: decimal.RequireFromString("236")}

	o.On("FulfillAfterPayment", mock.Anything, mock.MatchedBy(func(cb models.PaymentCallback) bool {
		return cb.ProviderPaymentID == "pay_1" && len(cb.Items) == 1 && cb.Items[0].Quantity == 2
	})).Return(&fulfillment.Result{Order: order, Created: true}, nil).Once()
	o.On("FulfillAfterPayment", mock.Anything, mock.Anything).
		Return(&fulfillment.Result{Order: order, Created: false}, nil).Once()

	rec := do(h, http.MethodPost, "/v1/payments/callback", callbackBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "FB-20250302-AAAA1111", decodeBody(t, rec)["order_number"])

	rec = do(h, http.MethodPost, "/v1/payments/callback", callbackBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	o.AssertExpectations(t)
}

func TestPaymentCallback_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"bad signature", &apperr.AuthenticationError{Msg: "payment signature mismatch", Payment: true}, http.StatusUnauthorized},
		{"validation", &apperr.ValidationError{Field: "items", Msg: "is empty"}, http.StatusUnprocessableEntity},
		{"commit failure", errors.Wrap(errors.New("conn reset"), "persist order"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, o, _ := newRouter(t)
			o.On("FulfillAfterPayment", mock.Anything, mock.Anything).Return(nil, tc.err).Once()

			rec := do(h, http.MethodPost, "/v1/payments/callback", callbackBody, nil)
			require.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusInternalServerError {
				require.Equal(t, "internal error", decodeBody(t, rec)["error"])
			}
		})
	}
}

func TestPaymentCallback_MalformedJSON(t *testing.T) {
	h, o, _ := newRouter(t)
	rec := do(h, http.MethodPost, "/v1/payments/callback", "{not json", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	o.AssertNotCalled(t, "FulfillAfterPayment", mock.Anything, mock.Anything)
}

func TestGetOrder(t *testing.T) {
	h, o, _ := newRouter(t)
	o.On("Order", mock.Anything, "FB-1").Return(&models.Order{OrderNumber: "FB-1", Status: models.OrderStatusShipped}, nil)
	o.On("Order", mock.Anything, "FB-404").Return(nil, &apperr.NotFoundError{Resource: "order", ID: "FB-404"})

	rec := do(h, http.MethodGet, "/v1/orders/FB-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(models.OrderStatusShipped), decodeBody(t, rec)["status"])

	rec = do(h, http.MethodGet, "/v1/orders/FB-404", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decodeBody(t, rec)["kind"])
}

func TestTrackShipment(t *testing.T) {
	h, _, s := newRouter(t)
	s.On("Track", mock.Anything, "AWB1").Return(&shipments.TrackView{
		Shipment: &models.ShiprocketOrder{
			OrderID:       "FB-1",
			ShipmentID:    7,
			AWBCode:       "AWB1",
			Status:        models.ShipmentStatusInTransit,
			PaymentMethod: models.PaymentMethodCOD,
			SubTotal:      decimal.RequireFromString("600"),
			CODAmount:     decimal.RequireFromString("600"),
		},
		Tracking: carrier.TrackingResult{
			Status:    models.ShipmentStatusInTransit,
			StatusRaw: "IN TRANSIT",
			Payload:   json.RawMessage(`{"tracking_data":{}}`),
		},
		Changed: true,
	}, nil)

	rec := do(h, http.MethodGet, "/v1/shipments/track/AWB1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["changed"])
	sh := body["shipment"].(map[string]any)
	require.Equal(t, "600.00", sh["cod_amount"])
	require.Equal(t, string(models.ShipmentStatusInTransit), sh["status"])
	require.NotNil(t, body["carrier"])
}

func TestTrackShipment_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		code       int
		retryAfter string
	}{
		{"rate limited", &apperr.RateLimitedError{RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, "2"},
		{"login cooldown", &apperr.AuthenticationError{Msg: "too soon", RetryAfter: 30 * time.Second}, http.StatusServiceUnavailable, "30"},
		{"carrier credentials rejected", &apperr.AuthenticationError{Msg: "invalid email and password combination"}, http.StatusBadGateway, ""},
		{"connectivity", &apperr.ConnectivityError{Op: "track", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, ""},
		{"carrier", &apperr.CarrierError{StatusCode: 500, Body: "boom"}, http.StatusBadGateway, ""},
		{"unknown awb", &apperr.NotFoundError{Resource: "shipment", ID: "X"}, http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _, s := newRouter(t)
			s.On("Track", mock.Anything, "X").Return(nil, errors.Wrap(tc.err, "track X")).Once()

			rec := do(h, http.MethodGet, "/v1/shipments/track/X", "", nil)
			require.Equal(t, tc.code, rec.Code)
			require.Equal(t, tc.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestCancelShipment_CarrierLoginIsNotUnauthorized(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		code       int
		retryAfter string
	}{
		{"login cooldown", &apperr.AuthenticationError{Msg: "carrier login attempted too soon", RetryAfter: 90 * time.Second}, http.StatusServiceUnavailable, "90"},
		{"bad credentials", &apperr.AuthenticationError{Msg: "carrier rejected a freshly issued token"}, http.StatusBadGateway, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _, s := newRouter(t)
			s.On("Cancel", mock.Anything, int64(7), mock.Anything).Return(nil, errors.Wrap(tc.err, "cancel shipment 7")).Once()

			rec := do(h, http.MethodPost, "/v1/shipments/7/cancel", `{"comment":"x"}`, nil)
			require.Equal(t, tc.code, rec.Code)
			require.NotEqual(t, http.StatusUnauthorized, rec.Code)
			require.Equal(t, tc.retryAfter, rec.Header().Get("Retry-After"))
			require.Equal(t, "authentication", decodeBody(t, rec)["kind"])
		})
	}
}

func TestTrackShipment_PermissionCarriesRemediation(t *testing.T) {
	h, _, s := newRouter(t)
	s.On("Track", mock.Anything, "X").Return(nil, &apperr.PermissionError{
		Endpoint:    "/courier/track/awb/X",
		Remediation: "enable API access for the tracking module",
	})

	rec := do(h, http.MethodGet, "/v1/shipments/track/X", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "enable API access for the tracking module", decodeBody(t, rec)["remediation"])
}

func TestCancelShipment(t *testing.T) {
	h, _, s := newRouter(t)
	s.On("Cancel", mock.Anything, int64(7), "changed my mind").Return(&models.ShiprocketOrder{
		ShipmentID: 7,
		Status:     models.ShipmentStatusCancelled,
	}, nil).Once()
	s.On("Cancel", mock.Anything, int64(8), "").Return(nil, &apperr.PolicyError{Action: "cancel", Status: "DELIVERED"}).Once()

	rec := do(h, http.MethodPost, "/v1/shipments/7/cancel", `{"comment":"changed my mind"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(models.ShipmentStatusCancelled), decodeBody(t, rec)["status"])

	rec = do(h, http.MethodPost, "/v1/shipments/8/cancel", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "DELIVERED", decodeBody(t, rec)["status"])

	rec = do(h, http.MethodPost, "/v1/shipments/abc/cancel", "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	s.AssertExpectations(t)
}

func TestListShipmentEvents(t *testing.T) {
	h, _, s := newRouter(t)
	loc := "Mumbai"
	s.On("Events", mock.Anything, int64(7), 5, 10).Return([]*models.ShipmentEvent{{
		ShipmentID: 7,
		Status:     models.ShipmentStatusPickedUp,
		StatusRaw:  "PICKED UP",
		EventTime:  time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC),
		Location:   &loc,
	}}, nil)

	rec := do(h, http.MethodGet, "/v1/shipments/7/events?limit=5&offset=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decodeBody(t, rec)["events"].([]any)
	require.Len(t, evs, 1)
	require.Equal(t, "Mumbai", evs[0].(map[string]any)["location"])
}

func TestAdminRetryShipment_RequiresKey(t *testing.T) {
	h, o, _ := newRouter(t)
	awb := "AWB9"
	o.On("RetryShipment", mock.Anything, "FB-9").Return(&models.Order{OrderNumber: "FB-9", AWBCode: &awb}, nil).Once()

	rec := do(h, http.MethodPost, "/v1/admin/orders/FB-9/shipment", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodPost, "/v1/admin/orders/FB-9/shipment", "", map[string]string{adminKeyHeader: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodPost, "/v1/admin/orders/FB-9/shipment", "", map[string]string{adminKeyHeader: adminKey})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "AWB9", decodeBody(t, rec)["awb_code"])
	o.AssertExpectations(t)
}

func TestAdminRetryShipment_NoHashConfigured(t *testing.T) {
	o := &mockOrders{}
	r := chi.NewRouter()
	New(o, &mockShipments{}, "", nil).Mount(r)

	rec := do(r, http.MethodPost, "/v1/admin/orders/FB-9/shipment", "", map[string]string{adminKeyHeader: adminKey})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	o.AssertNotCalled(t, "RetryShipment", mock.Anything, mock.Anything)
}

func TestAdminRetryShipment_PermissionError(t *testing.T) {
	h, o, _ := newRouter(t)
	o.On("RetryShipment", mock.Anything, "FB-9").Return(nil, &apperr.PermissionError{Remediation: "ask the account owner"})

	rec := do(h, http.MethodPost, "/v1/admin/orders/FB-9/shipment", "", map[string]string{adminKeyHeader: adminKey})
	require.Equal(t, http.StatusForbidden, rec.Code)
}
