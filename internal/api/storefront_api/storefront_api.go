// Package storefront_api is the HTTP surface of the store: the payment
// callback, order lookup, shipment tracking and cancellation, and the admin
// shipment retry.
package storefront_api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/BearBump/FulfillBox/internal/services/fulfillment"
	"github.com/BearBump/FulfillBox/internal/services/shipments"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Orders interface {
	FulfillAfterPayment(ctx context.Context, cb models.PaymentCallback) (*fulfillment.Result, error)
	Order(ctx context.Context, orderNumber string) (*models.Order, error)
	RetryShipment(ctx context.Context, orderNumber string) (*models.Order, error)
}

type Shipments interface {
	Track(ctx context.Context, awb string) (*shipments.TrackView, error)
	Cancel(ctx context.Context, shipmentID int64, comment string) (*models.ShiprocketOrder, error)
	Events(ctx context.Context, shipmentID int64, limit, offset int) ([]*models.ShipmentEvent, error)
}

type StorefrontAPI struct {
	orders       Orders
	shipments    Shipments
	adminKeyHash []byte
	logger       *zap.Logger
}

// New builds the API. adminKeyHash is a bcrypt hash; when empty every admin
// request is rejected.
func New(orders Orders, sh Shipments, adminKeyHash string, logger *zap.Logger) *StorefrontAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorefrontAPI{
		orders:       orders,
		shipments:    sh,
		adminKeyHash: []byte(adminKeyHash),
		logger:       logger,
	}
}

// Mount registers the /v1 routes on r.
func (a *StorefrontAPI) Mount(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(a.requestLogger)

		r.Post("/payments/callback", a.paymentCallback)
		r.Get("/orders/{orderNumber}", a.getOrder)
		r.Get("/shipments/track/{awb}", a.trackShipment)
		r.Post("/shipments/{shipmentID}/cancel", a.cancelShipment)
		r.Get("/shipments/{shipmentID}/events", a.listShipmentEvents)

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.requireAdminKey)
			r.Post("/orders/{orderNumber}/shipment", a.retryShipment)
		})
	})
}

func (a *StorefrontAPI) paymentCallback(w http.ResponseWriter, r *http.Request) {
	var cb models.PaymentCallback
	if err := decodeJSON(w, r, &cb); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.orders.FulfillAfterPayment(r.Context(), cb)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, res.Order)
}

func (a *StorefrontAPI) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.orders.Order(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type trackResponse struct {
	Shipment  shipmentJSON        `json:"shipment"`
	StatusRaw string              `json:"status_raw,omitempty"`
	TrackURL  string              `json:"track_url,omitempty"`
	Changed   bool                `json:"changed"`
	Events    []shipmentEventJSON `json:"events,omitempty"`
	Carrier   json.RawMessage     `json:"carrier,omitempty"`
}

func (a *StorefrontAPI) trackShipment(w http.ResponseWriter, r *http.Request) {
	v, err := a.shipments.Track(r.Context(), chi.URLParam(r, "awb"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trackResponse{
		Shipment:  toShipmentJSON(v.Shipment),
		StatusRaw: v.Tracking.StatusRaw,
		TrackURL:  v.Tracking.TrackURL,
		Changed:   v.Changed,
		Events:    toEventsJSON(v.Tracking.Events),
		Carrier:   v.Tracking.Payload,
	})
}

type cancelRequest struct {
	Comment string `json:"comment"`
}

func (a *StorefrontAPI) cancelShipment(w http.ResponseWriter, r *http.Request) {
	id, err := shipmentIDParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	sh, err := a.shipments.Cancel(r.Context(), id, req.Comment)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipmentJSON(sh))
}

func (a *StorefrontAPI) listShipmentEvents(w http.ResponseWriter, r *http.Request) {
	id, err := shipmentIDParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	evs, err := a.shipments.Events(r.Context(), id, limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventsJSON(evs)})
}

func (a *StorefrontAPI) retryShipment(w http.ResponseWriter, r *http.Request) {
	o, err := a.orders.RetryShipment(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func shipmentIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "shipmentID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &apperr.ValidationError{Field: "shipment_id", Msg: "must be a positive integer"}
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return &apperr.ValidationError{Field: "body", Msg: "invalid JSON: " + err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type shipmentJSON struct {
	OrderNumber    string `json:"order_number"`
	CarrierOrderID int64  `json:"carrier_order_id"`
	ShipmentID     int64  `json:"shipment_id"`
	AWBCode        string `json:"awb_code,omitempty"`
	Status         string `json:"status"`
	PaymentMethod  string `json:"payment_method"`
	SubTotal       string `json:"sub_total"`
	CODAmount      string `json:"cod_amount"`

	PickupScheduledDate *time.Time `json:"pickup_scheduled_date,omitempty"`
	ShippedDate         *time.Time `json:"shipped_date,omitempty"`
	DeliveredDate       *time.Time `json:"delivered_date,omitempty"`
	CancelledDate       *time.Time `json:"cancelled_date,omitempty"`
	ReturnedDate        *time.Time `json:"returned_date,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func toShipmentJSON(s *models.ShiprocketOrder) shipmentJSON {
	return shipmentJSON{
		OrderNumber:         s.OrderID,
		CarrierOrderID:      s.CarrierOrderID,
		ShipmentID:          s.ShipmentID,
		AWBCode:             s.AWBCode,
		Status:              string(s.Status),
		PaymentMethod:       string(s.PaymentMethod),
		SubTotal:            s.SubTotal.StringFixed(2),
		CODAmount:           s.CODAmount.StringFixed(2),
		PickupScheduledDate: s.PickupScheduledDate,
		ShippedDate:         s.ShippedDate,
		DeliveredDate:       s.DeliveredDate,
		CancelledDate:       s.CancelledDate,
		ReturnedDate:        s.ReturnedDate,
		UpdatedAt:           s.UpdatedAt,
	}
}

type shipmentEventJSON struct {
	Status    string    `json:"status"`
	StatusRaw string    `json:"status_raw"`
	EventTime time.Time `json:"event_time"`
	Location  string    `json:"location,omitempty"`
	Message   string    `json:"message,omitempty"`
}

func toEventsJSON(evs []*models.ShipmentEvent) []shipmentEventJSON {
	out := make([]shipmentEventJSON, 0, len(evs))
	for _, e := range evs {
		out = append(out, shipmentEventJSON{
			Status:    string(e.Status),
			StatusRaw: e.StatusRaw,
			EventTime: e.EventTime,
			Location:  derefString(e.Location),
			Message:   derefString(e.Message),
		})
	}
	return out
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
