package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier"
	"github.com/BearBump/FulfillBox/internal/models"
)

// FakeClient is an in-process carrier for local runs and tests. Shipment ids
// and AWBs are derived from the order number, and tracking status from the
// AWB: roughly 20% of shipments report DELIVERED.
type FakeClient struct {
	mu        sync.Mutex
	cancelled map[string]bool

	// CreateErr, TrackErr and CancelErr force the matching call to fail.
	CreateErr error
	TrackErr  error
	CancelErr error
}

var _ carrier.Client = (*FakeClient)(nil)

func New() *FakeClient {
	return &FakeClient{cancelled: map[string]bool{}}
}

func hash(parts ...string) uint32 {
	h := fnv.New32a()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte("|"))
		}
		_, _ = h.Write([]byte(p))
	}
	return h.Sum32()
}

func (f *FakeClient) CreateOrder(ctx context.Context, req carrier.CreateOrderRequest) (carrier.CreateOrderResult, error) {
	if f.CreateErr != nil {
		return carrier.CreateOrderResult{}, f.CreateErr
	}
	if req.OrderNumber == "" {
		return carrier.CreateOrderResult{}, &apperr.ValidationError{Field: "order_number", Msg: "required"}
	}
	v := hash(req.OrderNumber)
	awb := fmt.Sprintf("FAKE%010d", v)
	return carrier.CreateOrderResult{
		CarrierOrderID: int64(v),
		ShipmentID:     int64(v) + 1_000_000,
		AWBCode:        awb,
		Status:         models.ShipmentStatusNew,
		TrackingURL:    "https://tracking.invalid/" + awb,
	}, nil
}

func (f *FakeClient) Track(ctx context.Context, awb string) (carrier.TrackingResult, error) {
	if f.TrackErr != nil {
		return carrier.TrackingResult{}, f.TrackErr
	}
	now := time.Now().UTC()

	status := models.ShipmentStatusInTransit
	if hash(awb)%5 == 0 {
		status = models.ShipmentStatusDelivered
	}
	f.mu.Lock()
	if f.cancelled[awb] {
		status = models.ShipmentStatusCancelled
	}
	f.mu.Unlock()

	raw := string(status)
	ev := &models.ShipmentEvent{
		Status:    status,
		StatusRaw: raw,
		EventTime: now,
		Message:   ptr("fake carrier update"),
	}
	payload, _ := json.Marshal(map[string]any{"awb": awb, "status": raw, "at": now})

	return carrier.TrackingResult{
		Status:    status,
		StatusRaw: raw,
		StatusAt:  &now,
		TrackURL:  "https://tracking.invalid/" + awb,
		Events:    []*models.ShipmentEvent{ev},
		Payload:   payload,
	}, nil
}

func (f *FakeClient) Cancel(ctx context.Context, awbs []string) error {
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range awbs {
		f.cancelled[a] = true
	}
	return nil
}

func ptr(s string) *string { return &s }
