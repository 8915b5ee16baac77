package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/FulfillBox/internal/broker/messages"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	mu       sync.Mutex
	failures int
	calls    int
	topics   []string
	keys     []string
}

func (f *fakeProducer) PublishJSON(_ context.Context, topic, key string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.topics = append(f.topics, topic)
	f.keys = append(f.keys, key)
	return nil
}

func TestPublisher_RetriesThenDelivers(t *testing.T) {
	fp := &fakeProducer{failures: 2}
	p := NewPublisher(fp, nil, PublisherOptions{MaxRetries: 3})

	p.OrderPlaced(context.Background(), messages.OrderPlaced{OrderNumber: "FB-1"})
	p.Wait()

	require.Equal(t, 3, fp.calls)
	require.Equal(t, []string{messages.TopicOrderPlaced}, fp.topics)
	require.Equal(t, []string{"FB-1"}, fp.keys)
}

func TestPublisher_GivesUpQuietly(t *testing.T) {
	fp := &fakeProducer{failures: 100}
	p := NewPublisher(fp, nil, PublisherOptions{MaxRetries: 2, Sync: true})

	p.ShipmentLinkageMissing(context.Background(), messages.ShipmentLinkageMissing{OrderNumber: "FB-2"})

	require.Equal(t, 3, fp.calls)
	require.Empty(t, fp.topics)
}

func TestPublisher_SurvivesCancelledRequest(t *testing.T) {
	fp := &fakeProducer{}
	p := NewPublisher(fp, nil, PublisherOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.ShipmentUpdated(ctx, messages.ShipmentUpdated{OrderNumber: "FB-3", CheckedAt: time.Now()})
	p.Wait()

	require.Equal(t, []string{messages.TopicShipmentUpdated}, fp.topics)
}

func TestPublisher_NilProducerOnlyLogs(t *testing.T) {
	p := NewPublisher(nil, nil, PublisherOptions{})
	require.NotPanics(t, func() {
		p.OrderPlaced(context.Background(), messages.OrderPlaced{OrderNumber: "FB-4"})
		p.Wait()
	})
}

type recordingSender struct {
	sent []Email
	err  error
}

func (r *recordingSender) Send(_ context.Context, e Email) error {
	r.sent = append(r.sent, e)
	return r.err
}

func TestDispatcher_SendsConfirmation(t *testing.T) {
	rs := &recordingSender{}
	d := NewDispatcher(rs, nil)

	b, err := json.Marshal(messages.OrderPlaced{
		OrderNumber:    "FB-5",
		CustomerName:   "Asha",
		CustomerEmail:  "asha@example.com",
		PaymentMethod:  "cod",
		Total:          "708.00",
		Items:          []messages.OrderLine{{SKU: "MUG", Name: "Mug", Quantity: 2, UnitPrice: "100.00"}},
		ShipmentLinked: true,
		TrackingURL:    "https://shiprocket.co/tracking/AWB1",
	})
	require.NoError(t, err)

	require.NoError(t, d.Handle(context.Background(), []byte("FB-5"), b))
	require.Len(t, rs.sent, 1)
	require.Equal(t, "asha@example.com", rs.sent[0].To)
	require.Contains(t, rs.sent[0].Subject, "FB-5")
	require.Contains(t, rs.sent[0].Body, "2 x Mug")
	require.Contains(t, rs.sent[0].Body, "https://shiprocket.co/tracking/AWB1")
}

func TestDispatcher_NeverBlocksPartition(t *testing.T) {
	rs := &recordingSender{err: errors.New("smtp down")}
	d := NewDispatcher(rs, nil)

	require.NoError(t, d.Handle(context.Background(), nil, []byte("{not json")))
	require.Empty(t, rs.sent)

	b, _ := json.Marshal(messages.OrderPlaced{OrderNumber: "FB-6", CustomerEmail: "x@example.com"})
	require.NoError(t, d.Handle(context.Background(), nil, b))
	require.Len(t, rs.sent, 1)

	b, _ = json.Marshal(messages.OrderPlaced{OrderNumber: "FB-7"})
	require.NoError(t, d.Handle(context.Background(), nil, b))
	require.Len(t, rs.sent, 1)
}

func TestOrderConfirmation_UnlinkedShipment(t *testing.T) {
	e := OrderConfirmation(messages.OrderPlaced{OrderNumber: "FB-8", CustomerEmail: "a@b.c"})
	require.Contains(t, e.Body, "once your parcel is booked")
}
