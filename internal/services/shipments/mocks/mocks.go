package mocks

import (
	"context"

	"github.com/BearBump/FulfillBox/internal/broker/messages"
	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/BearBump/FulfillBox/internal/storage/pgstore"
	"github.com/stretchr/testify/mock"
)

// MockRepository is a mock type for the Repository type
type MockRepository struct {
	mock.Mock
}

// GetShipmentByAWB provides a mock function with given fields: ctx, awb
func (_m *MockRepository) GetShipmentByAWB(ctx context.Context, awb string) (*models.ShiprocketOrder, error) {
	ret := _m.Called(ctx, awb)

	var r0 *models.ShiprocketOrder
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.ShiprocketOrder)
	}
	return r0, ret.Error(1)
}

// GetShipmentByShipmentID provides a mock function with given fields: ctx, shipmentID
func (_m *MockRepository) GetShipmentByShipmentID(ctx context.Context, shipmentID int64) (*models.ShiprocketOrder, error) {
	ret := _m.Called(ctx, shipmentID)

	var r0 *models.ShiprocketOrder
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.ShiprocketOrder)
	}
	return r0, ret.Error(1)
}

// SaveShipmentUpdate provides a mock function with given fields: ctx, upd
func (_m *MockRepository) SaveShipmentUpdate(ctx context.Context, upd pgstore.ShipmentUpdate) (bool, error) {
	ret := _m.Called(ctx, upd)
	return ret.Bool(0), ret.Error(1)
}

// AdvanceOrderStatus provides a mock function with given fields: ctx, orderNumber, next
func (_m *MockRepository) AdvanceOrderStatus(ctx context.Context, orderNumber string, next models.OrderStatus) (bool, error) {
	ret := _m.Called(ctx, orderNumber, next)
	return ret.Bool(0), ret.Error(1)
}

// ListShipmentEvents provides a mock function with given fields: ctx, shipmentID, limit, offset
func (_m *MockRepository) ListShipmentEvents(ctx context.Context, shipmentID int64, limit int, offset int) ([]*models.ShipmentEvent, error) {
	ret := _m.Called(ctx, shipmentID, limit, offset)

	var r0 []*models.ShipmentEvent
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*models.ShipmentEvent)
	}
	return r0, ret.Error(1)
}

// MockPublisher is a mock type for the Publisher type
type MockPublisher struct {
	mock.Mock
}

// ShipmentUpdated provides a mock function with given fields: ctx, msg
func (_m *MockPublisher) ShipmentUpdated(ctx context.Context, msg messages.ShipmentUpdated) {
	_m.Called(ctx, msg)
}
