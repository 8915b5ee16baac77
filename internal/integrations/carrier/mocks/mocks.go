package mocks

import (
	"context"

	"github.com/BearBump/FulfillBox/internal/integrations/carrier"
	"github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client type
type MockClient struct {
	mock.Mock
}

// CreateOrder provides a mock function with given fields: ctx, req
func (_m *MockClient) CreateOrder(ctx context.Context, req carrier.CreateOrderRequest) (carrier.CreateOrderResult, error) {
	ret := _m.Called(ctx, req)

	var r0 carrier.CreateOrderResult
	if rf, ok := ret.Get(0).(func(context.Context, carrier.CreateOrderRequest) carrier.CreateOrderResult); ok {
		r0 = rf(ctx, req)
	} else {
		r0 = ret.Get(0).(carrier.CreateOrderResult)
	}
	return r0, ret.Error(1)
}

// Track provides a mock function with given fields: ctx, awb
func (_m *MockClient) Track(ctx context.Context, awb string) (carrier.TrackingResult, error) {
	ret := _m.Called(ctx, awb)

	var r0 carrier.TrackingResult
	if rf, ok := ret.Get(0).(func(context.Context, string) carrier.TrackingResult); ok {
		r0 = rf(ctx, awb)
	} else {
		r0 = ret.Get(0).(carrier.TrackingResult)
	}
	return r0, ret.Error(1)
}

// Cancel provides a mock function with given fields: ctx, awbs
func (_m *MockClient) Cancel(ctx context.Context, awbs []string) error {
	ret := _m.Called(ctx, awbs)
	return ret.Error(0)
}
