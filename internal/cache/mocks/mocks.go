package mocks

import (
	"context"
	"time"

	"github.com/BearBump/FulfillBox/internal/cache"
	"github.com/stretchr/testify/mock"
)

// MockBytesCache is a mock type for the BytesCache type
type MockBytesCache struct {
	mock.Mock
}

// Get provides a mock function with given fields: ctx, key
func (_m *MockBytesCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ret := _m.Called(ctx, key)

	var r0 []byte
	if rf, ok := ret.Get(0).(func(context.Context, string) []byte); ok {
		r0 = rf(ctx, key)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]byte)
	}
	return r0, ret.Bool(1), ret.Error(2)
}

// Set provides a mock function with given fields: ctx, key, value, ttl
func (_m *MockBytesCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ret := _m.Called(ctx, key, value, ttl)
	return ret.Error(0)
}

// Delete provides a mock function with given fields: ctx, keys
func (_m *MockBytesCache) Delete(ctx context.Context, keys ...string) error {
	args := []interface{}{ctx}
	for _, k := range keys {
		args = append(args, k)
	}
	ret := _m.Called(args...)
	return ret.Error(0)
}

// MockLimiter is a mock type for the Limiter type
type MockLimiter struct {
	mock.Mock
}

// Allow provides a mock function with given fields: ctx, key, limit, window
func (_m *MockLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (cache.Decision, error) {
	ret := _m.Called(ctx, key, limit, window)

	var r0 cache.Decision
	if rf, ok := ret.Get(0).(func(context.Context, string, int64, time.Duration) cache.Decision); ok {
		r0 = rf(ctx, key, limit, window)
	} else {
		r0 = ret.Get(0).(cache.Decision)
	}
	return r0, ret.Error(1)
}
