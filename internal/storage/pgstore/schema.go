package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS products (
  id TEXT PRIMARY KEY,
  sku TEXT NOT NULL,
  name TEXT NOT NULL,
  price NUMERIC(12,2) NOT NULL CHECK (price >= 0),
  active BOOLEAN NOT NULL DEFAULT TRUE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS cart_items (
  user_id TEXT NOT NULL,
  product_id TEXT NOT NULL REFERENCES products(id),
  quantity INT NOT NULL CHECK (quantity > 0),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, product_id)
)`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id UUID PRIMARY KEY,
  order_number TEXT NOT NULL UNIQUE,
  user_id TEXT NOT NULL,
  items JSONB NOT NULL,
  subtotal NUMERIC(12,2) NOT NULL CHECK (subtotal >= 0),
  tax NUMERIC(12,2) NOT NULL CHECK (tax >= 0),
  shipping NUMERIC(12,2) NOT NULL CHECK (shipping >= 0),
  total NUMERIC(12,2) NOT NULL CHECK (total >= 0),
  payment_method TEXT NOT NULL,
  payment_status TEXT NOT NULL,
  status TEXT NOT NULL,
  provider_order_id TEXT NOT NULL,
  provider_payment_id TEXT NOT NULL,
  provider_signature TEXT NOT NULL,
  shipping_address JSONB NOT NULL,
  shipment_id BIGINT NULL,
  awb_code TEXT NULL,
  tracking_url TEXT NULL,
  order_created_on_carrier BOOLEAN NOT NULL DEFAULT FALSE,
  shipment_attempts INT NOT NULL DEFAULT 0,
  shipment_last_error TEXT NULL,
  next_shipment_attempt_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_orders_provider_payment_id ON orders(provider_payment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_unlinked ON orders(next_shipment_attempt_at) WHERE order_created_on_carrier = FALSE`,
		`
CREATE TABLE IF NOT EXISTS shiprocket_orders (
  id BIGSERIAL PRIMARY KEY,
  order_id TEXT NOT NULL REFERENCES orders(order_number),
  carrier_order_id BIGINT NOT NULL,
  shipment_id BIGINT NOT NULL UNIQUE,
  awb_code TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  pickup_scheduled_date TIMESTAMPTZ NULL,
  shipped_date TIMESTAMPTZ NULL,
  delivered_date TIMESTAMPTZ NULL,
  cancelled_date TIMESTAMPTZ NULL,
  returned_date TIMESTAMPTZ NULL,
  payment_method TEXT NOT NULL,
  sub_total NUMERIC(12,2) NOT NULL,
  cod_amount NUMERIC(12,2) NOT NULL,
  last_tracking_payload JSONB NULL,
  next_poll_at TIMESTAMPTZ NOT NULL,
  poll_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CHECK (cod_amount = CASE WHEN payment_method = 'cod' THEN sub_total ELSE 0 END)
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_shiprocket_orders_awb ON shiprocket_orders(awb_code) WHERE awb_code <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_shiprocket_orders_order_id ON shiprocket_orders(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_shiprocket_orders_next_poll_at ON shiprocket_orders(next_poll_at)`,
		`
CREATE TABLE IF NOT EXISTS shipment_events (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shiprocket_orders(shipment_id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  status_raw TEXT NOT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_events_shipment_time ON shipment_events(shipment_id, event_time DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_shipment_events_dedup ON shipment_events(shipment_id, status_raw, event_time, location, message)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
