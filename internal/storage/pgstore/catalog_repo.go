package pgstore

import (
	"context"

	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ProductPrices returns the trusted catalog entries for ids. Inactive or
// unknown products are simply absent from the result.
func (s *Storage) ProductPrices(ctx context.Context, ids []string) (map[string]models.Product, error) {
	out := make(map[string]models.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(ctx, `
SELECT id, sku, name, price::text
FROM products
WHERE id = ANY($1) AND active
`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select products")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p     models.Product
			price string
		)
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &price); err != nil {
			return nil, errors.Wrap(err, "scan product")
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, errors.Wrap(err, "parse price")
		}
		out[p.ID] = p
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpsertProduct(ctx context.Context, p models.Product) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO products (id, sku, name, price, active, created_at, updated_at)
VALUES ($1,$2,$3,$4::numeric, TRUE, now(), now())
ON CONFLICT (id) DO UPDATE SET
  sku = EXCLUDED.sku,
  name = EXCLUDED.name,
  price = EXCLUDED.price,
  active = TRUE,
  updated_at = now()
`, p.ID, p.SKU, p.Name, p.Price.String())
	return errors.Wrap(err, "upsert product")
}

// ClearCart empties the user's cart and returns how many lines went away.
func (s *Storage) ClearCart(ctx context.Context, userID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	if err != nil {
		return 0, errors.Wrap(err, "clear cart")
	}
	return tag.RowsAffected(), nil
}
