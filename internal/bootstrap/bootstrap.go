// Package bootstrap turns config.Config into the collaborators both
// binaries share: logger, postgres, carrier client, poll planner, pricing.
package bootstrap

import (
	"context"
	"time"

	"github.com/BearBump/FulfillBox/config"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier/fake"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier/shiprocket"
	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/BearBump/FulfillBox/internal/services/fulfillment"
	"github.com/BearBump/FulfillBox/internal/services/reconciler"
	"github.com/BearBump/FulfillBox/internal/storage/pgstore"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	CarrierModeShiprocket = "shiprocket"
	CarrierModeFake       = "fake"
)

// NewLogger builds a JSON production logger; level "debug" also switches to
// the development encoder.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, errors.Wrapf(err, "log level %q", level)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// OpenPostgres retries until postgres accepts connections or wait elapses.
func OpenPostgres(ctx context.Context, connString string, wait time.Duration, logger *zap.Logger) (*pgstore.Storage, error) {
	var st *pgstore.Storage
	op := func() error {
		var err error
		st, err = pgstore.New(connString)
		if err != nil {
			logger.Warn("postgres not ready", zap.Error(err))
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = wait
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, errors.Wrapf(err, "postgres is not ready after %s", wait)
	}
	return st, nil
}

// NewCarrier picks the Shiprocket client unless the fake carrier is asked
// for or no credentials are configured.
func NewCarrier(cfg *config.Config, logger *zap.Logger) carrier.Client {
	sr := cfg.Shiprocket
	mode := cfg.FulfillBox.CarrierMode
	if mode == CarrierModeFake || (mode == "" && sr.Email == "") {
		logger.Info("using fake carrier")
		return fake.New()
	}
	return shiprocket.New(shiprocket.Config{
		BaseURL:        sr.BaseURL,
		Email:          sr.Email,
		Password:       sr.Password,
		Timeout:        time.Duration(sr.TimeoutSeconds) * time.Second,
		PickupLocation: sr.PickupLocation,
		ChannelID:      sr.ChannelID,
		Length:         sr.Length,
		Breadth:        sr.Breadth,
		Height:         sr.Height,
		Weight:         sr.Weight,
	}, logger)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// NewPlanner maps the worker section onto the poll planner. Zero values keep
// the planner defaults.
func NewPlanner(w config.WorkerConfig) *reconciler.Planner {
	return reconciler.NewPlanner(reconciler.PlannerConfig{
		MovingMinDelay: seconds(w.NextCheckMovingMinSeconds),
		MovingMaxDelay: seconds(w.NextCheckMovingMaxSeconds),
		IdleDelay:      seconds(w.NextCheckIdleSeconds),
		Backoff1:       seconds(w.Backoff1Seconds),
		Backoff2:       seconds(w.Backoff2Seconds),
		Backoff3:       seconds(w.Backoff3Seconds),
		Backoff4:       seconds(w.Backoff4Seconds),
	}, nil)
}

func Pricing(p config.PricingConfig) (fulfillment.Pricing, error) {
	tax, fee, free, err := p.Decimals()
	if err != nil {
		return fulfillment.Pricing{}, err
	}
	return fulfillment.Pricing{TaxRate: tax, ShippingFee: fee, FreeShippingAbove: free}, nil
}

type productUpserter interface {
	UpsertProduct(ctx context.Context, p models.Product) error
}

// SeedProducts upserts the configured catalog.
func SeedProducts(ctx context.Context, st productUpserter, products []config.ProductConfig) error {
	for _, p := range products {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return errors.Wrapf(err, "product %s price", p.ID)
		}
		if err := st.UpsertProduct(ctx, models.Product{
			ID:    p.ID,
			SKU:   p.SKU,
			Name:  p.Name,
			Price: price,
		}); err != nil {
			return errors.Wrapf(err, "seed product %s", p.ID)
		}
	}
	return nil
}
