package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	FulfillBox FulfillBoxConfig `yaml:"fulfillbox"`
	Shiprocket ShiprocketConfig `yaml:"shiprocket"`
	Payment    PaymentConfig    `yaml:"payment"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Worker     WorkerConfig     `yaml:"worker"`

	// Products are upserted into the catalog on start.
	Products []ProductConfig `yaml:"products"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnString builds the pgx DSN.
func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (k KafkaConfig) Brokers() []string {
	if k.Host == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type FulfillBoxConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	OrderCacheTTLSeconds    int `yaml:"order_cache_ttl_seconds"`
	TrackRateLimitPerMinute int `yaml:"track_rate_limit_per_minute"`

	// AdminKeyHash is the bcrypt hash of the X-Admin-Key header value.
	AdminKeyHash string `yaml:"admin_key_hash"`

	// CarrierMode is "shiprocket" or "fake".
	CarrierMode string `yaml:"carrier_mode"`
}

type ShiprocketConfig struct {
	BaseURL        string  `yaml:"base_url"`
	Email          string  `yaml:"email"`
	Password       string  `yaml:"password"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	PickupLocation string  `yaml:"pickup_location"`
	ChannelID      string  `yaml:"channel_id"`
	Length         float64 `yaml:"length"`
	Breadth        float64 `yaml:"breadth"`
	Height         float64 `yaml:"height"`
	Weight         float64 `yaml:"weight"`
}

type PaymentConfig struct {
	KeySecret string `yaml:"key_secret"`
}

// PricingConfig keeps amounts as strings so no float rounding creeps in.
type PricingConfig struct {
	TaxRate           string `yaml:"tax_rate"`
	ShippingFee       string `yaml:"shipping_fee"`
	FreeShippingAbove string `yaml:"free_shipping_above"`
}

// Decimals parses the pricing amounts; empty values are zero.
func (p PricingConfig) Decimals() (taxRate, shippingFee, freeAbove decimal.Decimal, err error) {
	parse := func(name, v string) (decimal.Decimal, error) {
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "pricing.%s", name)
		}
		if d.IsNegative() {
			return decimal.Zero, errors.Errorf("pricing.%s must not be negative", name)
		}
		return d, nil
	}
	if taxRate, err = parse("tax_rate", p.TaxRate); err != nil {
		return
	}
	if shippingFee, err = parse("shipping_fee", p.ShippingFee); err != nil {
		return
	}
	freeAbove, err = parse("free_shipping_above", p.FreeShippingAbove)
	return
}

type WorkerConfig struct {
	HTTPAddr      string `yaml:"http_addr"`
	ConsumerGroup string `yaml:"consumer_group"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
	Concurrency         int `yaml:"concurrency"`
	LeaseSeconds        int `yaml:"lease_seconds"`
	RateLimitPerMinute  int `yaml:"rate_limit_per_minute"`
	OrderGraceSeconds   int `yaml:"order_grace_seconds"`

	// Poll scheduling (optional). Defaults: moving parcels 30..90 minutes,
	// idle 2 hours, backoff 5/15/30/60 minutes.
	NextCheckMovingMinSeconds int `yaml:"next_check_moving_min_seconds"`
	NextCheckMovingMaxSeconds int `yaml:"next_check_moving_max_seconds"`
	NextCheckIdleSeconds      int `yaml:"next_check_idle_seconds"`
	Backoff1Seconds           int `yaml:"backoff_1_seconds"`
	Backoff2Seconds           int `yaml:"backoff_2_seconds"`
	Backoff3Seconds           int `yaml:"backoff_3_seconds"`
	Backoff4Seconds           int `yaml:"backoff_4_seconds"`
}

type ProductConfig struct {
	ID    string `yaml:"id"`
	SKU   string `yaml:"sku"`
	Name  string `yaml:"name"`
	Price string `yaml:"price"`
}

// secretEnv maps environment variables onto secret fields. Secrets set in
// the environment win over the file.
var secretEnv = []struct {
	key string
	set func(c *Config, v string)
}{
	{"SHIPROCKET_EMAIL", func(c *Config, v string) { c.Shiprocket.Email = v }},
	{"SHIPROCKET_PASSWORD", func(c *Config, v string) { c.Shiprocket.Password = v }},
	{"PAYMENT_KEY_SECRET", func(c *Config, v string) { c.Payment.KeySecret = v }},
	{"ADMIN_KEY_HASH", func(c *Config, v string) { c.FulfillBox.AdminKeyHash = v }},
	{"DB_PASSWORD", func(c *Config, v string) { c.Database.Password = v }},
	{"REDIS_PASSWORD", func(c *Config, v string) { c.Redis.Password = v }},
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	applyEnv(&config, viper.New())

	if _, _, _, err := config.Pricing.Decimals(); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyEnv(c *Config, v *viper.Viper) {
	v.AutomaticEnv()
	for _, s := range secretEnv {
		if val := v.GetString(s.key); val != "" {
			s.set(c, val)
		}
	}
}
