// Package shiprocket is the carrier.Client for the Shiprocket external API.
package shiprocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/BearBump/FulfillBox/internal/integrations/carrier"
	"github.com/BearBump/FulfillBox/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://apiv2.shiprocket.in/v1/external"
	TrackingURL    = "https://shiprocket.co/tracking/"
)

// Shiprocket reports times in IST without a zone.
var ist = time.FixedZone("IST", 5*3600+30*60)

type Config struct {
	BaseURL        string
	Email          string
	Password       string
	Timeout        time.Duration
	PickupLocation string
	ChannelID      string

	// Parcel defaults, cm and kg.
	Length  float64
	Breadth float64
	Height  float64
	Weight  float64
}

type Client struct {
	cfg    Config
	httpc  *http.Client
	tokens *TokenCache
	exec   *Executor
	logger *zap.Logger
}

var _ carrier.Client = (*Client)(nil)

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PickupLocation == "" {
		cfg.PickupLocation = "Primary"
	}
	if cfg.Length <= 0 {
		cfg.Length = 10
	}
	if cfg.Breadth <= 0 {
		cfg.Breadth = 10
	}
	if cfg.Height <= 0 {
		cfg.Height = 10
	}
	if cfg.Weight <= 0 {
		cfg.Weight = 0.5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("carrier", "shiprocket"))

	c := &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	c.tokens = NewTokenCache(c.login, logger)
	c.exec = NewExecutor(cfg.BaseURL, c.httpc, c.tokens, logger)
	return c
}

// Tokens exposes the token cache, mostly for diagnostics and tests.
func (c *Client) Tokens() *TokenCache { return c.tokens }

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResp struct {
	Token string `json:"token"`
}

func (c *Client) login(ctx context.Context) (string, error) {
	if c.cfg.Email == "" || c.cfg.Password == "" {
		return "", &apperr.AuthenticationError{Msg: "carrier credentials are not configured"}
	}
	resp, err := doJSON(ctx, c.httpc, http.MethodPost, c.cfg.BaseURL+"/auth/login",
		loginReq{Email: c.cfg.Email, Password: c.cfg.Password}, "")
	if err != nil {
		return "", err
	}

	switch {
	case resp.status/100 == 2:
		var lr loginResp
		if err := json.Unmarshal(resp.body, &lr); err != nil {
			return "", &apperr.AuthenticationError{Msg: "unreadable login response", Err: err}
		}
		return lr.Token, nil
	case resp.status == http.StatusTooManyRequests:
		return "", &apperr.RateLimitedError{RetryAfter: rateLimitWindow}
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		msg := carrierMessage(resp.body)
		if permissionFlavoured(msg) {
			return "", &apperr.PermissionError{Endpoint: "/auth/login", Msg: msg, Remediation: remediationFor("/auth/login")}
		}
		return "", &apperr.AuthenticationError{Msg: msg}
	default:
		return "", &apperr.AuthenticationError{
			Msg: "login failed",
			Err: &apperr.CarrierError{StatusCode: resp.status, Body: carrierMessage(resp.body)},
		}
	}
}

func permissionFlavoured(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range []string{"permission", "not authorized", "unauthorized access", "access denied", "api user"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

type adhocItem struct {
	Name         string `json:"name"`
	SKU          string `json:"sku"`
	Units        int    `json:"units"`
	SellingPrice string `json:"selling_price"`
}

type adhocOrder struct {
	OrderID           string      `json:"order_id"`
	OrderDate         string      `json:"order_date"`
	PickupLocation    string      `json:"pickup_location"`
	ChannelID         string      `json:"channel_id,omitempty"`
	BillingName       string      `json:"billing_customer_name"`
	BillingLastName   string      `json:"billing_last_name"`
	BillingAddress    string      `json:"billing_address"`
	BillingAddress2   string      `json:"billing_address_2,omitempty"`
	BillingCity       string      `json:"billing_city"`
	BillingPincode    string      `json:"billing_pincode"`
	BillingState      string      `json:"billing_state"`
	BillingCountry    string      `json:"billing_country"`
	BillingEmail      string      `json:"billing_email"`
	BillingPhone      string      `json:"billing_phone"`
	ShippingIsBilling bool        `json:"shipping_is_billing"`
	OrderItems        []adhocItem `json:"order_items"`
	PaymentMethod     string      `json:"payment_method"`
	ShippingCharges   string      `json:"shipping_charges"`
	SubTotal          string      `json:"sub_total"`
	Length            float64     `json:"length"`
	Breadth           float64     `json:"breadth"`
	Height            float64     `json:"height"`
	Weight            float64     `json:"weight"`
}

type adhocResp struct {
	OrderID    int64  `json:"order_id"`
	ShipmentID int64  `json:"shipment_id"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
	AWBCode    string `json:"awb_code"`
}

func (c *Client) CreateOrder(ctx context.Context, req carrier.CreateOrderRequest) (carrier.CreateOrderResult, error) {
	if req.OrderNumber == "" || len(req.Items) == 0 {
		return carrier.CreateOrderResult{}, &apperr.ValidationError{Field: "order", Msg: "order number and items are required"}
	}

	first, last := splitName(req.Billing.Name)
	body := adhocOrder{
		OrderID:           req.OrderNumber,
		OrderDate:         req.OrderDate.In(ist).Format("2006-01-02 15:04"),
		PickupLocation:    c.cfg.PickupLocation,
		ChannelID:         c.cfg.ChannelID,
		BillingName:       first,
		BillingLastName:   last,
		BillingAddress:    req.Billing.Line1,
		BillingAddress2:   req.Billing.Line2,
		BillingCity:       req.Billing.City,
		BillingPincode:    req.Billing.PostalCode,
		BillingState:      req.Billing.State,
		BillingCountry:    req.Billing.Country,
		BillingEmail:      req.Billing.Email,
		BillingPhone:      req.Billing.Phone,
		ShippingIsBilling: true,
		PaymentMethod:     "Prepaid",
		ShippingCharges:   req.ShippingFee.StringFixed(2),
		SubTotal:          req.SubTotal.StringFixed(2),
		Length:            c.cfg.Length,
		Breadth:           c.cfg.Breadth,
		Height:            c.cfg.Height,
		Weight:            c.cfg.Weight,
	}
	if req.PaymentMethod == models.PaymentMethodCOD {
		body.PaymentMethod = "COD"
	}
	for _, it := range req.Items {
		body.OrderItems = append(body.OrderItems, adhocItem{
			Name:         it.Name,
			SKU:          it.SKU,
			Units:        it.Quantity,
			SellingPrice: it.UnitPrice.StringFixed(2),
		})
	}

	var out adhocResp
	if err := c.exec.Do(ctx, http.MethodPost, "/orders/create/adhoc", body, &out); err != nil {
		return carrier.CreateOrderResult{}, errors.Wrap(err, "shiprocket create order")
	}
	if out.ShipmentID == 0 {
		return carrier.CreateOrderResult{}, &apperr.CarrierError{StatusCode: http.StatusOK, Body: "create order returned no shipment_id"}
	}

	awb := out.AWBCode
	if awb == "" {
		// AWB assignment is a separate call on Shiprocket; a failure here
		// leaves the shipment linked without a waybill.
		assigned, err := c.assignAWB(ctx, out.ShipmentID)
		if err != nil {
			c.logger.Warn("awb assignment failed",
				zap.String("order_number", req.OrderNumber),
				zap.Int64("shipment_id", out.ShipmentID),
				zap.String("kind", apperr.Kind(err)),
				zap.Error(err))
		}
		awb = assigned
	}

	status := models.ShipmentStatusNew
	if out.StatusCode > 0 {
		if st := statusFromCode(out.StatusCode); st != models.ShipmentStatusPending {
			status = st
		}
	}

	res := carrier.CreateOrderResult{
		CarrierOrderID: out.OrderID,
		ShipmentID:     out.ShipmentID,
		AWBCode:        awb,
		Status:         status,
	}
	if awb != "" {
		res.TrackingURL = TrackingURL + awb
	}
	return res, nil
}

type assignReq struct {
	ShipmentID int64 `json:"shipment_id"`
}

type assignResp struct {
	AWBAssignStatus int `json:"awb_assign_status"`
	Response        struct {
		Data struct {
			AWBCode string `json:"awb_code"`
		} `json:"data"`
	} `json:"response"`
}

func (c *Client) assignAWB(ctx context.Context, shipmentID int64) (string, error) {
	var out assignResp
	if err := c.exec.Do(ctx, http.MethodPost, "/courier/assign/awb", assignReq{ShipmentID: shipmentID}, &out); err != nil {
		return "", errors.Wrap(err, "shiprocket assign awb")
	}
	return out.Response.Data.AWBCode, nil
}

// flexInt accepts both 7 and "7".
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

type trackActivity struct {
	Date          string  `json:"date"`
	Status        string  `json:"status"`
	Activity      string  `json:"activity"`
	Location      string  `json:"location"`
	SRStatus      flexInt `json:"sr-status"`
	SRStatusLabel string  `json:"sr-status-label"`
}

type trackResp struct {
	TrackingData struct {
		TrackStatus    flexInt `json:"track_status"`
		ShipmentStatus flexInt `json:"shipment_status"`
		ShipmentTrack  []struct {
			AWBCode       string `json:"awb_code"`
			CurrentStatus string `json:"current_status"`
		} `json:"shipment_track"`
		Activities []trackActivity `json:"shipment_track_activities"`
		TrackURL   string          `json:"track_url"`
		Error      string          `json:"error"`
	} `json:"tracking_data"`
}

func (c *Client) Track(ctx context.Context, awb string) (carrier.TrackingResult, error) {
	awb = strings.TrimSpace(awb)
	if awb == "" {
		return carrier.TrackingResult{}, &apperr.ValidationError{Field: "awb", Msg: "required"}
	}

	var raw json.RawMessage
	if err := c.exec.Do(ctx, http.MethodGet, "/courier/track/awb/"+url.PathEscape(awb), nil, &raw); err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "shiprocket track")
	}
	var tr trackResp
	if err := json.Unmarshal(raw, &tr); err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "decode tracking")
	}
	td := tr.TrackingData
	if td.Error != "" && td.ShipmentStatus == 0 && len(td.ShipmentTrack) == 0 {
		return carrier.TrackingResult{}, &apperr.NotFoundError{Resource: "awb", ID: awb}
	}

	res := carrier.TrackingResult{
		Status:   models.ShipmentStatusPending,
		TrackURL: td.TrackURL,
		Payload:  raw,
	}
	if res.TrackURL == "" {
		res.TrackURL = TrackingURL + awb
	}
	if len(td.ShipmentTrack) > 0 {
		res.StatusRaw = td.ShipmentTrack[0].CurrentStatus
	}
	switch {
	case td.ShipmentStatus > 0:
		res.Status = statusFromCode(int(td.ShipmentStatus))
	case res.StatusRaw != "":
		if st, ok := statusFromLabel(res.StatusRaw); ok {
			res.Status = st
		}
	}

	for _, a := range td.Activities {
		at, err := time.ParseInLocation("2006-01-02 15:04:05", a.Date, ist)
		if err != nil {
			continue
		}
		st := models.ShipmentStatusPending
		if a.SRStatus > 0 {
			st = statusFromCode(int(a.SRStatus))
		} else if mapped, ok := statusFromLabel(a.SRStatusLabel); ok {
			st = mapped
		}
		ev := &models.ShipmentEvent{
			Status:    st,
			StatusRaw: a.Status,
			EventTime: at.UTC(),
		}
		if a.Location != "" {
			loc := a.Location
			ev.Location = &loc
		}
		if a.Activity != "" {
			msg := a.Activity
			ev.Message = &msg
		}
		res.Events = append(res.Events, ev)
	}
	sort.SliceStable(res.Events, func(i, j int) bool {
		return res.Events[i].EventTime.Before(res.Events[j].EventTime)
	})
	if n := len(res.Events); n > 0 {
		at := res.Events[n-1].EventTime
		res.StatusAt = &at
	}
	return res, nil
}

type cancelReq struct {
	AWBs []string `json:"awbs"`
}

func (c *Client) Cancel(ctx context.Context, awbs []string) error {
	if len(awbs) == 0 {
		return &apperr.ValidationError{Field: "awbs", Msg: "at least one awb is required"}
	}
	if err := c.exec.Do(ctx, http.MethodPost, "/orders/cancel/shipment/awbs", cancelReq{AWBs: awbs}, nil); err != nil {
		return errors.Wrap(err, "shiprocket cancel")
	}
	return nil
}

func splitName(full string) (string, string) {
	full = strings.TrimSpace(full)
	if i := strings.LastIndex(full, " "); i > 0 {
		return full[:i], full[i+1:]
	}
	return full, ""
}
